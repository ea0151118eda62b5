package bluetooth

// Remote GATT client. The daemon performs discovery on its own and mirrors
// the peer's attribute database as objects below the device path; the
// methods here walk that mirror and relay reads, writes and subscriptions.

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const discoverTimeout = 10 * time.Second

var (
	errServicesNotFound        = errors.New("bluetooth: could not find some services")
	errCharacteristicsNotFound = errors.New("bluetooth: could not find some characteristics")
	errDescriptorsNotFound     = errors.New("bluetooth: could not find some descriptors")
	errDupNotif                = errors.New("bluetooth: notifications are already enabled")
	errNoNotif                 = errors.New("bluetooth: notifications are not enabled")
)

// UUIDWrapper is a type alias for UUID so we ensure no conflicts with
// struct method of the same name.
type uuidWrapper = UUID

// DeviceService is a BLE service on a connected peripheral device.
type DeviceService struct {
	uuidWrapper

	device Device
	path   dbus.ObjectPath
}

// UUID returns the UUID for this DeviceService.
func (s DeviceService) UUID() UUID {
	return s.uuidWrapper
}

// childObjects returns the direct children of parent whose last path
// component starts with kind ("service", "char", "desc"), sorted by path,
// with the properties of the given interface.
func childObjects(s *session, parent dbus.ObjectPath, kind, iface string) ([]dbus.ObjectPath, map[dbus.ObjectPath]map[string]dbus.Variant, error) {
	objs, err := s.managedObjects()
	if err != nil {
		return nil, nil, err
	}
	prefix := string(parent) + "/" + kind
	var paths []dbus.ObjectPath
	props := map[dbus.ObjectPath]map[string]dbus.Variant{}
	for path, ifaces := range objs {
		sp := string(path)
		if !strings.HasPrefix(sp, prefix) {
			continue
		}
		if strings.ContainsRune(sp[len(string(parent))+1:], '/') {
			continue
		}
		p, ok := ifaces[iface]
		if !ok {
			continue
		}
		paths = append(paths, path)
		props[path] = p
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths, props, nil
}

// waitServicesResolved blocks until the daemon has mirrored the peer's
// attribute database, or until the discovery timeout.
func (d Device) waitServicesResolved() error {
	resolved, err := d.servicesResolved()
	if err != nil {
		return err
	}
	if resolved {
		return nil
	}
	changes, cancel := d.adapter.session.watchProperties(d.path)
	defer cancel()
	timeout := time.After(discoverTimeout)
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return errors.New("bluetooth: device watch closed")
			}
			if change.Interface != deviceIface || change.Name != "ServicesResolved" {
				continue
			}
			if resolved, _ := change.Value.(bool); resolved {
				return nil
			}
		case <-timeout:
			return errors.New("bluetooth: timeout on DiscoverServices")
		}
	}
}

// DiscoverServices starts a service discovery procedure. Pass a list of
// service UUIDs you are interested in to this function. Either a slice of
// all services is returned (of the same length as the requested UUIDs and in
// the same order), or if some services could not be discovered an error is
// returned.
//
// Passing a nil slice of UUIDs will return a complete list of services.
//
// On Linux with BlueZ, this waits until the daemon reports the peer's
// services as resolved and then reads the daemon's cached list.
func (d Device) DiscoverServices(uuids []UUID) ([]DeviceService, error) {
	if err := d.waitServicesResolved(); err != nil {
		return nil, err
	}

	paths, props, err := childObjects(d.adapter.session, d.path, "service", gattServiceIface)
	if err != nil {
		return nil, err
	}

	services := []DeviceService{}
	seen := map[UUID]bool{}
	for _, path := range paths {
		uuid, err := ParseUUID(variantString(props[path], "UUID"))
		if err != nil {
			continue
		}
		if len(uuids) > 0 {
			found := false
			for _, u := range uuids {
				if u == uuid {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if seen[uuid] {
			// More than one service with the same UUID? Keep the first so
			// the found count stays correct.
			continue
		}
		seen[uuid] = true
		services = append(services, DeviceService{
			uuidWrapper: uuid,
			device:      d,
			path:        path,
		})
	}

	if len(uuids) > 0 && len(services) < len(uuids) {
		return nil, errServicesNotFound
	}
	return services, nil
}

// notifyState tracks one notification subscription on a remote
// characteristic.
type notifyState struct {
	mu    sync.Mutex
	watch *signalWatch
}

// DeviceCharacteristic is a BLE characteristic on a connected peripheral
// device.
type DeviceCharacteristic struct {
	uuidWrapper

	device Device
	path   dbus.ObjectPath
	notify *notifyState
}

// UUID returns the UUID for this DeviceCharacteristic.
func (c DeviceCharacteristic) UUID() UUID {
	return c.uuidWrapper
}

// DiscoverCharacteristics discovers characteristics in this service. Pass a
// list of characteristic UUIDs you are interested in to this function.
// Either a list of all requested characteristics is returned, or if some
// could not be discovered an error is returned. If there is no error, the
// characteristics slice has the same length as the UUID slice with
// characteristics in the same order in the slice as in the requested UUID
// list.
//
// Passing a nil slice of UUIDs will return a complete list of
// characteristics.
func (s DeviceService) DiscoverCharacteristics(uuids []UUID) ([]DeviceCharacteristic, error) {
	var chars []DeviceCharacteristic
	if len(uuids) > 0 {
		chars = make([]DeviceCharacteristic, len(uuids))
	}

	paths, props, err := childObjects(s.device.adapter.session, s.path, "char", gattCharIface)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		cuuid, err := ParseUUID(variantString(props[path], "UUID"))
		if err != nil {
			continue
		}
		char := DeviceCharacteristic{
			uuidWrapper: cuuid,
			device:      s.device,
			path:        path,
			notify:      &notifyState{},
		}

		if len(uuids) > 0 {
			for i, uuid := range uuids {
				if chars[i].notify != nil {
					// Already found; keep looking so multiple identical
					// characteristics land in distinct slots.
					continue
				}
				if cuuid == uuid {
					chars[i] = char
					break
				}
			}
		} else {
			chars = append(chars, char)
		}
	}

	for _, char := range chars {
		if char.notify == nil {
			return nil, errCharacteristicsNotFound
		}
	}
	return chars, nil
}

// readInto copies a daemon-returned value into the caller's buffer,
// reporting how many bytes actually landed there. A value longer than the
// buffer is truncated.
func readInto(data, value []byte) (int, error) {
	return copy(data, value), nil
}

// Read reads the current characteristic value into data and returns the
// number of bytes copied.
func (c DeviceCharacteristic) Read(data []byte) (int, error) {
	value, err := c.ReadValue(0)
	if err != nil {
		return 0, err
	}
	return readInto(data, value)
}

// ReadValue reads the characteristic value starting at the given offset.
func (c DeviceCharacteristic) ReadValue(offset uint16) ([]byte, error) {
	options := map[string]dbus.Variant{}
	if offset != 0 {
		options["offset"] = dbus.MakeVariant(offset)
	}
	var value []byte
	err := c.device.adapter.session.call(c.path, gattCharIface, "ReadValue", options).Store(&value)
	if err != nil {
		return nil, errorFromDBus(err)
	}
	return value, nil
}

// Write replaces the characteristic value with a new value, waiting for the
// peer's acknowledgment. This is also known as a "write request".
func (c DeviceCharacteristic) Write(p []byte) (n int, err error) {
	options := map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	}
	err = c.device.adapter.session.call(c.path, gattCharIface, "WriteValue", p, options).Err
	if err != nil {
		return 0, errorFromDBus(err)
	}
	return len(p), nil
}

// WriteWithoutResponse replaces the characteristic value with a new value.
// The call will return before all data has been written. A limited number of
// such writes can be in flight at any given time. This call is also known as
// a "write command" (as opposed to a write request).
func (c DeviceCharacteristic) WriteWithoutResponse(p []byte) (n int, err error) {
	options := map[string]dbus.Variant{
		"type": dbus.MakeVariant("command"),
	}
	err = c.device.adapter.session.call(c.path, gattCharIface, "WriteValue", p, options).Err
	if err != nil {
		return 0, errorFromDBus(err)
	}
	return len(p), nil
}

// EnableNotifications enables notifications in the Client Characteristic
// Configuration Descriptor (CCCD). This means that most peripherals will
// send a notification with a new value every time the value of the
// characteristic changes.
func (c DeviceCharacteristic) EnableNotifications(callback func(buf []byte)) error {
	c.notify.mu.Lock()
	defer c.notify.mu.Unlock()
	if c.notify.watch != nil {
		return errDupNotif
	}
	w := c.device.adapter.session.watch(c.path, false, propertiesIface+".PropertiesChanged")
	go func() {
		for sig := range w.ch {
			iface, changed, ok := decodePropertiesChanged(sig)
			if !ok || iface != gattCharIface {
				continue
			}
			if v, ok := changed["Value"]; ok {
				if buf, ok := v.Value().([]byte); ok {
					callback(buf)
				}
			}
		}
	}()
	if err := c.device.adapter.session.call(c.path, gattCharIface, "StartNotify").Err; err != nil {
		w.Cancel()
		return errorFromDBus(err)
	}
	c.notify.watch = w
	return nil
}

// DisableNotifications stops a subscription started with
// EnableNotifications.
func (c DeviceCharacteristic) DisableNotifications() error {
	c.notify.mu.Lock()
	defer c.notify.mu.Unlock()
	if c.notify.watch == nil {
		return errNoNotif
	}
	err := c.device.adapter.session.call(c.path, gattCharIface, "StopNotify").Err
	c.notify.watch.Cancel()
	c.notify.watch = nil
	return errorFromDBus(err)
}

// GetMTU returns the MTU for the characteristic.
func (c DeviceCharacteristic) GetMTU() (uint16, error) {
	v, err := c.device.adapter.session.getProperty(c.path, gattCharIface, "MTU")
	if err != nil {
		return 0, errorFromDBus(err)
	}
	mtu, _ := v.Value().(uint16)
	return mtu, nil
}

// AcquireWrite upgrades writes to this characteristic from per-message
// requests to a packet stream. Every chunk written to the stream, bounded by
// its send MTU, goes out as one write-without-response.
func (c DeviceCharacteristic) AcquireWrite() (*Stream, error) {
	var fd dbus.UnixFD
	var mtu uint16
	err := c.device.adapter.session.call(c.path, gattCharIface, "AcquireWrite",
		map[string]dbus.Variant{}).Store(&fd, &mtu)
	if err != nil {
		return nil, errorFromDBus(err)
	}
	return NewStream(int(fd), mtu, mtu)
}

// AcquireNotify upgrades notifications from this characteristic to a packet
// stream. Every packet read from the stream, at most its receive MTU long,
// is one notification payload.
func (c DeviceCharacteristic) AcquireNotify() (*Stream, error) {
	var fd dbus.UnixFD
	var mtu uint16
	err := c.device.adapter.session.call(c.path, gattCharIface, "AcquireNotify",
		map[string]dbus.Variant{}).Store(&fd, &mtu)
	if err != nil {
		return nil, errorFromDBus(err)
	}
	return NewStream(int(fd), mtu, mtu)
}

// DeviceDescriptor is a BLE descriptor on a characteristic of a connected
// peripheral device.
type DeviceDescriptor struct {
	uuidWrapper

	device Device
	path   dbus.ObjectPath
}

// UUID returns the UUID for this DeviceDescriptor.
func (d DeviceDescriptor) UUID() UUID {
	return d.uuidWrapper
}

// DiscoverDescriptors discovers the descriptors of this characteristic. Pass
// a list of descriptor UUIDs you are interested in, or nil for all of them.
func (c DeviceCharacteristic) DiscoverDescriptors(uuids []UUID) ([]DeviceDescriptor, error) {
	var descriptors []DeviceDescriptor
	if len(uuids) > 0 {
		descriptors = make([]DeviceDescriptor, len(uuids))
	}

	paths, props, err := childObjects(c.device.adapter.session, c.path, "desc", gattDescIface)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		duuid, err := ParseUUID(variantString(props[path], "UUID"))
		if err != nil {
			continue
		}
		desc := DeviceDescriptor{
			uuidWrapper: duuid,
			device:      c.device,
			path:        path,
		}
		if len(uuids) > 0 {
			for i, uuid := range uuids {
				if descriptors[i].path != "" {
					continue
				}
				if duuid == uuid {
					descriptors[i] = desc
					break
				}
			}
		} else {
			descriptors = append(descriptors, desc)
		}
	}

	for _, desc := range descriptors {
		if desc.path == "" {
			return nil, errDescriptorsNotFound
		}
	}
	return descriptors, nil
}

// Read reads the current descriptor value into data and returns the number
// of bytes copied.
func (d DeviceDescriptor) Read(data []byte) (int, error) {
	var value []byte
	err := d.device.adapter.session.call(d.path, gattDescIface, "ReadValue",
		map[string]dbus.Variant{}).Store(&value)
	if err != nil {
		return 0, errorFromDBus(err)
	}
	return readInto(data, value)
}

// Write replaces the descriptor value.
func (d DeviceDescriptor) Write(p []byte) (n int, err error) {
	err = d.device.adapter.session.call(d.path, gattDescIface, "WriteValue", p,
		map[string]dbus.Variant{}).Err
	if err != nil {
		return 0, errorFromDBus(err)
	}
	return len(p), nil
}
