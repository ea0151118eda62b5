package bluetooth

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// objectToken returns a path-safe unique component for objects this process
// exports on the bus.
func objectToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Advertisement encapsulates a single advertisement instance. Starting it
// registers an LEAdvertisement1 object with the daemon; the handle keeps
// the advertisement alive until Stop is called.
type Advertisement struct {
	adapter *Adapter
	path    dbus.ObjectPath
	options AdvertisementOptions

	mu      sync.Mutex
	started bool
}

// advObject is the object the daemon calls back into when it drops the
// advertisement on its own (adapter powered off, daemon shutdown).
type advObject struct {
	adv *Advertisement
}

// Release is called by the daemon when the advertisement is withdrawn.
func (o *advObject) Release() *dbus.Error {
	o.adv.mu.Lock()
	o.adv.started = false
	o.adv.mu.Unlock()
	return nil
}

// DefaultAdvertisement returns the default advertisement instance but does
// not configure it.
func (a *Adapter) DefaultAdvertisement() *Advertisement {
	if a.defaultAdvertisement == nil {
		a.defaultAdvertisement = &Advertisement{
			adapter: a,
		}
	}
	return a.defaultAdvertisement
}

// Configure this advertisement.
//
// On Linux with BlueZ, it is not possible to set the advertisement
// interval.
func (a *Advertisement) Configure(options AdvertisementOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errAdvertisementAlreadyStarted
	}
	a.options = options
	return nil
}

// Start advertisement. May only be called after it has been configured.
func (a *Advertisement) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errAdvertisementAlreadyStarted
	}
	if a.adapter.session == nil {
		return errors.New("bluetooth: adapter not enabled")
	}
	conn := a.adapter.session.conn
	path := dbus.ObjectPath("/org/bluez/go/advertisement/" + objectToken())

	serviceUUIDs := make([]string, 0, len(a.options.ServiceUUIDs))
	for _, u := range a.options.ServiceUUIDs {
		serviceUUIDs = append(serviceUUIDs, u.String())
	}
	manufacturerData := map[uint16]dbus.Variant{}
	for _, e := range a.options.ManufacturerData {
		manufacturerData[e.CompanyID] = dbus.MakeVariant(e.Data)
	}
	serviceData := map[string]dbus.Variant{}
	for _, e := range a.options.ServiceData {
		serviceData[e.UUID.String()] = dbus.MakeVariant(e.Data)
	}
	properties := map[string]map[string]*prop.Prop{
		advIface: {
			"Type":             {Value: "peripheral", Emit: prop.EmitFalse},
			"ServiceUUIDs":     {Value: serviceUUIDs, Emit: prop.EmitFalse},
			"LocalName":        {Value: a.options.LocalName, Emit: prop.EmitFalse},
			"ManufacturerData": {Value: manufacturerData, Emit: prop.EmitFalse},
			"ServiceData":      {Value: serviceData, Emit: prop.EmitFalse},
		},
	}

	if err := conn.Export(&advObject{adv: a}, path, advIface); err != nil {
		return errors.Wrap(err, "bluetooth: export advertisement")
	}
	if _, err := prop.Export(conn, path, properties); err != nil {
		conn.Export(nil, path, advIface)
		return errors.Wrap(err, "bluetooth: export advertisement properties")
	}
	err := a.adapter.session.call(a.adapter.path, advManagerIface, "RegisterAdvertisement",
		path, map[string]dbus.Variant{}).Err
	if err != nil {
		conn.Export(nil, path, advIface)
		conn.Export(nil, path, propertiesIface)
		return errorFromDBus(err)
	}
	a.path = path
	a.started = true
	return nil
}

// Stop advertisement. May only be called after it has been started.
// Unregistering at the daemon is best-effort and never blocks the caller.
func (a *Advertisement) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return errAdvertisementNotStarted
	}
	adapter := a.adapter
	path := a.path
	go func() {
		if err := adapter.session.call(adapter.path, advManagerIface, "UnregisterAdvertisement", path).Err; err != nil {
			logger.WithError(err).Warn("bluetooth: unregister advertisement")
		}
		adapter.session.conn.Export(nil, path, advIface)
		adapter.session.conn.Export(nil, path, propertiesIface)
	}()
	a.started = false
	return nil
}

// scannedDevice accumulates the daemon's property view of one remote
// device. The daemon caches advertisement data and only produces change
// events, so the scan keeps a local copy per device and replays it as a
// ScanResult on every change.
type scannedDevice struct {
	address Address
	rssi    int16
	fields  AdvertisementFields
}

func (d *scannedDevice) update(props map[string]dbus.Variant) {
	for name, v := range props {
		switch name {
		case "Address":
			if s, ok := v.Value().(string); ok {
				if mac, err := ParseMAC(s); err == nil {
					d.address.MAC = mac
				}
			}
		case "AddressType":
			d.address.SetRandom(v.Value() == "random")
		case "RSSI":
			if rssi, ok := v.Value().(int16); ok {
				d.rssi = rssi
			}
		case "Name":
			d.fields.LocalName, _ = v.Value().(string)
		case "Alias":
			if d.fields.LocalName == "" {
				d.fields.LocalName, _ = v.Value().(string)
			}
		case "UUIDs":
			uuids, _ := v.Value().([]string)
			d.fields.ServiceUUIDs = d.fields.ServiceUUIDs[:0]
			for _, s := range uuids {
				if u, err := ParseUUID(s); err == nil {
					d.fields.ServiceUUIDs = append(d.fields.ServiceUUIDs, u)
				}
			}
		case "ManufacturerData":
			md, _ := v.Value().(map[uint16]dbus.Variant)
			d.fields.ManufacturerData = d.fields.ManufacturerData[:0]
			for id, dv := range md {
				data, _ := dv.Value().([]byte)
				d.fields.ManufacturerData = append(d.fields.ManufacturerData,
					ManufacturerDataElement{CompanyID: id, Data: data})
			}
		case "ServiceData":
			sd, _ := v.Value().(map[string]dbus.Variant)
			d.fields.ServiceData = d.fields.ServiceData[:0]
			for id, dv := range sd {
				u, err := ParseUUID(id)
				if err != nil {
					continue
				}
				data, _ := dv.Value().([]byte)
				d.fields.ServiceData = append(d.fields.ServiceData,
					ServiceDataElement{UUID: u, Data: data})
			}
		}
	}
}

func (d *scannedDevice) result() ScanResult {
	fields := d.fields
	fields.ServiceUUIDs = append([]UUID(nil), d.fields.ServiceUUIDs...)
	fields.ManufacturerData = append([]ManufacturerDataElement(nil), d.fields.ManufacturerData...)
	fields.ServiceData = append([]ServiceDataElement(nil), d.fields.ServiceData...)
	return ScanResult{
		Address:              d.address,
		RSSI:                 d.rssi,
		AdvertisementPayload: &advertisementFields{fields},
	}
}

// Scan starts a BLE scan. It is stopped by a call to StopScan. A common
// pattern is to cancel the scan when a particular device has been found.
//
// On Linux with BlueZ, incoming packets cannot be observed directly.
// Instead, existing devices are watched for property changes. This closely
// simulates the behavior as if the actual packets were observed, but it has
// flaws: it is possible some events are missed and perhaps even possible
// that some events are duplicated.
func (a *Adapter) Scan(callback func(*Adapter, ScanResult)) error {
	if a.session == nil {
		return errors.New("bluetooth: adapter not enabled")
	}
	if a.cancelScan != nil {
		return errScanning
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.cancelScan = cancel

	propWatch := a.session.watch(a.path, true, propertiesIface+".PropertiesChanged")
	defer propWatch.Cancel()
	addWatch := a.session.watch(bluezRootPath, true, objectManagerIface+".InterfacesAdded")
	defer addWatch.Cancel()

	// This appears to be necessary to receive any BLE discovery results at
	// all.
	defer a.session.call(a.path, adapterIface, "SetDiscoveryFilter", map[string]dbus.Variant{})
	err := a.session.call(a.path, adapterIface, "SetDiscoveryFilter", map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}).Err
	if err != nil {
		return errorFromDBus(err)
	}
	if err := a.session.call(a.path, adapterIface, "StartDiscovery").Err; err != nil {
		return errorFromDBus(err)
	}

	devices := map[dbus.ObjectPath]*scannedDevice{}

	// Seed with the devices the daemon already caches; any change after
	// this point means a new advertisement arrived.
	if objs, err := a.session.managedObjects(); err == nil {
		paths := make([]string, 0, len(objs))
		for path := range objs {
			paths = append(paths, string(path))
		}
		sort.Strings(paths)
		for _, p := range paths {
			path := dbus.ObjectPath(p)
			props, ok := objs[path][deviceIface]
			if !ok || !strings.HasPrefix(p, string(a.path)+"/") {
				continue
			}
			dev := &scannedDevice{}
			dev.update(props)
			devices[path] = dev
			callback(a, dev.result())
		}
	}

	for {
		select {
		case sig, ok := <-propWatch.ch:
			if !ok {
				return nil
			}
			iface, changed, ok := decodePropertiesChanged(sig)
			if !ok || iface != deviceIface {
				continue
			}
			dev, ok := devices[sig.Path]
			if !ok {
				dev = &scannedDevice{}
				devices[sig.Path] = dev
			}
			dev.update(changed)
			callback(a, dev.result())
		case sig, ok := <-addWatch.ch:
			if !ok {
				return nil
			}
			if len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			props, ok := ifaces[deviceIface]
			if !ok {
				continue
			}
			dev := &scannedDevice{}
			dev.update(props)
			devices[path] = dev
			callback(a, dev.result())
		case <-ctx.Done():
			return nil
		}
	}
}

// StopScan stops any in-progress scan. It can be called from within a Scan
// callback to stop the current scan. If no scan is in progress, an error
// will be returned.
func (a *Adapter) StopScan() error {
	if a.cancelScan == nil {
		return errNotScanning
	}
	a.session.call(a.path, adapterIface, "StopDiscovery")
	cancel := a.cancelScan
	a.cancelScan = nil
	cancel()
	return nil
}
