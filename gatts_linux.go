package bluetooth

// Local GATT server. The service tree is exported on the system bus in the
// layout the daemon expects (an ObjectManager root with GattService1,
// GattCharacteristic1 and GattDescriptor1 children) and handed to BlueZ with
// RegisterApplication. The daemon owns the ATT server; reads, writes and
// subscription changes come back as method calls on the exported objects.

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Characteristic is a handle to a characteristic published by this
// application. Use it to push value changes to subscribed clients.
type Characteristic struct {
	char *appChar
}

// Write replaces the characteristic value and, when a client is subscribed,
// sends the new value as a notification. Returns the number of bytes stored.
func (c Characteristic) Write(p []byte) (n int, err error) {
	if c.char == nil {
		return 0, errors.New("bluetooth: characteristic is not published")
	}
	return c.char.writeLocal(p)
}

// AppRegistration is a handle to a service application published at the
// daemon. Dropping the handle without calling Unregister keeps the services
// visible until the bus connection closes.
type AppRegistration struct {
	adapter *Adapter
	path    dbus.ObjectPath
	exports []export
	chars   []*appChar

	once sync.Once
}

type export struct {
	path  dbus.ObjectPath
	iface string
}

// Unregister withdraws the application from the daemon and removes the
// exported object tree. Withdrawing at the daemon is best-effort and never
// blocks the caller; open acquired streams are invalidated immediately.
func (r *AppRegistration) Unregister() error {
	r.once.Do(func() {
		adapter := r.adapter
		path := r.path
		go func() {
			if err := adapter.session.call(adapter.path, gattManagerIface, "UnregisterApplication", path).Err; err != nil {
				logger.WithError(err).Warn("bluetooth: unregister application")
			}
		}()
		for _, c := range r.chars {
			c.closeStreams()
		}
		conn := adapter.session.conn
		for _, e := range r.exports {
			conn.Export(nil, e.path, e.iface)
		}
	})
	return nil
}

// appObject is the ObjectManager root of one published application. The
// daemon enumerates the service tree through it exactly once, at
// registration time.
type appObject struct {
	objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
}

func (o *appObject) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	return o.objects, nil
}

// appChar is one characteristic exported to the daemon. Its methods run on
// godbus worker goroutines; everything mutable is behind mu.
type appChar struct {
	conn   *dbus.Conn
	path   dbus.ObjectPath
	config CharacteristicConfig
	props  *prop.Properties

	mu           sync.Mutex
	value        []byte
	notifying    bool
	writeStream  *Stream
	notifyStream *Stream
}

// appDesc is one descriptor exported to the daemon.
type appDesc struct {
	path   dbus.ObjectPath
	config DescriptorConfig

	mu    sync.Mutex
	value []byte
}

// recoverToDBus converts a handler panic into a generic attribute failure
// so one broken callback cannot take down the bus connection's dispatcher.
func recoverToDBus(derr **dbus.Error) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).Error("bluetooth: attribute handler panic")
		*derr = ErrFailed.dbusError()
	}
}

func decodeReadRequest(options map[string]dbus.Variant) ReadRequest {
	return ReadRequest{
		Offset: variantUint16(options, "offset"),
		MTU:    variantUint16(options, "mtu"),
		Link:   parseLinkType(variantString(options, "link")),
	}
}

func decodeWriteRequest(options map[string]dbus.Variant) WriteRequest {
	return WriteRequest{
		Offset:           variantUint16(options, "offset"),
		Op:               parseWriteOp(variantString(options, "type")),
		MTU:              variantUint16(options, "mtu"),
		Link:             parseLinkType(variantString(options, "link")),
		PrepareAuthorize: variantBool(options, "prepare-authorize"),
	}
}

// readCell serves a read from a stored value, honoring the long-read offset.
func readCell(value []byte, offset uint16) ([]byte, *dbus.Error) {
	if int(offset) > len(value) {
		return nil, ErrInvalidOffset.dbusError()
	}
	out := make([]byte, len(value)-int(offset))
	copy(out, value[offset:])
	return out, nil
}

// writeCell stores an incoming write at the given offset, replacing the
// stored value from that point on.
func writeCell(value, data []byte, offset uint16) ([]byte, *dbus.Error) {
	if int(offset) > len(value) {
		return nil, ErrInvalidOffset.dbusError()
	}
	out := make([]byte, int(offset)+len(data))
	copy(out, value[:offset])
	copy(out[offset:], data)
	return out, nil
}

func (c *appChar) ReadValue(options map[string]dbus.Variant) (value []byte, derr *dbus.Error) {
	defer recoverToDBus(&derr)
	if !c.config.Flags.readable() {
		return nil, ErrNotPermitted.dbusError()
	}
	req := decodeReadRequest(options)
	if c.config.ReadEvent != nil {
		out, err := c.config.ReadEvent(req)
		if err != nil {
			return nil, attErrorToDBus(err)
		}
		return out, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return readCell(c.value, req.Offset)
}

func (c *appChar) WriteValue(data []byte, options map[string]dbus.Variant) (derr *dbus.Error) {
	defer recoverToDBus(&derr)
	if !c.config.Flags.writable() {
		return ErrNotPermitted.dbusError()
	}
	req := decodeWriteRequest(options)
	if c.config.WriteEvent != nil {
		if err := c.config.WriteEvent(req, data); err != nil {
			return attErrorToDBus(err)
		}
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	value, werr := writeCell(c.value, data, req.Offset)
	if werr != nil {
		return werr
	}
	c.value = value
	return nil
}

func (c *appChar) StartNotify() (derr *dbus.Error) {
	defer recoverToDBus(&derr)
	if !c.config.Flags.Notify() && !c.config.Flags.Indicate() {
		return ErrNotSupported.dbusError()
	}
	c.mu.Lock()
	already := c.notifying
	c.notifying = true
	c.mu.Unlock()
	if already {
		return nil
	}
	if c.props != nil {
		c.props.SetMust(gattCharIface, "Notifying", true)
	}
	if c.config.NotifyEvent != nil {
		c.config.NotifyEvent(true)
	}
	return nil
}

func (c *appChar) StopNotify() (derr *dbus.Error) {
	defer recoverToDBus(&derr)
	c.mu.Lock()
	was := c.notifying
	c.notifying = false
	c.mu.Unlock()
	if !was {
		return nil
	}
	if c.props != nil {
		c.props.SetMust(gattCharIface, "Notifying", false)
	}
	if c.config.NotifyEvent != nil {
		c.config.NotifyEvent(false)
	}
	return nil
}

// Confirm is the daemon's acknowledgment of an indication.
func (c *appChar) Confirm() *dbus.Error {
	return nil
}

func (c *appChar) AcquireWrite(options map[string]dbus.Variant) (fd dbus.UnixFD, mtu uint16, derr *dbus.Error) {
	defer recoverToDBus(&derr)
	if c.config.AcquireWriteEvent == nil {
		return 0, 0, ErrNotSupported.dbusError()
	}
	req := AcquireRequest{
		MTU:  variantUint16(options, "mtu"),
		Link: parseLinkType(variantString(options, "link")),
	}
	local, remote, err := acquirePair(req.MTU)
	if err != nil {
		return 0, 0, attErrorToDBus(err)
	}
	c.mu.Lock()
	prev := c.writeStream
	c.writeStream = local
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	c.config.AcquireWriteEvent(req, local)
	return sendFD(remote), req.MTU, nil
}

func (c *appChar) AcquireNotify(options map[string]dbus.Variant) (fd dbus.UnixFD, mtu uint16, derr *dbus.Error) {
	defer recoverToDBus(&derr)
	if c.config.AcquireNotifyEvent == nil {
		return 0, 0, ErrNotSupported.dbusError()
	}
	req := AcquireRequest{
		MTU:  variantUint16(options, "mtu"),
		Link: parseLinkType(variantString(options, "link")),
	}
	local, remote, err := acquirePair(req.MTU)
	if err != nil {
		return 0, 0, attErrorToDBus(err)
	}
	// The daemon holds at most one notify session; handing out a new one
	// invalidates whatever the application still holds from the last.
	c.mu.Lock()
	prev := c.notifyStream
	c.notifyStream = local
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	c.config.AcquireNotifyEvent(req, local)
	return sendFD(remote), req.MTU, nil
}

// writeLocal backs Characteristic.Write.
func (c *appChar) writeLocal(p []byte) (int, error) {
	value := make([]byte, len(p))
	copy(value, p)
	c.mu.Lock()
	c.value = value
	notifying := c.notifying
	c.mu.Unlock()
	if notifying && c.props != nil {
		// Emits PropertiesChanged on Value, which the daemon turns into a
		// notification or indication towards the subscriber.
		c.props.SetMust(gattCharIface, "Value", value)
	}
	return len(p), nil
}

func (c *appChar) closeStreams() {
	c.mu.Lock()
	w, n := c.writeStream, c.notifyStream
	c.writeStream, c.notifyStream = nil, nil
	c.mu.Unlock()
	if w != nil {
		w.Close()
	}
	if n != nil {
		n.Close()
	}
}

func (d *appDesc) ReadValue(options map[string]dbus.Variant) (value []byte, derr *dbus.Error) {
	defer recoverToDBus(&derr)
	if !d.config.Flags.Read() {
		return nil, ErrNotPermitted.dbusError()
	}
	req := decodeReadRequest(options)
	if d.config.ReadEvent != nil {
		out, err := d.config.ReadEvent(req)
		if err != nil {
			return nil, attErrorToDBus(err)
		}
		return out, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return readCell(d.value, req.Offset)
}

func (d *appDesc) WriteValue(data []byte, options map[string]dbus.Variant) (derr *dbus.Error) {
	defer recoverToDBus(&derr)
	if !d.config.Flags.Write() {
		return ErrNotPermitted.dbusError()
	}
	req := decodeWriteRequest(options)
	if d.config.WriteEvent != nil {
		if err := d.config.WriteEvent(req, data); err != nil {
			return attErrorToDBus(err)
		}
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	value, werr := writeCell(d.value, data, req.Offset)
	if werr != nil {
		return werr
	}
	d.value = value
	return nil
}

// acquirePair creates the seqpacket socket pair backing one acquired
// characteristic stream. The local end is wrapped in a Stream bounded by the
// negotiated MTU; the remote end is destined for the daemon.
func acquirePair(mtu uint16) (*Stream, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, -1, errors.Wrap(err, "bluetooth: create stream socket pair")
	}
	local, err := newStream(fds[0], int(mtu), int(mtu), nil, nil)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, -1, err
	}
	return local, fds[1], nil
}

// fdCloseDelay is how long our copy of a daemon-bound descriptor stays open
// after the reply carrying it is handed to godbus. godbus neither closes
// passed descriptors nor signals when the outgoing reply has been written,
// so the close is deferred long enough to outlast reply serialization even
// on a congested bus.
var fdCloseDelay = 30 * time.Second

func sendFD(fd int) dbus.UnixFD {
	time.AfterFunc(fdCloseDelay, func() {
		unix.Close(fd)
	})
	return dbus.UnixFD(fd)
}

// AddService publishes a single GATT service. It is kept registered until
// the adapter's bus connection closes; use AddApplication for a handle that
// can be withdrawn.
func (a *Adapter) AddService(s *Service) error {
	reg, err := a.AddApplication(s)
	if err != nil {
		return err
	}
	a.registrations = append(a.registrations, reg)
	return nil
}

// AddApplication publishes a tree of GATT services as one application and
// registers it with the daemon. Registration is atomic: on failure nothing
// stays exported. The returned handle withdraws the whole tree.
func (a *Adapter) AddApplication(services ...*Service) (*AppRegistration, error) {
	if a.session == nil {
		return nil, errors.New("bluetooth: adapter not enabled")
	}
	for _, s := range services {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}

	conn := a.session.conn
	root := dbus.ObjectPath("/org/bluez/go/app/" + objectToken())
	reg := &AppRegistration{adapter: a, path: root}
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}

	cleanup := func() {
		for _, e := range reg.exports {
			conn.Export(nil, e.path, e.iface)
		}
	}

	exportProps := func(path dbus.ObjectPath, iface string, props map[string]*prop.Prop) (*prop.Properties, error) {
		p, err := prop.Export(conn, path, map[string]map[string]*prop.Prop{iface: props})
		if err != nil {
			return nil, errors.Wrap(err, "bluetooth: export object properties")
		}
		reg.exports = append(reg.exports, export{path, propertiesIface})
		snapshot := map[string]dbus.Variant{}
		for name, pr := range props {
			snapshot[name] = dbus.MakeVariant(pr.Value)
		}
		objects[path] = map[string]map[string]dbus.Variant{iface: snapshot}
		return p, nil
	}

	for i, s := range services {
		svcPath := root + dbus.ObjectPath(fmt.Sprintf("/service%d", i))
		_, err := exportProps(svcPath, gattServiceIface, map[string]*prop.Prop{
			"UUID":    {Value: s.UUID.String(), Emit: prop.EmitFalse},
			"Primary": {Value: !s.Secondary, Emit: prop.EmitFalse},
		})
		if err != nil {
			cleanup()
			return nil, err
		}

		for j := range s.Characteristics {
			cfg := &s.Characteristics[j]
			charPath := svcPath + dbus.ObjectPath(fmt.Sprintf("/char%d", j))
			char := &appChar{
				conn:   conn,
				path:   charPath,
				config: *cfg,
				value:  append([]byte(nil), cfg.Value...),
			}
			if err := conn.Export(char, charPath, gattCharIface); err != nil {
				cleanup()
				return nil, errors.Wrap(err, "bluetooth: export characteristic")
			}
			reg.exports = append(reg.exports, export{charPath, gattCharIface})
			char.props, err = exportProps(charPath, gattCharIface, map[string]*prop.Prop{
				"UUID":      {Value: cfg.UUID.String(), Emit: prop.EmitFalse},
				"Service":   {Value: svcPath, Emit: prop.EmitFalse},
				"Flags":     {Value: cfg.Flags.bluezFlags(), Emit: prop.EmitFalse},
				"Value":     {Value: append([]byte(nil), cfg.Value...), Emit: prop.EmitTrue},
				"Notifying": {Value: false, Emit: prop.EmitTrue},
			})
			if err != nil {
				cleanup()
				return nil, err
			}
			reg.chars = append(reg.chars, char)
			if cfg.Handle != nil {
				*cfg.Handle = Characteristic{char: char}
			}

			for k := range cfg.Descriptors {
				dcfg := &cfg.Descriptors[k]
				descPath := charPath + dbus.ObjectPath(fmt.Sprintf("/desc%d", k))
				desc := &appDesc{
					path:   descPath,
					config: *dcfg,
					value:  append([]byte(nil), dcfg.Value...),
				}
				if err := conn.Export(desc, descPath, gattDescIface); err != nil {
					cleanup()
					return nil, errors.Wrap(err, "bluetooth: export descriptor")
				}
				reg.exports = append(reg.exports, export{descPath, gattDescIface})
				if _, err := exportProps(descPath, gattDescIface, map[string]*prop.Prop{
					"UUID":           {Value: dcfg.UUID.String(), Emit: prop.EmitFalse},
					"Characteristic": {Value: charPath, Emit: prop.EmitFalse},
					"Flags":          {Value: dcfg.Flags.bluezFlags(), Emit: prop.EmitFalse},
				}); err != nil {
					cleanup()
					return nil, err
				}
			}
		}
	}

	if err := conn.Export(&appObject{objects: objects}, root, objectManagerIface); err != nil {
		cleanup()
		return nil, errors.Wrap(err, "bluetooth: export application root")
	}
	reg.exports = append(reg.exports, export{root, objectManagerIface})

	err := a.session.call(a.path, gattManagerIface, "RegisterApplication",
		root, map[string]dbus.Variant{}).Err
	if err != nil {
		cleanup()
		return nil, errorFromDBus(err)
	}
	return reg, nil
}
