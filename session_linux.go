package bluetooth

// Bridge to the BlueZ daemon on the D-Bus system bus. One shared connection
// is multiplexed across all operations: godbus routes method replies by
// serial, and the session fans incoming signals out to per-path watchers.

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	bluezBusName     = "org.bluez"
	bluezRootPath    = dbus.ObjectPath("/")
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattManagerIface = "org.bluez.GattManager1"
	gattServiceIface = "org.bluez.GattService1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	gattDescIface    = "org.bluez.GattDescriptor1"
	advManagerIface  = "org.bluez.LEAdvertisingManager1"
	advIface         = "org.bluez.LEAdvertisement1"

	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propertiesIface    = "org.freedesktop.DBus.Properties"

	// Daemon RPCs carry a bounded wait so a stuck daemon surfaces as an
	// error instead of hanging the calling goroutine.
	defaultCallTimeout = 10 * time.Second
)

type session struct {
	conn *dbus.Conn

	mu       sync.Mutex
	watchers []*signalWatch
	closed   bool
}

func newSession() (*session, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "bluetooth: connect to system bus")
	}
	s := &session{conn: conn}
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(bluezBusName), dbus.WithMatchInterface(propertiesIface), dbus.WithMatchMember("PropertiesChanged")},
		{dbus.WithMatchSender(bluezBusName), dbus.WithMatchInterface(objectManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchSender(bluezBusName), dbus.WithMatchInterface(objectManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "bluetooth: subscribe to daemon signals")
		}
	}
	sigs := make(chan *dbus.Signal, 64)
	conn.Signal(sigs)
	go s.route(sigs)
	return s, nil
}

func (s *session) close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// route fans signals from the shared connection out to all matching
// watchers. A watcher that cannot keep up loses signals rather than
// stalling the router.
func (s *session) route(sigs chan *dbus.Signal) {
	for sig := range sigs {
		s.mu.Lock()
		for _, w := range s.watchers {
			if !w.matches(sig) {
				continue
			}
			select {
			case w.ch <- sig:
			default:
				logger.WithField("path", sig.Path).WithField("signal", sig.Name).
					Warn("bluetooth: dropping signal for slow watcher")
			}
		}
		s.mu.Unlock()
	}
}

// signalWatch receives the daemon signals for one object path, or for a
// whole subtree when prefix is set.
type signalWatch struct {
	s      *session
	ch     chan *dbus.Signal
	path   dbus.ObjectPath
	prefix bool
	member string
}

func (s *session) watch(path dbus.ObjectPath, prefix bool, member string) *signalWatch {
	w := &signalWatch{
		s:      s,
		ch:     make(chan *dbus.Signal, 16),
		path:   path,
		prefix: prefix,
		member: member,
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()
	return w
}

func (w *signalWatch) matches(sig *dbus.Signal) bool {
	if w.member != "" && sig.Name != w.member {
		return false
	}
	if w.prefix {
		if len(sig.Path) < len(w.path) || sig.Path[:len(w.path)] != w.path {
			return false
		}
		return true
	}
	return sig.Path == w.path
}

// Cancel removes the watch and closes its channel.
func (w *signalWatch) Cancel() {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for i, o := range w.s.watchers {
		if o == w {
			w.s.watchers = append(w.s.watchers[:i], w.s.watchers[i+1:]...)
			close(w.ch)
			return
		}
	}
}

func (s *session) call(path dbus.ObjectPath, iface, method string, args ...interface{}) *dbus.Call {
	return s.callTimeout(defaultCallTimeout, path, iface, method, args...)
}

func (s *session) callTimeout(timeout time.Duration, path dbus.ObjectPath, iface, method string, args ...interface{}) *dbus.Call {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.conn.Object(bluezBusName, path).CallWithContext(ctx, iface+"."+method, 0, args...)
}

func (s *session) getProperty(path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := s.call(path, propertiesIface, "Get", iface, name).Store(&v)
	return v, err
}

func (s *session) setProperty(path dbus.ObjectPath, iface, name string, value interface{}) error {
	return s.call(path, propertiesIface, "Set", iface, name, dbus.MakeVariant(value)).Err
}

// managedObjects returns the daemon's complete object tree: object path to
// interface name to property map.
func (s *session) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := s.call(bluezRootPath, objectManagerIface, "GetManagedObjects").Store(&objs)
	if err != nil {
		return nil, errors.Wrap(err, "bluetooth: enumerate daemon objects")
	}
	return objs, nil
}

// propChange is one property update delivered by the daemon.
type propChange struct {
	Interface string
	Name      string
	Value     interface{}
}

// watchProperties delivers property changes for the given object path until
// the returned cancel function is called.
func (s *session) watchProperties(path dbus.ObjectPath) (<-chan propChange, func()) {
	w := s.watch(path, false, propertiesIface+".PropertiesChanged")
	out := make(chan propChange, 16)
	go func() {
		defer close(out)
		for sig := range w.ch {
			iface, changed, ok := decodePropertiesChanged(sig)
			if !ok {
				continue
			}
			for name, v := range changed {
				out <- propChange{Interface: iface, Name: name, Value: v.Value()}
			}
		}
	}()
	return out, w.Cancel
}

func decodePropertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}

func variantString(m map[string]dbus.Variant, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func variantBool(m map[string]dbus.Variant, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

func variantUint16(m map[string]dbus.Variant, key string) uint16 {
	if v, ok := m[key]; ok {
		switch n := v.Value().(type) {
		case uint16:
			return n
		case uint32:
			return uint16(n)
		case int32:
			return uint16(n)
		}
	}
	return 0
}
