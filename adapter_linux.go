// Some documentation for the BlueZ D-Bus interface:
// https://git.kernel.org/pub/scm/bluetooth/bluez.git/tree/doc

package bluetooth

import (
	"context"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// Adapter is a handle to a local Bluetooth controller exposed by BlueZ. All
// GATT and advertising operations of this package hang off an enabled
// adapter, which owns the shared daemon connection.
type Adapter struct {
	session *session
	path    dbus.ObjectPath
	id      string

	defaultAdvertisement *Advertisement
	registrations        []*AppRegistration

	ctx        context.Context    // context for the event watchers, canceled on close
	cancel     context.CancelFunc // cancel function to halt the event watchers
	cancelScan func()

	connectHandler     func(device Device, connected bool)
	stateChangeHandler func(newState AdapterState)
}

// DefaultAdapter is the default adapter on the system: the first adapter
// the daemon reports.
//
// Make sure to call Enable() before using it to initialize the adapter.
var DefaultAdapter = &Adapter{
	connectHandler: func(device Device, connected bool) {
	},
	stateChangeHandler: func(newState AdapterState) {
	},
}

var errNoAdapter = errors.New("bluetooth: no adapter available")

// Enable configures the BLE stack. It must be called before any
// Bluetooth-related calls (unless otherwise indicated).
func (a *Adapter) Enable() error {
	if a.session != nil {
		return nil
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	path, err := firstAdapterPath(s)
	if err != nil {
		s.close()
		return err
	}
	a.session = s
	a.path = path
	a.id = string(path[strings.LastIndexByte(string(path), '/')+1:])
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.watchForStateChange()
	a.watchForConnect()
	return nil
}

func firstAdapterPath(s *session) (dbus.ObjectPath, error) {
	objs, err := s.managedObjects()
	if err != nil {
		return "", err
	}
	paths := make([]string, 0, len(objs))
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", errNoAdapter
	}
	sort.Strings(paths)
	return dbus.ObjectPath(paths[0]), nil
}

// Address returns the MAC address of the adapter.
func (a *Adapter) Address() (MACAddress, error) {
	if a.session == nil {
		return MACAddress{}, errors.New("bluetooth: adapter not enabled")
	}
	v, err := a.session.getProperty(a.path, adapterIface, "Address")
	if err != nil {
		return MACAddress{}, err
	}
	str, _ := v.Value().(string)
	mac, err := ParseMAC(str)
	if err != nil {
		return MACAddress{}, err
	}
	return MACAddress{MAC: mac}, nil
}

// State returns the current state of the adapter.
func (a *Adapter) State() AdapterState {
	if a.session == nil {
		return AdapterStateUnknown
	}
	v, err := a.session.getProperty(a.path, adapterIface, "Powered")
	if err != nil {
		return AdapterStateUnknown
	}
	if powered, _ := v.Value().(bool); powered {
		return AdapterStatePoweredOn
	}
	return AdapterStatePoweredOff
}

// watchForStateChange watches the adapter's Powered property and forwards
// transitions to the state change handler.
//
// More adapter signals can be hooked up here; see
// https://git.kernel.org/pub/scm/bluetooth/bluez.git/tree/doc/adapter-api.txt
// for the full list.
func (a *Adapter) watchForStateChange() {
	changes, cancel := a.session.watchProperties(a.path)
	go func() {
		defer cancel()
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				if change.Interface != adapterIface || change.Name != "Powered" {
					continue
				}
				if powered, _ := change.Value.(bool); powered {
					a.stateChangeHandler(AdapterStatePoweredOn)
				} else {
					a.stateChangeHandler(AdapterStatePoweredOff)
				}
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// watchForConnect watches Connected transitions of every device below the
// adapter and forwards them to the connect handler.
func (a *Adapter) watchForConnect() {
	w := a.session.watch(a.path, true, propertiesIface+".PropertiesChanged")
	go func() {
		defer w.Cancel()
		for {
			select {
			case sig, ok := <-w.ch:
				if !ok {
					return
				}
				iface, changed, ok := decodePropertiesChanged(sig)
				if !ok || iface != deviceIface {
					continue
				}
				v, ok := changed["Connected"]
				if !ok {
					continue
				}
				connected, _ := v.Value().(bool)
				addr, err := addrFromPath(sig.Path)
				if err != nil {
					continue
				}
				a.connectHandler(Device{
					Address: addr,
					adapter: a,
					path:    sig.Path,
				}, connected)
			case <-a.ctx.Done():
				return
			}
		}
	}()
}
