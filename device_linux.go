package bluetooth

import (
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const defaultConnectTimeout = 30 * time.Second

// Device is a connection handle to a remote peripheral.
type Device struct {
	// Address is the address of the device.
	Address Address

	adapter *Adapter
	path    dbus.ObjectPath
}

// devicePath maps a device address onto the daemon's object path for it,
// e.g. AA:BB:CC:DD:EE:FF below hci0 becomes
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func (a *Adapter) devicePath(address Address) dbus.ObjectPath {
	suffix := strings.ReplaceAll(address.MAC.String(), ":", "_")
	return a.path + dbus.ObjectPath("/dev_"+suffix)
}

// addrFromPath recovers the device address from a daemon object path.
func addrFromPath(path dbus.ObjectPath) (Address, error) {
	s := string(path)
	i := strings.LastIndexByte(s, '/')
	if i < 0 || !strings.HasPrefix(s[i+1:], "dev_") {
		return Address{}, errors.Errorf("bluetooth: %s is not a device path", path)
	}
	mac, err := ParseMAC(strings.ReplaceAll(s[i+5:], "_", ":"))
	if err != nil {
		return Address{}, err
	}
	return Address{MACAddress{MAC: mac}}, nil
}

// Connect starts a connection attempt to the given peripheral device
// address. On Linux with BlueZ the connection attempt is handled entirely
// by the daemon; interval parameters are not adjustable and only the
// connection timeout of params is honored.
func (a *Adapter) Connect(address Address, params ConnectionParams) (Device, error) {
	if a.session == nil {
		return Device{}, errors.New("bluetooth: adapter not enabled")
	}
	timeout := defaultConnectTimeout
	if params.ConnectionTimeout != 0 {
		timeout = time.Duration(params.ConnectionTimeout) * 625 * time.Microsecond
	}
	d := Device{
		Address: address,
		adapter: a,
		path:    a.devicePath(address),
	}
	err := a.session.callTimeout(timeout, d.path, deviceIface, "Connect").Err
	if err == nil {
		return d, nil
	}
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) || dbusErr.Name != "org.freedesktop.DBus.Error.UnknownObject" {
		return Device{}, errorFromDBus(err)
	}
	// The daemon has never seen this device; ask the adapter to connect
	// without a prior discovery.
	addrType := "public"
	if address.IsRandom() {
		addrType = "random"
	}
	props := map[string]dbus.Variant{
		"Address":     dbus.MakeVariant(address.MAC.String()),
		"AddressType": dbus.MakeVariant(addrType),
	}
	var path dbus.ObjectPath
	err = a.session.callTimeout(timeout, a.path, adapterIface, "ConnectDevice", props).Store(&path)
	if err != nil {
		return Device{}, errorFromDBus(err)
	}
	d.path = path
	return d, nil
}

// Disconnect from the BLE device. The daemon tears down every GATT handle
// below the device.
func (d Device) Disconnect() error {
	return errorFromDBus(d.adapter.session.call(d.path, deviceIface, "Disconnect").Err)
}

// Connected reports whether the link to the device is currently up.
func (d Device) Connected() (bool, error) {
	v, err := d.adapter.session.getProperty(d.path, deviceIface, "Connected")
	if err != nil {
		return false, errorFromDBus(err)
	}
	connected, _ := v.Value().(bool)
	return connected, nil
}

func (d Device) servicesResolved() (bool, error) {
	v, err := d.adapter.session.getProperty(d.path, deviceIface, "ServicesResolved")
	if err != nil {
		return false, errorFromDBus(err)
	}
	resolved, _ := v.Value().(bool)
	return resolved, nil
}
