package bluetooth

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevicePathRoundTrip(t *testing.T) {
	a := &Adapter{path: dbus.ObjectPath("/org/bluez/hci0")}
	mac, err := ParseMAC("11:22:33:AA:BB:CC")
	require.NoError(t, err)
	addr := Address{MACAddress{MAC: mac}}

	path := a.devicePath(addr)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_AA_BB_CC"), path)

	back, err := addrFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, addr.MAC, back.MAC)
}

func TestAddrFromPathRejectsNonDevice(t *testing.T) {
	_, err := addrFromPath(dbus.ObjectPath("/org/bluez/hci0"))
	assert.Error(t, err)
	_, err = addrFromPath(dbus.ObjectPath("/org/bluez/hci0/dev_XX_22_33_AA_BB_CC"))
	assert.Error(t, err)
}
