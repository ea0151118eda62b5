// Package bluetooth provides a Bluetooth Low Energy host stack for Go on
// Linux, backed by the BlueZ daemon.
//
// It can publish a local GATT service tree that remote centrals read, write,
// and subscribe to, discover and operate on GATT services of connected
// peripherals, and open raw connection-oriented L2CAP and RFCOMM sockets.
// All GATT traffic is exchanged with BlueZ over the D-Bus system bus; raw
// sockets talk to the kernel Bluetooth subsystem directly.
package bluetooth // import "github.com/bluez/bluer-sub001"
