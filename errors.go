package bluetooth

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// Error is a GATT attribute error as reported to or by the BlueZ daemon.
// Handlers registered on a local characteristic or descriptor may return one
// of these values to reject a request with a specific reason; remote
// operations translate daemon failures back into the same set.
type Error uint8

const (
	// ErrFailed is a generic attribute operation failure.
	ErrFailed Error = iota
	// ErrInProgress rejects an operation because another one is still
	// outstanding on the same attribute.
	ErrInProgress
	// ErrNotPermitted rejects an operation not allowed by the attribute's
	// capability flags.
	ErrNotPermitted
	// ErrNotAuthorized rejects an operation from an insufficiently
	// authorized peer.
	ErrNotAuthorized
	// ErrNotSupported rejects an operation the attribute does not implement.
	ErrNotSupported
	// ErrInvalidValueLength rejects a write whose payload has the wrong
	// length.
	ErrInvalidValueLength
	// ErrInvalidOffset rejects a read starting beyond the value.
	ErrInvalidOffset
	// ErrNotConnected rejects a notification towards a peer that is gone.
	ErrNotConnected
)

const bluezErrPrefix = "org.bluez.Error."

var errNames = map[Error]string{
	ErrFailed:             bluezErrPrefix + "Failed",
	ErrInProgress:         bluezErrPrefix + "InProgress",
	ErrNotPermitted:       bluezErrPrefix + "NotPermitted",
	ErrNotAuthorized:      bluezErrPrefix + "NotAuthorized",
	ErrNotSupported:       bluezErrPrefix + "NotSupported",
	ErrInvalidValueLength: bluezErrPrefix + "InvalidValueLength",
	ErrInvalidOffset:      bluezErrPrefix + "InvalidOffset",
	ErrNotConnected:       bluezErrPrefix + "NotConnected",
}

func (e Error) Error() string {
	name, ok := errNames[e]
	if !ok {
		name = errNames[ErrFailed]
	}
	return "bluetooth: " + name[len(bluezErrPrefix):]
}

// dbusError converts e into the named D-Bus error relayed to the peer.
func (e Error) dbusError() *dbus.Error {
	name, ok := errNames[e]
	if !ok {
		name = errNames[ErrFailed]
	}
	return dbus.NewError(name, nil)
}

// attErrorToDBus maps a handler result onto the daemon's error-reporting
// convention. Error values map onto their org.bluez.Error name; anything
// else is relayed as a generic failure carrying the original message.
func attErrorToDBus(err error) *dbus.Error {
	var attErr Error
	if errors.As(err, &attErr) {
		return attErr.dbusError()
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return &dbusErr
	}
	return dbus.NewError(errNames[ErrFailed], []interface{}{err.Error()})
}

// errorFromDBus translates a daemon-reported error into the attribute error
// taxonomy. Errors without an org.bluez.Error name pass through untouched,
// so D-Bus transport problems stay distinguishable from attribute failures.
func errorFromDBus(err error) error {
	if err == nil {
		return nil
	}
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return err
	}
	for e, name := range errNames {
		if dbusErr.Name == name {
			return e
		}
	}
	return err
}
