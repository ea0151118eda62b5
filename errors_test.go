package bluetooth

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDBusRoundTrip(t *testing.T) {
	for _, e := range []Error{
		ErrFailed, ErrInProgress, ErrNotPermitted, ErrNotAuthorized,
		ErrNotSupported, ErrInvalidValueLength, ErrInvalidOffset, ErrNotConnected,
	} {
		derr := e.dbusError()
		require.NotNil(t, derr)
		assert.Equal(t, e, errorFromDBus(*derr), "name %s", derr.Name)
	}
}

func TestAttErrorToDBusWrapped(t *testing.T) {
	// A handler may wrap an attribute error; the daemon still gets the
	// specific name.
	err := errors.Wrap(ErrInvalidOffset, "short value")
	derr := attErrorToDBus(err)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.InvalidOffset", derr.Name)
}

func TestAttErrorToDBusGeneric(t *testing.T) {
	derr := attErrorToDBus(errors.New("boom"))
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.Failed", derr.Name)
	require.Len(t, derr.Body, 1)
	assert.Equal(t, "boom", derr.Body[0])
}

func TestErrorFromDBusPassthrough(t *testing.T) {
	// Transport-level failures keep their identity instead of collapsing
	// into the attribute taxonomy.
	err := dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply"}
	assert.Equal(t, error(err), errorFromDBus(err))
	plain := errors.New("not a bus error")
	assert.Equal(t, plain, errorFromDBus(plain))
	assert.NoError(t, errorFromDBus(nil))
}
