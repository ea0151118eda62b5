package bluetooth

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// The daemon drives a published characteristic through method calls on the
// exported object. These tests invoke the same methods directly, without a
// bus, to cover the dispatch logic.

func testChar(cfg CharacteristicConfig) *appChar {
	return &appChar{
		config: cfg,
		value:  append([]byte(nil), cfg.Value...),
	}
}

func optionsMap(kv map[string]interface{}) map[string]dbus.Variant {
	m := map[string]dbus.Variant{}
	for k, v := range kv {
		m[k] = dbus.MakeVariant(v)
	}
	return m
}

func TestCharReadCell(t *testing.T) {
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicReadPermission,
		Value: []byte("hello"),
	})

	value, derr := c.ReadValue(nil)
	require.Nil(t, derr)
	assert.Equal(t, []byte("hello"), value)

	value, derr = c.ReadValue(optionsMap(map[string]interface{}{"offset": uint16(2)}))
	require.Nil(t, derr)
	assert.Equal(t, []byte("llo"), value)

	value, derr = c.ReadValue(optionsMap(map[string]interface{}{"offset": uint16(5)}))
	require.Nil(t, derr)
	assert.Empty(t, value)

	_, derr = c.ReadValue(optionsMap(map[string]interface{}{"offset": uint16(6)}))
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.InvalidOffset", derr.Name)
}

func TestCharWriteCell(t *testing.T) {
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicReadPermission | CharacteristicWritePermission,
		Value: []byte("hello"),
	})

	derr := c.WriteValue([]byte("HELLO!"), nil)
	require.Nil(t, derr)
	assert.Equal(t, []byte("HELLO!"), c.value)

	derr = c.WriteValue([]byte("xy"), optionsMap(map[string]interface{}{"offset": uint16(2)}))
	require.Nil(t, derr)
	assert.Equal(t, []byte("HExy"), c.value)

	derr = c.WriteValue([]byte("z"), optionsMap(map[string]interface{}{"offset": uint16(9)}))
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.InvalidOffset", derr.Name)
}

func TestCharPermissionChecks(t *testing.T) {
	writeOnly := testChar(CharacteristicConfig{Flags: CharacteristicWritePermission})
	_, derr := writeOnly.ReadValue(nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.NotPermitted", derr.Name)

	readOnly := testChar(CharacteristicConfig{Flags: CharacteristicReadPermission})
	derr = readOnly.WriteValue([]byte("x"), nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.NotPermitted", derr.Name)
}

func TestCharWriteEventRequest(t *testing.T) {
	var got WriteRequest
	var gotValue []byte
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicWriteWithoutResponsePermission,
		WriteEvent: func(req WriteRequest, value []byte) error {
			got = req
			gotValue = value
			return nil
		},
	})

	derr := c.WriteValue([]byte("ping"), optionsMap(map[string]interface{}{
		"type":              "command",
		"mtu":               uint16(247),
		"link":              "LE",
		"prepare-authorize": true,
		"offset":            uint16(4),
	}))
	require.Nil(t, derr)
	assert.Equal(t, []byte("ping"), gotValue)
	assert.Equal(t, WriteRequest{
		Offset:           4,
		Op:               WriteOpCommand,
		MTU:              247,
		Link:             LinkLE,
		PrepareAuthorize: true,
	}, got)
}

func TestCharRejectedWrite(t *testing.T) {
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicWritePermission,
		WriteEvent: func(WriteRequest, []byte) error {
			return ErrInvalidValueLength
		},
	})
	derr := c.WriteValue([]byte("too long"), nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.InvalidValueLength", derr.Name)
}

func TestCharNotifySubscription(t *testing.T) {
	var events []bool
	c := testChar(CharacteristicConfig{
		Flags:       CharacteristicNotifyPermission,
		NotifyEvent: func(enabled bool) { events = append(events, enabled) },
	})

	require.Nil(t, c.StartNotify())
	require.Nil(t, c.StartNotify(), "a second subscriber is not an error")
	assert.Equal(t, []bool{true}, events, "the callback fires once per transition")

	require.Nil(t, c.StopNotify())
	require.Nil(t, c.StopNotify())
	assert.Equal(t, []bool{true, false}, events)
}

func TestCharNotifyWithoutCapability(t *testing.T) {
	c := testChar(CharacteristicConfig{Flags: CharacteristicReadPermission})
	derr := c.StartNotify()
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.NotSupported", derr.Name)
}

func TestCharHandlerPanic(t *testing.T) {
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicReadPermission,
		ReadEvent: func(ReadRequest) ([]byte, error) {
			panic("handler bug")
		},
	})
	value, derr := c.ReadValue(nil)
	assert.Nil(t, value)
	require.NotNil(t, derr, "a panicking handler turns into an error reply")
	assert.Equal(t, "org.bluez.Error.Failed", derr.Name)
}

func TestCharAcquireNotSupported(t *testing.T) {
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicWriteWithoutResponsePermission | CharacteristicNotifyPermission,
	})
	_, _, derr := c.AcquireWrite(nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.NotSupported", derr.Name)
	_, _, derr = c.AcquireNotify(nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.NotSupported", derr.Name)
}

func TestCharAcquireNotifyInvalidatesPrevious(t *testing.T) {
	var streams []*Stream
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicNotifyPermission,
		AcquireNotifyEvent: func(req AcquireRequest, stream *Stream) {
			streams = append(streams, stream)
		},
	})
	options := optionsMap(map[string]interface{}{"mtu": uint16(64), "link": "LE"})

	_, mtu, derr := c.AcquireNotify(options)
	require.Nil(t, derr)
	assert.Equal(t, uint16(64), mtu)
	require.Len(t, streams, 1)
	assert.Equal(t, 64, streams[0].SendMTU())

	_, _, derr = c.AcquireNotify(options)
	require.Nil(t, derr)
	require.Len(t, streams, 2)

	// The first session is dead: the daemon holds at most one.
	_, err := streams[0].Write([]byte("stale"))
	assert.Error(t, err)
	_, err = streams[1].Write([]byte("fresh"))
	assert.NoError(t, err)

	streams[1].Close()
}

func TestCharAcquireWriteStream(t *testing.T) {
	var acquired *Stream
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicWriteWithoutResponsePermission,
		AcquireWriteEvent: func(req AcquireRequest, stream *Stream) {
			acquired = stream
		},
	})
	_, mtu, derr := c.AcquireWrite(optionsMap(map[string]interface{}{"mtu": uint16(23)}))
	require.Nil(t, derr)
	assert.Equal(t, uint16(23), mtu)
	require.NotNil(t, acquired)

	c.closeStreams()
	_, err := acquired.Write([]byte("x"))
	assert.Error(t, err, "unregistering invalidates the acquired stream")
}

func TestCharacteristicWrite(t *testing.T) {
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicReadPermission | CharacteristicNotifyPermission,
	})
	handle := Characteristic{char: c}

	n, err := handle.Write([]byte("measurement"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	value, derr := c.ReadValue(nil)
	require.Nil(t, derr)
	assert.Equal(t, []byte("measurement"), value)

	var zero Characteristic
	_, err = zero.Write([]byte("x"))
	assert.Error(t, err)
}

func TestSendFDDeferredClose(t *testing.T) {
	old := fdCloseDelay
	fdCloseDelay = 10 * time.Millisecond
	defer func() { fdCloseDelay = old }()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	fd := sendFD(fds[1])
	assert.Equal(t, dbus.UnixFD(fds[1]), fd)

	// Still open right after the reply is handed over.
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	require.NoError(t, err)

	// Closed once the deadline passes.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("descriptor still open after the close delay")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A counter characteristic that decrements on every read and stops at zero.
func TestCounterCharacteristic(t *testing.T) {
	counter := 5
	c := testChar(CharacteristicConfig{
		Flags: CharacteristicReadPermission,
		ReadEvent: func(ReadRequest) ([]byte, error) {
			out := []byte{byte(counter)}
			if counter > 0 {
				counter--
			}
			return out, nil
		},
	})

	prev := 6
	for i := 0; i < 10; i++ {
		value, derr := c.ReadValue(nil)
		require.Nil(t, derr)
		require.Len(t, value, 1)
		got := int(value[0])
		assert.LessOrEqual(t, got, prev, "the counter never increases")
		prev = got
	}
	assert.Equal(t, 0, prev, "the counter saturates at zero")
}
