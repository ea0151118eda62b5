package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharacteristicFlags(t *testing.T) {
	p := CharacteristicReadPermission | CharacteristicWriteWithoutResponsePermission | CharacteristicNotifyPermission
	assert.True(t, p.Read())
	assert.True(t, p.WriteWithoutResponse())
	assert.True(t, p.Notify())
	assert.False(t, p.Write())
	assert.False(t, p.Indicate())
	assert.Equal(t, []string{"read", "write-without-response", "notify"}, p.bluezFlags())
}

func TestServiceValidate(t *testing.T) {
	uuid := New16BitUUID(0x180D)
	charUUID := New16BitUUID(0x2A37)

	valid := &Service{
		UUID: uuid,
		Characteristics: []CharacteristicConfig{{
			UUID:  charUUID,
			Flags: CharacteristicReadPermission | CharacteristicNotifyPermission,
		}},
	}
	require.NoError(t, valid.validate())

	noUUID := &Service{}
	assert.Error(t, noUUID.validate())

	bothWrite := &Service{
		UUID: uuid,
		Characteristics: []CharacteristicConfig{{
			UUID:              charUUID,
			Flags:             CharacteristicWritePermission | CharacteristicWriteWithoutResponsePermission,
			WriteEvent:        func(WriteRequest, []byte) error { return nil },
			AcquireWriteEvent: func(AcquireRequest, *Stream) {},
		}},
	}
	assert.Error(t, bothWrite.validate(), "write callback and write stream are mutually exclusive")

	bothNotify := &Service{
		UUID: uuid,
		Characteristics: []CharacteristicConfig{{
			UUID:               charUUID,
			Flags:              CharacteristicNotifyPermission,
			NotifyEvent:        func(bool) {},
			AcquireNotifyEvent: func(AcquireRequest, *Stream) {},
		}},
	}
	assert.Error(t, bothNotify.validate(), "notify callback and notify stream are mutually exclusive")

	streamWithoutFlag := &Service{
		UUID: uuid,
		Characteristics: []CharacteristicConfig{{
			UUID:              charUUID,
			Flags:             CharacteristicWritePermission,
			AcquireWriteEvent: func(AcquireRequest, *Stream) {},
		}},
	}
	assert.Error(t, streamWithoutFlag.validate(), "write stream needs write-without-response")

	notifyStreamWithoutFlag := &Service{
		UUID: uuid,
		Characteristics: []CharacteristicConfig{{
			UUID:               charUUID,
			Flags:              CharacteristicIndicatePermission,
			AcquireNotifyEvent: func(AcquireRequest, *Stream) {},
		}},
	}
	assert.Error(t, notifyStreamWithoutFlag.validate(), "notify stream needs notify")
}

func TestParseLinkType(t *testing.T) {
	assert.Equal(t, LinkBREDR, parseLinkType("BR/EDR"))
	assert.Equal(t, LinkLE, parseLinkType("LE"))
	assert.Equal(t, LinkUnknown, parseLinkType(""))
	assert.Equal(t, LinkUnknown, parseLinkType("bogus"))
}

func TestParseWriteOp(t *testing.T) {
	assert.Equal(t, WriteOpCommand, parseWriteOp("command"))
	assert.Equal(t, WriteOpReliable, parseWriteOp("reliable"))
	assert.Equal(t, WriteOpRequest, parseWriteOp("request"))
	assert.Equal(t, WriteOpRequest, parseWriteOp(""))
}
