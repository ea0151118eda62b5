package bluetooth

// This file implements 16-bit, 32-bit and 128-bit UUIDs as defined in the
// Bluetooth specification.

import "errors"

// UUID is a single UUID as used in the Bluetooth stack. It is represented as
// a [4]uint32 instead of a [16]byte for efficiency.
type UUID [4]uint32

var errInvalidUUID = errors.New("bluetooth: failed to parse UUID")

// NewUUID returns a new 128-bit UUID based on a UUID in big endian byte
// order, the order UUIDs are usually written in.
func NewUUID(uuid [16]byte) UUID {
	u := UUID{}
	u[0] = uint32(uuid[15]) | uint32(uuid[14])<<8 | uint32(uuid[13])<<16 | uint32(uuid[12])<<24
	u[1] = uint32(uuid[11]) | uint32(uuid[10])<<8 | uint32(uuid[9])<<16 | uint32(uuid[8])<<24
	u[2] = uint32(uuid[7]) | uint32(uuid[6])<<8 | uint32(uuid[5])<<16 | uint32(uuid[4])<<24
	u[3] = uint32(uuid[3]) | uint32(uuid[2])<<8 | uint32(uuid[1])<<16 | uint32(uuid[0])<<24
	return u
}

// New16BitUUID returns a new 128-bit UUID based on a 16-bit UUID, using the
// Bluetooth base UUID 00000000-0000-1000-8000-00805F9B34FB.
//
// Note: only use registered UUIDs. See
// https://www.bluetooth.com/specifications/gatt/services/ for a list.
func New16BitUUID(shortUUID uint16) UUID {
	return New32BitUUID(uint32(shortUUID))
}

// New32BitUUID returns a new 128-bit UUID based on a 32-bit UUID, using the
// Bluetooth base UUID 00000000-0000-1000-8000-00805F9B34FB.
func New32BitUUID(shortUUID uint32) UUID {
	var uuid UUID
	uuid[0] = 0x5F9B34FB
	uuid[1] = 0x80000080
	uuid[2] = 0x00001000
	uuid[3] = shortUUID
	return uuid
}

// Is16Bit returns whether this UUID is a 16-bit BLE UUID.
func (uuid UUID) Is16Bit() bool {
	return uuid.Is32Bit() && uuid[3] == uint32(uint16(uuid[3]))
}

// Is32Bit returns whether this UUID is a 16-bit or 32-bit BLE UUID.
func (uuid UUID) Is32Bit() bool {
	return uuid[0] == 0x5F9B34FB && uuid[1] == 0x80000080 && uuid[2] == 0x00001000
}

// Get16Bit returns the 16-bit version of this UUID. This is only valid if it
// is actually a 16-bit UUID, see Is16Bit.
func (uuid UUID) Get16Bit() uint16 {
	// Note: don't use this function to get a 16-bit UUID for transmission,
	// use Is16Bit to check first.
	return uint16(uuid[3])
}

// Get32Bit returns the 32-bit version of this UUID. This is only valid if it
// is actually a 32-bit UUID, see Is32Bit.
func (uuid UUID) Get32Bit() uint32 {
	return uuid[3]
}

// Bytes returns a 16-byte array containing the raw UUID in little endian
// byte order.
func (uuid UUID) Bytes() [16]byte {
	buf := [16]byte{}
	for i := 0; i < 4; i++ {
		buf[i*4+0] = byte(uuid[i])
		buf[i*4+1] = byte(uuid[i] >> 8)
		buf[i*4+2] = byte(uuid[i] >> 16)
		buf[i*4+3] = byte(uuid[i] >> 24)
	}
	return buf
}

// String returns a human-readable version of this UUID, such as
// 00001234-0000-1000-8000-00805f9b34fb.
func (uuid UUID) String() string {
	var s [36]byte
	raw := uuid.Bytes()
	n := 0
	for i := 15; i >= 0; i-- {
		if n == 8 || n == 13 || n == 18 || n == 23 {
			s[n] = '-'
			n++
		}
		s[n] = hexDigit(raw[i] >> 4)
		s[n+1] = hexDigit(raw[i] & 0xf)
		n += 2
	}
	return string(s[:])
}

func hexDigit(c byte) byte {
	if c >= 10 {
		return c - 10 + 'a'
	}
	return c + '0'
}

// ParseUUID parses the given UUID, which must be in
// 00001234-0000-1000-8000-00805f9b34fb format. This means that it cannot
// (yet) parse 16-bit UUIDs unless they are serialized as a 128-bit UUID.
func ParseUUID(s string) (uuid UUID, err error) {
	uuidIndex := 31
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' {
			continue
		}
		var nibble byte
		switch {
		case c >= '0' && c <= '9':
			nibble = c - '0'
		case c >= 'a' && c <= 'f':
			nibble = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			nibble = c - 'A' + 10
		default:
			err = errInvalidUUID
			return
		}
		if uuidIndex < 0 {
			err = errInvalidUUID
			return
		}
		uuid[uuidIndex/8] |= uint32(nibble) << (4 * (uuidIndex % 8))
		uuidIndex--
	}
	if uuidIndex != -1 {
		err = errInvalidUUID
	}
	return
}
