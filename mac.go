package bluetooth

import "errors"

// MAC represents a MAC address, in little endian format.
type MAC [6]byte

var errInvalidMAC = errors.New("bluetooth: failed to parse MAC address")

// ParseMAC parses the given MAC address, which must be in 11:22:33:AA:BB:CC
// format. If it cannot be parsed, an error is returned.
func ParseMAC(s string) (mac MAC, err error) {
	macIndex := 11
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ':' {
			continue
		}
		var nibble byte
		switch {
		case c >= '0' && c <= '9':
			nibble = c - '0'
		case c >= 'A' && c <= 'F':
			nibble = c - 'A' + 0xA
		case c >= 'a' && c <= 'f':
			nibble = c - 'a' + 0xA
		default:
			err = errInvalidMAC
			return
		}
		if macIndex < 0 {
			err = errInvalidMAC
			return
		}
		if macIndex%2 == 0 {
			mac[macIndex/2] |= nibble
		} else {
			mac[macIndex/2] |= nibble << 4
		}
		macIndex--
	}
	if macIndex != -1 {
		err = errInvalidMAC
	}
	return
}

// String returns a human-readable version of this MAC address, such as
// 11:22:33:AA:BB:CC.
func (mac MAC) String() string {
	var s [17]byte
	n := 0
	for i := 5; i >= 0; i-- {
		if i != 5 {
			s[n] = ':'
			n++
		}
		s[n] = upperHexDigit(mac[i] >> 4)
		s[n+1] = upperHexDigit(mac[i] & 0xf)
		n += 2
	}
	return string(s[:])
}

func upperHexDigit(c byte) byte {
	if c >= 10 {
		return c - 10 + 'A'
	}
	return c + '0'
}

// MACAddress contains a Bluetooth address which is a MAC address plus some
// extra information.
type MACAddress struct {
	// MAC address of the Bluetooth device.
	MAC

	isRandom bool
}

// IsRandom if the address is randomly created.
func (mac MACAddress) IsRandom() bool {
	return mac.isRandom
}

// SetRandom if is a random address.
func (mac *MACAddress) SetRandom(val bool) {
	mac.isRandom = val
}

// Set the address.
func (mac *MACAddress) Set(val string) {
	m, err := ParseMAC(val)
	if err != nil {
		return
	}
	mac.MAC = m
}

// Address contains a Bluetooth MAC address.
type Address struct {
	MACAddress
}
