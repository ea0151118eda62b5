package bluetooth

import "testing"

func TestParseMAC(t *testing.T) {
	macString := "11:22:33:AA:BB:CC"
	mac, err := ParseMAC(macString)
	if err != nil {
		t.Errorf("expected nil but got %v", err)
	}
	if mac.String() != macString {
		t.Errorf("expected %s but got %s", macString, mac.String())
	}
	// The first octet of the string is the last byte in memory.
	if mac[0] != 0xCC || mac[5] != 0x11 {
		t.Errorf("unexpected byte order: %#v", mac)
	}
}

func TestParseMACLowerCase(t *testing.T) {
	mac, err := ParseMAC("11:22:33:aa:bb:cc")
	if err != nil {
		t.Errorf("expected nil but got %v", err)
	}
	if mac.String() != "11:22:33:AA:BB:CC" {
		t.Errorf("expected upper case rendering but got %s", mac.String())
	}
}

func TestParseMACTooShort(t *testing.T) {
	_, err := ParseMAC("11:22:33:AA:BB")
	if err != errInvalidMAC {
		t.Errorf("expected errInvalidMAC but got %v", err)
	}
}

func TestParseMACTooLong(t *testing.T) {
	_, err := ParseMAC("11:22:33:AA:BB:CC:DD")
	if err != errInvalidMAC {
		t.Errorf("expected errInvalidMAC but got %v", err)
	}
}

func TestParseMACBadDigit(t *testing.T) {
	_, err := ParseMAC("11:22:33:AA:BB:CG")
	if err != errInvalidMAC {
		t.Errorf("expected errInvalidMAC but got %v", err)
	}
}

func TestMACAddressRandom(t *testing.T) {
	var addr MACAddress
	addr.Set("11:22:33:AA:BB:CC")
	if addr.IsRandom() {
		t.Error("expected a public address by default")
	}
	addr.SetRandom(true)
	if !addr.IsRandom() {
		t.Error("expected a random address after SetRandom")
	}
}
