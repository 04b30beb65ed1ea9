package core

import (
	"bytes"
	"errors"
	"testing"
)

func TestPdInfoValidate(t *testing.T) {
	key := make([]byte, KeySize)

	tests := []struct {
		name    string
		info    PdInfo
		wantErr error
	}{
		{"ok", PdInfo{Address: 5, BaudRate: 9600}, nil},
		{"ok no baud", PdInfo{Address: 0}, nil},
		{"ok secure", PdInfo{Address: 1, SCBK: key, Flags: FlagEnforceSecure}, nil},
		{"address too high", PdInfo{Address: 127}, ErrInvalidAddress},
		{"address negative", PdInfo{Address: -1}, ErrInvalidAddress},
		{"bad baud", PdInfo{Address: 1, BaudRate: 4800}, ErrInvalidBaud},
		{"short key", PdInfo{Address: 1, SCBK: key[:8]}, ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	enforced := PdInfo{Address: 1, Flags: FlagEnforceSecure}
	if err := enforced.Validate(); err == nil {
		t.Fatal("enforce secure without SCBK should fail validation")
	}
}

func TestValidBaudRate(t *testing.T) {
	for _, baud := range []int{9600, 19200, 38400, 57600, 115200, 230400} {
		if !ValidBaudRate(baud) {
			t.Errorf("ValidBaudRate(%d) = false, want true", baud)
		}
	}
	for _, baud := range []int{0, 1200, 4800, 921600} {
		if ValidBaudRate(baud) {
			t.Errorf("ValidBaudRate(%d) = true, want false", baud)
		}
	}
}

func TestClientUID(t *testing.T) {
	id := PdId{
		Version:      2,
		Model:        3,
		VendorCode:   0x00C1B2A3,
		SerialNumber: 0x44332211,
	}
	want := [8]byte{0xA3, 0xB2, 0xC1, 0x03, 0x02, 0x11, 0x22, 0x33}
	if got := id.ClientUID(); got != want {
		t.Fatalf("ClientUID() = %x, want %x", got, want)
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if !bytes.Equal(key, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}) {
		t.Fatalf("ParseKey returned %x", key)
	}

	if _, err := ParseKey("0102"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("short key: got %v, want ErrInvalidKey", err)
	}
	if _, err := ParseKey("zz"); err == nil {
		t.Fatal("non-hex key should fail")
	}
}

func TestDisplayName(t *testing.T) {
	p := PdInfo{Address: 12}
	if got := p.DisplayName(); got != "pd-12" {
		t.Fatalf("DisplayName() = %q", got)
	}
	p.Name = "lobby-reader"
	if got := p.DisplayName(); got != "lobby-reader" {
		t.Fatalf("DisplayName() = %q", got)
	}
}

func TestFlagHas(t *testing.T) {
	f := FlagEnforceSecure | FlagInstallMode
	if !f.Has(FlagEnforceSecure) || !f.Has(FlagInstallMode) {
		t.Fatal("Has should report set bits")
	}
	if f.Has(FlagIgnoreUnsolicited) {
		t.Fatal("Has should not report unset bits")
	}
}
