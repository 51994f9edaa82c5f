package smartcard

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func intPtr(v int) *int { return &v }

func TestEncodeCommand_Cases(t *testing.T) {
	data256 := bytes.Repeat([]byte{0xAB}, 256)

	tests := []struct {
		name     string
		cmd      CommandAPDU
		wantLen  int
		wantHead []byte
		wantTail []byte
	}{
		{
			name:     "case 1 header only",
			cmd:      CommandAPDU{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00},
			wantLen:  4,
			wantHead: []byte{0x00, 0xA4, 0x04, 0x00},
		},
		{
			name:     "case 2 short Le=0",
			cmd:      CommandAPDU{INS: 0xB0}.WithLe(0),
			wantLen:  5,
			wantTail: []byte{0x00},
		},
		{
			name:     "case 2 short Le=256",
			cmd:      CommandAPDU{INS: 0xB0}.WithLe(256),
			wantLen:  5,
			wantTail: []byte{0x00},
		},
		{
			name:     "case 3 short",
			cmd:      CommandAPDU{INS: 0xD6, Data: []byte{1, 2, 3}},
			wantLen:  8,
			wantTail: []byte{0x03, 1, 2, 3},
		},
		{
			name:     "case 4 short",
			cmd:      CommandAPDU{INS: 0xA4, P1: 0x04, Data: []byte{0xA0, 0x00, 0x00, 0x00, 0x03}}.WithLe(0),
			wantLen:  11,
			wantTail: []byte{0x05, 0xA0, 0x00, 0x00, 0x00, 0x03, 0x00},
		},
		{
			name:     "case 2 extended",
			cmd:      CommandAPDU{INS: 0xB0}.WithLe(257),
			wantLen:  7,
			wantTail: []byte{0x00, 0x01, 0x01},
		},
		{
			name:     "case 2 extended Le=65536",
			cmd:      CommandAPDU{INS: 0xB0}.WithLe(65536),
			wantLen:  7,
			wantTail: []byte{0x00, 0x00, 0x00},
		},
		{
			name:     "case 3 extended 256 bytes",
			cmd:      CommandAPDU{INS: 0xD6, Data: data256},
			wantLen:  4 + 3 + 256,
			wantHead: []byte{0x00, 0xD6, 0x00, 0x00, 0x00, 0x01, 0x00},
		},
		{
			name:     "case 4 extended forced by data",
			cmd:      CommandAPDU{INS: 0xD6, Data: data256}.WithLe(16),
			wantLen:  4 + 3 + 256 + 2,
			wantTail: []byte{0x00, 0x10},
		},
		{
			name:     "case 4 extended forced by Le",
			cmd:      CommandAPDU{INS: 0xD6, Data: []byte{0x01}}.WithLe(1000),
			wantLen:  4 + 3 + 1 + 2,
			wantTail: []byte{0x00, 0x00, 0x01, 0x01, 0x03, 0xE8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(tt.cmd)
			if err != nil {
				t.Fatalf("EncodeCommand() error = %v", err)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("EncodeCommand() length = %d, want %d (% X)", len(got), tt.wantLen, got)
			}
			if tt.wantHead != nil && !bytes.HasPrefix(got, tt.wantHead) {
				t.Errorf("EncodeCommand() = % X, want prefix % X", got, tt.wantHead)
			}
			if tt.wantTail != nil && !bytes.HasSuffix(got, tt.wantTail) {
				t.Errorf("EncodeCommand() = % X, want suffix % X", got, tt.wantTail)
			}
		})
	}
}

func TestEncodeCommand_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cmd  CommandAPDU
	}{
		{"data too long", CommandAPDU{Data: make([]byte, MaxExtendedLc+1)}},
		{"Le too large", CommandAPDU{}.WithLe(MaxExtendedLe + 1)},
		{"negative Le", CommandAPDU{}.WithLe(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeCommand(tt.cmd)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("EncodeCommand() error = %v, want InvalidParameter", err)
			}
		})
	}
}

func TestNewCommandAPDU(t *testing.T) {
	cmd, err := NewCommandAPDU(0x00, 0xA4, 0x04, 0x00, []byte{0xA0, 0x00, 0x00, 0x00, 0x03}, intPtr(0))
	if err != nil {
		t.Fatalf("NewCommandAPDU() error = %v", err)
	}
	if !cmd.HasLe || cmd.Le != 0 {
		t.Errorf("NewCommandAPDU() Le = %d (present %v), want 0 present", cmd.Le, cmd.HasLe)
	}

	for _, bad := range [][4]int{{256, 0, 0, 0}, {0, -1, 0, 0}, {0, 0, 300, 0}, {0, 0, 0, 0x100}} {
		if _, err := NewCommandAPDU(bad[0], bad[1], bad[2], bad[3], nil, nil); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("NewCommandAPDU(%v) error = %v, want InvalidParameter", bad, err)
		}
	}

	if _, err := NewCommandAPDU(0, 0, 0, 0, nil, intPtr(70000)); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("NewCommandAPDU(Le=70000) error = %v, want InvalidParameter", err)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	// Le == 0 decodes as the maximum of its length form, so the commands
	// below use explicit lengths.
	commands := []CommandAPDU{
		{CLA: 0x80, INS: 0xCA, P1: 0x9F, P2: 0x7F},
		CommandAPDU{INS: 0xB0}.WithLe(16),
		CommandAPDU{INS: 0xB0}.WithLe(256),
		{INS: 0xD6, Data: []byte{0xDE, 0xAD}},
		CommandAPDU{CLA: 0x00, INS: 0xA4, P1: 0x04, Data: []byte{0xA0, 0x00, 0x00, 0x00, 0x03}}.WithLe(255),
		CommandAPDU{INS: 0xB0}.WithLe(4096),
		CommandAPDU{INS: 0xB0}.WithLe(65536),
		{INS: 0xD6, Data: bytes.Repeat([]byte{0x5A}, 300)},
		CommandAPDU{INS: 0xD6, Data: bytes.Repeat([]byte{0x5A}, 300)}.WithLe(2),
	}

	for _, cmd := range commands {
		t.Run(cmd.String(), func(t *testing.T) {
			raw, err := EncodeCommand(cmd)
			if err != nil {
				t.Fatalf("EncodeCommand() error = %v", err)
			}
			got, err := DecodeCommand(raw)
			if err != nil {
				t.Fatalf("DecodeCommand(% X) error = %v", raw, err)
			}
			if diff := cmp.Diff(cmd, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeCommand_LeZeroMeansMaximum(t *testing.T) {
	got, err := DecodeCommand([]byte{0x00, 0xB0, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if got.Le != 256 {
		t.Errorf("short Le 0x00 = %d, want 256", got.Le)
	}

	got, err = DecodeCommand([]byte{0x00, 0xB0, 0x00, 0x00, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if got.Le != 65536 {
		t.Errorf("extended Le 0x0000 = %d, want 65536", got.Le)
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x00, 0xA4, 0x04}},
		{"truncated short data", []byte{0x00, 0xD6, 0x00, 0x00, 0x05, 0x01, 0x02}},
		{"trailing after short Le", []byte{0x00, 0xD6, 0x00, 0x00, 0x01, 0xFF, 0x00, 0x00}},
		{"truncated extended length", []byte{0x00, 0xB0, 0x00, 0x00, 0x00, 0x01}},
		{"extended Lc zero", []byte{0x00, 0xD6, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}},
		{"truncated extended data", []byte{0x00, 0xD6, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01}},
		{"malformed extended Le", []byte{0x00, 0xD6, 0x00, 0x00, 0x00, 0x00, 0x01, 0xAA, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand(tt.raw)
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("DecodeCommand(% X) error = %v, want ProtocolError", tt.raw, err)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse([]byte{0x01, 0x02, 0x90, 0x00})
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	want := ResponseAPDU{Data: []byte{0x01, 0x02}, SW1: 0x90, SW2: 0x00}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("DecodeResponse() mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(resp.Bytes(), []byte{0x01, 0x02, 0x90, 0x00}) {
		t.Errorf("Bytes() = % X", resp.Bytes())
	}

	statusOnly, err := DecodeResponse([]byte{0x6A, 0x82})
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if len(statusOnly.Data) != 0 || statusOnly.StatusWord() != 0x6A82 {
		t.Errorf("DecodeResponse(6A82) = %v", statusOnly)
	}

	for _, raw := range [][]byte{nil, {0x90}} {
		if _, err := DecodeResponse(raw); !errors.Is(err, ErrProtocol) {
			t.Errorf("DecodeResponse(% X) error = %v, want ProtocolError", raw, err)
		}
	}
}

func TestResponseAPDU_Status(t *testing.T) {
	tests := []struct {
		sw        []byte
		success   bool
		warning   bool
		available int
		correct   int
	}{
		{sw: []byte{0x90, 0x00}, success: true},
		{sw: []byte{0x61, 0x10}, success: true, available: 16},
		{sw: []byte{0x61, 0x00}, success: true, available: 256},
		{sw: []byte{0x62, 0x83}, warning: true},
		{sw: []byte{0x63, 0xC2}, warning: true},
		{sw: []byte{0x6C, 0x20}, correct: 32},
		{sw: []byte{0x6A, 0x82}},
	}

	for _, tt := range tests {
		r, err := DecodeResponse(tt.sw)
		if err != nil {
			t.Fatalf("DecodeResponse(% X) error = %v", tt.sw, err)
		}
		if r.IsSuccess() != tt.success {
			t.Errorf("%v IsSuccess() = %v, want %v", r, r.IsSuccess(), tt.success)
		}
		if r.IsWarning() != tt.warning {
			t.Errorf("%v IsWarning() = %v, want %v", r, r.IsWarning(), tt.warning)
		}
		if n, _ := r.BytesAvailable(); n != tt.available {
			t.Errorf("%v BytesAvailable() = %d, want %d", r, n, tt.available)
		}
		if n, _ := r.CorrectLength(); n != tt.correct {
			t.Errorf("%v CorrectLength() = %d, want %d", r, n, tt.correct)
		}
	}
}

func TestHexHelpers(t *testing.T) {
	b, err := HexToBytes("00 a4:04 00")
	if err != nil {
		t.Fatalf("HexToBytes() error = %v", err)
	}
	if !bytes.Equal(b, []byte{0x00, 0xA4, 0x04, 0x00}) {
		t.Errorf("HexToBytes() = % X", b)
	}
	if got := BytesToHex(b); got != "00A40400" {
		t.Errorf("BytesToHex() = %q, want %q", got, "00A40400")
	}
	if _, err := HexToBytes("zz"); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("HexToBytes(zz) error = %v, want InvalidParameter", err)
	}
}
