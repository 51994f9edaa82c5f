package smartcard

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Length limits for ISO 7816-4 command APDUs.
const (
	MaxShortLc    = 255
	MaxShortLe    = 256
	MaxExtendedLc = 65535
	MaxExtendedLe = 65536

	headerLen = 4
)

// CommandAPDU is an ISO 7816-4 command. Values are never mutated after
// construction; Bytes encodes on demand.
//
// Le is only meaningful when HasLe is set. Le == 0 requests the maximum
// the chosen length form allows (256 short, 65536 extended).
type CommandAPDU struct {
	CLA   byte
	INS   byte
	P1    byte
	P2    byte
	Data  []byte
	Le    int
	HasLe bool
}

// NewCommandAPDU builds a command from integer header fields. le == nil
// leaves Le absent.
func NewCommandAPDU(cla, ins, p1, p2 int, data []byte, le *int) (CommandAPDU, error) {
	for _, f := range []struct {
		name string
		v    int
	}{{"CLA", cla}, {"INS", ins}, {"P1", p1}, {"P2", p2}} {
		if f.v < 0 || f.v > 0xFF {
			return CommandAPDU{}, Errorf(KindInvalidParameter, "NewCommandAPDU", "%s out of range: %d", f.name, f.v)
		}
	}

	cmd := CommandAPDU{
		CLA:  byte(cla),
		INS:  byte(ins),
		P1:   byte(p1),
		P2:   byte(p2),
		Data: data,
	}
	if le != nil {
		cmd.Le = *le
		cmd.HasLe = true
	}
	if err := cmd.validate("NewCommandAPDU"); err != nil {
		return CommandAPDU{}, err
	}
	return cmd, nil
}

// WithLe returns a copy of c expecting le response bytes.
func (c CommandAPDU) WithLe(le int) CommandAPDU {
	c.Le = le
	c.HasLe = true
	return c
}

func (c CommandAPDU) validate(op string) error {
	if len(c.Data) > MaxExtendedLc {
		return Errorf(KindInvalidParameter, op, "data length %d exceeds %d", len(c.Data), MaxExtendedLc)
	}
	if c.HasLe && (c.Le < 0 || c.Le > MaxExtendedLe) {
		return Errorf(KindInvalidParameter, op, "Le %d outside 0..%d", c.Le, MaxExtendedLe)
	}
	return nil
}

// extended reports whether c needs the extended length form.
func (c CommandAPDU) extended() bool {
	return len(c.Data) > MaxShortLc || (c.HasLe && c.Le > MaxShortLe)
}

// Bytes encodes c. It is equivalent to EncodeCommand(c).
func (c CommandAPDU) Bytes() ([]byte, error) {
	return EncodeCommand(c)
}

// EncodeCommand serializes a command APDU, picking the short form whenever
// both Lc and Le fit in it.
func EncodeCommand(c CommandAPDU) ([]byte, error) {
	if err := c.validate("EncodeCommand"); err != nil {
		return nil, err
	}

	nc := len(c.Data)
	ext := c.extended()

	size := headerLen
	if nc > 0 {
		size += 1 + nc
		if ext {
			size += 2
		}
	}
	if c.HasLe {
		size++
		if ext {
			size++
			if nc == 0 {
				size++
			}
		}
	}

	out := make([]byte, 0, size)
	out = append(out, c.CLA, c.INS, c.P1, c.P2)

	if nc > 0 {
		if ext {
			out = append(out, 0x00, byte(nc>>8), byte(nc))
		} else {
			out = append(out, byte(nc))
		}
		out = append(out, c.Data...)
	}

	if c.HasLe {
		// 256 and 65536 wrap to zero bytes, the same encoding as Le == 0.
		le := c.Le
		if ext {
			if nc == 0 {
				out = append(out, 0x00)
			}
			out = append(out, byte(le>>8), byte(le))
		} else {
			out = append(out, byte(le))
		}
	}

	return out, nil
}

// DecodeCommand parses raw command bytes, for example a replayed APDU.
func DecodeCommand(raw []byte) (CommandAPDU, error) {
	const op = "DecodeCommand"

	if len(raw) < headerLen {
		return CommandAPDU{}, Errorf(KindProtocolError, op, "command too short: %d bytes", len(raw))
	}

	cmd := CommandAPDU{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}
	body := raw[headerLen:]

	switch {
	case len(body) == 0:
		return cmd, nil

	case len(body) == 1:
		cmd.HasLe = true
		cmd.Le = shortLe(body[0])
		return cmd, nil

	case body[0] != 0x00:
		lc := int(body[0])
		rest := body[1:]
		if len(rest) < lc {
			return CommandAPDU{}, Errorf(KindProtocolError, op, "truncated data: Lc=%d, have %d", lc, len(rest))
		}
		cmd.Data = cloneBytes(rest[:lc])
		rest = rest[lc:]
		switch len(rest) {
		case 0:
		case 1:
			cmd.HasLe = true
			cmd.Le = shortLe(rest[0])
		default:
			return CommandAPDU{}, Errorf(KindProtocolError, op, "%d trailing bytes after short Le", len(rest)-1)
		}
		return cmd, nil
	}

	// Extended form: body[0] is the 0x00 marker.
	if len(body) < 3 {
		return CommandAPDU{}, Errorf(KindProtocolError, op, "truncated extended length field")
	}
	if len(body) == 3 {
		cmd.HasLe = true
		cmd.Le = extendedLe(body[1], body[2])
		return cmd, nil
	}

	lc := int(body[1])<<8 | int(body[2])
	if lc == 0 {
		return CommandAPDU{}, Errorf(KindProtocolError, op, "extended Lc of zero")
	}
	rest := body[3:]
	if len(rest) < lc {
		return CommandAPDU{}, Errorf(KindProtocolError, op, "truncated data: Lc=%d, have %d", lc, len(rest))
	}
	cmd.Data = cloneBytes(rest[:lc])
	rest = rest[lc:]
	switch len(rest) {
	case 0:
	case 2:
		cmd.HasLe = true
		cmd.Le = extendedLe(rest[0], rest[1])
	default:
		return CommandAPDU{}, Errorf(KindProtocolError, op, "malformed extended Le: %d bytes", len(rest))
	}
	return cmd, nil
}

func shortLe(b byte) int {
	if b == 0 {
		return MaxShortLe
	}
	return int(b)
}

func extendedLe(hi, lo byte) int {
	v := int(hi)<<8 | int(lo)
	if v == 0 {
		return MaxExtendedLe
	}
	return v
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c CommandAPDU) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%02X %02X %02X %02X", c.CLA, c.INS, c.P1, c.P2)
	if len(c.Data) > 0 {
		fmt.Fprintf(&sb, " Lc=%d [%s]", len(c.Data), strings.ToUpper(hex.EncodeToString(c.Data)))
	}
	if c.HasLe {
		fmt.Fprintf(&sb, " Le=%d", c.Le)
	}
	return sb.String()
}

// ResponseAPDU is the card's reply: optional data followed by SW1 SW2.
type ResponseAPDU struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// DecodeResponse splits raw response bytes into data and status word.
func DecodeResponse(raw []byte) (ResponseAPDU, error) {
	if len(raw) < 2 {
		return ResponseAPDU{}, Errorf(KindProtocolError, "DecodeResponse", "response too short: %d bytes", len(raw))
	}
	n := len(raw) - 2
	return ResponseAPDU{
		Data: cloneBytes(raw[:n]),
		SW1:  raw[n],
		SW2:  raw[n+1],
	}, nil
}

// Bytes re-encodes the response as data || SW1 || SW2.
func (r ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.SW1, r.SW2)
}

// StatusWord returns SW1<<8 | SW2.
func (r ResponseAPDU) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// IsSuccess reports 9000, or 61XX (more data available).
func (r ResponseAPDU) IsSuccess() bool {
	return r.StatusWord() == 0x9000 || r.SW1 == 0x61
}

// IsWarning reports 62XX and 63XX.
func (r ResponseAPDU) IsWarning() bool {
	return r.SW1 == 0x62 || r.SW1 == 0x63
}

// BytesAvailable returns the count announced by a 61XX status, where
// 6100 means 256.
func (r ResponseAPDU) BytesAvailable() (int, bool) {
	if r.SW1 != 0x61 {
		return 0, false
	}
	return shortLe(r.SW2), true
}

// CorrectLength returns the Le the card asked for with a 6CXX status.
func (r ResponseAPDU) CorrectLength() (int, bool) {
	if r.SW1 != 0x6C {
		return 0, false
	}
	return shortLe(r.SW2), true
}

func (r ResponseAPDU) String() string {
	if len(r.Data) == 0 {
		return fmt.Sprintf("SW=%04X", r.StatusWord())
	}
	return fmt.Sprintf("[%s] SW=%04X", strings.ToUpper(hex.EncodeToString(r.Data)), r.StatusWord())
}

// HexToBytes decodes a hex string, ignoring spaces and colons.
func HexToBytes(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, WrapError(KindInvalidParameter, "HexToBytes", "invalid hex string", err)
	}
	return b, nil
}

// BytesToHex encodes b as upper-case hex.
func BytesToHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
