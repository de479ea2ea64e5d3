// Package wire implements the binary frame protocol spoken between the
// terminal client and the gateway.
//
// Every WebSocket message carries one or more frames:
//
//	[1-byte kind][4-byte payload length (big-endian)][payload]
//
//	Kind 0x01: Input (payload = raw keystroke bytes, client -> server)
//	Kind 0x02: Output (payload = raw terminal bytes, server -> client)
//	Kind 0x03: Resize (payload = "<cols>,<rows>" in ASCII decimal)
//	Kind 0x04: Pause (empty payload, stop sending output)
//	Kind 0x05: Resume (empty payload, resume sending output)
//	Kind 0x06: Title (payload = UTF-8 window title, server -> client)
//	Kind 0x07: Preferences (payload = JSON object, server -> client)
//	Kind 0x08: SetUTF8 (payload = one byte, 0x00 or 0x01)
//	Kind 0x09: TransferControl (payload = file-transfer protocol bytes)
//
// Messages may split or coalesce frames arbitrarily; Decoder reassembles
// them. A malformed header is unrecoverable because the stream cannot be
// resynchronized, so decoding fails with ProtocolError and the session must
// be torn down.
package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the frame type on the wire.
type Kind byte

// Frame kinds for the client <-> gateway protocol.
const (
	KindInput           Kind = 0x01
	KindOutput          Kind = 0x02
	KindResize          Kind = 0x03
	KindPause           Kind = 0x04
	KindResume          Kind = 0x05
	KindTitle           Kind = 0x06
	KindPreferences     Kind = 0x07
	KindSetUTF8         Kind = 0x08
	KindTransferControl Kind = 0x09
)

// MaxPayload is the maximum allowed frame payload size (1 MiB), matching the
// read limit on the WebSocket itself.
const MaxPayload = 1 << 20

// headerSize is the fixed frame header length: kind byte plus payload length.
const headerSize = 5

// String returns a short lowercase name for logging.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	case KindResize:
		return "resize"
	case KindPause:
		return "pause"
	case KindResume:
		return "resume"
	case KindTitle:
		return "title"
	case KindPreferences:
		return "preferences"
	case KindSetUTF8:
		return "setutf8"
	case KindTransferControl:
		return "transfer-control"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindInput && k <= KindTransferControl
}

// Frame is one discriminated unit of the wire protocol.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// ProtocolError reports a framing violation: an unknown discriminator or an
// impossible declared length. The stream cannot be resynchronized after one
// of these, so callers must fail the session rather than skip bytes.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wire: protocol error: " + e.Reason
}

// Encode serializes a single frame.
func Encode(f Frame) ([]byte, error) {
	return AppendEncode(nil, f)
}

// AppendEncode serializes f and appends it to dst, returning the extended
// slice. Frames written back to back this way form a valid message.
func AppendEncode(dst []byte, f Frame) ([]byte, error) {
	if !f.Kind.valid() {
		return dst, &ProtocolError{Reason: fmt.Sprintf("encode unknown kind 0x%02x", byte(f.Kind))}
	}
	if len(f.Payload) > MaxPayload {
		return dst, &ProtocolError{Reason: fmt.Sprintf("encode payload %d exceeds max %d", len(f.Payload), MaxPayload)}
	}
	var hdr [headerSize]byte
	hdr[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Payload...)
	return dst, nil
}

// EncodeResize builds a Resize frame. The payload is text so it survives
// transports that only pass strings.
func EncodeResize(cols, rows uint16) Frame {
	return Frame{
		Kind:    KindResize,
		Payload: []byte(strconv.Itoa(int(cols)) + "," + strconv.Itoa(int(rows))),
	}
}

// ParseResize extracts cols and rows from a Resize frame payload.
func ParseResize(payload []byte) (cols, rows uint16, err error) {
	s := string(payload)
	colStr, rowStr, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resize payload %q", s)
	}
	c, err := strconv.ParseUint(colStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resize cols %q: %w", colStr, err)
	}
	r, err := strconv.ParseUint(rowStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resize rows %q: %w", rowStr, err)
	}
	if c == 0 || r == 0 {
		return 0, 0, fmt.Errorf("resize dimensions must be positive, got %dx%d", c, r)
	}
	return uint16(c), uint16(r), nil
}

// EncodeSetUTF8 builds a SetUTF8 frame.
func EncodeSetUTF8(enabled bool) Frame {
	p := []byte{0x00}
	if enabled {
		p[0] = 0x01
	}
	return Frame{Kind: KindSetUTF8, Payload: p}
}

// ParseSetUTF8 extracts the flag from a SetUTF8 frame payload.
func ParseSetUTF8(payload []byte) (bool, error) {
	if len(payload) != 1 || payload[0] > 1 {
		return false, fmt.Errorf("invalid setutf8 payload % x", payload)
	}
	return payload[0] == 1, nil
}
