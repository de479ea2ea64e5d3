package wire

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Decoder.Next when the buffered bytes end
// mid-frame. It is not a failure: feed the next message and call Next again.
var ErrIncomplete = errors.New("wire: incomplete frame")

// Decoder reassembles frames from a byte stream that may split or coalesce
// them across WebSocket messages. Feed appends received bytes; Next yields
// complete frames in order. The zero value is ready to use.
//
// Decoder is not safe for concurrent use; callers feed it from a single
// receive loop.
type Decoder struct {
	buf []byte
	off int
}

// Feed appends received bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next decodes the next complete frame. It returns ErrIncomplete when the
// buffer holds only a partial frame, or a ProtocolError when the header is
// malformed. The returned payload is a copy and remains valid after further
// Feed calls.
func (d *Decoder) Next() (Frame, error) {
	avail := len(d.buf) - d.off
	if avail < headerSize {
		d.compact()
		return Frame{}, ErrIncomplete
	}

	kind := Kind(d.buf[d.off])
	if !kind.valid() {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unknown frame kind 0x%02x", d.buf[d.off])}
	}
	length := int(uint32(d.buf[d.off+1])<<24 | uint32(d.buf[d.off+2])<<16 | uint32(d.buf[d.off+3])<<8 | uint32(d.buf[d.off+4]))
	if length > MaxPayload {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("declared payload %d exceeds max %d", length, MaxPayload)}
	}
	if avail < headerSize+length {
		d.compact()
		return Frame{}, ErrIncomplete
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, d.buf[d.off+headerSize:d.off+headerSize+length])
	}
	d.off += headerSize + length
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Reset discards all buffered bytes. Used when a transport reconnects and
// the stream restarts from a frame boundary.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
}

// compact drops consumed bytes so the buffer does not grow without bound
// across long sessions.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}
