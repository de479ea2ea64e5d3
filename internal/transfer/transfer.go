// Package transfer recognizes zmodem and trzsz file-transfer sub-protocols
// embedded inline in a terminal output stream, so their binary payload can
// be withheld from rendering and routed to a transfer engine instead.
//
// The detector is a small state machine over output frames:
//
//	Idle -> Detecting -> InTransfer -> Idle
//
// Idle scans for start markers. Detecting holds a frame tail that looks
// like the beginning of a marker until the next frame confirms or refutes
// it. InTransfer classifies everything as transfer payload until an end
// marker appears. Markers may split across frame boundaries; a bounded
// carry of the previous tail handles that.
package transfer

import (
	"bytes"
	"fmt"
)

// Protocol names a recognized file-transfer sub-protocol.
type Protocol string

const (
	ProtocolZmodem Protocol = "zmodem"
	ProtocolTrzsz  Protocol = "trzsz"
)

// Phase is the detector state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDetecting
	PhaseInTransfer
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDetecting:
		return "detecting"
	case PhaseInTransfer:
		return "in-transfer"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Class is the verdict for one output frame.
type Class int

const (
	// NormalOutput renders to the terminal as usual.
	NormalOutput Class = iota
	// TransferStarted marks the frame carrying a start marker.
	TransferStarted
	// TransferData is binary transfer payload, withheld from rendering.
	TransferData
	// TransferEnded marks the frame carrying an end marker.
	TransferEnded
)

func (c Class) String() string {
	switch c {
	case NormalOutput:
		return "normal"
	case TransferStarted:
		return "started"
	case TransferData:
		return "data"
	case TransferEnded:
		return "ended"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classification is the result of inspecting one output frame. Protocol is
// set for everything except NormalOutput.
type Classification struct {
	Class    Class
	Protocol Protocol
}

// TransferAbortedError reports an in-flight transfer abandoned because the
// parent session reconnected or closed. It is a warning: the session itself
// recovers, the transfer does not.
type TransferAbortedError struct {
	Protocol Protocol
}

func (e *TransferAbortedError) Error() string {
	return fmt.Sprintf("transfer: in-flight %s transfer aborted by session reset", e.Protocol)
}

// zmodem headers travel in hex form: "**" ZDLE 'B' followed by the frame
// type as two hex digits. trzsz announces itself with a magic text tag.
var (
	zmodemRequestInit = []byte("**\x18B00") // ZRQINIT, remote ran sz
	zmodemReceiveInit = []byte("**\x18B01") // ZRINIT, remote ran rz
	zmodemFin         = []byte("**\x18B08") // ZFIN, orderly end
	zmodemCancel      = []byte("\x18\x18\x18\x18\x18")
	trzszMagic        = []byte("::TRZSZ:TRANSFER:")
	trzszExit         = []byte("#EXIT:")
	trzszFail         = []byte("#FAIL:")
)

// maxCarry bounds the tail bytes retained between frames. No marker is
// longer than the trzsz magic.
var maxCarry = len(trzszMagic) - 1

// Detector classifies output frames. Not safe for concurrent use; the
// session calls it from its single receive path.
type Detector struct {
	enableZmodem bool
	enableTrzsz  bool

	phase    Phase
	protocol Protocol
	carry    []byte
}

// NewDetector returns a detector scanning for the enabled protocols. With
// both flags false it is a pass-through.
func NewDetector(enableZmodem, enableTrzsz bool) *Detector {
	return &Detector{enableZmodem: enableZmodem, enableTrzsz: enableTrzsz}
}

// Enabled reports whether any protocol is being scanned for.
func (d *Detector) Enabled() bool {
	return d.enableZmodem || d.enableTrzsz
}

// Phase returns the current detector state.
func (d *Detector) Phase() Phase {
	return d.phase
}

// ActiveProtocol returns the protocol of the transfer in progress, or "".
func (d *Detector) ActiveProtocol() Protocol {
	if d.phase != PhaseInTransfer {
		return ""
	}
	return d.protocol
}

// Inspect classifies one output frame payload.
func (d *Detector) Inspect(payload []byte) Classification {
	if !d.Enabled() {
		return Classification{Class: NormalOutput}
	}

	// Scan over the retained tail plus the new payload so markers split
	// across frames are still seen. Classification applies to this frame.
	buf := payload
	if len(d.carry) > 0 {
		buf = append(append([]byte(nil), d.carry...), payload...)
	}

	if d.phase == PhaseInTransfer {
		if d.findEnd(buf) {
			proto := d.protocol
			d.reset()
			return Classification{Class: TransferEnded, Protocol: proto}
		}
		d.retainTail(buf)
		return Classification{Class: TransferData, Protocol: d.protocol}
	}

	if proto, ok := d.findStart(buf); ok {
		d.phase = PhaseInTransfer
		d.protocol = proto
		d.carry = nil
		return Classification{Class: TransferStarted, Protocol: proto}
	}

	// No complete marker. Keep a tail that could still grow into one.
	d.retainTail(buf)
	if len(d.carry) > 0 {
		d.phase = PhaseDetecting
	} else {
		d.phase = PhaseIdle
	}
	return Classification{Class: NormalOutput}
}

// ForceReset abandons any in-flight transfer and returns the detector to
// Idle. Called on session reconnect or close. Returns TransferAbortedError
// when a transfer was actually in progress.
func (d *Detector) ForceReset() error {
	inFlight := d.phase == PhaseInTransfer
	proto := d.protocol
	d.reset()
	if inFlight {
		return &TransferAbortedError{Protocol: proto}
	}
	return nil
}

func (d *Detector) reset() {
	d.phase = PhaseIdle
	d.protocol = ""
	d.carry = nil
}

// findStart scans for an enabled start marker.
func (d *Detector) findStart(buf []byte) (Protocol, bool) {
	if d.enableZmodem {
		if bytes.Contains(buf, zmodemRequestInit) || bytes.Contains(buf, zmodemReceiveInit) {
			return ProtocolZmodem, true
		}
	}
	if d.enableTrzsz && bytes.Contains(buf, trzszMagic) {
		return ProtocolTrzsz, true
	}
	return "", false
}

// findEnd scans for the active protocol's end markers.
func (d *Detector) findEnd(buf []byte) bool {
	switch d.protocol {
	case ProtocolZmodem:
		return bytes.Contains(buf, zmodemFin) || bytes.Contains(buf, zmodemCancel)
	case ProtocolTrzsz:
		return bytes.Contains(buf, trzszExit) || bytes.Contains(buf, trzszFail) || bytes.Contains(buf, zmodemCancel)
	}
	return false
}

// retainTail keeps the longest suffix of buf that is a proper prefix of a
// marker we may still complete, bounded by maxCarry.
func (d *Detector) retainTail(buf []byte) {
	start := len(buf) - maxCarry
	if start < 0 {
		start = 0
	}
	for i := start; i < len(buf); i++ {
		tail := buf[i:]
		if d.isMarkerPrefix(tail) {
			d.carry = append(d.carry[:0], tail...)
			return
		}
	}
	d.carry = nil
}

// isMarkerPrefix reports whether p is a proper prefix of any marker the
// current phase could complete.
func (d *Detector) isMarkerPrefix(p []byte) bool {
	var candidates [][]byte
	if d.phase == PhaseInTransfer {
		switch d.protocol {
		case ProtocolZmodem:
			candidates = [][]byte{zmodemFin, zmodemCancel}
		case ProtocolTrzsz:
			candidates = [][]byte{trzszExit, trzszFail, zmodemCancel}
		}
	} else {
		if d.enableZmodem {
			candidates = append(candidates, zmodemRequestInit, zmodemReceiveInit)
		}
		if d.enableTrzsz {
			candidates = append(candidates, trzszMagic)
		}
	}
	for _, m := range candidates {
		if len(p) < len(m) && bytes.HasPrefix(m, p) {
			return true
		}
	}
	return false
}
