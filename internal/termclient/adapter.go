// adapter.go bridges a Session to a terminal emulator widget.
//
// The adapter is the only place the widget API is touched: decoded output
// frames go to Widget.Write, and the widget's data/resize callbacks are
// translated into Session.SendInput and Session.Resize calls. It holds no
// state of its own beyond the two endpoints it connects.

package termclient

// Widget is the surface of a terminal emulator as seen by the adapter.
// Implementations wrap xterm-style emulators in the dashboard UI or a raw
// TTY in the CLI.
type Widget interface {
	// Write renders decoded terminal output.
	Write(p []byte) (int, error)

	// OnData registers the handler invoked with user keystrokes.
	OnData(func(p []byte))

	// OnResize registers the handler invoked when the widget geometry changes.
	OnResize(func(cols, rows uint16))
}

// outputSink receives decoded, transfer-filtered output from a session.
type outputSink interface {
	writeOutput(p []byte)
}

// EmulatorAdapter connects a Session to a Widget. It performs pure
// translation in both directions and never inspects payloads.
type EmulatorAdapter struct {
	session *Session
	widget  Widget
}

// NewEmulatorAdapter wires the widget's input and resize events into the
// session and registers itself as the session's output sink.
func NewEmulatorAdapter(session *Session, widget Widget) *EmulatorAdapter {
	a := &EmulatorAdapter{session: session, widget: widget}
	widget.OnData(func(p []byte) {
		// Send errors surface through the session's own event callbacks.
		_ = session.SendInput(p)
	})
	widget.OnResize(func(cols, rows uint16) {
		_ = session.Resize(cols, rows)
	})
	session.setSink(a)
	return a
}

func (a *EmulatorAdapter) writeOutput(p []byte) {
	_, _ = a.widget.Write(p)
}
