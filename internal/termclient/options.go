package termclient

import "time"

// Renderer types accepted by ClientOptions.RendererType.
const (
	RendererWebGL  = "webgl"
	RendererCanvas = "canvas"
	RendererDOM    = "dom"
)

// ClientOptions carries terminal emulator preferences negotiated with the
// embedding UI. The session itself only consults the transfer flags and the
// trzsz drag timeout; the rest is passed through to the widget layer.
type ClientOptions struct {
	// RendererType selects the widget rendering backend.
	RendererType string `json:"rendererType"`

	// EnableZmodem turns on zmodem file transfer detection.
	EnableZmodem bool `json:"enableZmodem"`

	// EnableTrzsz turns on trzsz file transfer detection.
	EnableTrzsz bool `json:"enableTrzsz"`

	// EnableSixel enables sixel graphics sequences in the widget.
	EnableSixel bool `json:"enableSixel"`

	// DisableLeaveAlert suppresses the page-leave confirmation prompt.
	DisableLeaveAlert bool `json:"disableLeaveAlert"`

	// IsWindows adjusts line ending handling for Windows backends.
	IsWindows bool `json:"isWindows"`

	// UnicodeVersion selects the width tables used by the widget ("6" or "11").
	UnicodeVersion string `json:"unicodeVersion"`

	// TrzszDragInitTimeout bounds how long a drag-initiated trzsz handshake
	// may take before the session gives up on it.
	TrzszDragInitTimeout time.Duration `json:"trzszDragInitTimeout"`
}

// DefaultOptions returns the options used when the embedding UI supplies none.
func DefaultOptions() ClientOptions {
	return ClientOptions{
		RendererType:         RendererWebGL,
		UnicodeVersion:       "11",
		TrzszDragInitTimeout: 3 * time.Second,
	}
}

func (o ClientOptions) withDefaults() ClientOptions {
	def := DefaultOptions()
	if o.RendererType == "" {
		o.RendererType = def.RendererType
	}
	if o.UnicodeVersion == "" {
		o.UnicodeVersion = def.UnicodeVersion
	}
	if o.TrzszDragInitTimeout <= 0 {
		o.TrzszDragInitTimeout = def.TrzszDragInitTimeout
	}
	return o
}
