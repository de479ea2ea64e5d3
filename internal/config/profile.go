// profile.go loads the tgsh client profile: which gateway to talk to and how
// sessions should behave. Lookup order: explicit --profile path, the
// TERMGATE_PROFILE environment variable, then ~/.config/tgsh/config.yaml.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is the on-disk client configuration for tgsh.
type Profile struct {
	Gateway  GatewayProfile  `yaml:"gateway"`
	Session  SessionProfile  `yaml:"session"`
	Terminal TerminalProfile `yaml:"terminal"`
}

type GatewayProfile struct {
	URL      string `yaml:"url"`
	APIToken string `yaml:"api_token"`
	// Transport selects websocket (default) or sockjs framing.
	Transport string `yaml:"transport"`
}

// SessionProfile tunes client-side backpressure. Zero values select the
// built-in watermarks.
type SessionProfile struct {
	BufferLimitBytes int64 `yaml:"buffer_limit_bytes"`
	HighWaterMark    int64 `yaml:"high_water_mark"`
	LowWaterMark     int64 `yaml:"low_water_mark"`
}

type TerminalProfile struct {
	Renderer        string `yaml:"renderer"`
	EnableZmodem    bool   `yaml:"enable_zmodem"`
	EnableTrzsz     bool   `yaml:"enable_trzsz"`
	EnableSixel     bool   `yaml:"enable_sixel"`
	UnicodeVersion  string `yaml:"unicode_version"`
	DragInitTimeout string `yaml:"drag_init_timeout"`
}

// DefaultProfilePath resolves the profile location when no flag is given.
func DefaultProfilePath() string {
	if p := os.Getenv("TERMGATE_PROFILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tgsh", "config.yaml")
}

// LoadProfile reads and validates a client profile. TERMGATE_API_TOKEN
// overrides the token from the file so profiles can be committed without
// secrets.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if tok := os.Getenv("TERMGATE_API_TOKEN"); tok != "" {
		p.Gateway.APIToken = tok
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return &p, nil
}

func (p *Profile) Validate() error {
	if p.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	switch p.Gateway.Transport {
	case "", "websocket", "sockjs":
	default:
		return fmt.Errorf("gateway.transport must be 'websocket' or 'sockjs', got %q", p.Gateway.Transport)
	}
	switch p.Terminal.Renderer {
	case "", "webgl", "canvas", "dom":
	default:
		return fmt.Errorf("terminal.renderer must be 'webgl', 'canvas' or 'dom', got %q", p.Terminal.Renderer)
	}
	s := p.Session
	if s.BufferLimitBytes < 0 || s.HighWaterMark < 0 || s.LowWaterMark < 0 {
		return fmt.Errorf("session watermarks must not be negative")
	}
	return nil
}
