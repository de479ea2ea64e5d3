package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	Load()
	if Cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q", Cfg.ListenAddr)
	}
	if Cfg.Backend != "auto" {
		t.Errorf("Backend = %q", Cfg.Backend)
	}
	if Cfg.ScrollbackBytes != 262144 {
		t.Errorf("ScrollbackBytes = %d", Cfg.ScrollbackBytes)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TERMGATE_LISTEN_ADDR", ":9090")
	t.Setenv("TERMGATE_BACKEND", "docker")
	t.Setenv("TERMGATE_AUTH_DISABLED", "true")

	Load()
	if Cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", Cfg.ListenAddr)
	}
	if Cfg.Backend != "docker" {
		t.Errorf("Backend = %q", Cfg.Backend)
	}
	if !Cfg.AuthDisabled {
		t.Error("AuthDisabled not applied")
	}
}

func TestDurationHelpers(t *testing.T) {
	tests := []struct {
		name string
		set  func()
		get  func() time.Duration
		want time.Duration
	}{
		{
			name: "session timeout parsed",
			set:  func() { Cfg.SessionTimeout = "45m" },
			get:  func() time.Duration { return Cfg.SessionTimeoutDuration() },
			want: 45 * time.Minute,
		},
		{
			name: "session timeout fallback on garbage",
			set:  func() { Cfg.SessionTimeout = "soon" },
			get:  func() time.Duration { return Cfg.SessionTimeoutDuration() },
			want: 30 * time.Minute,
		},
		{
			name: "attach token ttl parsed",
			set:  func() { Cfg.AttachTokenTTL = "90s" },
			get:  func() time.Duration { return Cfg.AttachTokenTTLDuration() },
			want: 90 * time.Second,
		},
		{
			name: "attach token ttl fallback on empty",
			set:  func() { Cfg.AttachTokenTTL = "" },
			get:  func() time.Duration { return Cfg.AttachTokenTTLDuration() },
			want: 2 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Load()
			tt.set()
			if got := tt.get(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
