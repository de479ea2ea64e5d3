package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/termgate"`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Exec backend selection: auto, kubernetes, docker or local.
	Backend    string `envconfig:"BACKEND" default:"auto"`
	KubeConfig string `envconfig:"KUBECONFIG" default:""`
	DockerHost string `envconfig:"DOCKER_HOST" default:""`

	// AuthDisabled skips API token checks. Local development only.
	AuthDisabled bool `envconfig:"AUTH_DISABLED" default:"false"`

	// Terminal session settings
	ScrollbackBytes    int    `envconfig:"SCROLLBACK_BYTES" default:"262144"`
	SessionTimeout     string `envconfig:"SESSION_TIMEOUT" default:"30m"`
	AttachTokenTTL     string `envconfig:"ATTACH_TOKEN_TTL" default:"2m"`
	RecordingDir       string `envconfig:"RECORDING_DIR" default:""`
	OutputBytesPerSec  int    `envconfig:"OUTPUT_BYTES_PER_SEC" default:"4194304"`
	LocalShell         string `envconfig:"LOCAL_SHELL" default:"/bin/bash"`
	CloudShellImage    string `envconfig:"CLOUDSHELL_IMAGE" default:"ubuntu:24.04"`
	CloudShellMemory   string `envconfig:"CLOUDSHELL_MEMORY" default:"512m"`
	CloudShellCommand  string `envconfig:"CLOUDSHELL_COMMAND" default:"/bin/bash"`
	CloudShellDisabled bool   `envconfig:"CLOUDSHELL_DISABLED" default:"false"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// SessionTimeoutDuration parses SessionTimeout, falling back to 30 minutes
// on a malformed value.
func (s Settings) SessionTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.SessionTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// AttachTokenTTLDuration parses AttachTokenTTL, falling back to 2 minutes
// on a malformed value.
func (s Settings) AttachTokenTTLDuration() time.Duration {
	d, err := time.ParseDuration(s.AttachTokenTTL)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}
