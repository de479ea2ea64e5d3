// Package backend opens interactive shells in the places a terminal
// session can point at: a Kubernetes container, a Docker container, an
// ephemeral cloud-shell, or the gateway host itself.
//
// Targets use the namespace/pod/container identity shape everywhere.
// Three namespaces are reserved and never reach Kubernetes:
//
//	docker/<container>/<shell>     exec into a running Docker container
//	cloudshell/<name>/<shell>      provision a throwaway container
//	local/<label>/<shell>          PTY on the gateway host
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	NamespaceDocker     = "docker"
	NamespaceCloudShell = "cloudshell"
	NamespaceLocal      = "local"
)

var (
	// ErrTargetNotFound means the target's pod/container does not exist.
	ErrTargetNotFound = errors.New("target not found")
	// ErrUnavailable means no initialized backend serves the target.
	ErrUnavailable = errors.New("no exec backend available")
)

// Target identifies where a session's shell runs.
type Target struct {
	Namespace string
	Pod       string
	Container string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Namespace, t.Pod, t.Container)
}

// ExecStream is one live interactive shell. Reading Stdout past the end
// of the process returns an error; that is how session owners learn the
// shell is gone.
type ExecStream struct {
	Stdin  io.Writer
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	Close  func() error
}

// ExecBackend opens shells for the targets it understands.
type ExecBackend interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	// Handles reports whether this backend serves the target's namespace.
	Handles(target Target) bool
	// OpenShell starts an interactive TTY sized cols x rows.
	OpenShell(ctx context.Context, target Target, cols, rows uint16) (*ExecStream, error)
}
