package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/polydash/termgate/internal/config"
)

// shellAllowlist maps shell names a local target may request to binaries.
// "default" resolves to the configured LocalShell. Anything else is
// rejected: local targets run as the gateway's own user.
var shellAllowlist = map[string]string{
	"bash": "/bin/bash",
	"sh":   "/bin/sh",
	"zsh":  "/usr/bin/zsh",
}

type LocalBackend struct {
	available bool
}

func (l *LocalBackend) Initialize(_ context.Context) error {
	if _, err := os.Stat(config.Cfg.LocalShell); err != nil {
		return fmt.Errorf("local shell %s: %w", config.Cfg.LocalShell, err)
	}
	l.available = true
	return nil
}

func (l *LocalBackend) IsAvailable(_ context.Context) bool {
	return l.available
}

func (l *LocalBackend) BackendName() string {
	return "local"
}

func (l *LocalBackend) Handles(target Target) bool {
	return target.Namespace == NamespaceLocal
}

func resolveShell(name string) (string, error) {
	if name == "" || name == "default" {
		return config.Cfg.LocalShell, nil
	}
	path, ok := shellAllowlist[name]
	if !ok {
		return "", fmt.Errorf("shell %q not in allowlist", name)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("shell %s: %w", path, err)
	}
	return path, nil
}

func (l *LocalBackend) OpenShell(_ context.Context, target Target, cols, rows uint16) (*ExecStream, error) {
	shell, err := resolveShell(target.Container)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	// Reap the child whenever it exits; Close only has to kill.
	go cmd.Wait()

	return &ExecStream{
		Stdin:  ptmx,
		Stdout: ptmx,
		Resize: func(cols, rows uint16) error {
			return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
		},
		Close: func() error {
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			return ptmx.Close()
		},
	}, nil
}
