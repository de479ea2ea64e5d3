package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/polydash/termgate/internal/config"
)

func useLocalShell(t *testing.T) *LocalBackend {
	t.Helper()
	prev := config.Cfg.LocalShell
	config.Cfg.LocalShell = "/bin/sh"
	t.Cleanup(func() { config.Cfg.LocalShell = prev })

	l := &LocalBackend{}
	if err := l.Initialize(context.Background()); err != nil {
		t.Skipf("no local shell: %v", err)
	}
	return l
}

func TestLocalOpenShellRunsCommands(t *testing.T) {
	l := useLocalShell(t)

	stream, err := l.OpenShell(context.Background(), Target{
		Namespace: NamespaceLocal, Pod: "dev", Container: "sh",
	}, 80, 24)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer stream.Close()

	// The echoed input contains the literal arithmetic; only the
	// evaluated result proves the shell is live.
	if _, err := stream.Stdin.Write([]byte("echo up-$((40+2))\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	got := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := stream.Stdout.Read(buf)
			if n > 0 {
				sb.Write(buf[:n])
				if strings.Contains(sb.String(), "up-42") {
					got <- sb.String()
					return
				}
			}
			if err != nil {
				got <- sb.String()
				return
			}
		}
	}()

	select {
	case out := <-got:
		if !strings.Contains(out, "up-42") {
			t.Errorf("shell output missing result: %q", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shell output")
	}

	if err := stream.Resize(120, 40); err != nil {
		t.Errorf("Resize: %v", err)
	}
}

func TestLocalOpenShellRejectsUnlistedShell(t *testing.T) {
	l := useLocalShell(t)

	_, err := l.OpenShell(context.Background(), Target{
		Namespace: NamespaceLocal, Pod: "dev", Container: "python3",
	}, 80, 24)
	if err == nil {
		t.Fatal("expected allowlist rejection")
	}
	if !strings.Contains(err.Error(), "allowlist") {
		t.Errorf("error = %v, want allowlist mention", err)
	}
}

func TestLocalInitializeFailsOnMissingShell(t *testing.T) {
	prev := config.Cfg.LocalShell
	config.Cfg.LocalShell = "/nonexistent/shell"
	t.Cleanup(func() { config.Cfg.LocalShell = prev })

	l := &LocalBackend{}
	if err := l.Initialize(context.Background()); err == nil {
		t.Fatal("expected error for missing shell")
	}
	if l.IsAvailable(context.Background()) {
		t.Error("backend should not report available")
	}
}
