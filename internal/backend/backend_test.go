package backend

import (
	"testing"

	"github.com/polydash/termgate/internal/config"
)

func TestBackendInterfaceCompliance(t *testing.T) {
	var _ ExecBackend = (*KubernetesBackend)(nil)
	var _ ExecBackend = (*DockerBackend)(nil)
	var _ ExecBackend = (*LocalBackend)(nil)
}

func TestTargetString(t *testing.T) {
	target := Target{Namespace: "prod", Pod: "web-7f9c", Container: "app"}
	if got := target.String(); got != "prod/web-7f9c/app" {
		t.Errorf("String() = %q", got)
	}
}

func TestHandlesRouting(t *testing.T) {
	prev := config.Cfg.CloudShellDisabled
	config.Cfg.CloudShellDisabled = false
	t.Cleanup(func() { config.Cfg.CloudShellDisabled = prev })

	k8s := &KubernetesBackend{}
	docker := &DockerBackend{}
	local := &LocalBackend{}

	tests := []struct {
		namespace string
		k8s       bool
		docker    bool
		local     bool
	}{
		{"prod", true, false, false},
		{"kube-system", true, false, false},
		{"docker", false, true, false},
		{"cloudshell", false, true, false},
		{"local", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.namespace, func(t *testing.T) {
			target := Target{Namespace: tt.namespace, Pod: "p", Container: "c"}
			if got := k8s.Handles(target); got != tt.k8s {
				t.Errorf("kubernetes Handles = %v, want %v", got, tt.k8s)
			}
			if got := docker.Handles(target); got != tt.docker {
				t.Errorf("docker Handles = %v, want %v", got, tt.docker)
			}
			if got := local.Handles(target); got != tt.local {
				t.Errorf("local Handles = %v, want %v", got, tt.local)
			}
		})
	}
}

func TestCloudShellDisabledDropsNamespace(t *testing.T) {
	prev := config.Cfg.CloudShellDisabled
	config.Cfg.CloudShellDisabled = true
	t.Cleanup(func() { config.Cfg.CloudShellDisabled = prev })

	docker := &DockerBackend{}
	target := Target{Namespace: NamespaceCloudShell, Pod: "scratch", Container: "bash"}
	if docker.Handles(target) {
		t.Error("cloudshell namespace should be rejected when disabled")
	}
	// Plain docker targets are unaffected.
	if !docker.Handles(Target{Namespace: NamespaceDocker, Pod: "db", Container: "sh"}) {
		t.Error("docker namespace should still be handled")
	}
}

func TestIsCloudShellContainer(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"termgate-cs-scratch", true},
		{"/termgate-cs-scratch", true},
		{"termgate-other", false},
		{"postgres", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsCloudShellContainer(tt.name); got != tt.want {
			t.Errorf("IsCloudShellContainer(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResolveShell(t *testing.T) {
	prev := config.Cfg.LocalShell
	config.Cfg.LocalShell = "/bin/sh"
	t.Cleanup(func() { config.Cfg.LocalShell = prev })

	if got, err := resolveShell("default"); err != nil || got != "/bin/sh" {
		t.Errorf("resolveShell(default) = %q, %v", got, err)
	}
	if got, err := resolveShell(""); err != nil || got != "/bin/sh" {
		t.Errorf("resolveShell(empty) = %q, %v", got, err)
	}
	if got, err := resolveShell("sh"); err != nil || got != "/bin/sh" {
		t.Errorf("resolveShell(sh) = %q, %v", got, err)
	}
	for _, name := range []string{"python3", "rm", "../bin/sh", "nc"} {
		if _, err := resolveShell(name); err == nil {
			t.Errorf("resolveShell(%q) should be rejected", name)
		}
	}
}
