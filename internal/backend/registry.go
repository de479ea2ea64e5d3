package backend

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/polydash/termgate/internal/config"
)

var (
	mu      sync.RWMutex
	actives []ExecBackend
)

// Init probes the backends allowed by config and keeps the ones that come
// up. With TERMGATE_BACKEND=auto all three are tried; targets are then
// routed by namespace. A pinned value tries only that backend.
func Init(ctx context.Context) error {
	selected := config.Cfg.Backend

	var up []ExecBackend
	try := func(b ExecBackend) {
		if err := b.Initialize(ctx); err != nil {
			log.Printf("[backend] %s unavailable: %v", b.BackendName(), err)
			return
		}
		log.Printf("[backend] %s ready", b.BackendName())
		up = append(up, b)
	}

	if selected == "auto" || selected == "kubernetes" {
		try(&KubernetesBackend{})
	}
	if selected == "auto" || selected == "docker" {
		try(&DockerBackend{})
	}
	if selected == "auto" || selected == "local" {
		try(&LocalBackend{})
	}

	if len(up) == 0 {
		return fmt.Errorf("no exec backend available (tried: %s)", selected)
	}

	mu.Lock()
	actives = up
	mu.Unlock()
	return nil
}

// For picks the backend serving a target's namespace.
func For(target Target) (ExecBackend, error) {
	mu.RLock()
	defer mu.RUnlock()

	for _, b := range actives {
		if b.Handles(target) && b.IsAvailable(context.Background()) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrUnavailable, target)
}

// Names lists the initialized backends, for the health endpoint.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, len(actives))
	for i, b := range actives {
		names[i] = b.BackendName()
	}
	return names
}
