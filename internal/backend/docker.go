package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/polydash/termgate/internal/config"
)

const labelManagedBy = "termgate"

// cloudShellPrefix names provisioned containers so stale ones are
// recognizable and safe to remove.
const cloudShellPrefix = "termgate-cs-"

type DockerBackend struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerBackend) Initialize(ctx context.Context) error {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err = d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	d.available = true
	return nil
}

func (d *DockerBackend) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerBackend) BackendName() string {
	return "docker"
}

func (d *DockerBackend) Handles(target Target) bool {
	if target.Namespace == NamespaceCloudShell {
		return !config.Cfg.CloudShellDisabled
	}
	return target.Namespace == NamespaceDocker
}

func (d *DockerBackend) OpenShell(ctx context.Context, target Target, cols, rows uint16) (*ExecStream, error) {
	if target.Namespace == NamespaceCloudShell {
		return d.openCloudShell(ctx, target, cols, rows)
	}
	return d.execAttach(ctx, target, cols, rows)
}

// execAttach opens a shell in a running container. The target's pod
// segment is the container name, the container segment the shell binary.
func (d *DockerBackend) execAttach(ctx context.Context, target Target, cols, rows uint16) (*ExecStream, error) {
	inspect, err := d.client.ContainerInspect(ctx, target.Pod)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: container %s", ErrTargetNotFound, target.Pod)
		}
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	if !inspect.State.Running {
		return nil, fmt.Errorf("container %s is %s, not running", target.Pod, inspect.State.Status)
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{target.Container},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	}

	execID, err := d.client.ContainerExecCreate(ctx, target.Pod, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &ExecStream{
		Stdin:  resp.Conn,
		Stdout: resp.Conn,
		Resize: func(cols, rows uint16) error {
			return d.client.ContainerExecResize(ctx, execID.ID, container.ResizeOptions{
				Width:  uint(cols),
				Height: uint(rows),
			})
		},
		Close: func() error {
			resp.Close()
			return nil
		},
	}, nil
}

// openCloudShell provisions a throwaway container running the configured
// shell image and attaches to its main process, so the container's
// lifetime is the shell's lifetime.
func (d *DockerBackend) openCloudShell(ctx context.Context, target Target, cols, rows uint16) (*ExecStream, error) {
	if config.Cfg.CloudShellDisabled {
		return nil, fmt.Errorf("cloud shells are disabled")
	}

	name := cloudShellPrefix + target.Pod

	if err := d.ensureImage(ctx, config.Cfg.CloudShellImage); err != nil {
		return nil, err
	}

	memLimit, err := units.RAMInBytes(config.Cfg.CloudShellMemory)
	if err != nil {
		return nil, fmt.Errorf("parse cloud shell memory %q: %w", config.Cfg.CloudShellMemory, err)
	}

	// A stale container with this name belongs to a dead session.
	if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("[backend] remove stale cloud shell %s: %v", name, err)
	}

	shell := target.Container
	if shell == "" || shell == "default" {
		shell = config.Cfg.CloudShellCommand
	}

	containerCfg := &container.Config{
		Image:     config.Cfg.CloudShellImage,
		Cmd:       []string{shell},
		Tty:       true,
		OpenStdin: true,
		Hostname:  target.Pod,
		Labels: map[string]string{
			"managed-by":       labelManagedBy,
			"termgate-session": target.Pod,
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{Memory: memLimit},
	}

	created, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create cloud shell: %w", err)
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start cloud shell: %w", err)
	}

	resp, err := d.client.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("attach cloud shell: %w", err)
	}

	if err := d.client.ContainerResize(ctx, created.ID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	}); err != nil {
		log.Printf("[backend] initial resize for %s: %v", name, err)
	}

	log.Printf("[backend] cloud shell %s started (image %s, mem %s)",
		name, config.Cfg.CloudShellImage, config.Cfg.CloudShellMemory)

	return &ExecStream{
		Stdin:  resp.Conn,
		Stdout: resp.Conn,
		Resize: func(cols, rows uint16) error {
			return d.client.ContainerResize(ctx, created.ID, container.ResizeOptions{
				Width:  uint(cols),
				Height: uint(rows),
			})
		},
		Close: func() error {
			resp.Close()
			// Removal uses a fresh context: the session context is
			// usually already cancelled by the time we get here.
			return d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		},
	}, nil
}

func (d *DockerBackend) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("[backend] pulling image %s", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

// IsCloudShellContainer reports whether a container name was provisioned
// by this backend. The maintenance sweep uses it to garbage-collect
// shells whose sessions died without a clean close.
func IsCloudShellContainer(name string) bool {
	return strings.HasPrefix(strings.TrimPrefix(name, "/"), cloudShellPrefix)
}
