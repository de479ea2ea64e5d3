package backend

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/polydash/termgate/internal/config"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"
)

// shellProbe prefers bash and falls back to sh. Images without bash are
// common enough that hardcoding it would strand half the fleet.
var shellProbe = []string{"/bin/sh", "-c", "command -v bash >/dev/null 2>&1 && exec bash || exec sh"}

type KubernetesBackend struct {
	clientset  *kubernetes.Clientset
	restConfig *rest.Config
	available  bool
	inCluster  bool
}

func (k *KubernetesBackend) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := config.Cfg.KubeConfig
		if kubeconfig == "" {
			kubeconfig = clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		}
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	k.restConfig = cfg
	k.clientset, err = kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}

	if _, err := k.clientset.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("k8s version check: %w", err)
	}

	k.available = true
	return nil
}

func (k *KubernetesBackend) IsAvailable(_ context.Context) bool {
	return k.available
}

func (k *KubernetesBackend) BackendName() string {
	return "kubernetes"
}

func (k *KubernetesBackend) Handles(target Target) bool {
	switch target.Namespace {
	case NamespaceDocker, NamespaceCloudShell, NamespaceLocal:
		return false
	}
	return true
}

// termSizeQueue implements remotecommand.TerminalSizeQueue via a channel.
type termSizeQueue struct {
	ch chan remotecommand.TerminalSize
}

func (q *termSizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return &size
}

func (k *KubernetesBackend) OpenShell(ctx context.Context, target Target, cols, rows uint16) (*ExecStream, error) {
	pod, err := k.clientset.CoreV1().Pods(target.Namespace).Get(ctx, target.Pod, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: pod %s/%s", ErrTargetNotFound, target.Namespace, target.Pod)
		}
		return nil, fmt.Errorf("get pod: %w", err)
	}

	found := false
	for _, c := range pod.Spec.Containers {
		if c.Name == target.Container {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: container %q in pod %s/%s", ErrTargetNotFound, target.Container, target.Namespace, target.Pod)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return nil, fmt.Errorf("pod %s/%s is %s, not running", target.Namespace, target.Pod, pod.Status.Phase)
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(target.Pod).
		Namespace(target.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: target.Container,
			Command:   shellProbe,
			Stdin:     true,
			Stdout:    true,
			Stderr:    false,
			TTY:       true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	sizeCh := make(chan remotecommand.TerminalSize, 1)
	sizeCh <- remotecommand.TerminalSize{Width: cols, Height: rows}

	go func() {
		err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: &termSizeQueue{ch: sizeCh},
		})
		if err != nil {
			log.Printf("[backend] k8s exec stream for %s ended: %v", target, err)
		}
		stdoutW.CloseWithError(err)
	}()

	return &ExecStream{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Resize: func(cols, rows uint16) error {
			// Drain any pending size so the newest one is always delivered.
			select {
			case <-sizeCh:
			default:
			}
			sizeCh <- remotecommand.TerminalSize{Width: cols, Height: rows}
			return nil
		},
		Close: func() error {
			close(sizeCh)
			stdinW.Close()
			stdinR.Close()
			stdoutR.Close()
			return nil
		},
	}, nil
}
