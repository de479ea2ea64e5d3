package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/polydash/termgate/internal/negotiate"
	"github.com/polydash/termgate/internal/termclient"
)

// registry dedups sessions per target for the lifetime of the process, the
// same shape an embedding UI would hold.
var registry = termclient.NewRegistry()

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <namespace> <pod> <container>",
		Short: "Attach an interactive terminal to a container",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := resolveClient()
			if err != nil {
				return err
			}
			identity := negotiate.Identity{Namespace: args[0], Pod: args[1], Container: args[2]}
			return runAttach(cmd.Context(), cc, identity)
		},
	}
}

func runAttach(ctx context.Context, cc *clientConfig, identity negotiate.Identity) error {
	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return errors.New("stdin is not a terminal")
	}

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	sess, _, err := registry.GetOrCreate(termclient.Config{
		Identity:   identity,
		SessionURL: cc.sessionURLTemplate(),
		Options:    cc.clientOptions(),
		Flow:       cc.flowConfig(),
		Dialer:     cc.dialer(),
		Negotiator: negotiate.NewNegotiator(nil, cc.authHeader()),
		Events: termclient.Events{
			OnStateChange: func(from, to termclient.State, reason string) {
				if to == termclient.StateReconnecting {
					fmt.Fprint(os.Stderr, "\r\ntgsh: connection lost, reconnecting...\r\n")
				}
				if to.Terminal() {
					finish()
				}
			},
			OnTitle: func(title string) {
				// OSC 0 sets the surrounding emulator's window title.
				fmt.Printf("\x1b]0;%s\x07", title)
			},
			OnWarning: func(err error) {
				fmt.Fprintf(os.Stderr, "\r\ntgsh: %v\r\n", err)
			},
		},
	})
	if err != nil {
		return err
	}
	defer registry.Release(identity)

	widget := newTTYWidget()
	termclient.NewEmulatorAdapter(sess, widget)

	prev, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(stdinFd, prev)

	if err := sess.Open(ctx); err != nil {
		return err
	}
	widget.start()
	defer widget.close()

	select {
	case <-done:
	case <-ctx.Done():
	}

	term.Restore(stdinFd, prev)
	if err := sess.Err(); err != nil {
		return fmt.Errorf("session failed: %w", err)
	}
	fmt.Println("Connection closed.")
	return nil
}

// ttyWidget exposes the process's own terminal through the Widget interface:
// stdout renders output, stdin supplies keystrokes, SIGWINCH drives resize.
type ttyWidget struct {
	mu       sync.Mutex
	onData   func([]byte)
	onResize func(cols, rows uint16)

	stop     chan struct{}
	stopOnce sync.Once
}

func newTTYWidget() *ttyWidget {
	return &ttyWidget{stop: make(chan struct{})}
}

func (w *ttyWidget) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (w *ttyWidget) OnData(fn func([]byte)) {
	w.mu.Lock()
	w.onData = fn
	w.mu.Unlock()
}

func (w *ttyWidget) OnResize(fn func(cols, rows uint16)) {
	w.mu.Lock()
	w.onResize = fn
	w.mu.Unlock()
}

// start spawns the stdin reader and the SIGWINCH watcher, then reports the
// initial geometry so the remote pty matches this terminal from the start.
func (w *ttyWidget) start() {
	go w.readLoop()
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go w.watchWinch(winch)
	w.fireResize()
}

func (w *ttyWidget) close() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *ttyWidget) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			w.mu.Lock()
			fn := w.onData
			w.mu.Unlock()
			if fn != nil {
				fn(append([]byte(nil), buf[:n]...))
			}
		}
		if err != nil {
			return
		}
		select {
		case <-w.stop:
			return
		default:
		}
	}
}

func (w *ttyWidget) watchWinch(winch chan os.Signal) {
	defer signal.Stop(winch)
	for {
		select {
		case <-winch:
			w.fireResize()
		case <-w.stop:
			return
		}
	}
}

func (w *ttyWidget) fireResize() {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	w.mu.Lock()
	fn := w.onResize
	w.mu.Unlock()
	if fn != nil {
		fn(uint16(cols), uint16(rows))
	}
}
