package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polydash/termgate/internal/config"
	"github.com/polydash/termgate/internal/flow"
	"github.com/polydash/termgate/internal/negotiate"
	"github.com/polydash/termgate/internal/termclient"
	"github.com/polydash/termgate/internal/transport"
)

var (
	profileFlag   string
	gatewayFlag   string
	tokenFlag     string
	transportFlag string
)

func main() {
	root := &cobra.Command{
		Use:   "tgsh",
		Short: "Terminal gateway shell client",
		Long: "tgsh attaches interactive terminals to containers through a termgate\n" +
			"gateway. Gateway address and API token come from the profile file\n" +
			"(~/.config/tgsh/config.yaml) or from flags.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "Profile path (default ~/.config/tgsh/config.yaml)")
	root.PersistentFlags().StringVar(&gatewayFlag, "gateway", "", "Gateway base URL, e.g. https://termgate.example.com")
	root.PersistentFlags().StringVar(&tokenFlag, "token", "", "API token (overrides profile and TERMGATE_API_TOKEN)")
	root.PersistentFlags().StringVar(&transportFlag, "transport", "", "Transport framing: websocket or sockjs")

	root.AddCommand(attachCmd(), sessionsCmd(), closeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// clientConfig is the merged profile/env/flag view a command runs with.
type clientConfig struct {
	gatewayURL string
	apiToken   string
	transport  string
	profile    config.Profile
}

// resolveClient merges the profile file with command-line overrides. A
// missing default profile is fine as long as --gateway is given; an explicit
// --profile that cannot be read is an error.
func resolveClient() (*clientConfig, error) {
	cc := &clientConfig{}
	path := profileFlag
	if path == "" {
		path = config.DefaultProfilePath()
	}
	if path != "" {
		prof, err := config.LoadProfile(path)
		switch {
		case err == nil:
			cc.profile = *prof
		case profileFlag == "" && errors.Is(err, os.ErrNotExist):
			// No profile on disk; flags carry the configuration.
		default:
			return nil, err
		}
	}

	cc.gatewayURL = strings.TrimRight(firstNonEmpty(gatewayFlag, cc.profile.Gateway.URL), "/")
	if cc.gatewayURL == "" {
		return nil, errors.New("no gateway configured: set gateway.url in the profile or pass --gateway")
	}
	cc.apiToken = firstNonEmpty(tokenFlag, os.Getenv("TERMGATE_API_TOKEN"), cc.profile.Gateway.APIToken)
	cc.transport = firstNonEmpty(transportFlag, cc.profile.Gateway.Transport, "websocket")
	switch cc.transport {
	case "websocket", "sockjs":
	default:
		return nil, fmt.Errorf("unknown transport %q (want websocket or sockjs)", cc.transport)
	}
	return cc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (cc *clientConfig) sessionURLTemplate() string {
	return cc.gatewayURL + "/api/v1/terminal/session/" +
		negotiate.PlaceholderNamespace + "/" +
		negotiate.PlaceholderPod + "/" +
		negotiate.PlaceholderContainer
}

func (cc *clientConfig) authHeader() http.Header {
	if cc.apiToken == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + cc.apiToken}}
}

func (cc *clientConfig) dialer() transport.Dialer {
	if cc.transport == "sockjs" {
		return &transport.SockJSDialer{}
	}
	return &transport.WebSocketDialer{}
}

func (cc *clientConfig) clientOptions() termclient.ClientOptions {
	t := cc.profile.Terminal
	opts := termclient.ClientOptions{
		RendererType:   t.Renderer,
		EnableZmodem:   t.EnableZmodem,
		EnableTrzsz:    t.EnableTrzsz,
		EnableSixel:    t.EnableSixel,
		UnicodeVersion: t.UnicodeVersion,
	}
	if t.DragInitTimeout != "" {
		if d, err := time.ParseDuration(t.DragInitTimeout); err == nil {
			opts.TrzszDragInitTimeout = d
		}
	}
	return opts
}

func (cc *clientConfig) flowConfig() flow.Config {
	s := cc.profile.Session
	return flow.Config{
		Limit:         s.BufferLimitBytes,
		HighWaterMark: s.HighWaterMark,
		LowWaterMark:  s.LowWaterMark,
	}
}
