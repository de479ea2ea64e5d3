package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// restClient performs the gateway's JSON management calls.
type restClient struct {
	base  string
	token string
	hc    *http.Client
}

func newRESTClient(cc *clientConfig) *restClient {
	return &restClient{
		base:  cc.gatewayURL,
		token: cc.apiToken,
		hc:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *restClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var parsed struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
			return fmt.Errorf("gateway: %s (status %d)", parsed.Detail, resp.StatusCode)
		}
		return fmt.Errorf("gateway: %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

type gatewaySession struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Pod       string `json:"pod"`
	Container string `json:"container"`
	Backend   string `json:"backend"`
	State     string `json:"state"`
	Attached  bool   `json:"attached"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	CreatedAt string `json:"created_at"`
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List terminal sessions on the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := resolveClient()
			if err != nil {
				return err
			}
			var parsed struct {
				Sessions []gatewaySession `json:"sessions"`
			}
			if err := newRESTClient(cc).do(cmd.Context(), http.MethodGet, "/api/v1/terminal/sessions", &parsed); err != nil {
				return err
			}
			if len(parsed.Sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTARGET\tBACKEND\tSTATE\tATTACHED\tSIZE\tCREATED")
			for _, s := range parsed.Sessions {
				fmt.Fprintf(tw, "%s\t%s/%s/%s\t%s\t%s\t%v\t%dx%d\t%s\n",
					s.ID, s.Namespace, s.Pod, s.Container,
					s.Backend, s.State, s.Attached, s.Cols, s.Rows, s.CreatedAt)
			}
			return tw.Flush()
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a terminal session on the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := resolveClient()
			if err != nil {
				return err
			}
			path := "/api/v1/terminal/sessions/" + url.PathEscape(args[0])
			if err := newRESTClient(cc).do(cmd.Context(), http.MethodDelete, path, nil); err != nil {
				return err
			}
			fmt.Printf("Session %s closed.\n", args[0])
			return nil
		},
	}
}
