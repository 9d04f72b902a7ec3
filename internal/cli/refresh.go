package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"glance/internal/cron"
	"glance/internal/widget"
)

// NewRefreshCmd creates the refresh command group. Its subcommands talk to
// a running server so that requests reach WebSocket subscribers.
func NewRefreshCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Inspect and raise agent refresh requests",
		Long: `Inspect and raise agent refresh requests on a running Glance server.

Sources are "global", "widget:<slug>" for manual requests and
"schedule:<slug>" for scheduled ones.`,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "url", "", "server URL (default: from gateway config)")

	resolve := func(cmd *cobra.Command) string {
		if serverURL != "" {
			return strings.TrimRight(serverURL, "/")
		}
		if cliCtx := GetCLIContext(cmd); cliCtx != nil {
			return fmt.Sprintf("http://%s:%d", cliCtx.Config.Gateway.Host, cliCtx.Config.Gateway.Port)
		}
		return "http://127.0.0.1:8080"
	}

	cmd.AddCommand(newRefreshListCmd(resolve))
	cmd.AddCommand(newRefreshRequestCmd(resolve))
	cmd.AddCommand(newRefreshStatusCmd(resolve))
	cmd.AddCommand(newRefreshClearCmd(resolve))
	cmd.AddCommand(newRefreshSchedulesCmd(resolve))
	cmd.AddCommand(newRefreshRunCmd(resolve))

	return cmd
}

type urlResolver func(cmd *cobra.Command) string

type pendingListResponse struct {
	Pending []widget.PendingRefresh `json:"pending"`
}

type pendingStatusResponse struct {
	Source  string                 `json:"source"`
	Pending bool                   `json:"pending"`
	Request *widget.PendingRefresh `json:"request"`
}

type scheduleListResponse struct {
	Jobs []cron.Job `json:"schedules"`
}

// refreshClient is a small JSON client for the refresh and schedule
// endpoints.
type refreshClient struct {
	base   string
	client *http.Client
}

func newRefreshClient(base string) *refreshClient {
	return &refreshClient{base: base, client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *refreshClient) do(method, path string, body any, out any, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the server running? Start it with: glance serve", err)
	}
	defer resp.Body.Close()

	accepted := false
	for _, s := range okStatus {
		if resp.StatusCode == s {
			accepted = true
			break
		}
	}
	if !accepted {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func newRefreshListCmd(resolve urlResolver) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending refresh requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp pendingListResponse
			if err := newRefreshClient(resolve(cmd)).do(http.MethodGet, "/api/v1/refresh", nil, &resp, http.StatusOK); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp.Pending)
			}
			if len(resp.Pending) == 0 {
				fmt.Fprintln(out, "No pending refresh requests.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tREQUESTED")
			fmt.Fprintln(w, "------\t---------")
			for _, p := range resp.Pending {
				fmt.Fprintf(w, "%s\t%s\n", p.Source, p.RequestedAt.Local().Format("01-02 15:04:05"))
			}
			w.Flush()

			fmt.Fprintf(out, "\nTotal: %d requests\n", len(resp.Pending))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newRefreshRequestCmd(resolve urlResolver) *cobra.Command {
	var (
		widgetSlug string
		source     string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Raise a refresh request",
		Example: `  # Ask the agent to refresh everything
  glance refresh request

  # Ask for one widget
  glance refresh request --widget inbox`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if widgetSlug != "" {
				body["widget"] = widgetSlug
			}
			if source != "" {
				body["source"] = source
			}

			var pending widget.PendingRefresh
			if err := newRefreshClient(resolve(cmd)).do(http.MethodPost, "/api/v1/refresh", body, &pending, http.StatusAccepted); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Refresh requested for %s\n", pending.Source)
			return nil
		},
	}

	cmd.Flags().StringVarP(&widgetSlug, "widget", "w", "", "widget slug")
	cmd.Flags().StringVar(&source, "source", "", "explicit source (overrides --widget)")

	return cmd
}

func newRefreshStatusCmd(resolve urlResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "status [source]",
		Short: "Show whether a refresh is pending for a source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "global"
			if len(args) == 1 {
				source = args[0]
			}

			var resp pendingStatusResponse
			path := "/api/v1/refresh/" + url.PathEscape(source)
			if err := newRefreshClient(resolve(cmd)).do(http.MethodGet, path, nil, &resp, http.StatusOK); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !resp.Pending || resp.Request == nil {
				fmt.Fprintf(out, "No refresh pending for %s\n", resp.Source)
				return nil
			}
			fmt.Fprintf(out, "Refresh pending for %s since %s\n",
				resp.Source, resp.Request.RequestedAt.Local().Format(time.RFC3339))
			return nil
		},
	}
}

func newRefreshClearCmd(resolve urlResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [source]",
		Short: "Clear a pending refresh request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "global"
			if len(args) == 1 {
				source = args[0]
			}

			path := "/api/v1/refresh/" + url.PathEscape(source)
			if err := newRefreshClient(resolve(cmd)).do(http.MethodDelete, path, nil, nil, http.StatusNoContent, http.StatusOK); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared refresh request for %s\n", source)
			return nil
		},
	}
}

func newRefreshSchedulesCmd(resolve urlResolver) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List agent refresh schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp scheduleListResponse
			if err := newRefreshClient(resolve(cmd)).do(http.MethodGet, "/api/v1/schedules", nil, &resp, http.StatusOK); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp.Jobs)
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(out, "No refresh schedules.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WIDGET\tSCHEDULE\tLAST RUN\tNEXT RUN")
			fmt.Fprintln(w, "------\t--------\t--------\t--------")
			for _, j := range resp.Jobs {
				lastRun := "-"
				if j.LastRun != nil {
					lastRun = j.LastRun.Local().Format("01-02 15:04")
				}
				nextRun := "-"
				if j.NextRun != nil {
					nextRun = j.NextRun.Local().Format("01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Slug, j.Schedule, lastRun, nextRun)
			}
			w.Flush()

			fmt.Fprintf(out, "\nTotal: %d schedules\n", len(resp.Jobs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newRefreshRunCmd(resolve urlResolver) *cobra.Command {
	return &cobra.Command{
		Use:   "run <widget>",
		Short: "Raise a widget's scheduled refresh now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pending widget.PendingRefresh
			path := "/api/v1/schedules/" + url.PathEscape(args[0]) + "/run"
			if err := newRefreshClient(resolve(cmd)).do(http.MethodPost, path, nil, &pending, http.StatusAccepted); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Refresh requested for %s\n", pending.Source)
			return nil
		},
	}
}
