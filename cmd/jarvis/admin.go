package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"jarvis/internal/config"
	"jarvis/internal/orchestrator"

	"github.com/spf13/cobra"
)

// serverFlag holds the --server address of a running 'jarvis serve'.
type serverFlag struct {
	addr   string
	apiKey string
}

func (s *serverFlag) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.addr, "server", "", "address of a running server (default: from config)")
	cmd.Flags().StringVar(&s.apiKey, "api-key", "", "bearer token (default: channels.api.apiKey)")
}

// client returns an API client for the configured or flagged server.
func (s *serverFlag) client(cfg *config.Config) *apiClient {
	base := s.addr
	if base == "" {
		host := cfg.Channels.API.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Channels.API.Port))
	}
	key := s.apiKey
	if key == "" {
		key = cfg.Channels.API.APIKey
	}
	return &apiClient{
		base:   base,
		apiKey: key,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

// do calls the API and decodes a successful JSON body into out (if non-nil).
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func statusCmd() *cobra.Command {
	var (
		server serverFlag
		check  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show breaker states, provider and loaded skills",
		Long: `Asks the running server for its status. With --local the status of a
freshly built router is shown instead (breakers are then all closed).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()
			ctx := cmd.Context()

			var st orchestrator.Status
			local, _ := cmd.Flags().GetBool("local")
			if local {
				a, err := newApp(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer a.Close()
				st = a.router.Status()
				if check && a.responder.Available() {
					if err := a.responder.Healthy(ctx); err != nil {
						logger.Warn("fallback provider unhealthy", "provider", a.responder.ProviderName(), "err", err)
						st.FallbackAvailable = false
					}
				}
			} else if err := server.client(cfg).do(ctx, http.MethodGet, "/api/system/status", &st); err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd, st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	server.register(cmd)
	cmd.Flags().Bool("local", false, "build the router locally instead of asking the server")
	cmd.Flags().BoolVar(&check, "check", false, "with --local, probe the fallback provider")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(w io.Writer, st orchestrator.Status) {
	provider := st.FallbackProvider
	if provider == "" {
		provider = "none"
	}
	fmt.Fprintf(w, "Fallback:  %s (available: %t)\n", provider, st.FallbackAvailable)
	fmt.Fprintf(w, "Skills:    %d loaded, %d executors\n", len(st.SkillsLoaded), len(st.Executors))
	for _, warn := range st.SchemaWarnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	if len(st.Breakers) == 0 {
		fmt.Fprintln(w, "Breakers:  none yet")
		return
	}
	fmt.Fprintln(w, "Breakers:")
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  SKILL\tSTATE\tFAILURES\tCALLS\tREJECTED")
	for _, b := range st.Breakers {
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%d\n", b.Name, b.State, b.Failures, b.TotalCalls, b.Rejections)
	}
	tw.Flush()
}

func breakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Circuit breaker administration on a running server",
	}

	var server serverFlag
	reset := &cobra.Command{
		Use:   "reset [skill]",
		Short: "Reset one breaker, or all of them when no skill is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()

			path := "/api/system/circuit-breaker/reset"
			if len(args) == 1 {
				path += "?skill=" + url.QueryEscape(args[0])
			}
			var out struct {
				Reset string `json:"reset"`
			}
			if err := server.client(cfg).do(cmd.Context(), http.MethodPost, path, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Circuit breaker reset: %s\n", out.Reset)
			return nil
		},
	}
	server.register(reset)
	cmd.AddCommand(reset)
	return cmd
}
