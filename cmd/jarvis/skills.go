package main

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"jarvis/internal/domain"
	"jarvis/internal/schema"

	"github.com/spf13/cobra"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect and manage skill schemas",
	}
	cmd.AddCommand(skillsListCmd())
	cmd.AddCommand(skillsMatchCmd())
	cmd.AddCommand(skillsReloadCmd())
	cmd.AddCommand(skillsInstallCmd())
	cmd.AddCommand(skillsUninstallCmd())
	return cmd
}

// localSchemas loads the schema directory from the config without starting
// anything else.
func localSchemas() (*schema.Registry, func(), error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	reg := schema.NewRegistry(cfg.Schemas.Dir, schema.Strategy(cfg.Schemas.MatchStrategy), logger)
	if _, err := reg.Load(cfg.Schemas.Dir); err != nil {
		closeLog()
		return nil, nil, fmt.Errorf("load schemas from %s: %w", cfg.Schemas.Dir, err)
	}
	return reg, closeLog, nil
}

func skillsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the schemas in the schema directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, done, err := localSchemas()
			if err != nil {
				return err
			}
			defer done()

			schemas := reg.List()
			if asJSON {
				return printJSON(cmd, schemas)
			}
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tACTION\tINTENT\tKEYWORDS\tDESCRIPTION")
			for _, s := range schemas {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, dash(s.Action), dash(s.Intent), len(s.Keywords), s.Description)
			}
			tw.Flush()
			for _, w := range reg.Warnings() {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func skillsMatchCmd() *cobra.Command {
	var action, intent string
	cmd := &cobra.Command{
		Use:   "match [message]",
		Short: "Show which schema a request would be routed to",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, done, err := localSchemas()
			if err != nil {
				return err
			}
			defer done()

			req := domain.Request{
				Message: strings.Join(args, " "),
				Action:  action,
				Intent:  intent,
			}
			res, ok := reg.Explain(req)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no match (fallback)")
				return nil
			}
			if res.Score > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (by %s, %d keyword hits)\n", res.Name, res.By, res.Score)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (by %s)\n", res.Name, res.By)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "explicit action")
	cmd.Flags().StringVar(&intent, "intent", "", "explicit intent")
	return cmd
}

func skillsReloadCmd() *cobra.Command {
	var server serverFlag
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running server to reload its schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()

			var out struct {
				Loaded int `json:"loaded"`
			}
			if err := server.client(cfg).do(cmd.Context(), http.MethodPost, "/api/skills/reload", &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reloaded %d skill schemas.\n", out.Loaded)
			return nil
		},
	}
	server.register(cmd)
	return cmd
}

func skillsInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install [url]",
		Short: "Download a schema document into the schema directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()

			s, err := schema.NewInstaller(cfg.Schemas.Dir, logger).Install(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed schema %q. A running server with schemas.watch picks it up automatically; otherwise run 'jarvis skills reload'.\n", s.Name)
			return nil
		},
	}
}

func skillsUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall [name]",
		Short: "Remove an installed schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()

			if err := schema.NewInstaller(cfg.Schemas.Dir, logger).Uninstall(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed schema %q.\n", args[0])
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
