package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"jarvis/internal/bus"
	"jarvis/internal/channel"
	"jarvis/internal/domain"

	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			messageBus := bus.New(100, logger)
			defer messageBus.Close()

			dispatcher := channel.NewDispatcher(channel.DispatcherConfig{
				Bus:         messageBus,
				Router:      a.router,
				Metrics:     a.metrics,
				Events:      a.events,
				Logger:      logger,
				Concurrency: 1,
			})
			go dispatcher.Run(ctx)

			cli := channel.NewCLI(channel.CLIConfig{
				Logger:      logger,
				HistoryFile: cfg.Channels.CLI.HistoryFile,
				UserID:      userID,
			})
			return cli.Start(ctx, messageBus)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id recorded with each request")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		userID  string
		asJSON  bool
		actions []string
	)
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Route a single request and print the response",
		Long: `Routes one request through the schema registry and prints the reply.
Use --param action=<skill> to address a skill directly, e.g.
  jarvis ask --param action=device_control turn off the kitchen light`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			input, err := buildAskInput(strings.Join(args, " "), actions)
			if err != nil {
				return err
			}
			resp := a.router.Handle(ctx, input, userID)
			if asJSON {
				return printJSON(cmd, resp)
			}
			printResponse(cmd, resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "cli-user", "user id recorded with the request")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	cmd.Flags().StringArrayVarP(&actions, "param", "p", nil, "request field as key=value (repeatable, 'action' selects the skill)")
	return cmd
}

// buildAskInput turns the message and key=value params into the request
// shape the router accepts: a bare string, or an object when params are set.
func buildAskInput(message string, params []string) (any, error) {
	if len(params) == 0 {
		if strings.TrimSpace(message) == "" {
			return nil, fmt.Errorf("message or --param required")
		}
		return message, nil
	}
	obj := make(map[string]any, len(params)+1)
	if message != "" {
		obj["message"] = message
	}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", p)
		}
		obj[k] = v
	}
	return obj, nil
}

func printResponse(cmd *cobra.Command, resp *domain.Response) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Text)
	switch {
	case resp.SkillUsed != "":
		fmt.Fprintf(out, "  [skill: %s, success: %t]\n", resp.SkillUsed, resp.Success)
	case resp.Source != "":
		fmt.Fprintf(out, "  [source: %s, success: %t]\n", resp.Source, resp.Success)
	}
}
