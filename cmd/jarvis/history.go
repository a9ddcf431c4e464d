package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"jarvis/internal/memory"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse recorded interactions and leave feedback",
	}
	cmd.AddCommand(historyListCmd())
	cmd.AddCommand(historyStatsCmd())
	cmd.AddCommand(historyPatternsCmd())
	cmd.AddCommand(historyRateCmd())
	return cmd
}

// openHistory opens the interaction database named in the config.
func openHistory() (*memory.SQLiteStore, func(), error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.Memory.Enabled {
		closeLog()
		return nil, nil, fmt.Errorf("interaction history is disabled (memory.enabled)")
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		closeLog()
	}, nil
}

func historyListCmd() *cobra.Command {
	var (
		userID string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent interactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openHistory()
			if err != nil {
				return err
			}
			defer done()

			items, err := store.List(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tUSER\tSOURCE\tOK\tRATING\tMESSAGE")
			for _, it := range items {
				source := it.Source
				if it.SkillUsed != "" {
					source += ":" + it.SkillUsed
				}
				rating := "-"
				if it.Rating > 0 {
					rating = strconv.Itoa(it.Rating)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					it.ID, it.CreatedAt.Local().Format("01-02 15:04"), it.UserID, source, it.Success, rating, truncate(it.Message, 48))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "only this user")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of interactions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func historyStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded interactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openHistory()
			if err != nil {
				return err
			}
			defer done()

			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func historyPatternsCmd() *cobra.Command {
	var (
		userID string
		days   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Show when a user is active and what they ask for",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			store, done, err := openHistory()
			if err != nil {
				return err
			}
			defer done()

			p, err := store.Patterns(cmd.Context(), userID, time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, p)
			}
			printPatterns(cmd.OutOrStdout(), p, days)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "only this user")
	cmd.Flags().IntVarP(&days, "days", "d", 30, "look back this many days")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printPatterns(w io.Writer, p memory.Patterns, days int) {
	who := p.UserID
	if who == "" {
		who = "all users"
	}
	fmt.Fprintf(w, "Activity for %s, last %d days: %d interactions\n", who, days, p.Total)
	if p.Total == 0 {
		return
	}
	fmt.Fprintf(w, "Peak hour:   %02d:00 UTC\n", p.PeakHour)
	fmt.Fprintf(w, "Peak day:    %s\n", p.PeakDay)
	fmt.Fprintf(w, "Most active: %s\n", p.MostActivePeriod)

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	section := func(title string, counts []memory.Count) {
		if len(counts) == 0 {
			return
		}
		fmt.Fprintf(tw, "\n%s\tCOUNT\n", title)
		for _, c := range counts {
			fmt.Fprintf(tw, "%s\t%d\n", c.Name, c.Count)
		}
	}
	section("SKILL", p.TopSkills)
	section("COMMAND", p.TopCommands)
	tw.Flush()
}

func historyRateCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "rate [id] [1-5]",
		Short: "Rate an interaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := strconv.Atoi(args[1])
			if err != nil || rating < 1 || rating > 5 {
				return fmt.Errorf("rating must be an integer between 1 and 5")
			}
			store, done, err := openHistory()
			if err != nil {
				return err
			}
			defer done()

			if err := store.SetFeedback(cmd.Context(), args[0], rating, comment); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Feedback saved.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "optional comment")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
