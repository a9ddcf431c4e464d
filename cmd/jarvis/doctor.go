package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"jarvis/internal/config"
	"jarvis/internal/provider"
	"jarvis/internal/schema"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// checkReport counts doctor results and prints each line.
type checkReport struct {
	passed, warned, failed int
}

func (r *checkReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *checkReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *checkReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Jarvis installation",
		Long: `Verifies that the configuration, schema directory, history database,
device backend and fallback provider are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("Jarvis Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r checkReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'jarvis init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			checkSchemas(&r, cfg)

			if cfg.Memory.Enabled {
				if err := checkDatabase(ctx, cfg.Memory.DBPath); err != nil {
					r.fail("History database", err.Error())
				} else {
					r.pass("History database", cfg.Memory.DBPath)
				}
			} else {
				r.warn("History database", "disabled (memory.enabled=false)")
			}

			if cfg.Devices.Backend == "redis" {
				if err := checkRedis(ctx, cfg.Devices.RedisURL); err != nil {
					r.fail("Device store", err.Error())
				} else {
					r.pass("Device store", "redis reachable")
				}
			} else {
				r.pass("Device store", "in-memory")
			}

			checkFallback(ctx, &r, cfg, probe)

			if cfg.Channels.API.Enabled {
				addr := net.JoinHostPort(cfg.Channels.API.Host, strconv.Itoa(cfg.Channels.API.Port))
				if err := checkPort(addr); err != nil {
					r.warn("API port", fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					r.pass("API port", addr+" available")
				}
				if cfg.Channels.API.APIKey == "" {
					r.warn("API auth", "no apiKey set, /api/* is unauthenticated")
				}
			}

			if cfg.Channels.Telegram.Enabled {
				if cfg.Channels.Telegram.Token == "" {
					r.fail("Telegram", "enabled but no token configured")
				} else {
					r.pass("Telegram", "token configured")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running Jarvis.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nJarvis should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Jarvis is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "send a test request to the fallback provider")
	return cmd
}

func checkSchemas(r *checkReport, cfg *config.Config) {
	if _, err := os.Stat(cfg.Schemas.Dir); err != nil {
		r.fail("Schemas", fmt.Sprintf("directory missing: %s (run 'jarvis init')", cfg.Schemas.Dir))
		return
	}
	reg := schema.NewRegistry(cfg.Schemas.Dir, schema.Strategy(cfg.Schemas.MatchStrategy), logger)
	n, err := reg.Load(cfg.Schemas.Dir)
	switch {
	case err != nil:
		r.fail("Schemas", err.Error())
	case n == 0:
		r.warn("Schemas", "no schemas found, every request goes to the fallback")
	default:
		r.pass("Schemas", fmt.Sprintf("%d loaded from %s", n, cfg.Schemas.Dir))
	}
	for _, w := range reg.Warnings() {
		r.warn("Schema warning", w)
	}
}

func checkFallback(ctx context.Context, r *checkReport, cfg *config.Config, probe bool) {
	p, err := provider.NewFactory(cfg, logger).Fallback()
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			r.warn("Fallback provider", err.Error())
		} else {
			r.fail("Fallback provider", err.Error())
		}
		return
	}
	if !probe {
		r.pass("Fallback provider", p.Name()+" configured")
		return
	}
	if err := p.Healthy(ctx); err != nil {
		r.fail("Fallback provider", fmt.Sprintf("%s unhealthy: %v", p.Name(), err))
		return
	}
	r.pass("Fallback provider", p.Name()+" healthy")
}

func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkRedis(ctx context.Context, redisURL string) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("invalid redisUrl: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping %s: %w", opts.Addr, err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
