package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"jarvis/internal/domain"

	"github.com/chzyer/readline"
)

const (
	cliName         = "cli"
	cliPrompt       = "You> "
	cliReplyTimeout = 2 * time.Minute
)

// LineReader is the subset of *readline.Instance the CLI uses.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// CLI implements domain.Channel for interactive terminal chat. Input goes
// through readline so arrow keys and history work.
type CLI struct {
	bus         domain.MessageBus
	logger      *slog.Logger
	reader      LineReader
	out         io.Writer
	historyFile string
	userID      string

	mu      sync.Mutex
	replies chan domain.OutboundMessage
}

type CLIConfig struct {
	Logger      *slog.Logger
	HistoryFile string
	UserID      string
	Reader      LineReader // defaults to a readline instance on stdin
	Out         io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserID == "" {
		cfg.UserID = "cli-user"
	}
	return &CLI{
		logger:      cfg.Logger,
		reader:      cfg.Reader,
		out:         cfg.Out,
		historyFile: cfg.HistoryFile,
		userID:      cfg.UserID,
		replies:     make(chan domain.OutboundMessage, 1),
	}
}

func (c *CLI) Name() string { return cliName }

// Start runs the REPL and blocks until the user quits, input ends or ctx
// is cancelled. Each line waits for its reply before the next prompt.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	bus.OnOutbound(cliName, func(msg domain.OutboundMessage) {
		select {
		case c.replies <- msg:
		default:
			c.logger.Warn("dropping unexpected cli reply", "chat_id", msg.ChatID)
		}
	})

	if c.reader == nil {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:            cliPrompt,
			HistoryFile:       c.historyFile,
			InterruptPrompt:   "^C",
			EOFPrompt:         "exit",
			HistorySearchFold: true,
			Stdin:             readline.NewCancelableStdin(os.Stdin),
			Stdout:            c.out,
			Stderr:            os.Stderr,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize readline: %w", err)
		}
		c.reader = rl
	}
	var closeOnce sync.Once
	closeReader := func() { closeOnce.Do(func() { c.reader.Close() }) }
	defer closeReader()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeReader()
		case <-done:
		}
	}()

	fmt.Fprintln(c.out, "Jarvis. Type a message and press Enter, /help for commands, /quit to exit.")

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := c.reader.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			// io.EOF on Ctrl+D or end of piped input
			return nil
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit", "/q", "exit", "quit":
			c.logger.Info("user requested quit")
			return nil
		}

		c.bus.Publish(domain.InboundMessage{
			Channel:   cliName,
			ChatID:    "direct",
			SenderID:  c.userID,
			Content:   line,
			Timestamp: time.Now(),
		})
		if !c.awaitReply(ctx) {
			return nil
		}
	}
}

func (c *CLI) awaitReply(ctx context.Context) bool {
	timer := time.NewTimer(cliReplyTimeout)
	defer timer.Stop()
	select {
	case msg := <-c.replies:
		c.render(msg)
		return true
	case <-timer.C:
		fmt.Fprintln(c.out, "(no reply, timed out)")
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *CLI) render(msg domain.OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, "Jarvis> "+msg.Content)
	if r := msg.Response; r != nil {
		switch {
		case r.CircuitBreakerOpen:
			fmt.Fprintf(c.out, "  [%s: circuit open]\n", r.SkillUsed)
		case r.SkillUsed != "":
			fmt.Fprintf(c.out, "  [skill: %s]\n", r.SkillUsed)
		}
	}
}

// Stop is a no-op; Start returns when its context ends.
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(_ context.Context, _ string, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, content)
	return err
}
