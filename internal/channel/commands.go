package channel

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Command is a parsed slash command such as "/reset weather".
type Command struct {
	Name string
	Args []string
	Raw  string
}

var startTime = time.Now()

// ParseCommand returns nil when text is not a slash command.
func ParseCommand(text string) *Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 || parts[0] == "/" {
		return nil
	}
	return &Command{
		Name: strings.ToLower(strings.TrimPrefix(parts[0], "/")),
		Args: parts[1:],
		Raw:  text,
	}
}

// HandleCommand answers the chat commands every channel shares. Unknown
// commands report handled=false so the text is routed like any message.
func (d *Dispatcher) HandleCommand(ctx context.Context, cmd *Command) (string, bool) {
	switch cmd.Name {
	case "help", "start":
		return helpText(), true
	case "status":
		return statusText(d.router), true
	case "skills":
		return skillsText(d.router), true
	case "reset":
		skill := ""
		if len(cmd.Args) > 0 {
			skill = cmd.Args[0]
		}
		if err := d.router.ResetBreaker(skill); err != nil {
			return "Reset failed: " + err.Error(), true
		}
		if skill == "" {
			return "All circuit breakers reset.", true
		}
		return fmt.Sprintf("Circuit breaker for '%s' reset.", skill), true
	case "reload":
		n, err := d.router.ReloadSchemas(ctx)
		if err != nil {
			return "Reload failed: " + err.Error(), true
		}
		return fmt.Sprintf("Reloaded %d skill schemas.", n), true
	case "uptime":
		return fmt.Sprintf("Uptime: %s", time.Since(startTime).Round(time.Second)), true
	}
	return "", false
}

func helpText() string {
	return strings.Join([]string{
		"Jarvis commands:",
		"/status - circuit breakers and fallback provider",
		"/skills - loaded skills",
		"/reset [skill] - reset one or all circuit breakers",
		"/reload - reload skill schemas",
		"/uptime - time since start",
		"/help - this message",
		"",
		"Anything else is routed to a skill or answered by the assistant.",
	}, "\n")
}

func statusText(r Router) string {
	st := r.Status()
	var b strings.Builder
	provider := st.FallbackProvider
	if provider == "" {
		provider = "none"
	}
	fmt.Fprintf(&b, "Fallback: %s (available: %t)\n", provider, st.FallbackAvailable)
	fmt.Fprintf(&b, "Skills: %d loaded, %d executors\n", len(st.SkillsLoaded), len(st.Executors))
	if len(st.Breakers) == 0 {
		b.WriteString("Circuit breakers: none yet")
		return b.String()
	}
	b.WriteString("Circuit breakers:")
	for _, s := range st.Breakers {
		fmt.Fprintf(&b, "\n  %s: %s (failures %d)", s.Name, s.State, s.Failures)
	}
	return b.String()
}

func skillsText(r Router) string {
	schemas := r.Schemas()
	if len(schemas) == 0 {
		return "No skills loaded."
	}
	var b strings.Builder
	b.WriteString("Skills:")
	for _, s := range schemas {
		fmt.Fprintf(&b, "\n  %s", s.Name)
		if s.Description != "" {
			fmt.Fprintf(&b, " - %s", s.Description)
		}
	}
	return b.String()
}
