package domain

import "time"

// Response sources.
const (
	SourceSkill    = "skill"
	SourceFallback = "fallback"
	SourceError    = "error"
)

// Response is the envelope returned by every path through the router:
// skill, fallback, breaker-open, executor error and internal error.
type Response struct {
	Text               string         `json:"response"`
	Success            bool           `json:"success"`
	SkillUsed          string         `json:"skill_used,omitempty"`
	Source             string         `json:"source,omitempty"`
	CircuitBreakerOpen bool           `json:"circuit_breaker_open,omitempty"`
	Error              string         `json:"error,omitempty"`
	Model              string         `json:"model,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	InteractionID      string         `json:"interaction_id,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
}

// Reply builds a successful skill response with optional payload.
func Reply(text string, data map[string]any) *Response {
	return &Response{Text: text, Success: true, Data: data}
}

// Decline builds an unsuccessful response for input a skill could not act on.
func Decline(text string) *Response {
	return &Response{Text: text, Success: false}
}
