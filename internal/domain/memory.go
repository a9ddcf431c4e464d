package domain

import (
	"context"
	"time"
)

// InteractionStore keeps the history of handled requests.
type InteractionStore interface {
	Record(ctx context.Context, it Interaction) error
	Get(ctx context.Context, id string) (*Interaction, error)
	List(ctx context.Context, userID string, limit int) ([]Interaction, error)
	SetFeedback(ctx context.Context, id string, rating int, comment string) error
	Close() error
}

type Interaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Channel   string    `json:"channel"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	SkillUsed string    `json:"skill_used,omitempty"`
	Source    string    `json:"source"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latency_ms"`
	Rating    int       `json:"rating,omitempty"` // 1-5, 0 = none
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
