// Package memory keeps the interaction history in SQLite.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"jarvis/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for unknown interaction ids.
var ErrNotFound = errors.New("interaction not found")

// SQLiteStore implements domain.InteractionStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Record stores one interaction. An empty ID gets a fresh UUID.
func (s *SQLiteStore) Record(ctx context.Context, it domain.Interaction) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, user_id, channel, message, response, skill_used, source, success, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.UserID, it.Channel, it.Message, it.Response, it.SkillUsed, it.Source, it.Success, it.LatencyMs, it.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	return nil
}

const selectInteraction = `SELECT id, user_id, channel, message, response, skill_used, source, success, latency_ms, rating, comment, created_at FROM interactions`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Interaction, error) {
	row := s.db.QueryRowContext(ctx, selectInteraction+` WHERE id = ?`, id)
	it, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// List returns the most recent interactions, newest first. An empty userID
// lists every user.
func (s *SQLiteStore) List(ctx context.Context, userID string, limit int) ([]domain.Interaction, error) {
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.QueryContext(ctx, selectInteraction+` ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectInteraction+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Interaction
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SetFeedback attaches a 1-5 rating and an optional comment to an interaction.
func (s *SQLiteStore) SetFeedback(ctx context.Context, id string, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", rating)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET rating = ?, comment = ?, feedback_at = ? WHERE id = ?`,
		rating, comment, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Stats summarizes the stored history.
type Stats struct {
	Total        int            `json:"total"`
	Successful   int            `json:"successful"`
	BySource     map[string]int `json:"by_source"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	AvgRating    float64        `json:"avg_rating,omitempty"`
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{BySource: make(map[string]int)}
	var avgRating sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(latency_ms), 0),
		        (SELECT AVG(rating) FROM interactions WHERE rating > 0)
		 FROM interactions`,
	).Scan(&st.Total, &st.Successful, &st.AvgLatencyMs, &avgRating)
	if err != nil {
		return Stats{}, err
	}
	st.AvgRating = avgRating.Float64

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM interactions GROUP BY source`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return Stats{}, err
		}
		st.BySource[source] = n
	}
	return st, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInteraction(sc scanner) (domain.Interaction, error) {
	var it domain.Interaction
	var channel, skill, source, comment sql.NullString
	var rating sql.NullInt64
	err := sc.Scan(&it.ID, &it.UserID, &channel, &it.Message, &it.Response, &skill, &source,
		&it.Success, &it.LatencyMs, &rating, &comment, &it.CreatedAt)
	if err != nil {
		return domain.Interaction{}, err
	}
	it.Channel = channel.String
	it.SkillUsed = skill.String
	it.Source = source.String
	it.Rating = int(rating.Int64)
	it.Comment = comment.String
	return it, nil
}
