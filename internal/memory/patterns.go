package memory

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"
)

const topN = 5

// Count is one entry of a frequency table.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Patterns describes when a user talks to the assistant and what they ask
// for. Hours and weekdays are in UTC.
type Patterns struct {
	UserID           string         `json:"user_id,omitempty"`
	Since            time.Time      `json:"since"`
	Total            int            `json:"total"`
	PeakHour         int            `json:"peak_hour"` // -1 without activity
	PeakDay          string         `json:"peak_day,omitempty"`
	MostActivePeriod string         `json:"most_active_period"`
	Hourly           map[int]int    `json:"hourly_distribution"`
	Daily            map[string]int `json:"daily_distribution"`
	TopSkills        []Count        `json:"top_skills"`
	TopCommands      []Count        `json:"top_commands"`
	CommandDiversity int            `json:"command_diversity"`
}

// commandKinds classifies messages by keyword. The first kind with a
// matching phrase wins.
var commandKinds = []struct {
	name    string
	phrases []string
}{
	{"turn_off", []string{"turn off", "switch off", "deactivate"}},
	{"turn_on", []string{"turn on", "switch on", "activate"}},
	{"climate_control", []string{"temperature", "thermostat"}},
	{"lock_control", []string{"unlock", "lock"}},
	{"media_control", []string{"play music", "play song"}},
	{"information_request", []string{"what is", "tell me", "how is", "what time", "weather"}},
}

// Patterns analyzes the interactions of userID recorded at or after since.
// An empty userID covers every user.
func (s *SQLiteStore) Patterns(ctx context.Context, userID string, since time.Time) (Patterns, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const q = `SELECT message, skill_used, created_at FROM interactions`
	if userID == "" {
		rows, err = s.db.QueryContext(ctx, q)
	} else {
		rows, err = s.db.QueryContext(ctx, q+` WHERE user_id = ?`, userID)
	}
	if err != nil {
		return Patterns{}, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	p := Patterns{
		UserID:   userID,
		Since:    since,
		PeakHour: -1,
		Hourly:   make(map[int]int),
		Daily:    make(map[string]int),
	}
	skills := make(map[string]int)
	commands := make(map[string]int)
	for rows.Next() {
		var (
			message string
			skill   sql.NullString
			at      time.Time
		)
		if err := rows.Scan(&message, &skill, &at); err != nil {
			return Patterns{}, err
		}
		if at.Before(since) {
			continue
		}
		at = at.UTC()
		p.Total++
		p.Hourly[at.Hour()]++
		p.Daily[at.Weekday().String()]++
		if skill.String != "" {
			skills[skill.String]++
		}
		if kind := classifyCommand(message); kind != "" {
			commands[kind]++
		}
	}
	if err := rows.Err(); err != nil {
		return Patterns{}, err
	}

	p.PeakHour = peakHour(p.Hourly)
	p.PeakDay = peakDay(p.Daily)
	p.MostActivePeriod = activePeriod(p.Hourly)
	p.TopSkills = top(skills, topN)
	p.TopCommands = top(commands, topN)
	p.CommandDiversity = len(commands)
	return p, nil
}

func classifyCommand(message string) string {
	msg := strings.ToLower(message)
	for _, k := range commandKinds {
		for _, phrase := range k.phrases {
			if strings.Contains(msg, phrase) {
				return k.name
			}
		}
	}
	return ""
}

// peakHour returns the busiest hour, the earliest on ties, or -1.
func peakHour(hourly map[int]int) int {
	peak, best := -1, 0
	for h := 0; h < 24; h++ {
		if hourly[h] > best {
			peak, best = h, hourly[h]
		}
	}
	return peak
}

// peakDay returns the busiest weekday, Sunday first on ties.
func peakDay(daily map[string]int) string {
	var peak string
	best := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if n := daily[d.String()]; n > best {
			peak, best = d.String(), n
		}
	}
	return peak
}

// activePeriod compares morning (6-11), afternoon (12-17) and evening
// (18-22). Earlier periods win ties.
func activePeriod(hourly map[int]int) string {
	sum := func(from, to int) int {
		n := 0
		for h := from; h <= to; h++ {
			n += hourly[h]
		}
		return n
	}
	morning, afternoon, evening := sum(6, 11), sum(12, 17), sum(18, 22)
	switch {
	case morning+afternoon+evening == 0:
		return "unknown"
	case morning >= afternoon && morning >= evening:
		return "morning"
	case afternoon >= evening:
		return "afternoon"
	default:
		return "evening"
	}
}

// top returns the n largest counts, ties by name.
func top(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for name, c := range counts {
		out = append(out, Count{Name: name, Count: c})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
