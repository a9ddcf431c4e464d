package skill

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"jarvis/internal/domain"
)

// InformationName is the registration key of the information skill.
const InformationName = "information_request"

var (
	timeQuery     = regexp.MustCompile(`what time|current time|time is it`)
	dateQuery     = regexp.MustCompile(`what date|today's date|current date|what day`)
	weatherQuery  = regexp.MustCompile(`weather|temperature|forecast|rain|sunny|cloudy`)
	statusQuery   = regexp.MustCompile(`system status|how are you|\bstatus\b|\bhealth\b`)
	locationQuery = regexp.MustCompile(`\b(?:in|at|for) ([a-z][a-z\s]*)`)
)

// Information answers time, date, weather, status and self-description
// questions. Weather data is simulated.
type Information struct {
	started time.Time
	now     func() time.Time
}

func NewInformation() *Information {
	return &Information{started: time.Now(), now: time.Now}
}

func (s *Information) Name() string { return InformationName }

func (s *Information) Execute(ctx context.Context, req domain.Request) (*domain.Response, error) {
	text := strings.ToLower(strings.TrimSpace(req.Message))

	switch {
	case timeQuery.MatchString(text):
		return s.currentTime(), nil
	case dateQuery.MatchString(text):
		return s.currentDate(), nil
	case weatherQuery.MatchString(text):
		return weather(extractLocation(text)), nil
	case statusQuery.MatchString(text):
		return s.status(ctx), nil
	default:
		return general(text), nil
	}
}

func (s *Information) currentTime() *domain.Response {
	now := s.now()
	clock := now.Format("03:04 PM")
	return domain.Reply(fmt.Sprintf("The current time is %s.", clock), map[string]any{
		"time":     clock,
		"24_hour":  now.Format("15:04"),
		"timezone": now.Location().String(),
	})
}

func (s *Information) currentDate() *domain.Response {
	now := s.now()
	date := now.Format("Monday, January 02, 2006")
	return domain.Reply(fmt.Sprintf("Today is %s.", date), map[string]any{
		"date":        date,
		"iso_date":    now.Format("2006-01-02"),
		"day_of_week": now.Weekday().String(),
		"day_of_year": now.YearDay(),
	})
}

func extractLocation(text string) string {
	if m := locationQuery.FindStringSubmatch(text); m != nil {
		if loc := strings.TrimSpace(m[1]); loc != "" {
			return loc
		}
	}
	return "your location"
}

func weather(location string) *domain.Response {
	const (
		temperature = 72
		condition   = "partly cloudy"
		humidity    = 65
		windSpeed   = 8
	)
	text := fmt.Sprintf("The weather in %s is currently %s with a temperature of %d°F. Humidity is at %d%% with winds at %d mph.",
		location, condition, temperature, humidity, windSpeed)
	return domain.Reply(text, map[string]any{
		"location":    location,
		"temperature": temperature,
		"condition":   condition,
		"humidity":    humidity,
		"wind_speed":  windSpeed,
		"unit":        "fahrenheit",
	})
}

func (s *Information) status(ctx context.Context) *domain.Response {
	now := s.now()
	hours := math.Round(now.Sub(s.started).Hours()*10) / 10
	text := fmt.Sprintf("I'm operating normally and ready to assist you. All systems are functioning properly. I've been active for approximately %.1f hours.", hours)
	return domain.Reply(text, map[string]any{
		"status":       "operational",
		"uptime_hours": hours,
		"last_check":   now.Format(time.RFC3339),
		"services": map[string]string{
			"device_control":       "online",
			"information_services": "online",
		},
		"host": hostInfo(ctx),
	})
}

func general(text string) *domain.Response {
	switch {
	case strings.Contains(text, "jarvis") || strings.Contains(text, "yourself"):
		return domain.Reply("I'm JARVIS, your AI assistant. I can help you control smart home devices, answer questions, provide information, and assist with various tasks.",
			map[string]any{
				"name":         "JARVIS",
				"type":         "AI Assistant",
				"capabilities": []string{"device_control", "information_retrieval", "task_assistance"},
			})
	case strings.Contains(text, "capabilities") || strings.Contains(text, "what can you do"):
		return domain.Reply("I can control smart home devices (lights, thermostat, locks, security), answer questions, and give you the time, date, weather and system status.",
			map[string]any{
				"capabilities": []string{
					"Smart home device control",
					"Information retrieval",
					"Weather and time queries",
					"System status monitoring",
					"General conversation",
				},
			})
	default:
		return domain.Reply("I'd be happy to help with that. Could you give me a few more details? I can help with device control, weather, time, system status and general questions.",
			map[string]any{
				"suggestion": "Try asking 'What's the weather?', 'What time is it?' or 'Turn on the lights'.",
			})
	}
}
