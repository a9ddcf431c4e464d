package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/config"
	"jarvis/internal/domain"
	"jarvis/internal/memory"
)

const (
	apiName            = "api"
	maxBodySize        = 1 << 20
	defaultHistorySize = 50
	maxHistorySize     = 500
	defaultPatternDays = 30
)

// HistoryStats is implemented by interaction stores that can summarize
// themselves.
type HistoryStats interface {
	Stats(ctx context.Context) (memory.Stats, error)
}

// HistoryPatterns is implemented by interaction stores that can analyze
// per-user activity.
type HistoryPatterns interface {
	Patterns(ctx context.Context, userID string, since time.Time) (memory.Patterns, error)
}

// API serves the JSON HTTP interface: chat, skill admin, breaker admin,
// history, events, health and metrics.
type API struct {
	host          string
	port          int
	apiKey        string
	webhookSecret string
	router        Router
	history       domain.InteractionStore
	events        *bus.EventBus
	stream        *EventStream
	cfg           *config.Config
	metrics       http.Handler
	metricsPath   string
	bus           domain.MessageBus
	logger        *slog.Logger
	server        *http.Server
	now           func() time.Time
}

type APIConfig struct {
	Host          string
	Port          int
	APIKey        string // bearer token for /api/*, empty disables auth
	WebhookSecret string // enables POST /api/webhook
	Router        Router
	History       domain.InteractionStore // optional
	Events        *bus.EventBus           // optional
	Config        *config.Config          // optional, served masked
	Metrics       http.Handler            // optional
	MetricsPath   string
	Logger        *slog.Logger
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &API{
		host:          cfg.Host,
		port:          cfg.Port,
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		router:        cfg.Router,
		history:       cfg.History,
		events:        cfg.Events,
		cfg:           cfg.Config,
		metrics:       cfg.Metrics,
		metricsPath:   cfg.MetricsPath,
		logger:        cfg.Logger.With("channel", apiName),
		now:           func() time.Time { return time.Now().UTC() },
	}
	if cfg.Events != nil {
		a.stream = NewEventStream(cfg.Events, cfg.Logger)
	}
	return a
}

func (a *API) Name() string { return apiName }

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("GET "+a.metricsPath, a.metrics)
	}

	mux.HandleFunc("POST /api/chat", a.requireAuth(a.handleChat))
	mux.HandleFunc("GET /api/skills", a.requireAuth(a.handleSkills))
	mux.HandleFunc("POST /api/skills/reload", a.requireAuth(a.handleReload))
	mux.HandleFunc("GET /api/system/status", a.requireAuth(a.handleStatus))
	mux.HandleFunc("POST /api/system/circuit-breaker/reset", a.requireAuth(a.handleReset))
	mux.HandleFunc("GET /api/system/events", a.requireAuth(a.handleEvents))
	if a.stream != nil {
		mux.HandleFunc("GET /api/system/events/stream", a.requireAuth(a.stream.ServeHTTP))
	}
	mux.HandleFunc("GET /api/system/config", a.requireAuth(a.handleConfig))
	mux.HandleFunc("GET /api/history", a.requireAuth(a.handleHistory))
	mux.HandleFunc("GET /api/history/stats", a.requireAuth(a.handleHistoryStats))
	mux.HandleFunc("GET /api/history/patterns", a.requireAuth(a.handleHistoryPatterns))
	mux.HandleFunc("GET /api/history/{id}", a.requireAuth(a.handleInteraction))
	mux.HandleFunc("POST /api/history/{id}/feedback", a.requireAuth(a.handleFeedback))
	if a.webhookSecret != "" {
		mux.HandleFunc("POST /api/webhook", a.handleWebhook)
	}
	return mux
}

// Start serves HTTP until ctx is cancelled. Webhook messages are published
// to bus and their replies are logged.
func (a *API) Start(ctx context.Context, b domain.MessageBus) error {
	a.bus = b
	b.OnOutbound(webhookChannel, func(msg domain.OutboundMessage) {
		a.logger.Info("webhook reply", "chat_id", msg.ChatID, "content_len", len(msg.Content))
	})

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.logger.Info("API server started", "addr", "http://"+addr, "auth", a.apiKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		if a.stream != nil {
			a.stream.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

func (a *API) Stop() error {
	if a.server != nil {
		return a.server.Close()
	}
	return nil
}

// Send is a no-op: API replies are returned on the request.
func (a *API) Send(context.Context, string, string) error { return nil }

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if a.apiKey == "" {
			next(rw, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) != 1 {
			writeError(rw, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(rw, r)
	}
}

type healthResponse struct {
	Status            string            `json:"status"`
	FallbackProvider  string            `json:"fallback_provider,omitempty"`
	FallbackAvailable bool              `json:"fallback_available"`
	Skills            int               `json:"skills_loaded"`
	Breakers          map[string]string `json:"circuit_breakers"`
	Timestamp         time.Time         `json:"timestamp"`
}

func (a *API) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	st := a.router.Status()
	out := healthResponse{
		Status:            "healthy",
		FallbackProvider:  st.FallbackProvider,
		FallbackAvailable: st.FallbackAvailable,
		Skills:            len(st.SkillsLoaded),
		Breakers:          make(map[string]string, len(st.Breakers)),
		Timestamp:         a.now(),
	}
	for _, b := range st.Breakers {
		out.Breakers[b.Name] = b.State.String()
	}
	writeJSON(rw, http.StatusOK, out)
}

// handleChat accepts any JSON object. Recognized keys (message, user_id,
// action, intent, context) are lifted by the router; the rest travel as
// extras.
func (a *API) handleChat(rw http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if body == nil {
		writeError(rw, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if _, ok := body["channel"]; !ok {
		body["channel"] = apiName
	}
	resp := a.router.Handle(r.Context(), body, "")
	writeJSON(rw, http.StatusOK, resp)
}

func (a *API) handleSkills(rw http.ResponseWriter, _ *http.Request) {
	schemas := a.router.Schemas()
	if schemas == nil {
		schemas = []domain.Schema{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"skills": schemas, "count": len(schemas)})
}

func (a *API) handleReload(rw http.ResponseWriter, r *http.Request) {
	n, err := a.router.ReloadSchemas(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "loaded": n})
}

func (a *API) handleStatus(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, a.router.Status())
}

func (a *API) handleConfig(rw http.ResponseWriter, _ *http.Request) {
	if a.cfg == nil {
		writeError(rw, http.StatusServiceUnavailable, "config not loaded")
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(a.cfg))
}

func (a *API) handleReset(rw http.ResponseWriter, r *http.Request) {
	skill := strings.TrimSpace(r.URL.Query().Get("skill"))
	if err := a.router.ResetBreaker(skill); err != nil {
		writeError(rw, http.StatusNotFound, err.Error())
		return
	}
	target := skill
	if target == "" {
		target = "all"
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "reset": target})
}

func (a *API) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeJSON(rw, http.StatusOK, map[string]any{"events": []bus.Event{}})
		return
	}
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(rw, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}
	events := a.events.Replay(eventType, since)
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleHistory(rw http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(rw, http.StatusServiceUnavailable, "interaction history is disabled")
		return
	}
	limit := defaultHistorySize
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(rw, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistorySize)
	}
	items, err := a.history.List(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		a.logger.Error("history list failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "failed to read history")
		return
	}
	if items == nil {
		items = []domain.Interaction{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"interactions": items, "count": len(items)})
}

func (a *API) handleHistoryStats(rw http.ResponseWriter, r *http.Request) {
	stats, ok := a.history.(HistoryStats)
	if !ok {
		writeError(rw, http.StatusServiceUnavailable, "interaction history is disabled")
		return
	}
	st, err := stats.Stats(r.Context())
	if err != nil {
		a.logger.Error("history stats failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

// handleHistoryPatterns analyzes the last ?days (default 30) of activity,
// for one user when ?user_id is set.
func (a *API) handleHistoryPatterns(rw http.ResponseWriter, r *http.Request) {
	patterns, ok := a.history.(HistoryPatterns)
	if !ok {
		writeError(rw, http.StatusServiceUnavailable, "interaction history is disabled")
		return
	}
	days := defaultPatternDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(rw, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	since := a.now().AddDate(0, 0, -days)
	p, err := patterns.Patterns(r.Context(), r.URL.Query().Get("user_id"), since)
	if err != nil {
		a.logger.Error("history patterns failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(rw, http.StatusOK, p)
}

func (a *API) handleInteraction(rw http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(rw, http.StatusServiceUnavailable, "interaction history is disabled")
		return
	}
	it, err := a.history.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(rw, http.StatusNotFound, "interaction not found")
	case err != nil:
		a.logger.Error("history get failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "failed to read history")
	default:
		writeJSON(rw, http.StatusOK, it)
	}
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (a *API) handleFeedback(rw http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(rw, http.StatusServiceUnavailable, "interaction history is disabled")
		return
	}
	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(rw, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}
	err := a.history.SetFeedback(r.Context(), r.PathValue("id"), req.Rating, req.Comment)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(rw, http.StatusNotFound, "interaction not found")
	case err != nil:
		a.logger.Error("feedback update failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "failed to store feedback")
	default:
		writeJSON(rw, http.StatusOK, map[string]any{"success": true})
	}
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return errors.New("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]any{"success": false, "error": msg})
}

const webhookChannel = "webhook"

// WebhookPayload is the body of POST /api/webhook.
type WebhookPayload struct {
	ChatID  string `json:"chat_id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// handleWebhook queues a signed message on the bus and answers 202. The
// X-Signature-256 header carries "sha256=" plus the hex HMAC of the body.
func (a *API) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "failed to read request body")
		return
	}
	sig := r.Header.Get("X-Signature-256")
	if sig == "" {
		writeError(rw, http.StatusUnauthorized, "missing signature")
		return
	}
	if !verifyHMAC(body, a.webhookSecret, sig) {
		writeError(rw, http.StatusForbidden, "invalid signature")
		return
	}

	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		writeError(rw, http.StatusBadRequest, "content is required")
		return
	}
	if a.bus == nil {
		writeError(rw, http.StatusServiceUnavailable, "message bus not running")
		return
	}
	if p.ChatID == "" {
		p.ChatID = "webhook-default"
	}
	if p.UserID == "" {
		p.UserID = webhookChannel
	}

	a.bus.Publish(domain.InboundMessage{
		Channel:   webhookChannel,
		ChatID:    p.ChatID,
		SenderID:  p.UserID,
		Content:   p.Content,
		Timestamp: time.Now(),
	})
	writeJSON(rw, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
