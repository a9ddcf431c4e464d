package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/config"
	"jarvis/internal/domain"
	"jarvis/internal/memory"
	"jarvis/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, router *fakeRouter, mutate func(*APIConfig)) *API {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.MustNew(reg)
	cfg := APIConfig{
		Router:  router,
		Events:  bus.NewEventBus(testLogger()),
		Metrics: metrics.Handler(reg),
		Logger:  testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewAPI(cfg)
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestAPI_Health(t *testing.T) {
	a := newTestAPI(t, &fakeRouter{}, nil)

	rr := do(t, a.Handler(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode(t, rr)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, true, out["fallback_available"])
	assert.Equal(t, map[string]any{"device_control": "open"}, out["circuit_breakers"])
}

func TestAPI_Chat(t *testing.T) {
	router := &fakeRouter{}
	a := newTestAPI(t, router, nil)

	rr := do(t, a.Handler(), http.MethodPost, "/api/chat", `{"message":"what time is it","user_id":"u1","room":"kitchen"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode(t, rr)
	assert.Equal(t, "echo: what time is it", out["response"])
	assert.Equal(t, true, out["success"])
	assert.Equal(t, domain.SourceFallback, out["source"])

	reqs := router.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "u1", reqs[0].UserID)
	assert.Equal(t, "api", reqs[0].Extra["channel"])
	assert.Equal(t, "kitchen", reqs[0].Extra["room"])
}

func TestAPI_ChatRejectsBadBodies(t *testing.T) {
	a := newTestAPI(t, &fakeRouter{}, nil)
	h := a.Handler()

	for _, body := range []string{"", "not json", "null", `"just a string"`} {
		rr := do(t, h, http.MethodPost, "/api/chat", body, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "body %q", body)
		assert.Equal(t, false, decode(t, rr)["success"])
	}
}

func TestAPI_BearerAuth(t *testing.T) {
	a := newTestAPI(t, &fakeRouter{}, func(c *APIConfig) { c.APIKey = "s3cret" })
	h := a.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/system/status", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/system/status", "",
		map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/system/status", "",
		map[string]string{"Authorization": "Bearer s3cret"}).Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "", nil).Code)
}

func TestAPI_Skills(t *testing.T) {
	router := &fakeRouter{schemas: []domain.Schema{
		{Name: "device_control", Action: "device_control", Keywords: []string{"turn on"}},
		{Name: "information_request", Intent: "get_information"},
	}}
	a := newTestAPI(t, router, nil)
	h := a.Handler()

	out := decode(t, do(t, h, http.MethodGet, "/api/skills", "", nil))
	assert.EqualValues(t, 2, out["count"])
	skills := out["skills"].([]any)
	assert.Equal(t, "device_control", skills[0].(map[string]any)["name"])

	rr := do(t, h, http.MethodPost, "/api/skills/reload", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decode(t, rr)["loaded"])

	router.reloadErr = errors.New("schema dir unreadable")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodPost, "/api/skills/reload", "", nil).Code)
}

func TestAPI_StatusAndReset(t *testing.T) {
	router := &fakeRouter{}
	a := newTestAPI(t, router, nil)
	h := a.Handler()

	out := decode(t, do(t, h, http.MethodGet, "/api/system/status", "", nil))
	breakers := out["circuit_breakers"].([]any)
	require.Len(t, breakers, 1)
	assert.Equal(t, "open", breakers[0].(map[string]any)["state"])

	rr := do(t, h, http.MethodPost, "/api/system/circuit-breaker/reset?skill=device_control", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "device_control", decode(t, rr)["reset"])

	rr = do(t, h, http.MethodPost, "/api/system/circuit-breaker/reset", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "all", decode(t, rr)["reset"])
	assert.Equal(t, []string{"device_control", ""}, router.resets)

	router.resetErr = errors.New(`no circuit breaker for skill "ghost"`)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/system/circuit-breaker/reset?skill=ghost", "", nil).Code)
}

func TestAPI_Events(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	a := newTestAPI(t, &fakeRouter{}, func(c *APIConfig) { c.Events = events })
	h := a.Handler()

	events.Emit(bus.Event{Type: bus.EventBreakerStateChange, Payload: map[string]any{"skill": "device_control"}})
	events.Emit(bus.Event{Type: bus.EventSchemasReloaded})

	out := decode(t, do(t, h, http.MethodGet, "/api/system/events", "", nil))
	assert.Len(t, out["events"], 2)

	out = decode(t, do(t, h, http.MethodGet, "/api/system/events?type="+bus.EventSchemasReloaded, "", nil))
	assert.Len(t, out["events"], 1)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	out = decode(t, do(t, h, http.MethodGet, "/api/system/events?since="+future, "", nil))
	assert.Empty(t, out["events"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/system/events?since=yesterday", "", nil).Code)
}

func TestAPI_EventStream(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	a := newTestAPI(t, &fakeRouter{}, func(c *APIConfig) { c.Events = events })
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	defer a.stream.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/system/events/stream?type=" + bus.EventBreakerStateChange
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return a.stream.Clients() == 1 }, time.Second, 5*time.Millisecond)

	events.Emit(bus.Event{Type: bus.EventMessageReceived})
	events.Emit(bus.Event{Type: bus.EventBreakerStateChange, Payload: map[string]any{"skill": "device_control", "to": "open"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, bus.EventBreakerStateChange, ev.Type)
	assert.Equal(t, "open", ev.Payload["to"])
}

func TestAPI_History(t *testing.T) {
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), testLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, domain.Interaction{ID: "i-1", UserID: "u1", Message: "turn on", Source: domain.SourceSkill, Success: true}))
	require.NoError(t, store.Record(ctx, domain.Interaction{ID: "i-2", UserID: "u2", Message: "hello", Source: domain.SourceFallback, Success: true}))

	a := newTestAPI(t, &fakeRouter{}, func(c *APIConfig) { c.History = store })
	h := a.Handler()

	out := decode(t, do(t, h, http.MethodGet, "/api/history?user_id=u1", "", nil))
	assert.EqualValues(t, 1, out["count"])

	out = decode(t, do(t, h, http.MethodGet, "/api/history?limit=1", "", nil))
	assert.EqualValues(t, 1, out["count"])
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/history?limit=-3", "", nil).Code)

	rr := do(t, h, http.MethodGet, "/api/history/i-1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "turn on", decode(t, rr)["message"])
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/history/nope", "", nil).Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/history/i-1/feedback", `{"rating":5,"comment":"great"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/history/i-1/feedback", `{"rating":9}`, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/history/nope/feedback", `{"rating":3}`, nil).Code)

	it, err := store.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, 5, it.Rating)

	out = decode(t, do(t, h, http.MethodGet, "/api/history/stats", "", nil))
	assert.EqualValues(t, 2, out["total"])
	assert.EqualValues(t, 5, out["avg_rating"])
}

func TestAPI_HistoryPatterns(t *testing.T) {
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), testLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Record(ctx, domain.Interaction{UserID: "u1", Message: "turn on the lamp", SkillUsed: "device_control", Source: domain.SourceSkill, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, store.Record(ctx, domain.Interaction{UserID: "u1", Message: "turn off the lamp", SkillUsed: "device_control", Source: domain.SourceSkill, CreatedAt: now.AddDate(0, 0, -10)}))
	require.NoError(t, store.Record(ctx, domain.Interaction{UserID: "u2", Message: "hello", Source: domain.SourceFallback, CreatedAt: now}))

	h := newTestAPI(t, &fakeRouter{}, func(c *APIConfig) { c.History = store }).Handler()

	rr := do(t, h, http.MethodGet, "/api/history/patterns?user_id=u1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode(t, rr)
	assert.Equal(t, "u1", out["user_id"])
	assert.EqualValues(t, 2, out["total"])
	assert.EqualValues(t, 2, out["command_diversity"])
	skills := out["top_skills"].([]any)
	require.Len(t, skills, 1)
	assert.Equal(t, "device_control", skills[0].(map[string]any)["name"])

	out = decode(t, do(t, h, http.MethodGet, "/api/history/patterns?user_id=u1&days=7", "", nil))
	assert.EqualValues(t, 1, out["total"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/history/patterns?days=0", "", nil).Code)

	disabled := newTestAPI(t, &fakeRouter{}, nil).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, disabled, http.MethodGet, "/api/history/patterns", "", nil).Code)
}

func TestAPI_HistoryDisabled(t *testing.T) {
	a := newTestAPI(t, &fakeRouter{}, nil)
	h := a.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/history", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/history/stats", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/history/x", "", nil).Code)
}

func TestAPI_ConfigIsMasked(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.API.APIKey = "super-secret-api-key"
	a := newTestAPI(t, &fakeRouter{}, func(c *APIConfig) { c.Config = cfg })

	rr := do(t, a.Handler(), http.MethodGet, "/api/system/config", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "super-secret-api-key")
}

func TestAPI_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	m.SkillCall("device_control")
	a := newTestAPI(t, &fakeRouter{}, func(c *APIConfig) {
		c.Metrics = metrics.Handler(reg)
		c.MetricsPath = "/internal/metrics"
	})

	rr := do(t, a.Handler(), http.MethodGet, "/internal/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `jarvis_skill_calls_total{skill="device_control"} 1`)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestAPI_Webhook(t *testing.T) {
	b := bus.New(4, testLogger())
	defer b.Close()
	a := newTestAPI(t, &fakeRouter{}, func(c *APIConfig) { c.WebhookSecret = "hook-secret" })
	a.bus = b
	h := a.Handler()

	body := []byte(`{"chat_id":"home","content":"turn on the lights"}`)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/webhook", string(body), nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/api/webhook", string(body),
		map[string]string{"X-Signature-256": "sha256=deadbeef"}).Code)

	empty := []byte(`{"content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/webhook", string(empty),
		map[string]string{"X-Signature-256": sign("hook-secret", empty)}).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", sign("hook-secret", body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case msg := <-b.Subscribe():
		assert.Equal(t, "webhook", msg.Channel)
		assert.Equal(t, "home", msg.ChatID)
		assert.Equal(t, "webhook", msg.SenderID)
		assert.Equal(t, "turn on the lights", msg.Content)
	case <-time.After(time.Second):
		t.Fatal("webhook message not published")
	}
}

func TestAPI_WebhookDisabledWithoutSecret(t *testing.T) {
	a := newTestAPI(t, &fakeRouter{}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, a.Handler(), http.MethodPost, "/api/webhook", `{}`, nil).Code)
}
