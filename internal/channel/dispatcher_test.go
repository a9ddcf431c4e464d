package channel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jarvis/internal/breaker"
	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/metrics"
	"jarvis/internal/orchestrator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRouter struct {
	mu        sync.Mutex
	requests  []domain.Request
	resets    []string
	resetErr  error
	reloadErr error
	schemas   []domain.Schema
	handle    func(req domain.Request) *domain.Response
}

func (f *fakeRouter) Handle(_ context.Context, input any, userID string) *domain.Response {
	req := domain.NormalizeRequest(input)
	if userID != "" {
		req.UserID = userID
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handle := f.handle
	f.mu.Unlock()
	if handle != nil {
		return handle(req)
	}
	return &domain.Response{Text: "echo: " + req.Message, Success: true, Source: domain.SourceFallback, Timestamp: time.Now()}
}

func (f *fakeRouter) Status() orchestrator.Status {
	return orchestrator.Status{
		Breakers:          []breaker.Snapshot{{Name: "device_control", State: breaker.Open, Failures: 3}},
		FallbackProvider:  "fake",
		FallbackAvailable: true,
		SkillsLoaded:      []string{"device_control", "information_request"},
		Executors:         []string{"device_control", "information_request"},
	}
}

func (f *fakeRouter) ResetBreaker(skill string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, skill)
	return f.resetErr
}

func (f *fakeRouter) ReloadSchemas(context.Context) (int, error) {
	if f.reloadErr != nil {
		return 0, f.reloadErr
	}
	return len(f.schemas), nil
}

func (f *fakeRouter) Schemas() []domain.Schema { return f.schemas }

func (f *fakeRouter) received() []domain.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Request(nil), f.requests...)
}

type dispatcherFixture struct {
	bus     *bus.InMemoryBus
	events  *bus.EventBus
	router  *fakeRouter
	reg     *prometheus.Registry
	replies chan domain.OutboundMessage
	cancel  context.CancelFunc
	done    chan struct{}
}

func startDispatcher(t *testing.T, router *fakeRouter, concurrency int) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		bus:     bus.New(16, testLogger()),
		events:  bus.NewEventBus(testLogger()),
		router:  router,
		reg:     prometheus.NewRegistry(),
		replies: make(chan domain.OutboundMessage, 16),
		done:    make(chan struct{}),
	}
	f.bus.OnOutbound("cli", func(m domain.OutboundMessage) { f.replies <- m })

	d := NewDispatcher(DispatcherConfig{
		Bus:         f.bus,
		Router:      router,
		Metrics:     metrics.MustNew(f.reg),
		Events:      f.events,
		Logger:      testLogger(),
		Concurrency: concurrency,
	})
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})
	return f
}

func (f *dispatcherFixture) reply(t *testing.T) domain.OutboundMessage {
	t.Helper()
	select {
	case m := <-f.replies:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return domain.OutboundMessage{}
	}
}

func TestDispatcher_RoutesAndReplies(t *testing.T) {
	f := startDispatcher(t, &fakeRouter{}, 2)

	f.bus.Publish(domain.InboundMessage{Channel: "cli", ChatID: "direct", SenderID: "alice", Content: "hello"})

	out := f.reply(t)
	assert.Equal(t, "direct", out.ChatID)
	assert.Equal(t, "echo: hello", out.Content)
	require.NotNil(t, out.Response)
	assert.True(t, out.Response.Success)

	reqs := f.router.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "alice", reqs[0].UserID)
	assert.Equal(t, "cli", reqs[0].Extra["channel"])
	assert.Equal(t, "direct", reqs[0].Extra["chat_id"])

	assert.Eventually(t, func() bool {
		return len(f.events.Replay(bus.EventMessageSent, time.Time{})) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, f.events.Replay(bus.EventMessageReceived, time.Time{}), 1)
	n, err := testutil.GatherAndCount(f.reg, "jarvis_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_CommandsBypassRouter(t *testing.T) {
	f := startDispatcher(t, &fakeRouter{schemas: []domain.Schema{{Name: "device_control", Description: "Control devices"}}}, 1)

	f.bus.Publish(domain.InboundMessage{Channel: "cli", ChatID: "c", Content: "/status"})
	out := f.reply(t)
	assert.Contains(t, out.Content, "Fallback: fake (available: true)")
	assert.Contains(t, out.Content, "device_control: open (failures 3)")

	f.bus.Publish(domain.InboundMessage{Channel: "cli", ChatID: "c", Content: "/skills"})
	assert.Contains(t, f.reply(t).Content, "device_control - Control devices")

	f.bus.Publish(domain.InboundMessage{Channel: "cli", ChatID: "c", Content: "/reset device_control"})
	assert.Equal(t, "Circuit breaker for 'device_control' reset.", f.reply(t).Content)

	f.bus.Publish(domain.InboundMessage{Channel: "cli", ChatID: "c", Content: "/reload"})
	assert.Equal(t, "Reloaded 1 skill schemas.", f.reply(t).Content)

	assert.Empty(t, f.router.received())
	assert.Equal(t, []string{"device_control"}, f.router.resets)
}

func TestDispatcher_UnknownCommandIsRouted(t *testing.T) {
	f := startDispatcher(t, &fakeRouter{}, 1)

	f.bus.Publish(domain.InboundMessage{Channel: "cli", ChatID: "c", Content: "/dance now"})
	assert.Equal(t, "echo: /dance now", f.reply(t).Content)
}

func TestDispatcher_ResetFailureIsReported(t *testing.T) {
	f := startDispatcher(t, &fakeRouter{resetErr: errors.New(`no circuit breaker for skill "x"`)}, 1)

	f.bus.Publish(domain.InboundMessage{Channel: "cli", ChatID: "c", Content: "/reset x"})
	assert.Contains(t, f.reply(t).Content, "Reset failed")
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	gate := make(chan struct{})
	router := &fakeRouter{handle: func(req domain.Request) *domain.Response {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		inFlight.Add(-1)
		return &domain.Response{Text: req.Message, Success: true}
	}}
	f := startDispatcher(t, router, 2)

	for i := 0; i < 5; i++ {
		f.bus.Publish(domain.InboundMessage{Channel: "cli", ChatID: "c", Content: "work"})
	}
	assert.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(gate)
	for i := 0; i < 5; i++ {
		f.reply(t)
	}
	assert.EqualValues(t, 2, peak.Load())
}

func TestDispatcher_StopsWhenBusCloses(t *testing.T) {
	f := startDispatcher(t, &fakeRouter{}, 1)
	f.bus.Close()

	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestParseCommand(t *testing.T) {
	cmd := ParseCommand("  /Reset weather now ")
	require.NotNil(t, cmd)
	assert.Equal(t, "reset", cmd.Name)
	assert.Equal(t, []string{"weather", "now"}, cmd.Args)

	assert.Nil(t, ParseCommand("turn on the light"))
	assert.Nil(t, ParseCommand("/"))
	assert.Nil(t, ParseCommand(""))
}
