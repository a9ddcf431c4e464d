package channel

import (
	"context"
	"log/slog"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/metrics"
	"jarvis/internal/orchestrator"
)

const defaultConcurrency = 3

// Router is the part of the orchestrator the channels talk to.
type Router interface {
	Handle(ctx context.Context, input any, userID string) *domain.Response
	Status() orchestrator.Status
	ResetBreaker(skill string) error
	ReloadSchemas(ctx context.Context) (int, error)
	Schemas() []domain.Schema
}

// Dispatcher consumes inbound messages from the bus, routes them and sends
// the reply back to the originating channel.
type Dispatcher struct {
	bus         domain.MessageBus
	router      Router
	metrics     *metrics.Metrics
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int
}

type DispatcherConfig struct {
	Bus         domain.MessageBus
	Router      Router
	Metrics     *metrics.Metrics
	Events      *bus.EventBus // optional
	Logger      *slog.Logger
	Concurrency int // max messages in flight (default 3)
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		bus:         cfg.Bus,
		router:      cfg.Router,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		logger:      cfg.Logger.With("component", "dispatcher"),
		concurrency: cfg.Concurrency,
	}
}

// Run processes inbound messages with bounded concurrency until ctx is
// cancelled or the bus is closed. In-flight messages finish before it
// returns.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	inbound := d.bus.Subscribe()
	defer func() {
		for i := 0; i < cap(sem); i++ {
			sem <- struct{}{}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				d.process(ctx, m)
			}(msg)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, msg domain.InboundMessage) {
	d.metrics.Message(msg.Channel)
	d.emit(bus.EventMessageReceived, msg.Channel, map[string]any{
		"chat_id": msg.ChatID,
		"sender":  msg.SenderID,
	})
	d.logger.Info("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)

	if cmd := ParseCommand(msg.Content); cmd != nil {
		if text, handled := d.HandleCommand(ctx, cmd); handled {
			d.reply(msg, &domain.Response{Text: text, Success: true, Timestamp: time.Now().UTC()})
			return
		}
	}

	req := domain.Request{
		Message: msg.Content,
		UserID:  msg.SenderID,
		Extra:   map[string]any{"channel": msg.Channel, "chat_id": msg.ChatID},
	}
	d.reply(msg, d.router.Handle(ctx, req, msg.SenderID))
}

func (d *Dispatcher) reply(msg domain.InboundMessage, resp *domain.Response) {
	d.bus.SendOutbound(domain.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  resp.Text,
		Format:   "text",
		Response: resp,
	})
	d.emit(bus.EventMessageSent, msg.Channel, map[string]any{
		"chat_id": msg.ChatID,
		"source":  resp.Source,
		"success": resp.Success,
	})
}

func (d *Dispatcher) emit(eventType, source string, payload map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Emit(bus.Event{Type: eventType, Source: source, Payload: payload})
}
