package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"jarvis/internal/domain"
)

const (
	defaultBufferSize     = 100
	defaultPublishTimeout = 10 * time.Second
)

// InMemoryBus carries inbound messages from channels to the dispatcher and
// hands replies to the handler registered for their channel.
type InMemoryBus struct {
	inbound        chan domain.InboundMessage
	publishTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.RWMutex
	handlers map[string]func(domain.OutboundMessage)
	closed   bool

	published   atomic.Int64
	dropped     atomic.Int64
	undelivered atomic.Int64
}

// Option tunes a bus created by New.
type Option func(*InMemoryBus)

// WithPublishTimeout bounds how long Publish waits on a full bus before the
// message is dropped.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *InMemoryBus) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

// Stats are running counters since the bus was created.
type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`     // inbound, bus full or closed
	Undelivered int64 `json:"undelivered"` // outbound, no handler for channel
	Pending     int   `json:"pending"`
}

// New creates a bus buffering up to bufferSize inbound messages.
func New(bufferSize int, logger *slog.Logger, opts ...Option) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &InMemoryBus{
		inbound:        make(chan domain.InboundMessage, bufferSize),
		publishTimeout: defaultPublishTimeout,
		handlers:       make(map[string]func(domain.OutboundMessage)),
		logger:         logger.With("component", "bus"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish queues an inbound message, stamping it with the current time when
// it has none. On a full bus it waits up to the publish timeout, then drops
// the message.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		b.logger.Warn("publish on closed bus", "channel", msg.Channel)
		return
	}

	select {
	case b.inbound <- msg:
		b.published.Add(1)
		return
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "sender", msg.SenderID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		b.published.Add(1)
	case <-timer.C:
		b.dropped.Add(1)
		b.logger.Error("message dropped, bus full",
			"channel", msg.Channel,
			"sender", msg.SenderID,
			"waited", b.publishTimeout,
		)
	}
}

// Subscribe returns the inbound stream. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound calls the handler registered for msg.Channel on the caller's
// goroutine.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.undelivered.Add(1)
		b.logger.Warn("no handler registered for channel", "channel", msg.Channel)
		return
	}
	handler(msg)
}

// OnOutbound registers the reply handler for a channel, replacing any
// previous one.
func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Undelivered: b.undelivered.Load(),
		Pending:     len(b.inbound),
	}
}

// Close stops accepting messages and closes the inbound stream. Calling it
// again is a no-op.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
