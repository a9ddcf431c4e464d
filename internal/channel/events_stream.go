package channel

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"jarvis/internal/bus"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// EventStream pushes system events to WebSocket clients as JSON text
// frames. A client may pass ?type= to receive one event type only. Slow
// clients lose events rather than stall the emitter.
type EventStream struct {
	events    *bus.EventBus
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	handlerID string

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn   *websocket.Conn
	filter string
	send   chan bus.Event
}

func NewEventStream(events *bus.EventBus, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EventStream{
		events: events,
		logger: logger.With("component", "event_stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*streamClient]struct{}),
	}
	s.handlerID = events.On("*", s.broadcast)
	return s
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &streamClient{conn: conn, filter: r.URL.Query().Get("type"), send: make(chan bus.Event, streamBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("event stream client connected", "remote", r.RemoteAddr, "filter", c.filter)

	go s.writeLoop(c)

	// Reads only detect the close; clients have nothing to say.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("event stream read error", "err", err)
			}
			break
		}
	}
	s.remove(c)
}

func (s *EventStream) writeLoop(c *streamClient) {
	defer c.conn.Close()
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := c.conn.WriteJSON(ev); err != nil {
			s.logger.Debug("event stream write failed", "err", err)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *EventStream) broadcast(ev bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.filter != "" && !bus.MatchType(c.filter, ev.Type) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			s.logger.Warn("event stream client too slow, dropping event", "event", ev.Type)
		}
	}
}

func (s *EventStream) remove(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Clients reports the number of connected clients.
func (s *EventStream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close unsubscribes from the event bus and disconnects every client.
func (s *EventStream) Close() {
	s.events.Off("*", s.handlerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}
