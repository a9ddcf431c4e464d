package bus

import (
	"sync"
	"testing"
	"time"

	"jarvis/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "cli", SenderID: "u1", Content: "hi"})

	select {
	case msg := <-b.Subscribe():
		assert.Equal(t, "cli", msg.Channel)
		assert.Equal(t, "hi", msg.Content)
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryBus_OutboundRouting(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	var (
		mu  sync.Mutex
		got []domain.OutboundMessage
	)
	b.OnOutbound("telegram", func(m domain.OutboundMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	})

	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "ok"})
	b.SendOutbound(domain.OutboundMessage{Channel: "nowhere", Content: "lost"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].ChatID)
	assert.EqualValues(t, 1, b.Stats().Undelivered)
}

func TestInMemoryBus_CloseIsIdempotent(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()

	_, ok := <-b.Subscribe()
	assert.False(t, ok)

	assert.NotPanics(t, func() { b.Publish(domain.InboundMessage{Channel: "cli"}) })
}

func TestInMemoryBus_DropsWhenFull(t *testing.T) {
	b := New(1, testLogger(), WithPublishTimeout(10*time.Millisecond))
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "cli", Content: "first"})
	b.Publish(domain.InboundMessage{Channel: "cli", Content: "second"})

	st := b.Stats()
	assert.EqualValues(t, 1, st.Published)
	assert.EqualValues(t, 1, st.Dropped)
	assert.Equal(t, 1, st.Pending)

	msg := <-b.Subscribe()
	assert.Equal(t, "first", msg.Content)
}

func TestInMemoryBus_WaitsForRoom(t *testing.T) {
	b := New(1, testLogger(), WithPublishTimeout(time.Second))
	defer b.Close()

	b.Publish(domain.InboundMessage{Content: "first"})
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-b.Subscribe()
	}()
	b.Publish(domain.InboundMessage{Content: "second"})

	assert.EqualValues(t, 2, b.Stats().Published)
	assert.Zero(t, b.Stats().Dropped)
}

func TestInMemoryBus_KeepsGivenTimestamp(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(domain.InboundMessage{Content: "x", Timestamp: at})
	assert.Equal(t, at, (<-b.Subscribe()).Timestamp)
}
