package channel

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedReader struct {
	lines  []string
	closed bool
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

// echoBackend answers every inbound message the way the dispatcher would.
func echoBackend(b *bus.InMemoryBus) {
	go func() {
		for msg := range b.Subscribe() {
			b.SendOutbound(domain.OutboundMessage{
				Channel:  msg.Channel,
				ChatID:   msg.ChatID,
				Content:  "echo " + msg.Content,
				Response: &domain.Response{Success: true, SkillUsed: "information_request"},
			})
		}
	}()
}

func runCLI(t *testing.T, lines ...string) (string, *scriptedReader) {
	t.Helper()
	b := bus.New(4, testLogger())
	defer b.Close()
	echoBackend(b)

	reader := &scriptedReader{lines: lines}
	var out bytes.Buffer
	cli := NewCLI(CLIConfig{Logger: testLogger(), Reader: reader, Out: &out, UserID: "tester"})

	done := make(chan error, 1)
	go func() { done <- cli.Start(context.Background(), b) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cli did not finish")
	}
	return out.String(), reader
}

func TestCLI_SendsLinesAndRendersReplies(t *testing.T) {
	out, reader := runCLI(t, "hello", "   ", "what time is it")

	assert.Contains(t, out, "Jarvis> echo hello")
	assert.Contains(t, out, "Jarvis> echo what time is it")
	assert.Contains(t, out, "[skill: information_request]")
	assert.True(t, reader.closed)
}

func TestCLI_QuitStopsReading(t *testing.T) {
	out, reader := runCLI(t, "first", "/quit", "never sent")

	assert.Contains(t, out, "echo first")
	assert.NotContains(t, out, "never sent")
	assert.Equal(t, []string{"never sent"}, reader.lines)
}

func TestCLI_ContextCancelStops(t *testing.T) {
	b := bus.New(4, testLogger())
	defer b.Close()

	// No backend: the reply never comes, so only cancellation ends Start.
	cli := NewCLI(CLIConfig{Logger: testLogger(), Reader: &scriptedReader{lines: []string{"hello"}}, Out: io.Discard})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cli.Start(ctx, b) }()

	select {
	case msg := <-b.Subscribe():
		assert.Equal(t, "cli-user", msg.SenderID)
	case <-time.After(time.Second):
		t.Fatal("message not published")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cli did not stop on cancel")
	}
}
