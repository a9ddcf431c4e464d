package breaker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, failMax int) *Breaker {
	cfg := Config{FailMax: failMax, ResetTimeout: 30 * time.Second, now: clock.Now}
	return New("device_control", cfg, testLogger())
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterFailMax(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Call(context.Background(), fail), errBoom)
	}
	assert.Equal(t, Open, b.State())

	var invoked bool
	err := b.Call(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked, "open breaker must not invoke fn")

	snap := b.Snapshot()
	assert.Equal(t, 3, snap.Failures)
	assert.Equal(t, int64(1), snap.Rejections)
	assert.Equal(t, clock.Now().Add(30*time.Second), snap.NextRetry)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 3)

	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	require.NoError(t, b.Call(context.Background(), succeed))
	_ = b.Call(context.Background(), fail)

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreaker_HalfOpenTrialSucceeds(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3)
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), fail)
	}

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Call(context.Background(), succeed), ErrOpen)

	clock.Advance(time.Second)
	var calls int
	err := b.Call(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_HalfOpenTrialFailsRestartsWindow(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3)
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), fail)
	}

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Call(context.Background(), fail), errBoom)
	assert.Equal(t, Open, b.State())

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Call(context.Background(), succeed), ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Call(context.Background(), succeed))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_SingleTrialInFlight(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	_ = b.Call(context.Background(), fail)
	clock.Advance(30 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.Equal(t, HalfOpen, b.State())
	assert.ErrorIs(t, b.Call(context.Background(), succeed), ErrOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_LateResultFromClosedStateIgnored(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)

	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		slowDone <- b.Call(context.Background(), func(context.Context) error {
			close(slowStarted)
			<-releaseSlow
			return nil
		})
	}()
	<-slowStarted

	assert.ErrorIs(t, b.Call(context.Background(), fail), errBoom)
	require.Equal(t, Open, b.State())
	clock.Advance(30 * time.Second)

	trialStarted := make(chan struct{})
	releaseTrial := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Call(context.Background(), func(context.Context) error {
			close(trialStarted)
			<-releaseTrial
			return errBoom
		})
	}()
	<-trialStarted

	close(releaseSlow)
	require.NoError(t, <-slowDone)
	assert.Equal(t, HalfOpen, b.State(), "late success must not close the breaker")
	assert.ErrorIs(t, b.Call(context.Background(), succeed), ErrOpen)

	close(releaseTrial)
	assert.ErrorIs(t, <-trialDone, errBoom)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_LateFailureAfterResetIgnored(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 1)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return errBoom
		})
	}()
	<-started

	b.Reset()
	close(release)
	assert.ErrorIs(t, <-done, errBoom)
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	cfg := Config{FailMax: 1, ResetTimeout: time.Minute, CallTimeout: 20 * time.Millisecond}
	b := New("slow", cfg, testLogger())

	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_CallTimeoutIgnoredContext(t *testing.T) {
	cfg := Config{FailMax: 2, ResetTimeout: time.Minute, CallTimeout: 20 * time.Millisecond}
	b := New("stuck", cfg, testLogger())

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := b.Call(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	for _, timeout := range []time.Duration{0, time.Second} {
		cfg := Config{FailMax: 1, ResetTimeout: time.Minute, CallTimeout: timeout}
		b := New("panicky", cfg, testLogger())

		err := b.Call(context.Background(), func(context.Context) error {
			panic("executor exploded")
		})
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "executor exploded", pe.Value)
		assert.Equal(t, Open, b.State())
	}
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 1)
	_ = b.Call(context.Background(), fail)
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
	assert.True(t, b.Snapshot().NextRetry.IsZero())
	require.NoError(t, b.Call(context.Background(), succeed))
}

func TestBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cfg := Config{
		FailMax:      1,
		ResetTimeout: time.Second,
		now:          clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}
	b := New("lights", cfg, testLogger())

	_ = b.Call(context.Background(), fail)
	clock.Advance(time.Second)
	_ = b.Call(context.Background(), succeed)

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	var opened atomic.Int32
	cfg := Config{
		FailMax:      5,
		ResetTimeout: time.Minute,
		OnStateChange: func(_ string, _, to State) {
			if to == Open {
				opened.Add(1)
			}
		},
	}
	b := New("busy", cfg, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(context.Background(), fail)
		}()
	}
	wg.Wait()

	assert.Equal(t, Open, b.State())
	assert.Equal(t, int32(1), opened.Load())
	snap := b.Snapshot()
	assert.Equal(t, int64(50), snap.TotalFailures+snap.Rejections)
	assert.GreaterOrEqual(t, snap.TotalFailures, int64(5))
}

func TestExecute_ReturnsValue(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 3)

	v, err := Execute(context.Background(), b, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = Execute(context.Background(), b, func(context.Context) (string, error) {
		return "ignored", errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, v)
}

func TestState_MarshalText(t *testing.T) {
	text, err := HalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "half-open", string(text))
}

func TestState_UnmarshalText(t *testing.T) {
	for _, want := range []State{Closed, Open, HalfOpen} {
		text, err := want.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, want, got)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("ajar")))
}
