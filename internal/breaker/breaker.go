// Package breaker implements the circuit breaker that guards skill execution.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = Closed
	case "open":
		*s = Open
	case "half-open":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

var (
	// ErrOpen is returned without calling the wrapped function while the
	// breaker is open, or while a half-open trial is already in flight.
	ErrOpen = errors.New("circuit breaker open")
	// ErrTimeout is returned when a call exceeds the per-call timeout.
	ErrTimeout = errors.New("call timed out")
)

// PanicError wraps a panic recovered from the wrapped function.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Config configures a breaker.
type Config struct {
	FailMax      int           // consecutive failures that open the breaker (default 3)
	ResetTimeout time.Duration // time open before a trial call is allowed (default 30s)
	CallTimeout  time.Duration // per-call bound, 0 disables

	// OnStateChange is called synchronously on every transition. It must not
	// call back into the breaker.
	OnStateChange func(name string, from, to State)

	now func() time.Time
}

// DefaultConfig returns fail_max 3, a 30s reset timeout and a 10s call timeout.
func DefaultConfig() Config {
	return Config{
		FailMax:      3,
		ResetTimeout: 30 * time.Second,
		CallTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailMax <= 0 {
		c.FailMax = d.FailMax
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Failures      int       `json:"consecutive_failures"`
	LastFailure   time.Time `json:"last_failure_time,omitzero"`
	NextRetry     time.Time `json:"next_retry_time,omitzero"`
	TotalCalls    int64     `json:"total_calls"`
	TotalFailures int64     `json:"total_failures"`
	Rejections    int64     `json:"rejections"`
}

// Breaker is a closed / open / half-open circuit breaker. The open to
// half-open transition happens lazily on the next call, and half-open admits
// exactly one trial call.
//
// Every state change starts a new generation. A call only affects the state
// of the generation that admitted it, so a slow call admitted while closed
// cannot decide a later half-open trial.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
	generation    uint64
	totalCalls    int64
	totalFailures int64
	rejections    int64
}

// New creates a closed breaker.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "breaker", "breaker", name),
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Call runs fn under the breaker. While open it returns an error wrapping
// ErrOpen without invoking fn. A timeout or a panic in fn counts as a
// failure. Cancellation of ctx by the caller is returned as is and does not
// count either way.
//
// When fn ignores its context, the timed-out goroutine keeps running until fn
// returns; its result is discarded.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := b.allow()
	if err != nil {
		return err
	}

	err = b.run(ctx, fn)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
		b.release(t)
		return err
	}
	b.record(t, err)
	return err
}

// ticket identifies an admitted call.
type ticket struct {
	generation uint64
	trial      bool
}

// Execute is Call for functions that return a value.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	if err != nil {
		// A timed-out fn may still be running; result is not ours to read.
		var zero T
		return zero, err
	}
	return result, nil
}

func (b *Breaker) allow() (ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.totalCalls++
		return ticket{generation: b.generation}, nil
	case Open:
		if !b.cfg.now().Before(b.lastFailure.Add(b.cfg.ResetTimeout)) {
			b.setState(HalfOpen)
			b.trialInFlight = true
			b.totalCalls++
			b.logger.Info("circuit breaker half-open, allowing trial call")
			return ticket{generation: b.generation, trial: true}, nil
		}
	case HalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			b.totalCalls++
			return ticket{generation: b.generation, trial: true}, nil
		}
	}
	b.rejections++
	return ticket{}, fmt.Errorf("%w: %s", ErrOpen, b.name)
}

func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if b.cfg.CallTimeout <= 0 {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrTimeout, b.cfg.CallTimeout, err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimeout, b.cfg.CallTimeout)
	}
}

func (b *Breaker) record(t ticket, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		if err != nil {
			b.totalFailures++
		}
		b.logger.Debug("ignoring outcome of call admitted in an earlier state", "err", err)
		return
	}
	if t.trial {
		b.trialInFlight = false
	}

	if err == nil {
		switch b.state {
		case HalfOpen:
			b.failures = 0
			b.setState(Closed)
			b.logger.Info("circuit breaker closed after successful trial")
		case Closed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.totalFailures++
	b.lastFailure = b.cfg.now()

	var pe *PanicError
	if errors.As(err, &pe) {
		b.logger.Error("call panicked", "panic", pe.Value, "stack", string(pe.Stack))
	}

	switch b.state {
	case HalfOpen:
		b.setState(Open)
		b.logger.Warn("circuit breaker reopened, trial call failed", "err", err)
	case Closed:
		if b.failures >= b.cfg.FailMax {
			b.setState(Open)
			b.logger.Warn("circuit breaker opened", "failures", b.failures, "err", err)
		}
	}
}

// release gives up a trial slot without recording an outcome.
func (b *Breaker) release(t ticket) {
	if !t.trial {
		return
	}
	b.mu.Lock()
	if t.generation == b.generation {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Reset forces the breaker closed and zeroes the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	b.failures = 0
	b.trialInFlight = false
	b.lastFailure = time.Time{}
	b.setState(Closed)
	if from == Closed {
		b.generation++
	}
	b.logger.Info("circuit breaker reset", "from", from.String())
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed still reports open until the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:          b.name,
		State:         b.state,
		Failures:      b.failures,
		LastFailure:   b.lastFailure,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		Rejections:    b.rejections,
	}
	if b.state == Open {
		s.NextRetry = b.lastFailure.Add(b.cfg.ResetTimeout)
	}
	return s
}
