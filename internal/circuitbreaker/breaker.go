// Package circuitbreaker provides per-upstream circuit breakers that guard
// calls to the telematics backends. A breaker opens after a configurable run
// of consecutive failures, fast-fails callers for a recovery period, then
// admits a limited number of trial calls to probe recovery.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evbridge/telebridge/internal/apierror"
	"github.com/evbridge/telebridge/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; limited trial calls test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the per-upstream breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive breaker-relevant
	// failures that opens the circuit.
	FailureThreshold uint32

	// RecoveryTimeout is how long the circuit stays open before a trial
	// call is admitted.
	RecoveryTimeout time.Duration

	// HalfOpenTrials is the number of concurrent trial calls admitted
	// while half-open. The canonical value is 1.
	HalfOpenTrials int
}

// Breaker is a single upstream's circuit breaker. All state lives behind one
// mutex; the guarded network call itself always runs outside the lock.
type Breaker struct {
	mu sync.Mutex

	upstream string
	cfg      Config
	logger   *slog.Logger

	state               State
	consecutiveFailures uint32
	openedAt            time.Time
	trialsInFlight      int
}

// New creates a closed breaker for the given upstream.
func New(upstream string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.HalfOpenTrials < 1 {
		cfg.HalfOpenTrials = 1
	}
	return &Breaker{
		upstream: upstream,
		cfg:      cfg,
		logger:   logger,
		state:    StateClosed,
	}
}

// Guard runs op if the breaker admits the call and feeds the outcome back
// into the breaker's health tracking. When the circuit is open (or all
// half-open trial slots are taken) op is never invoked and a CircuitOpen
// error carrying the remaining recovery time is returned.
func (b *Breaker) Guard(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	// A panicking op must still release its trial slot, or a half-open
	// breaker would reject every caller from then on. The panic is
	// recorded as an inconclusive outcome and propagates to the caller.
	completed := false
	defer func() {
		if !completed {
			b.RecordOutcome(context.Canceled)
		}
	}()
	err := op(ctx)
	completed = true
	b.RecordOutcome(err)
	return err
}

// admit decides whether a call may proceed. An Open breaker whose recovery
// timeout has elapsed transitions to HalfOpen and admits the caller as the
// trial in the same critical section, so concurrent callers cannot race
// past the trial limit.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
		if remaining > 0 {
			return openError(b.upstream, remaining)
		}
		b.transitionTo(StateHalfOpen)
		b.trialsInFlight = 1
		return nil
	case StateHalfOpen:
		if b.trialsInFlight < b.cfg.HalfOpenTrials {
			b.trialsInFlight++
			return nil
		}
		// A trial is already probing; reject until it resolves.
		return openError(b.upstream, time.Second)
	default:
		return nil
	}
}

// RecordOutcome updates the breaker's health counters from a call result.
// Only breaker-relevant errors (transport failures, upstream 5xx) count
// toward the failure threshold; a response — even an error response blaming
// the caller — proves the upstream is alive. A cancelled call is
// inconclusive: it releases its half-open trial slot without transitioning.
func (b *Breaker) RecordOutcome(err error) {
	failed, inconclusive := classifyOutcome(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if inconclusive {
			return
		}
		if failed {
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.transitionTo(StateOpen)
			}
			return
		}
		b.consecutiveFailures = 0

	case StateHalfOpen:
		if b.trialsInFlight > 0 {
			b.trialsInFlight--
		}
		if inconclusive {
			return
		}
		if failed {
			b.transitionTo(StateOpen)
			return
		}
		b.transitionTo(StateClosed)

	case StateOpen:
		// Late outcome from a call admitted before the circuit opened.
		if failed {
			b.openedAt = time.Now()
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// Snapshot is a point-in-time view of a breaker for admin and health
// endpoints.
type Snapshot struct {
	Upstream            string    `json:"upstream"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	FailureThreshold    uint32    `json:"failure_threshold"`
	RecoveryTimeout     string    `json:"recovery_timeout"`
}

// Snapshot returns the breaker's current state for inspection.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Upstream:            b.upstream,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		FailureThreshold:    b.cfg.FailureThreshold,
		RecoveryTimeout:     b.cfg.RecoveryTimeout.String(),
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.upstream, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.upstream).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"upstream", b.upstream,
		"from", from.String(),
		"to", newState.String(),
		"consecutive_failures", b.consecutiveFailures,
	)

	switch newState {
	case StateClosed:
		b.consecutiveFailures = 0
		b.trialsInFlight = 0
	case StateOpen:
		b.openedAt = time.Now()
		b.trialsInFlight = 0
	case StateHalfOpen:
		b.trialsInFlight = 0
	}
}

// classifyOutcome maps a call result to the breaker's view of upstream
// health: (failed, inconclusive).
func classifyOutcome(err error) (bool, bool) {
	if err == nil {
		return false, false
	}
	if errors.Is(err, context.Canceled) {
		// The caller went away mid-attempt; says nothing about upstream health.
		return false, true
	}
	if apierror.BreakerRelevant(err) {
		return true, false
	}
	return false, false
}

func openError(upstream string, remaining time.Duration) error {
	return &apierror.Error{
		Kind:       apierror.KindCircuitOpen,
		Code:       apierror.CodeCircuitOpen,
		Message:    fmt.Sprintf("circuit breaker open for upstream %q", upstream),
		RetryAfter: remaining,
	}
}
