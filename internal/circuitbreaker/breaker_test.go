package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/evbridge/telebridge/internal/apierror"
	"github.com/evbridge/telebridge/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

func newTestBreaker(threshold uint32, recovery time.Duration) *Breaker {
	return New("telematics", Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenTrials:   1,
	}, slog.Default())
}

func transportErr() error {
	return apierror.New(apierror.KindTransport, apierror.CodeTransport, "connection refused")
}

func serverErr() error {
	return apierror.New(apierror.KindUpstreamServer, apierror.CodeUpstreamServer, "upstream returned 503")
}

func clientErr() error {
	return &apierror.Error{Kind: apierror.KindUpstreamClient, Code: apierror.CodeUpstreamClient, Message: "upstream returned 404", Status: 404}
}

func TestBreaker_StartsClosedAndAdmits(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second)

	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}

	called := false
	err := b.Guard(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected operation to be invoked on closed breaker")
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second)

	b.RecordOutcome(transportErr())
	b.RecordOutcome(serverErr())
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after 2 failures, got %v", b.State())
	}

	b.RecordOutcome(transportErr())
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after 3rd failure, got %v", b.State())
	}
}

func TestBreaker_OpenFastFailsWithoutInvoking(t *testing.T) {
	b := newTestBreaker(1, 30*time.Second)
	b.RecordOutcome(transportErr())

	invoked := false
	err := b.Guard(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	if invoked {
		t.Fatal("operation must not be invoked while circuit is open")
	}
	if apierror.KindOf(err) != apierror.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}

	var ae *apierror.Error
	if !errors.As(err, &ae) {
		t.Fatal("expected *apierror.Error")
	}
	if ae.RetryAfter <= 0 || ae.RetryAfter > 30*time.Second {
		t.Fatalf("expected RetryAfter within (0, 30s], got %v", ae.RetryAfter)
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second)

	b.RecordOutcome(transportErr())
	b.RecordOutcome(transportErr())
	if got := b.ConsecutiveFailures(); got != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", got)
	}

	b.RecordOutcome(nil)
	if got := b.ConsecutiveFailures(); got != 0 {
		t.Fatalf("expected reset to 0, got %d", got)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
}

func TestBreaker_ClientErrorsNeverCount(t *testing.T) {
	b := newTestBreaker(2, 30*time.Second)

	for i := 0; i < 10; i++ {
		b.RecordOutcome(clientErr())
	}
	if b.State() != StateClosed {
		t.Fatalf("client errors must not open the circuit, got %v", b.State())
	}
	if got := b.ConsecutiveFailures(); got != 0 {
		t.Fatalf("client errors must not count, got %d", got)
	}
}

func TestBreaker_OpenToHalfOpenAdmitsOneTrial(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)
	b.RecordOutcome(transportErr())

	time.Sleep(60 * time.Millisecond)

	// Hold the trial slot open: the operation blocks until released.
	release := make(chan struct{})
	trialStarted := make(chan struct{})
	var trialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trialErr = b.Guard(context.Background(), func(context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}

	// Concurrent callers are rejected while the trial is in flight.
	for i := 0; i < 3; i++ {
		err := b.Guard(context.Background(), func(context.Context) error { return nil })
		if apierror.KindOf(err) != apierror.KindCircuitOpen {
			t.Fatalf("expected CircuitOpen for concurrent caller, got %v", err)
		}
	}

	close(release)
	wg.Wait()

	if trialErr != nil {
		t.Fatalf("trial should have succeeded: %v", trialErr)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after trial success, got %v", b.State())
	}
	if got := b.ConsecutiveFailures(); got != 0 {
		t.Fatalf("expected 0 consecutive failures after close, got %d", got)
	}
}

func TestBreaker_FailedTrialReopensAndResetsTimer(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)
	b.RecordOutcome(transportErr())

	time.Sleep(60 * time.Millisecond)

	err := b.Guard(context.Background(), func(context.Context) error {
		return serverErr()
	})
	if apierror.KindOf(err) != apierror.KindUpstreamServer {
		t.Fatalf("expected the trial's own error, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after failed trial, got %v", b.State())
	}

	// The recovery timer restarted: an immediate call is still rejected.
	err = b.Guard(context.Background(), func(context.Context) error { return nil })
	if apierror.KindOf(err) != apierror.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen right after reopen, got %v", err)
	}
}

func TestBreaker_CancelledTrialReleasesSlot(t *testing.T) {
	b := newTestBreaker(1, 30*time.Millisecond)
	b.RecordOutcome(transportErr())

	time.Sleep(40 * time.Millisecond)

	// Trial outcome is a cancellation: inconclusive, no transition.
	cancelled := apierror.Wrap(apierror.KindTransport, apierror.CodeTransport, "call aborted", context.Canceled)
	_ = b.Guard(context.Background(), func(context.Context) error {
		return cancelled
	})

	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen after inconclusive trial, got %v", b.State())
	}

	// The slot is free again: the next caller becomes the new trial.
	err := b.Guard(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected new trial to be admitted: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after successful trial, got %v", b.State())
	}
}

func TestBreaker_PanickingTrialReleasesSlot(t *testing.T) {
	b := newTestBreaker(1, 30*time.Millisecond)
	b.RecordOutcome(transportErr())

	time.Sleep(40 * time.Millisecond)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the trial's panic to propagate")
			}
		}()
		b.Guard(context.Background(), func(context.Context) error { //nolint:errcheck
			panic("codec blew up mid-call")
		})
	}()

	// The panic is inconclusive: no transition, but the slot is released
	// so the next caller becomes the new trial.
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen after panicked trial, got %v", b.State())
	}
	err := b.Guard(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected new trial to be admitted after panic: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after successful trial, got %v", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(1, 30*time.Second)
	b.RecordOutcome(transportErr())
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after Reset, got %v", b.State())
	}
	if got := b.ConsecutiveFailures(); got != 0 {
		t.Fatalf("expected 0 failures after Reset, got %d", got)
	}
}

func TestBreaker_MultiTrialHalfOpen(t *testing.T) {
	b := New("telematics", Config{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
		HalfOpenTrials:   2,
	}, slog.Default())
	b.RecordOutcome(transportErr())

	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Guard(context.Background(), func(context.Context) error { //nolint:errcheck
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	<-started
	<-started

	// Third concurrent caller exceeds the trial limit.
	err := b.Guard(context.Background(), func(context.Context) error { return nil })
	if apierror.KindOf(err) != apierror.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen beyond trial limit, got %v", err)
	}

	close(release)
	wg.Wait()
}

func TestBreaker_GuardConcurrencyStress(t *testing.T) {
	b := newTestBreaker(5, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Guard(context.Background(), func(context.Context) error { //nolint:errcheck
					if (i+j)%3 == 0 {
						return transportErr()
					}
					return nil
				})
			}
		}(i)
	}
	wg.Wait()

	// No assertion beyond termination; run with -race to verify the
	// synchronization.
	_ = b.State()
}
