package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/evbridge/telebridge/internal/apierror"
)

func newTestRegistry() *Registry {
	return NewRegistry(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenTrials:   1,
	}, slog.Default())
}

func TestRegistry_SameInstancePerUpstream(t *testing.T) {
	r := newTestRegistry()

	a := r.Get("telematics")
	b := r.Get("telematics")
	if a != b {
		t.Fatal("expected the same breaker instance for the same upstream")
	}

	c := r.Get("telemetry-sink")
	if c == a {
		t.Fatal("expected distinct breakers for distinct upstreams")
	}
}

func TestRegistry_UpstreamsAreIndependent(t *testing.T) {
	r := newTestRegistry()

	// Three consecutive transport errors open upstream "telematics".
	x := r.Get("telematics")
	for i := 0; i < 3; i++ {
		x.RecordOutcome(apierror.New(apierror.KindTransport, apierror.CodeTransport, "reset"))
	}
	if x.State() != StateOpen {
		t.Fatalf("expected telematics open, got %v", x.State())
	}

	// A fourth call to "telematics" fast-fails...
	err := x.Guard(context.Background(), func(context.Context) error { return nil })
	if apierror.KindOf(err) != apierror.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}

	// ...while "telemetry-sink" proceeds normally.
	y := r.Get("telemetry-sink")
	err = y.Guard(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected independent upstream to succeed: %v", err)
	}
	if y.State() != StateClosed {
		t.Fatalf("expected telemetry-sink closed, got %v", y.State())
	}
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	results := make([]*Breaker, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("telematics")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent Get returned different instances")
		}
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := newTestRegistry()
	r.Get("b-upstream")
	r.Get("a-upstream")

	snaps := r.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Upstream != "a-upstream" || snaps[1].Upstream != "b-upstream" {
		t.Fatalf("expected sorted snapshots, got %q, %q", snaps[0].Upstream, snaps[1].Upstream)
	}
	if snaps[0].State != "closed" {
		t.Fatalf("expected closed state, got %q", snaps[0].State)
	}
}
