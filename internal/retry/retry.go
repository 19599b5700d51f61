package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/evbridge/telebridge/internal/apierror"
	"github.com/evbridge/telebridge/internal/circuitbreaker"
	"github.com/evbridge/telebridge/internal/metrics"
)

// Execute runs op up to p.MaxAttempts times through the upstream's breaker.
// It returns the number of loop iterations performed and the final result.
//
// A CircuitOpen result terminates the loop immediately — the breaker's
// decision is final and retrying would only hammer a circuit that just
// rejected us. A non-retryable error is returned as-is. A retryable error
// triggers a backoff sleep, but only if the projected wake-up time still
// fits within ctx's deadline; otherwise the budget is spent and the last
// error is surfaced as RetryExhausted.
//
// The backoff sleep suspends only this call chain: it waits on a timer or
// ctx cancellation, never blocking other requests.
func Execute(ctx context.Context, upstream string, p Policy, br *circuitbreaker.Breaker, logger *slog.Logger, op func(context.Context) error) (int, error) {
	p = p.Normalized()

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := br.Guard(ctx, op)
		if err == nil {
			return attempt, nil
		}

		if apierror.KindOf(err) == apierror.KindCircuitOpen {
			return attempt, err
		}

		lastErr = err
		if !p.Retryable(err) {
			return attempt, err
		}
		if attempt >= p.MaxAttempts {
			return attempt, exhausted(p, attempt, lastErr)
		}

		delay := p.Delay(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			return attempt, exhausted(p, attempt, lastErr)
		}

		metrics.RetryTotal.WithLabelValues(upstream).Inc()
		logger.Warn("retrying upstream call",
			"upstream", upstream,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, exhausted(p, attempt, lastErr)
		case <-timer.C:
		}
	}
}

// exhausted wraps the last retryable error once the attempt or deadline
// budget runs out. The retry-after hint is the backoff the caller would
// have waited next. A last error caused by an expired deadline keeps the
// deadline code so the client sees a 504 rather than a generic 502.
func exhausted(p Policy, attempt int, lastErr error) error {
	code := apierror.CodeRetryExhausted
	message := "retry attempts exhausted"
	if errors.Is(lastErr, context.DeadlineExceeded) {
		code = apierror.CodeDeadline
		message = "deadline exceeded before upstream recovered"
	}
	return &apierror.Error{
		Kind:       apierror.KindRetryExhausted,
		Code:       code,
		Message:    message,
		RetryAfter: p.Delay(attempt),
		Err:        lastErr,
	}
}
