package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/lying200/db-bench-order/internal/clock"
)

// Policy bounds a retry loop. With Multiplier 0 the wait before attempt n+1 is
// BaseDelay*n; otherwise it grows as BaseDelay*Multiplier^(n-1).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Multiplier <= 0 {
		return p.BaseDelay * time.Duration(attempt)
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// ExhaustedError is returned by Do when every attempt failed.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs op until it succeeds or the policy is exhausted, waiting on clk between
// attempts. It returns the number of attempts made. A cancelled ctx stops the loop
// with the context error.
func Do(ctx context.Context, clk clock.Clock, name string, p Policy, op func(ctx context.Context, attempt int) error) (int, error) {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = op(ctx, attempt); err == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Delay(attempt)
		slog.Warn("Operation failed, retrying",
			"operation", name,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"backoff", wait,
			"error", err)

		if sleepErr := clk.Sleep(ctx, wait); sleepErr != nil {
			return attempt, sleepErr
		}
	}
	return p.MaxAttempts, &ExhaustedError{Name: name, Attempts: p.MaxAttempts, Err: err}
}
