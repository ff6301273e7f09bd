package journal

import (
	"context"

	"github.com/lying200/db-bench-order/internal/clock"
	"github.com/lying200/db-bench-order/internal/retry"
)

type RetrySink struct {
	next   Sink
	policy retry.Policy
	name   string
	clock  clock.Clock
}

func NewRetrySink(name string, next Sink, policy retry.Policy, clk clock.Clock) *RetrySink {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RetrySink{
		next:   next,
		policy: policy,
		name:   name,
		clock:  clk,
	}
}

func (r *RetrySink) Write(ctx context.Context, entries []Entry) error {
	_, err := retry.Do(ctx, r.clock, r.name, r.policy, func(ctx context.Context, attempt int) error {
		return r.next.Write(ctx, entries)
	})
	return err
}

func (r *RetrySink) Close() error {
	return r.next.Close()
}
