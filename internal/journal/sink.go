// Package journal keeps an audit trail of bulk flush outcomes.
package journal

import (
	"context"

	"github.com/lying200/db-bench-order/internal/buffer"
)

// Entry is one flush report together with the worker that produced it.
type Entry struct {
	Worker int
	buffer.FlushReport
}

type Sink interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// Nop discards entries. It backs a disabled journal.
type Nop struct{}

func (Nop) Write(context.Context, []Entry) error { return nil }
func (Nop) Close() error                         { return nil }
