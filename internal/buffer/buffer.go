// Package buffer accumulates index operations and flushes them to the index
// engine in bulk batches.
package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lying200/db-bench-order/internal/clock"
	"github.com/lying200/db-bench-order/internal/telemetry"
	"github.com/lying200/db-bench-order/pkg/types"
)

const (
	DefaultSize     = 1000
	DefaultInterval = 10 * time.Second
)

var ErrClosed = errors.New("buffer closed")

// Executor submits one bulk batch. See index.Client.
type Executor interface {
	ExecuteBulk(ctx context.Context, ops []types.IndexOperation) (*types.BulkResult, error)
}

type Reason string

const (
	ReasonSize     Reason = "size"
	ReasonInterval Reason = "interval"
	ReasonForced   Reason = "forced"
	ReasonDrain    Reason = "drain"
)

type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeDropped     Outcome = "dropped"
	OutcomeInterrupted Outcome = "interrupted"
)

// FlushReport summarizes one executed flush.
type FlushReport struct {
	BatchID      uuid.UUID
	Reason       Reason
	Outcome      Outcome
	Operations   int
	Upserts      int
	Deletes      int
	ItemFailures int
	Attempts     int
	Duration     time.Duration
	At           time.Time
	Err          error
}

type Options struct {
	// Size is the number of buffered operations that triggers a flush.
	Size int
	// Interval is the age of the last flush after which the next Add flushes.
	Interval time.Duration
	Clock    clock.Clock
	// OnFlush is called after every flush while the buffer lock is held; it
	// must not block or call back into the buffer.
	OnFlush func(FlushReport)
}

type Stats struct {
	Flushes      int
	Dropped      int
	Interrupted  int
	Operations   int
	ItemFailures int
}

// Buffer is safe for concurrent use. The threshold check, the append and any
// triggered flush run under one lock, so Add blocks while a flush executes.
type Buffer struct {
	exec Executor
	opts Options

	mu        sync.Mutex
	ops       []types.IndexOperation
	lastFlush time.Time
	closed    bool
	stats     Stats
}

func New(exec Executor, opts Options) *Buffer {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Buffer{
		exec:      exec,
		opts:      opts,
		ops:       make([]types.IndexOperation, 0, opts.Size),
		lastFlush: opts.Clock.Now(),
	}
}

// Add queues the index operation of rec and flushes when a threshold is
// reached. A dropped batch is logged and does not fail Add; only an
// interrupted flush returns an error.
func (b *Buffer) Add(ctx context.Context, rec *types.ChangeRecord) error {
	op := rec.IndexOperation()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.ops = append(b.ops, op)

	if len(b.ops) >= b.opts.Size {
		return b.flushLocked(ctx, ReasonSize)
	}
	if b.opts.Clock.Now().Sub(b.lastFlush) > b.opts.Interval {
		return b.flushLocked(ctx, ReasonInterval)
	}
	return nil
}

// Flush submits whatever is buffered. It reports false, without calling the
// engine, when the buffer is empty.
func (b *Buffer) Flush(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ops) == 0 {
		return false, nil
	}
	return true, b.flushLocked(ctx, ReasonForced)
}

// Drain flushes the remaining operations and closes the buffer.
func (b *Buffer) Drain(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if len(b.ops) == 0 {
		return nil
	}
	return b.flushLocked(ctx, ReasonDrain)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Buffer) flushLocked(ctx context.Context, reason Reason) error {
	batch := b.ops
	b.ops = make([]types.IndexOperation, 0, b.opts.Size)

	report := FlushReport{
		BatchID:    uuid.New(),
		Reason:     reason,
		Operations: len(batch),
		At:         b.opts.Clock.Now(),
	}
	for _, op := range batch {
		if op.Action == types.ActionDelete {
			report.Deletes++
		} else {
			report.Upserts++
		}
	}

	slog.Debug("Flushing bulk buffer", "batch_id", report.BatchID, "reason", reason, "operations", len(batch))
	telemetry.BatchSize.Observe(float64(len(batch)))

	res, err := b.exec.ExecuteBulk(ctx, batch)
	b.lastFlush = b.opts.Clock.Now()
	report.Duration = b.lastFlush.Sub(report.At)
	report.Err = err
	b.stats.Flushes++

	switch {
	case err == nil:
		report.Outcome = OutcomeOK
		if res != nil {
			report.Attempts = res.Attempts
			report.ItemFailures = len(res.Failed())
		}
		b.stats.Operations += len(batch)
		b.stats.ItemFailures += report.ItemFailures
	case ctx.Err() != nil:
		// only the caller's context interrupts; a call timeout is a transport failure
		report.Outcome = OutcomeInterrupted
		b.stats.Interrupted++
		slog.Error("Bulk flush interrupted, buffered operations lost",
			"batch_id", report.BatchID,
			"operations", len(batch),
			"error", err)
	default:
		report.Outcome = OutcomeDropped
		b.stats.Dropped++
		slog.Error("Bulk flush failed, batch dropped",
			"batch_id", report.BatchID,
			"operations", len(batch),
			"error", err)
	}

	telemetry.BulkBatches.WithLabelValues(string(report.Outcome)).Inc()
	if b.opts.OnFlush != nil {
		b.opts.OnFlush(report)
	}

	if report.Outcome == OutcomeInterrupted {
		return err
	}
	return nil
}
