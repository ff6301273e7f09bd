// Package writer runs one synchronization unit: it normalizes change events,
// buffers their index operations and owns a dedicated index engine connection.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lying200/db-bench-order/internal/buffer"
	"github.com/lying200/db-bench-order/internal/clock"
	"github.com/lying200/db-bench-order/internal/index"
	"github.com/lying200/db-bench-order/internal/normalize"
	"github.com/lying200/db-bench-order/internal/telemetry"
	"github.com/lying200/db-bench-order/pkg/types"
)

type State int32

const (
	StateCreated State = iota
	StateActive
	StateFlushing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateFlushing:
		return "flushing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var ErrClosed = errors.New("writer closed")

type Config struct {
	ID            int
	BulkSize      int
	FlushInterval time.Duration
	Index         index.Options
}

type Option func(*Writer)

func WithClock(clk clock.Clock) Option {
	return func(w *Writer) { w.clock = clk }
}

// WithFlushHook registers a non-blocking observer of flush outcomes.
func WithFlushHook(fn func(id int, r buffer.FlushReport)) Option {
	return func(w *Writer) { w.onFlush = fn }
}

type Writer struct {
	id         int
	normalizer *normalize.Normalizer
	client     *index.Client
	buffer     *buffer.Buffer
	clock      clock.Clock
	onFlush    func(id int, r buffer.FlushReport)

	state   atomic.Int32
	mu      sync.RWMutex // held exclusively by Close
	flushMu sync.Mutex
	dropped atomic.Int64
}

// New connects to the index engine and returns an active writer. A failed
// connection is fatal: no writer is returned.
func New(ctx context.Context, cfg Config, n *normalize.Normalizer, dial index.Dialer, opts ...Option) (*Writer, error) {
	w := &Writer{
		id:         cfg.ID,
		normalizer: n,
		clock:      clock.Real(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.state.Store(int32(StateCreated))

	idxOpts := cfg.Index
	idxOpts.Clock = w.clock
	client, err := index.Connect(ctx, dial, idxOpts)
	if err != nil {
		return nil, fmt.Errorf("writer %d: %w", cfg.ID, err)
	}
	w.client = client
	w.buffer = buffer.New(client, buffer.Options{
		Size:     cfg.BulkSize,
		Interval: cfg.FlushInterval,
		Clock:    w.clock,
		OnFlush:  w.reportFlush,
	})
	w.state.Store(int32(StateActive))

	slog.Info("Writer started", "worker", w.id, "bulk_size", cfg.BulkSize, "flush_interval", cfg.FlushInterval)
	return w, nil
}

func (w *Writer) ID() int { return w.id }

func (w *Writer) State() State { return State(w.state.Load()) }

// Dropped returns the number of events discarded by normalization.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

func (w *Writer) Stats() buffer.Stats { return w.buffer.Stats() }

// Write normalizes raw and buffers its index operation. Events that cannot be
// normalized are logged and skipped. The returned error is fatal for the writer.
func (w *Writer) Write(ctx context.Context, raw *types.RawEvent) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.State() == StateClosed {
		return ErrClosed
	}

	rec, err := w.normalizer.Normalize(raw)
	if err != nil {
		var nerr *normalize.NormalizationError
		if errors.As(err, &nerr) {
			w.dropped.Add(1)
			telemetry.NormalizationFailures.WithLabelValues(nerr.KindLabel()).Inc()
			telemetry.EventsProcessed.WithLabelValues("dropped").Inc()
			slog.Warn("Dropping change event",
				"worker", w.id,
				"db", raw.Source.DB,
				"table", raw.Source.Table,
				"op", raw.Op,
				"position", raw.Position,
				"error", err)
			return nil
		}
		return err
	}

	if err := w.buffer.Add(ctx, rec); err != nil {
		return fmt.Errorf("writer %d: %w", w.id, err)
	}
	telemetry.EventsProcessed.WithLabelValues("buffered").Inc()
	return nil
}

// Flush forces the buffered operations out and returns once the flush has
// completed or its batch was dropped.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.State() == StateClosed {
		return ErrClosed
	}
	// one forced flush at a time, so Flushing spans every one of them
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.state.Store(int32(StateFlushing))
	defer w.state.Store(int32(StateActive))

	if _, err := w.buffer.Flush(ctx); err != nil {
		return fmt.Errorf("writer %d: %w", w.id, err)
	}
	return nil
}

// Close performs a final flush and releases the index connection. Closed is
// terminal; repeated calls return nil.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.State() == StateClosed {
		return nil
	}
	w.state.Store(int32(StateClosed))

	var errs []error
	if err := w.buffer.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	if err := w.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close index client: %w", err))
	}

	stats := w.buffer.Stats()
	slog.Info("Writer closed",
		"worker", w.id,
		"flushes", stats.Flushes,
		"operations", stats.Operations,
		"dropped_batches", stats.Dropped,
		"dropped_events", w.dropped.Load())
	return errors.Join(errs...)
}

func (w *Writer) reportFlush(r buffer.FlushReport) {
	if w.onFlush != nil {
		w.onFlush(w.id, r)
	}
}
