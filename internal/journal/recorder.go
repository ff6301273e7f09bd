package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lying200/db-bench-order/internal/buffer"
)

// Recorder batches entries into a Sink off the flush path. Record never
// blocks; entries arriving while the queue is full are dropped and counted.
type Recorder struct {
	sink      Sink
	batchSize int
	interval  time.Duration
	in        chan Entry
	batch     []Entry
	dropped   atomic.Int64
}

func NewRecorder(s Sink, batchSize int, interval time.Duration) *Recorder {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Recorder{
		sink:      s,
		batchSize: batchSize,
		interval:  interval,
		in:        make(chan Entry, batchSize*4),
		batch:     make([]Entry, 0, batchSize),
	}
}

// Record is safe to call from a buffer flush hook.
func (r *Recorder) Record(worker int, rep buffer.FlushReport) {
	select {
	case r.in <- Entry{Worker: worker, FlushReport: rep}:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run writes batches until ctx is done, then writes whatever is queued.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.flush(context.Background())
			return nil
		case e := <-r.in:
			r.batch = append(r.batch, e)
			if len(r.batch) >= r.batchSize {
				r.flush(ctx)
			}
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.in:
			r.batch = append(r.batch, e)
		default:
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	if len(r.batch) == 0 {
		return
	}
	if err := r.sink.Write(ctx, r.batch); err != nil {
		slog.Error("Journal write failed", "entries", len(r.batch), "error", err)
	}
	r.batch = r.batch[:0]
}
