package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lying200/db-bench-order/internal/config"
	"github.com/lying200/db-bench-order/pkg/types"
)

// EventWriter is one independent synchronization unit (see writer.Writer).
type EventWriter interface {
	Write(ctx context.Context, ev *types.RawEvent) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// RouteFunc returns the key that pins an event to a worker.
type RouteFunc func(ev *types.RawEvent) string

type Dispatcher struct {
	cfg        config.PipelineConfig
	workers    []*Worker
	route      RouteFunc
	checkPoint *CheckpointManager
}

func NewDispatcher(cfg config.PipelineConfig, writers []EventWriter, route RouteFunc, cm *CheckpointManager) *Dispatcher {
	workers := make([]*Worker, len(writers))
	for i, w := range writers {
		workers[i] = NewWorker(i, cfg, w, cm)
	}
	return &Dispatcher{
		cfg:        cfg,
		workers:    workers,
		route:      route,
		checkPoint: cm,
	}
}

// Run routes events from in to the workers until in is closed or ctx is done.
// Workers close their writers on the way out.
func (d *Dispatcher) Run(ctx context.Context, in <-chan *types.RawEvent) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	// Dispatch loop
	g.Go(func() error {
		defer func() {
			for _, w := range d.workers {
				close(w.in)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case event, ok := <-in:
				if !ok {
					return nil
				}
				w := d.workers[d.pick(event)]
				d.checkPoint.Track(event.Position)
				select {
				case w.in <- event:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	return g.Wait()
}

func (d *Dispatcher) pick(ev *types.RawEvent) int {
	return int(hash(d.route(ev)) % uint32(len(d.workers)))
}

func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

type Worker struct {
	id         int
	cfg        config.PipelineConfig
	writer     EventWriter
	in         chan *types.RawEvent
	pending    []types.Position
	checkpoint *CheckpointManager
}

func NewWorker(id int, cfg config.PipelineConfig, w EventWriter, cm *CheckpointManager) *Worker {
	return &Worker{
		id:         id,
		cfg:        cfg,
		writer:     w,
		in:         make(chan *types.RawEvent, cfg.BufferSize),
		checkpoint: cm,
	}
}

// Run feeds the writer and forces a flush on every checkpoint tick, after
// which the positions written since the previous tick are marked done.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.close(true)
			return nil
		case event, ok := <-w.in:
			if !ok {
				w.close(true)
				return nil
			}
			if err := w.writer.Write(ctx, event); err != nil {
				// buffered operations are gone; their positions stay pending
				w.close(false)
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("Writer failed", "worker", w.id, "error", err)
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			if event.Position != 0 {
				w.pending = append(w.pending, event.Position)
			}
		case <-ticker.C:
			if err := w.writer.Flush(ctx); err != nil {
				w.close(false)
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("worker %d: checkpoint flush: %w", w.id, err)
			}
			w.commit()
		}
	}
}

func (w *Worker) commit() {
	if len(w.pending) == 0 {
		return
	}
	w.checkpoint.MarkDone(w.pending...)
	w.pending = w.pending[:0]
}

// close shuts the writer down with a fresh context so the final flush can
// finish its retries after the pipeline context is cancelled.
func (w *Worker) close(commit bool) {
	if err := w.writer.Close(context.Background()); err != nil {
		slog.Error("Writer close failed", "worker", w.id, "error", err)
		return
	}
	if commit {
		w.commit()
	}
}
