// Package nats consumes Debezium change envelopes from a JetStream stream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lying200/db-bench-order/internal/config"
	"github.com/lying200/db-bench-order/internal/pipeline"
	"github.com/lying200/db-bench-order/internal/source/debezium"
	"github.com/lying200/db-bench-order/pkg/types"
)

const ackInterval = time.Second

// Source reads from a durable ack-all consumer. The stream sequence is the
// event position, and messages are acknowledged only up to the checkpoint's
// safe position, so anything not yet flushed is redelivered after a restart.
type Source struct {
	cfg        config.NATSSource
	checkpoint *pipeline.CheckpointManager
	outCh      chan<- *types.RawEvent
	acks       *ackTracker

	mu      sync.RWMutex
	stopped bool
}

func NewSource(cfg config.NATSSource, cm *pipeline.CheckpointManager, out chan<- *types.RawEvent) *Source {
	return &Source{
		cfg:        cfg,
		checkpoint: cm,
		outCh:      out,
		acks:       &ackTracker{},
	}
}

// Start blocks until ctx is done. It closes the output channel on return.
func (s *Source) Start(ctx context.Context) error {
	defer s.stop()

	nc, err := nats.Connect(s.cfg.URL, nats.Name("essync"))
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		AckPolicy:     jetstream.AckAllPolicy,
		FilterSubject: s.cfg.Subject,
		AckWait:       s.cfg.AckWait,
		MaxAckPending: s.cfg.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer cc.Stop()

	slog.Info("Consuming change stream", "stream", s.cfg.Stream, "consumer", s.cfg.Consumer, "subject", s.cfg.Subject)

	ticker := time.NewTicker(ackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cc.Stop()
			s.acks.ackUpTo(s.checkpoint.GetSafePosition())
			return nil
		case <-ticker.C:
			s.acks.ackUpTo(s.checkpoint.GetSafePosition())
		}
	}
}

func (s *Source) handle(ctx context.Context, msg jetstream.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	md, err := msg.Metadata()
	if err != nil {
		slog.Error("Failed to get message metadata", "error", err)
		return
	}

	ev, err := debezium.Decode(msg.Data())
	if errors.Is(err, debezium.ErrTombstone) {
		// covered by the next ack-all
		return
	}
	if err != nil {
		slog.Error("Invalid change envelope", "subject", msg.Subject(), "seq", md.Sequence.Stream, "error", err)
		if err := msg.Term(); err != nil {
			slog.Error("Failed to terminate message", "error", err)
		}
		return
	}
	ev.Position = types.Position(md.Sequence.Stream)
	if ev.Received.IsZero() {
		ev.Received = md.Timestamp
	}

	s.acks.add(ev.Position, msg)
	select {
	case s.outCh <- ev:
	case <-ctx.Done():
	}
}

// stop waits for running handlers to leave before closing the channel.
func (s *Source) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.outCh)
	}
}

type acker interface {
	Ack() error
}

type pendingAck struct {
	pos types.Position
	msg acker
}

// ackTracker holds delivered messages in stream order until the checkpoint
// passes them. With the ack-all policy one ack covers every earlier message.
type ackTracker struct {
	mu      sync.Mutex
	pending []pendingAck
}

func (t *ackTracker) add(pos types.Position, msg acker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, pendingAck{pos: pos, msg: msg})
}

// ackUpTo acknowledges the newest message at or below safe and forgets every
// message it covers. It reports the acknowledged position, zero if none.
func (t *ackTracker) ackUpTo(safe types.Position) types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for n < len(t.pending) && t.pending[n].pos <= safe {
		n++
	}
	if n == 0 {
		return 0
	}
	last := t.pending[n-1]
	if err := last.msg.Ack(); err != nil {
		slog.Error("Failed to acknowledge messages", "position", uint64(last.pos), "error", err)
		return 0
	}
	t.pending = append(t.pending[:0], t.pending[n:]...)
	return last.pos
}

func (t *ackTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
