package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lying200/db-bench-order/internal/config"
	"github.com/lying200/db-bench-order/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mu          sync.Mutex
	writeFunc   func(ctx context.Context, ev *types.RawEvent) error
	events      []*types.RawEvent
	flushes     int
	closeCalled bool
}

func (m *mockWriter) Write(ctx context.Context, ev *types.RawEvent) error {
	if m.writeFunc != nil {
		if err := m.writeFunc(ctx, ev); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockWriter) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *mockWriter) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockWriter) received() []*types.RawEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.RawEvent(nil), m.events...)
}

func routeByKey(ev *types.RawEvent) string {
	v, _ := ev.After.Get("id")
	return ev.Source.Table + "/" + types.FormatValue(v)
}

func event(id int, pos types.Position) *types.RawEvent {
	return &types.RawEvent{
		Op:       "u",
		Source:   types.Source{DB: "d", Table: "order"},
		After:    types.FieldSet{{Name: "id", Value: int64(id)}, {Name: "seq", Value: int64(pos)}},
		Position: pos,
	}
}

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{WorkerCount: 4, BufferSize: 16, CheckpointInterval: time.Hour}
}

func TestDispatcherRoutesAndCommits(t *testing.T) {
	writers := []*mockWriter{{}, {}, {}, {}}
	ews := make([]EventWriter, len(writers))
	for i, w := range writers {
		ews[i] = w
	}
	cm := NewCheckpointManager(0)
	d := NewDispatcher(pipelineConfig(), ews, routeByKey, cm)

	in := make(chan *types.RawEvent)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), in) }()

	pos := types.Position(0)
	for round := 0; round < 5; round++ {
		for id := 0; id < 10; id++ {
			pos++
			in <- event(id, pos)
		}
	}
	close(in)
	require.NoError(t, <-done)

	owner := make(map[int]int)
	total := 0
	for wi, w := range writers {
		assert.True(t, w.closeCalled)
		var last = make(map[int]int64)
		for _, ev := range w.received() {
			total++
			idv, _ := ev.After.Get("id")
			id := int(idv.(int64))
			if prev, ok := owner[id]; ok {
				assert.Equal(t, prev, wi, "document %d handled by two workers", id)
			}
			owner[id] = wi

			seq, _ := ev.After.Get("seq")
			assert.Greater(t, seq.(int64), last[id], "document %d out of order", id)
			last[id] = seq.(int64)
		}
	}
	assert.Equal(t, 50, total)
	assert.Equal(t, types.Position(50), cm.GetSafePosition())
}

func TestWorkerFailureStopsPipeline(t *testing.T) {
	boom := errors.New("interrupted")
	failing := &mockWriter{writeFunc: func(ctx context.Context, ev *types.RawEvent) error { return boom }}
	cm := NewCheckpointManager(0)
	d := NewDispatcher(pipelineConfig(), []EventWriter{failing}, routeByKey, cm)

	in := make(chan *types.RawEvent, 1)
	in <- event(1, 7)

	err := d.Run(context.Background(), in)
	require.ErrorIs(t, err, boom)
	assert.True(t, failing.closeCalled)
	assert.Equal(t, types.Position(0), cm.GetSafePosition(), "lost events must not be committed")
}

func TestWorkerCheckpointTick(t *testing.T) {
	w := &mockWriter{}
	cm := NewCheckpointManager(0)
	cfg := pipelineConfig()
	cfg.CheckpointInterval = 10 * time.Millisecond
	worker := NewWorker(0, cfg, w, cm)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	cm.Track(3)
	worker.in <- event(1, 3)

	require.Eventually(t, func() bool {
		return cm.GetSafePosition() == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Greater(t, w.flushes, 0)
	assert.True(t, w.closeCalled)
}

func ExampleDispatcher() {
	cm := NewCheckpointManager(0)
	w := &mockWriter{}
	d := NewDispatcher(config.PipelineConfig{BufferSize: 1, CheckpointInterval: time.Hour}, []EventWriter{w}, routeByKey, cm)

	in := make(chan *types.RawEvent, 1)
	in <- event(1, 1)
	close(in)
	_ = d.Run(context.Background(), in)

	fmt.Println(len(w.received()), cm.GetSafePosition())
	// Output: 1 0/1
}
