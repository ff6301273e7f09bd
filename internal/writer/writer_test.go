package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lying200/db-bench-order/internal/buffer"
	"github.com/lying200/db-bench-order/internal/clock"
	"github.com/lying200/db-bench-order/internal/index"
	"github.com/lying200/db-bench-order/internal/normalize"
	"github.com/lying200/db-bench-order/internal/retry"
	"github.com/lying200/db-bench-order/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	mu         sync.Mutex
	pingErr    error
	bulkFunc   func(ops []types.IndexOperation)
	batches    [][]types.IndexOperation
	closeCalls int
}

func (m *mockTransport) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockTransport) Bulk(ctx context.Context, ops []types.IndexOperation) (*types.BulkResult, error) {
	if m.bulkFunc != nil {
		m.bulkFunc(ops)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, ops)
	return &types.BulkResult{}, nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

func (m *mockTransport) bulkCalls() [][]types.IndexOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]types.IndexOperation(nil), m.batches...)
}

func testConfig() Config {
	return Config{
		ID:            1,
		BulkSize:      3,
		FlushInterval: 10 * time.Second,
		Index: index.Options{
			ConnectRetry: retry.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Second},
			BulkRetry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Second},
		},
	}
}

func newWriter(t *testing.T, tr *mockTransport, opts ...Option) *Writer {
	n := normalize.New(normalize.NewKeyResolver(normalize.DefaultPrimaryKeys(), normalize.DefaultKey))
	opts = append([]Option{WithClock(clock.NewFake(time.Unix(0, 0)))}, opts...)
	w, err := New(context.Background(), testConfig(), n,
		func(ctx context.Context) (index.Transport, error) { return tr, nil }, opts...)
	require.NoError(t, err)
	return w
}

func orderEvent(op string, id int64) *types.RawEvent {
	fields := types.FieldSet{{Name: "order_id", Value: id}, {Name: "total", Value: int64(100)}}
	ev := &types.RawEvent{Op: op, Source: types.Source{DB: "mall4cloud_order", Table: "order"}}
	if op == "d" {
		ev.Before = fields
	} else {
		ev.After = fields
	}
	return ev
}

func TestNewConnectFailure(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := &mockTransport{pingErr: errors.New("connection refused")}
	n := normalize.New(nil)

	w, err := New(context.Background(), testConfig(), n,
		func(ctx context.Context) (index.Transport, error) { return tr, nil }, WithClock(clk))
	require.Error(t, err)
	assert.Nil(t, w)

	var connErr *index.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Len(t, clk.Sleeps(), 4)
	assert.Equal(t, 1, tr.closeCalls)
}

func TestWriterLifecycle(t *testing.T) {
	tr := &mockTransport{}
	var reports []buffer.FlushReport
	w := newWriter(t, tr, WithFlushHook(func(id int, r buffer.FlushReport) {
		assert.Equal(t, 1, id)
		reports = append(reports, r)
	}))
	ctx := context.Background()
	assert.Equal(t, StateActive, w.State())

	require.NoError(t, w.Write(ctx, orderEvent("c", 1)))
	require.NoError(t, w.Write(ctx, orderEvent("d", 2)))
	assert.Empty(t, tr.bulkCalls())

	require.NoError(t, w.Flush(ctx))
	calls := tr.bulkCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []types.IndexOperation{
		{Action: types.ActionUpsert, Index: "order", DocumentID: "1", Document: types.FieldSet{{Name: "order_id", Value: int64(1)}, {Name: "total", Value: int64(100)}}},
		{Action: types.ActionDelete, Index: "order", DocumentID: "2"},
	}, calls[0])
	assert.Equal(t, StateActive, w.State())
	require.Len(t, reports, 1)
	assert.Equal(t, buffer.ReasonForced, reports[0].Reason)

	require.NoError(t, w.Write(ctx, orderEvent("u", 3)))
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, StateClosed, w.State())
	assert.Len(t, tr.bulkCalls(), 2, "close performs a final flush")
	assert.Equal(t, 1, tr.closeCalls)

	assert.ErrorIs(t, w.Write(ctx, orderEvent("c", 4)), ErrClosed)
	assert.ErrorIs(t, w.Flush(ctx), ErrClosed)
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, 1, tr.closeCalls)
}

func TestWriterDropsInvalidEvents(t *testing.T) {
	tr := &mockTransport{}
	w := newWriter(t, tr)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, &types.RawEvent{Op: "t", Source: types.Source{Table: "order"}}))
	require.NoError(t, w.Write(ctx, &types.RawEvent{Op: "c", Source: types.Source{Table: "order"}, After: types.FieldSet{{Name: "total", Value: int64(1)}}}))
	assert.Equal(t, int64(2), w.Dropped())
	assert.Equal(t, StateActive, w.State())

	require.NoError(t, w.Flush(ctx))
	assert.Empty(t, tr.bulkCalls())
}

func TestWriterSizeTriggeredFlush(t *testing.T) {
	tr := &mockTransport{}
	w := newWriter(t, tr)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, w.Write(ctx, orderEvent("c", i)))
	}
	calls := tr.bulkCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 3)
	assert.Equal(t, 1, w.Stats().Flushes)
}

func TestWriterConcurrentWrites(t *testing.T) {
	tr := &mockTransport{}
	w := newWriter(t, tr)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, w.Write(ctx, orderEvent("c", int64(p*1000+i))))
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, w.Close(ctx))

	seen := make(map[string]bool)
	for _, batch := range tr.bulkCalls() {
		for _, op := range batch {
			assert.False(t, seen[op.DocumentID])
			seen[op.DocumentID] = true
		}
	}
	assert.Len(t, seen, 200)
}

func TestWriterStateDuringConcurrentFlushes(t *testing.T) {
	tr := &mockTransport{}
	cfg := testConfig()
	cfg.BulkSize = 1000
	n := normalize.New(normalize.NewKeyResolver(normalize.DefaultPrimaryKeys(), normalize.DefaultKey))
	w, err := New(context.Background(), cfg, n,
		func(ctx context.Context) (index.Transport, error) { return tr, nil }, WithClock(clock.NewFake(time.Unix(0, 0))))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []State
	tr.bulkFunc = func(ops []types.IndexOperation) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, w.State())
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, w.Write(context.Background(), orderEvent("c", id)))
			assert.NoError(t, w.Flush(context.Background()))
		}(int64(i + 1))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, s := range seen {
		assert.Equal(t, StateFlushing, s)
	}
	assert.Equal(t, StateActive, w.State())
}
