package pipeline

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lying200/db-bench-order/internal/telemetry"
	"github.com/lying200/db-bench-order/pkg/types"
)

// PositionHeap implements heap.Interface for types.Position
type PositionHeap []types.Position

func (h PositionHeap) Len() int           { return len(h) }
func (h PositionHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h PositionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *PositionHeap) Push(x interface{}) {
	*h = append(*h, x.(types.Position))
}

func (h *PositionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// CheckpointManager tracks positions handed to writers and reports the highest
// position below which every event has been flushed.
type CheckpointManager struct {
	mu          sync.Mutex
	inflight    PositionHeap // Min-heap of all tracked positions
	done        map[types.Position]int // a redelivered position is tracked once per delivery
	lastSafePos types.Position
}

func NewCheckpointManager(start types.Position) *CheckpointManager {
	cm := &CheckpointManager{
		inflight:    make(PositionHeap, 0),
		done:        make(map[types.Position]int),
		lastSafePos: start,
	}
	heap.Init(&cm.inflight)
	return cm
}

func (cm *CheckpointManager) Track(pos types.Position) {
	if pos == 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	heap.Push(&cm.inflight, pos)
}

func (cm *CheckpointManager) MarkDone(positions ...types.Position) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, pos := range positions {
		if pos != 0 {
			cm.done[pos]++
		}
	}

	// Advance safe position
	for cm.inflight.Len() > 0 {
		min := cm.inflight[0]
		if cm.done[min] > 0 {
			heap.Pop(&cm.inflight)
			if cm.done[min]--; cm.done[min] == 0 {
				delete(cm.done, min)
			}
			if min > cm.lastSafePos {
				cm.lastSafePos = min
			}
		} else {
			break
		}
	}
}

func (cm *CheckpointManager) GetSafePosition() types.Position {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lastSafePos
}

// CheckpointStore persists the safe position across restarts.
type CheckpointStore interface {
	Load(ctx context.Context) (types.Position, error)
	Save(ctx context.Context, pos types.Position) error
	Close() error
}

// Run persists the safe position every interval until ctx is done, then
// writes it one last time.
func (cm *CheckpointManager) Run(ctx context.Context, store CheckpointStore, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var saved types.Position
	persist := func(ctx context.Context) {
		pos := cm.GetSafePosition()
		if pos == saved {
			return
		}
		if err := store.Save(ctx, pos); err != nil {
			slog.Error("Failed to persist checkpoint", "position", pos, "error", err)
			return
		}
		saved = pos
		telemetry.CheckpointPosition.Set(float64(pos))
		slog.Debug("Checkpoint persisted", "position", pos)
	}

	for {
		select {
		case <-ctx.Done():
			persist(context.Background())
			return nil
		case <-ticker.C:
			persist(ctx)
		}
	}
}

// MemoryStore keeps the checkpoint in process memory only.
type MemoryStore struct {
	mu  sync.Mutex
	pos types.Position
}

func (s *MemoryStore) Load(ctx context.Context) (types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, nil
}

func (s *MemoryStore) Save(ctx context.Context, pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = pos
	return nil
}

func (s *MemoryStore) Close() error { return nil }
