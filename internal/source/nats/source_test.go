package nats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lying200/db-bench-order/internal/pipeline"
	"github.com/lying200/db-bench-order/pkg/types"
)

type mockMsg struct {
	acks    int
	ackFunc func() error
}

func (m *mockMsg) Ack() error {
	m.acks++
	if m.ackFunc != nil {
		return m.ackFunc()
	}
	return nil
}

func TestAckTrackerAcksNewestCovered(t *testing.T) {
	tr := &ackTracker{}
	msgs := map[types.Position]*mockMsg{}
	for _, pos := range []types.Position{3, 4, 7, 9} {
		msgs[pos] = &mockMsg{}
		tr.add(pos, msgs[pos])
	}

	assert.Equal(t, types.Position(0), tr.ackUpTo(2))
	assert.Equal(t, 4, tr.len())

	assert.Equal(t, types.Position(7), tr.ackUpTo(8))
	assert.Equal(t, 0, msgs[3].acks)
	assert.Equal(t, 0, msgs[4].acks)
	assert.Equal(t, 1, msgs[7].acks)
	assert.Equal(t, 1, tr.len())

	assert.Equal(t, types.Position(9), tr.ackUpTo(100))
	assert.Equal(t, 0, tr.len())
}

func TestAckTrackerKeepsPendingOnFailure(t *testing.T) {
	tr := &ackTracker{}
	failing := &mockMsg{ackFunc: func() error { return errors.New("connection closed") }}
	tr.add(1, &mockMsg{})
	tr.add(2, failing)

	assert.Equal(t, types.Position(0), tr.ackUpTo(5))
	assert.Equal(t, 2, tr.len())
}

func TestAckTrackerFollowsCheckpoint(t *testing.T) {
	cm := pipeline.NewCheckpointManager(0)
	tr := &ackTracker{}
	for _, pos := range []types.Position{10, 11, 12} {
		cm.Track(pos)
		tr.add(pos, &mockMsg{})
	}

	// 12 is done but 11 is not, so only 10 may be acknowledged
	cm.MarkDone(10, 12)
	assert.Equal(t, types.Position(10), tr.ackUpTo(cm.GetSafePosition()))

	cm.MarkDone(11)
	assert.Equal(t, types.Position(12), tr.ackUpTo(cm.GetSafePosition()))
}
