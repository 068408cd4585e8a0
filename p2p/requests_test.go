package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestTableBeginCompleteWait(t *testing.T) {
	table := NewRequestTable(nil, 0, time.Minute)
	defer table.Close()

	target := NodeID{1}
	rec, err := table.Begin(CommandPing, target)
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	answer := Frame{Type: FrameAnswer, ID: rec.ID, Command: CommandPing}
	require.True(t, table.Complete(rec.ID, target, answer))

	got, err := table.Wait(rec, time.Second)
	require.NoError(t, err)
	require.Equal(t, answer, got)
	require.Equal(t, 0, table.Len())
}

func TestRequestTableWaitTimesOut(t *testing.T) {
	table := NewRequestTable(nil, 0, time.Minute)
	defer table.Close()

	rec, err := table.Begin(CommandPing, NodeID{1})
	require.NoError(t, err)

	_, err = table.Wait(rec, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 0, table.Len())
}

func TestRequestTableCompleteRejectsTargetMismatch(t *testing.T) {
	table := NewRequestTable(nil, 0, time.Minute)
	defer table.Close()

	rec, err := table.Begin(CommandPing, NodeID{1})
	require.NoError(t, err)

	ok := table.Complete(rec.ID, NodeID{2}, Frame{ID: rec.ID})
	require.False(t, ok)

	_, err = table.Wait(rec, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRequestTableCompleteAtMostOnce(t *testing.T) {
	table := NewRequestTable(nil, 0, time.Minute)
	defer table.Close()

	target := NodeID{1}
	rec, err := table.Begin(CommandPing, target)
	require.NoError(t, err)

	require.True(t, table.Complete(rec.ID, target, Frame{ID: rec.ID}))
	require.False(t, table.Complete(rec.ID, target, Frame{ID: rec.ID})) // second answer is a no-op
}

func TestRequestTableUniqueIDsAcrossManyBegins(t *testing.T) {
	table := NewRequestTable(nil, 0, time.Minute)
	defer table.Close()

	seen := make(map[RequestID]bool)
	for i := 0; i < 256; i++ {
		rec, err := table.Begin(CommandPing, NodeID{1})
		require.NoError(t, err)
		require.False(t, seen[rec.ID], "request id reused while still pending")
		seen[rec.ID] = true
	}
}

func TestRequestTableSweepExpiresStaleRecords(t *testing.T) {
	table := NewRequestTable(nil, 5*time.Millisecond, 10*time.Millisecond)
	defer table.Close()

	rec, err := table.Begin(CommandPing, NodeID{1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return table.Len() == 0
	}, time.Second, 5*time.Millisecond)

	require.False(t, table.Complete(rec.ID, NodeID{1}, Frame{ID: rec.ID}))
}
