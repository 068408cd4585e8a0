package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSessionForRegistry(id NodeID) *Session {
	s := &Session{remoteNodeID: id}
	s.state.Store(int32(StateOpen))
	return s
}

func TestSessionRegistryRegisterLookupUnregister(t *testing.T) {
	r := NewSessionRegistry(2, nil)
	id := NodeID{1}
	s := newTestSessionForRegistry(id)

	require.NoError(t, r.Register(s))
	got, ok := r.Lookup(id)
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, 1, r.Len())

	r.Unregister(s)
	_, ok = r.Lookup(id)
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestSessionRegistryRejectsDuplicateNodeID(t *testing.T) {
	r := NewSessionRegistry(2, nil)
	id := NodeID{1}
	first := newTestSessionForRegistry(id)
	second := newTestSessionForRegistry(id)

	require.NoError(t, r.Register(first))
	require.ErrorIs(t, r.Register(second), ErrDuplicateNodeID)
	require.Equal(t, 1, r.Len())
}

func TestSessionRegistryAdmissionBoundary(t *testing.T) {
	r := NewSessionRegistry(2, nil)
	require.NoError(t, r.Register(newTestSessionForRegistry(NodeID{1})))
	require.NoError(t, r.Register(newTestSessionForRegistry(NodeID{2})))
	require.ErrorIs(t, r.Register(newTestSessionForRegistry(NodeID{3})), ErrRegistryFull)
	require.Equal(t, 2, r.Len())
}

func TestSessionRegistryUnregisterIgnoresLosingRace(t *testing.T) {
	r := NewSessionRegistry(2, nil)
	id := NodeID{1}
	loser := newTestSessionForRegistry(id)
	winner := newTestSessionForRegistry(id)

	require.NoError(t, r.Register(loser))
	r.Unregister(loser) // simulate loser discovering the duplicate and unregistering itself
	require.NoError(t, r.Register(winner))

	// A stale Unregister call for the loser must not evict the winner.
	r.Unregister(loser)
	got, ok := r.Lookup(id)
	require.True(t, ok)
	require.Same(t, winner, got)
}

func TestSessionRegistrySnapshotAndIDs(t *testing.T) {
	r := NewSessionRegistry(5, nil)
	ids := []NodeID{{1}, {2}, {3}}
	for _, id := range ids {
		require.NoError(t, r.Register(newTestSessionForRegistry(id)))
	}
	require.Len(t, r.Snapshot(), 3)
	require.ElementsMatch(t, ids, r.IDs())
}
