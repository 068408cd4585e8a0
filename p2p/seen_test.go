package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenBroadcastsObserveFirstThenRepeat(t *testing.T) {
	s := NewSeenBroadcasts(16)
	key := BroadcastKey([]byte("payload"))

	count, first := s.Observe(key)
	require.True(t, first)
	require.Equal(t, uint32(1), count)

	count, first = s.Observe(key)
	require.False(t, first)
	require.Equal(t, uint32(2), count)
}

func TestSeenBroadcastsMarkSelfSuppressesEcho(t *testing.T) {
	s := NewSeenBroadcasts(16)
	key := BroadcastKey([]byte("own-broadcast"))
	s.MarkSelf(key)

	_, first := s.Observe(key)
	require.False(t, first)
}

func TestSeenBroadcastsBoundedByCapacity(t *testing.T) {
	s := NewSeenBroadcasts(4)
	for i := 0; i < 100; i++ {
		key := BroadcastKey([]byte{byte(i)})
		s.Observe(key)
	}
	require.LessOrEqual(t, s.Len(), 4)
}
