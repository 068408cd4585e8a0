package p2p

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultSeenBroadcastsCapacity bounds SeenBroadcasts. The teacher's
// original (_examples/original_source) keeps this map unbounded; spec.md
// §3/§9 mandates a bound without prescribing the policy, so an LRU of this
// size is used — generous enough that a busy gossip network's working set
// of recent payload hashes fits comfortably, small enough to bound memory
// under a DoS of distinct broadcast payloads.
const defaultSeenBroadcastsCapacity = 65536

// SeenBroadcasts suppresses rebroadcasting a payload already seen: the
// key is BroadcastKey(payload) (FNV-1a of the payload), the value is how
// many times it has been observed. Bounded by an LRU so an attacker
// flooding distinct payloads cannot grow it unboundedly.
type SeenBroadcasts struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, uint32]
}

// NewSeenBroadcasts builds a SeenBroadcasts bounded to capacity entries.
// capacity <= 0 uses defaultSeenBroadcastsCapacity.
func NewSeenBroadcasts(capacity int) *SeenBroadcasts {
	if capacity <= 0 {
		capacity = defaultSeenBroadcastsCapacity
	}
	c, err := lru.New[uint64, uint32](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	return &SeenBroadcasts{cache: c}
}

// Observe records one more sighting of key, returning the count including
// this sighting and whether this was the first sighting. Manager's
// broadcast dispatch (spec.md §4.6) forwards and submits to State only on
// first==true.
func (s *SeenBroadcasts) Observe(key uint64) (count uint32, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(key); ok {
		v++
		s.cache.Add(key, v)
		return v, false
	}
	s.cache.Add(key, 1)
	return 1, true
}

// MarkSelf records a payload this node itself is about to broadcast, so
// that if the broadcast loops back (e.g. via a peer forwarding it back to
// us) it is recognized as already-seen and not resubmitted to State.
func (s *SeenBroadcasts) MarkSelf(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, 1)
}

// Len reports the current number of tracked payload hashes (test/ops use).
func (s *SeenBroadcasts) Len() int {
	return s.cache.Len()
}
