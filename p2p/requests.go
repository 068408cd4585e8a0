package p2p

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestRecord correlates one outbound request with its eventual answer.
// completion is a send-once channel (buffered 1): the crucial property
// from the design notes is that Complete never blocks and the waiting
// side wakes without polling.
type RequestRecord struct {
	ID        RequestID
	Command   Command
	Target    NodeID
	CreatedAt time.Time

	done chan Frame
}

// RequestTable maps request_id -> RequestRecord (spec.md §4.4). All
// operations are short and guarded by a single mutex, per §5's
// shared-resource policy ("The request map uses a mutex").
type RequestTable struct {
	mu      sync.Mutex
	pending map[RequestID]*RequestRecord

	log *logrus.Entry

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRequestTable constructs an empty table and starts its background
// expiry sweeper at the given interval.
func NewRequestTable(log *logrus.Entry, sweepInterval time.Duration, maxAge time.Duration) *RequestTable {
	t := &RequestTable{
		pending: make(map[RequestID]*RequestRecord),
		log:     withLog(log, "request_table"),
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		t.wg.Add(1)
		go t.sweepLoop(sweepInterval, maxAge)
	}
	return t
}

// Close stops the background sweeper. Any still-pending records are left
// for their own Wait callers to time out.
func (t *RequestTable) Close() {
	close(t.stop)
	t.wg.Wait()
}

// Begin creates a RequestRecord with a fresh random id (regenerating on
// collision with a currently-outstanding id, per invariant R1) and
// registers it.
func (t *RequestTable) Begin(command Command, target NodeID) (*RequestRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; attempt < 8; attempt++ {
		id, err := RandomRequestID()
		if err != nil {
			return nil, err
		}
		if _, exists := t.pending[id]; exists {
			continue // collision, regenerate
		}
		rec := &RequestRecord{
			ID:        id,
			Command:   command,
			Target:    target,
			CreatedAt: time.Now(),
			done:      make(chan Frame, 1),
		}
		t.pending[id] = rec
		return rec, nil
	}
	return nil, fmt.Errorf("p2p: could not allocate a free request id")
}

// Complete fulfills rec's future with frame if rec is still pending and
// the delivering node matches the record's target (defense against
// spoofed correlation, per §4.4 "target filtering"). The first matching
// answer wins (invariant R2); a second answer for the same id is ignored
// because the record is removed on first completion.
func (t *RequestTable) Complete(id RequestID, from NodeID, frame Frame) bool {
	t.mu.Lock()
	rec, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if rec.Target != from {
		t.mu.Unlock()
		t.log.WithField("request_id", fmt.Sprintf("%x", id)).
			WithField("expected", rec.Target.String()).
			WithField("from", from.String()).
			Warn("dropping answer: target mismatch")
		return false
	}
	delete(t.pending, id)
	t.mu.Unlock()

	select {
	case rec.done <- frame:
	default:
		// Buffered 1 and single-writer-by-construction (delete happens
		// under the same lock before send); this branch is unreachable
		// in practice but kept so Complete never blocks.
	}
	return true
}

// Wait blocks until rec's future is fulfilled or timeout elapses. On
// timeout it removes the record and returns ErrTimeout.
func (t *RequestTable) Wait(rec *RequestRecord, timeout time.Duration) (Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-rec.done:
		return frame, nil
	case <-timer.C:
		t.mu.Lock()
		delete(t.pending, rec.ID)
		t.mu.Unlock()
		return Frame{}, ErrTimeout
	}
}

// Len reports the number of currently pending requests (test/ops use).
func (t *RequestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *RequestTable) sweepLoop(interval, maxAge time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.expireOlderThan(maxAge)
		}
	}
}

// expireOlderThan removes unclaimed records older than maxAge. Their own
// Wait callers will already have observed ErrTimeout by the time this
// runs in the common case; this is the backstop for requests whose caller
// never called Wait at all.
func (t *RequestTable) expireOlderThan(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.pending {
		if rec.CreatedAt.Before(cutoff) {
			delete(t.pending, id)
		}
	}
}
