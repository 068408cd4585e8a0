package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduling constants for the discovery loop (spec.md §4.5).
const (
	discoveryStepInterval = 1 * time.Second
	discoveryIdleBackoff  = 5 * time.Second
	discoveryFullBackoff  = 60 * time.Second
	requestedPeerTTL      = 60 * time.Second
	discoveryConnectTimeout = 2 * time.Second
)

// DiscoveryEngine drives autonomous peer discovery: while the registry is
// below MinConnections it polls known peers for their address books and
// dials anything new it learns, backing off once it is comfortably full
// (spec.md §4.5). It never inspects or mutates state outside Manager's own
// collaborators (registry, request table) — discovery is policy layered
// on top of the same client-facing operations an RPC caller would use.
type DiscoveryEngine struct {
	m   *Manager
	log *logrus.Entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu sync.Mutex
	// requested is RequestedPeers (spec.md §3): node id -> when it was
	// last asked for its peer list. Entries throttle re-polling the same
	// peer inside requestedPeerTTL; they say nothing about dialing.
	requested  map[NodeID]time.Time
	polledOnce bool
}

// NewDiscoveryEngine builds an engine bound to m. It does not start
// running until Start is called.
func NewDiscoveryEngine(m *Manager, log *logrus.Entry) *DiscoveryEngine {
	return &DiscoveryEngine{
		m:         m,
		log:       withLog(log, "discovery"),
		stopCh:    make(chan struct{}),
		requested: make(map[NodeID]time.Time),
	}
}

// Start dials the configured bootstrap nodes and begins the discovery
// loop in the background.
func (d *DiscoveryEngine) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop signals the loop to exit and waits for it to do so. A sleeping loop
// exits at once. The stop signal is not checked during a bootstrap dial or
// a RequestNodes poll, so Stop can wait for the in-flight call to finish:
// up to discoveryConnectTimeout or requestNodesTimeout (2s each). Dials
// started by connectToLearned run in their own goroutines and are not
// waited for.
func (d *DiscoveryEngine) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *DiscoveryEngine) run() {
	defer d.wg.Done()
	d.bootstrap()
	for {
		if d.sleep(discoveryStepInterval) {
			return
		}
		d.purgeRequested()

		n := d.m.registry.Len()
		switch {
		case n >= d.m.cfg.MaxConnections:
			if d.sleep(discoveryFullBackoff) {
				return
			}
			continue
		case n >= d.m.cfg.MinConnections:
			if d.sleep(discoveryIdleBackoff) {
				return
			}
			continue
		}
		d.pollRound()
	}
}

// sleep waits for total, in discoveryStepInterval increments, returning
// true as soon as Stop is signalled so a long backoff never delays
// shutdown by more than one step.
func (d *DiscoveryEngine) sleep(total time.Duration) bool {
	elapsed := time.Duration(0)
	for elapsed < total {
		select {
		case <-d.stopCh:
			return true
		case <-time.After(discoveryStepInterval):
			elapsed += discoveryStepInterval
		}
	}
	return false
}

func (d *DiscoveryEngine) stopping() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// bootstrap dials every configured bootstrap endpoint once, skipping
// anything that resolves to this node's own listen address.
func (d *DiscoveryEngine) bootstrap() {
	for _, ep := range d.m.cfg.BootstrapNodes {
		if d.stopping() {
			return
		}
		if d.isSelf(ep) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), discoveryConnectTimeout)
		err := d.m.ConnectTo(ctx, ep)
		cancel()
		if err != nil {
			d.log.WithField("endpoint", ep.String()).WithField("err", err).Debug("bootstrap dial failed")
		}
	}
}

func (d *DiscoveryEngine) isSelf(ep Endpoint) bool {
	return ep.Port == d.m.cfg.HostPort && ep.IP.Equal(d.m.cfg.HostIP)
}

// pollRound asks a subset of connected peers for their address books and
// dials anything new. The first round after startup polls Discovery peers
// (the ones most likely to hold a broad address book), or normal peers if
// no Discovery peer is available; every subsequent round polls normal
// peers only — once the mesh is up,
// Discovery peers are never re-polled (spec.md §4.5 step 5). Peers already
// asked within requestedPeerTTL are excluded from the poll set (step 4);
// every peer actually polled this round is recorded into RequestedPeers
// (step 7).
func (d *DiscoveryEngine) pollRound() {
	sessions := d.m.registry.Snapshot()
	var discoveryPeers, normalPeers []*Session
	for _, s := range sessions {
		if d.recentlyRequested(s.RemoteNodeID()) {
			continue
		}
		if s.RemoteType() == NodeTypeDiscovery {
			discoveryPeers = append(discoveryPeers, s)
		} else {
			normalPeers = append(normalPeers, s)
		}
	}

	d.mu.Lock()
	firstPass := !d.polledOnce
	d.polledOnce = true
	d.mu.Unlock()

	targets := normalPeers
	if firstPass {
		targets = discoveryPeers
		if len(targets) == 0 {
			targets = normalPeers
		}
	}

	learned := make(map[NodeID]PeerAddr)
	for _, s := range targets {
		if d.stopping() {
			return
		}
		id := s.RemoteNodeID()
		for peerID, addr := range d.m.RequestNodes(id) {
			learned[peerID] = addr
		}
		d.markRequested(id)
	}
	d.connectToLearned(learned)
}

// recentlyRequested reports whether id was last asked for its peer list
// less than requestedPeerTTL ago.
func (d *DiscoveryEngine) recentlyRequested(id NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.requested[id]
	return ok && time.Since(t) < requestedPeerTTL
}

// markRequested records that id was just asked for its peer list.
func (d *DiscoveryEngine) markRequested(id NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requested[id] = time.Now()
}

// connectToLearned dials every newly-learned peer not already connected,
// not ourselves, and not itself a Discovery node (Discovery nodes are
// polled, never dialed into the mesh as regular peers).
func (d *DiscoveryEngine) connectToLearned(learned map[NodeID]PeerAddr) {
	for id, addr := range learned {
		if id == d.m.localID {
			continue
		}
		if addr.Type == NodeTypeDiscovery {
			continue
		}
		if _, ok := d.m.registry.Lookup(id); ok {
			continue
		}
		go d.dial(addr.Endpoint)
	}
}

func (d *DiscoveryEngine) dial(ep Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), discoveryConnectTimeout)
	defer cancel()
	if err := d.m.ConnectTo(ctx, ep); err != nil {
		d.log.WithField("endpoint", ep.String()).WithField("err", err).Debug("discovery dial failed")
	}
}

// purgeRequested drops entries at least requestedPeerTTL old so a peer
// that refused or timed out can be polled again on a later round. An
// entry at exactly the TTL boundary is purged on this sweep (spec.md §8).
func (d *DiscoveryEngine) purgeRequested() {
	cutoff := time.Now().Add(-requestedPeerTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.requested {
		if !t.After(cutoff) {
			delete(d.requested, id)
		}
	}
}
