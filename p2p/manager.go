package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Timeouts named in spec.md §5.
const (
	pingTimeout              = 2 * time.Second
	requestNodesTimeout      = 2 * time.Second
	requestValidatorTxsTimeout = 2 * time.Second

	requestSweepInterval = 1 * time.Second
	requestMaxAge        = 10 * time.Second

	workerPoolSize = 64

	// protocolVersion is reported in Info answers. The node version
	// scheme itself is out of this module's scope; this is a fixed wire
	// constant until an embedder-supplied value is threaded through.
	protocolVersion = 1
)

// handlerFunc answers one Request-type frame. ok reports whether an
// Answer frame should be written back at all — handlers never block and
// never write directly, so Session.Write ordering stays with Manager.
type handlerFunc func(m *Manager, s *Session, payload []byte) (answer []byte, ok bool)

// PeerAddr is what RequestNodes resolves a NodeID to.
type PeerAddr struct {
	Type     NodeType
	Endpoint Endpoint
}

// Manager is the top-level owner of all P2P operations (spec.md §4.6). It
// dispatches inbound frames to command handlers, owns the broadcast
// policy and rebroadcast dedup, and specializes its handler table for the
// Normal vs Discovery node role — a tagged variant consulted per inbound
// frame (design note: "model NodeRole as a tagged variant"), not
// inheritance.
type Manager struct {
	cfg     Config
	localID NodeID

	registry *SessionRegistry
	requests *RequestTable
	seen     *SeenBroadcasts
	pool     *ants.Pool

	codec   ChainCodec
	storage Storage
	state   State

	handlers map[Command]handlerFunc

	discovery *DiscoveryEngine
	srv       *p2pServer

	log *logrus.Entry

	stopOnce sync.Once
}

// NewManager constructs a Manager for the given role and collaborators.
// codec/storage/state may be nil for a Discovery-role manager, which
// never needs them (it only ever answers Ping and RequestNodes).
func NewManager(cfg Config, codec ChainCodec, storage Storage, state State) (*Manager, error) {
	cfg = cfg.withDefaults()

	localID, err := NewNodeID()
	if err != nil {
		return nil, err
	}

	log := withLog(cfg.Logger, "manager").
		WithField("node_type", cfg.NodeType.String()).
		WithField("node_id", localID.String())

	pool, err := ants.NewPool(workerPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("create dispatch worker pool: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		localID:  localID,
		registry: NewSessionRegistry(cfg.MaxConnections, log),
		requests: NewRequestTable(log, requestSweepInterval, requestMaxAge),
		seen:     NewSeenBroadcasts(0),
		pool:     pool,
		codec:    codec,
		storage:  storage,
		state:    state,
		log:      log,
	}

	if cfg.NodeType == NodeTypeDiscovery {
		m.handlers = discoveryHandlers()
	} else {
		m.handlers = normalHandlers()
	}

	m.discovery = NewDiscoveryEngine(m, log)
	m.srv = newP2PServer(m, log)
	return m, nil
}

// LocalNodeID returns this node's randomly generated identity.
func (m *Manager) LocalNodeID() NodeID { return m.localID }

// PeerCount returns the number of currently registered sessions.
func (m *Manager) PeerCount() int { return m.registry.Len() }

// SessionIDs returns the node ids of all registered sessions, for
// introspection by a JSON-RPC front-end (spec.md §6).
func (m *Manager) SessionIDs() []NodeID { return m.registry.IDs() }

// --- Dispatcher implementation (Session calls back into these) ---

// Dispatch implements Dispatcher: classify, then route to the answer
// path, the request-handler path, or the broadcast path (spec.md §4.6).
func (m *Manager) Dispatch(s *Session, raw []byte) {
	frame, err := ParseFrame(raw)
	if err != nil {
		m.log.WithField("remote", s.RemoteNodeID().String()).WithField("err", err).Debug("dropping malformed frame")
		return
	}
	switch frame.Type {
	case FrameAnswer:
		m.requests.Complete(frame.ID, s.RemoteNodeID(), frame)
	case FrameRequest:
		m.handleRequest(s, frame)
	case FrameBroadcast:
		m.handleBroadcast(s, frame, raw)
	}
}

// Unregister implements Dispatcher: remove s from the registry. Called at
// most once per session, by whichever of Session's read loop or Close()
// detects termination first.
func (m *Manager) Unregister(s *Session) {
	m.registry.Unregister(s)
}

func (m *Manager) handleRequest(s *Session, frame Frame) {
	h, ok := m.handlers[frame.Command]
	if !ok {
		return // absent or role-forbidden command: silent drop
	}
	answer, ok := h(m, s, frame.Payload)
	if !ok {
		return
	}
	s.Write(BuildFrame(FrameAnswer, frame.ID, frame.Command, answer))
}

func (m *Manager) handleBroadcast(s *Session, frame Frame, raw []byte) {
	if m.cfg.NodeType == NodeTypeDiscovery {
		return // Discovery managers never broadcast or forward
	}
	key := frame.ID.Uint64()
	_, first := m.seen.Observe(key)
	if !first {
		return // already seen: do not reforward or resubmit
	}
	if !m.acceptBroadcast(frame) {
		return
	}
	for _, peer := range m.registry.Snapshot() {
		if peer == s || peer.RemoteType() == NodeTypeDiscovery {
			continue
		}
		peer.Write(raw)
	}
}

// acceptBroadcast decodes and submits a freshly-seen broadcast payload to
// State, returning false (without forwarding) on decode failure.
func (m *Manager) acceptBroadcast(frame Frame) bool {
	if m.codec == nil || m.state == nil {
		return false
	}
	var err error
	switch frame.Command {
	case CommandBroadcastTx:
		var tx TxBlock
		if tx, err = m.codec.DecodeTxBlock(frame.Payload, m.cfg.ChainID); err == nil {
			_, err = m.state.AcceptTx(tx)
		}
	case CommandBroadcastValidatorTx:
		var tx TxValidator
		if tx, err = m.codec.DecodeTxValidator(frame.Payload, m.cfg.ChainID); err == nil {
			_, err = m.state.AcceptValidatorTx(tx)
		}
	case CommandBroadcastBlock:
		var b Block
		if b, err = m.codec.DecodeBlock(frame.Payload, m.cfg.ChainID); err == nil {
			_, err = m.state.AcceptBlock(b)
		}
	default:
		return false
	}
	if err != nil {
		m.log.WithField("command", frame.Command.String()).WithField("err", err).Debug("broadcast rejected")
		return false
	}
	return true
}

// --- Outbound guard ---

func allowedToDiscoveryPeer(cmd Command) bool {
	switch cmd {
	case CommandPing, CommandInfo, CommandRequestNodes:
		return true
	default:
		return false
	}
}

// sendMessageTo writes frame to target, refusing anything other than
// Ping/Info/RequestNodes when target is a Discovery peer (spec.md §4.6
// "guard against Discovery role misuse").
func (m *Manager) sendMessageTo(target NodeID, cmd Command, frame []byte) error {
	s, ok := m.registry.Lookup(target)
	if !ok {
		return ErrNoSuchSession
	}
	if s.RemoteType() == NodeTypeDiscovery && !allowedToDiscoveryPeer(cmd) {
		return ErrForbidden
	}
	s.Write(frame)
	return nil
}

// --- Client-facing operations (spec.md §4.6) ---

// Ping sends a Ping request to target and waits up to ~2s for its answer.
func (m *Manager) Ping(target NodeID) error {
	rec, err := m.requests.Begin(CommandPing, target)
	if err != nil {
		return err
	}
	frame := BuildFrame(FrameRequest, rec.ID, CommandPing, EncodePing())
	if err := m.sendMessageTo(target, CommandPing, frame); err != nil {
		return err
	}
	_, err = m.requests.Wait(rec, pingTimeout)
	return err
}

// RequestNodes asks target for its peer list. It returns an empty map on
// failure or timeout — client-facing operations never return raw errors
// for remote failures, per spec.md §7.
func (m *Manager) RequestNodes(target NodeID) map[NodeID]PeerAddr {
	empty := map[NodeID]PeerAddr{}
	rec, err := m.requests.Begin(CommandRequestNodes, target)
	if err != nil {
		return empty
	}
	frame := BuildFrame(FrameRequest, rec.ID, CommandRequestNodes, nil)
	if err := m.sendMessageTo(target, CommandRequestNodes, frame); err != nil {
		return empty
	}
	answer, err := m.requests.Wait(rec, requestNodesTimeout)
	if err != nil {
		return empty
	}
	peers, err := DecodeRequestNodesAnswer(answer.Payload)
	if err != nil {
		return empty
	}
	out := make(map[NodeID]PeerAddr, len(peers))
	for _, p := range peers {
		out[p.ID] = PeerAddr{Type: p.Type, Endpoint: p.Endpoint}
	}
	return out
}

// RequestValidatorTxs asks target for its pending validator transactions.
// It returns nil on failure or timeout.
func (m *Manager) RequestValidatorTxs(target NodeID) [][]byte {
	rec, err := m.requests.Begin(CommandRequestValidatorTxs, target)
	if err != nil {
		return nil
	}
	frame := BuildFrame(FrameRequest, rec.ID, CommandRequestValidatorTxs, nil)
	if err := m.sendMessageTo(target, CommandRequestValidatorTxs, frame); err != nil {
		return nil
	}
	answer, err := m.requests.Wait(rec, requestValidatorTxsTimeout)
	if err != nil {
		return nil
	}
	txs, err := DecodeRequestValidatorTxsAnswer(answer.Payload)
	if err != nil {
		return nil
	}
	return txs
}

// broadcast marks payload self-seen (so an echo back to us is dropped,
// not resubmitted) and fans it out to every connected Normal peer.
func (m *Manager) broadcast(cmd Command, payload []byte) {
	if m.cfg.NodeType == NodeTypeDiscovery {
		return // Discovery nodes never initiate broadcasts
	}
	key := BroadcastKey(payload)
	m.seen.MarkSelf(key)
	frame := BuildFrame(FrameBroadcast, RequestIDFromUint64(key), cmd, payload)
	for _, peer := range m.registry.Snapshot() {
		if peer.RemoteType() == NodeTypeDiscovery {
			continue
		}
		peer.Write(frame)
	}
}

// BroadcastValidatorTx gossips an already RLP-encoded validator tx.
func (m *Manager) BroadcastValidatorTx(rlp []byte) { m.broadcast(CommandBroadcastValidatorTx, rlp) }

// BroadcastTx gossips an already RLP-encoded ordinary tx.
func (m *Manager) BroadcastTx(rlp []byte) { m.broadcast(CommandBroadcastTx, rlp) }

// BroadcastBlock gossips an already-serialized block.
func (m *Manager) BroadcastBlock(block []byte) { m.broadcast(CommandBroadcastBlock, block) }

// --- Connection admission ---

// admit finishes the handshake-to-registered transition for s: try to
// register it, and either start its loops or discard it unregistered.
func (m *Manager) admit(s *Session) error {
	if err := m.registry.Register(s); err != nil {
		s.DiscardUnregistered()
		return err
	}
	s.MarkRegistered()
	return nil
}

// ConnectTo dials ep and, on a successful handshake, attempts to register
// the resulting session.
func (m *Manager) ConnectTo(ctx context.Context, ep Endpoint) error {
	url := fmt.Sprintf("ws://%s/p2p", ep.String())
	s, err := DialSession(ctx, url, m.localID, m.cfg.NodeType, m.cfg.HostPort, m, m.pool, m.log)
	if err != nil {
		return err
	}
	return m.admit(s)
}

// --- Lifecycle ---

// StartServer spawns the accept loop and waits briefly for it to be
// listening (spec.md §4.6: "waits up to 100 ms for readiness").
func (m *Manager) StartServer() error { return m.srv.start() }

// StartDiscovery spawns the DiscoveryEngine loop.
func (m *Manager) StartDiscovery() { m.discovery.Start() }

// Run brings up the accept loop and then the discovery loop (for either
// node role), then blocks until ctx is cancelled, at which point it
// stops everything and returns ctx's error. It coordinates the two
// startup steps with an errgroup so a listen failure aborts discovery
// before it ever dials out.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.StartServer(); err != nil {
			return err
		}
		m.StartDiscovery()
		<-ctx.Done()
		return ctx.Err()
	})
	err := g.Wait()
	m.Stop()
	return err
}

// Stop stops the discovery engine, closes every session, clears the
// registry, stops the server, and waits briefly for outstanding writes to
// flush, per spec.md §4.6.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.discovery.Stop()
		m.srv.stop()
		for _, s := range m.registry.Snapshot() {
			s.Close()
		}
		m.requests.Close()
		time.Sleep(100 * time.Millisecond)
		m.pool.Release()
	})
}

func normalHandlers() map[Command]handlerFunc {
	return map[Command]handlerFunc{
		CommandPing:                pingHandler,
		CommandInfo:                infoHandler,
		CommandRequestNodes:        requestNodesHandler,
		CommandRequestValidatorTxs: requestValidatorTxsHandler,
	}
}

func discoveryHandlers() map[Command]handlerFunc {
	return map[Command]handlerFunc{
		CommandPing:         pingHandler,
		CommandRequestNodes: requestNodesHandler,
	}
}

func pingHandler(m *Manager, s *Session, payload []byte) ([]byte, bool) {
	return EncodePing(), true
}

func infoHandler(m *Manager, s *Session, payload []byte) ([]byte, bool) {
	if m.storage == nil {
		return nil, false
	}
	height, hash := m.storage.Latest()
	info := NodeInfo{
		Version:         protocolVersion,
		TimestampMicros: uint64(time.Now().UnixMicro()),
		Height:          height,
		LatestBlockHash: hash,
	}
	return EncodeInfo(info), true
}

func requestNodesHandler(m *Manager, s *Session, payload []byte) ([]byte, bool) {
	var peers []PeerInfo
	for _, peer := range m.registry.Snapshot() {
		if peer == s {
			continue
		}
		peers = append(peers, PeerInfo{
			Type:     peer.RemoteType(),
			ID:       peer.RemoteNodeID(),
			Endpoint: peer.RemoteEndpoint(),
		})
	}
	enc, err := EncodeRequestNodesAnswer(peers)
	if err != nil {
		m.log.WithField("err", err).Warn("failed to encode RequestNodes answer")
		return nil, false
	}
	return enc, true
}

func requestValidatorTxsHandler(m *Manager, s *Session, payload []byte) ([]byte, bool) {
	if m.state == nil {
		return nil, false
	}
	txs, err := m.state.ValidatorTxs()
	if err != nil {
		m.log.WithField("err", err).Warn("failed to gather validator txs")
		return nil, false
	}
	return EncodeRequestValidatorTxsAnswer(txs), true
}
