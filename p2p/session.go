package p2p

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// Handshake header names, per spec.md §6.
const (
	headerNodeID     = "X-Node-Id"
	headerNodeType   = "X-Node-Type"
	headerServerPort = "X-Node-ServerPort"
)

const (
	writeTimeout = frameWriteTimeout
	// writeQueueDepth bounds the per-session outbound buffer. Writes
	// attempted past this depth are dropped rather than blocking the
	// caller, matching the "write(frame) is non-blocking" policy.
	writeQueueDepth = 256
)

const (
	frameWriteTimeout = 5 * time.Second
	// handshakeTimeout bounds the WebSocket upgrade itself; §5 notes this
	// is "enforced by the underlying WebSocket library (suggested
	// timeouts)", so it is applied to the dialer/upgrader, not re-derived.
	handshakeTimeout = 10 * time.Second
)

// SessionRole records who initiated the connection.
type SessionRole int

const (
	RoleClient SessionRole = iota // we dialed out
	RoleServer                    // we accepted an inbound connection
)

func (r SessionRole) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// SessionState is the state machine of §4.2. A session never transitions
// back from Closed (invariant S2).
type SessionState int32

const (
	StateHandshaking SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher is the single capability a Session needs from its owner. It
// is intentionally this narrow — a back-reference to Manager, not the
// concrete type — so Session never reaches back into Manager's full
// surface (see design note on avoiding cycles / virtual dispatch
// surprises).
type Dispatcher interface {
	// Dispatch handles one inbound WebSocket message, off the read loop.
	// The implementation must not block for long: Session submits it to
	// a shared worker pool, not a per-session goroutine.
	Dispatch(s *Session, raw []byte)

	// Unregister is invoked exactly once, when the session's read loop
	// terminates or Close is called — but only if the session actually
	// reached the registry (see Session.MarkRegistered).
	Unregister(s *Session)
}

// Session owns one WebSocket connection end to end (spec.md §4.2): the
// handshake, the binary-mode read loop, the serialized write queue, and
// orderly close. It is the exclusive owner of its socket; it is shared by
// handle with SessionRegistry and any in-flight handler invocation.
type Session struct {
	conn *websocket.Conn
	role SessionRole

	localNodeID     NodeID
	localType       NodeType
	localServerPort uint16

	remoteNodeID     NodeID
	remoteType       NodeType
	remoteServerPort uint16
	remoteAddress    net.IP

	state      atomic.Int32
	registered atomic.Bool

	dispatcher Dispatcher
	pool       *ants.Pool

	writeCh      chan []byte
	closedSignal chan struct{}
	writeDone    chan struct{}
	readDone     chan struct{}
	closeOnce    sync.Once

	log *logrus.Entry
}

func newSession(conn *websocket.Conn, role SessionRole, local NodeID, localType NodeType, localPort uint16,
	remote NodeID, remoteType NodeType, remotePort uint16, dispatcher Dispatcher, pool *ants.Pool, log *logrus.Entry) *Session {

	remoteAddr, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	s := &Session{
		conn:             conn,
		role:             role,
		localNodeID:      local,
		localType:        localType,
		localServerPort:  localPort,
		remoteNodeID:     remote,
		remoteType:       remoteType,
		remoteServerPort: remotePort,
		remoteAddress:    net.ParseIP(remoteAddr),
		dispatcher:       dispatcher,
		pool:             pool,
		writeCh:          make(chan []byte, writeQueueDepth),
		closedSignal:     make(chan struct{}),
		writeDone:        make(chan struct{}),
		readDone:         make(chan struct{}),
	}
	s.state.Store(int32(StateHandshaking))
	s.log = withLog(log, "session").
		WithField("role", role.String()).
		WithField("remote", remote.String())
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
		return nil
	})
	return s
}

// DialSession performs the client-role WebSocket upgrade against url,
// attaching the handshake headers, and returns a Session in
// StateHandshaking. The caller is responsible for registering it with a
// SessionRegistry and calling MarkRegistered/DiscardUnregistered accordingly.
func DialSession(ctx context.Context, url string, local NodeID, localType NodeType, localPort uint16,
	dispatcher Dispatcher, pool *ants.Pool, log *logrus.Entry) (*Session, error) {

	header := http.Header{}
	header.Set(headerNodeID, local.String())
	header.Set(headerNodeType, nodeTypeHeaderValue(localType))
	header.Set(headerServerPort, strconv.Itoa(int(localPort)))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrHandshakeInvalid, url, err)
	}
	remoteID, remoteType, remotePort, err := parseHandshakeHeaders(resp.Header)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newSession(conn, RoleClient, local, localType, localPort, remoteID, remoteType, remotePort, dispatcher, pool, log), nil
}

// AcceptSession performs the server-role half of the upgrade: it reads
// the inbound handshake headers from r, upgrades the connection, and
// answers with the same three headers describing the local node.
func AcceptSession(w http.ResponseWriter, r *http.Request, local NodeID, localType NodeType, localPort uint16,
	dispatcher Dispatcher, pool *ants.Pool, log *logrus.Entry) (*Session, error) {

	remoteID, remoteType, remotePort, err := parseHandshakeHeaders(r.Header)
	if err != nil {
		return nil, err
	}

	responseHeader := http.Header{}
	responseHeader.Set(headerNodeID, local.String())
	responseHeader.Set(headerNodeType, nodeTypeHeaderValue(localType))
	responseHeader.Set(headerServerPort, strconv.Itoa(int(localPort)))

	upgrader := websocket.Upgrader{HandshakeTimeout: handshakeTimeout}
	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: upgrade: %v", ErrHandshakeInvalid, err)
	}
	return newSession(conn, RoleServer, local, localType, localPort, remoteID, remoteType, remotePort, dispatcher, pool, log), nil
}

func nodeTypeHeaderValue(t NodeType) string {
	if t == NodeTypeDiscovery {
		return "1"
	}
	return "0"
}

func parseHandshakeHeaders(h http.Header) (NodeID, NodeType, uint16, error) {
	idHeader := h.Get(headerNodeID)
	typeHeader := h.Get(headerNodeType)
	portHeader := h.Get(headerServerPort)
	if idHeader == "" || typeHeader == "" || portHeader == "" {
		return NodeID{}, 0, 0, fmt.Errorf("%w: missing handshake header(s)", ErrHandshakeInvalid)
	}

	id, err := NodeIDFromHex(idHeader)
	if err != nil {
		return NodeID{}, 0, 0, err
	}

	var nodeType NodeType
	switch typeHeader {
	case "0":
		nodeType = NodeTypeNormal
	case "1":
		nodeType = NodeTypeDiscovery
	default:
		return NodeID{}, 0, 0, fmt.Errorf("%w: node type %q not 0 or 1", ErrHandshakeInvalid, typeHeader)
	}

	port, err := strconv.ParseUint(portHeader, 10, 16)
	if err != nil || port == 0 {
		return NodeID{}, 0, 0, fmt.Errorf("%w: server port %q invalid", ErrHandshakeInvalid, portHeader)
	}

	return id, nodeType, uint16(port), nil
}

// RemoteNodeID returns the peer's node id, known since the handshake.
func (s *Session) RemoteNodeID() NodeID { return s.remoteNodeID }

// RemoteType returns the peer's declared node type.
func (s *Session) RemoteType() NodeType { return s.remoteType }

// RemoteEndpoint returns the peer's advertised server address.
func (s *Session) RemoteEndpoint() Endpoint {
	return Endpoint{IP: s.remoteAddress, Port: s.remoteServerPort}
}

// Role reports whether this session was dialed or accepted.
func (s *Session) Role() SessionRole { return s.role }

// State reports the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// MarkRegistered is called by the owner (Manager) immediately after a
// successful SessionRegistry.Register, and starts the read/write loops.
// Until this is called the session is inert: no frames are read or
// written.
func (s *Session) MarkRegistered() {
	s.registered.Store(true)
	s.state.Store(int32(StateOpen))
	go s.readLoop()
	go s.writeLoop()
	go s.pingLoop()
}

// DiscardUnregistered tears the session down without ever calling
// Dispatcher.Unregister — used when SessionRegistry rejected registration
// (duplicate node id or registry full), per §4.2's "Registration failure
// ⇒ straight to Closed, no unregister call".
func (s *Session) DiscardUnregistered() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closedSignal)
		close(s.writeDone)
		close(s.readDone)
		s.conn.Close()
	})
}

// Write enqueues frame for sending. It is non-blocking and totally
// ordered per session (invariant S3); writes against a Closing/Closed
// session, or against a full queue, are silently dropped.
func (s *Session) Write(frame []byte) {
	if s.State() != StateOpen {
		return
	}
	select {
	case s.writeCh <- frame:
	case <-s.closedSignal:
	default:
		s.log.Warn("write queue full, dropping frame")
	}
}

// Close initiates an orderly local shutdown (spec.md §4.2 "Local close()
// ⇒ Closing ⇒ Closed"). It is idempotent and safe to call more than once
// or concurrently with an in-flight I/O error.
func (s *Session) Close() {
	s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	s.state.CompareAndSwap(int32(StateHandshaking), int32(StateClosing))
	s.teardown()
}

// teardown is the single owner of the close operation (design note §9):
// whichever of the read loop (I/O error) or an explicit Close() call gets
// there first runs this exactly once.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.closedSignal)
		s.conn.Close()
		<-s.writeDone
		s.state.Store(int32(StateClosed))
		if s.registered.Load() {
			s.dispatcher.Unregister(s)
		}
	})
}

func (s *Session) writeLoop() {
	defer close(s.writeDone)
	for {
		select {
		case payload := <-s.writeCh:
			s.writeOne(payload)
		case <-s.closedSignal:
			s.drainAndClose()
			return
		}
	}
}

func (s *Session) drainAndClose() {
	for {
		select {
		case payload := <-s.writeCh:
			s.writeOne(payload)
		default:
			return
		}
	}
}

func (s *Session) writeOne(payload []byte) {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		s.log.WithField("err", err).Debug("write failed, closing session")
		go s.Close()
	}
}

// pingLoop sends a WebSocket ping every keepAlivePeriod so an otherwise
// idle-but-healthy session (e.g. a Normal<->Discovery link while discovery
// is backed off at max connections) keeps resetting its peer's read
// deadline via the pong handler instead of being torn down for idleness.
// WriteControl is safe to call concurrently with writeLoop's WriteMessage
// calls, so this needs no coordination with the write queue.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.log.WithField("err", err).Debug("ping failed, closing session")
				go s.Close()
				return
			}
		case <-s.closedSignal:
			return
		}
	}
}

// readLoop reads one WebSocket binary message at a time and hands
// well-formed-length ones to the dispatcher via the shared worker pool,
// per §4.2's read policy and §5's "handlers must not block the read
// task". The read deadline is kept alive either by traffic arriving here
// or by pingLoop's periodic pings eliciting a pong.
func (s *Session) readLoop() {
	defer func() {
		close(s.readDone)
		s.teardown()
	}()
	s.conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.WithField("err", err).Debug("read loop ending")
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
		if len(data) < minFrameLen {
			s.log.WithField("len", len(data)).Debug("ignoring undersized message")
			continue
		}
		msg := data
		if s.pool != nil {
			err := s.pool.Submit(func() { s.dispatcher.Dispatch(s, msg) })
			if err != nil {
				s.log.WithField("err", err).Warn("worker pool full, dispatching inline")
				s.dispatcher.Dispatch(s, msg)
			}
		} else {
			s.dispatcher.Dispatch(s, msg)
		}
	}
}

const frameReadTimeout = 30 * time.Second

// keepAlivePeriod is how often pingLoop pings an idle connection; it is
// comfortably inside frameReadTimeout so the pong lands before the read
// deadline would otherwise expire.
const keepAlivePeriod = (frameReadTimeout * 9) / 10
