package p2p

import "errors"

// Error taxonomy, per the §7 error handling design: one sentinel per row,
// the way chain/errors.go enumerates ErrBlockNotFound and friends. Where a
// condition is reported to a caller, the sentinel is returned (or wrapped
// with %w) rather than constructed fresh per call site; ErrSessionClosed
// and ErrDecode name conditions that are handled without returning an
// error (see their comments).
var (
	// ErrFrameInvalid is returned by WireCodec when a frame is shorter than
	// the minimum length, carries an unknown type/command prefix, or has a
	// payload that does not match its command's schema.
	ErrFrameInvalid = errors.New("p2p: frame invalid")

	// ErrHandshakeInvalid is returned when the WebSocket upgrade is missing
	// or has malformed X-Node-Id / X-Node-Type / X-Node-ServerPort headers.
	ErrHandshakeInvalid = errors.New("p2p: handshake invalid")

	// ErrDuplicateNodeID is returned by SessionRegistry.Register when a
	// session for the same remote node id is already registered.
	ErrDuplicateNodeID = errors.New("p2p: duplicate node id")

	// ErrSessionClosed names an operation attempted against a session that
	// is Closing or Closed. No function currently returns it: Session.Write
	// drops such writes silently, and a read on a closed socket just ends
	// the read loop.
	ErrSessionClosed = errors.New("p2p: session closed")

	// ErrNoSuchSession is returned when addressing an unknown node id.
	ErrNoSuchSession = errors.New("p2p: no such session")

	// ErrForbidden is returned when a non-Ping/Info/RequestNodes message is
	// addressed to a Discovery peer. An inbound request for a command the
	// local role does not serve is dropped silently, without this error.
	ErrForbidden = errors.New("p2p: forbidden for peer role")

	// ErrTimeout is returned when a correlated request's answer does not
	// arrive before its deadline.
	ErrTimeout = errors.New("p2p: request timed out")

	// ErrRegistryFull is returned when an accepted session cannot be
	// registered because the registry is at MaxConnections.
	ErrRegistryFull = errors.New("p2p: registry full")

	// ErrDecode names a ChainCodec decode failure on an inbound broadcast.
	// No function currently returns it: Manager logs the codec's own error
	// and drops the broadcast without forwarding it.
	ErrDecode = errors.New("p2p: decode failed")
)
