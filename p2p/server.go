package p2p

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// listenReadyWait is how long StartServer waits for the accept goroutine
// to report it is listening before returning (spec.md §4.6).
const listenReadyWait = 100 * time.Millisecond

// p2pPath is the fixed HTTP path the WebSocket upgrade is served on.
const p2pPath = "/p2p"

// p2pServer owns the inbound TCP listener and the http.Server that
// upgrades every request on p2pPath into a Session, modeled on the
// teacher's listenLoop/setupListening split between binding and serving.
type p2pServer struct {
	m   *Manager
	log *logrus.Entry

	listener net.Listener
	http     *http.Server

	ready chan struct{}
}

func newP2PServer(m *Manager, log *logrus.Entry) *p2pServer {
	return &p2pServer{m: m, log: withLog(log, "server")}
}

func (s *p2pServer) start() error {
	addr := net.JoinHostPort(s.m.cfg.HostIP.String(), fmt.Sprintf("%d", s.m.cfg.HostPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("p2p: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.ready = make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc(p2pPath, s.handleUpgrade)
	s.http = &http.Server{Handler: mux}

	go func() {
		close(s.ready)
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithField("err", err).Warn("accept loop ended")
		}
	}()

	select {
	case <-s.ready:
	case <-time.After(listenReadyWait):
	}
	s.log.WithField("addr", addr).Info("listening")
	return nil
}

func (s *p2pServer) stop() {
	if s.http != nil {
		s.http.Close()
	}
}

func (s *p2pServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	session, err := AcceptSession(w, r, s.m.localID, s.m.cfg.NodeType, s.m.cfg.HostPort, s.m, s.m.pool, s.log)
	if err != nil {
		s.log.WithField("err", err).WithField("remote", r.RemoteAddr).Debug("rejecting inbound handshake")
		return
	}
	if err := s.m.admit(session); err != nil {
		s.log.WithField("err", err).WithField("remote", session.RemoteNodeID().String()).Debug("rejecting inbound session")
	}
}
