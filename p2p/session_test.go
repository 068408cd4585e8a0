package p2p

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu           sync.Mutex
	received     [][]byte
	unregistered chan *Session
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{unregistered: make(chan *Session, 1)}
}

func (f *fakeDispatcher) Dispatch(s *Session, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	f.received = append(f.received, cp)
}

func (f *fakeDispatcher) Unregister(s *Session) {
	select {
	case f.unregistered <- s:
	default:
	}
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeDispatcher) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) == 0 {
		return nil
	}
	return f.received[len(f.received)-1]
}

func newSessionTestPair(t *testing.T) (client, server *Session, clientDispatch, serverDispatch *fakeDispatcher, cleanup func()) {
	t.Helper()

	clientID := NodeID{1}
	serverID := NodeID{2}
	serverDispatch = newFakeDispatcher()
	clientDispatch = newFakeDispatcher()

	var mu sync.Mutex
	var srv *Session
	ready := make(chan struct{})

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := AcceptSession(w, r, serverID, NodeTypeNormal, 9100, serverDispatch, nil, nil)
		if err != nil {
			return
		}
		mu.Lock()
		srv = s
		mu.Unlock()
		s.MarkRegistered()
		close(ready)
	}))

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/p2p"
	cli, err := DialSession(context.Background(), wsURL, clientID, NodeTypeNormal, 9101, clientDispatch, nil, nil)
	require.NoError(t, err)
	cli.MarkRegistered()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server session never registered")
	}

	mu.Lock()
	server = srv
	mu.Unlock()

	return cli, server, clientDispatch, serverDispatch, httpSrv.Close
}

func TestSessionHandshakeExchangesIdentity(t *testing.T) {
	client, server, _, _, cleanup := newSessionTestPair(t)
	defer cleanup()
	defer client.Close()
	defer server.Close()

	require.Equal(t, NodeID{2}, client.RemoteNodeID())
	require.Equal(t, NodeID{1}, server.RemoteNodeID())
	require.Equal(t, NodeTypeNormal, client.RemoteType())
	require.Equal(t, RoleClient, client.Role())
	require.Equal(t, RoleServer, server.Role())
	require.Equal(t, StateOpen, client.State())
	require.Equal(t, StateOpen, server.State())
}

func TestSessionWriteDeliversFrameToPeerDispatcher(t *testing.T) {
	client, server, _, serverDispatch, cleanup := newSessionTestPair(t)
	defer cleanup()
	defer client.Close()
	defer server.Close()

	frame := BuildFrame(FrameRequest, RequestID{9}, CommandPing, nil)
	client.Write(frame)

	require.Eventually(t, func() bool { return serverDispatch.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, frame, serverDispatch.last())
}

func TestSessionIgnoresUndersizedMessage(t *testing.T) {
	client, server, _, serverDispatch, cleanup := newSessionTestPair(t)
	defer cleanup()
	defer client.Close()
	defer server.Close()

	client.Write([]byte("short"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, serverDispatch.count())
	require.Equal(t, StateOpen, server.State())
}

func TestSessionCloseIsIdempotentAndUnregistersExactlyOnce(t *testing.T) {
	client, server, clientDispatch, serverDispatch, cleanup := newSessionTestPair(t)
	defer cleanup()

	client.Close()
	client.Close() // idempotent
	require.Equal(t, StateClosed, client.State())

	select {
	case got := <-clientDispatch.unregistered:
		require.Same(t, client, got)
	case <-time.After(time.Second):
		t.Fatal("client dispatcher never unregistered")
	}
	select {
	case <-clientDispatch.unregistered:
		t.Fatal("client dispatcher unregistered more than once")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case got := <-serverDispatch.unregistered:
		require.Same(t, server, got)
	case <-time.After(time.Second):
		t.Fatal("server dispatcher never unregistered after peer closed")
	}
	require.Equal(t, StateClosed, server.State())
}

func TestSessionWriteAfterCloseIsDropped(t *testing.T) {
	client, server, _, serverDispatch, cleanup := newSessionTestPair(t)
	defer cleanup()
	defer server.Close()

	client.Close()
	client.Write(BuildFrame(FrameRequest, RequestID{1}, CommandPing, nil))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, serverDispatch.count())
}
