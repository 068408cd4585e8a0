package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiscoveryEngineBootstrapsAndGrowsMesh(t *testing.T) {
	seed, epSeed := newTestManager(t, nil, nil, 10)
	newcomer, _ := newTestManager(t, nil, nil, 10)

	newcomer.cfg.BootstrapNodes = []Endpoint{epSeed}
	newcomer.cfg.MinConnections = 1
	newcomer.discovery = NewDiscoveryEngine(newcomer, newcomer.log)

	newcomer.StartDiscovery()
	t.Cleanup(newcomer.discovery.Stop)

	require.Eventually(t, func() bool {
		return seed.PeerCount() == 1 && newcomer.PeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDiscoveryEngineSkipsSelfBootstrapEndpoint(t *testing.T) {
	m, ep := newTestManager(t, nil, nil, 10)
	m.cfg.BootstrapNodes = []Endpoint{ep}
	engine := NewDiscoveryEngine(m, m.log)

	require.True(t, engine.isSelf(ep))
	engine.bootstrap()
	require.Equal(t, 0, m.PeerCount())
}

func TestDiscoveryEngineStopIsPrompt(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, 10)
	engine := NewDiscoveryEngine(m, m.log)
	engine.Start()

	start := time.Now()
	engine.Stop()
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestDiscoveryEngineConnectToLearnedSkipsDiscoveryAndSelf(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, 10)
	engine := NewDiscoveryEngine(m, m.log)

	learned := map[NodeID]PeerAddr{
		m.LocalNodeID(): {Type: NodeTypeNormal, Endpoint: Endpoint{}},
		{0xaa}:          {Type: NodeTypeDiscovery, Endpoint: Endpoint{}},
	}
	engine.connectToLearned(learned)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Empty(t, engine.requested)
}
