package p2p

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Defaults per spec.md §3/§4.3/§4.5.
const (
	DefaultMaxConnectionsNormal    = 50
	DefaultMaxConnectionsDiscovery = 200
	DefaultMinConnections          = 11
)

// Config holds the options table from spec.md §6. CLI parsing and
// file-based config loading are out of scope for this module; the
// embedder constructs Config directly.
type Config struct {
	// HostIP/HostPort is the local bind address advertised during the
	// handshake via X-Node-ServerPort.
	HostIP   net.IP
	HostPort uint16

	// NodeType is Normal or Discovery. Discovery nodes only answer Ping
	// and RequestNodes and never broadcast.
	NodeType NodeType

	// MaxConnections is the SessionRegistry admission cap. Zero means
	// "use the role default" (50 for Normal, 200 for Discovery).
	MaxConnections int

	// MinConnections is the DiscoveryEngine target floor. Zero means
	// DefaultMinConnections.
	MinConnections int

	// BootstrapNodes are dialed once at startup to seed discovery.
	BootstrapNodes []Endpoint

	// ChainID is passed to ChainCodec for every decode.
	ChainID uint64

	// Logger, if non-nil, is the base entry every component derives its
	// own WithField("component", ...) logger from.
	Logger *logrus.Entry
}

// withDefaults returns a copy of c with zero-valued fields replaced by the
// role-appropriate defaults named in spec.md.
func (c Config) withDefaults() Config {
	if c.MaxConnections == 0 {
		if c.NodeType == NodeTypeDiscovery {
			c.MaxConnections = DefaultMaxConnectionsDiscovery
		} else {
			c.MaxConnections = DefaultMaxConnectionsNormal
		}
	}
	if c.MinConnections == 0 {
		c.MinConnections = DefaultMinConnections
	}
	return c
}
