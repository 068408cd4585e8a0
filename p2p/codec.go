package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
)

// WireCodec is a pure encode/decode layer: no I/O, no state. It is safe
// for concurrent use because it holds none. Everything here implements
// spec.md §4.1.

// BroadcastKey returns the FNV-1a hash of a broadcast payload, used as the
// request-id slot of a Broadcast frame and as the SeenBroadcasts key. FNV-1a
// is used unqualified from the standard library (hash/fnv): it is a fixed,
// non-cryptographic hash with no tunable behavior a third-party dependency
// would add value to, and the wire format mandates FNV-1a specifically.
func BroadcastKey(payload []byte) uint64 {
	h := fnv.New64a()
	h.Write(payload)
	return h.Sum64()
}

// RequestIDFromUint64 packs a uint64 into the 8-byte RequestID slot,
// big-endian, as used for broadcast frames.
func RequestIDFromUint64(v uint64) RequestID {
	var id RequestID
	binary.BigEndian.PutUint64(id[:], v)
	return id
}

// Uint64 unpacks a RequestID's big-endian 8 bytes back into a uint64.
func (id RequestID) Uint64() uint64 {
	return binary.BigEndian.Uint64(id[:])
}

// RandomRequestID draws 8 random bytes for a correlated request id.
// Generation/collision-retry is RequestTable's job (invariant R1); this
// just draws bytes.
func RandomRequestID() (RequestID, error) {
	var id RequestID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("random request id: %w", err)
	}
	return id, nil
}

// EncodePing returns the (empty) Ping payload.
func EncodePing() []byte { return nil }

// EncodeInfo serializes a NodeInfo into its 56-byte payload.
func EncodeInfo(n NodeInfo) []byte {
	buf := make([]byte, 56)
	binary.BigEndian.PutUint64(buf[0:8], n.Version)
	binary.BigEndian.PutUint64(buf[8:16], n.TimestampMicros)
	binary.BigEndian.PutUint64(buf[16:24], n.Height)
	copy(buf[24:56], n.LatestBlockHash[:])
	return buf
}

// DecodeInfo parses a 56-byte Info payload.
func DecodeInfo(payload []byte) (NodeInfo, error) {
	if len(payload) != 56 {
		return NodeInfo{}, fmt.Errorf("%w: info payload length %d, want 56", ErrFrameInvalid, len(payload))
	}
	var n NodeInfo
	n.Version = binary.BigEndian.Uint64(payload[0:8])
	n.TimestampMicros = binary.BigEndian.Uint64(payload[8:16])
	n.Height = binary.BigEndian.Uint64(payload[16:24])
	copy(n.LatestBlockHash[:], payload[24:56])
	return n, nil
}

// encodePeerRecord writes one RequestNodes-answer peer record:
// u8 node_type | 32 bytes node_id | u8 ip_version | 4/16 bytes ip | u16 port.
func encodePeerRecord(p PeerInfo) ([]byte, error) {
	ip4 := p.Endpoint.IP.To4()
	var ipVersion byte
	var ipBytes []byte
	if ip4 != nil {
		ipVersion = 0
		ipBytes = ip4
	} else if ip16 := p.Endpoint.IP.To16(); ip16 != nil {
		ipVersion = 1
		ipBytes = ip16
	} else {
		return nil, fmt.Errorf("%w: peer record has no valid ip", ErrFrameInvalid)
	}
	buf := make([]byte, 0, 1+NodeIDSize+1+len(ipBytes)+2)
	buf = append(buf, byte(p.Type))
	buf = append(buf, p.ID[:]...)
	buf = append(buf, ipVersion)
	buf = append(buf, ipBytes...)
	buf = binary.BigEndian.AppendUint16(buf, p.Endpoint.Port)
	return buf, nil
}

// decodePeerRecord reads one peer record starting at payload[0], returning
// the record and the number of bytes consumed.
func decodePeerRecord(payload []byte) (PeerInfo, int, error) {
	const head = 1 + NodeIDSize + 1
	if len(payload) < head {
		return PeerInfo{}, 0, fmt.Errorf("%w: truncated peer record header", ErrFrameInvalid)
	}
	var p PeerInfo
	p.Type = NodeType(payload[0])
	copy(p.ID[:], payload[1:1+NodeIDSize])
	ipVersion := payload[head-1]
	var ipLen int
	switch ipVersion {
	case 0:
		ipLen = 4
	case 1:
		ipLen = 16
	default:
		return PeerInfo{}, 0, fmt.Errorf("%w: ip_version %d > 1", ErrFrameInvalid, ipVersion)
	}
	if len(payload) < head+ipLen+2 {
		return PeerInfo{}, 0, fmt.Errorf("%w: truncated peer record body", ErrFrameInvalid)
	}
	ip := make(net.IP, ipLen)
	copy(ip, payload[head:head+ipLen])
	p.Endpoint.IP = ip
	p.Endpoint.Port = binary.BigEndian.Uint16(payload[head+ipLen : head+ipLen+2])
	return p, head + ipLen + 2, nil
}

// EncodeRequestNodesAnswer concatenates peer records for a RequestNodes
// answer payload.
func EncodeRequestNodesAnswer(peers []PeerInfo) ([]byte, error) {
	var out []byte
	for _, p := range peers {
		rec, err := encodePeerRecord(p)
		if err != nil {
			return nil, err
		}
		out = append(out, rec...)
	}
	return out, nil
}

// DecodeRequestNodesAnswer parses a concatenation of peer records. A
// truncated trailing record is rejected wholesale (no partial state
// leaks), per spec.md §8 boundary behaviors.
func DecodeRequestNodesAnswer(payload []byte) ([]PeerInfo, error) {
	var peers []PeerInfo
	for len(payload) > 0 {
		p, n, err := decodePeerRecord(payload)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
		payload = payload[n:]
	}
	return peers, nil
}

// EncodeRequestValidatorTxsAnswer concatenates u32-length-prefixed,
// RLP-encoded tx records.
func EncodeRequestValidatorTxsAnswer(txs [][]byte) []byte {
	var out []byte
	for _, tx := range txs {
		out = binary.BigEndian.AppendUint32(out, uint32(len(tx)))
		out = append(out, tx...)
	}
	return out
}

// DecodeRequestValidatorTxsAnswer splits a concatenation of
// u32-length-prefixed tx records back into their raw (still RLP-encoded)
// bytes; decoding the RLP itself is ChainCodec's job.
func DecodeRequestValidatorTxsAnswer(payload []byte) ([][]byte, error) {
	var txs [][]byte
	for len(payload) > 0 {
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: truncated tx record size prefix", ErrFrameInvalid)
		}
		size := binary.BigEndian.Uint32(payload[0:4])
		payload = payload[4:]
		if uint64(len(payload)) < uint64(size) {
			return nil, fmt.Errorf("%w: truncated tx record body", ErrFrameInvalid)
		}
		tx := make([]byte, size)
		copy(tx, payload[:size])
		txs = append(txs, tx)
		payload = payload[size:]
	}
	return txs, nil
}
