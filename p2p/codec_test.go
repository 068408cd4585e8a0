package p2p

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcastKeyDeterministic(t *testing.T) {
	a := BroadcastKey([]byte("payload-one"))
	b := BroadcastKey([]byte("payload-one"))
	c := BroadcastKey([]byte("payload-two"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestRequestIDUint64RoundTrip(t *testing.T) {
	var v uint64 = 0x0123456789abcdef
	id := RequestIDFromUint64(v)
	require.Equal(t, v, id.Uint64())
}

func TestRandomRequestIDVaries(t *testing.T) {
	a, err := RandomRequestID()
	require.NoError(t, err)
	b, err := RandomRequestID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestEncodeDecodeInfoRoundTrip(t *testing.T) {
	info := NodeInfo{
		Version:         7,
		TimestampMicros: 1234567890,
		Height:          99,
		LatestBlockHash: [32]byte{0xaa, 0xbb},
	}
	payload := EncodeInfo(info)
	require.Len(t, payload, 56)

	got, err := DecodeInfo(payload)
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestDecodeInfoRejectsWrongLength(t *testing.T) {
	_, err := DecodeInfo(make([]byte, 10))
	require.ErrorIs(t, err, ErrFrameInvalid)
}

func TestRequestNodesAnswerRoundTripIPv4AndIPv6(t *testing.T) {
	peers := []PeerInfo{
		{Type: NodeTypeNormal, ID: NodeID{1}, Endpoint: Endpoint{IP: net.ParseIP("10.0.0.1"), Port: 30303}},
		{Type: NodeTypeDiscovery, ID: NodeID{2}, Endpoint: Endpoint{IP: net.ParseIP("::1"), Port: 30304}},
	}
	payload, err := EncodeRequestNodesAnswer(peers)
	require.NoError(t, err)

	got, err := DecodeRequestNodesAnswer(payload)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, peers[0].ID, got[0].ID)
	require.Equal(t, peers[0].Type, got[0].Type)
	require.True(t, peers[0].Endpoint.IP.Equal(got[0].Endpoint.IP))
	require.Equal(t, peers[0].Endpoint.Port, got[0].Endpoint.Port)
	require.True(t, peers[1].Endpoint.IP.Equal(got[1].Endpoint.IP))
}

func TestRequestNodesAnswerEmpty(t *testing.T) {
	payload, err := EncodeRequestNodesAnswer(nil)
	require.NoError(t, err)
	got, err := DecodeRequestNodesAnswer(payload)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecodeRequestNodesAnswerRejectsTruncatedTrailingRecord(t *testing.T) {
	peers := []PeerInfo{
		{Type: NodeTypeNormal, ID: NodeID{1}, Endpoint: Endpoint{IP: net.ParseIP("10.0.0.1"), Port: 30303}},
	}
	payload, err := EncodeRequestNodesAnswer(peers)
	require.NoError(t, err)

	truncated := append(payload, 0x01, 0x02) // partial trailing record header
	_, err = DecodeRequestNodesAnswer(truncated)
	require.ErrorIs(t, err, ErrFrameInvalid)
}

func TestValidatorTxsAnswerRoundTrip(t *testing.T) {
	txs := [][]byte{[]byte("tx-one"), {}, []byte("tx-three-longer")}
	payload := EncodeRequestValidatorTxsAnswer(txs)

	got, err := DecodeRequestValidatorTxsAnswer(payload)
	require.NoError(t, err)
	require.Equal(t, txs, got)
}

func TestDecodeValidatorTxsAnswerRejectsTruncatedBody(t *testing.T) {
	payload := EncodeRequestValidatorTxsAnswer([][]byte{[]byte("0123456789")})
	truncated := payload[:len(payload)-2]
	_, err := DecodeRequestValidatorTxsAnswer(truncated)
	require.ErrorIs(t, err, ErrFrameInvalid)
}
