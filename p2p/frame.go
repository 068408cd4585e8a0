package p2p

import (
	"encoding/binary"
	"fmt"
)

// FrameType is the 1-byte type prefix of every wire frame.
type FrameType uint8

const (
	FrameRequest   FrameType = 0x00
	FrameAnswer    FrameType = 0x01
	FrameBroadcast FrameType = 0x02
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "request"
	case FrameAnswer:
		return "answer"
	case FrameBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Command identifies the 2-byte command prefix of a frame.
type Command uint16

const (
	CommandPing                 Command = 0x0000
	CommandInfo                 Command = 0x0001
	CommandRequestNodes         Command = 0x0002
	CommandRequestValidatorTxs  Command = 0x0003
	CommandBroadcastValidatorTx Command = 0x0004
	CommandBroadcastTx          Command = 0x0005
	CommandBroadcastBlock       Command = 0x0006
)

func (c Command) String() string {
	switch c {
	case CommandPing:
		return "ping"
	case CommandInfo:
		return "info"
	case CommandRequestNodes:
		return "request_nodes"
	case CommandRequestValidatorTxs:
		return "request_validator_txs"
	case CommandBroadcastValidatorTx:
		return "broadcast_validator_tx"
	case CommandBroadcastTx:
		return "broadcast_tx"
	case CommandBroadcastBlock:
		return "broadcast_block"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(c))
	}
}

// isBroadcastCommand reports whether c is one that only ever travels as a
// Broadcast frame.
func (c Command) isBroadcastCommand() bool {
	switch c {
	case CommandBroadcastValidatorTx, CommandBroadcastTx, CommandBroadcastBlock:
		return true
	default:
		return false
	}
}

// minFrameLen is the minimum length of a well-formed frame: 1 (type) + 8
// (request id) + 2 (command) = 11, per spec.md §3.
const minFrameLen = 11

// RequestID is the 8-byte correlation id carried by Request/Answer frames.
// For Broadcast frames this slot instead carries FNV-1a(payload), so every
// node computes the same dedup key regardless of its own random seed.
type RequestID [8]byte

// Frame is a single parsed wire message: the value type WireCodec builds
// and parses. It carries no behavior beyond (de)serialization — Session
// and Manager interpret it.
type Frame struct {
	Type      FrameType
	ID        RequestID
	Command   Command
	Payload   []byte
}

// BuildFrame serializes type, id, command and payload into the wire
// layout described in spec.md §4.1. It performs no command-specific
// payload validation; use the Encode* functions in codec.go to build
// well-formed payloads.
func BuildFrame(typ FrameType, id RequestID, cmd Command, payload []byte) []byte {
	buf := make([]byte, minFrameLen+len(payload))
	buf[0] = byte(typ)
	copy(buf[1:9], id[:])
	binary.BigEndian.PutUint16(buf[9:11], uint16(cmd))
	copy(buf[11:], payload)
	return buf
}

// ParseFrame splits a raw wire message back into its four fields. It
// rejects anything shorter than minFrameLen or carrying an unrecognized
// type/command prefix, per the §4.1 error policy.
func ParseFrame(raw []byte) (Frame, error) {
	if len(raw) < minFrameLen {
		return Frame{}, fmt.Errorf("%w: frame length %d below minimum %d", ErrFrameInvalid, len(raw), minFrameLen)
	}
	typ := FrameType(raw[0])
	switch typ {
	case FrameRequest, FrameAnswer, FrameBroadcast:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type prefix 0x%02x", ErrFrameInvalid, raw[0])
	}
	var id RequestID
	copy(id[:], raw[1:9])
	cmd := Command(binary.BigEndian.Uint16(raw[9:11]))
	switch cmd {
	case CommandPing, CommandInfo, CommandRequestNodes, CommandRequestValidatorTxs,
		CommandBroadcastValidatorTx, CommandBroadcastTx, CommandBroadcastBlock:
	default:
		return Frame{}, fmt.Errorf("%w: unknown command prefix 0x%04x", ErrFrameInvalid, uint16(cmd))
	}
	payload := make([]byte, len(raw)-minFrameLen)
	copy(payload, raw[minFrameLen:])
	return Frame{Type: typ, ID: id, Command: cmd, Payload: payload}, nil
}
