// Package wisp implements the Wisp wire format and per-session stream
// bookkeeping: the binary packet codec, and the table that tracks live
// TCP/UDP streams multiplexed over a single WebSocket connection.
package wisp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies the kind of a Wisp packet, as the first byte on the wire.
type PacketType uint8

const (
	PacketConnect  PacketType = 0x01
	PacketData     PacketType = 0x02
	PacketContinue PacketType = 0x03
	PacketClose    PacketType = 0x04
)

// String returns the packet type's name, or its number if it's unrecognized.
func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "connect"
	case PacketData:
		return "data"
	case PacketContinue:
		return "continue"
	case PacketClose:
		return "close"
	default:
		return fmt.Sprintf("0x%02x", uint8(t))
	}
}

// StreamKind distinguishes TCP streams from UDP flows, as carried in a
// CONNECT packet's payload.
type StreamKind uint8

const (
	StreamTCP StreamKind = 0x01
	StreamUDP StreamKind = 0x02
)

func (k StreamKind) String() string {
	switch k {
	case StreamTCP:
		return "tcp"
	case StreamUDP:
		return "udp"
	default:
		return fmt.Sprintf("0x%02x", uint8(k))
	}
}

// CloseReason is the single-byte payload of a CLOSE packet.
type CloseReason uint8

const (
	CloseNormal       CloseReason = 0x02
	CloseNetworkError CloseReason = 0x03
	CloseInvalid      CloseReason = 0x41
	CloseUnreachable  CloseReason = 0x42
	CloseTimeout      CloseReason = 0x43
	CloseRefused      CloseReason = 0x44
)

func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseNetworkError:
		return "network_error"
	case CloseInvalid:
		return "invalid"
	case CloseUnreachable:
		return "unreachable"
	case CloseTimeout:
		return "timeout"
	case CloseRefused:
		return "refused"
	default:
		return fmt.Sprintf("0x%02x", uint8(r))
	}
}

// SessionStreamID is the reserved stream id for session-scoped control
// frames (the initial CONTINUE sent right after the WebSocket is accepted).
const SessionStreamID uint32 = 0

// minFrameLength is the smallest valid Wisp packet: 1 byte type + 4 byte id.
const minFrameLength = 5

// ErrMalformedFrame is returned by Decode when the input is too short to
// contain a type byte and a stream id.
var ErrMalformedFrame = errors.New("wisp: malformed frame")

// Packet is a decoded Wisp packet.
type Packet struct {
	Type     PacketType
	StreamID uint32
	Payload  []byte
}

// Encode produces the wire representation of a Wisp packet: 1 byte type,
// 4 bytes little-endian stream id, then the raw payload. It never fails.
func Encode(typ PacketType, streamID uint32, payload []byte) []byte {
	buf := make([]byte, minFrameLength+len(payload))
	buf[0] = byte(typ)
	binary.LittleEndian.PutUint32(buf[1:5], streamID)
	copy(buf[5:], payload)
	return buf
}

// Decode parses a Wisp packet from a WebSocket binary message. The
// returned Payload aliases b; callers that retain a Packet beyond the
// message's lifetime must copy it themselves. Decode fails iff
// len(b) < 5; it never panics.
func Decode(b []byte) (Packet, error) {
	if len(b) < minFrameLength {
		return Packet{}, fmt.Errorf("%w: got %d bytes, want at least %d", ErrMalformedFrame, len(b), minFrameLength)
	}

	return Packet{
		Type:     PacketType(b[0]),
		StreamID: binary.LittleEndian.Uint32(b[1:5]),
		Payload:  b[5:],
	}, nil
}

// KnownType reports whether t is one of the enumerated packet types.
// Callers are expected to treat KnownType(false) the same way as a
// Decode error: drop the frame, log at debug.
func (t PacketType) KnownType() bool {
	switch t {
	case PacketConnect, PacketData, PacketContinue, PacketClose:
		return true
	default:
		return false
	}
}
