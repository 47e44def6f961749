package wisp

import (
	"encoding/binary"
	"fmt"
)

// connectHeaderSize is the fixed-width prefix of a CONNECT payload: 1 byte
// stream kind + 2 bytes port, followed by the hostname.
const connectHeaderSize = 3

// minConnectPayload is the smallest valid CONNECT payload: connectHeaderSize
// plus at least 1 byte of hostname. A CONNECT with no hostname is rejected
// rather than accepted with an empty Host.
const minConnectPayload = connectHeaderSize + 1

// ConnectRequest is the parsed payload of a CONNECT packet.
type ConnectRequest struct {
	Kind StreamKind
	Port uint16
	Host string
}

// ParseConnect extracts the stream kind, destination port, and hostname
// from a CONNECT packet's payload.
func ParseConnect(payload []byte) (ConnectRequest, error) {
	if len(payload) < minConnectPayload {
		return ConnectRequest{}, fmt.Errorf("%w: CONNECT payload too short (%d bytes)", ErrMalformedFrame, len(payload))
	}

	return ConnectRequest{
		Kind: StreamKind(payload[0]),
		Port: binary.LittleEndian.Uint16(payload[1:3]),
		Host: string(payload[connectHeaderSize:]),
	}, nil
}

// EncodeConnect is the inverse of ParseConnect, provided for tests and
// for any future client-side tooling that needs to build CONNECT packets.
func EncodeConnect(kind StreamKind, port uint16, host string) []byte {
	buf := make([]byte, connectHeaderSize+len(host))
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint16(buf[1:3], port)
	copy(buf[connectHeaderSize:], host)
	return buf
}

// EncodeCredit formats a CONTINUE packet's 4-byte little-endian credit payload.
func EncodeCredit(credit uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, credit)
	return buf
}

// ParseCredit is the inverse of EncodeCredit.
func ParseCredit(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: CONTINUE payload too short (%d bytes)", ErrMalformedFrame, len(payload))
	}
	return binary.LittleEndian.Uint32(payload[:4]), nil
}
