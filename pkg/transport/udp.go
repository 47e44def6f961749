package transport

import (
	"context"
	"fmt"
	"net"
)

// maxDatagramSize caps a single UDP read; larger datagrams are truncated
// by the kernel before we ever see them, same as in practice for any
// UDP relay.
const maxDatagramSize = 64 * 1024

// udpHandle is a [Handle] backed by an unbound UDP socket with a fixed
// remote peer, explicitly stored and used for every outbound datagram.
type udpHandle struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	buf    []byte
}

// DialUDP resolves host and creates a UDP socket whose default peer is
// set to host:port. No packets flow at this stage.
func DialUDP(ctx context.Context, resolve Resolver, host string, port uint16) (Handle, net.Addr, error) {
	addrs, err := resolve(ctx, host)
	if err != nil {
		return nil, nil, &ConnectError{Kind: classify(err), Err: fmt.Errorf("failed to resolve %q: %w", host, err)}
	}
	if len(addrs) == 0 {
		return nil, nil, &ConnectError{Kind: ErrUnreachable, Err: fmt.Errorf("no addresses found for %q", host)}
	}

	remote := &net.UDPAddr{IP: net.ParseIP(addrs[0]), Port: int(port)}
	if remote.IP == nil {
		return nil, nil, &ConnectError{Kind: ErrUnreachable, Err: fmt.Errorf("unparsable resolved address %q", addrs[0])}
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, nil, &ConnectError{Kind: ErrOther, Err: fmt.Errorf("failed to open UDP socket: %w", err)}
	}

	return &udpHandle{conn: conn, remote: remote, buf: make([]byte, maxDatagramSize)}, remote, nil
}

// Read returns exactly one datagram's worth of bytes.
func (h *udpHandle) Read(_ context.Context) ([]byte, error) {
	n, _, err := h.conn.ReadFromUDP(h.buf)
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, h.buf[:n])
	return out, nil
}

// Write sends b as a single datagram to the stored remote peer.
func (h *udpHandle) Write(_ context.Context, b []byte) error {
	_, err := h.conn.WriteToUDP(b, h.remote)
	return err
}

func (h *udpHandle) Close() error {
	return h.conn.Close()
}
