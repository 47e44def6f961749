package transport

import (
	"context"
	"fmt"
	"net"
)

// tcpHandle is a [Handle] backed by a single outbound TCP connection.
type tcpHandle struct {
	conn net.Conn
	buf  []byte
}

// DialTCP resolves host and establishes a TCP connection to it on port.
// Resolution and connect failures are both reported through
// [ConnectError].
func DialTCP(ctx context.Context, resolve Resolver, host string, port uint16) (Handle, error) {
	addrs, err := resolve(ctx, host)
	if err != nil {
		return nil, &ConnectError{Kind: classify(err), Err: fmt.Errorf("failed to resolve %q: %w", host, err)}
	}
	if len(addrs) == 0 {
		return nil, &ConnectError{Kind: ErrUnreachable, Err: fmt.Errorf("no addresses found for %q", host)}
	}

	var d net.Dialer
	target := net.JoinHostPort(addrs[0], fmt.Sprintf("%d", port))
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, &ConnectError{Kind: classify(err), Err: fmt.Errorf("failed to dial %q: %w", target, err)}
	}

	return &tcpHandle{conn: conn, buf: make([]byte, readBufferSize)}, nil
}

// Read returns whatever bytes are currently available, up to
// readBufferSize, blocking until at least one byte arrives or the
// connection half-closes (io.EOF).
func (h *tcpHandle) Read(_ context.Context) ([]byte, error) {
	n, err := h.conn.Read(h.buf)
	if n == 0 {
		return nil, err
	}

	// io.Reader may return n > 0 together with a non-nil error (e.g. io.EOF);
	// the caller gets both the final bytes and the error.
	out := make([]byte, n)
	copy(out, h.buf[:n])
	return out, err
}

// Write writes all of b to the connection.
func (h *tcpHandle) Write(_ context.Context, b []byte) error {
	_, err := h.conn.Write(b)
	return err
}

func (h *tcpHandle) Close() error {
	return h.conn.Close()
}
