package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzrikka/wispd/internal/wsserver"
	"github.com/tzrikka/wispd/pkg/transport"
	"github.com/tzrikka/wispd/pkg/wisp"
)

// fakeConn is a wsConn test double: an in-process substitute for an
// accepted [wsserver.Conn], so session logic can be exercised without a
// real WebSocket handshake.
type fakeConn struct {
	incoming chan wsserver.DataMessage
	sent     chan []byte
	closed   chan wsserver.StatusCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan wsserver.DataMessage, 16),
		sent:     make(chan []byte, 16),
		closed:   make(chan wsserver.StatusCode, 1),
	}
}

func (f *fakeConn) IncomingMessages() <-chan wsserver.DataMessage { return f.incoming }

func (f *fakeConn) SendBinaryMessage(data []byte) <-chan error {
	errCh := make(chan error, 1)
	f.sent <- append([]byte(nil), data...)
	errCh <- nil
	return errCh
}

func (f *fakeConn) Close(status wsserver.StatusCode) {
	select {
	case f.closed <- status:
	default:
	}
}

func (f *fakeConn) IsClosed() bool { return false }

func (f *fakeConn) push(data []byte) {
	f.incoming <- wsserver.DataMessage{Opcode: wsserver.OpcodeBinary, Data: data}
}

func (f *fakeConn) expectFrame(t *testing.T, timeout time.Duration) wisp.Packet {
	t.Helper()
	select {
	case raw := <-f.sent:
		pkt, err := wisp.Decode(raw)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		return pkt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for an outbound frame")
		return wisp.Packet{}
	}
}

func newTestSession(t *testing.T, ws *fakeConn) *Session {
	t.Helper()
	s := New(nil, 32, zerolog.Nop())
	s.ws = ws
	return s
}

// echoListener starts a TCP listener that echoes every byte it
// receives back to the same connection, for exercising a full
// CONNECT/DATA round trip without a real external server.
func echoListener(t *testing.T) (addr string, port uint16) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}

func loopbackDialer() transport.Dialer {
	return transport.NewDialer(func(_ context.Context, host string) ([]string, error) {
		return []string{host}, nil
	})
}

func TestSessionTCPEchoRoundTrip(t *testing.T) {
	host, port := echoListener(t)

	ws := newFakeConn()
	s := newTestSession(t, ws)
	dial := loopbackDialer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, dial)
	}()

	opening := ws.expectFrame(t, 2*time.Second)
	if opening.Type != wisp.PacketContinue || opening.StreamID != wisp.SessionStreamID {
		t.Fatalf("opening frame = %+v, want session CONTINUE", opening)
	}

	ws.push(wisp.Encode(wisp.PacketConnect, 1, wisp.EncodeConnect(wisp.StreamTCP, port, host)))

	streamContinue := ws.expectFrame(t, 2*time.Second)
	if streamContinue.Type != wisp.PacketContinue || streamContinue.StreamID != 1 {
		t.Fatalf("stream frame = %+v, want per-stream CONTINUE for id=1", streamContinue)
	}

	ws.push(wisp.Encode(wisp.PacketData, 1, []byte("hello")))

	data := ws.expectFrame(t, 2*time.Second)
	if data.Type != wisp.PacketData || data.StreamID != 1 || string(data.Payload) != "hello" {
		t.Fatalf("echoed frame = %+v, want DATA id=1 payload hello", data)
	}

	cancel()
	<-done
}

func TestSessionConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close() // nothing listens on this port now

	ws := newFakeConn()
	s := newTestSession(t, ws)
	dial := loopbackDialer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, dial)
	}()

	_ = ws.expectFrame(t, 2*time.Second) // session CONTINUE

	ws.push(wisp.Encode(wisp.PacketConnect, 1, wisp.EncodeConnect(wisp.StreamTCP, uint16(addr.Port), addr.IP.String())))

	closeFrame := ws.expectFrame(t, 2*time.Second)
	if closeFrame.Type != wisp.PacketClose || closeFrame.StreamID != 1 {
		t.Fatalf("frame = %+v, want CLOSE id=1", closeFrame)
	}
	if wisp.CloseReason(closeFrame.Payload[0]) != wisp.CloseRefused {
		t.Errorf("close reason = %v, want refused", wisp.CloseReason(closeFrame.Payload[0]))
	}
	if s.table.Len() != 0 {
		t.Errorf("table.Len() = %d, want 0", s.table.Len())
	}

	cancel()
	<-done
}

func TestSessionClientCloseStopsFurtherFrames(t *testing.T) {
	host, port := echoListener(t)

	ws := newFakeConn()
	s := newTestSession(t, ws)
	dial := loopbackDialer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, dial)
	}()

	_ = ws.expectFrame(t, 2*time.Second) // session CONTINUE
	ws.push(wisp.Encode(wisp.PacketConnect, 1, wisp.EncodeConnect(wisp.StreamTCP, port, host)))
	_ = ws.expectFrame(t, 2*time.Second) // per-stream CONTINUE

	ws.push(wisp.Encode(wisp.PacketClose, 1, []byte{byte(wisp.CloseNormal)}))

	// Poll for the dispatcher to process the CLOSE, then confirm the
	// stream is gone and DATA for it is silently dropped.
	deadline := time.Now().Add(2 * time.Second)
	for s.table.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.table.Len() != 0 {
		t.Fatalf("table.Len() = %d, want 0 after client CLOSE", s.table.Len())
	}

	ws.push(wisp.Encode(wisp.PacketData, 1, []byte("late")))
	select {
	case raw := <-ws.sent:
		t.Fatalf("unexpected frame sent after CLOSE: %v", raw)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestSessionTeardownClosesAllStreams(t *testing.T) {
	host1, port1 := echoListener(t)
	host2, port2 := echoListener(t)

	ws := newFakeConn()
	s := newTestSession(t, ws)
	dial := loopbackDialer()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, dial)
	}()

	_ = ws.expectFrame(t, 2*time.Second) // session CONTINUE

	ws.push(wisp.Encode(wisp.PacketConnect, 1, wisp.EncodeConnect(wisp.StreamTCP, port1, host1)))
	_ = ws.expectFrame(t, 2*time.Second)
	ws.push(wisp.Encode(wisp.PacketConnect, 2, wisp.EncodeConnect(wisp.StreamTCP, port2, host2)))
	_ = ws.expectFrame(t, 2*time.Second)

	if s.table.Len() != 2 {
		t.Fatalf("table.Len() = %d, want 2 before teardown", s.table.Len())
	}

	close(ws.incoming) // simulate the WebSocket connection ending
	<-done

	if s.table.Len() != 0 {
		t.Errorf("table.Len() = %d, want 0 after teardown", s.table.Len())
	}
	stats := s.Stats()
	if stats.StreamsClosed != 2 {
		t.Errorf("StreamsClosed = %d, want 2", stats.StreamsClosed)
	}

	cancel()
}
