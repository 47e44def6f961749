package wsserver

import (
	"bufio"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestPair wires a [Conn] to one end of an in-memory pipe, with its
// read/write goroutines already running, and returns the other end for
// a test to act as the client.
func newTestPair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()

	server, client := net.Pipe()
	logger := zerolog.Nop()

	c := &Conn{
		logger: &logger,
		bufio:  bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)),
		readC:  make(chan DataMessage),
		writeC: make(chan internalMessage),
		closer: server,
	}
	go c.readMessages()
	go c.writeMessages()

	t.Cleanup(func() { _ = client.Close() })
	return c, client
}

// maskedFrame builds a single masked client-to-server frame with a fixed
// masking key, for tests that act as the client side of the handshake.
func maskedFrame(opcode Opcode, fin bool, payload []byte) []byte {
	b0 := byte(opcode)
	if fin {
		b0 |= bit0
	}

	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	masked := make([]byte, len(payload))
	copy(masked, payload)
	unmask(masked, key) // mask and unmask are the same XOR operation

	frame := []byte{b0, bit0 | byte(len(payload))}
	frame = append(frame, key[:]...)
	frame = append(frame, masked...)
	return frame
}

func TestClientToServerRoundTrip(t *testing.T) {
	c, client := newTestPair(t)

	go func() {
		_, _ = client.Write(maskedFrame(OpcodeBinary, true, []byte("ping-data")))
	}()

	select {
	case msg := <-c.IncomingMessages():
		if string(msg.Data) != "ping-data" {
			t.Errorf("IncomingMessages() data = %q, want %q", msg.Data, "ping-data")
		}
		if msg.Opcode != OpcodeBinary {
			t.Errorf("IncomingMessages() opcode = %v, want %v", msg.Opcode, OpcodeBinary)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming message")
	}
}

func TestClientToServerDefragments(t *testing.T) {
	c, client := newTestPair(t)

	go func() {
		_, _ = client.Write(maskedFrame(OpcodeBinary, false, []byte("hel")))
		_, _ = client.Write(maskedFrame(opcodeContinuation, true, []byte("lo")))
	}()

	select {
	case msg := <-c.IncomingMessages():
		if string(msg.Data) != "hello" {
			t.Errorf("IncomingMessages() data = %q, want %q", msg.Data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming message")
	}
}

func TestSendBinaryMessageIsUnmasked(t *testing.T) {
	c, client := newTestPair(t)

	errCh := c.SendBinaryMessage([]byte("reply"))

	buf := make([]byte, 2)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("client read of frame header failed: %v", err)
	}
	if buf[0] != byte(OpcodeBinary)|bit0 {
		t.Errorf("response opcode byte = %#x, want binary with FIN set", buf[0])
	}
	if buf[1]&bit0 != 0 {
		t.Error("server frame has the mask bit set, want unmasked")
	}

	n := int(buf[1])
	payload := make([]byte, n)
	if _, err := client.Read(payload); err != nil {
		t.Fatalf("client read of frame payload failed: %v", err)
	}
	if string(payload) != "reply" {
		t.Errorf("payload = %q, want %q", payload, "reply")
	}

	if err := <-errCh; err != nil {
		t.Errorf("SendBinaryMessage() error = %v", err)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	_, client := newTestPair(t)

	go func() {
		_, _ = client.Write(maskedFrame(opcodePing, true, []byte("ping-payload")))
	}()

	buf := make([]byte, 2)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("client read of pong header failed: %v", err)
	}
	if buf[0] != byte(opcodePong)|bit0 {
		t.Errorf("response opcode byte = %#x, want pong with FIN set", buf[0])
	}

	n := int(buf[1])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := client.Read(payload); err != nil {
			t.Fatalf("client read of pong payload failed: %v", err)
		}
	}
	if string(payload) != "ping-payload" {
		t.Errorf("pong payload = %q, want %q", payload, "ping-payload")
	}
}

func TestCloseHandshake(t *testing.T) {
	_, client := newTestPair(t)

	closePayload := make([]byte, 2)
	binary.BigEndian.PutUint16(closePayload, uint16(StatusNormalClosure))

	go func() {
		_, _ = client.Write(maskedFrame(opcodeClose, true, closePayload))
	}()

	buf := make([]byte, 2)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("client read of close response header failed: %v", err)
	}
	if buf[0] != byte(opcodeClose)|bit0 {
		t.Errorf("response opcode byte = %#x, want close with FIN set", buf[0])
	}
}
