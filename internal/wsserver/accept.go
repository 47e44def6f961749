package wsserver

import (
	"bufio"
	"crypto/sha1" //gosec:disable G505 // Required by the WebSocket protocol.
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotHijackable is returned by [Accept] when the [http.ResponseWriter]
// passed to it doesn't support connection hijacking.
var ErrNotHijackable = fmt.Errorf("response writer does not support hijacking")

// Accept performs the server side of a [WebSocket handshake]: it validates
// the upgrade request, hijacks the underlying TCP connection, and writes
// the "101 Switching Protocols" response. The returned [Conn] has its
// read/write goroutines already running.
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Accept(w http.ResponseWriter, r *http.Request, logger *zerolog.Logger) (*Conn, error) {
	if err := checkUpgradeRequest(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	key := r.Header.Get("Sec-WebSocket-Key")

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, ErrNotHijackable.Error(), http.StatusInternalServerError)
		return nil, ErrNotHijackable
	}

	netConn, brw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("failed to hijack WebSocket handshake connection: %w", err)
	}

	if err := writeHandshakeResponse(brw.Writer, key); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed to write WebSocket handshake response: %w", err)
	}

	c := &Conn{
		logger: logger,
		bufio:  bufio.NewReadWriter(brw.Reader, brw.Writer),
		readC:  make(chan DataMessage),
		writeC: make(chan internalMessage),
		closer: netConn,
	}

	go c.readMessages()
	go c.writeMessages()

	c.logger.Debug().Str("remote_addr", netConn.RemoteAddr().String()).Msg("WebSocket connection accepted")
	return c, nil
}

// checkUpgradeRequest validates the client's handshake request details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1.
func checkUpgradeRequest(r *http.Request) error {
	if r.Method != http.MethodGet {
		return fmt.Errorf("WebSocket handshake request method: got %q, want %q", r.Method, http.MethodGet)
	}

	if err := checkHTTPHeader(r.Header, "Upgrade", "websocket"); err != nil {
		return err
	}
	if err := checkHTTPHeader(r.Header, "Connection", "Upgrade"); err != nil {
		return err
	}
	if err := checkHTTPHeader(r.Header, "Sec-WebSocket-Version", "13"); err != nil {
		return err
	}

	if key := r.Header.Get("Sec-WebSocket-Key"); key == "" {
		return fmt.Errorf("WebSocket handshake request is missing the Sec-WebSocket-Key header")
	}

	return nil
}

// checkHTTPHeader reports whether headers[key] matches want, modulo case and
// (for Connection) the fact that it may be a comma-separated token list.
func checkHTTPHeader(headers http.Header, key, want string) error {
	got := headers.Get(key)
	if strings.EqualFold(got, want) {
		return nil
	}

	if key == "Connection" {
		for _, tok := range strings.Split(got, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), want) {
				return nil
			}
		}
	}

	return fmt.Errorf("WebSocket handshake request header %q: got %q, want %q", key, got, want)
}

// writeHandshakeResponse writes the server response details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func writeHandshakeResponse(w *bufio.Writer, nonce string) error {
	lines := []string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: " + expectedAcceptValue(nonce),
		"", "",
	}

	if _, err := w.WriteString(strings.Join(lines, "\r\n")); err != nil {
		return err
	}
	return w.Flush()
}

var acceptGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// expectedAcceptValue constructs the value of the "Sec-WebSocket-Accept"
// header, as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func expectedAcceptValue(key string) string {
	h := sha1.New() //gosec:disable G401 // Required by the WebSocket protocol.
	h.Write([]byte(key))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
