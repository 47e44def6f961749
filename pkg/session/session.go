// Package session implements the Wisp session supervisor: the ingress
// dispatcher, the per-stream egress pumps, and the Opening -> Running ->
// Draining -> Closed state machine that ties them together over one
// accepted WebSocket connection.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"github.com/tzrikka/wispd/internal/wsserver"
	"github.com/tzrikka/wispd/pkg/transport"
	"github.com/tzrikka/wispd/pkg/wisp"
)

// DefaultCredit is the advisory inbound-buffer credit advertised in the
// session's initial CONTINUE frame, and in every per-stream TCP CONTINUE,
// unless a different buffer size is configured.
const DefaultCredit = 32

// outboxSize bounds the queue of encoded frames awaiting the single
// WebSocket writer goroutine; it absorbs bursts from concurrent egress
// pumps without requiring every pump to block on the WebSocket directly.
const outboxSize = 64

// streamWriteQueueSize bounds the per-stream queue of inbound DATA
// payloads awaiting an upstream write.
const streamWriteQueueSize = 32

// emitTimeout bounds how long emit waits for outbox capacity during
// Draining teardown races, so a lagging egress pump can never leak a
// goroutine blocked on a send nobody will read.
const emitTimeout = 5 * time.Second

// wsConn is the subset of [wsserver.Conn] the session needs, narrowed for
// testability.
type wsConn interface {
	IncomingMessages() <-chan wsserver.DataMessage
	SendBinaryMessage(data []byte) <-chan error
	Close(status wsserver.StatusCode)
	IsClosed() bool
}

// SessionStats are in-memory counters for observability, read via
// [Session.Stats]. They carry no wire behavior.
type SessionStats struct {
	MalformedFrames int64
	ProtocolErrors  int64
	StreamsOpened   int64
	StreamsClosed   int64
}

// Session owns one stream table and one outbound-frame writer goroutine
// for the lifetime of a single accepted WebSocket connection.
type Session struct {
	id         string
	ws         wsConn
	table      *wisp.StreamTable
	outbox     chan wisp.Packet
	bufferSize uint32
	logger     zerolog.Logger

	malformedFrames atomic.Int64
	protocolErrors  atomic.Int64
	streamsOpened   atomic.Int64
	streamsClosed   atomic.Int64

	// draining is set once the Draining state is entered, so that a late
	// emit from an egress pump that hasn't yet noticed its handle closing
	// is silently dropped instead of racing the outbox channel's lifetime.
	draining atomic.Bool
}

// New creates a Session bound to an already-accepted WebSocket connection.
// bufferSize configures the advisory CONTINUE credit; 0 selects [DefaultCredit].
func New(ws *wsserver.Conn, bufferSize uint32, logger zerolog.Logger) *Session {
	if bufferSize == 0 {
		bufferSize = DefaultCredit
	}

	id := shortuuid.New()
	return &Session{
		id:         id,
		ws:         ws,
		table:      wisp.NewStreamTable(),
		outbox:     make(chan wisp.Packet, outboxSize),
		bufferSize: bufferSize,
		logger:     logger.With().Str("session_id", id).Logger(),
	}
}

// Stats returns a snapshot of this session's observability counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		MalformedFrames: s.malformedFrames.Load(),
		ProtocolErrors:  s.protocolErrors.Load(),
		StreamsOpened:   s.streamsOpened.Load(),
		StreamsClosed:   s.streamsClosed.Load(),
	}
}

// Run drives the session through Opening -> Running -> Draining -> Closed.
// It blocks until the WebSocket connection ends, the context is canceled,
// or a session-level error forces a shutdown.
func (s *Session) Run(ctx context.Context, dial transport.Dialer) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	// Opening: the first frame on every accepted connection is the
	// session-scoped CONTINUE, id=0, carrying the configured credit.
	s.emit(wisp.PacketContinue, wisp.SessionStreamID, wisp.EncodeCredit(s.bufferSize))
	s.logger.Debug().Uint32("credit", s.bufferSize).Msg("session opened")

	// Running: dispatch inbound frames until the WebSocket ends.
	for {
		select {
		case msg, ok := <-s.ws.IncomingMessages():
			if !ok {
				s.drain()
				cancel()
				<-writerDone
				return
			}
			if msg.Opcode != wsserver.OpcodeBinary {
				continue
			}
			s.dispatch(ctx, msg.Data, dial)

		case <-ctx.Done():
			s.drain()
			<-writerDone
			return

		case <-writerDone:
			// writeLoop exited early because SendBinaryMessage failed: a
			// terminal error for the session. Tear down rather than keep
			// dispatching into a connection nothing is writing to.
			s.drain()
			cancel()
			return
		}
	}
}

// dispatch decodes and routes a single inbound Wisp frame.
func (s *Session) dispatch(ctx context.Context, raw []byte, dial transport.Dialer) {
	pkt, err := wisp.Decode(raw)
	if err != nil {
		s.malformedFrames.Add(1)
		s.logger.Debug().Err(err).Msg("dropped malformed frame")
		return
	}
	if !pkt.Type.KnownType() {
		s.malformedFrames.Add(1)
		s.logger.Debug().Uint8("type", uint8(pkt.Type)).Msg("dropped frame of unknown type")
		return
	}

	switch pkt.Type {
	case wisp.PacketConnect:
		s.handleConnect(ctx, pkt, dial)
	case wisp.PacketData:
		s.handleData(pkt)
	case wisp.PacketClose:
		s.handleClose(pkt)
	default:
		// CONTINUE frames from the client are not part of this protocol
		// direction; drop them like any other frame the dispatcher
		// doesn't act on.
		s.logger.Debug().Stringer("type", pkt.Type).Msg("dropped frame not handled by the dispatcher")
	}
}

// emit encodes and enqueues an outbound frame for the single writer
// goroutine. It blocks if the outbox is full, which back-pressures the
// caller (ingress dispatch or an egress pump) when the WebSocket writer
// is falling behind; after [emitTimeout] without capacity it drops the
// frame and logs a warning. Once the session has entered Draining, emit is a
// no-op: the outbox no longer has a reader.
func (s *Session) emit(typ wisp.PacketType, streamID uint32, payload []byte) {
	if s.draining.Load() {
		return
	}

	pkt := wisp.Packet{Type: typ, StreamID: streamID, Payload: payload}
	select {
	case s.outbox <- pkt:
	case <-time.After(emitTimeout):
		s.logger.Warn().Stringer("type", typ).Uint32("stream_id", streamID).
			Msg("dropped outbound frame, writer not draining the outbox")
	}
}

// writeLoop is the single goroutine allowed to call SendBinaryMessage,
// serializing concurrent emitters behind a single dedicated writer goroutine.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case pkt, ok := <-s.outbox:
			if !ok {
				return
			}
			frame := wisp.Encode(pkt.Type, pkt.StreamID, pkt.Payload)
			if err := <-s.ws.SendBinaryMessage(frame); err != nil {
				s.logger.Err(err).Msg("WebSocket send failed, ending session")
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// drain implements the Draining state: stop dispatching, best-effort
// close every live upstream handle, and empty the table. Egress pumps and
// write-queue workers observe their handles closing and exit on their own;
// any frame they still try to emit is dropped by [Session.emit].
func (s *Session) drain() {
	s.draining.Store(true)

	records := s.table.RemoveAll()
	for _, rec := range records {
		rec.MarkDone()
		_ = rec.Handle.Close()
	}
	s.streamsClosed.Add(int64(len(records)))

	s.ws.Close(wsserver.StatusNormalClosure)

	s.logger.Debug().Int("streams_torn_down", len(records)).Msg("session draining complete")
}
