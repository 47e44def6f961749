package session

import (
	"context"
	"errors"

	"github.com/tzrikka/wispd/pkg/transport"
	"github.com/tzrikka/wispd/pkg/wisp"
)

// handleConnect validates and opens a new stream. id==0 and
// a duplicate id are both protocol errors; both are dropped rather than
// answered, since the peer has no id to address a reply to in the
// duplicate case and id 0 is reserved, never allocated by a peer in
// good standing.
func (s *Session) handleConnect(ctx context.Context, pkt wisp.Packet, dial transport.Dialer) {
	if pkt.StreamID == wisp.SessionStreamID {
		s.protocolErrors.Add(1)
		s.logger.Debug().Msg("dropped CONNECT for the reserved session stream id")
		return
	}

	req, err := wisp.ParseConnect(pkt.Payload)
	if err != nil {
		s.protocolErrors.Add(1)
		s.logger.Debug().Err(err).Msg("dropped malformed CONNECT payload")
		return
	}

	switch req.Kind {
	case wisp.StreamTCP:
		s.connectTCP(ctx, pkt.StreamID, req, dial)
	case wisp.StreamUDP:
		s.connectUDP(ctx, pkt.StreamID, req, dial)
	default:
		s.protocolErrors.Add(1)
		s.emit(wisp.PacketClose, pkt.StreamID, []byte{byte(wisp.CloseInvalid)})
		s.logger.Debug().Uint8("kind", uint8(req.Kind)).Msg("rejected CONNECT with unrecognized stream kind")
	}
}

func (s *Session) connectTCP(ctx context.Context, id uint32, req wisp.ConnectRequest, dial transport.Dialer) {
	handle, err := dial.DialTCP(ctx, req.Host, req.Port)
	if err != nil {
		s.emit(wisp.PacketClose, id, []byte{byte(connectErrorReason(err))})
		s.logger.Debug().Err(err).Str("host", req.Host).Uint16("port", req.Port).
			Msg("TCP CONNECT failed")
		return
	}

	rec := &wisp.StreamRecord{
		ID:         id,
		Kind:       wisp.StreamTCP,
		Handle:     handle,
		WriteQueue: make(chan []byte, streamWriteQueueSize),
		Done:       make(chan struct{}),
	}
	if !s.table.Insert(rec) {
		s.protocolErrors.Add(1)
		_ = handle.Close()
		s.logger.Debug().Uint32("stream_id", id).Msg("dropped CONNECT for an id already in the table")
		return
	}
	s.streamsOpened.Add(1)

	// TCP streams get a per-stream CONTINUE before any DATA, carrying the
	// same advisory credit as the session-scoped one.
	s.emit(wisp.PacketContinue, id, wisp.EncodeCredit(s.bufferSize))

	s.spawnStream(ctx, rec)
}

func (s *Session) connectUDP(ctx context.Context, id uint32, req wisp.ConnectRequest, dial transport.Dialer) {
	handle, addr, err := dial.DialUDP(ctx, req.Host, req.Port)
	if err != nil {
		s.emit(wisp.PacketClose, id, []byte{byte(connectErrorReason(err))})
		s.logger.Debug().Err(err).Str("host", req.Host).Uint16("port", req.Port).
			Msg("UDP CONNECT failed")
		return
	}

	rec := &wisp.StreamRecord{
		ID:         id,
		Kind:       wisp.StreamUDP,
		Handle:     handle,
		Target:     addr,
		WriteQueue: make(chan []byte, streamWriteQueueSize),
		Done:       make(chan struct{}),
	}
	if !s.table.Insert(rec) {
		s.protocolErrors.Add(1)
		_ = handle.Close()
		s.logger.Debug().Uint32("stream_id", id).Msg("dropped CONNECT for an id already in the table")
		return
	}
	s.streamsOpened.Add(1)

	// UDP streams do not receive a per-stream CONTINUE.
	s.spawnStream(ctx, rec)
}

// connectErrorReason maps a dial failure onto the narrowest applicable
// CLOSE reason code.
func connectErrorReason(err error) wisp.CloseReason {
	var connErr *transport.ConnectError
	if !errors.As(err, &connErr) {
		return wisp.CloseUnreachable
	}

	switch connErr.Kind {
	case transport.ErrRefused:
		return wisp.CloseRefused
	case transport.ErrTimeout:
		return wisp.CloseTimeout
	case transport.ErrUnreachable:
		return wisp.CloseUnreachable
	default:
		return wisp.CloseUnreachable
	}
}

// handleData forwards an inbound DATA payload to the stream's upstream
// socket. Unknown ids are silently dropped: the peer may have raced a
// CLOSE. The payload is queued for the stream's write-queue worker
// rather than written here, so a slow upstream write never stalls the
// ingress loop.
func (s *Session) handleData(pkt wisp.Packet) {
	rec, ok := s.table.Get(pkt.StreamID)
	if !ok {
		return
	}

	payload := append([]byte(nil), pkt.Payload...)
	select {
	case rec.WriteQueue <- payload:
	case <-rec.Done:
	default:
		// Queue is full: the upstream write side can't keep up. The
		// protocol offers no DATA-level backpressure, so the stream is
		// sacrificed rather than blocking every other stream's ingress.
		s.closeStream(pkt.StreamID, wisp.CloseNetworkError)
	}
}

// handleClose tears a stream down locally without echoing a CLOSE back:
// the peer initiated it.
func (s *Session) handleClose(pkt wisp.Packet) {
	rec, ok := s.table.Remove(pkt.StreamID)
	if !ok {
		return
	}
	s.streamsClosed.Add(1)

	rec.MarkDone()
	_ = rec.Handle.Close()
}

// closeStream removes a stream from the table, closes its upstream
// handle, and emits a CLOSE with reason to the peer. It is the shared
// teardown path used by the write-queue worker and the egress pump.
func (s *Session) closeStream(id uint32, reason wisp.CloseReason) {
	rec, ok := s.table.Remove(id)
	if !ok {
		return
	}
	s.streamsClosed.Add(1)

	rec.MarkDone()
	_ = rec.Handle.Close()

	s.emit(wisp.PacketClose, id, []byte{byte(reason)})
}
