package session

import (
	"context"
	"errors"
	"io"

	"github.com/tzrikka/wispd/pkg/wisp"
)

// spawnStream starts the two goroutines that own a stream's upstream
// side for its lifetime: a write-queue worker draining inbound DATA
// payloads into the transport, and an egress pump reading the
// transport and emitting outbound DATA/CLOSE frames.
func (s *Session) spawnStream(ctx context.Context, rec *wisp.StreamRecord) {
	go s.writeQueueWorker(ctx, rec)
	go s.egressPump(ctx, rec)
}

// writeQueueWorker drains rec.WriteQueue into the upstream transport,
// one payload at a time, so a slow or blocked Write never stalls the
// ingress dispatcher.
func (s *Session) writeQueueWorker(ctx context.Context, rec *wisp.StreamRecord) {
	for {
		select {
		case payload, ok := <-rec.WriteQueue:
			if !ok {
				return
			}
			if err := rec.Handle.Write(ctx, payload); err != nil {
				s.closeStream(rec.ID, wisp.CloseNetworkError)
				return
			}

		case <-rec.Done:
			return
		}
	}
}

// egressPump reads from the upstream transport and relays bytes
// downstream as DATA frames until Eof, IoError, or session teardown.
// It is the sole task that calls closeStream for a given stream on the
// read side; closeStream itself is idempotent against a concurrent
// dispatcher-side teardown via the stream table's mutex.
func (s *Session) egressPump(ctx context.Context, rec *wisp.StreamRecord) {
	for {
		select {
		case <-rec.Done:
			return
		case <-ctx.Done():
			return
		default:
		}

		b, err := rec.Handle.Read(ctx)
		// A Read may return trailing bytes alongside io.EOF; relay them
		// before tearing the stream down.
		if len(b) > 0 {
			s.emit(wisp.PacketData, rec.ID, b)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.closeStream(rec.ID, wisp.CloseNormal)
			} else {
				s.closeStream(rec.ID, wisp.CloseNetworkError)
			}
			return
		}
	}
}
