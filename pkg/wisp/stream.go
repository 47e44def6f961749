package wisp

import (
	"context"
	"net"
	"sync"
)

// Transport is the surface the stream table needs from an upstream
// TCP/UDP handle. It mirrors [pkg/transport.Handle] but is redeclared
// here (rather than imported) to keep this package free of a
// dependency on the concrete transport implementation.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, b []byte) error
	Close() error
}

// StreamRecord is the per-stream state: an id, its kind, the transport
// handle that exclusively owns the upstream socket, the resolved remote
// target (meaningful for UDP only), and the queue/signal pair that govern
// teardown.
type StreamRecord struct {
	ID     uint32
	Kind   StreamKind
	Handle Transport
	Target net.Addr // explicit remote peer for UDP; unused for TCP

	// WriteQueue is the bounded per-stream queue of inbound DATA payloads
	// awaiting an upstream Write, decoupling the ingress loop from a slow
	// or blocked transport write. A dedicated goroutine drains it. It is
	// never closed directly; see Done.
	WriteQueue chan []byte

	// Done is closed exactly once, via MarkDone, when the stream is torn
	// down by whichever of the ingress dispatcher or the egress pump
	// gets there first. WriteQueue's producer and consumer both select
	// on Done instead of relying on WriteQueue's own close, since two
	// independent goroutines may race to tear the same stream down.
	Done     chan struct{}
	doneOnce sync.Once
}

// MarkDone closes Done if it hasn't been already. Safe to call
// concurrently and more than once.
func (s *StreamRecord) MarkDone() {
	s.doneOnce.Do(func() { close(s.Done) })
}

// StreamTable maps stream id to StreamRecord, scoped to a single
// session. All access is serialized behind one mutex, held only for the
// duration of a single O(1) map operation.
type StreamTable struct {
	mu      sync.Mutex
	streams map[uint32]*StreamRecord
}

// NewStreamTable returns an empty table.
func NewStreamTable() *StreamTable {
	return &StreamTable{streams: make(map[uint32]*StreamRecord)}
}

// Insert adds s to the table. It reports false without modifying the
// table if s.ID is already present (CONNECT on an existing id is a
// protocol error) or if s.ID is the reserved session stream id 0.
func (t *StreamTable) Insert(s *StreamRecord) bool {
	if s.ID == SessionStreamID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.streams[s.ID]; exists {
		return false
	}
	t.streams[s.ID] = s
	return true
}

// Get returns the stream record for id, if any.
func (t *StreamTable) Get(id uint32) (*StreamRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[id]
	return s, ok
}

// Remove deletes and returns the stream record for id, if present. Removal
// and transport close are meant to be done atomically with respect to
// ingress routing; callers achieve that by closing s.Handle only after
// (or while holding the result of) this call, never before it, so that a
// concurrent Get can't observe a live entry whose socket is already gone.
func (t *StreamTable) Remove(id uint32) (*StreamRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	return s, ok
}

// RemoveAll empties the table and returns every stream record it held,
// for use during session Draining teardown.
func (t *StreamTable) RemoveAll() []*StreamRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*StreamRecord, 0, len(t.streams))
	for _, s := range t.streams {
		all = append(all, s)
	}
	t.streams = make(map[uint32]*StreamRecord)
	return all
}

// Len returns the number of live streams. Intended for tests and debug logging.
func (t *StreamTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.streams)
}
