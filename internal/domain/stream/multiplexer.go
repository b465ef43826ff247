package stream

import (
	"context"
	"fmt"
	"sync"
)

// Multiplexer fuses several source streams into one ordered client feed.
//
// Invariants:
//   - each source gets a stable small-integer index in registration order;
//   - exactly one Meta event precedes every Delta, listing all sources known
//     at that instant (late registrations fall back to textual ids);
//   - per-source deltas keep arrival order, no ordering across sources;
//   - Status and State events bypass source ordering but are serialized on
//     the outer sink;
//   - a source ending never closes the outer sink.
type Multiplexer struct {
	sink Sink

	mu        sync.Mutex
	order     []string
	index     map[string]int
	ended     map[string]bool
	metaSent  bool
	allClosed bool

	allEnded chan struct{}
}

// NewMultiplexer creates a multiplexer writing to sink.
func NewMultiplexer(sink Sink) *Multiplexer {
	return &Multiplexer{
		sink:     sink,
		index:    make(map[string]int),
		ended:    make(map[string]bool),
		allEnded: make(chan struct{}),
	}
}

// Source is a registered upstream handle. All writes are funneled through
// the multiplexer's sink with back-pressure (writes block until flushed).
type Source struct {
	mux *Multiplexer
	id  string
}

// Register adds a source and returns its handle. Registering after the Meta
// event was sent is allowed; such sources are addressed by textual id.
func (m *Multiplexer) Register(id string) (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.index[id]; dup {
		return nil, fmt.Errorf("source %q already registered", id)
	}
	m.index[id] = len(m.order)
	m.order = append(m.order, id)
	return &Source{mux: m, id: id}, nil
}

// EmitMeta sends the Meta event listing all currently registered sources.
// It is a no-op when Meta was already sent (a delta write triggers it
// implicitly).
func (m *Multiplexer) EmitMeta(ctx context.Context) error {
	m.mu.Lock()
	if m.metaSent {
		m.mu.Unlock()
		return nil
	}
	m.metaSent = true
	sources := make([]string, len(m.order))
	copy(sources, m.order)
	m.mu.Unlock()

	return m.sink.Write(ctx, Meta{Sources: sources})
}

// sourceRef returns the compact wire address for a source: the integer index
// when the source was listed in the Meta event, the textual id otherwise.
func (m *Multiplexer) sourceRef(id string) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.index[id]; ok && m.metaSent {
		return idx
	}
	return id
}

// Write lets the multiplexer stand in for a plain sink when a nested stream
// forwards advisory events. Deltas and terminal events must go through a
// registered Source so they carry a source address.
func (m *Multiplexer) Write(ctx context.Context, ev Event) error {
	switch ev.(type) {
	case Status, State, Result:
		return m.sink.Write(ctx, ev)
	default:
		return fmt.Errorf("event %T must be written through a source", ev)
	}
}

// WriteStatus forwards an advisory status to the outer sink.
func (m *Multiplexer) WriteStatus(ctx context.Context, st Status) error {
	return m.sink.Write(ctx, st)
}

// WriteState pushes a named state patch to the client.
func (m *Multiplexer) WriteState(ctx context.Context, state State) error {
	return m.sink.Write(ctx, state)
}

// WriteResult emits a terminal workflow result.
func (m *Multiplexer) WriteResult(ctx context.Context, res Result) error {
	return m.sink.Write(ctx, res)
}

// WaitForAllSources blocks until every registered source has ended, the
// context is cancelled, or no sources were registered.
func (m *Multiplexer) WaitForAllSources(ctx context.Context) error {
	m.mu.Lock()
	if len(m.order) == 0 || len(m.ended) == len(m.order) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	select {
	case <-m.allEnded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteDelta forwards one payload chunk from this source. The Meta event is
// emitted lazily before the first delta.
func (s *Source) WriteDelta(ctx context.Context, payload interface{}) error {
	if err := s.mux.EmitMeta(ctx); err != nil {
		return err
	}
	return s.mux.sink.Write(ctx, Delta{Source: s.mux.sourceRef(s.id), Payload: payload})
}

// End marks the source finished. The outer sink stays open.
func (s *Source) End(ctx context.Context) error {
	s.mux.mu.Lock()
	already := s.mux.ended[s.id]
	s.mux.ended[s.id] = true
	done := !s.mux.allClosed && len(s.mux.ended) == len(s.mux.order)
	if done {
		s.mux.allClosed = true
	}
	s.mux.mu.Unlock()
	if already {
		return nil
	}
	if done {
		close(s.mux.allEnded)
	}
	return s.mux.sink.Write(ctx, End{Source: s.id})
}

// Error reports a mid-stream failure of this source. The source is closed;
// the outer sink stays open.
func (s *Source) Error(ctx context.Context, statusCode int, statusText string) error {
	if err := s.mux.sink.Write(ctx, Error{StatusCode: statusCode, StatusText: statusText}); err != nil {
		return err
	}
	return s.End(ctx)
}

// ID returns the textual source id.
func (s *Source) ID() string { return s.id }
