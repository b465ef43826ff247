package stream

import (
	"context"
	"strings"
	"sync"
)

// Recorder forwards every event to the inner sink while keeping a copy of
// the text that actually reached the client (delta payloads and workflow
// result text), so usage accounting can bill what was streamed rather than
// a configured cap.
type Recorder struct {
	inner Sink

	mu  sync.Mutex
	buf strings.Builder
}

// NewRecorder wraps a sink.
func NewRecorder(inner Sink) *Recorder {
	return &Recorder{inner: inner}
}

func (r *Recorder) Write(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case Delta:
		if text, ok := e.Payload.(string); ok {
			r.mu.Lock()
			r.buf.WriteString(text)
			r.mu.Unlock()
		}
	case Result:
		if text, ok := e.Text.(string); ok {
			r.mu.Lock()
			r.buf.WriteString(text)
			r.mu.Unlock()
		}
	}
	return r.inner.Write(ctx, ev)
}

// Text returns the accumulated output text.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}
