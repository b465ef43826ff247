package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Sink receives canonical events. Writes are serialized by the
// implementation; callers may write from multiple goroutines.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// SSEWriter encodes events as newline-terminated `data: <JSON>` records on
// an http.ResponseWriter and flushes after every event. It never closes the
// underlying writer; stream termination is the handler's responsibility.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps a response writer. The flusher may be nil (tests).
func NewSSEWriter(w io.Writer) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

func (s *SSEWriter) Write(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := ev.Wire()
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
