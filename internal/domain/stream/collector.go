package stream

import (
	"context"
	"strings"
	"sync"
)

// Collector is a sink that captures delta text locally while forwarding
// Status and State events to an outer sink. Workflow steps run against a
// collector so the step's partial result can be bound to a slot without
// streaming it to the client.
type Collector struct {
	outer Sink

	mu  sync.Mutex
	buf strings.Builder
}

// NewCollector creates a collector. The outer sink may be nil when status
// passthrough is not wanted.
func NewCollector(outer Sink) *Collector {
	return &Collector{outer: outer}
}

func (c *Collector) Write(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case Delta:
		if text, ok := e.Payload.(string); ok {
			c.mu.Lock()
			c.buf.WriteString(text)
			c.mu.Unlock()
		}
		return nil
	case Status, State:
		if c.outer != nil {
			return c.outer.Write(ctx, ev)
		}
		return nil
	default:
		// Meta/End/Error of the inner stream stay local.
		return nil
	}
}

// WriteDelta appends one payload chunk, mirroring the Source API so a
// collector can stand in for a multiplexer source.
func (c *Collector) WriteDelta(ctx context.Context, payload interface{}) error {
	return c.Write(ctx, Delta{Payload: payload})
}

// Text returns the accumulated delta text.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
