package stream

import (
	"context"
	"strings"
	"testing"
)

func TestSSEWriter_RecordFormat(t *testing.T) {
	var buf strings.Builder
	w := NewSSEWriter(&buf)

	if err := w.Write(context.Background(), Delta{Source: "chat", Payload: "hi"}); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "data: ") {
		t.Fatalf("record should start with data prefix: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("record should end with newline: %q", out)
	}
}

func TestSSEWriter_CancelledContext(t *testing.T) {
	var buf strings.Builder
	w := NewSSEWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Write(ctx, End{}); err == nil {
		t.Fatal("write with cancelled context should fail")
	}
	if buf.Len() != 0 {
		t.Fatal("nothing should be written after cancellation")
	}
}

func TestCollector_CapturesDeltasForwardsStatus(t *testing.T) {
	outer := &memSink{}
	c := NewCollector(outer)

	c.Write(context.Background(), Delta{Payload: "hello "})
	c.WriteDelta(context.Background(), "world")
	c.Write(context.Background(), Status{ID: "s1", Summary: "working"})
	c.Write(context.Background(), End{})

	if c.Text() != "hello world" {
		t.Fatalf("collected text = %q", c.Text())
	}
	events := outer.snapshot()
	if len(events) != 1 {
		t.Fatalf("only Status should reach the outer sink, got %d events", len(events))
	}
	if _, ok := events[0].(Status); !ok {
		t.Fatalf("expected Status, got %T", events[0])
	}
}

func TestCollector_NilOuterSink(t *testing.T) {
	c := NewCollector(nil)
	if err := c.Write(context.Background(), Status{Summary: "x"}); err != nil {
		t.Fatalf("status with nil outer should be dropped silently: %v", err)
	}
}
