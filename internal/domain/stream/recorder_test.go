package stream

import (
	"context"
	"testing"
)

func TestRecorder_CapturesStreamedText(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink)
	ctx := context.Background()

	if err := rec.Write(ctx, Delta{Source: 0, Payload: "hel"}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write(ctx, Delta{Source: 0, Payload: "lo"}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write(ctx, Status{ID: "st-1", Summary: "working"}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write(ctx, Result{Text: " world"}); err != nil {
		t.Fatal(err)
	}

	if got := rec.Text(); got != "hello world" {
		t.Fatalf("recorded text = %q, want %q", got, "hello world")
	}
	if n := len(sink.snapshot()); n != 4 {
		t.Fatalf("all events should pass through, got %d of 4", n)
	}
}

func TestRecorder_NonTextPayloadsPassThroughUncounted(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink)

	payload := map[string]interface{}{"kind": "image"}
	if err := rec.Write(context.Background(), Delta{Source: 0, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if rec.Text() != "" {
		t.Fatalf("non-text payload should not accumulate, got %q", rec.Text())
	}
	if len(sink.snapshot()) != 1 {
		t.Fatal("event should still reach the inner sink")
	}
}
