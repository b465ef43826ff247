package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

// memSink records every event in arrival order.
type memSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memSink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestMultiplexer_MetaPrecedesFirstDelta(t *testing.T) {
	sink := &memSink{}
	mux := NewMultiplexer(sink)

	src, err := mux.Register("chat")
	if err != nil {
		t.Fatal(err)
	}
	if err := src.WriteDelta(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	meta, ok := events[0].(Meta)
	if !ok {
		t.Fatalf("first event should be Meta, got %T", events[0])
	}
	if len(meta.Sources) != 1 || meta.Sources[0] != "chat" {
		t.Fatalf("unexpected meta sources: %v", meta.Sources)
	}
	if _, ok := events[1].(Delta); !ok {
		t.Fatalf("second event should be Delta, got %T", events[1])
	}
}

func TestMultiplexer_MetaSentExactlyOnce(t *testing.T) {
	sink := &memSink{}
	mux := NewMultiplexer(sink)
	src, _ := mux.Register("a")

	for i := 0; i < 5; i++ {
		if err := src.WriteDelta(context.Background(), "x"); err != nil {
			t.Fatal(err)
		}
	}

	metas := 0
	for _, ev := range sink.snapshot() {
		if _, ok := ev.(Meta); ok {
			metas++
		}
	}
	if metas != 1 {
		t.Fatalf("expected exactly one Meta, got %d", metas)
	}
}

func TestMultiplexer_DeltasUseIntegerIndexAfterMeta(t *testing.T) {
	sink := &memSink{}
	mux := NewMultiplexer(sink)
	a, _ := mux.Register("a")
	b, _ := mux.Register("b")

	a.WriteDelta(context.Background(), "1")
	b.WriteDelta(context.Background(), "2")

	events := sink.snapshot()
	d1 := events[1].(Delta)
	d2 := events[2].(Delta)
	if d1.Source != 0 {
		t.Fatalf("source a should have index 0, got %v", d1.Source)
	}
	if d2.Source != 1 {
		t.Fatalf("source b should have index 1, got %v", d2.Source)
	}
}

func TestMultiplexer_LateRegistrationUsesTextualID(t *testing.T) {
	sink := &memSink{}
	mux := NewMultiplexer(sink)
	a, _ := mux.Register("a")
	a.WriteDelta(context.Background(), "1") // triggers Meta

	late, err := mux.Register("late")
	if err != nil {
		t.Fatal(err)
	}
	late.WriteDelta(context.Background(), "2")

	events := sink.snapshot()
	last := events[len(events)-1].(Delta)
	if last.Source != "late" {
		t.Fatalf("late source should be addressed by id, got %v", last.Source)
	}
}

func TestMultiplexer_DuplicateRegistrationFails(t *testing.T) {
	mux := NewMultiplexer(&memSink{})
	if _, err := mux.Register("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := mux.Register("a"); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestMultiplexer_SourceEndKeepsSinkOpen(t *testing.T) {
	sink := &memSink{}
	mux := NewMultiplexer(sink)
	a, _ := mux.Register("a")
	b, _ := mux.Register("b")

	a.WriteDelta(context.Background(), "1")
	if err := a.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The other source must still be writable.
	if err := b.WriteDelta(context.Background(), "2"); err != nil {
		t.Fatal(err)
	}

	events := sink.snapshot()
	end, ok := events[2].(End)
	if !ok {
		t.Fatalf("expected End event, got %T", events[2])
	}
	if end.Source != "a" {
		t.Fatalf("end should name its source, got %q", end.Source)
	}
}

func TestMultiplexer_WaitForAllSources(t *testing.T) {
	mux := NewMultiplexer(&memSink{})
	a, _ := mux.Register("a")
	b, _ := mux.Register("b")

	a.End(context.Background())
	b.End(context.Background())

	if err := mux.WaitForAllSources(context.Background()); err != nil {
		t.Fatalf("wait should return immediately when all ended: %v", err)
	}
}

func TestEvent_WireFormats(t *testing.T) {
	cases := []struct {
		ev   Event
		want map[string]interface{}
	}{
		{Delta{Source: 0, Payload: "hi"}, map[string]interface{}{"s": float64(0), "d": "hi"}},
		{End{}, map[string]interface{}{"type": "end"}},
		{End{Source: "a"}, map[string]interface{}{"type": "end", "s": "a"}},
		{Error{StatusCode: 429, StatusText: "limited"}, map[string]interface{}{"type": "error", "code": float64(429), "text": "limited"}},
	}
	for _, c := range cases {
		raw, err := c.ev.Wire()
		if err != nil {
			t.Fatal(err)
		}
		var got map[string]interface{}
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatal(err)
		}
		for k, v := range c.want {
			if got[k] != v {
				t.Fatalf("%T: key %q = %v, want %v", c.ev, k, got[k], v)
			}
		}
	}
}

func TestMultiplexer_ForwardsAdvisoryEventsAsSink(t *testing.T) {
	sink := &memSink{}
	mux := NewMultiplexer(sink)
	ctx := context.Background()

	// A nested stream may use the multiplexer as its outer sink.
	var outer Sink = mux

	if err := outer.Write(ctx, Status{ID: "st-1", Summary: "working"}); err != nil {
		t.Fatal(err)
	}
	if err := outer.Write(ctx, State{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := outer.Write(ctx, Delta{Payload: "x"}); err == nil {
		t.Fatal("a delta without a registered source must be rejected")
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 forwarded events, got %d", len(events))
	}
	if _, ok := events[0].(Status); !ok {
		t.Fatalf("expected Status first, got %T", events[0])
	}
}

func TestCollector_NestsOnMultiplexer(t *testing.T) {
	sink := &memSink{}
	mux := NewMultiplexer(sink)
	collector := NewCollector(mux)
	ctx := context.Background()

	// Deltas stay local to the collector; status surfaces on the stream.
	if err := collector.WriteDelta(ctx, "partial"); err != nil {
		t.Fatal(err)
	}
	if err := collector.Write(ctx, Status{ID: "st-1", Summary: "step running"}); err != nil {
		t.Fatal(err)
	}

	if collector.Text() != "partial" {
		t.Fatalf("collector text = %q", collector.Text())
	}
	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("only the status should surface, got %d events", len(events))
	}
	if _, ok := events[0].(Status); !ok {
		t.Fatalf("expected Status, got %T", events[0])
	}
}

func TestMultiplexer_LateSourceAfterAllEnded(t *testing.T) {
	mux := NewMultiplexer(&memSink{})
	ctx := context.Background()

	a, _ := mux.Register("a")
	if err := a.End(ctx); err != nil {
		t.Fatal(err)
	}

	// A source registered after the wait gate released must end cleanly.
	b, err := mux.Register("b")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.End(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mux.WaitForAllSources(ctx); err != nil {
		t.Fatal(err)
	}
}
