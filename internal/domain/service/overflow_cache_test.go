package service

import (
	"fmt"
	"testing"
)

func TestOverflowCache_PutGet(t *testing.T) {
	c := NewOverflowCache()

	entry := OverflowEntry{
		HistoricalEndIndex: 12,
		ExtractedContext:   "summary",
		MessageCount:       25,
		ModelID:            "gpt-4o",
	}
	c.Put("alice", "conv-1", entry)

	got, ok := c.Get("alice", "conv-1")
	if !ok {
		t.Fatal("entry should be cached")
	}
	if got != entry {
		t.Fatalf("got %+v, want %+v", got, entry)
	}
	if _, ok := c.Get("bob", "conv-1"); ok {
		t.Fatal("entries are keyed per user")
	}
}

func TestOverflowCache_Invalidate(t *testing.T) {
	c := NewOverflowCache()
	c.Put("alice", "conv-1", OverflowEntry{ModelID: "gpt-4o"})
	c.Invalidate("alice", "conv-1")
	if _, ok := c.Get("alice", "conv-1"); ok {
		t.Fatal("entry should be gone after invalidate")
	}
}

func TestOverflowCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewOverflowCache()
	c.cap = 3

	for i := 0; i < 3; i++ {
		c.Put("u", fmt.Sprintf("conv-%d", i), OverflowEntry{HistoricalEndIndex: i})
	}
	// Touch conv-0 so conv-1 becomes the oldest.
	c.Get("u", "conv-0")
	c.Put("u", "conv-3", OverflowEntry{HistoricalEndIndex: 3})

	if _, ok := c.Get("u", "conv-1"); ok {
		t.Fatal("least recently used entry should be evicted")
	}
	if _, ok := c.Get("u", "conv-0"); !ok {
		t.Fatal("recently touched entry should survive")
	}
	if _, ok := c.Get("u", "conv-3"); !ok {
		t.Fatal("newest entry should be present")
	}
}

func TestOverflowCache_PutReplacesExisting(t *testing.T) {
	c := NewOverflowCache()
	c.Put("u", "conv", OverflowEntry{HistoricalEndIndex: 1})
	c.Put("u", "conv", OverflowEntry{HistoricalEndIndex: 9})

	got, _ := c.Get("u", "conv")
	if got.HistoricalEndIndex != 9 {
		t.Fatalf("replacement should win, got %d", got.HistoricalEndIndex)
	}
}
