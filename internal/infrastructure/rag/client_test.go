package rag

import (
	"strings"
	"testing"
)

func TestDedupe_ByRagIDThenContent(t *testing.T) {
	chunks := []Chunk{
		{RagID: "r1", Content: "alpha"},
		{RagID: "r1", Content: "alpha copy"}, // duplicate id
		{RagID: "r2", Content: "alpha"},      // duplicate content
		{Content: "beta"},                    // no id, unique content
		{Content: "beta"},                    // no id, duplicate content
	}
	out := Dedupe(chunks)
	if len(out) != 2 {
		t.Fatalf("expected 2 unique chunks, got %d: %+v", len(out), out)
	}
	if out[0].Content != "alpha" || out[1].Content != "beta" {
		t.Fatalf("wrong survivors: %+v", out)
	}
}

func TestGroupByKey_OrdersByBestScore(t *testing.T) {
	chunks := []Chunk{
		{Key: "doc-a", Content: "a1", Score: 0.4},
		{Key: "doc-b", Content: "b1", Score: 0.9},
		{Key: "doc-a", Content: "a2", Score: 0.7},
		{Key: "doc-b", Content: "b2", Score: 0.5},
	}
	groups := GroupByKey(chunks)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Key != "doc-b" {
		t.Fatalf("group with the best chunk should come first, got %s", groups[0].Key)
	}
	// Within a group, chunks are sorted by score descending.
	if groups[1].Chunks[0].Content != "a2" {
		t.Fatalf("chunks should sort by score, got %+v", groups[1].Chunks)
	}
}

func TestFormatContext(t *testing.T) {
	groups := GroupByKey([]Chunk{
		{Key: "report.pdf", Content: "finding one", Score: 0.8},
	})
	text := FormatContext(groups)

	if !strings.HasPrefix(text, "Possibly relevant information from your documents:") {
		t.Fatalf("missing preamble: %q", text)
	}
	if !strings.Contains(text, "From report.pdf:") || !strings.Contains(text, "- finding one") {
		t.Fatalf("missing content: %q", text)
	}
}

func TestParseRow_PositionalFields(t *testing.T) {
	row := []interface{}{
		"chunk text", "s3://alice/doc.txt", []interface{}{"p1"}, []interface{}{float64(3)},
		float64(120), "alice", float64(42), "rag-7", 0.83,
	}
	c := parseRow(row)
	if c.Content != "chunk text" || c.Key != "s3://alice/doc.txt" {
		t.Fatalf("content/key not parsed: %+v", c)
	}
	if c.CharIndex != 120 || c.TokenCount != 42 {
		t.Fatalf("numeric fields not parsed: %+v", c)
	}
	if c.RagID != "rag-7" || c.Score != 0.83 {
		t.Fatalf("id/score not parsed: %+v", c)
	}
}

func TestParseRow_ShortRow(t *testing.T) {
	c := parseRow([]interface{}{"only content"})
	if c.Content != "only content" || c.Key != "" || c.Score != 0 {
		t.Fatalf("short rows should zero-fill: %+v", c)
	}
}
