package search

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestKeys_Configured(t *testing.T) {
	if (Keys{}).Configured() {
		t.Fatal("empty keys should not report configured")
	}
	if !(Keys{Tavily: "tv-key"}).Configured() {
		t.Fatal("any single key should report configured")
	}
}

func TestSearch_NoProviderConfigured(t *testing.T) {
	c := NewClient(Keys{}, zap.NewNop())
	if _, err := c.Search(context.Background(), "anything"); err == nil {
		t.Fatal("search without providers should fail")
	}
}

func TestFormatMarkdown(t *testing.T) {
	resp := &Response{
		Provider: "tavily",
		Query:    "go generics",
		Answer:   "Generics arrived in Go 1.18.",
		Results: []Result{
			{Title: "Go Blog", URL: "https://go.dev/blog/intro-generics", Description: "An introduction"},
			{Title: "Spec", URL: "https://go.dev/ref/spec", Description: "The language spec"},
		},
	}
	md := FormatMarkdown(resp)

	if !strings.Contains(md, `"go generics"`) {
		t.Fatalf("query missing: %q", md)
	}
	if !strings.Contains(md, "**Answer:** Generics arrived in Go 1.18.") {
		t.Fatalf("answer missing: %q", md)
	}
	if !strings.Contains(md, "1. [Go Blog](https://go.dev/blog/intro-generics)") {
		t.Fatalf("numbered link missing: %q", md)
	}
	if !strings.Contains(md, "2. [Spec]") {
		t.Fatalf("second result missing: %q", md)
	}
}

func TestFormatMarkdown_Empty(t *testing.T) {
	md := FormatMarkdown(&Response{Provider: "brave", Query: "q"})
	if !strings.Contains(md, "No results found.") {
		t.Fatalf("empty results should say so: %q", md)
	}
}
