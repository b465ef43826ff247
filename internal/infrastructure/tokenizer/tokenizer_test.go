package tokenizer

import (
	"strings"
	"testing"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

func TestCountTokens_EmptyAndBasic(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}

	if c.CountTokens("") != 0 {
		t.Fatal("empty string should count zero")
	}
	n := c.CountTokens("hello world")
	if n <= 0 || n > 5 {
		t.Fatalf("implausible count for two words: %d", n)
	}
}

func TestCountTokens_CacheHitIsStable(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}

	text := strings.Repeat("the quick brown fox ", 50)
	first := c.CountTokens(text)
	second := c.CountTokens(text)
	if first != second {
		t.Fatalf("cached count changed: %d vs %d", first, second)
	}
}

func TestCountMessageTokens_IncludesFraming(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}

	messages := []entity.Message{
		{Role: entity.RoleUser, Content: "hi"},
		{Role: entity.RoleAssistant, Content: "hello"},
	}
	total := c.CountMessageTokens(messages)
	bare := c.CountTokens("hi") + c.CountTokens("hello") +
		c.CountTokens(entity.RoleUser) + c.CountTokens(entity.RoleAssistant)
	if total != bare+2*tokensPerMessage {
		t.Fatalf("framing overhead missing: total=%d bare=%d", total, bare)
	}
}

func TestEstimateTokens(t *testing.T) {
	text := strings.Repeat("x", 400)
	if got := EstimateTokens(text, false); got != 101 {
		t.Fatalf("4 chars/token estimate: %d", got)
	}
	conservative := EstimateTokens(text, true)
	if conservative <= EstimateTokens(text, false) {
		t.Fatal("conservative estimate should be larger")
	}
}

func TestBudgets_SplitContextWindow(t *testing.T) {
	const window = 100000
	intact := IntactBudget(window)
	historical := HistoricalBudget(window)

	if intact != 70000 || historical != 30000 {
		t.Fatalf("budget split wrong: intact=%d historical=%d", intact, historical)
	}
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("a", 1000)
	out := TruncateToTokens(text, 100)
	if len(out) != 350 {
		t.Fatalf("truncation should use the conservative ratio, got %d chars", len(out))
	}
	if TruncateToTokens("short", 100) != "short" {
		t.Fatal("text within budget should pass through")
	}
}
