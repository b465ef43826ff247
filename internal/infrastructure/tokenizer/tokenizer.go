package tokenizer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

const (
	cacheTTL     = time.Hour
	cacheMaxSize = 10000

	// Budget split for context-overflow recovery.
	intactRatio     = 0.7
	historicalRatio = 0.3

	// Fallback chars-per-token estimates.
	charsPerToken             = 4.0
	conservativeCharsPerToken = 3.5

	// Per-message framing overhead, mirroring the chat wire format.
	tokensPerMessage = 4
)

// Counter computes token counts with a process-global BPE encoder and a
// bounded result cache. Counts are cached by (first 100 chars, length) with
// a one-hour TTL; the oldest entry is evicted when the cache is full.
type Counter struct {
	encoder *tiktoken.Tiktoken

	mu    sync.Mutex
	cache map[cacheKey]*cacheEntry
}

type cacheKey struct {
	prefix string
	length int
}

type cacheEntry struct {
	count    int
	cachedAt time.Time
}

var (
	globalOnce    sync.Once
	globalCounter *Counter
	globalErr     error
)

// Global returns the process-wide counter, initializing the encoder once.
func Global() (*Counter, error) {
	globalOnce.Do(func() {
		globalCounter, globalErr = New()
	})
	return globalCounter, globalErr
}

// New creates a counter with a cl100k_base encoder.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load BPE encoding: %w", err)
	}
	return &Counter{
		encoder: enc,
		cache:   make(map[cacheKey]*cacheEntry),
	}, nil
}

// CountTokens returns the token count for a text.
func (c *Counter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	key := keyFor(text)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Since(e.cachedAt) < cacheTTL {
		count := e.count
		c.mu.Unlock()
		return count
	}
	c.mu.Unlock()

	count := len(c.encoder.Encode(text, nil, nil))

	c.mu.Lock()
	if len(c.cache) >= cacheMaxSize {
		c.evictOldestLocked()
	}
	c.cache[key] = &cacheEntry{count: count, cachedAt: time.Now()}
	c.mu.Unlock()

	return count
}

// CountMessageTokens returns the token count of a full message list,
// including per-message framing overhead.
func (c *Counter) CountMessageTokens(messages []entity.Message) int {
	total := 0
	for i := range messages {
		total += tokensPerMessage
		total += c.CountTokens(messages[i].Role)
		total += c.CountTokens(messages[i].TextContent())
	}
	return total
}

// EstimateTokens estimates a count without encoding, for oversized inputs.
// Conservative mode uses 3.5 chars/token instead of 4.
func EstimateTokens(text string, conservative bool) int {
	ratio := charsPerToken
	if conservative {
		ratio = conservativeCharsPerToken
	}
	return int(float64(len(text))/ratio) + 1
}

// IntactBudget is the token budget for the conversation tail kept verbatim
// during overflow recovery.
func IntactBudget(contextWindow int) int {
	return int(float64(contextWindow) * intactRatio)
}

// HistoricalBudget is the token budget for the extracted historical summary.
func HistoricalBudget(contextWindow int) int {
	return int(float64(contextWindow) * historicalRatio)
}

// TruncateToTokens cuts text so it fits within budget tokens, using the
// conservative chars/token estimate.
func TruncateToTokens(text string, budget int) string {
	maxChars := int(float64(budget) * conservativeCharsPerToken)
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

func keyFor(text string) cacheKey {
	prefix := text
	if len(prefix) > 100 {
		prefix = prefix[:100]
	}
	return cacheKey{prefix: prefix, length: len(text)}
}

func (c *Counter) evictOldestLocked() {
	var oldestKey cacheKey
	var oldestAt time.Time
	first := true
	for k, e := range c.cache {
		if first || e.cachedAt.Before(oldestAt) {
			first = false
			oldestKey = k
			oldestAt = e.cachedAt
		}
	}
	if !first {
		delete(c.cache, oldestKey)
	}
}
