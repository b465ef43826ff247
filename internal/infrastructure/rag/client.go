package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

const (
	// maxConcurrentRetrievals bounds in-flight retrieval requests process-wide.
	maxConcurrentRetrievals = 10
	requestTimeout          = 180 * time.Second
	resultsPerQuery         = 5
)

// Chunk is one retrieved passage.
type Chunk struct {
	Content    string        `json:"content"`
	Key        string        `json:"key"`
	Locations  []interface{} `json:"locations,omitempty"`
	Indexes    []interface{} `json:"indexes,omitempty"`
	CharIndex  int           `json:"char_index,omitempty"`
	User       string        `json:"user,omitempty"`
	TokenCount int           `json:"token_count,omitempty"`
	RagID      string        `json:"rag_id,omitempty"`
	Score      float64       `json:"score"`
}

// SourceGroup is all chunks retrieved from one source key.
type SourceGroup struct {
	Key    string
	Chunks []Chunk
}

// Client issues dual-retrieval queries against the embedding service. The
// caller's bearer token travels per-request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	sem        *semaphore.Weighted
}

// NewClient creates a retrieval client for the given API base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
		sem:        semaphore.NewWeighted(maxConcurrentRetrievals),
	}
}

type retrievalRequest struct {
	Data retrievalData `json:"data"`
}

type retrievalData struct {
	DataSources      []entity.DataSource `json:"dataSources"`
	GroupDataSources []entity.DataSource `json:"groupDataSources,omitempty"`
	ASTDataSources   []entity.DataSource `json:"astDataSources,omitempty"`
	UserInput        string              `json:"userInput"`
	Limit            int                 `json:"limit"`
}

// retrievalResponse rows are positional arrays:
// [content, key, locations, indexes, charIndex, user, tokenCount, ragId, score]
type retrievalResponse struct {
	Result [][]interface{} `json:"result"`
}

// Query issues one retrieval call, bounded by the process-wide semaphore.
func (c *Client) Query(ctx context.Context, token, query string, sources, groupSources, astSources []entity.DataSource) ([]Chunk, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire retrieval slot: %w", err)
	}
	defer c.sem.Release(1)

	payload, err := json.Marshal(retrievalRequest{Data: retrievalData{
		DataSources:      sources,
		GroupDataSources: groupSources,
		ASTDataSources:   astSources,
		UserInput:        query,
		Limit:            resultsPerQuery,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embedding-dual-retrieval", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("retrieval API error %d: %s", resp.StatusCode, string(body))
	}

	var parsed retrievalResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}

	chunks := make([]Chunk, 0, len(parsed.Result))
	for _, row := range parsed.Result {
		chunks = append(chunks, parseRow(row))
	}
	return chunks, nil
}

func parseRow(row []interface{}) Chunk {
	var c Chunk
	get := func(i int) interface{} {
		if i < len(row) {
			return row[i]
		}
		return nil
	}
	if s, ok := get(0).(string); ok {
		c.Content = s
	}
	if s, ok := get(1).(string); ok {
		c.Key = s
	}
	if l, ok := get(2).([]interface{}); ok {
		c.Locations = l
	}
	if l, ok := get(3).([]interface{}); ok {
		c.Indexes = l
	}
	if f, ok := get(4).(float64); ok {
		c.CharIndex = int(f)
	}
	if s, ok := get(5).(string); ok {
		c.User = s
	}
	if f, ok := get(6).(float64); ok {
		c.TokenCount = int(f)
	}
	if s, ok := get(7).(string); ok {
		c.RagID = s
	}
	if f, ok := get(8).(float64); ok {
		c.Score = f
	}
	return c
}

// QueryAll runs the given queries in parallel and merges the results.
// Duplicate chunks (same rag_id, or same exact content) are dropped.
func (c *Client) QueryAll(ctx context.Context, token string, queries []string, sources, groupSources, astSources []entity.DataSource) ([]Chunk, error) {
	var (
		mu      sync.Mutex
		merged  []Chunk
		wg      sync.WaitGroup
		lastErr error
	)

	for _, q := range queries {
		wg.Add(1)
		go func(query string) {
			defer wg.Done()
			chunks, err := c.Query(ctx, token, query, sources, groupSources, astSources)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				c.logger.Warn("Retrieval query failed", zap.Error(err))
				return
			}
			merged = append(merged, chunks...)
		}(q)
	}
	wg.Wait()

	if len(merged) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return Dedupe(merged), nil
}

// Dedupe removes chunks sharing a rag_id or exact content.
func Dedupe(chunks []Chunk) []Chunk {
	seenID := make(map[string]bool)
	seenContent := make(map[string]bool)
	out := make([]Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if ch.RagID != "" && seenID[ch.RagID] {
			continue
		}
		if seenContent[ch.Content] {
			continue
		}
		if ch.RagID != "" {
			seenID[ch.RagID] = true
		}
		seenContent[ch.Content] = true
		out = append(out, ch)
	}
	return out
}

// GroupByKey groups chunks by source key, each group sorted by score
// descending, groups ordered by their best score.
func GroupByKey(chunks []Chunk) []SourceGroup {
	byKey := make(map[string][]Chunk)
	order := make([]string, 0)
	for _, ch := range chunks {
		if _, ok := byKey[ch.Key]; !ok {
			order = append(order, ch.Key)
		}
		byKey[ch.Key] = append(byKey[ch.Key], ch)
	}

	groups := make([]SourceGroup, 0, len(order))
	for _, key := range order {
		g := byKey[key]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Score > g[j].Score })
		groups = append(groups, SourceGroup{Key: key, Chunks: g})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Chunks[0].Score > groups[j].Chunks[0].Score
	})
	return groups
}

// FormatContext renders grouped retrieval results as grounding text for the
// model.
func FormatContext(groups []SourceGroup) string {
	var b bytes.Buffer
	b.WriteString("Possibly relevant information from your documents:\n\n")
	for _, g := range groups {
		fmt.Fprintf(&b, "From %s:\n", g.Key)
		for _, ch := range g.Chunks {
			fmt.Fprintf(&b, "- %s\n", ch.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}
