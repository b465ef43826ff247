package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is one normalized web search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Response is the normalized outcome of one search across any provider.
type Response struct {
	Provider string   `json:"provider"`
	Query    string   `json:"query"`
	Results  []Result `json:"results"`
	Answer   string   `json:"answer,omitempty"`
}

// Keys configures the search providers. Providers with empty keys are
// skipped; the first configured provider is tried first, falling through to
// the next on transport error.
type Keys struct {
	Brave   string `mapstructure:"brave"`
	Tavily  string `mapstructure:"tavily"`
	Serper  string `mapstructure:"serper"`
	SerpAPI string `mapstructure:"serpapi"`
}

// Configured reports whether at least one provider key is set.
func (k Keys) Configured() bool {
	return k.Brave != "" || k.Tavily != "" || k.Serper != "" || k.SerpAPI != ""
}

// Client executes web searches against the configured provider chain,
// in priority order Brave, Tavily, Serper, SerpAPI.
type Client struct {
	keys       Keys
	httpClient *http.Client
	logger     *zap.Logger
	maxResults int
}

// NewClient creates a search client.
func NewClient(keys Keys, logger *zap.Logger) *Client {
	return &Client{
		keys:       keys,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		maxResults: 5,
	}
}

// Configured reports whether the client can serve searches.
func (c *Client) Configured() bool { return c.keys.Configured() }

type providerFn struct {
	name string
	fn   func(ctx context.Context, query string) (*Response, error)
}

// Search runs the query against the provider chain. A transport error falls
// through to the next provider; the last error is returned when all fail.
func (c *Client) Search(ctx context.Context, query string) (*Response, error) {
	var chain []providerFn
	if c.keys.Brave != "" {
		chain = append(chain, providerFn{"brave", c.searchBrave})
	}
	if c.keys.Tavily != "" {
		chain = append(chain, providerFn{"tavily", c.searchTavily})
	}
	if c.keys.Serper != "" {
		chain = append(chain, providerFn{"serper", c.searchSerper})
	}
	if c.keys.SerpAPI != "" {
		chain = append(chain, providerFn{"serpapi", c.searchSerpAPI})
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no web search provider configured")
	}

	var lastErr error
	for _, p := range chain {
		resp, err := p.fn(ctx, query)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logger.Warn("Web search provider failed, falling through",
			zap.String("search_provider", p.name),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("all web search providers failed: %w", lastErr)
}

func (c *Client) searchBrave(ctx context.Context, query string) (*Response, error) {
	u := "https://api.search.brave.com/res/v1/web/search?q=" + url.QueryEscape(query) +
		fmt.Sprintf("&count=%d", c.maxResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.keys.Brave)

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}

	resp := &Response{Provider: "brave", Query: query}
	for _, r := range body.Web.Results {
		resp.Results = append(resp.Results, Result{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return resp, nil
}

func (c *Client) searchTavily(ctx context.Context, query string) (*Response, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"api_key":        c.keys.Tavily,
		"query":          query,
		"max_results":    c.maxResults,
		"include_answer": true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.tavily.com/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var body struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}

	resp := &Response{Provider: "tavily", Query: query, Answer: body.Answer}
	for _, r := range body.Results {
		resp.Results = append(resp.Results, Result{Title: r.Title, URL: r.URL, Description: r.Content})
	}
	return resp, nil
}

func (c *Client) searchSerper(ctx context.Context, query string) (*Response, error) {
	payload, _ := json.Marshal(map[string]interface{}{"q": query, "num": c.maxResults})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.keys.Serper)

	var body struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
		AnswerBox struct {
			Answer string `json:"answer"`
		} `json:"answerBox"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}

	resp := &Response{Provider: "serper", Query: query, Answer: body.AnswerBox.Answer}
	for _, r := range body.Organic {
		resp.Results = append(resp.Results, Result{Title: r.Title, URL: r.Link, Description: r.Snippet})
	}
	return resp, nil
}

func (c *Client) searchSerpAPI(ctx context.Context, query string) (*Response, error) {
	u := "https://serpapi.com/search?engine=google&q=" + url.QueryEscape(query) +
		"&api_key=" + url.QueryEscape(c.keys.SerpAPI)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}

	resp := &Response{Provider: "serpapi", Query: query}
	for i, r := range body.OrganicResults {
		if i >= c.maxResults {
			break
		}
		resp.Results = append(resp.Results, Result{Title: r.Title, URL: r.Link, Description: r.Snippet})
	}
	return resp, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("search API error %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FormatMarkdown renders a response as Markdown for model consumption.
func FormatMarkdown(resp *Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for %q (via %s):\n\n", resp.Query, resp.Provider)
	if resp.Answer != "" {
		fmt.Fprintf(&b, "**Answer:** %s\n\n", resp.Answer)
	}
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "%d. [%s](%s)\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	if len(resp.Results) == 0 {
		b.WriteString("No results found.\n")
	}
	return b.String()
}
