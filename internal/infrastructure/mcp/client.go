package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	protocolVersion  = "2024-11-05"
	handshakeTimeout = 10 * time.Second
)

// ToolDef is one tool advertised by an MCP server.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ServerConfig identifies one remote tool server in a user's registry.
type ServerConfig struct {
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Client is an initialized connection to one MCP server. Tools are
// discovered during the handshake and cached on the client.
type Client struct {
	server ServerConfig
	client *http.Client
	logger *zap.Logger

	mu    sync.RWMutex
	tools []ToolDef
}

// ─────────────────── JSON-RPC 2.0 ───────────────────

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var rpcIDCounter int
var rpcIDMu sync.Mutex

func nextRPCID() int {
	rpcIDMu.Lock()
	defer rpcIDMu.Unlock()
	rpcIDCounter++
	return rpcIDCounter
}

// Connect performs the initialize handshake and discovers the server's
// tools. The handshake is bounded by a 10 second timeout regardless of the
// caller's deadline.
func Connect(ctx context.Context, server ServerConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		server: server,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With(zap.String("mcp_server", server.Name)),
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, err := c.call(hctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "amplify-gateway",
			"version": "1.0",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("MCP initialize failed for %s: %w", server.Name, err)
	}

	if _, err := c.DiscoverTools(hctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DiscoverTools refreshes the tool list from the server.
func (c *Client) DiscoverTools(ctx context.Context) ([]ToolDef, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("MCP tools/list failed for %s: %w", c.server.Name, err)
	}

	var result struct {
		Tools []ToolDef `json:"tools"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to parse MCP tools response: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("MCP tools discovered",
		zap.Int("tool_count", len(result.Tools)),
	)
	return result.Tools, nil
}

// CallTool invokes a named tool and returns its concatenated text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("MCP tools/call failed for %s.%s: %w", c.server.Name, name, err)
	}

	// Standard response: { content: [{ type: "text", text: "..." }] }
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		// Fall back to the raw JSON payload.
		return string(resp), nil
	}

	if result.IsError {
		if len(result.Content) > 0 {
			return "", fmt.Errorf("MCP tool error: %s", result.Content[0].Text)
		}
		return "", fmt.Errorf("MCP tool returned error without message")
	}

	var output string
	for _, part := range result.Content {
		if part.Type == "text" {
			output += part.Text
		}
	}
	return output, nil
}

// Tools returns the discovered tool list.
func (c *Client) Tools() []ToolDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]ToolDef, len(c.tools))
	copy(result, c.tools)
	return result
}

// Name returns the server name.
func (c *Client) Name() string { return c.server.Name }

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	reqBody := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      nextRPCID(),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON-RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.server.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MCP HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("MCP server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode JSON-RPC response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("MCP RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Registry caches initialized MCP connections keyed by (user, server).
// Concurrent requests for the same key share a single handshake.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	group   singleflight.Group
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

func connKey(userID, serverName string) string {
	return userID + "|" + serverName
}

// Get returns an active connection for the user's server, connecting on
// first use. The handshake runs single-flight per (user, server).
func (r *Registry) Get(ctx context.Context, userID string, server ServerConfig) (*Client, error) {
	key := connKey(userID, server.Name)

	r.mu.RLock()
	c, ok := r.clients[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		cached, ok := r.clients[key]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		client, err := Connect(ctx, server, r.logger)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.clients[key] = client
		r.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Evict drops a cached connection, forcing a fresh handshake next time.
func (r *Registry) Evict(userID, serverName string) {
	r.mu.Lock()
	delete(r.clients, connKey(userID, serverName))
	r.mu.Unlock()
}
