package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/stream"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/mcp"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/search"
)

const (
	maxToolRounds = 5
	mcpToolPrefix = "mcp_"
	webSearchTool = "web_search"
)

// ToolLoopResult is the terminal outcome of a tool loop.
type ToolLoopResult struct {
	Response *llm.Response
	// PendingMCPToolCalls is set in client-side MCP mode; the client is
	// expected to execute the calls and continue the conversation.
	PendingMCPToolCalls bool
}

// ToolLoopOptions carries the per-request loop controls.
type ToolLoopOptions struct {
	RequestID     string
	MCPServers    []mcp.ServerConfig
	ClientSideMCP bool
	WebSearch     bool
}

// ToolLoop drives the model/tool iteration: call the model with tools, run
// any requested tools, feed results back, up to maxToolRounds LLM calls.
type ToolLoop struct {
	llm     *LLMClient
	search  *search.Client
	mcpReg  *mcp.Registry
	tracker *RequestTracker
	logger  *zap.Logger
}

// NewToolLoop creates the executor. search and mcpReg may be nil when the
// deployment has neither capability.
func NewToolLoop(llmClient *LLMClient, searchClient *search.Client, mcpReg *mcp.Registry, tracker *RequestTracker, logger *zap.Logger) *ToolLoop {
	return &ToolLoop{llm: llmClient, search: searchClient, mcpReg: mcpReg, tracker: tracker, logger: logger}
}

// killed reports whether the request's kill switch was thrown.
func (t *ToolLoop) killed(principal *entity.Principal, requestID string) bool {
	return t.tracker != nil && t.tracker.Killed(principal.UserID, requestID)
}

// Run executes the loop. The first round's text streams to source; later
// rounds are silent and the final reply is forwarded explicitly. The kill
// switch is checked before every LLM call; on observed kill the loop stops
// without an error.
func (t *ToolLoop) Run(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, messages []entity.Message, opts CallOptions, loop ToolLoopOptions, mux *stream.Multiplexer, source *stream.Source) (*ToolLoopResult, error) {
	if t.killed(principal, loop.RequestID) {
		t.logger.Info("Tool loop cancelled by kill switch",
			zap.String("request_id", loop.RequestID),
		)
		return &ToolLoopResult{}, nil
	}

	tools, toolServers := t.collectTools(ctx, principal, loop)
	if len(tools) == 0 {
		resp, err := t.llm.Stream(ctx, principal, model, messages, opts, source)
		if err != nil {
			return nil, err
		}
		return &ToolLoopResult{Response: resp}, nil
	}

	opts.Tools = tools
	opts.ToolChoice = "auto"

	history := make([]entity.Message, len(messages))
	copy(history, messages)

	var searchSources []search.Result

	for round := 1; round <= maxToolRounds; round++ {
		if round > 1 && t.killed(principal, loop.RequestID) {
			t.logger.Info("Tool loop cancelled by kill switch",
				zap.String("request_id", loop.RequestID),
				zap.Int("round", round),
			)
			return &ToolLoopResult{}, nil
		}
		if round == maxToolRounds {
			// Force a natural-language answer on the final call.
			opts.Tools = nil
			opts.ToolChoice = ""
		}

		var sink DeltaSink
		if round == 1 {
			sink = source
		}
		resp, err := t.llm.Stream(ctx, principal, model, history, opts, sink)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			if round > 1 && resp.Content != "" {
				if err := source.WriteDelta(ctx, resp.Content); err != nil {
					return nil, err
				}
			}
			t.emitSearchSources(ctx, mux, searchSources)
			return &ToolLoopResult{Response: resp}, nil
		}

		if loop.ClientSideMCP && hasMCPCalls(resp.ToolCalls) {
			calls := make([]map[string]interface{}, 0, len(resp.ToolCalls))
			for _, tc := range resp.ToolCalls {
				calls = append(calls, map[string]interface{}{
					"id":        tc.ID,
					"name":      tc.Name,
					"arguments": tc.Arguments,
				})
			}
			if err := mux.WriteState(ctx, stream.State{"mcp_tool_calls": calls}); err != nil {
				return nil, err
			}
			return &ToolLoopResult{Response: resp, PendingMCPToolCalls: true}, nil
		}

		history = append(history, entity.Message{
			Role:      entity.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			statusID := "tool-" + uuid.NewString()[:8]
			_ = mux.WriteStatus(ctx, stream.Status{
				ID:         statusID,
				Summary:    "Running " + tc.Name,
				InProgress: true,
				Animated:   true,
			})

			content, sources, err := t.dispatch(ctx, principal, tc, toolServers)
			if err != nil {
				// Tool failures feed back into the loop as error results.
				t.logger.Warn("Tool call failed",
					zap.String("tool", tc.Name),
					zap.Error(err),
				)
				content = fmt.Sprintf("Error executing %s: %v", tc.Name, err)
			}
			searchSources = append(searchSources, sources...)

			_ = mux.WriteStatus(ctx, stream.Status{
				ID:      statusID,
				Summary: "Finished " + tc.Name,
			})

			history = append(history, entity.Message{
				Role:       entity.RoleTool,
				Name:       tc.Name,
				ToolCallID: tc.ID,
				Content:    content,
			})
		}
	}

	// Unreachable: the final round runs without tools and returns above.
	return nil, fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds)
}

// collectTools assembles the tool catalog: web search when the request
// opted in and a provider is configured, plus the user's MCP tools. Returns
// the defs and a tool-name → server mapping.
func (t *ToolLoop) collectTools(ctx context.Context, principal *entity.Principal, loop ToolLoopOptions) ([]llm.ToolDefinition, map[string]mcp.ServerConfig) {
	var tools []llm.ToolDefinition
	servers := make(map[string]mcp.ServerConfig)

	if loop.WebSearch && t.search != nil && t.search.Configured() {
		tools = append(tools, llm.ToolDefinition{
			Name:        webSearchTool,
			Description: "Search the web for current information. Returns titles, URLs and descriptions of matching pages.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "The search query",
					},
				},
				"required": []string{"query"},
			},
		})
	}

	if t.mcpReg != nil {
		for _, server := range loop.MCPServers {
			client, err := t.mcpReg.Get(ctx, principal.UserID, server)
			if err != nil {
				t.logger.Warn("MCP server unavailable",
					zap.String("mcp_server", server.Name),
					zap.Error(err),
				)
				continue
			}
			for _, def := range client.Tools() {
				name := mcpToolPrefix + def.Name
				tools = append(tools, llm.ToolDefinition{
					Name:        name,
					Description: def.Description,
					Parameters:  def.InputSchema,
				})
				servers[name] = server
			}
		}
	}
	return tools, servers
}

func (t *ToolLoop) dispatch(ctx context.Context, principal *entity.Principal, tc entity.ToolCall, toolServers map[string]mcp.ServerConfig) (string, []search.Result, error) {
	switch {
	case tc.Name == webSearchTool:
		query, _ := tc.Arguments["query"].(string)
		if query == "" {
			return "", nil, fmt.Errorf("web_search call missing query")
		}
		resp, err := t.search.Search(ctx, query)
		if err != nil {
			return "", nil, err
		}
		return search.FormatMarkdown(resp), resp.Results, nil

	case strings.HasPrefix(tc.Name, mcpToolPrefix):
		server, ok := toolServers[tc.Name]
		if !ok {
			return "", nil, fmt.Errorf("no MCP server serves tool %s", tc.Name)
		}
		client, err := t.mcpReg.Get(ctx, principal.UserID, server)
		if err != nil {
			return "", nil, err
		}
		content, err := client.CallTool(ctx, strings.TrimPrefix(tc.Name, mcpToolPrefix), tc.Arguments)
		if err != nil {
			return "", nil, err
		}
		return content, nil, nil

	default:
		return "", nil, fmt.Errorf("unknown tool %s", tc.Name)
	}
}

// emitSearchSources pushes the citations panel state when any web searches
// ran.
func (t *ToolLoop) emitSearchSources(ctx context.Context, mux *stream.Multiplexer, results []search.Result) {
	if len(results) == 0 {
		return
	}
	sources := make([]map[string]string, 0, len(results))
	for _, r := range results {
		sources = append(sources, map[string]string{
			"title":       r.Title,
			"url":         r.URL,
			"description": r.Description,
		})
	}
	_ = mux.WriteState(ctx, stream.State{
		"sources": map[string]interface{}{
			"webSearch": map[string]interface{}{"sources": sources},
		},
	})
}

func hasMCPCalls(calls []entity.ToolCall) bool {
	for _, tc := range calls {
		if strings.HasPrefix(tc.Name, mcpToolPrefix) {
			return true
		}
	}
	return false
}
