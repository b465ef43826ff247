package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/stream"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/mcp"
	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

// Strategy names.
const (
	StrategyDefault         = "default"
	StrategyMapReduce       = "mapReduce"
	StrategyWorkflow        = "workflow"
	StrategyAgent           = "agent"
	StrategyCodeInterpreter = "codeInterpreter"
	StrategyArtifacts       = "artifacts"
)

// StrategyParams is the uniform input every strategy handler receives.
type StrategyParams struct {
	Principal  *entity.Principal
	Model      *entity.ModelDescriptor
	Request    *entity.ChatRequest
	Resolved   *ResolvedSources
	MCPServers []mcp.ServerConfig
	Options    CallOptions
}

// StrategyHandler executes one routing strategy against the stream. A nil
// result means the response was fully streamed.
type StrategyHandler func(ctx context.Context, p *StrategyParams, mux *stream.Multiplexer) (*StrategyResult, error)

// MCPServerProvider supplies a user's remote tool server registry.
type MCPServerProvider interface {
	ServersFor(ctx context.Context, principal *entity.Principal) ([]mcp.ServerConfig, error)
}

// AssistantRouter reads lightweight request signals and dispatches to one of
// the five strategies. agent, codeInterpreter and artifacts are served by
// externally registered handlers.
type AssistantRouter struct {
	llm       *LLMClient
	toolLoop  *ToolLoop
	workflows *WorkflowExecutor
	fetcher   TextFetcher
	logger    *zap.Logger

	external map[string]StrategyHandler
}

// NewAssistantRouter creates the router.
func NewAssistantRouter(llmClient *LLMClient, toolLoop *ToolLoop, workflows *WorkflowExecutor, fetcher TextFetcher, logger *zap.Logger) *AssistantRouter {
	return &AssistantRouter{
		llm:       llmClient,
		toolLoop:  toolLoop,
		workflows: workflows,
		fetcher:   fetcher,
		logger:    logger,
		external:  make(map[string]StrategyHandler),
	}
}

// RegisterExternal installs a typed external handler for one of the
// out-of-process strategies (agent, codeInterpreter, artifacts).
func (r *AssistantRouter) RegisterExternal(name string, handler StrategyHandler) {
	r.external[name] = handler
}

// Select picks a strategy from the request's signals.
func (r *AssistantRouter) Select(p *StrategyParams) string {
	if len(p.Request.Workflow) > 0 {
		return StrategyWorkflow
	}
	if _, ok := r.external[p.Request.Options.AssistantID]; ok {
		return p.Request.Options.AssistantID
	}
	if p.Resolved != nil && len(p.Resolved.Text) > 1 && p.Request.Options.RAGOnly {
		return StrategyMapReduce
	}
	return StrategyDefault
}

// Route selects a strategy, announces it on the stream, and dispatches.
func (r *AssistantRouter) Route(ctx context.Context, p *StrategyParams, mux *stream.Multiplexer) (*StrategyResult, error) {
	started := time.Now()
	name := r.Select(p)

	if err := mux.WriteState(ctx, stream.State{
		"assistant":       name,
		"routing_time_ms": time.Since(started).Milliseconds(),
	}); err != nil {
		return nil, err
	}

	r.logger.Info("Strategy selected",
		zap.String("strategy", name),
		zap.String("request_id", p.Request.Options.RequestID),
	)

	switch name {
	case StrategyWorkflow:
		return r.runWorkflow(ctx, p, mux)
	case StrategyMapReduce:
		return r.runMapReduce(ctx, p, mux)
	case StrategyDefault:
		return r.runDefault(ctx, p, mux)
	default:
		if handler, ok := r.external[name]; ok {
			return handler(ctx, p, mux)
		}
		return nil, apperrors.New(apperrors.KindInternal, fmt.Sprintf("no handler for strategy %q", name))
	}
}

// runDefault streams one tool-loop conversation to a single source.
func (r *AssistantRouter) runDefault(ctx context.Context, p *StrategyParams, mux *stream.Multiplexer) (*StrategyResult, error) {
	source, err := mux.Register("chat")
	if err != nil {
		return nil, err
	}
	defer source.End(ctx)

	result, err := r.toolLoop.Run(ctx, p.Principal, p.Model, p.Request.Messages, p.Options,
		ToolLoopOptions{
			RequestID:     p.Request.Options.RequestID,
			MCPServers:    p.MCPServers,
			ClientSideMCP: p.Request.Options.MCPClientSide,
			WebSearch:     p.Request.Options.EnableWebSearch,
		}, mux, source)
	if err != nil {
		return nil, err
	}
	if result.PendingMCPToolCalls {
		return &StrategyResult{
			Status: 200,
			Body:   map[string]interface{}{"pending_mcp_tool_calls": true},
		}, nil
	}
	return nil, nil
}

// runMapReduce maps the user's question over each text source, then
// pairwise-reduces the per-chunk answers to one final reply.
func (r *AssistantRouter) runMapReduce(ctx context.Context, p *StrategyParams, mux *stream.Multiplexer) (*StrategyResult, error) {
	source, err := mux.Register("mapreduce")
	if err != nil {
		return nil, err
	}
	defer source.End(ctx)

	lastUser := entity.LastUserIndex(p.Request.Messages)
	if lastUser < 0 {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "no user message to answer")
	}
	question := p.Request.Messages[lastUser].TextContent()

	var answers []string
	for _, ds := range p.Resolved.Text {
		text, err := r.chunkText(ctx, p.Principal, ds)
		if err != nil {
			return nil, err
		}
		answer, err := r.llm.PromptForString(ctx, p.Principal, p.Model,
			fmt.Sprintf("Using only the following document, answer the question.\n\nDocument:\n%s\n\nQuestion: %s", text, question))
		if err != nil {
			return nil, err
		}
		answers = append(answers, answer)
	}

	for len(answers) > 1 {
		next := make([]string, 0, (len(answers)+1)/2)
		for i := 0; i < len(answers); i += 2 {
			if i+1 >= len(answers) {
				next = append(next, answers[i])
				break
			}
			combined, err := r.llm.PromptForString(ctx, p.Principal, p.Model,
				fmt.Sprintf("Combine these two partial answers into one coherent answer to the question %q:\n\n1. %s\n\n2. %s", question, answers[i], answers[i+1]))
			if err != nil {
				return nil, err
			}
			next = append(next, combined)
		}
		answers = next
	}

	if len(answers) > 0 {
		if err := source.WriteDelta(ctx, answers[0]); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *AssistantRouter) chunkText(ctx context.Context, principal *entity.Principal, ds entity.DataSource) (string, error) {
	if content, ok := ds.Metadata["content"].(string); ok {
		return content, nil
	}
	if r.fetcher == nil {
		return "", apperrors.New(apperrors.KindInvalidRequest,
			fmt.Sprintf("data source %s has no inline content and no fetcher is configured", ds.ID))
	}
	return r.fetcher.FetchText(ctx, principal, ds)
}

func (r *AssistantRouter) runWorkflow(ctx context.Context, p *StrategyParams, mux *stream.Multiplexer) (*StrategyResult, error) {
	var wf Workflow
	if err := json.Unmarshal(p.Request.Workflow, &wf); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidRequest, "invalid workflow document", err)
	}
	if len(wf.Steps) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "workflow has no steps")
	}
	return r.workflows.Run(ctx, p.Principal, p.Model, p.Request.Options.RequestID, &wf, nil, mux)
}
