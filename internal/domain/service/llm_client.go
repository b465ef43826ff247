package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/tokenizer"
	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

const proactiveMessageThreshold = 20

// DeltaSink receives incremental assistant text. Both multiplexer sources
// and collectors satisfy it.
type DeltaSink interface {
	WriteDelta(ctx context.Context, payload interface{}) error
}

// CallOptions carries per-call options through the pipeline. Internal-only
// fields are stripped before dispatch and never reach a provider adapter.
type CallOptions struct {
	MaxTokens        int
	Temperature      float64
	TopP             float64
	Tools            []llm.ToolDefinition
	ToolChoice       string
	ReasoningLevel   string
	DisableReasoning bool

	// Internal-only. ConversationID keys the overflow cache;
	// SmartMessagesFiltered disables it; SkipHistoricalContext marks
	// self-contained utility calls (RAG extraction and the like) that must
	// never touch conversation state.
	ConversationID        string
	SmartMessagesFiltered bool
	SkipHistoricalContext bool
	Function              string // circuit-breaker function name, default "chat"
}

// LLMClient is the single call site wrapping provider dispatch, token
// budgets and context-overflow recovery.
type LLMClient struct {
	adapters map[string]llm.Adapter
	registry *ModelRegistry
	counter  *tokenizer.Counter
	cache    *OverflowCache
	breaker  *llm.BreakerBoard
	logger   *zap.Logger
}

// NewLLMClient builds adapters for each configured endpoint.
func NewLLMClient(
	endpoints map[string]llm.Endpoint,
	registry *ModelRegistry,
	counter *tokenizer.Counter,
	cache *OverflowCache,
	breaker *llm.BreakerBoard,
	logger *zap.Logger,
) (*LLMClient, error) {
	adapters := make(map[string]llm.Adapter, len(endpoints))
	for provider, ep := range endpoints {
		a, err := llm.CreateAdapter(provider, ep, logger)
		if err != nil {
			return nil, fmt.Errorf("create %s adapter: %w", provider, err)
		}
		adapters[provider] = a
	}
	return &LLMClient{
		adapters: adapters,
		registry: registry,
		counter:  counter,
		cache:    cache,
		breaker:  breaker,
		logger:   logger,
	}, nil
}

// Stream runs one canonical LLM call. Deltas are forwarded to sink (nil
// suppresses streaming); the accumulated response is returned. A context
// overflow is recovered once per request by extracting historical context.
func (c *LLMClient) Stream(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, messages []entity.Message, opts CallOptions, sink DeltaSink) (*llm.Response, error) {
	return c.stream(ctx, principal, model, messages, opts, sink, false)
}

func (c *LLMClient) stream(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, messages []entity.Message, opts CallOptions, sink DeltaSink, alreadyRetried bool) (*llm.Response, error) {
	adapter, ok := c.adapters[model.Provider]
	if !ok {
		return nil, apperrors.New(apperrors.KindInvalidRequest,
			fmt.Sprintf("provider %q is not configured", model.Provider))
	}

	function := opts.Function
	if function == "" {
		function = "chat"
	}
	breakerKey := llm.Key(function, principal.UserID)
	if err := c.breaker.Allow(breakerKey); err != nil {
		return nil, err
	}

	if !alreadyRetried {
		messages = c.applyProactiveContext(principal, model, messages, opts)
	}

	req := &llm.Request{
		Model:            model,
		Messages:         messages,
		MaxTokens:        opts.MaxTokens,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		Tools:            opts.Tools,
		ToolChoice:       opts.ToolChoice,
		ReasoningLevel:   opts.ReasoningLevel,
		DisableReasoning: opts.DisableReasoning,
	}

	resp, err := c.pump(ctx, adapter, req, sink)
	if err == nil {
		c.breaker.RecordSuccess(breakerKey, c.callCost(model, resp))
		return resp, nil
	}

	info := llm.DetectOverflow(err)
	if !info.IsOverflow || opts.SkipHistoricalContext || alreadyRetried {
		c.breaker.RecordFailure(breakerKey, 0)
		if info.IsOverflow {
			c.logger.Error("Context overflow persisted after recovery",
				zap.Bool("critical", true),
				zap.String("model", model.ID),
				zap.String("user_id", principal.UserID),
			)
		}
		return nil, err
	}

	c.logger.Warn("Context overflow detected, extracting historical context",
		zap.String("model", model.ID),
		zap.Int("message_count", len(messages)),
	)

	reduced, rerr := c.recoverFromOverflow(ctx, principal, model, messages, opts)
	if rerr != nil {
		c.breaker.RecordFailure(breakerKey, 0)
		return nil, apperrors.Wrap(apperrors.KindContextOverflow, "overflow recovery failed", rerr)
	}
	return c.stream(ctx, principal, model, reduced, opts, sink, true)
}

// pump bridges the adapter's chunk channel onto the sink.
func (c *LLMClient) pump(ctx context.Context, adapter llm.Adapter, req *llm.Request, sink DeltaSink) (*llm.Response, error) {
	ch := make(chan llm.Chunk, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for chunk := range ch {
			if chunk.DeltaText != "" && sink != nil {
				if err := sink.WriteDelta(ctx, chunk.DeltaText); err != nil {
					c.logger.Warn("Delta write failed", zap.Error(err))
				}
			}
		}
	}()

	resp, err := llm.StreamWithToolRetry(ctx, adapter, req, ch, c.logger)
	close(ch)
	<-done
	return resp, err
}

// applyProactiveContext replaces a long conversation's head with the cached
// historical extraction when it is safe to do so.
func (c *LLMClient) applyProactiveContext(principal *entity.Principal, model *entity.ModelDescriptor, messages []entity.Message, opts CallOptions) []entity.Message {
	if opts.ConversationID == "" || opts.SkipHistoricalContext || opts.SmartMessagesFiltered {
		return messages
	}
	if len(messages) < proactiveMessageThreshold {
		return messages
	}

	entry, ok := c.cache.Get(principal.UserID, opts.ConversationID)
	if !ok {
		return messages
	}
	if entry.ModelID != model.ID {
		c.cache.Invalidate(principal.UserID, opts.ConversationID)
		return messages
	}
	if len(messages) < entry.MessageCount || entry.HistoricalEndIndex+1 >= len(messages) {
		return messages
	}

	tail := messages[entry.HistoricalEndIndex+1:]
	out := make([]entity.Message, 0, len(tail)+1)
	out = append(out, entity.Message{
		Role:    entity.RoleSystem,
		Content: "Previous relevant context: " + entry.ExtractedContext,
	})
	out = append(out, tail...)
	return out
}

// recoverFromOverflow extracts the conversation head into a summary and
// returns the reduced message list. The cache is updated so later requests
// take the proactive path.
func (c *LLMClient) recoverFromOverflow(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, messages []entity.Message, opts CallOptions) ([]entity.Message, error) {
	boundary := c.tailBoundary(model, messages)
	if boundary <= 0 {
		// The tail alone overflows; nothing to extract.
		return nil, fmt.Errorf("conversation tail alone exceeds the context window")
	}

	var summary string
	var err error
	if entry, ok := c.cache.Get(principal.UserID, opts.ConversationID); ok && opts.ConversationID != "" && entry.ModelID == model.ID && entry.HistoricalEndIndex+1 < boundary {
		summary, err = c.extractIncremental(ctx, principal, model, entry.ExtractedContext, messages[entry.HistoricalEndIndex+1:boundary])
	} else {
		summary, err = c.extractFull(ctx, principal, model, messages[:boundary])
	}
	if err != nil {
		return nil, err
	}

	if opts.ConversationID != "" {
		c.cache.Put(principal.UserID, opts.ConversationID, OverflowEntry{
			HistoricalEndIndex: boundary - 1,
			ExtractedContext:   summary,
			MessageCount:       len(messages),
			ModelID:            model.ID,
		})
	}

	out := make([]entity.Message, 0, len(messages)-boundary+1)
	out = append(out, entity.Message{
		Role:    entity.RoleSystem,
		Content: "Previous relevant context: " + summary,
	})
	out = append(out, messages[boundary:]...)
	return out, nil
}

// tailBoundary returns the smallest index whose tail fits the intact budget
// (0.7 of the context window).
func (c *LLMClient) tailBoundary(model *entity.ModelDescriptor, messages []entity.Message) int {
	budget := tokenizer.IntactBudget(model.ContextWindow)
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		total += c.counter.CountTokens(messages[i].TextContent()) + 4
		if total > budget {
			return i + 1
		}
	}
	return 0
}

const extractionSystemPrompt = "You are a conversation summarizer. Extract the key facts, decisions, names, and unresolved questions from the conversation below into a dense summary. Preserve concrete details the assistant may need later. Respond with the summary only."

func (c *LLMClient) extractFull(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, head []entity.Message) (string, error) {
	var b strings.Builder
	for _, m := range head {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.TextContent())
		b.WriteString("\n")
	}
	return c.runExtraction(ctx, principal, model, b.String())
}

func (c *LLMClient) extractIncremental(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, priorSummary string, delta []entity.Message) (string, error) {
	var b strings.Builder
	b.WriteString("Existing summary of the earlier conversation:\n")
	b.WriteString(priorSummary)
	b.WriteString("\n\nNew messages to fold into the summary:\n")
	for _, m := range delta {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.TextContent())
		b.WriteString("\n")
	}
	return c.runExtraction(ctx, principal, model, b.String())
}

// runExtraction calls the cheapest capability-equivalent model with the
// extraction prompt capped to the historical budget. Oversized prompts fall
// back to the user's model, then to truncation.
func (c *LLMClient) runExtraction(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, prompt string) (string, error) {
	extractor := c.registry.CheapestEquivalent(model)
	budget := tokenizer.HistoricalBudget(model.ContextWindow)

	if tokenizer.EstimateTokens(prompt, true) > extractor.ContextWindow {
		extractor = model
	}
	if tokenizer.EstimateTokens(prompt, true) > extractor.ContextWindow {
		prompt = tokenizer.TruncateToTokens(prompt, extractor.ContextWindow/2)
	}
	prompt = tokenizer.TruncateToTokens(prompt, budget)

	resp, err := c.stream(ctx, principal, extractor, []entity.Message{
		{Role: entity.RoleSystem, Content: extractionSystemPrompt},
		{Role: entity.RoleUser, Content: prompt},
	}, CallOptions{
		SkipHistoricalContext: true,
		DisableReasoning:      true,
		Function:              "extraction",
	}, nil, true)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *LLMClient) callCost(model *entity.ModelDescriptor, resp *llm.Response) float64 {
	return float64(resp.InputTokens)/1000*model.InputRate +
		float64(resp.OutputTokens)/1000*model.OutputRate
}

// --- Typed prompt variants ---
// Each wraps the base call with a constraining system prompt and parses the
// response, retrying once (tools removed) on parse failure.

// PromptForString runs a single prompt and returns the raw text reply.
func (c *LLMClient) PromptForString(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, prompt string) (string, error) {
	resp, err := c.Stream(ctx, principal, model, []entity.Message{
		{Role: entity.RoleUser, Content: prompt},
	}, CallOptions{SkipHistoricalContext: true, DisableReasoning: true, Function: "utility"}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// PromptForBoolean asks a yes/no question.
func (c *LLMClient) PromptForBoolean(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, prompt string) (bool, error) {
	ask := func() (string, error) {
		resp, err := c.Stream(ctx, principal, model, []entity.Message{
			{Role: entity.RoleSystem, Content: "Answer with exactly one word: yes or no."},
			{Role: entity.RoleUser, Content: prompt},
		}, CallOptions{SkipHistoricalContext: true, DisableReasoning: true, Function: "utility"}, nil)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		raw, err := ask()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(strings.Trim(raw, ".!\"'"))) {
		case "yes", "true":
			return true, nil
		case "no", "false":
			return false, nil
		}
	}
	return false, apperrors.New(apperrors.KindProvider, "model did not produce a yes/no answer")
}

// PromptForChoice asks the model to pick one of the given options.
func (c *LLMClient) PromptForChoice(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, prompt string, choices []string) (string, error) {
	system := "Answer with exactly one of the following options, nothing else: " + strings.Join(choices, ", ")

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.Stream(ctx, principal, model, []entity.Message{
			{Role: entity.RoleSystem, Content: system},
			{Role: entity.RoleUser, Content: prompt},
		}, CallOptions{SkipHistoricalContext: true, DisableReasoning: true, Function: "utility"}, nil)
		if err != nil {
			return "", err
		}
		answer := strings.TrimSpace(strings.Trim(resp.Content, ".\"'"))
		for _, choice := range choices {
			if strings.EqualFold(answer, choice) {
				return choice, nil
			}
		}
	}
	return "", apperrors.New(apperrors.KindProvider, "model did not pick a listed choice")
}

// PromptForJSON asks for a JSON document matching the schema and unmarshals
// it into out. Malformed output is repaired before parsing; a parse failure
// triggers one retry with tools removed.
func (c *LLMClient) PromptForJSON(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, prompt string, schema map[string]interface{}, out interface{}) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	system := "Respond with a single JSON document matching this JSON schema, with no surrounding prose or code fences:\n" + string(schemaJSON)

	opts := CallOptions{SkipHistoricalContext: true, DisableReasoning: true, Function: "utility"}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.Stream(ctx, principal, model, []entity.Message{
			{Role: entity.RoleSystem, Content: system},
			{Role: entity.RoleUser, Content: prompt},
		}, opts, nil)
		if err != nil {
			return err
		}

		raw := extractJSONCandidate(resp.Content)
		if err := json.Unmarshal([]byte(raw), out); err == nil {
			return nil
		}
		repaired, repErr := jsonrepair.JSONRepair(raw)
		if repErr == nil {
			if err := json.Unmarshal([]byte(repaired), out); err == nil {
				return nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = repErr
		}
		// Retry without tools in case the schema confused the model.
		opts.Tools = nil
		opts.ToolChoice = ""
	}
	return apperrors.Wrap(apperrors.KindProvider, "model did not produce valid JSON", lastErr)
}

// extractJSONCandidate strips code fences and surrounding prose from a
// model reply likely containing JSON.
func extractJSONCandidate(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if start := strings.IndexAny(s, "{["); start > 0 {
		return s[start:]
	}
	return s
}
