package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

// ToolDefinition is a function exposed to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is the canonical request handed to a provider adapter. Adapters
// translate it to their vendor wire format; internal-only options never
// reach this struct.
type Request struct {
	Model            *entity.ModelDescriptor
	Messages         []entity.Message
	MaxTokens        int
	Temperature      float64
	TopP             float64
	Tools            []ToolDefinition
	ToolChoice       string // "auto", "none", or a tool name
	ReasoningLevel   string // "low" | "medium" | "high"; defaults to "low"
	DisableReasoning bool
}

// Chunk is one streamed delta from an adapter.
type Chunk struct {
	DeltaText     string
	DeltaToolCall *entity.ToolCall
	FinishReason  string
}

// Response is the accumulated terminal result of one provider call.
type Response struct {
	Content      string
	ToolCalls    []entity.ToolCall
	ModelUsed    string
	InputTokens  int
	OutputTokens int
}

// Adapter is one provider wire-format translator. Stream opens a streaming
// connection, forwards deltas on ch, and returns the accumulated response.
// The channel is never closed by the adapter; the caller owns it.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, req *Request, ch chan<- Chunk) (*Response, error)
}

// Endpoint is a resolved upstream endpoint for one provider family.
type Endpoint struct {
	URL             string `mapstructure:"url"`
	Credential      string `mapstructure:"credential"`
	Region          string `mapstructure:"region"`
	APIVersion      string `mapstructure:"api_version"`
	UseResponsesAPI bool   `mapstructure:"use_responses_api"`
}

// --- Adapter factory registry ---
// Adapters register themselves via init() in their own package.

// AdapterFactory creates an Adapter from an endpoint.
type AdapterFactory func(ep Endpoint, logger *zap.Logger) (Adapter, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]AdapterFactory{}
)

// RegisterFactory registers an adapter factory for the given provider name.
// Called from init() in each adapter sub-package.
func RegisterFactory(provider string, factory AdapterFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[provider] = factory
}

// CreateAdapter creates an Adapter using the registered factory.
func CreateAdapter(provider string, ep Endpoint, logger *zap.Logger) (Adapter, error) {
	factoryMu.RLock()
	factory, ok := factories[provider]
	factoryMu.RUnlock()
	if !ok {
		available := make([]string, 0, len(factories))
		factoryMu.RLock()
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider %q (available: %v)", provider, available)
	}
	return factory(ep, logger)
}

// StreamWithToolRetry runs one streaming attempt; when the first attempt
// fails and tools were attached, it retries once with tools removed. Any
// failure is recorded with the sanitized request (messages elided).
func StreamWithToolRetry(ctx context.Context, a Adapter, req *Request, ch chan<- Chunk, logger *zap.Logger) (*Response, error) {
	resp, err := a.Stream(ctx, req, ch)
	if err == nil {
		return resp, nil
	}

	logger.Error("Provider stream failed",
		zap.Bool("critical", true),
		zap.String("provider", a.Name()),
		zap.String("model", req.Model.ID),
		zap.Int("message_count", len(req.Messages)),
		zap.Int("tool_count", len(req.Tools)),
		zap.Error(err),
	)

	if len(req.Tools) == 0 {
		return nil, err
	}

	retry := *req
	retry.Tools = nil
	retry.ToolChoice = ""
	logger.Warn("Retrying provider stream with tools removed",
		zap.String("provider", a.Name()),
		zap.String("model", req.Model.ID),
	)
	return a.Stream(ctx, &retry, ch)
}
