package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/repository"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/service"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/stream"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/mcp"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/monitoring"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/tokenizer"
	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

// --- Ingress wire format ---

type inboundEvent struct {
	Messages     []inboundMessage  `json:"messages"`
	DataSources  []inboundSource   `json:"dataSources"`
	ImageSources []inboundSource   `json:"imageSources"`
	Options      *inboundOptions   `json:"options"`
	Workflow     json.RawMessage   `json:"workflow"`
	KillSwitch   *killSwitchBody   `json:"killSwitch"`
	DataSourceRq *dataSourceLookup `json:"dataSourceRequest"`
}

type inboundMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type inboundSource struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Metadata map[string]interface{} `json:"metadata"`
	GroupID  string                 `json:"groupId"`
	AST      string                 `json:"ast"`
}

type inboundModel struct {
	ID string `json:"id"`
}

type inboundOptions struct {
	Model           *inboundModel `json:"model"`
	RequestID       string        `json:"requestId"`
	ConversationID  string        `json:"conversationId"`
	AssistantID     string        `json:"assistantId"`
	AccountID       string        `json:"accountId"`
	MaxTokens       int           `json:"max_tokens"`
	Temperature     float64       `json:"temperature"`
	TopP            float64       `json:"top_p"`
	ReasoningLevel  string        `json:"reasoningLevel"`
	EnableWebSearch bool          `json:"enableWebSearch"`
	RateLimit       *inboundLimit `json:"rateLimit"`
	SkipRAG         bool          `json:"skipRag"`
	RAGOnly         bool          `json:"ragOnly"`
	MCPClientSide   bool          `json:"mcpClientSide"`
}

type inboundLimit struct {
	Period string  `json:"period"`
	Rate   float64 `json:"rate"`
}

type killSwitchBody struct {
	RequestID string `json:"requestId"`
	Value     bool   `json:"value"`
}

type dataSourceLookup struct {
	DataSources []inboundSource `json:"dataSources"`
}

// ChatHandler is the gateway entrypoint: parse, admit, resolve, route,
// stream.
type ChatHandler struct {
	registry *service.ModelRegistry
	limiter  *service.RateLimiter
	tracker  *service.RequestTracker
	resolver *service.DataSourceResolver
	router   *service.AssistantRouter
	counter  *tokenizer.Counter
	usage    repository.UsageStore
	rates    repository.ModelRateStore
	mcps     service.MCPServerProvider
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	extractionTimeout time.Duration
	routingTimeout    time.Duration
}

// NewChatHandler creates the handler.
func NewChatHandler(
	registry *service.ModelRegistry,
	limiter *service.RateLimiter,
	tracker *service.RequestTracker,
	resolver *service.DataSourceResolver,
	router *service.AssistantRouter,
	counter *tokenizer.Counter,
	usage repository.UsageStore,
	rates repository.ModelRateStore,
	mcps service.MCPServerProvider,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	extractionTimeout, routingTimeout time.Duration,
) *ChatHandler {
	if extractionTimeout <= 0 {
		extractionTimeout = 30 * time.Second
	}
	if routingTimeout <= 0 {
		routingTimeout = 180 * time.Second
	}
	return &ChatHandler{
		registry:          registry,
		limiter:           limiter,
		tracker:           tracker,
		resolver:          resolver,
		router:            router,
		counter:           counter,
		usage:             usage,
		rates:             rates,
		mcps:              mcps,
		metrics:           metrics,
		logger:            logger,
		extractionTimeout: extractionTimeout,
		routingTimeout:    routingTimeout,
	}
}

// principalFrom builds the request principal from the bearer token and the
// verified identity headers set by the authenticating proxy.
func principalFrom(c *gin.Context) *entity.Principal {
	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		token = ""
	}
	return &entity.Principal{
		UserID:      c.GetHeader("X-User-Id"),
		AccessToken: token,
		APIKeyID:    c.GetHeader("X-Api-Key-Id"),
		AccountID:   c.GetHeader("X-Account-Id"),
	}
}

// Chat handles the streaming chat endpoint, including the kill-switch and
// data-source-lookup control branches.
func (h *ChatHandler) Chat(c *gin.Context) {
	started := time.Now()

	extractCtx, cancelExtract := context.WithTimeout(c.Request.Context(), h.extractionTimeout)
	defer cancelExtract()

	event, err := h.extract(extractCtx, c)
	if err != nil {
		if errors.Is(extractCtx.Err(), context.DeadlineExceeded) {
			h.logger.Error("Request extraction timed out",
				zap.Bool("critical", true),
				zap.Duration("elapsed", time.Since(started)),
			)
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request extraction timed out"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal := principalFrom(c)
	if !principal.Valid() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid principal"})
		return
	}

	// Control branch: kill switch.
	if event.KillSwitch != nil {
		h.tracker.SetKillSwitch(principal.UserID, event.KillSwitch.RequestID, event.KillSwitch.Value)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	// Control branch: data source resolution lookup.
	if event.DataSourceRq != nil {
		h.handleDataSourceLookup(c, principal, event.DataSourceRq)
		return
	}

	if len(event.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages are required"})
		return
	}

	req := toChatRequest(event)
	if principal.AccountID == "" {
		principal.AccountID = req.Options.AccountID
	}

	// Admission control runs before any LLM cost is incurred.
	if err := h.limiter.Check(c.Request.Context(), principal, req.Options.RateLimit); err != nil {
		h.rejectWithError(c, err)
		return
	}

	resolution := h.registry.ResolveAlias(req.Options.ModelID)
	model, ok := h.registry.Model(resolution.ResolvedID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown model %q", resolution.ResolvedID)})
		return
	}

	resolved, err := h.resolver.Resolve(c.Request.Context(), principal, req.DataSources, nil)
	if err != nil {
		h.rejectWithError(c, err)
		return
	}

	if req.Options.RequestID == "" {
		req.Options.RequestID = uuid.NewString()
	}
	if err := h.tracker.Create(principal.UserID, req.Options.RequestID); err != nil {
		h.rejectWithError(c, err)
		return
	}
	defer h.tracker.Finalize(principal.UserID, req.Options.RequestID)

	h.metrics.ActiveRequests.Inc()
	defer h.metrics.ActiveRequests.Dec()

	h.serveStream(c, started, principal, model, req, resolved)
}

func (h *ChatHandler) extract(ctx context.Context, c *gin.Context) (*inboundEvent, error) {
	type result struct {
		event *inboundEvent
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var event inboundEvent
		if err := c.ShouldBindJSON(&event); err != nil {
			done <- result{nil, fmt.Errorf("invalid request body: %w", err)}
			return
		}
		done <- result{&event, nil}
	}()

	select {
	case r := <-done:
		return r.event, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *ChatHandler) serveStream(c *gin.Context, started time.Time, principal *entity.Principal, model *entity.ModelDescriptor, req *entity.ChatRequest, resolved *service.ResolvedSources) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.routingTimeout)
	defer cancel()

	// Context enrichment: retrieval and images, before the stream opens.
	if !req.Options.SkipRAG {
		enriched, err := h.resolver.AttachRAG(ctx, principal, model, req.Messages, resolved, req.Options.RAGOnly)
		if err != nil {
			h.logger.Warn("RAG enrichment failed, continuing without retrieval", zap.Error(err))
		} else {
			req.Messages = enriched
		}
	}
	req.Messages = h.resolver.AttachImages(ctx, principal, model, req.Messages, req.ImageSources, 5)

	var mcpServers []mcp.ServerConfig
	if h.mcps != nil {
		servers, err := h.mcps.ServersFor(ctx, principal)
		if err != nil {
			h.logger.Warn("MCP registry lookup failed", zap.Error(err))
		} else {
			mcpServers = servers
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sink := stream.NewSSEWriter(c.Writer)
	recorder := stream.NewRecorder(sink)
	mux := stream.NewMultiplexer(recorder)

	tokensIn := h.counter.CountMessageTokens(req.Messages)

	params := &service.StrategyParams{
		Principal:  principal,
		Model:      model,
		Request:    req,
		Resolved:   resolved,
		MCPServers: mcpServers,
		Options: service.CallOptions{
			MaxTokens:             req.Options.MaxTokens,
			Temperature:           req.Options.Temperature,
			TopP:                  req.Options.TopP,
			ReasoningLevel:        req.Options.ReasoningLevel,
			ConversationID:        req.Options.ConversationID,
			SmartMessagesFiltered: false,
		},
	}

	strategy := h.router.Select(params)
	result, err := h.router.Route(ctx, params, mux)

	status := "ok"
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = "timeout"
		h.logger.Error("Request routing timed out",
			zap.Bool("critical", true),
			zap.String("request_id", req.Options.RequestID),
			zap.Duration("elapsed", time.Since(started)),
		)
		_ = sink.Write(ctx, stream.Error{StatusCode: http.StatusRequestTimeout, StatusText: "request timed out"})
	case err != nil:
		status = "error"
		h.logger.Error("Request failed",
			zap.String("request_id", req.Options.RequestID),
			zap.Error(err),
		)
		_ = sink.Write(context.Background(), stream.Error{
			StatusCode: apperrors.HTTPStatusOf(err),
			StatusText: err.Error(),
		})
	case result != nil && result.Status >= 400:
		status = "error"
	}

	tokensOut := h.counter.CountTokens(recorder.Text())
	h.recordUsage(principal, model, req, strategy, tokensIn, tokensOut, started, status)
}

// recordUsage persists the usage line item, accumulates spend, and updates
// the Prometheus instruments. Output tokens are counted from the text that
// actually streamed to the client.
func (h *ChatHandler) recordUsage(principal *entity.Principal, model *entity.ModelDescriptor, req *entity.ChatRequest, strategy string, tokensIn, tokensOut int, started time.Time, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inRate, outRate := model.InputRate, model.OutputRate
	if h.rates != nil {
		if in, out, err := h.rates.Rates(ctx, model.ID); err == nil && (in > 0 || out > 0) {
			inRate, outRate = in, out
		}
	}
	cost := float64(tokensIn)/1000*inRate + float64(tokensOut)/1000*outRate

	if err := h.limiter.RecordSpend(ctx, principal.UserID, principal.AccountID, cost); err != nil {
		h.logger.Warn("Failed to record spend", zap.Error(err))
	}
	if h.usage != nil {
		err := h.usage.Record(ctx, &entity.UsageEntry{
			UserID:       principal.UserID,
			AccountID:    principal.AccountID,
			RequestID:    req.Options.RequestID,
			ModelID:      model.ID,
			InputTokens:  tokensIn,
			OutputTokens: tokensOut,
			Cost:         cost,
		})
		if err != nil {
			h.logger.Warn("Failed to record usage", zap.Error(err))
		}
	}

	h.metrics.RequestsTotal.WithLabelValues(status).Inc()
	h.metrics.RequestDuration.WithLabelValues(strategy).Observe(time.Since(started).Seconds())
	h.metrics.TokensUsed.WithLabelValues(model.ID, "input").Add(float64(tokensIn))
	h.metrics.TokensUsed.WithLabelValues(model.ID, "output").Add(float64(tokensOut))
}

func (h *ChatHandler) handleDataSourceLookup(c *gin.Context, principal *entity.Principal, lookup *dataSourceLookup) {
	sources := make([]entity.DataSource, 0, len(lookup.DataSources))
	for _, s := range lookup.DataSources {
		sources = append(sources, toDataSource(s))
	}
	resolved, err := h.resolver.Resolve(c.Request.Context(), principal, sources, nil)
	if err != nil {
		h.rejectWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"text":   resolved.Text,
		"images": resolved.Images,
		"group":  resolved.Group,
		"ast":    resolved.AST,
	})
}

// rejectWithError maps an AppError onto the HTTP response, including the
// structured rate-limit body.
func (h *ChatHandler) rejectWithError(c *gin.Context, err error) {
	status := apperrors.HTTPStatusOf(err)
	body := gin.H{"error": err.Error()}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Details != nil {
		for k, v := range appErr.Details {
			body[k] = v
		}
		if lt, ok := appErr.Details["limit_type"].(string); ok {
			h.metrics.RateLimitRejects.WithLabelValues(lt).Inc()
		}
	}
	c.JSON(status, body)
}

// --- wire → domain mapping ---

func toChatRequest(event *inboundEvent) *entity.ChatRequest {
	req := &entity.ChatRequest{Workflow: event.Workflow}
	for _, m := range event.Messages {
		req.Messages = append(req.Messages, toMessage(m))
	}
	for _, s := range event.DataSources {
		req.DataSources = append(req.DataSources, toDataSource(s))
	}
	for _, s := range event.ImageSources {
		req.ImageSources = append(req.ImageSources, toDataSource(s))
	}
	if o := event.Options; o != nil {
		req.Options = entity.ChatOptions{
			RequestID:       o.RequestID,
			ConversationID:  o.ConversationID,
			AssistantID:     o.AssistantID,
			AccountID:       o.AccountID,
			MaxTokens:       o.MaxTokens,
			Temperature:     o.Temperature,
			TopP:            o.TopP,
			ReasoningLevel:  o.ReasoningLevel,
			EnableWebSearch: o.EnableWebSearch,
			SkipRAG:         o.SkipRAG,
			RAGOnly:         o.RAGOnly,
			MCPClientSide:   o.MCPClientSide,
		}
		if o.Model != nil {
			req.Options.ModelID = o.Model.ID
		}
		if o.RateLimit != nil {
			req.Options.RateLimit = &entity.Limit{
				Period: o.RateLimit.Period,
				Rate:   o.RateLimit.Rate,
				Type:   entity.LimitTypeUser,
			}
		}
	}
	return req
}

func toMessage(m inboundMessage) entity.Message {
	msg := entity.Message{Role: m.Role}
	switch content := m.Content.(type) {
	case string:
		msg.Content = content
	case []interface{}:
		for _, p := range content {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			cp := entity.ContentPart{}
			if t, ok := part["type"].(string); ok {
				cp.Type = t
			}
			if t, ok := part["text"].(string); ok {
				cp.Text = t
			}
			if u, ok := part["image_url"].(string); ok {
				cp.MediaURL = u
				cp.Type = "image"
			}
			msg.Parts = append(msg.Parts, cp)
		}
	}
	return msg
}

func toDataSource(s inboundSource) entity.DataSource {
	return entity.DataSource{
		ID:       s.ID,
		Type:     s.Type,
		Metadata: s.Metadata,
		GroupID:  s.GroupID,
		AST:      s.AST,
	}
}
