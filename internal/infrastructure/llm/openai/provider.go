package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory(entity.ProviderOpenAI, func(ep llm.Endpoint, logger *zap.Logger) (llm.Adapter, error) {
		return New(ep, false, logger), nil
	})
	llm.RegisterFactory(entity.ProviderAzure, func(ep llm.Endpoint, logger *zap.Logger) (llm.Adapter, error) {
		return New(ep, true, logger), nil
	})
}

// Adapter is the OpenAI-family streaming client. It serves plain OpenAI and
// Azure OpenAI deployments, selecting between the chat/completions and
// responses endpoints per request.
type Adapter struct {
	baseURL      string
	credential   string
	azure        bool
	apiVersion   string
	useResponses bool
	client       *http.Client
	logger       *zap.Logger
}

// New creates an OpenAI-family adapter. azure switches auth to the
// `api-key` header and appends the api-version query parameter.
func New(ep llm.Endpoint, azure bool, logger *zap.Logger) *Adapter {
	baseURL := strings.TrimRight(ep.URL, "/")
	if baseURL == "" && !azure {
		baseURL = "https://api.openai.com/v1"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	name := entity.ProviderOpenAI
	if azure {
		name = entity.ProviderAzure
	}

	return &Adapter{
		baseURL:      baseURL,
		credential:   ep.Credential,
		azure:        azure,
		apiVersion:   ep.APIVersion,
		useResponses: ep.UseResponsesAPI,
		client:       &http.Client{Transport: transport},
		logger:       logger.With(zap.String("provider", name)),
	}
}

var _ llm.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string {
	if a.azure {
		return entity.ProviderAzure
	}
	return entity.ProviderOpenAI
}

// Stream opens a streaming request and forwards canonical chunks on ch.
// The responses endpoint must not carry function calls, so any request with
// tools is forced onto chat/completions.
func (a *Adapter) Stream(ctx context.Context, req *llm.Request, ch chan<- llm.Chunk) (*llm.Response, error) {
	if a.useResponses && len(req.Tools) == 0 {
		return a.streamResponses(ctx, req, ch)
	}
	return a.streamChat(ctx, req, ch)
}

func (a *Adapter) streamChat(ctx context.Context, req *llm.Request, ch chan<- llm.Chunk) (*llm.Response, error) {
	apiReq := a.buildChatRequest(req)
	apiReq.Stream = true
	apiReq.StreamOptions = &StreamOptions{IncludeUsage: true}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, a.endpointURL("/chat/completions"), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	return a.parseWithWatchdog(ctx, resp, func(c context.Context, r io.Reader) (*llm.Response, error) {
		return parseChatStream(c, r, ch, a.logger)
	})
}

func (a *Adapter) streamResponses(ctx context.Context, req *llm.Request, ch chan<- llm.Chunk) (*llm.Response, error) {
	apiReq := a.buildResponsesRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, a.endpointURL("/responses"), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	return a.parseWithWatchdog(ctx, resp, func(c context.Context, r io.Reader) (*llm.Response, error) {
		return parseResponsesStream(c, r, ch, a.logger)
	})
}

// parseWithWatchdog runs the stream parser with a body-close watchdog so
// context cancellation unblocks a stalled read.
func (a *Adapter) parseWithWatchdog(ctx context.Context, resp *http.Response, parse func(context.Context, io.Reader) (*llm.Response, error)) (*llm.Response, error) {
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.logger.Info("Context cancelled, force-closing SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	result, err := parse(ctx, resp.Body)
	close(streamDone)
	return result, err
}

func (a *Adapter) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.azure {
		httpReq.Header.Set("api-key", a.credential)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+a.credential)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}

func (a *Adapter) endpointURL(path string) string {
	url := a.baseURL + path
	if a.azure && a.apiVersion != "" {
		url += "?api-version=" + a.apiVersion
	}
	return url
}

func (a *Adapter) buildChatRequest(req *llm.Request) *Request {
	apiReq := &Request{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	// Azure routes by deployment, not by model field.
	if !a.azure {
		apiReq.Model = req.Model.ID
	}

	for _, msg := range llm.NormalizeMessages(req.Model, req.Messages) {
		apiReq.Messages = append(apiReq.Messages, a.convertMessage(msg))
	}

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  ConvertSchema(td.Parameters),
			},
		})
	}
	if len(apiReq.Tools) > 0 && req.ToolChoice != "" {
		apiReq.ToolChoice = req.ToolChoice
	}

	// Reasoning params never travel alongside custom tools.
	if req.Model.SupportsReasoning && len(req.Tools) == 0 && !req.DisableReasoning {
		apiReq.ReasoningEffort = reasoningLevel(req.ReasoningLevel)
	}

	return apiReq
}

func (a *Adapter) buildResponsesRequest(req *llm.Request) *ResponsesRequest {
	apiReq := &ResponsesRequest{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		Stream:          true,
	}
	if !a.azure {
		apiReq.Model = req.Model.ID
	}

	for _, msg := range llm.NormalizeMessages(req.Model, req.Messages) {
		apiReq.Input = append(apiReq.Input, ResponsesInput{
			Role:    msg.Role,
			Content: msg.TextContent(),
		})
	}

	if req.Model.SupportsReasoning && !req.DisableReasoning {
		apiReq.Reasoning = &ResponsesReasoning{
			Effort:  reasoningLevel(req.ReasoningLevel),
			Summary: "auto",
		}
	}
	return apiReq
}

func (a *Adapter) convertMessage(msg entity.Message) Message {
	apiMsg := Message{
		Role:       msg.Role,
		ToolCallID: msg.ToolCallID,
		Name:       msg.Name,
	}

	if len(msg.Parts) > 0 {
		var parts []ContentPart
		for _, p := range msg.Parts {
			switch p.Type {
			case "image":
				parts = append(parts, ContentPart{
					Type:     "image_url",
					ImageURL: &ImageURL{URL: dataURL(p)},
				})
			default:
				parts = append(parts, ContentPart{Type: "text", Text: p.Text})
			}
		}
		apiMsg.Content = parts
	} else {
		apiMsg.Content = msg.Content
	}

	for _, tc := range msg.ToolCalls {
		apiMsg.ToolCalls = append(apiMsg.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: ToolCallFunc{
				Name:      tc.Name,
				Arguments: MarshalToolCallArgs(tc.Arguments),
			},
		})
	}
	return apiMsg
}

func dataURL(p entity.ContentPart) string {
	if p.MediaURL != "" && len(p.Data) == 0 {
		return p.MediaURL
	}
	mime := p.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

func reasoningLevel(level string) string {
	switch level {
	case "low", "medium", "high":
		return level
	default:
		return "low"
	}
}
