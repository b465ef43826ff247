package gemini

import (
	"bufio"
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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory(entity.ProviderGemini, func(ep llm.Endpoint, logger *zap.Logger) (llm.Adapter, error) {
		return New(ep, logger), nil
	})
}

// Adapter is the Google Gemini streaming client.
type Adapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Gemini adapter.
func New(ep llm.Endpoint, logger *zap.Logger) *Adapter {
	baseURL := strings.TrimRight(ep.URL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
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

	return &Adapter{
		baseURL: baseURL,
		apiKey:  ep.Credential,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", entity.ProviderGemini)),
	}
}

var _ llm.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return entity.ProviderGemini }

// Stream opens a streamGenerateContent SSE request and forwards canonical
// chunks on ch.
func (a *Adapter) Stream(ctx context.Context, req *llm.Request, ch chan<- llm.Chunk) (*llm.Response, error) {
	apiReq := a.buildRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", a.baseURL, req.Model.ID, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Gemini API error %d: %s", resp.StatusCode, string(respBody))
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	result, err := a.parseStream(ctx, resp.Body, ch)
	close(streamDone)
	return result, err
}

func (a *Adapter) buildRequest(req *llm.Request) *request {
	system, rest := llm.SplitSystem(llm.NormalizeMessages(req.Model, req.Messages))

	apiReq := &request{
		GenerationConfig: &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		},
	}
	if system != "" {
		apiReq.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	for _, msg := range rest {
		apiReq.Contents = append(apiReq.Contents, convertMessage(msg))
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			})
		}
		apiReq.Tools = []toolDecls{{FunctionDeclarations: decls}}
	}

	return apiReq
}

// convertMessage rewrites the canonical roles into Gemini's user/model
// dialect; tool results become functionResponse parts.
func convertMessage(msg entity.Message) content {
	switch {
	case msg.Role == entity.RoleTool:
		return content{
			Role: "user",
			Parts: []part{{
				FunctionResponse: &functionResponse{
					Name:     msg.Name,
					Response: map[string]interface{}{"content": msg.Content},
				},
			}},
		}
	case msg.Role == entity.RoleAssistant && len(msg.ToolCalls) > 0:
		var parts []part
		if text := msg.TextContent(); text != "" {
			parts = append(parts, part{Text: text})
		}
		for _, tc := range msg.ToolCalls {
			parts = append(parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: tc.Arguments}})
		}
		return content{Role: "model", Parts: parts}
	default:
		role := "user"
		if msg.Role == entity.RoleAssistant {
			role = "model"
		}
		var parts []part
		if len(msg.Parts) > 0 {
			for _, p := range msg.Parts {
				if p.Type == "image" {
					mime := p.MimeType
					if mime == "" {
						mime = "image/png"
					}
					parts = append(parts, part{InlineData: &inlineData{
						MimeType: mime,
						Data:     base64.StdEncoding.EncodeToString(p.Data),
					}})
					continue
				}
				parts = append(parts, part{Text: p.Text})
			}
		} else {
			parts = []part{{Text: msg.Content}}
		}
		return content{Role: role, Parts: parts}
	}
}

func (a *Adapter) parseStream(ctx context.Context, reader io.Reader, ch chan<- llm.Chunk) (*llm.Response, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	resp := &llm.Response{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			a.logger.Debug("Skip unparseable Gemini chunk", zap.Error(err))
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("Gemini stream error %s: %s", chunk.Error.Status, chunk.Error.Message)
		}
		if chunk.UsageMetadata != nil {
			resp.InputTokens = chunk.UsageMetadata.PromptTokenCount
			resp.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		cand := chunk.Candidates[0]
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				contentBuilder.WriteString(p.Text)
				select {
				case ch <- llm.Chunk{DeltaText: p.Text}:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if p.FunctionCall != nil {
				tc := entity.ToolCall{
					ID:        "call_" + uuid.NewString()[:8],
					Name:      p.FunctionCall.Name,
					Arguments: p.FunctionCall.Args,
				}
				resp.ToolCalls = append(resp.ToolCalls, tc)
				select {
				case ch <- llm.Chunk{DeltaToolCall: &tc}:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		if cand.FinishReason != "" {
			select {
			case ch <- llm.Chunk{FinishReason: cand.FinishReason}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("Gemini scan error: %w", err)
	}

	resp.Content = contentBuilder.String()
	return resp, nil
}
