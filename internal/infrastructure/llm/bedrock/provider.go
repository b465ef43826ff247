package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory(entity.ProviderBedrock, func(ep llm.Endpoint, logger *zap.Logger) (llm.Adapter, error) {
		return New(context.Background(), ep, logger)
	})
}

// Adapter streams Bedrock models over SigV4-signed response streams. The
// same adapter serves Anthropic models (messages payload) and the direct
// text-completion families.
type Adapter struct {
	client *bedrockruntime.Client
	logger *zap.Logger
}

// New creates a Bedrock adapter using the default AWS credential chain.
func New(ctx context.Context, ep llm.Endpoint, logger *zap.Logger) (*Adapter, error) {
	region := ep.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Adapter{
		client: bedrockruntime.NewFromConfig(cfg),
		logger: logger.With(zap.String("provider", entity.ProviderBedrock)),
	}, nil
}

var _ llm.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return entity.ProviderBedrock }

// Stream invokes the model with a response stream and forwards canonical
// chunks on ch.
func (a *Adapter) Stream(ctx context.Context, req *llm.Request, ch chan<- llm.Chunk) (*llm.Response, error) {
	var body []byte
	anthropic := strings.Contains(req.Model.ID, "anthropic")
	if anthropic {
		body = a.buildAnthropicBody(req)
	} else {
		body = a.buildDirectBody(req)
	}

	out, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(req.Model.ID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model stream: %w", err)
	}
	eventStream := out.GetStream()
	defer eventStream.Close()

	if anthropic {
		return a.readAnthropicStream(ctx, eventStream, ch)
	}
	return a.readDirectStream(ctx, eventStream, ch)
}

func (a *Adapter) buildAnthropicBody(req *llm.Request) []byte {
	system, rest := llm.SplitSystem(llm.NormalizeMessages(req.Model, req.Messages))

	apiReq := anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        req.MaxTokens,
		System:           system,
	}
	if apiReq.MaxTokens <= 0 {
		apiReq.MaxTokens = req.Model.OutputTokenLimit
	}
	if req.Temperature > 0 {
		t := req.Temperature
		apiReq.Temperature = &t
	}
	if req.TopP > 0 {
		p := req.TopP
		apiReq.TopP = &p
	}

	for _, msg := range rest {
		apiReq.Messages = append(apiReq.Messages, convertAnthropicMessage(msg))
	}

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, anthropicTool{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: td.Parameters,
		})
	}
	if len(apiReq.Tools) > 0 && req.ToolChoice == "auto" {
		apiReq.ToolChoice = map[string]interface{}{"type": "auto"}
	}

	return mustJSON(apiReq)
}

// convertAnthropicMessage rewrites role "tool" into a user tool_result block
// and assistant tool_calls into tool_use blocks, per the messages API shape.
func convertAnthropicMessage(msg entity.Message) anthropicMessage {
	switch {
	case msg.Role == entity.RoleTool:
		return anthropicMessage{
			Role: entity.RoleUser,
			Content: []anthropicContent{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			}},
		}
	case msg.Role == entity.RoleAssistant && len(msg.ToolCalls) > 0:
		var content []anthropicContent
		if text := msg.TextContent(); text != "" {
			content = append(content, anthropicContent{Type: "text", Text: text})
		}
		for _, tc := range msg.ToolCalls {
			input := tc.Arguments
			if input == nil {
				input = map[string]interface{}{}
			}
			content = append(content, anthropicContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		return anthropicMessage{Role: entity.RoleAssistant, Content: content}
	default:
		var content []anthropicContent
		if len(msg.Parts) > 0 {
			for _, p := range msg.Parts {
				if p.Type == "image" {
					mime := p.MimeType
					if mime == "" {
						mime = "image/png"
					}
					content = append(content, anthropicContent{
						Type: "image",
						Source: &anthropicImageSource{
							Type:      "base64",
							MediaType: mime,
							Data:      base64.StdEncoding.EncodeToString(p.Data),
						},
					})
					continue
				}
				content = append(content, anthropicContent{Type: "text", Text: p.Text})
			}
		} else {
			content = []anthropicContent{{Type: "text", Text: msg.Content}}
		}
		return anthropicMessage{Role: msg.Role, Content: content}
	}
}

func (a *Adapter) readAnthropicStream(ctx context.Context, stream *bedrockruntime.InvokeModelWithResponseStreamEventStream, ch chan<- llm.Chunk) (*llm.Response, error) {
	var contentBuilder strings.Builder
	resp := &llm.Response{}

	// Tool-use blocks stream their input as partial JSON per block index.
	type toolAcc struct {
		id, name string
		args     strings.Builder
	}
	toolBlocks := make(map[int]*toolAcc)

	for event := range stream.Events() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		chunk, ok := event.(*brtypes.ResponseStreamMemberChunk)
		if !ok {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
			a.logger.Debug("Skip unparseable bedrock chunk", zap.Error(err))
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				resp.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				toolBlocks[ev.Index] = &toolAcc{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					contentBuilder.WriteString(ev.Delta.Text)
					select {
					case ch <- llm.Chunk{DeltaText: ev.Delta.Text}:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
			case "input_json_delta":
				if acc, ok := toolBlocks[ev.Index]; ok {
					acc.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Usage != nil {
				resp.OutputTokens = ev.Usage.OutputTokens
			}
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				select {
				case ch <- llm.Chunk{FinishReason: ev.Delta.StopReason}:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		case "error":
			if ev.Error != nil {
				return nil, fmt.Errorf("bedrock stream error %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("bedrock response stream: %w", err)
	}

	resp.Content = contentBuilder.String()
	indexes := make([]int, 0, len(toolBlocks))
	for i := range toolBlocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		acc := toolBlocks[i]
		var args map[string]interface{}
		if s := acc.args.String(); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				a.logger.Warn("Failed to parse streamed tool input",
					zap.String("tool", acc.name),
					zap.Error(err),
				)
				continue
			}
		}
		tc := entity.ToolCall{ID: acc.id, Name: acc.name, Arguments: args}
		resp.ToolCalls = append(resp.ToolCalls, tc)
		select {
		case ch <- llm.Chunk{DeltaToolCall: &tc}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, nil
}

func (a *Adapter) buildDirectBody(req *llm.Request) []byte {
	// Direct models take a flat prompt; roles become labeled sections.
	var b strings.Builder
	for _, msg := range llm.NormalizeMessages(req.Model, req.Messages) {
		role := msg.Role
		if role == "" {
			role = entity.RoleUser
		}
		b.WriteString(strings.ToUpper(role[:1]) + role[1:] + ": ")
		b.WriteString(msg.TextContent())
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant: ")

	apiReq := directRequest{
		Prompt:    b.String(),
		MaxGenLen: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		apiReq.Temperature = &t
	}
	if req.TopP > 0 {
		p := req.TopP
		apiReq.TopP = &p
	}
	return mustJSON(apiReq)
}

func (a *Adapter) readDirectStream(ctx context.Context, stream *bedrockruntime.InvokeModelWithResponseStreamEventStream, ch chan<- llm.Chunk) (*llm.Response, error) {
	var contentBuilder strings.Builder
	resp := &llm.Response{}

	for event := range stream.Events() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		chunk, ok := event.(*brtypes.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var c directChunk
		if err := json.Unmarshal(chunk.Value.Bytes, &c); err != nil {
			a.logger.Debug("Skip unparseable bedrock chunk", zap.Error(err))
			continue
		}
		if c.PromptTokenCount > 0 {
			resp.InputTokens = c.PromptTokenCount
		}
		if c.GenerationTokenCount > 0 {
			resp.OutputTokens = c.GenerationTokenCount
		}
		if text := c.text(); text != "" {
			contentBuilder.WriteString(text)
			select {
			case ch <- llm.Chunk{DeltaText: text}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("bedrock response stream: %w", err)
	}

	resp.Content = contentBuilder.String()
	return resp, nil
}
