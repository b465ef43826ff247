package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm"
)

// ToolCallAccumulator accumulates tool call fragments across SSE chunks.
type ToolCallAccumulator struct {
	ID          string
	Name        string
	ArgsBuilder strings.Builder
}

// parseChatStream reads a chat/completions text/event-stream response,
// forwarding deltas and accumulating the final response.
//
// Termination protection:
//
//	L1: break on finish_reason (some gateways never send [DONE])
//	L2: 60s read idle timeout (detect stale connections)
//	L3: per-call context deadline owned by the caller
func parseChatStream(ctx context.Context, reader io.Reader, ch chan<- llm.Chunk, logger *zap.Logger) (*llm.Response, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	toolCallMap := make(map[int]*ToolCallAccumulator)
	var modelUsed, finishReason string
	var tokensIn, tokensOut int

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
		if data == "[DONE]" {
			break
		}

		var chunk StreamChunkData
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("Skip unparseable SSE chunk", zap.Error(err))
			continue
		}

		if chunk.Model != "" {
			modelUsed = chunk.Model
		}
		if chunk.Usage != nil {
			if n := chunk.Usage.In(); n > 0 {
				tokensIn = n
			}
			if n := chunk.Usage.Out(); n > 0 {
				tokensOut = n
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			finishReason = *choice.FinishReason
		}

		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			select {
			case ch <- llm.Chunk{DeltaText: choice.Delta.Content}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := toolCallMap[tc.Index]
			if !ok {
				acc = &ToolCallAccumulator{ID: tc.ID, Name: tc.Function.Name}
				toolCallMap[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.ArgsBuilder.WriteString(tc.Function.Arguments)
		}

		if finishReason != "" {
			select {
			case ch <- llm.Chunk{FinishReason: finishReason}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			logger.Warn("SSE stream idle timeout — API stalled",
				zap.Duration("idle_timeout", idleTimeout),
			)
			if contentBuilder.Len() == 0 && len(toolCallMap) == 0 {
				return nil, fmt.Errorf("SSE stream stalled: no data for %v", idleTimeout)
			}
		} else {
			return nil, fmt.Errorf("SSE scan error: %w", err)
		}
	}

	resp := &llm.Response{
		Content:      contentBuilder.String(),
		ModelUsed:    modelUsed,
		InputTokens:  tokensIn,
		OutputTokens: tokensOut,
	}

	for i := 0; i < len(toolCallMap); i++ {
		acc, ok := toolCallMap[i]
		if !ok {
			continue
		}
		var args map[string]interface{}
		if argsStr := acc.ArgsBuilder.String(); argsStr != "" {
			if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
				logger.Warn("Failed to parse streamed tool call args",
					zap.String("tool", acc.Name),
					zap.Error(err),
				)
				continue
			}
		}
		tc := entity.ToolCall{ID: acc.ID, Name: acc.Name, Arguments: args}
		resp.ToolCalls = append(resp.ToolCalls, tc)
		select {
		case ch <- llm.Chunk{DeltaToolCall: &tc}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return resp, nil
}

// parseResponsesStream reads a responses-endpoint event stream. Tools never
// travel on this endpoint, so only text deltas and usage are handled.
func parseResponsesStream(ctx context.Context, reader io.Reader, ch chan<- llm.Chunk, logger *zap.Logger) (*llm.Response, error) {
	tReader := &timedReader{r: reader, timeout: 60 * time.Second}
	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var modelUsed string
	var tokensIn, tokensOut int

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
		if data == "[DONE]" {
			break
		}

		var ev ResponsesStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logger.Debug("Skip unparseable responses event", zap.Error(err))
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" {
				contentBuilder.WriteString(ev.Delta)
				select {
				case ch <- llm.Chunk{DeltaText: ev.Delta}:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		case "response.completed":
			if ev.Response != nil {
				modelUsed = ev.Response.Model
				if ev.Response.Usage != nil {
					tokensIn = ev.Response.Usage.In()
					tokensOut = ev.Response.Usage.Out()
				}
			}
		case "response.failed", "error":
			return nil, fmt.Errorf("responses stream reported failure: %s", data)
		}
	}

	if err := scanner.Err(); err != nil && !isIdleTimeoutErr(err) {
		return nil, fmt.Errorf("responses scan error: %w", err)
	}

	return &llm.Response{
		Content:      contentBuilder.String(),
		ModelUsed:    modelUsed,
		InputTokens:  tokensIn,
		OutputTokens: tokensOut,
	}, nil
}

// --- SSE idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}
