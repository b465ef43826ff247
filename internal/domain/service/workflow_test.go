package service

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/stream"
)

func TestWorkflowExecutor_KillSwitchStopsBeforeFirstStep(t *testing.T) {
	tracker := NewRequestTracker()
	tracker.Create("alice", "r1")
	tracker.SetKillSwitch("alice", "r1", true)

	w := NewWorkflowExecutor(nil, nil, tracker, zap.NewNop())
	mux := stream.NewMultiplexer(stream.NewCollector(nil))

	wf := &Workflow{Steps: []WorkflowStep{{Kind: StepPrompt, Body: "never runs"}}}
	result, err := w.Run(context.Background(), principal("alice"), nil, "r1", wf, nil, mux)
	if err != nil {
		t.Fatalf("killed workflow should stop cleanly: %v", err)
	}
	if result != nil {
		t.Fatalf("killed workflow should produce no result, got %+v", result)
	}
}

func TestWorkflowExecutor_UnknownInputWithoutFetcherFails(t *testing.T) {
	tracker := NewRequestTracker()
	tracker.Create("alice", "r1")

	w := NewWorkflowExecutor(nil, nil, tracker, zap.NewNop())
	mux := stream.NewMultiplexer(stream.NewCollector(nil))

	wf := &Workflow{Steps: []WorkflowStep{
		{Kind: StepPrompt, Input: []string{"nonexistent"}, Body: "x"},
	}}
	result, err := w.Run(context.Background(), principal("alice"), nil, "r1", wf, nil, mux)
	if err != nil {
		t.Fatalf("step failures surface as a result, not an error: %v", err)
	}
	if result == nil || result.Status != 500 {
		t.Fatalf("expected step failure result, got %+v", result)
	}
	if result.Body["step_index"] != 0 {
		t.Fatalf("failure should name the step, got %v", result.Body["step_index"])
	}
}

func TestFlattenSlotValue(t *testing.T) {
	if got := flattenSlotValue("one"); len(got) != 1 || got[0] != "one" {
		t.Fatalf("string: %v", got)
	}
	if got := flattenSlotValue([]string{"a", "b"}); len(got) != 2 {
		t.Fatalf("string list: %v", got)
	}
	if got := flattenSlotValue([]interface{}{"a", 2}); len(got) != 2 || got[1] != "2" {
		t.Fatalf("mixed list: %v", got)
	}
}

func TestRenderSlotValue(t *testing.T) {
	if got := renderSlotValue("text"); got != "text" {
		t.Fatalf("string: %q", got)
	}
	if got := renderSlotValue([]string{"a", "b"}); got != "a\n\nb" {
		t.Fatalf("list: %q", got)
	}
	if got := renderSlotValue(map[string]interface{}{"k": "v"}); got != `{"k":"v"}` {
		t.Fatalf("map: %q", got)
	}
}

func TestToolLoop_HasMCPCalls(t *testing.T) {
	if hasMCPCalls([]entity.ToolCall{{Name: "web_search"}}) {
		t.Fatal("web_search is not an MCP call")
	}
	if !hasMCPCalls([]entity.ToolCall{{Name: "web_search"}, {Name: "mcp_list_files"}}) {
		t.Fatal("mcp_-prefixed call should be detected")
	}
}
