package service

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/search"
)

func TestToolLoop_KillSwitchStopsLoop(t *testing.T) {
	tracker := NewRequestTracker()
	if err := tracker.Create("alice", "req-1"); err != nil {
		t.Fatal(err)
	}
	tracker.SetKillSwitch("alice", "req-1", true)

	loop := NewToolLoop(nil, nil, nil, tracker, zap.NewNop())
	res, err := loop.Run(context.Background(), principal("alice"), &entity.ModelDescriptor{ID: "m"},
		nil, CallOptions{}, ToolLoopOptions{RequestID: "req-1"}, nil, nil)
	if err != nil {
		t.Fatalf("killed loop should stop without error, got %v", err)
	}
	if res == nil || res.PendingMCPToolCalls {
		t.Fatalf("killed loop should yield an empty result, got %+v", res)
	}
}

func TestToolLoop_WebSearchRequiresOptIn(t *testing.T) {
	searchClient := search.NewClient(search.Keys{Tavily: "tv-key"}, zap.NewNop())
	loop := NewToolLoop(nil, searchClient, nil, nil, zap.NewNop())
	ctx := context.Background()

	tools, _ := loop.collectTools(ctx, principal("alice"), ToolLoopOptions{})
	if len(tools) != 0 {
		t.Fatalf("web search must stay off without the request option, got %d tools", len(tools))
	}

	tools, _ = loop.collectTools(ctx, principal("alice"), ToolLoopOptions{WebSearch: true})
	if len(tools) != 1 || tools[0].Name != webSearchTool {
		t.Fatalf("opting in should expose exactly the web_search tool, got %+v", tools)
	}
}

func TestToolLoop_WebSearchOptInWithoutProviderIsNoop(t *testing.T) {
	searchClient := search.NewClient(search.Keys{}, zap.NewNop())
	loop := NewToolLoop(nil, searchClient, nil, nil, zap.NewNop())

	tools, _ := loop.collectTools(context.Background(), principal("alice"), ToolLoopOptions{WebSearch: true})
	if len(tools) != 0 {
		t.Fatalf("no provider keys means no web_search tool, got %d tools", len(tools))
	}
}
