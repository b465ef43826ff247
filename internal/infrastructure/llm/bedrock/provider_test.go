package bedrock

import (
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm"
)

func TestBuildDirectBody_EmptyRoleDefaultsToUser(t *testing.T) {
	a := &Adapter{logger: zap.NewNop()}
	req := &llm.Request{
		Model: &entity.ModelDescriptor{SupportsSystemPrompts: true},
		Messages: []entity.Message{
			{Role: "", Content: "hello"},
			{Role: entity.RoleAssistant, Content: "hi"},
		},
	}

	body := a.buildDirectBody(req)

	var parsed struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(parsed.Prompt, "User: hello") {
		t.Fatalf("empty role should render as User, got %q", parsed.Prompt)
	}
	if !strings.Contains(parsed.Prompt, "Assistant: hi") {
		t.Fatalf("assistant turn missing: %q", parsed.Prompt)
	}
	if !strings.HasSuffix(parsed.Prompt, "Assistant: ") {
		t.Fatalf("prompt should end with the assistant cue: %q", parsed.Prompt)
	}
}
