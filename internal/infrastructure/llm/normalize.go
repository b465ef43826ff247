package llm

import (
	"strings"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

const imageStrippedNotice = "[Note: this conversation included images that were removed because the selected model does not support image input.]"

// NormalizeMessages applies the model-independent rewrites every adapter
// needs before translating to its wire format:
//   - system messages are flattened to user messages when the model does
//     not support system prompts;
//   - the model's system_prompt_suffix is concatenated to the last system
//     message (or appended as one when none exists);
//   - image parts are stripped with a prepended textual notice when the
//     model does not support images.
//
// The input slice is not modified.
func NormalizeMessages(model *entity.ModelDescriptor, messages []entity.Message) []entity.Message {
	out := make([]entity.Message, 0, len(messages)+1)
	strippedImages := false

	for _, m := range messages {
		msg := m
		if !model.SupportsImages && msg.HasImages() {
			msg = stripImages(msg)
			strippedImages = true
		}
		if msg.Role == entity.RoleSystem && !model.SupportsSystemPrompts {
			msg.Role = entity.RoleUser
		}
		out = append(out, msg)
	}

	if suffix := strings.TrimSpace(model.SystemPromptSuffix); suffix != "" {
		out = appendSystemSuffix(out, suffix, model.SupportsSystemPrompts)
	}

	if strippedImages {
		out = append([]entity.Message{{Role: roleForNotice(model), Content: imageStrippedNotice}}, out...)
	}
	return out
}

func roleForNotice(model *entity.ModelDescriptor) string {
	if model.SupportsSystemPrompts {
		return entity.RoleSystem
	}
	return entity.RoleUser
}

func stripImages(m entity.Message) entity.Message {
	var parts []entity.ContentPart
	for _, p := range m.Parts {
		if p.Type != "image" {
			parts = append(parts, p)
		}
	}
	m.Parts = parts
	if len(parts) == 0 {
		m.Content = m.TextContent()
	}
	return m
}

func appendSystemSuffix(messages []entity.Message, suffix string, supportsSystem bool) []entity.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == entity.RoleSystem {
			messages[i].Content = strings.TrimRight(messages[i].Content, "\n") + "\n" + suffix
			return messages
		}
	}
	role := entity.RoleSystem
	if !supportsSystem {
		role = entity.RoleUser
	}
	return append([]entity.Message{{Role: role, Content: suffix}}, messages...)
}

// SplitSystem separates leading system text from the rest of the
// conversation, for providers that carry the system prompt out-of-band
// (Anthropic, Gemini).
func SplitSystem(messages []entity.Message) (string, []entity.Message) {
	var system []string
	rest := make([]entity.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == entity.RoleSystem {
			system = append(system, m.TextContent())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n"), rest
}
