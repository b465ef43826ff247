package entity

import "strings"

// Provider identifiers for the four supported upstream families.
const (
	ProviderOpenAI  = "openai"
	ProviderAzure   = "azure"
	ProviderBedrock = "bedrock"
	ProviderGemini  = "gemini"
)

// ModelDescriptor describes one concrete upstream model, sourced from the
// admin registry.
type ModelDescriptor struct {
	ID                    string  `json:"id" mapstructure:"id"`
	Provider              string  `json:"provider" mapstructure:"provider"`
	ContextWindow         int     `json:"context_window" mapstructure:"context_window"`
	OutputTokenLimit      int     `json:"output_token_limit" mapstructure:"output_token_limit"`
	SupportsImages        bool    `json:"supports_images" mapstructure:"supports_images"`
	SupportsSystemPrompts bool    `json:"supports_system_prompts" mapstructure:"supports_system_prompts"`
	SupportsReasoning     bool    `json:"supports_reasoning" mapstructure:"supports_reasoning"`
	SystemPromptSuffix    string  `json:"system_prompt_suffix,omitempty" mapstructure:"system_prompt_suffix"`
	InputRate             float64 `json:"input_rate" mapstructure:"input_rate"`   // $ per 1k input tokens
	OutputRate            float64 `json:"output_rate" mapstructure:"output_rate"` // $ per 1k output tokens
}

// IsAnthropic reports whether the model is an Anthropic model served through
// Bedrock. RAG context placement differs for these models.
func (m *ModelDescriptor) IsAnthropic() bool {
	return m.Provider == ProviderBedrock && strings.Contains(m.ID, "anthropic")
}

// AliasInfo is the display metadata attached to an alias.
type AliasInfo struct {
	ResolvesTo  string `json:"resolves_to"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Tier        string `json:"tier,omitempty"`
}

// AliasResolution is the outcome of a single alias lookup. Unknown names
// pass through unchanged with WasAlias=false.
type AliasResolution struct {
	ResolvedID string     `json:"resolved_id"`
	WasAlias   bool       `json:"was_alias"`
	AliasInfo  *AliasInfo `json:"alias_info,omitempty"`
}
