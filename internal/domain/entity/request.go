package entity

import "encoding/json"

// ChatOptions are the per-request options accepted by the chat endpoint.
type ChatOptions struct {
	ModelID            string  `json:"model_id"`
	MaxTokens          int     `json:"max_tokens,omitempty"`
	Temperature        float64 `json:"temperature,omitempty"`
	TopP               float64 `json:"top_p,omitempty"`
	RequestID          string  `json:"request_id"`
	ConversationID     string  `json:"conversation_id,omitempty"`
	AssistantID        string  `json:"assistant_id,omitempty"`
	AccountID          string  `json:"account_id,omitempty"`
	ReasoningLevel     string  `json:"reasoning_level,omitempty"` // "low" | "medium" | "high"
	EnableWebSearch    bool    `json:"enable_web_search,omitempty"`
	RateLimit          *Limit  `json:"rate_limit,omitempty"`
	SkipRAG            bool    `json:"skip_rag,omitempty"`
	RAGOnly            bool    `json:"rag_only,omitempty"`
	MCPClientSide      bool    `json:"mcp_client_side,omitempty"`
	TrackConversations bool    `json:"track_conversations,omitempty"`
}

// ChatRequest is the canonical inbound chat payload after parsing.
type ChatRequest struct {
	Messages     []Message    `json:"messages"`
	Options      ChatOptions  `json:"options"`
	DataSources  []DataSource `json:"data_sources,omitempty"`
	ImageSources []DataSource `json:"image_sources,omitempty"`

	// Workflow is the optional step-graph document; its presence selects
	// the workflow strategy.
	Workflow json.RawMessage `json:"workflow,omitempty"`
}

// Rate-limit periods.
const (
	PeriodHourly    = "hourly"
	PeriodDaily     = "daily"
	PeriodMonthly   = "monthly"
	PeriodTotal     = "total"
	PeriodUnlimited = "unlimited"
)

// Rate-limit types, in priority order admin > group > user.
const (
	LimitTypeAdmin              = "admin"
	LimitTypeGroup              = "group"
	LimitTypeUser               = "user"
	LimitTypeProgressiveTimeout = "progressive_timeout"
)

// Limit is one spending limit. Unlimited periods never reject.
type Limit struct {
	Period    string  `json:"period"`
	Rate      float64 `json:"rate"`
	Type      string  `json:"type,omitempty"`
	GroupName string  `json:"group_name,omitempty"`
}
