package llm

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

// OverflowInfo describes a provider context-window overflow error.
type OverflowInfo struct {
	IsOverflow bool
	Provider   string
	Requested  int // tokens the request asked for, when reported
	Limit      int // model window, when reported
}

// openaiOverflowRe matches "maximum context length is X tokens ... Y tokens".
var openaiOverflowRe = regexp.MustCompile(`maximum context length is (\d+) tokens.*?(\d+) tokens`)

// DetectOverflow inspects a provider error for the context-overflow patterns
// of each vendor family. Returns a zero OverflowInfo when the error is
// something else.
func DetectOverflow(err error) OverflowInfo {
	if err == nil {
		return OverflowInfo{}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	// Bedrock / Anthropic
	if strings.Contains(lower, "prompt is too long") ||
		(strings.Contains(msg, "ValidationException") && strings.Contains(lower, "too long")) {
		return OverflowInfo{IsOverflow: true, Provider: entity.ProviderBedrock}
	}

	// OpenAI / Azure
	if strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context length") {
		info := OverflowInfo{IsOverflow: true, Provider: entity.ProviderOpenAI}
		if m := openaiOverflowRe.FindStringSubmatch(lower); len(m) == 3 {
			info.Limit, _ = strconv.Atoi(m[1])
			info.Requested, _ = strconv.Atoi(m[2])
		}
		return info
	}

	// Gemini
	if strings.Contains(msg, "RESOURCE_EXHAUSTED") && strings.Contains(lower, "exceeds the maximum") {
		return OverflowInfo{IsOverflow: true, Provider: entity.ProviderGemini}
	}
	if strings.Contains(lower, "exceeds the maximum number of tokens") {
		return OverflowInfo{IsOverflow: true, Provider: entity.ProviderGemini}
	}

	return OverflowInfo{}
}
