package llm

import (
	"errors"
	"testing"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

func TestDetectOverflow_Bedrock(t *testing.T) {
	err := errors.New("ValidationException: Input is too long for requested model")
	info := DetectOverflow(err)
	if !info.IsOverflow || info.Provider != entity.ProviderBedrock {
		t.Fatalf("bedrock overflow not detected: %+v", info)
	}

	info = DetectOverflow(errors.New("prompt is too long: 210000 tokens > 200000 maximum"))
	if !info.IsOverflow {
		t.Fatal("anthropic phrasing not detected")
	}
}

func TestDetectOverflow_OpenAIWithCounts(t *testing.T) {
	err := errors.New("This model's maximum context length is 128000 tokens. However, your messages resulted in 131072 tokens.")
	info := DetectOverflow(err)
	if !info.IsOverflow || info.Provider != entity.ProviderOpenAI {
		t.Fatalf("openai overflow not detected: %+v", info)
	}
	if info.Limit != 128000 || info.Requested != 131072 {
		t.Fatalf("token counts not parsed: %+v", info)
	}
}

func TestDetectOverflow_OpenAIErrorCode(t *testing.T) {
	info := DetectOverflow(errors.New("status 400: context_length_exceeded"))
	if !info.IsOverflow {
		t.Fatal("context_length_exceeded code not detected")
	}
}

func TestDetectOverflow_Gemini(t *testing.T) {
	info := DetectOverflow(errors.New("RESOURCE_EXHAUSTED: input token count exceeds the maximum"))
	if !info.IsOverflow || info.Provider != entity.ProviderGemini {
		t.Fatalf("gemini overflow not detected: %+v", info)
	}
}

func TestDetectOverflow_UnrelatedErrors(t *testing.T) {
	for _, err := range []error{
		nil,
		errors.New("connection refused"),
		errors.New("status 429: rate limited"),
		errors.New("invalid api key"),
	} {
		if info := DetectOverflow(err); info.IsOverflow {
			t.Fatalf("false positive for %v", err)
		}
	}
}
