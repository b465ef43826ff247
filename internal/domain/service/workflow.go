package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/stream"
)

// Workflow step kinds.
const (
	StepPrompt = "prompt"
	StepMap    = "map"
	StepReduce = "reduce"
)

// WorkflowStep is one operation in a step graph.
type WorkflowStep struct {
	Kind          string   `json:"kind"` // prompt | map | reduce
	Input         []string `json:"input"`
	Body          string   `json:"body"`
	OutputTo      string   `json:"output_to"`
	StatusMessage string   `json:"status_message,omitempty"`
}

// Workflow is the JSON step-graph document.
type Workflow struct {
	Steps     []WorkflowStep `json:"steps"`
	ResultKey string         `json:"result_key,omitempty"`
}

// StrategyResult is the optional non-streaming outcome of a strategy.
type StrategyResult struct {
	Status int                    `json:"status"`
	Body   map[string]interface{} `json:"body,omitempty"`
}

// TextFetcher loads the text content of an external data source referenced
// by a workflow input.
type TextFetcher interface {
	FetchText(ctx context.Context, principal *entity.Principal, source entity.DataSource) (string, error)
}

// WorkflowExecutor interprets a step graph, binding step outputs to named
// slots. Slot values are either one text or a list of texts.
type WorkflowExecutor struct {
	llm     *LLMClient
	fetcher TextFetcher
	tracker *RequestTracker
	logger  *zap.Logger
}

// NewWorkflowExecutor creates the executor. fetcher may be nil when inputs
// are always slots.
func NewWorkflowExecutor(llmClient *LLMClient, fetcher TextFetcher, tracker *RequestTracker, logger *zap.Logger) *WorkflowExecutor {
	return &WorkflowExecutor{llm: llmClient, fetcher: fetcher, tracker: tracker, logger: logger}
}

// Run executes the workflow. The kill switch is checked between steps; on
// observed kill the stream is ended and execution stops. A failing step
// yields {status: 500, body: {error, step_index}}.
func (w *WorkflowExecutor) Run(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, requestID string, wf *Workflow, initial map[string]interface{}, mux *stream.Multiplexer) (*StrategyResult, error) {
	slots := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		slots[k] = v
	}

	source, err := mux.Register("workflow")
	if err != nil {
		return nil, err
	}
	defer source.End(ctx)

	for i, step := range wf.Steps {
		if w.tracker.Killed(principal.UserID, requestID) {
			w.logger.Info("Workflow cancelled by kill switch",
				zap.String("request_id", requestID),
				zap.Int("step_index", i),
			)
			return nil, nil
		}

		if step.StatusMessage != "" {
			_ = mux.WriteStatus(ctx, stream.Status{
				ID:         "workflow-step-" + uuid.NewString()[:8],
				Summary:    step.StatusMessage,
				InProgress: true,
			})
		}

		inputs, err := w.resolveInputs(ctx, principal, step.Input, slots)
		if err != nil {
			return w.stepFailure(i, err), nil
		}

		collector := stream.NewCollector(mux)
		output, err := w.runStep(ctx, principal, model, step, inputs, collector)
		if err != nil {
			w.logger.Error("Workflow step failed",
				zap.Int("step_index", i),
				zap.String("kind", step.Kind),
				zap.Error(err),
			)
			return w.stepFailure(i, err), nil
		}

		if step.OutputTo != "" {
			slots[step.OutputTo] = output
		}
	}

	var result interface{} = slots
	if wf.ResultKey != "" {
		result = slots[wf.ResultKey]
	}
	if err := mux.WriteResult(ctx, stream.Result{Text: renderSlotValue(result)}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (w *WorkflowExecutor) stepFailure(index int, err error) *StrategyResult {
	return &StrategyResult{
		Status: 500,
		Body: map[string]interface{}{
			"error":      err.Error(),
			"step_index": index,
		},
	}
}

// resolveInputs maps input names to texts: slot names take the current slot
// value; anything else is treated as an external data source id.
func (w *WorkflowExecutor) resolveInputs(ctx context.Context, principal *entity.Principal, names []string, slots map[string]interface{}) ([]string, error) {
	var out []string
	for _, name := range names {
		if value, ok := slots[name]; ok {
			out = append(out, flattenSlotValue(value)...)
			continue
		}
		if w.fetcher == nil {
			return nil, fmt.Errorf("input %q is neither a slot nor fetchable", name)
		}
		text, err := w.fetcher.FetchText(ctx, principal, entity.DataSource{ID: name})
		if err != nil {
			return nil, fmt.Errorf("fetch input %q: %w", name, err)
		}
		out = append(out, text)
	}
	return out, nil
}

func (w *WorkflowExecutor) runStep(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, step WorkflowStep, inputs []string, collector *stream.Collector) (interface{}, error) {
	switch step.Kind {
	case StepPrompt:
		return w.promptCall(ctx, principal, model, step.Body, strings.Join(inputs, "\n\n"), collector)

	case StepMap:
		results := make([]string, 0, len(inputs))
		for _, input := range inputs {
			r, err := w.promptCall(ctx, principal, model, step.Body, input, collector)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
		return results, nil

	case StepReduce:
		return w.reduce(ctx, principal, model, step.Body, inputs, collector)

	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// reduce pairwise-combines the collection until at most two entries remain,
// then runs one final call over them.
func (w *WorkflowExecutor) reduce(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, body string, inputs []string, collector *stream.Collector) (string, error) {
	for len(inputs) > 2 {
		next := make([]string, 0, (len(inputs)+1)/2)
		for i := 0; i < len(inputs); i += 2 {
			if i+1 >= len(inputs) {
				next = append(next, inputs[i])
				break
			}
			combined, err := w.promptCall(ctx, principal, model, body, inputs[i]+"\n\n"+inputs[i+1], collector)
			if err != nil {
				return "", err
			}
			next = append(next, combined)
		}
		inputs = next
	}
	return w.promptCall(ctx, principal, model, body, strings.Join(inputs, "\n\n"), collector)
}

// promptCall runs one LLM call against a local collector so the partial
// result can be slot-bound; status events surface on the outer sink.
func (w *WorkflowExecutor) promptCall(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, body, input string, outer *stream.Collector) (string, error) {
	collector := stream.NewCollector(outer)

	messages := []entity.Message{
		{Role: entity.RoleSystem, Content: body},
		{Role: entity.RoleUser, Content: input},
	}
	resp, err := w.llm.Stream(ctx, principal, model, messages, CallOptions{
		SkipHistoricalContext: true,
		DisableReasoning:      true,
		Function:              "workflow",
	}, collector)
	if err != nil {
		return "", err
	}
	if resp.Content != "" {
		return resp.Content, nil
	}
	return collector.Text(), nil
}

func flattenSlotValue(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

func renderSlotValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, "\n\n")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
