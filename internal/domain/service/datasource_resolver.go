package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/rag"
	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

// ragQueryCount is the number of parallel retrieval queries per request:
// the user's message verbatim plus four generated FAQ-style questions.
const ragFAQQuestions = 4

// AccessChecker proves access to data sources the user does not own
// (shared, group, or assistant sources).
type AccessChecker interface {
	HasAccess(ctx context.Context, principal *entity.Principal, source entity.DataSource) (bool, error)
}

// TagExpander expands set-of-tags references into concrete data source ids.
type TagExpander interface {
	Expand(ctx context.Context, principal *entity.Principal, source entity.DataSource) ([]entity.DataSource, error)
}

// ImageFetcher loads an image data source's bytes.
type ImageFetcher interface {
	FetchImage(ctx context.Context, principal *entity.Principal, source entity.DataSource) (data []byte, mimeType string, err error)
}

// ResolvedSources is the partition produced by resolution.
type ResolvedSources struct {
	Text   []entity.DataSource
	Images []entity.DataSource
	Group  []entity.DataSource
	AST    []entity.DataSource
}

// DataSourceResolver validates access to data sources and enriches requests
// with retrieval context.
type DataSourceResolver struct {
	access   AccessChecker
	expander TagExpander
	images   ImageFetcher
	ragc     *rag.Client
	llm      *LLMClient
	registry *ModelRegistry
	logger   *zap.Logger
}

// NewDataSourceResolver creates the resolver. expander and images may be nil
// when the deployment has no tag or image support.
func NewDataSourceResolver(access AccessChecker, expander TagExpander, images ImageFetcher, ragc *rag.Client, llmClient *LLMClient, registry *ModelRegistry, logger *zap.Logger) *DataSourceResolver {
	return &DataSourceResolver{
		access:   access,
		expander: expander,
		images:   images,
		ragc:     ragc,
		llm:      llmClient,
		registry: registry,
		logger:   logger,
	}
}

// Resolve expands, access-checks and partitions the request's data sources.
// slots maps workflow slot names to their current values; obj:// references
// bind against it. Any access failure fails the whole request with 401.
func (r *DataSourceResolver) Resolve(ctx context.Context, principal *entity.Principal, sources []entity.DataSource, slots map[string]string) (*ResolvedSources, error) {
	expanded := make([]entity.DataSource, 0, len(sources))
	for _, ds := range sources {
		if ds.Type == "tag" && r.expander != nil {
			concrete, err := r.expander.Expand(ctx, principal, ds)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.KindInternal, "tag expansion failed", err)
			}
			expanded = append(expanded, concrete...)
			continue
		}
		expanded = append(expanded, ds)
	}

	out := &ResolvedSources{}
	for _, ds := range expanded {
		if ds.IsObjectRef() {
			name := ds.ObjectName()
			value, ok := slots[name]
			if !ok {
				return nil, apperrors.New(apperrors.KindInvalidRequest,
					fmt.Sprintf("unknown workflow slot %q", name))
			}
			out.Text = append(out.Text, entity.DataSource{
				ID:       ds.ID,
				Type:     "text/plain",
				Metadata: map[string]interface{}{"content": value},
			})
			continue
		}

		if err := r.assertAccess(ctx, principal, ds); err != nil {
			return nil, err
		}

		switch {
		case ds.GroupID != "":
			out.Group = append(out.Group, ds)
		case ds.AST != "":
			out.AST = append(out.AST, ds)
		case isImageType(ds.Type):
			out.Images = append(out.Images, ds)
		default:
			out.Text = append(out.Text, ds)
		}
	}
	return out, nil
}

func (r *DataSourceResolver) assertAccess(ctx context.Context, principal *entity.Principal, ds entity.DataSource) error {
	if entity.ExtractOwner(ds.ID) == principal.UserID {
		return nil
	}
	if r.access != nil {
		ok, err := r.access.HasAccess(ctx, principal, ds)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "access lookup failed", err)
		}
		if ok {
			return nil
		}
	}
	return apperrors.New(apperrors.KindUnauthorized,
		fmt.Sprintf("access denied to data source %s", ds.ID))
}

func isImageType(t string) bool {
	return len(t) > 6 && t[:6] == "image/"
}

// AttachRAG retrieves grounding passages for the resolved sources and
// inserts them into the message list. For Anthropic models the context is
// prepended to the last user message; for others it is inserted as a user
// message just before it. filterMode skips FAQ question generation.
func (r *DataSourceResolver) AttachRAG(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, messages []entity.Message, resolved *ResolvedSources, filterMode bool) ([]entity.Message, error) {
	if r.ragc == nil || (len(resolved.Text) == 0 && len(resolved.Group) == 0 && len(resolved.AST) == 0) {
		return messages, nil
	}
	lastUser := entity.LastUserIndex(messages)
	if lastUser < 0 {
		return messages, nil
	}
	userInput := messages[lastUser].TextContent()

	queries := []string{userInput}
	if !filterMode {
		queries = append(queries, r.faqQueries(ctx, principal, model, userInput)...)
	}

	chunks, err := r.ragc.QueryAll(ctx, principal.AccessToken, queries, resolved.Text, resolved.Group, resolved.AST)
	if err != nil {
		return messages, apperrors.Wrap(apperrors.KindInternal, "retrieval failed", err)
	}
	if len(chunks) == 0 {
		return messages, nil
	}

	contextText := rag.FormatContext(rag.GroupByKey(chunks))

	out := make([]entity.Message, 0, len(messages)+1)
	if model.IsAnthropic() {
		out = append(out, messages...)
		out[lastUser].Content = contextText + "\n" + out[lastUser].TextContent()
		out[lastUser].Parts = nil
	} else {
		out = append(out, messages[:lastUser]...)
		out = append(out, entity.Message{Role: entity.RoleUser, Content: contextText})
		out = append(out, messages[lastUser:]...)
	}
	return out, nil
}

// faqQueries generates FAQ-style retrieval questions with a single
// JSON-constrained sub-call on the cheapest equivalent model. Failures are
// non-fatal; retrieval proceeds with the verbatim query alone.
func (r *DataSourceResolver) faqQueries(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, userInput string) []string {
	cheapest := r.registry.CheapestEquivalent(model)

	var parsed struct {
		Questions []string `json:"questions"`
	}
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"questions": map[string]interface{}{
				"type":     "array",
				"items":    map[string]interface{}{"type": "string"},
				"minItems": ragFAQQuestions,
				"maxItems": ragFAQQuestions,
			},
		},
		"required": []string{"questions"},
	}
	prompt := fmt.Sprintf(
		"Given this user request, write %d short FAQ-style questions whose answers would help fulfill it. Request:\n%s",
		ragFAQQuestions, userInput)

	if err := r.llm.PromptForJSON(ctx, principal, cheapest, prompt, schema, &parsed); err != nil {
		r.logger.Warn("FAQ question generation failed", zap.Error(err))
		return nil
	}
	if len(parsed.Questions) > ragFAQQuestions {
		parsed.Questions = parsed.Questions[:ragFAQQuestions]
	}
	return parsed.Questions
}

// AttachImages fetches image sources (bounded by the model's limit) and
// rewrites the last user message as [instruction, image parts, original
// text]. Models without image support are left untouched.
func (r *DataSourceResolver) AttachImages(ctx context.Context, principal *entity.Principal, model *entity.ModelDescriptor, messages []entity.Message, imageSources []entity.DataSource, limit int) []entity.Message {
	if r.images == nil || !model.SupportsImages || len(imageSources) == 0 {
		return messages
	}
	lastUser := entity.LastUserIndex(messages)
	if lastUser < 0 {
		return messages
	}
	if limit <= 0 || limit > len(imageSources) {
		limit = len(imageSources)
	}

	type fetched struct {
		idx  int
		data []byte
		mime string
	}
	results := make([]*fetched, limit)
	var wg sync.WaitGroup
	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, mime, err := r.images.FetchImage(ctx, principal, imageSources[i])
			if err != nil {
				r.logger.Warn("Image fetch failed",
					zap.String("data_source", imageSources[i].ID),
					zap.Error(err),
				)
				return
			}
			results[i] = &fetched{idx: i, data: data, mime: mime}
		}(i)
	}
	wg.Wait()

	parts := []entity.ContentPart{{
		Type: "text",
		Text: "The user attached the following images to this message.",
	}}
	for _, f := range results {
		if f == nil {
			continue
		}
		parts = append(parts, entity.ContentPart{Type: "image", Data: f.data, MimeType: f.mime})
	}
	if len(parts) == 1 {
		return messages
	}
	parts = append(parts, entity.ContentPart{Type: "text", Text: messages[lastUser].TextContent()})

	out := make([]entity.Message, len(messages))
	copy(out, messages)
	out[lastUser].Parts = parts
	out[lastUser].Content = ""
	return out
}
