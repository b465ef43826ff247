package service

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

type allowList struct {
	allowed map[string]bool
}

func (a *allowList) HasAccess(_ context.Context, _ *entity.Principal, source entity.DataSource) (bool, error) {
	return a.allowed[source.ID], nil
}

func newTestResolver(access AccessChecker) *DataSourceResolver {
	return NewDataSourceResolver(access, nil, nil, nil, nil, nil, zap.NewNop())
}

func TestResolver_OwnerAlwaysHasAccess(t *testing.T) {
	r := newTestResolver(nil)

	sources := []entity.DataSource{{ID: "s3://alice/report.txt", Type: "text/plain"}}
	resolved, err := r.Resolve(context.Background(), principal("alice"), sources, nil)
	if err != nil {
		t.Fatalf("owner should always pass: %v", err)
	}
	if len(resolved.Text) != 1 {
		t.Fatalf("expected 1 text source, got %d", len(resolved.Text))
	}
}

func TestResolver_NonOwnerDeniedWithoutGrant(t *testing.T) {
	r := newTestResolver(&allowList{allowed: map[string]bool{}})

	sources := []entity.DataSource{{ID: "s3://bob/secret.txt", Type: "text/plain"}}
	_, err := r.Resolve(context.Background(), principal("alice"), sources, nil)
	if err == nil {
		t.Fatal("non-owner without a grant should be denied")
	}
	if !apperrors.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestResolver_NonOwnerAllowedWithGrant(t *testing.T) {
	r := newTestResolver(&allowList{allowed: map[string]bool{"s3://bob/shared.txt": true}})

	sources := []entity.DataSource{{ID: "s3://bob/shared.txt", Type: "text/plain"}}
	if _, err := r.Resolve(context.Background(), principal("alice"), sources, nil); err != nil {
		t.Fatalf("granted source should pass: %v", err)
	}
}

func TestResolver_SingleDenialFailsWholeRequest(t *testing.T) {
	r := newTestResolver(&allowList{allowed: map[string]bool{}})

	sources := []entity.DataSource{
		{ID: "s3://alice/mine.txt", Type: "text/plain"},
		{ID: "s3://bob/not-mine.txt", Type: "text/plain"},
	}
	if _, err := r.Resolve(context.Background(), principal("alice"), sources, nil); err == nil {
		t.Fatal("one denied source should fail the whole request")
	}
}

func TestResolver_ObjectRefBindsSlot(t *testing.T) {
	r := newTestResolver(nil)

	sources := []entity.DataSource{{ID: "obj://draft"}}
	slots := map[string]string{"draft": "step output text"}

	resolved, err := r.Resolve(context.Background(), principal("alice"), sources, slots)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved.Text) != 1 {
		t.Fatalf("expected 1 bound source, got %d", len(resolved.Text))
	}
	if resolved.Text[0].Metadata["content"] != "step output text" {
		t.Fatalf("slot value should be bound inline, got %v", resolved.Text[0].Metadata)
	}
}

func TestResolver_UnknownSlotFails(t *testing.T) {
	r := newTestResolver(nil)

	sources := []entity.DataSource{{ID: "obj://missing"}}
	_, err := r.Resolve(context.Background(), principal("alice"), sources, map[string]string{})
	if err == nil {
		t.Fatal("unknown slot should fail")
	}
	if !apperrors.IsInvalidRequest(err) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestResolver_PartitionsByKind(t *testing.T) {
	r := newTestResolver(nil)

	sources := []entity.DataSource{
		{ID: "s3://alice/doc.txt", Type: "text/plain"},
		{ID: "s3://alice/photo.png", Type: "image/png"},
		{ID: "s3://alice/team.txt", Type: "text/plain", GroupID: "team-1"},
		{ID: "s3://alice/tree.txt", Type: "text/plain", AST: "ast-key"},
	}
	resolved, err := r.Resolve(context.Background(), principal("alice"), sources, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved.Text) != 1 || len(resolved.Images) != 1 || len(resolved.Group) != 1 || len(resolved.AST) != 1 {
		t.Fatalf("bad partition: %+v", resolved)
	}
}
