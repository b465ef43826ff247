package entity

import (
	"strings"
)

// SchemeObject names a workflow-intermediate value rather than a stored blob.
const SchemeObject = "obj"

// DataSource references a blob of grounding material. IDs have the shape
// <scheme>://<owner>/<key>.
type DataSource struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	GroupID  string                 `json:"group_id,omitempty"`
	AST      string                 `json:"ast,omitempty"`
}

// Scheme returns the id scheme, or "" when the id is not a URI.
func (d DataSource) Scheme() string {
	idx := strings.Index(d.ID, "://")
	if idx < 0 {
		return ""
	}
	return d.ID[:idx]
}

// IsObjectRef reports whether the source names a workflow slot (obj://name).
func (d DataSource) IsObjectRef() bool {
	return d.Scheme() == SchemeObject
}

// ObjectName returns the slot name of an obj:// reference.
func (d DataSource) ObjectName() string {
	if !d.IsObjectRef() {
		return ""
	}
	return strings.TrimPrefix(d.ID, SchemeObject+"://")
}

// ExtractOwner parses the owner segment out of a data source id.
// Returns "" when the id has no owner segment.
func ExtractOwner(id string) string {
	idx := strings.Index(id, "://")
	if idx < 0 {
		return ""
	}
	rest := id[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return rest
	}
	return rest[:slash]
}
