package stream

import "encoding/json"

// Event is one canonical stream event. Each concrete event knows its wire
// representation; the SSE layer only ever calls Wire().
type Event interface {
	// Wire returns the JSON object written as the SSE data payload.
	Wire() ([]byte, error)
}

// Meta is sent exactly once before any Delta. It carries the ordered list of
// source ids; later Delta events may address a source by its index in this
// list to save bytes.
type Meta struct {
	Sources []string `json:"sources"`
}

func (m Meta) Wire() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"s": "meta", "d": m})
}

// Delta is one incremental chunk of output. Source is either the textual
// source id or its integer index from the Meta event.
type Delta struct {
	Source  interface{}
	Payload interface{}
}

func (d Delta) Wire() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"s": d.Source, "d": d.Payload})
}

// Status is an advisory progress event rendered by the client UI.
type Status struct {
	ID         string      `json:"id"`
	Summary    string      `json:"summary"`
	Message    string      `json:"message,omitempty"`
	Icon       string      `json:"icon,omitempty"`
	InProgress bool        `json:"inProgress"`
	Animated   bool        `json:"animated,omitempty"`
	Sticky     bool        `json:"sticky,omitempty"`
	DataSource interface{} `json:"dataSource,omitempty"`
}

func (s Status) Wire() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"st": s})
}

// State pushes a named state patch to the client (e.g. citation sources,
// pending client-side tool calls).
type State map[string]interface{}

func (s State) Wire() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"s": "state", "d": map[string]interface{}(s)})
}

// Result is a single terminal result for non-streaming workflows.
type Result struct {
	Text interface{} `json:"text"`
}

func (r Result) Wire() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"type": "result", "d": r.Text})
}

// End marks a source as finished. With an empty Source it terminates the
// whole stream.
type End struct {
	Source string
}

func (e End) Wire() ([]byte, error) {
	obj := map[string]interface{}{"type": "end"}
	if e.Source != "" {
		obj["s"] = e.Source
	}
	return json.Marshal(obj)
}

// Error is fatal for the stream (or for a single source when emitted by an
// adapter mid-response).
type Error struct {
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
}

func (e Error) Wire() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"type": "error", "code": e.StatusCode, "text": e.StatusText})
}
