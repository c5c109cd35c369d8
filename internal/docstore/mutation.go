package docstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mschirtzinger/livequery/internal/source"
)

type opKind int

const (
	opSet opKind = iota
	opUpdate
	opDelete
)

type mutation struct {
	kind opKind
	ref  DocRef
	data map[string]any
}

type docState struct {
	data   map[string]any
	exists bool
}

// prepare validates the reference and converts data to the JSON data
// model, so cached copies compare equal to server copies.
func (m *mutation) prepare(op string) error {
	if err := m.ref.Validate(); err != nil {
		return source.NewError(op, m.ref, source.CodeInvalidReference, err)
	}
	if m.kind == opDelete {
		return nil
	}
	if m.kind == opUpdate {
		if len(m.data) == 0 {
			return source.NewError(op, m.ref, source.CodeInvalidReference, fmt.Errorf("update needs at least one field"))
		}
		for k := range m.data {
			for _, p := range strings.Split(k, ".") {
				if p == "" {
					return source.NewError(op, m.ref, source.CodeInvalidReference, fmt.Errorf("invalid field path %q", k))
				}
			}
		}
	}
	data, err := normalize(m.data)
	if err != nil {
		return source.NewError(op, m.ref, source.CodeInvalidReference, err)
	}
	m.data = data
	return nil
}

// apply computes the local document state after m.
func (m mutation) apply(op string, cur *docState) (*docState, error) {
	switch m.kind {
	case opDelete:
		return &docState{}, nil
	case opUpdate:
		if !cur.exists {
			return nil, source.NewError(op, m.ref, source.CodeNotFound, nil)
		}
		return &docState{data: mergeFields(cur.data, m.data), exists: true}, nil
	default:
		return &docState{data: cloneMap(m.data), exists: true}, nil
	}
}

// mergeFields returns a copy of base with fields set. Dotted keys address
// nested maps, creating them as needed.
func mergeFields(base, fields map[string]any) map[string]any {
	out := cloneMap(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range fields {
		parts := strings.Split(k, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = cloneValue(v)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("document is not JSON encodable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return out, nil
}
