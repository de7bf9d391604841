package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Reserved resource keys; every other key is a free field.
const (
	KeyID         = "id"
	KeyCategory   = "category"
	KeyIdentifier = "identifier"
	KeyRelations  = "relations"
)

// Relations maps a relation name to target resource ids
type Relations map[string][]string

// Resource is the domain payload of a document
type Resource struct {
	ID         string
	Category   string
	Identifier string
	Relations  Relations
	Fields     map[string]any
}

// MarshalJSON flattens Fields next to the reserved keys
func (r Resource) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		m[k] = v
	}
	if r.ID != "" {
		m[KeyID] = r.ID
	}
	m[KeyCategory] = r.Category
	if r.Identifier != "" {
		m[KeyIdentifier] = r.Identifier
	}
	rel := r.Relations
	if rel == nil {
		rel = Relations{}
	}
	m[KeyRelations] = rel
	return json.Marshal(m)
}

// UnmarshalJSON splits reserved keys from free fields
func (r *Resource) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Resource{Fields: make(map[string]any)}
	for k, v := range raw {
		var err error
		switch k {
		case KeyID:
			err = json.Unmarshal(v, &r.ID)
		case KeyCategory:
			err = json.Unmarshal(v, &r.Category)
		case KeyIdentifier:
			err = json.Unmarshal(v, &r.Identifier)
		case KeyRelations:
			err = json.Unmarshal(v, &r.Relations)
		default:
			var value any
			err = json.Unmarshal(v, &value)
			r.Fields[k] = value
		}
		if err != nil {
			return fmt.Errorf("resource field %q: %w", k, err)
		}
	}
	return nil
}

// Get returns a free field value
func (r *Resource) Get(field string) (any, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Set stores a free field value
func (r *Resource) Set(field string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[field] = value
}

// Strings returns a free field as a string slice. Non-string elements are skipped.
func (r *Resource) Strings(field string) []string {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}

// Targets returns the targets of a relation
func (r *Resource) Targets(relation string) []string {
	return r.Relations[relation]
}

// NormalizeRelations drops empty relations, self references and duplicate targets
func (r *Resource) NormalizeRelations() {
	if r.Relations == nil {
		r.Relations = Relations{}
		return
	}
	for name, targets := range r.Relations {
		seen := make(map[string]struct{}, len(targets))
		kept := targets[:0]
		for _, t := range targets {
			if t == "" || t == r.ID {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(r.Relations, name)
			continue
		}
		r.Relations[name] = kept
	}
}

// Clone returns a deep copy of the resource
func (r Resource) Clone() Resource {
	out := Resource{
		ID:         r.ID,
		Category:   r.Category,
		Identifier: r.Identifier,
	}
	if r.Relations != nil {
		out.Relations = make(Relations, len(r.Relations))
		for k, v := range r.Relations {
			out.Relations[k] = append([]string(nil), v...)
		}
	}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = cloneValue(v)
		}
	}
	return out
}

// Canonical returns the resource as decoded JSON so values of different Go
// types with the same wire form compare equal.
func (r Resource) Canonical() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// FieldNames lists free field names in sorted order
func (r Resource) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
