package conflict

import (
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/devrev/pairdb/fieldstore/internal/model"
)

const relationPrefix = model.KeyRelations + "."

// fieldMap flattens a resource for comparison. Each relation is its own field.
func fieldMap(r model.Resource) map[string]any {
	m := r.Canonical()
	delete(m, model.KeyID)
	if rel, ok := m[model.KeyRelations].(map[string]any); ok {
		for name, targets := range rel {
			m[relationPrefix+name] = targets
		}
	}
	delete(m, model.KeyRelations)
	return m
}

// changedFields lists the fields that differ between from and to
func changedFields(from, to model.Resource) map[string]struct{} {
	a, b := fieldMap(from), fieldMap(to)
	out := make(map[string]struct{})
	for k, v := range a {
		if w, ok := b[k]; !ok || !cmp.Equal(v, w) {
			out[k] = struct{}{}
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func overlapping(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// applyFields copies the listed fields from source onto target; fields
// missing in source are removed from target
func applyFields(target *model.Resource, source model.Resource, fields map[string]struct{}) {
	src := source.Clone()
	for f := range fields {
		switch {
		case strings.HasPrefix(f, relationPrefix):
			name := strings.TrimPrefix(f, relationPrefix)
			if target.Relations == nil {
				target.Relations = model.Relations{}
			}
			if targets := src.Relations[name]; len(targets) > 0 {
				target.Relations[name] = targets
			} else {
				delete(target.Relations, name)
			}
		case f == model.KeyCategory:
			target.Category = src.Category
		case f == model.KeyIdentifier:
			target.Identifier = src.Identifier
		default:
			if v, ok := src.Fields[f]; ok {
				target.Set(f, v)
			} else {
				delete(target.Fields, f)
			}
		}
	}
}
