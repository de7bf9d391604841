package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/pairdb/fieldstore/internal/model"
)

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestChangedFields(t *testing.T) {
	base := model.Resource{
		ID:        "f1",
		Category:  "Find",
		Relations: model.Relations{"liesWithin": {"t1"}, "isAfter": {"f0"}},
		Fields:    map[string]any{"shortDescription": "sherd", "amount": 3},
	}
	next := base.Clone()
	next.Relations["liesWithin"] = []string{"t2"}
	next.Fields["amount"] = 3.0
	next.Fields["period"] = "Roman"
	delete(next.Fields, "shortDescription")

	assert.ElementsMatch(t,
		[]string{"relations.liesWithin", "period", "shortDescription"},
		keys(changedFields(base, next)))
}

func TestApplyFields(t *testing.T) {
	target := model.Resource{
		ID:        "f1",
		Category:  "Find",
		Relations: model.Relations{"liesWithin": {"t1"}},
		Fields:    map[string]any{"shortDescription": "sherd", "color": "red"},
	}
	source := model.Resource{
		ID:         "f1",
		Category:   "Find",
		Identifier: "F-1",
		Relations:  model.Relations{"isAfter": {"f0"}},
		Fields:     map[string]any{"period": "Roman"},
	}

	applyFields(&target, source, map[string]struct{}{
		"identifier":           {},
		"relations.isAfter":    {},
		"relations.liesWithin": {},
		"period":               {},
		"color":                {},
	})

	assert.Equal(t, "F-1", target.Identifier)
	assert.Equal(t, model.Relations{"isAfter": {"f0"}}, target.Relations)
	assert.Equal(t, map[string]any{"shortDescription": "sherd", "period": "Roman"}, target.Fields)
}

func TestOverlapping(t *testing.T) {
	a := map[string]struct{}{"x": {}, "y": {}}
	b := map[string]struct{}{"y": {}, "z": {}}
	assert.Equal(t, []string{"y"}, overlapping(a, b))
	assert.Empty(t, overlapping(a, map[string]struct{}{"z": {}}))
}
