package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceJSONFlattensFields(t *testing.T) {
	r := Resource{
		ID:         "r1",
		Category:   "Find",
		Identifier: "F-1",
		Relations:  Relations{"liesWithin": {"t1"}},
		Fields:     map[string]any{"shortDescription": "pot"},
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "pot", flat["shortDescription"])
	assert.Equal(t, "Find", flat["category"])

	var back Resource
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "r1", back.ID)
	assert.Equal(t, []string{"t1"}, back.Targets("liesWithin"))
	assert.Equal(t, "pot", back.Fields["shortDescription"])
	assert.NotContains(t, back.Fields, "category")
}

func TestResourceMarshalsEmptyRelations(t *testing.T) {
	data, err := json.Marshal(Resource{Category: "Place"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"Place","relations":{}}`, string(data))
}

func TestNormalizeRelations(t *testing.T) {
	r := Resource{
		ID: "a",
		Relations: Relations{
			"liesWithin": {"b", "a", "b", ""},
			"isAfter":    {},
			"isBefore":   {"a"},
		},
	}
	r.NormalizeRelations()

	assert.Equal(t, Relations{"liesWithin": {"b"}}, r.Relations)
}

func TestResourceStrings(t *testing.T) {
	r := Resource{Fields: map[string]any{
		"staff":     []any{"anna", 3, "ben"},
		"campaigns": []string{"c1"},
		"single":    "x",
	}}
	assert.Equal(t, []string{"anna", "ben"}, r.Strings("staff"))
	assert.Equal(t, []string{"c1"}, r.Strings("campaigns"))
	assert.Equal(t, []string{"x"}, r.Strings("single"))
	assert.Nil(t, r.Strings("missing"))
}

func TestCanonicalEquatesSliceTypes(t *testing.T) {
	a := Resource{Category: "Project", Fields: map[string]any{"staff": []string{"x"}}}
	b := Resource{Category: "Project", Fields: map[string]any{"staff": []any{"x"}}}
	assert.Equal(t, a.Canonical(), b.Canonical())
}

func TestDocumentCloneIsDeep(t *testing.T) {
	d := &Document{
		Resource: Resource{ID: "a", Relations: Relations{"r": {"b"}}, Fields: map[string]any{"list": []any{"x"}}},
		Modified: []Action{{User: "u"}},
	}
	c := d.Clone()
	c.Resource.Relations["r"][0] = "changed"
	c.Resource.Fields["list"].([]any)[0] = "changed"
	c.Modified[0].User = "other"

	assert.Equal(t, "b", d.Resource.Relations["r"][0])
	assert.Equal(t, "x", d.Resource.Fields["list"].([]any)[0])
	assert.Equal(t, "u", d.Modified[0].User)
}

func TestMergeHistory(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	created := Action{User: "a", Date: t0}

	d := &Document{Created: created, Modified: []Action{{User: "a", Date: t0.Add(2 * time.Hour)}}}
	other := &Document{Created: created, Modified: []Action{{User: "b", Date: t0.Add(time.Hour)}}}

	d.MergeHistory(other)

	require.Len(t, d.Modified, 2)
	assert.Equal(t, "b", d.Modified[0].User)
	assert.Equal(t, "a", d.Modified[1].User)
	assert.Equal(t, "a", d.LastAction().User)
	assert.True(t, d.TouchedBy("b"))
}

func TestGeneration(t *testing.T) {
	assert.Equal(t, 3, Generation("3-abc"))
	assert.Equal(t, 0, Generation("abc"))
	assert.Equal(t, 0, Generation("x-abc"))
	assert.Equal(t, "abc", RevisionHash("12-abc"))
	assert.Equal(t, "4-ff", FormatRevision(4, "ff"))
}
