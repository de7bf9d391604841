package index

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/model"
)

func newFacade(t *testing.T, docs ...*model.Document) *Facade {
	f := NewFacade(newIndex(t), zap.NewNop(), nil)
	require.NoError(t, f.Rebuild(docs))
	return f
}

func TestFindIntersectsAndSubtracts(t *testing.T) {
	trench := docWith("t1", nil, nil)
	trench.Resource.Category = "Trench"
	find := docWith("f1", model.Relations{"isRecordedIn": {"t1"}, "liesWithin": {"l1"}}, nil)
	layer := docWith("l1", model.Relations{"isRecordedIn": {"t1"}}, nil)
	layer.Resource.Category = "Layer"
	f := newFacade(t, trench, find, layer)

	ids, err := f.Find(Query{Constraints: map[string]Constraint{
		"isRecordedIn:contain": {Value: "t1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "l1"}, ids)

	ids, err = f.Find(Query{Constraints: map[string]Constraint{
		"isRecordedIn:contain": {Value: "t1"},
		"liesWithin:exist":     {Value: KnownKey, Subtract: true},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, ids)

	ids, err = f.Find(Query{Categories: []string{"Trench", "Layer"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "t1"}, ids)

	n, err := f.Count(Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = f.Find(Query{Constraints: map[string]Constraint{"bogus": {Value: "x"}}})
	assert.Error(t, err)
}

func TestFindRecursiveAndPaging(t *testing.T) {
	docs := []*model.Document{docWith("root", nil, nil)}
	parent := "root"
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		docs = append(docs, docWith(id, model.Relations{"liesWithin": {parent}}, nil))
		parent = id
	}
	f := newFacade(t, docs...)

	q := Query{Constraints: map[string]Constraint{
		"liesWithin:contain": {Value: "root", SearchRecursively: true},
	}}
	ids, err := f.Find(q)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, ids)

	q.Offset, q.Limit = 1, 2
	ids, _ = f.Find(q)
	assert.Equal(t, []string{"c2", "c3"}, ids)

	q.Offset = 10
	ids, _ = f.Find(q)
	assert.Empty(t, ids)

	direct, _ := f.Get("liesWithin:contain", "root")
	assert.Equal(t, []string{"c1"}, direct)
	all, _ := f.GetWithDescendants("liesWithin:contain", "c2")
	assert.Equal(t, []string{"c3", "c4"}, all)
}

func TestFacadePutAndRemove(t *testing.T) {
	f := newFacade(t)
	require.NoError(t, f.Put(docWith("a", nil, nil)))
	assert.Equal(t, 1, f.Len())

	f.Remove("a")
	assert.Equal(t, 0, f.Len())
	ids, _ := f.Find(Query{})
	assert.Empty(t, ids)
}

func TestLoadDefinitions(t *testing.T) {
	defs, err := LoadDefinitions(strings.NewReader(`
indexes:
  "liesWithin:contain":
    path: resource.relations.liesWithin
    type: contain
    recursively_searchable: true
  "identifier:match":
    path: resource.identifier
    type: match
`))
	require.NoError(t, err)
	assert.Len(t, defs, 2)
	assert.True(t, defs["liesWithin:contain"].RecursivelySearchable)
	assert.Equal(t, []string{"identifier:match", "liesWithin:contain"}, defs.Names())

	_, err = LoadDefinitions(strings.NewReader(`
indexes:
  "x":
    path: resource.x
    type: match
    recursively_searchable: true
`))
	assert.ErrorContains(t, err, "recursively searchable")

	_, err = LoadDefinitions(strings.NewReader(`
indexes:
  "x":
    path: resource.x
    type: fuzzy
`))
	assert.ErrorContains(t, err, "unknown type")

	_, err = LoadDefinitionsFile("/nonexistent/indexes.yaml")
	assert.Error(t, err)

	assert.NoError(t, DefaultDefinitions().Validate())
}
