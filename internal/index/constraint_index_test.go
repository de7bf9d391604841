package index

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/fieldstore/internal/model"
)

func newIndex(t *testing.T) *ConstraintIndex {
	ci, err := NewConstraintIndex(DefaultDefinitions())
	require.NoError(t, err)
	return ci
}

func docWith(id string, relations model.Relations, fields map[string]any) *model.Document {
	if relations == nil {
		relations = model.Relations{}
	}
	return &model.Document{
		Resource: model.Resource{ID: id, Category: "Find", Identifier: "I-" + id, Relations: relations, Fields: fields},
		Modified: []model.Action{},
	}
}

func TestContainIndexFollowsRelationChanges(t *testing.T) {
	ci := newIndex(t)

	d := docWith("a", model.Relations{"liesWithin": {"x"}}, nil)
	require.NoError(t, ci.Put(d))

	ids, err := ci.Get("liesWithin:contain", "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	delete(d.Resource.Relations, "liesWithin")
	require.NoError(t, ci.Put(d))

	ids, _ = ci.Get("liesWithin:contain", "x")
	assert.Empty(t, ids)
	ids, _ = ci.Get("liesWithin:contain", UnknownKey)
	assert.Equal(t, []string{"a"}, ids)
}

func TestExistMatchAndLinks(t *testing.T) {
	ci := newIndex(t)

	require.NoError(t, ci.Put(docWith("a", model.Relations{"isDepictedIn": {"img1", "img2"}},
		map[string]any{"geometry": map[string]any{"type": "Point"}})))
	require.NoError(t, ci.Put(docWith("b", nil, map[string]any{"geometry": nil})))

	known, _ := ci.Get("geometry:exist", KnownKey)
	unknown, _ := ci.Get("geometry:exist", UnknownKey)
	assert.Equal(t, []string{"a"}, known)
	assert.Equal(t, []string{"b"}, unknown)

	ids, _ := ci.Get("identifier:match", "I-b")
	assert.Equal(t, []string{"b"}, ids)

	ids, _ = ci.Get("isDepictedIn:links", "img2")
	assert.Equal(t, []string{"a"}, ids)
	ids, _ = ci.Get("isDepictedIn:links", UnknownKey)
	assert.Empty(t, ids, "links indexes keep no UNKNOWN bucket")

	_, err := ci.Get("nope", "x")
	assert.Error(t, err)
}

func TestConflictsExist(t *testing.T) {
	ci := newIndex(t)
	d := docWith("a", nil, nil)
	d.Conflicts = []string{"2-b"}
	require.NoError(t, ci.Put(d))

	ids, _ := ci.Get("conflicts:exist", KnownKey)
	assert.Equal(t, []string{"a"}, ids)

	d.Conflicts = nil
	require.NoError(t, ci.Put(d))
	ids, _ = ci.Get("conflicts:exist", KnownKey)
	assert.Empty(t, ids)
}

func TestRecursiveLookupFindsDeepDescendants(t *testing.T) {
	ci := newIndex(t)

	require.NoError(t, ci.Put(docWith("R", nil, nil)))
	require.NoError(t, ci.Put(docWith("L1", model.Relations{"liesWithin": {"R"}}, nil)))
	require.NoError(t, ci.Put(docWith("L3", model.Relations{"liesWithin": {"L2"}}, nil)))
	require.NoError(t, ci.Put(docWith("L2", model.Relations{"liesWithin": {"L1"}}, nil)))

	ids, err := ci.GetWithDescendants("liesWithin:contain", "R")
	require.NoError(t, err)
	assert.Equal(t, []string{"L1", "L2", "L3"}, ids)

	direct, _ := ci.Get("liesWithin:contain", "R")
	assert.Equal(t, []string{"L1"}, direct)

	// moving L2 out of the tree takes L3 along
	require.NoError(t, ci.Put(docWith("L2", model.Relations{"liesWithin": {"other"}}, nil)))
	ids, _ = ci.GetWithDescendants("liesWithin:contain", "R")
	assert.Equal(t, []string{"L1"}, ids)
	ids, _ = ci.GetWithDescendants("liesWithin:contain", "other")
	assert.Equal(t, []string{"L2", "L3"}, ids)

	ci.Remove("L2")
	ids, _ = ci.GetWithDescendants("liesWithin:contain", "other")
	assert.Empty(t, ids)
	ids, _ = ci.GetWithDescendants("liesWithin:contain", "L2")
	assert.Equal(t, []string{"L3"}, ids)
}

func TestRecursiveIndexSurvivesCycles(t *testing.T) {
	ci := newIndex(t)
	require.NoError(t, ci.Put(docWith("a", model.Relations{"liesWithin": {"b"}}, nil)))
	require.NoError(t, ci.Put(docWith("b", model.Relations{"liesWithin": {"a"}}, nil)))

	ids, _ := ci.GetWithDescendants("liesWithin:contain", "a")
	assert.Equal(t, []string{"b"}, ids)
}

// Applying random puts and removes incrementally must leave the index equal
// to one built from scratch over the surviving documents.
func TestIncrementalEqualsRebuild(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	for round := 0; round < 50; round++ {
		ci := newIndex(t)
		live := map[string]*model.Document{}

		for step := 0; step < 40; step++ {
			id := ids[rng.Intn(len(ids))]
			if rng.Intn(4) == 0 {
				ci.Remove(id)
				delete(live, id)
				continue
			}
			d := randomDoc(rng, id, ids)
			require.NoError(t, ci.Put(d))
			live[id] = d
		}

		docs := make([]*model.Document, 0, len(live))
		for _, d := range live {
			docs = append(docs, d)
		}
		fresh := newIndex(t)
		require.NoError(t, fresh.Rebuild(docs))

		if diff := cmp.Diff(fresh.Snapshot(), ci.Snapshot()); diff != "" {
			t.Fatalf("round %d: incremental index diverged (-rebuilt +incremental):\n%s", round, diff)
		}
		assert.Equal(t, len(live), ci.Len())
	}
}

func randomDoc(rng *rand.Rand, id string, ids []string) *model.Document {
	rel := model.Relations{}
	if rng.Intn(3) > 0 {
		n := 1 + rng.Intn(2)
		for i := 0; i < n; i++ {
			rel["liesWithin"] = append(rel["liesWithin"], ids[rng.Intn(len(ids))])
		}
	}
	if rng.Intn(2) == 0 {
		rel["isDepictedIn"] = []string{fmt.Sprintf("img%d", rng.Intn(3))}
	}
	fields := map[string]any{}
	if rng.Intn(2) == 0 {
		fields["geometry"] = map[string]any{"type": "Point"}
	}
	d := docWith(id, rel, fields)
	d.Resource.Identifier = strings.ToUpper(id) + fmt.Sprint(rng.Intn(3))
	if rng.Intn(5) == 0 {
		d.Conflicts = []string{"2-x"}
	}
	return d
}

func TestSnapshotOfRebuildIsOrderIndependent(t *testing.T) {
	docs := []*model.Document{
		docWith("c", model.Relations{"liesWithin": {"b"}}, nil),
		docWith("b", model.Relations{"liesWithin": {"a"}}, nil),
		docWith("a", nil, nil),
	}
	one := newIndex(t)
	require.NoError(t, one.Rebuild(docs))

	two := newIndex(t)
	require.NoError(t, two.Rebuild([]*model.Document{docs[2], docs[1], docs[0]}))

	assert.Empty(t, cmp.Diff(one.Snapshot(), two.Snapshot()))
}
