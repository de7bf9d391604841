package changes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/broker"
	"github.com/devrev/pairdb/fieldstore/internal/cache"
	"github.com/devrev/pairdb/fieldstore/internal/datastore"
	"github.com/devrev/pairdb/fieldstore/internal/engine"
	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/index"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

type fakeSource struct {
	feed       *broker.Broker[datastore.FeedEvent]
	mu         sync.Mutex
	docs       map[string]*model.Document
	tombstoned map[string]bool
	failures   map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		feed:       broker.New[datastore.FeedEvent](16),
		docs:       map[string]*model.Document{},
		tombstoned: map[string]bool{},
		failures:   map[string]error{},
	}
}

func (f *fakeSource) Subscribe() *broker.Subscription[datastore.FeedEvent] { return f.feed.Subscribe() }

func (f *fakeSource) Fetch(_ context.Context, id string) (*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[id]; ok {
		return nil, err
	}
	d, ok := f.docs[id]
	if !ok {
		return nil, errors.DocumentNotFound(id)
	}
	return d.Clone(), nil
}

func (f *fakeSource) FetchAll(context.Context) ([]*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Document
	for _, d := range f.docs {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (f *fakeSource) Tombstoned(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tombstoned[id]
}

func (f *fakeSource) tombstone(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tombstoned[id] = true
}

func (f *fakeSource) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = err
}

func (f *fakeSource) set(d *model.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[d.ID()] = d
}

func find(id string, parent string) *model.Document {
	rel := model.Relations{}
	if parent != "" {
		rel["liesWithin"] = []string{parent}
	}
	return &model.Document{
		Resource: model.Resource{ID: id, Category: "Find", Identifier: id, Relations: rel},
		Modified: []model.Action{},
	}
}

func newFacade(t *testing.T) *index.Facade {
	ci, err := index.NewConstraintIndex(index.DefaultDefinitions())
	require.NoError(t, err)
	return index.NewFacade(ci, zap.NewNop(), nil)
}

func expectNone(t *testing.T, ch <-chan *model.Document) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected notification for %s", d.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

func expectDoc(t *testing.T, ch <-chan *model.Document) *model.Document {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestStaleUpsertAfterDeletionIsSuppressed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	src.set(find("a", ""))
	facade := newFacade(t)
	s := NewStream(src, facade, nil, Config{}, zap.NewNop(), nil)
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Ready())
	assert.Equal(t, 1, facade.Len())

	changed := s.Changed()
	deleted := s.Deleted()

	src.tombstone("a")
	require.NoError(t, src.feed.Publish(ctx, datastore.FeedEvent{ID: "a", Deleted: true}))
	stub := expectDoc(t, deleted.C())
	assert.Equal(t, "a", stub.ID())

	// the engine still returns the pre-deletion snapshot
	require.NoError(t, src.feed.Publish(ctx, datastore.FeedEvent{ID: "a"}))
	expectNone(t, changed.C())
	assert.Equal(t, 0, facade.Len())
}

func TestUpsertOfVanishedDocumentIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	facade := newFacade(t)
	s := NewStream(src, facade, nil, Config{}, zap.NewNop(), nil)
	require.NoError(t, s.Start(ctx))
	changed := s.Changed()

	require.NoError(t, src.feed.Publish(ctx, datastore.FeedEvent{ID: "gone"}))
	expectNone(t, changed.C())
}

func TestInvalidDocumentIsDroppedWithoutStopping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	facade := newFacade(t)
	s := NewStream(src, facade, nil, Config{}, zap.NewNop(), nil)
	require.NoError(t, s.Start(ctx))
	changed := s.Changed()

	src.fail("bad", errors.InvalidDocument("bad", "category missing"))
	require.NoError(t, src.feed.Publish(ctx, datastore.FeedEvent{ID: "bad"}))

	src.set(find("ok", ""))
	require.NoError(t, src.feed.Publish(ctx, datastore.FeedEvent{ID: "ok"}))
	assert.Equal(t, "ok", expectDoc(t, changed.C()).ID())

	ids, err := facade.Find(index.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids)
}

func TestStreamKeepsIndexInStepWithStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.Open(engine.Config{}, zap.NewNop())
	require.NoError(t, err)
	store := datastore.NewStore(eng, datastore.Options{}, zap.NewNop(), nil)
	docCache := cache.NewDocumentCache(cache.Config{MaxEntries: 10}, zap.NewNop(), nil)

	root, err := store.Create(ctx, &model.NewDocument{Resource: model.Resource{ID: "root", Category: "Trench"}}, "u")
	require.NoError(t, err)
	docCache.Put(root)

	store.StartFeed(ctx)
	facade := newFacade(t)
	s := NewStream(store, facade, docCache, Config{}, zap.NewNop(), nil)
	require.NoError(t, s.Start(ctx))
	changed := s.Changed()
	deleted := s.Deleted()

	child, err := store.Create(ctx, &model.NewDocument{Resource: model.Resource{
		ID: "child", Category: "Find", Relations: model.Relations{"liesWithin": {"root"}},
	}}, "u")
	require.NoError(t, err)
	assert.Equal(t, "child", expectDoc(t, changed.C()).ID())

	ids, _ := facade.GetWithDescendants("liesWithin:contain", "root")
	assert.Equal(t, []string{"child"}, ids)

	root.Resource.Identifier = "T1"
	_, err = store.Update(ctx, root, "u", nil)
	require.NoError(t, err)
	assert.Equal(t, "root", expectDoc(t, changed.C()).ID())
	cached, ok := docCache.Get("root")
	require.True(t, ok)
	assert.Equal(t, "T1", cached.Resource.Identifier)

	require.NoError(t, store.Remove(ctx, child))
	assert.Equal(t, "child", expectDoc(t, deleted.C()).ID())
	expectNone(t, changed.C())

	ids, _ = facade.GetWithDescendants("liesWithin:contain", "root")
	assert.Empty(t, ids)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestConflictedNotificationsAreNotDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	s := NewStream(src, newFacade(t), nil, Config{NotificationBuffer: 1}, zap.NewNop(), nil)
	require.NoError(t, s.Start(ctx))
	changed := s.Changed()
	conflicted := s.Conflicted()

	ids := []string{"c1", "c2", "c3"}
	for _, id := range ids {
		d := find(id, "")
		d.Conflicts = []string{"2-0"}
		src.set(d)
		require.NoError(t, src.feed.Publish(ctx, datastore.FeedEvent{ID: id}))
	}

	for _, id := range ids {
		assert.Equal(t, id, expectDoc(t, conflicted.C()).ID())
	}
	assert.Equal(t, "c1", expectDoc(t, changed.C()).ID())
	expectNone(t, changed.C())
}

func TestVanishedDocumentLeavesCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	docCache := cache.NewDocumentCache(cache.Config{MaxEntries: 10}, zap.NewNop(), nil)
	docCache.Put(find("gone", ""))
	s := NewStream(src, newFacade(t), docCache, Config{}, zap.NewNop(), nil)
	require.NoError(t, s.Start(ctx))
	changed := s.Changed()

	require.NoError(t, src.feed.Publish(ctx, datastore.FeedEvent{ID: "gone"}))
	src.set(find("ok", ""))
	require.NoError(t, src.feed.Publish(ctx, datastore.FeedEvent{ID: "ok"}))
	assert.Equal(t, "ok", expectDoc(t, changed.C()).ID())

	_, ok := docCache.Get("gone")
	assert.False(t, ok)
}
