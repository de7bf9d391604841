package datastore

import (
	"context"

	"github.com/devrev/pairdb/fieldstore/internal/cache"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

// CachedStore is a read-through cache in front of a Store
type CachedStore struct {
	store *Store
	cache *cache.DocumentCache
}

// NewCachedStore wraps store with c
func NewCachedStore(store *Store, c *cache.DocumentCache) *CachedStore {
	return &CachedStore{store: store, cache: c}
}

// Get returns a cached copy or fetches and caches the document
func (c *CachedStore) Get(ctx context.Context, id string) (*model.Document, error) {
	if doc, ok := c.cache.Get(id); ok {
		return doc, nil
	}
	doc, err := c.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Put(doc)
	return doc, nil
}

// GetMultiple returns the found documents among ids in order
func (c *CachedStore) GetMultiple(ctx context.Context, ids []string) ([]*model.Document, error) {
	out := make([]*model.Document, 0, len(ids))
	var missing []string
	found := make(map[string]*model.Document, len(ids))
	for _, id := range ids {
		if doc, ok := c.cache.Get(id); ok {
			found[id] = doc
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		fetched, err := c.store.FetchMultiple(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, doc := range fetched {
			c.cache.Put(doc)
			found[doc.ID()] = doc
		}
	}

	for _, id := range ids {
		if doc, ok := found[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Create stores and caches a new document
func (c *CachedStore) Create(ctx context.Context, doc *model.NewDocument, user string) (*model.Document, error) {
	created, err := c.store.Create(ctx, doc, user)
	if err != nil {
		return nil, err
	}
	c.cache.Put(created)
	return created, nil
}

// Update writes and caches a new revision
func (c *CachedStore) Update(ctx context.Context, doc *model.Document, user string, squash []string) (*model.Document, error) {
	updated, err := c.store.Update(ctx, doc, user, squash)
	if err != nil {
		return nil, err
	}
	c.cache.Put(updated)
	return updated, nil
}

// Remove deletes the document and evicts it
func (c *CachedStore) Remove(ctx context.Context, doc *model.Document) error {
	if err := c.store.Remove(ctx, doc); err != nil {
		return err
	}
	if doc != nil {
		c.cache.Remove(doc.ID())
	}
	return nil
}

// Store returns the uncached store
func (c *CachedStore) Store() *Store {
	return c.store
}
