package index

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

// Constraint restricts a query by one index
type Constraint struct {
	Value string `json:"value"`
	// Subtract excludes matches instead of requiring them
	Subtract bool `json:"subtract,omitempty"`
	// SearchRecursively includes descendants on recursively searchable indexes
	SearchRecursively bool `json:"searchRecursively,omitempty"`
}

// Query selects documents by constraints and category
type Query struct {
	Constraints map[string]Constraint `json:"constraints,omitempty"`
	Categories  []string              `json:"categories,omitempty"`
	Offset      int                   `json:"offset,omitempty"`
	Limit       int                   `json:"limit,omitempty"`
}

type entry struct {
	category   string
	identifier string
}

// Facade answers queries over a ConstraintIndex and keeps the per-document
// data needed to filter and sort results
type Facade struct {
	constraintIndex *ConstraintIndex
	mu              sync.RWMutex
	entries         map[string]entry
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

// NewFacade creates a facade over ci
func NewFacade(ci *ConstraintIndex, logger *zap.Logger, m *metrics.Metrics) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facade{
		constraintIndex: ci,
		entries:         make(map[string]entry),
		logger:          logger,
		metrics:         m,
	}
}

// Put indexes or re-indexes a document
func (f *Facade) Put(doc *model.Document) error {
	start := time.Now()
	if err := f.constraintIndex.Put(doc); err != nil {
		return err
	}

	f.mu.Lock()
	f.entries[doc.ID()] = entry{category: doc.Resource.Category, identifier: doc.Resource.Identifier}
	n := len(f.entries)
	f.mu.Unlock()

	f.metrics.UpdateIndexStats(n, time.Since(start).Seconds())
	return nil
}

// Remove drops a document from all indexes
func (f *Facade) Remove(id string) {
	start := time.Now()
	f.constraintIndex.Remove(id)

	f.mu.Lock()
	delete(f.entries, id)
	n := len(f.entries)
	f.mu.Unlock()

	f.metrics.UpdateIndexStats(n, time.Since(start).Seconds())
}

// Rebuild replaces all index state with docs
func (f *Facade) Rebuild(docs []*model.Document) error {
	start := time.Now()
	if err := f.constraintIndex.Rebuild(docs); err != nil {
		return err
	}

	entries := make(map[string]entry, len(docs))
	for _, doc := range docs {
		entries[doc.ID()] = entry{category: doc.Resource.Category, identifier: doc.Resource.Identifier}
	}

	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()

	f.logger.Info("Index rebuilt",
		zap.Int("documents", len(docs)),
		zap.Duration("duration", time.Since(start)))
	f.metrics.UpdateIndexStats(len(docs), time.Since(start).Seconds())
	return nil
}

// Find returns matching ids ordered by identifier, then id
func (f *Facade) Find(q Query) ([]string, error) {
	ids, err := f.match(q)
	if err != nil {
		return nil, err
	}

	if q.Offset > 0 {
		if q.Offset >= len(ids) {
			return []string{}, nil
		}
		ids = ids[q.Offset:]
	}
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

// Count returns the number of matches ignoring offset and limit
func (f *Facade) Count(q Query) (int, error) {
	ids, err := f.match(q)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Get returns the ids in one bucket
func (f *Facade) Get(name, key string) ([]string, error) {
	return f.constraintIndex.Get(name, key)
}

// GetWithDescendants returns the ids under key and all their descendants
func (f *Facade) GetWithDescendants(name, key string) ([]string, error) {
	return f.constraintIndex.GetWithDescendants(name, key)
}

// Len returns the number of indexed documents
func (f *Facade) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

func (f *Facade) match(q Query) ([]string, error) {
	names := make([]string, 0, len(q.Constraints))
	for name := range q.Constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	var result idSet
	for _, name := range names {
		c := q.Constraints[name]
		if c.Subtract {
			continue
		}
		set, err := f.constraintIndex.lookup(name, c.Value, c.SearchRecursively)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = set
			continue
		}
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if result == nil {
		result = make(idSet, len(f.entries))
		for id := range f.entries {
			result[id] = struct{}{}
		}
	}

	for _, name := range names {
		c := q.Constraints[name]
		if !c.Subtract {
			continue
		}
		set, err := f.constraintIndex.lookup(name, c.Value, c.SearchRecursively)
		if err != nil {
			return nil, err
		}
		for id := range set {
			delete(result, id)
		}
	}

	var categories map[string]struct{}
	if len(q.Categories) > 0 {
		categories = make(map[string]struct{}, len(q.Categories))
		for _, c := range q.Categories {
			categories[c] = struct{}{}
		}
	}

	ids := make([]string, 0, len(result))
	for id := range result {
		e, known := f.entries[id]
		if !known {
			f.logger.Debug("Index returned unknown document", zap.String("id", id))
			continue
		}
		if categories != nil {
			if _, ok := categories[e.category]; !ok {
				continue
			}
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		a, b := f.entries[ids[i]], f.entries[ids[j]]
		if a.identifier != b.identifier {
			return a.identifier < b.identifier
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}
