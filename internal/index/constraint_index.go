// Package index maintains secondary indexes over document content.
package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/devrev/pairdb/fieldstore/internal/model"
)

const (
	// KnownKey holds documents with a non-empty value in an exist index
	KnownKey = "KNOWN"
	// UnknownKey holds documents without a value
	UnknownKey = "UNKNOWN"

	descendantsSuffix = "/descendants"
)

type idSet map[string]struct{}

// ConstraintIndex maps (index name, key) to the ids of matching documents
type ConstraintIndex struct {
	mu          sync.RWMutex
	defs        Definitions
	buckets     map[string]map[string]idSet
	keysOf      map[string]map[string][]string
	hierarchies map[string]*hierarchy
	docs        idSet
}

// NewConstraintIndex creates an empty index for defs
func NewConstraintIndex(defs Definitions) (*ConstraintIndex, error) {
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	ci := &ConstraintIndex{defs: defs}
	ci.reset()
	return ci, nil
}

func (ci *ConstraintIndex) reset() {
	ci.buckets = make(map[string]map[string]idSet, len(ci.defs))
	ci.keysOf = make(map[string]map[string][]string, len(ci.defs))
	ci.hierarchies = make(map[string]*hierarchy)
	ci.docs = make(idSet)
	for name, def := range ci.defs {
		ci.buckets[name] = make(map[string]idSet)
		ci.keysOf[name] = make(map[string][]string)
		if def.RecursivelySearchable {
			ci.hierarchies[name] = newHierarchy()
		}
	}
}

// Put indexes doc, replacing whatever was indexed for its id before
func (ci *ConstraintIndex) Put(doc *model.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s for indexing: %w", doc.ID(), err)
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.putLocked(doc.ID(), raw)
	return nil
}

func (ci *ConstraintIndex) putLocked(id string, raw []byte) {
	ci.docs[id] = struct{}{}
	for name, def := range ci.defs {
		ci.dropLocked(name, id)

		keys := keysFor(raw, def)
		for _, k := range keys {
			bucket := ci.buckets[name][k]
			if bucket == nil {
				bucket = make(idSet)
				ci.buckets[name][k] = bucket
			}
			bucket[id] = struct{}{}
		}
		if len(keys) > 0 {
			ci.keysOf[name][id] = keys
		}

		if h := ci.hierarchies[name]; h != nil {
			parents := make([]string, 0, len(keys))
			for _, k := range keys {
				if k != UnknownKey {
					parents = append(parents, k)
				}
			}
			h.set(id, parents)
		}
	}
}

// Remove drops id from every bucket
func (ci *ConstraintIndex) Remove(id string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	delete(ci.docs, id)
	for name := range ci.defs {
		ci.dropLocked(name, id)
		if h := ci.hierarchies[name]; h != nil {
			h.set(id, nil)
		}
	}
}

func (ci *ConstraintIndex) dropLocked(name, id string) {
	for _, k := range ci.keysOf[name][id] {
		bucket := ci.buckets[name][k]
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(ci.buckets[name], k)
		}
	}
	delete(ci.keysOf[name], id)
}

// Rebuild replaces the whole index with docs
func (ci *ConstraintIndex) Rebuild(docs []*model.Document) error {
	raws := make([][]byte, len(docs))
	for i, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode %s for indexing: %w", doc.ID(), err)
		}
		raws[i] = raw
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.reset()
	for i, doc := range docs {
		ci.putLocked(doc.ID(), raws[i])
	}
	return nil
}

// Get returns the sorted ids indexed under key
func (ci *ConstraintIndex) Get(name, key string) ([]string, error) {
	set, err := ci.lookup(name, key, false)
	if err != nil {
		return nil, err
	}
	return sortedIDs(set), nil
}

// GetWithDescendants returns the ids under key including every transitive
// descendant when the index is recursively searchable
func (ci *ConstraintIndex) GetWithDescendants(name, key string) ([]string, error) {
	set, err := ci.lookup(name, key, true)
	if err != nil {
		return nil, err
	}
	return sortedIDs(set), nil
}

// lookup returns a copy of the matching id set
func (ci *ConstraintIndex) lookup(name, key string, recursive bool) (idSet, error) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	if _, ok := ci.defs[name]; !ok {
		return nil, fmt.Errorf("unknown index %q", name)
	}

	var src idSet
	if h := ci.hierarchies[name]; recursive && h != nil {
		src = h.descendants[key]
	} else {
		src = ci.buckets[name][key]
	}

	out := make(idSet, len(src))
	for id := range src {
		out[id] = struct{}{}
	}
	return out, nil
}

// Definition returns the definition of an index
func (ci *ConstraintIndex) Definition(name string) (Definition, bool) {
	def, ok := ci.defs[name]
	return def, ok
}

// Len returns the number of indexed documents
func (ci *ConstraintIndex) Len() int {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return len(ci.docs)
}

// Snapshot returns every bucket as sorted id lists. Recursive buckets appear
// under the index name with a "/descendants" suffix.
func (ci *ConstraintIndex) Snapshot() map[string]map[string][]string {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	out := make(map[string]map[string][]string)
	for name, keys := range ci.buckets {
		m := make(map[string][]string, len(keys))
		for k, set := range keys {
			m[k] = sortedIDs(set)
		}
		out[name] = m
	}
	for name, h := range ci.hierarchies {
		m := make(map[string][]string, len(h.descendants))
		for k, set := range h.descendants {
			m[k] = sortedIDs(set)
		}
		out[name+descendantsSuffix] = m
	}
	return out
}

func keysFor(raw []byte, def Definition) []string {
	v := gjson.GetBytes(raw, def.Path)

	switch def.Type {
	case TypeExist:
		if present(v) {
			return []string{KnownKey}
		}
		return []string{UnknownKey}

	case TypeContain, TypeLinks:
		elems := elements(v)
		if len(elems) == 0 && def.Type == TypeContain {
			return []string{UnknownKey}
		}
		return elems

	case TypeMatch:
		if !v.Exists() || v.Type == gjson.Null || v.IsArray() || v.IsObject() || v.String() == "" {
			return []string{UnknownKey}
		}
		return []string{v.String()}
	}
	return nil
}

func present(v gjson.Result) bool {
	if !v.Exists() {
		return false
	}
	switch {
	case v.Type == gjson.Null:
		return false
	case v.IsArray():
		return len(v.Array()) > 0
	case v.IsObject():
		return len(v.Map()) > 0
	case v.Type == gjson.String:
		return v.Str != ""
	default:
		return true
	}
}

func elements(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, e := range v.Array() {
		if e.Type == gjson.Null || e.IsArray() || e.IsObject() {
			continue
		}
		s := e.String()
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedIDs(set idSet) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
