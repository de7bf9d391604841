// Package cache holds recently used documents in memory with adaptive
// LRU/LFU eviction.
package cache

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

// Config holds cache configuration
type Config struct {
	MaxEntries      int
	FrequencyWeight float64
	RecencyWeight   float64
	AdaptiveWindow  time.Duration
}

type entry struct {
	doc         *model.Document
	accessCount int64
	lastAccess  time.Time
}

// DocumentCache caches documents by resource id. Callers always receive copies.
type DocumentCache struct {
	config          Config
	entries         map[string]*entry
	logger          *zap.Logger
	metrics         *metrics.Metrics
	mu              sync.Mutex
	frequencyWeight float64
	recencyWeight   float64
	now             func() time.Time
}

// NewDocumentCache creates a new cache
func NewDocumentCache(cfg Config, logger *zap.Logger, m *metrics.Metrics) *DocumentCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.FrequencyWeight == 0 && cfg.RecencyWeight == 0 {
		cfg.FrequencyWeight, cfg.RecencyWeight = 0.5, 0.5
	}
	if cfg.AdaptiveWindow <= 0 {
		cfg.AdaptiveWindow = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentCache{
		config:          cfg,
		entries:         make(map[string]*entry),
		logger:          logger,
		metrics:         m,
		frequencyWeight: cfg.FrequencyWeight,
		recencyWeight:   cfg.RecencyWeight,
		now:             time.Now,
	}
}

// Get returns a copy of the cached document
func (c *DocumentCache) Get(id string) (*model.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[id]
	if !found {
		c.metrics.RecordCacheMiss()
		return nil, false
	}

	e.accessCount++
	e.lastAccess = c.now()
	c.metrics.RecordCacheHit()
	return e.doc.Clone(), true
}

// Put adds or replaces a document
func (c *DocumentCache) Put(doc *model.Document) {
	if doc == nil || doc.ID() == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := doc.ID()
	if e, found := c.entries[id]; found {
		e.doc = doc.Clone()
		e.accessCount++
		e.lastAccess = c.now()
		return
	}

	for len(c.entries) >= c.config.MaxEntries {
		c.evictLowestScore()
	}

	c.entries[id] = &entry{
		doc:         doc.Clone(),
		accessCount: 1,
		lastAccess:  c.now(),
	}
	c.metrics.UpdateCacheSize(len(c.entries))
}

// Reassign replaces a document only when it is already cached, so feed
// updates refresh held copies without growing the cache.
func (c *DocumentCache) Reassign(doc *model.Document) bool {
	if doc == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[doc.ID()]
	if !found {
		return false
	}
	e.doc = doc.Clone()
	return true
}

// Remove drops a document
func (c *DocumentCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.entries[id]; found {
		delete(c.entries, id)
		c.metrics.UpdateCacheSize(len(c.entries))
	}
}

// Len returns the number of cached documents
func (c *DocumentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DocumentCache) score(e *entry, now time.Time) float64 {
	frequencyScore := float64(e.accessCount)
	recencyScore := now.Sub(e.lastAccess).Seconds()
	return c.frequencyWeight*frequencyScore - c.recencyWeight*recencyScore
}

func (c *DocumentCache) evictLowestScore() {
	now := c.now()
	lowestID := ""
	lowestScore := math.Inf(1)

	for id, e := range c.entries {
		if s := c.score(e, now); s < lowestScore {
			lowestScore = s
			lowestID = id
		}
	}

	if lowestID == "" {
		return
	}
	delete(c.entries, lowestID)
	c.metrics.RecordCacheEviction()
	c.logger.Debug("Evicted cache entry",
		zap.String("id", lowestID),
		zap.Float64("score", lowestScore))
}

// AdjustWeights shifts eviction between LRU and LFU based on how many
// entries were touched inside the adaptive window.
func (c *DocumentCache) AdjustWeights() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return
	}

	recentThreshold := c.now().Add(-c.config.AdaptiveWindow)
	recent := 0
	for _, e := range c.entries {
		if e.lastAccess.After(recentThreshold) {
			recent++
		}
	}

	hotnessRatio := float64(recent) / float64(len(c.entries))
	switch {
	case hotnessRatio > 0.7:
		c.recencyWeight, c.frequencyWeight = 0.7, 0.3
	case hotnessRatio < 0.3:
		c.recencyWeight, c.frequencyWeight = 0.3, 0.7
	default:
		c.recencyWeight, c.frequencyWeight = 0.5, 0.5
	}

	c.logger.Debug("Adjusted cache weights",
		zap.Float64("recency_weight", c.recencyWeight),
		zap.Float64("frequency_weight", c.frequencyWeight),
		zap.Float64("hotness_ratio", hotnessRatio))
}

// Stats returns cache statistics
func (c *DocumentCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:         len(c.entries),
		MaxEntries:      c.config.MaxEntries,
		FrequencyWeight: c.frequencyWeight,
		RecencyWeight:   c.recencyWeight,
	}
}

// Stats holds cache statistics
type Stats struct {
	Entries         int
	MaxEntries      int
	FrequencyWeight float64
	RecencyWeight   float64
}
