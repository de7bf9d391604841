// Package engine is a replicated document engine: every document keeps a
// tree of revisions, a deterministic winner and a per-document change sequence.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Config holds engine configuration
type Config struct {
	// Dir holds commit log segments; empty keeps the engine in memory only
	Dir         string
	SegmentSize int64
	SyncWrites  bool
}

// Engine stores revision trees for all documents of one database
type Engine struct {
	mu     sync.RWMutex
	docs   map[string]*revTree
	latest map[string]Change
	seq    uint64
	log    *commitLog
	logger *zap.Logger

	lmu          sync.Mutex
	listeners    map[uint64]chan struct{}
	nextListener uint64
}

// Open creates an engine, replaying the commit log when a directory is configured
func Open(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		docs:      make(map[string]*revTree),
		latest:    make(map[string]Change),
		logger:    logger,
		listeners: make(map[uint64]chan struct{}),
	}

	if cfg.Dir == "" {
		return e, nil
	}

	log, err := openCommitLog(cfg.Dir, cfg.SegmentSize, cfg.SyncWrites, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Starting commit log recovery", zap.String("dir", cfg.Dir))
	recovered, err := log.replay(e.applyEntry)
	if err != nil {
		return nil, fmt.Errorf("commit log recovery: %w", err)
	}
	logger.Info("Commit log recovery completed",
		zap.Int("entries", recovered),
		zap.Int("documents", len(e.docs)),
		zap.Uint64("seq", e.seq))

	e.log = log
	return e, nil
}

func (e *Engine) applyEntry(entry *logEntry) {
	switch entry.Op {
	case opRevision:
		if entry.Revision == nil {
			return
		}
		t := e.docs[entry.ID]
		if t == nil {
			t = newRevTree()
			e.docs[entry.ID] = t
		}
		t.insert(*entry.Revision)
		if entry.Sequence > e.seq {
			e.seq = entry.Sequence
		}
		e.latest[entry.ID] = changeFor(entry.ID, t, entry.Sequence)
	case opCompact:
		for _, t := range e.docs {
			t.compact()
		}
	}
}

// Put writes a new revision on top of prevRev. Creating a document requires an
// empty prevRev unless the current winner is a deletion.
func (e *Engine) Put(ctx context.Context, id string, body []byte, prevRev string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !json.Valid(body) {
		return "", fmt.Errorf("engine: body of %s is not valid JSON", id)
	}

	e.mu.Lock()
	t := e.docs[id]
	parent := ""
	switch {
	case t == nil:
		if prevRev != "" {
			e.mu.Unlock()
			return "", ErrConflict
		}
	case t.isDeleted():
		w := t.winner()
		if prevRev != "" && prevRev != w.rev {
			e.mu.Unlock()
			return "", ErrConflict
		}
		parent = w.rev
	default:
		n := t.nodes[prevRev]
		if prevRev == "" || n == nil || n.children > 0 || n.deleted {
			e.mu.Unlock()
			return "", ErrConflict
		}
		parent = prevRev
	}

	rev := Revision{
		Rev:    newRevision(parent, body, false),
		Parent: parent,
		Body:   cloneRaw(body),
	}
	err := e.commitLocked(id, []Revision{rev})
	e.mu.Unlock()
	if err != nil {
		return "", err
	}

	e.notify()
	return rev.Rev, nil
}

// RemoveRevision closes the leaf rev with a deletion marker
func (e *Engine) RemoveRevision(ctx context.Context, id, rev string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	t := e.docs[id]
	if t == nil {
		e.mu.Unlock()
		return "", ErrNotFound
	}
	n := t.nodes[rev]
	if n == nil {
		e.mu.Unlock()
		return "", ErrNotFound
	}
	if n.children > 0 || n.deleted {
		e.mu.Unlock()
		return "", ErrConflict
	}

	marker := Revision{
		Rev:     newRevision(rev, nil, true),
		Parent:  rev,
		Deleted: true,
	}
	err := e.commitLocked(id, []Revision{marker})
	e.mu.Unlock()
	if err != nil {
		return "", err
	}

	e.notify()
	return marker.Rev, nil
}

// PutRevisions merges revisions received from a peer. It reports whether the
// tree changed; a replay of known revisions leaves the sequence untouched.
func (e *Engine) PutRevisions(ctx context.Context, id string, revs []Revision) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	sorted := append([]Revision(nil), revs...)
	sortRevisions(sorted)

	e.mu.Lock()
	t := e.docs[id]
	seen := make(map[string]struct{}, len(sorted))
	fresh := make([]Revision, 0, len(sorted))
	for _, r := range sorted {
		if r.Rev == "" {
			continue
		}
		if _, dup := seen[r.Rev]; dup {
			continue
		}
		seen[r.Rev] = struct{}{}
		if t == nil || t.changes(r) {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		e.mu.Unlock()
		return false, nil
	}
	err := e.commitLocked(id, fresh)
	e.mu.Unlock()
	if err != nil {
		return false, err
	}

	e.notify()
	return true, nil
}

func (e *Engine) commitLocked(id string, revs []Revision) error {
	seq := e.seq + 1
	if e.log != nil {
		for i := range revs {
			entry := &logEntry{
				Sequence: seq,
				Op:       opRevision,
				ID:       id,
				Revision: &revs[i],
			}
			if err := e.log.append(entry); err != nil {
				return fmt.Errorf("engine: commit log append for %s: %w", id, err)
			}
		}
	}

	t := e.docs[id]
	if t == nil {
		t = newRevTree()
		e.docs[id] = t
	}
	for _, r := range revs {
		t.insert(r)
	}
	e.seq = seq
	e.latest[id] = changeFor(id, t, seq)
	return nil
}

func changeFor(id string, t *revTree, seq uint64) Change {
	w := t.winner()
	c := Change{Seq: seq, ID: id}
	if w != nil {
		c.Rev = w.rev
		c.Deleted = w.deleted
	}
	return c
}

// Get reads the winning revision, or opts.Rev when set
func (e *Engine) Get(ctx context.Context, id string, opts GetOptions) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	t := e.docs[id]
	if t == nil {
		return nil, ErrNotFound
	}

	var n *revNode
	if opts.Rev != "" {
		n = t.nodes[opts.Rev]
	} else {
		n = t.winner()
	}
	if n == nil || n.deleted || n.body == nil {
		return nil, ErrNotFound
	}

	rec := &Record{
		ID:   id,
		Rev:  n.rev,
		Body: cloneRaw(n.body),
	}
	if opts.Conflicts && n == t.winner() {
		rec.Conflicts = t.conflicts()
	}
	if opts.RevsInfo {
		rec.RevsInfo = t.ancestry(n.rev)
	}
	return rec, nil
}

// Revisions returns the full revision tree of a document
func (e *Engine) Revisions(ctx context.Context, id string) ([]Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	t := e.docs[id]
	if t == nil {
		return nil, ErrNotFound
	}
	return t.revisions(), nil
}

// ChangesSince returns the latest change of every document updated after since,
// in sequence order, together with the current sequence.
func (e *Engine) ChangesSince(since uint64) ([]Change, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Change
	for _, c := range e.latest {
		if c.Seq > since {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out, e.seq
}

// Seq returns the current sequence
func (e *Engine) Seq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// AllIDs lists documents whose winner is not deleted
func (e *Engine) AllIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.docs))
	for id, t := range e.docs {
		if !t.isDeleted() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Compact drops bodies of superseded revisions and returns how many were dropped
func (e *Engine) Compact(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.log != nil {
		if err := e.log.append(&logEntry{Sequence: e.seq, Op: opCompact}); err != nil {
			return 0, fmt.Errorf("engine: commit log append for compaction: %w", err)
		}
	}

	dropped := 0
	for _, t := range e.docs {
		dropped += t.compact()
	}
	e.logger.Info("Compaction completed", zap.Int("dropped_bodies", dropped))
	return dropped, nil
}

// Notify returns a channel signalled after every committed change. The
// channel holds at most one pending signal; read ChangesSince to catch up.
func (e *Engine) Notify() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	e.lmu.Lock()
	e.nextListener++
	id := e.nextListener
	e.listeners[id] = ch
	e.lmu.Unlock()

	return ch, func() {
		e.lmu.Lock()
		delete(e.listeners, id)
		e.lmu.Unlock()
	}
}

func (e *Engine) notify() {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	for _, ch := range e.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Stats returns document count and sequence
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Documents: len(e.docs), Seq: e.seq}
}

// Close releases the commit log
func (e *Engine) Close() error {
	if e.log == nil {
		return nil
	}
	return e.log.close()
}
