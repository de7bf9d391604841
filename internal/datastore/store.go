// Package datastore is the document-level API over the replicated engine:
// validated CRUD with optimistic concurrency and a classified change feed.
package datastore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/broker"
	"github.com/devrev/pairdb/fieldstore/internal/engine"
	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/model"
	"github.com/devrev/pairdb/fieldstore/internal/validation"
)

// Engine is the replicated storage the store writes through
type Engine interface {
	Get(ctx context.Context, id string, opts engine.GetOptions) (*engine.Record, error)
	Put(ctx context.Context, id string, body []byte, prevRev string) (string, error)
	RemoveRevision(ctx context.Context, id, rev string) (string, error)
	ChangesSince(since uint64) ([]engine.Change, uint64)
	Seq() uint64
	Notify() (<-chan struct{}, func())
	AllIDs() []string
}

// Options configures a Store
type Options struct {
	IDGenerator       IDGenerator
	TombstoneCapacity int
	TombstoneGrace    time.Duration
	FeedBuffer        int
}

// Store serializes documents into the engine and exposes the change feed
type Store struct {
	engine     Engine
	validator  *validation.Validator
	ids        IDGenerator
	tombstones *Tombstones
	feed       *broker.Broker[FeedEvent]
	feedOnce   sync.Once
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewStore creates a store over eng
func NewStore(eng Engine, opts Options, logger *zap.Logger, m *metrics.Metrics) *Store {
	if opts.IDGenerator == nil {
		opts.IDGenerator = UUIDGenerator{}
	}
	if opts.FeedBuffer <= 0 {
		opts.FeedBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		engine:     eng,
		validator:  validation.NewValidator(),
		ids:        opts.IDGenerator,
		tombstones: NewTombstones(opts.TombstoneCapacity, opts.TombstoneGrace),
		feed:       broker.New[FeedEvent](opts.FeedBuffer),
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

func (s *Store) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errors.KindOf(err).String()
	}
	s.metrics.RecordStoreRequest(op, outcome, time.Since(start).Seconds())
}

// Create stores a new document. A missing resource id is generated.
func (s *Store) Create(ctx context.Context, doc *model.NewDocument, user string) (_ *model.Document, err error) {
	start := time.Now()
	defer func() { s.observe("create", start, err) }()

	if err := s.validator.ValidateNew(doc); err != nil {
		s.logger.Warn("Create validation failed", zap.Error(err))
		return nil, err
	}

	id := doc.Resource.ID
	if id != "" {
		if _, err := s.engine.Get(ctx, id, engine.GetOptions{}); err == nil {
			return nil, errors.ResourceIDExists(id)
		} else if !stderrors.Is(err, engine.ErrNotFound) {
			return nil, errors.Generic("existence check failed", err)
		}
	} else {
		id = s.ids.GenerateID()
	}

	stored := &model.Document{
		Resource: doc.Resource.Clone(),
		Created:  model.Action{User: user, Date: s.now().UTC()},
		Modified: []model.Action{},
	}
	stored.Resource.ID = id
	stored.Resource.NormalizeRelations()

	if err := s.validator.ValidateStored(stored); err != nil {
		return nil, err
	}

	if err := s.put(ctx, stored, ""); err != nil {
		if errors.IsSaveConflict(err) {
			return nil, errors.ResourceIDExists(id)
		}
		return nil, err
	}
	s.tombstones.Forget(id)

	s.logger.Debug("Document created",
		zap.String("id", id),
		zap.String("category", stored.Resource.Category),
		zap.String("user", user))

	return s.Fetch(ctx, id)
}

// Update writes a new revision of doc. The write is rejected with a save
// conflict unless doc.Rev is the current revision. Revisions listed in squash
// are folded into the history and removed after the write succeeds.
func (s *Store) Update(ctx context.Context, doc *model.Document, user string, squash []string) (_ *model.Document, err error) {
	start := time.Now()
	defer func() { s.observe("update", start, err) }()

	if doc == nil || doc.ID() == "" {
		return nil, errors.NoResourceID()
	}
	if err := s.validator.ValidateResource(doc); err != nil {
		s.logger.Warn("Update validation failed", zap.String("id", doc.ID()), zap.Error(err))
		return nil, err
	}

	id := doc.ID()
	current, err := s.fetchRecord(ctx, engine.GetOptions{}, id)
	if err != nil {
		return nil, err
	}

	prevRev := doc.Rev
	if prevRev == "" {
		prevRev = current.Rev
	}
	if prevRev != current.Rev {
		return nil, errors.SaveConflict(id, prevRev, nil)
	}

	stored := doc.Clone()
	stored.Created = current.Created
	stored.Modified = append([]model.Action{}, current.Modified...)

	if len(squash) > 0 {
		s.mergeHistories(ctx, stored, squash)
	}

	stored.Modified = append(stored.Modified, model.Action{User: user, Date: s.now().UTC()})
	stored.Resource.NormalizeRelations()

	if err := s.put(ctx, stored, prevRev); err != nil {
		return nil, err
	}

	// squashed leaves are retired only once their content is persisted
	if len(squash) > 0 {
		if err := s.removeRevisions(ctx, id, squash); err != nil {
			s.logger.Error("Squashed revisions left open",
				zap.String("id", id),
				zap.Strings("revs", squash),
				zap.Error(err))
		}
	}

	s.logger.Debug("Document updated",
		zap.String("id", id),
		zap.String("prev_rev", prevRev),
		zap.Int("squashed", len(squash)),
		zap.String("user", user))

	return s.Fetch(ctx, id)
}

func (s *Store) mergeHistories(ctx context.Context, target *model.Document, revs []string) {
	for _, rev := range revs {
		other, err := s.FetchRevision(ctx, target.ID(), rev)
		if err != nil {
			s.logger.Warn("Skipping history of unreadable revision",
				zap.String("id", target.ID()),
				zap.String("rev", rev),
				zap.Error(err))
			continue
		}
		target.MergeHistory(other)
	}
}

func (s *Store) removeRevisions(ctx context.Context, id string, revs []string) error {
	for _, rev := range revs {
		_, err := s.engine.RemoveRevision(ctx, id, rev)
		switch {
		case err == nil:
		case stderrors.Is(err, engine.ErrNotFound), stderrors.Is(err, engine.ErrConflict):
			s.logger.Debug("Revision already closed",
				zap.String("id", id),
				zap.String("rev", rev))
		default:
			return errors.Generic("failed to remove revision "+rev, err)
		}
	}
	return nil
}

func (s *Store) put(ctx context.Context, doc *model.Document, prevRev string) error {
	stored := *doc
	stored.Rev = ""
	stored.Conflicts = nil

	body, err := json.Marshal(&stored)
	if err != nil {
		return errors.InvalidDocument(doc.ID(), err.Error())
	}

	if _, err := s.engine.Put(ctx, doc.ID(), body, prevRev); err != nil {
		if stderrors.Is(err, engine.ErrConflict) {
			return errors.SaveConflict(doc.ID(), prevRev, err)
		}
		return errors.Generic("engine write failed", err)
	}
	return nil
}

// Remove deletes a document together with all its conflicting revisions
func (s *Store) Remove(ctx context.Context, doc *model.Document) (err error) {
	start := time.Now()
	defer func() { s.observe("remove", start, err) }()

	if doc == nil || doc.ID() == "" {
		return errors.NoResourceID()
	}
	id := doc.ID()

	s.tombstones.Add(id)
	s.metrics.UpdateTombstones(s.tombstones.Len())

	rec, err := s.engine.Get(ctx, id, engine.GetOptions{Conflicts: true})
	if err != nil {
		s.tombstones.Forget(id)
		if stderrors.Is(err, engine.ErrNotFound) {
			return errors.DocumentNotFound(id)
		}
		return errors.Generic("failed to read document for removal", err)
	}

	if err := s.removeRevisions(ctx, id, rec.Conflicts); err != nil {
		s.tombstones.Forget(id)
		return err
	}
	if _, err := s.engine.RemoveRevision(ctx, id, rec.Rev); err != nil {
		s.tombstones.Forget(id)
		if stderrors.Is(err, engine.ErrConflict) {
			return errors.SaveConflict(id, rec.Rev, err)
		}
		return errors.Generic("failed to remove document", err)
	}

	s.logger.Debug("Document removed",
		zap.String("id", id),
		zap.Int("conflicts_removed", len(rec.Conflicts)))
	return nil
}

// Fetch returns the current revision of a document with its conflicts
func (s *Store) Fetch(ctx context.Context, id string) (_ *model.Document, err error) {
	start := time.Now()
	defer func() { s.observe("fetch", start, err) }()

	return s.fetchRecord(ctx, engine.GetOptions{Conflicts: true}, id)
}

// FetchRevision returns a specific revision of a document
func (s *Store) FetchRevision(ctx context.Context, id, rev string) (*model.Document, error) {
	return s.fetchRecord(ctx, engine.GetOptions{Rev: rev}, id)
}

// FetchRevsInfo returns the ancestry of rev with availability of each step
func (s *Store) FetchRevsInfo(ctx context.Context, id, rev string) ([]engine.RevInfo, error) {
	rec, err := s.engine.Get(ctx, id, engine.GetOptions{Rev: rev, RevsInfo: true})
	if err != nil {
		if stderrors.Is(err, engine.ErrNotFound) {
			return nil, errors.DocumentNotFound(id).WithDetail("rev", rev)
		}
		return nil, errors.Generic("failed to read revision info", err)
	}
	return rec.RevsInfo, nil
}

// FetchMultiple returns the documents found among ids in the given order.
// Missing or invalid documents are skipped.
func (s *Store) FetchMultiple(ctx context.Context, ids []string) ([]*model.Document, error) {
	out := make([]*model.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Fetch(ctx, id)
		switch {
		case err == nil:
			out = append(out, doc)
		case errors.IsNotFound(err), errors.IsKind(err, errors.KindInvalidDocument):
			s.logger.Debug("Skipping document", zap.String("id", id), zap.Error(err))
		default:
			return nil, err
		}
	}
	return out, nil
}

// FetchAll returns every live document
func (s *Store) FetchAll(ctx context.Context) ([]*model.Document, error) {
	ids := s.engine.AllIDs()
	filtered := ids[:0]
	for _, id := range ids {
		if !validation.IsDesignID(id) {
			filtered = append(filtered, id)
		}
	}
	return s.FetchMultiple(ctx, filtered)
}

// Tombstoned reports whether id was removed locally and its deletion is
// still within the grace period
func (s *Store) Tombstoned(id string) bool {
	return s.tombstones.Contains(id)
}

func (s *Store) fetchRecord(ctx context.Context, opts engine.GetOptions, id string) (*model.Document, error) {
	if id == "" {
		return nil, errors.NoResourceID()
	}
	rec, err := s.engine.Get(ctx, id, opts)
	if err != nil {
		if stderrors.Is(err, engine.ErrNotFound) {
			return nil, errors.DocumentNotFound(id)
		}
		return nil, errors.Generic("engine read failed", err)
	}

	doc, err := decode(rec)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateStored(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decode(rec *engine.Record) (*model.Document, error) {
	var doc model.Document
	if err := json.Unmarshal(rec.Body, &doc); err != nil {
		return nil, errors.InvalidDocument(rec.ID, "undecodable body: "+err.Error())
	}
	if doc.Resource.ID == "" {
		doc.Resource.ID = rec.ID
	}
	doc.Rev = rec.Rev
	doc.Conflicts = rec.Conflicts
	return &doc, nil
}
