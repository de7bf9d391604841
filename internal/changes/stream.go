// Package changes turns the datastore feed into index updates and
// changed/deleted notifications.
package changes

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/broker"
	"github.com/devrev/pairdb/fieldstore/internal/datastore"
	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/index"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

// Source is the document store the stream follows
type Source interface {
	Subscribe() *broker.Subscription[datastore.FeedEvent]
	Fetch(ctx context.Context, id string) (*model.Document, error)
	FetchAll(ctx context.Context) ([]*model.Document, error)
	Tombstoned(id string) bool
}

// Cache is refreshed with documents seen on the feed
type Cache interface {
	Reassign(doc *model.Document) bool
	Remove(id string)
}

// Stream applies feed events one at a time
type Stream struct {
	source  Source
	facade  *index.Facade
	cache   Cache
	changed    *broker.Broker[*model.Document]
	deleted    *broker.Broker[*model.Document]
	conflicted *broker.Broker[*model.Document]
	logger  *zap.Logger
	metrics *metrics.Metrics

	startOnce sync.Once
	ready     atomic.Bool
	done      chan struct{}
}

// Config holds stream configuration
type Config struct {
	NotificationBuffer int
}

// NewStream creates a stream. cache may be nil.
func NewStream(source Source, facade *index.Facade, cache Cache, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Stream {
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		source:  source,
		facade:  facade,
		cache:   cache,
		changed:    broker.New[*model.Document](cfg.NotificationBuffer),
		deleted:    broker.New[*model.Document](cfg.NotificationBuffer),
		conflicted: broker.New[*model.Document](cfg.NotificationBuffer),
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start subscribes to the feed, builds the index from all current documents
// and then processes events until ctx is done.
func (s *Stream) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		sub := s.source.Subscribe()

		var docs []*model.Document
		docs, err = s.source.FetchAll(ctx)
		if err != nil {
			sub.Unsubscribe()
			close(s.done)
			return
		}
		if err = s.facade.Rebuild(docs); err != nil {
			sub.Unsubscribe()
			close(s.done)
			return
		}

		s.ready.Store(true)
		go s.run(ctx, sub)
	})
	return err
}

// Ready reports whether the initial index build finished
func (s *Stream) Ready() bool {
	return s.ready.Load()
}

// Done is closed when processing stops
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Changed subscribes to changed-document notifications
func (s *Stream) Changed() *broker.Subscription[*model.Document] {
	return s.changed.Subscribe()
}

// Deleted subscribes to deletion notifications. Deleted documents are stubs
// carrying only the resource id.
func (s *Stream) Deleted() *broker.Subscription[*model.Document] {
	return s.deleted.Subscribe()
}

// Conflicted subscribes to changed documents that carry conflicts. Unlike
// Changed, nothing is dropped: processing waits for the subscriber.
func (s *Stream) Conflicted() *broker.Subscription[*model.Document] {
	return s.conflicted.Subscribe()
}

func (s *Stream) run(ctx context.Context, sub *broker.Subscription[datastore.FeedEvent]) {
	defer close(s.done)
	defer s.changed.Close()
	defer s.deleted.Close()
	defer s.conflicted.Close()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			s.logger.Info("Change feed closed")
			return
		case ev := <-sub.C():
			s.handle(ctx, ev)
		}
	}
}

func (s *Stream) handle(ctx context.Context, ev datastore.FeedEvent) {
	if ev.Deleted {
		s.handleDeletion(ev.ID)
		return
	}

	doc, err := s.source.Fetch(ctx, ev.ID)
	if err != nil {
		if errors.IsNotFound(err) {
			// closed after the event was emitted; its deletion event follows
			s.logger.Debug("Changed document vanished", zap.String("id", ev.ID))
			s.facade.Remove(ev.ID)
			if s.cache != nil {
				s.cache.Remove(ev.ID)
			}
			s.metrics.RecordFeedEvent("vanished")
			return
		}
		s.logger.Warn("Dropping feed event",
			zap.String("id", ev.ID),
			zap.String("rev", ev.Rev),
			zap.Error(err))
		s.metrics.RecordFeedEvent("invalid")
		return
	}

	if s.source.Tombstoned(ev.ID) {
		s.logger.Debug("Suppressing change of locally deleted document", zap.String("id", ev.ID))
		s.metrics.RecordFeedEvent("suppressed")
		return
	}

	if err := s.facade.Put(doc); err != nil {
		s.logger.Warn("Failed to index document", zap.String("id", ev.ID), zap.Error(err))
		s.metrics.RecordFeedEvent("invalid")
		return
	}
	if s.cache != nil {
		s.cache.Reassign(doc)
	}

	s.metrics.RecordFeedEvent("changed")
	s.metrics.RecordNotificationsDropped(s.changed.TryPublish(doc))

	if doc.HasConflicts() {
		if err := s.conflicted.Publish(ctx, doc); err != nil {
			s.logger.Debug("Conflict notification abandoned", zap.String("id", ev.ID), zap.Error(err))
		}
	}
}

func (s *Stream) handleDeletion(id string) {
	s.facade.Remove(id)
	if s.cache != nil {
		s.cache.Remove(id)
	}

	stub := &model.Document{Resource: model.Resource{ID: id}}
	s.metrics.RecordFeedEvent("deleted")
	s.metrics.RecordNotificationsDropped(s.deleted.TryPublish(stub))
}
