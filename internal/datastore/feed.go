package datastore

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/broker"
	"github.com/devrev/pairdb/fieldstore/internal/validation"
)

// FeedEvent is one classified change of a document
type FeedEvent struct {
	ID      string
	Rev     string
	Seq     uint64
	Deleted bool
}

// Subscribe registers a consumer of the change feed. Events are delivered
// in sequence order; the feed waits for slow consumers.
func (s *Store) Subscribe() *broker.Subscription[FeedEvent] {
	return s.feed.Subscribe()
}

// StartFeed begins following engine changes made from now on. It returns
// immediately; the feed stops when ctx is done.
func (s *Store) StartFeed(ctx context.Context) {
	s.feedOnce.Do(func() {
		since := s.engine.Seq()
		wake, stop := s.engine.Notify()

		s.logger.Info("Change feed started", zap.Uint64("since", since))
		go func() {
			defer s.feed.Close()
			defer stop()
			s.runFeed(ctx, since, wake)
		}()
	})
}

func (s *Store) runFeed(ctx context.Context, since uint64, wake <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Change feed stopped", zap.Uint64("seq", since))
			return
		case <-wake:
		}

		changes, _ := s.engine.ChangesSince(since)
		for _, c := range changes {
			since = c.Seq
			if validation.IsDesignID(c.ID) {
				continue
			}

			ev := FeedEvent{ID: c.ID, Rev: c.Rev, Seq: c.Seq, Deleted: c.Deleted}
			if c.Deleted {
				s.tombstones.Confirm(c.ID)
			} else if s.tombstones.Contains(c.ID) {
				ev.Deleted = true
			}

			if err := s.feed.Publish(ctx, ev); err != nil {
				return
			}
		}
		s.metrics.UpdateTombstones(s.tombstones.Len())
	}
}
