package conflict

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/broker"
	"github.com/devrev/pairdb/fieldstore/internal/index"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

// ConflictsIndex names the index listing documents with open conflicts
const ConflictsIndex = "conflicts:exist"

// AutoResolver resolves conflicts as documents change and on a periodic sweep
type AutoResolver struct {
	resolver *Resolver
	facade   *index.Facade
	user     string
	interval time.Duration
	logger   *zap.Logger
}

// NewAutoResolver creates an auto resolver acting as user. A zero interval
// disables the sweep.
func NewAutoResolver(resolver *Resolver, facade *index.Facade, user string, interval time.Duration, logger *zap.Logger) *AutoResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoResolver{
		resolver: resolver,
		facade:   facade,
		user:     user,
		interval: interval,
		logger:   logger,
	}
}

// Run consumes conflicted documents until ctx is done
func (a *AutoResolver) Run(ctx context.Context, changed *broker.Subscription[*model.Document]) {
	defer changed.Unsubscribe()

	var tick <-chan time.Time
	if a.interval > 0 {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed.Done():
			return
		case doc := <-changed.C():
			if doc.HasConflicts() && !a.resolver.Enqueue(ctx, doc.ID(), a.user) {
				a.logger.Warn("Resolver queue full", zap.String("id", doc.ID()))
			}
		case <-tick:
			if _, err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("Conflict sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep resolves every indexed document with conflicts and returns how many
// ended up conflict free
func (a *AutoResolver) Sweep(ctx context.Context) (int, error) {
	ids, err := a.facade.Get(ConflictsIndex, index.KnownKey)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		doc, err := a.resolver.Resolve(ctx, id, a.user)
		if err != nil {
			a.logger.Warn("Failed to resolve conflicts", zap.String("id", id), zap.Error(err))
			continue
		}
		if !doc.HasConflicts() {
			cleared++
		}
	}

	if len(ids) > 0 {
		a.logger.Debug("Conflict sweep finished",
			zap.Int("candidates", len(ids)),
			zap.Int("cleared", cleared))
	}
	return cleared, nil
}
