package conflict

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

const strategyGeneric = "generic"

// GenericResolver merges conflicting revisions whose changes touch fields the
// current revision left alone. A conflicting revision whose changes overlap is
// not inspected again.
type GenericResolver struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	inspected map[string]struct{}
}

// NewGenericResolver creates a generic resolver
func NewGenericResolver(store Store, logger *zap.Logger, m *metrics.Metrics) *GenericResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenericResolver{
		store:     store,
		logger:    logger,
		metrics:   m,
		inspected: make(map[string]struct{}),
	}
}

// Resolve squashes every merge-compatible conflict of id that user took part in
func (r *GenericResolver) Resolve(ctx context.Context, id, user string) (*model.Document, error) {
	current, err := r.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.HasConflicts() {
		return current, nil
	}

	var fresh []string
	for _, rev := range current.Conflicts {
		if !r.wasInspected(id, rev) {
			fresh = append(fresh, rev)
		}
	}
	if len(fresh) == 0 {
		return current, nil
	}

	conflicted, err := fetchRevisions(ctx, r.store, id, fresh)
	if err != nil {
		return current, err
	}

	resolved, unresolved := 0, 0
	for _, c := range conflicted {
		if !c.TouchedBy(user) {
			continue
		}

		next, merged, err := r.resolveOne(ctx, current, c, user)
		switch {
		case err != nil && errors.IsNotFound(err):
			r.logger.Warn("Skipping conflict without readable ancestor",
				zap.String("id", id),
				zap.String("rev", c.Rev),
				zap.Error(err))
			unresolved++
			continue
		case err != nil:
			r.metrics.RecordConflicts(strategyGeneric, resolved, unresolved)
			return current, err
		}

		current = next
		if merged {
			resolved++
		} else {
			// overlapping changes are left for manual resolution
			r.markInspected(id, c.Rev)
			unresolved++
		}
	}

	r.metrics.RecordConflicts(strategyGeneric, resolved, unresolved)
	if resolved > 0 {
		r.logger.Info("Resolved conflicts",
			zap.String("id", id),
			zap.Int("resolved", resolved),
			zap.Int("unresolved", unresolved))
	}
	return current, nil
}

func (r *GenericResolver) resolveOne(ctx context.Context, current, conflicted *model.Document, user string) (*model.Document, bool, error) {
	id := current.ID()
	base, err := predecessor(ctx, r.store, id, conflicted.Rev)
	if err != nil {
		return current, false, err
	}
	theirs := changedFields(base.Resource, conflicted.Resource)

	for attempt := 0; ; attempt++ {
		ours := changedFields(base.Resource, current.Resource)
		if clash := overlapping(theirs, ours); len(clash) > 0 {
			r.logger.Debug("Conflict needs manual resolution",
				zap.String("id", id),
				zap.String("rev", conflicted.Rev),
				zap.Strings("fields", clash))
			return current, false, nil
		}

		merged := current.Clone()
		applyFields(&merged.Resource, conflicted.Resource, theirs)

		updated, err := r.store.Update(ctx, merged, user, []string{conflicted.Rev})
		if err == nil {
			return updated, true, nil
		}
		if !errors.IsSaveConflict(err) || attempt > 0 {
			return current, false, err
		}

		r.logger.Debug("Retrying merge after concurrent write",
			zap.String("id", id),
			zap.String("rev", conflicted.Rev))
		current, err = r.store.Fetch(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !contains(current.Conflicts, conflicted.Rev) {
			return current, false, nil
		}
	}
}

func (r *GenericResolver) wasInspected(id, rev string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, seen := r.inspected[id+"@"+rev]
	return seen
}

// markInspected records a conflict revision that was examined and left open
func (r *GenericResolver) markInspected(id, rev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inspected[id+"@"+rev] = struct{}{}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
