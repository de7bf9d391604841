package conflict

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/model"
	"github.com/devrev/pairdb/fieldstore/internal/util/workerpool"
)

// Resolver picks a strategy per document and serializes resolution of the
// same id on the keyed pool
type Resolver struct {
	store   Store
	generic *GenericResolver
	project *ProjectResolver
	pool    *workerpool.KeyedPool
	logger  *zap.Logger
}

// NewResolver creates a resolver running on pool
func NewResolver(store Store, pool *workerpool.KeyedPool, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:   store,
		generic: NewGenericResolver(store, logger.Named("generic"), m),
		project: NewProjectResolver(store, logger.Named("project"), m),
		pool:    pool,
		logger:  logger,
	}
}

// Resolve resolves the conflicts of id as user and returns the winning revision
func (r *Resolver) Resolve(ctx context.Context, id, user string) (*model.Document, error) {
	var out *model.Document
	err := r.pool.Run(ctx, id, func(ctx context.Context) error {
		var err error
		out, err = r.resolve(ctx, id, user)
		return err
	})
	return out, err
}

// Enqueue schedules resolution without waiting. It returns false when the
// queue for id is full.
func (r *Resolver) Enqueue(ctx context.Context, id, user string) bool {
	return r.pool.TrySubmit(workerpool.Task{
		ID:      id,
		Key:     id,
		Context: ctx,
		Fn: func(ctx context.Context) error {
			_, err := r.resolve(ctx, id, user)
			return err
		},
		Done: func(err error) {
			if err != nil {
				r.logger.Warn("Conflict resolution failed", zap.String("id", id), zap.Error(err))
			}
		},
	})
}

func (r *Resolver) resolve(ctx context.Context, id, user string) (*model.Document, error) {
	doc, err := r.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !doc.HasConflicts() {
		return doc, nil
	}
	if IsProjectDocument(doc) {
		return r.project.Resolve(ctx, id, user)
	}
	return r.generic.Resolve(ctx, id, user)
}
