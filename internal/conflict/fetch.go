package conflict

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/fieldstore/internal/engine"
	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

// Store is the subset of the datastore the resolvers need
type Store interface {
	Fetch(ctx context.Context, id string) (*model.Document, error)
	FetchRevision(ctx context.Context, id, rev string) (*model.Document, error)
	FetchRevsInfo(ctx context.Context, id, rev string) ([]engine.RevInfo, error)
	Update(ctx context.Context, doc *model.Document, user string, squash []string) (*model.Document, error)
}

const maxParallelFetches = 8

// fetchRevisions reads revs in parallel; revisions that vanished are skipped
func fetchRevisions(ctx context.Context, store Store, id string, revs []string) ([]*model.Document, error) {
	out := make([]*model.Document, len(revs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, rev := range revs {
		g.Go(func() error {
			doc, err := store.FetchRevision(gctx, id, rev)
			if err != nil {
				if errors.IsNotFound(err) {
					return nil
				}
				return err
			}
			out[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := out[:0]
	for _, d := range out {
		if d != nil {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// predecessor returns the available revision one generation below rev on its branch
func predecessor(ctx context.Context, store Store, id, rev string) (*model.Document, error) {
	infos, err := store.FetchRevsInfo(ctx, id, rev)
	if err != nil {
		return nil, err
	}

	want := model.Generation(rev) - 1
	for _, info := range infos {
		if model.Generation(info.Rev) == want && info.Status == engine.StatusAvailable {
			return store.FetchRevision(ctx, id, info.Rev)
		}
	}
	return nil, errors.DocumentNotFound(id).WithDetail("rev", rev).WithDetail("reason", "no available predecessor")
}
