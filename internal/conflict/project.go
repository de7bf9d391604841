package conflict

import (
	"context"
	"sort"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

const (
	// ProjectID is the id of the project settings document
	ProjectID = "project"
	// ProjectCategory is the category of project documents
	ProjectCategory = "Project"

	fieldStaff     = "staff"
	fieldCampaigns = "campaigns"

	strategyProject = "project"
)

var unionFields = []string{fieldStaff, fieldCampaigns}

// IsProjectDocument reports whether doc is resolved by the project strategy
func IsProjectDocument(doc *model.Document) bool {
	return doc.ID() == ProjectID || doc.Resource.Category == ProjectCategory
}

// ProjectResolver folds conflicting project snapshots. Staff and campaigns
// are unioned; other fields must agree for a pair to merge.
type ProjectResolver struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewProjectResolver creates a project resolver
func NewProjectResolver(store Store, logger *zap.Logger, m *metrics.Metrics) *ProjectResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectResolver{store: store, logger: logger, metrics: m}
}

// Resolve folds the conflicts of id, retrying once when the write races another
func (r *ProjectResolver) Resolve(ctx context.Context, id, user string) (*model.Document, error) {
	for attempt := 0; ; attempt++ {
		doc, err := r.resolveOnce(ctx, id, user)
		if err == nil || !errors.IsSaveConflict(err) || attempt > 0 {
			return doc, err
		}
		r.logger.Debug("Retrying project resolution after concurrent write", zap.String("id", id))
	}
}

func (r *ProjectResolver) resolveOnce(ctx context.Context, id, user string) (*model.Document, error) {
	latest, err := r.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !latest.HasConflicts() {
		return latest, nil
	}

	conflicted, err := fetchRevisions(ctx, r.store, id, latest.Conflicts)
	if err != nil {
		return latest, err
	}
	sort.SliceStable(conflicted, func(i, j int) bool {
		return conflicted[i].LastModified().Before(conflicted[j].LastModified())
	})

	resources := make([]model.Resource, 0, len(conflicted)+1)
	for _, c := range conflicted {
		resources = append(resources, c.Resource)
	}
	resources = append(resources, latest.Resource)

	result, used := SolveProjectConflicts(resources)

	squash := make([]string, 0, len(used))
	for _, i := range used {
		squash = append(squash, conflicted[i].Rev)
	}
	unresolved := len(conflicted) - len(squash)

	if len(squash) == 0 && cmp.Equal(result.Canonical(), latest.Resource.Canonical()) {
		r.metrics.RecordConflicts(strategyProject, 0, unresolved)
		return latest, nil
	}

	next := latest.Clone()
	next.Resource = result
	updated, err := r.store.Update(ctx, next, user, squash)
	if err != nil {
		return latest, err
	}

	r.metrics.RecordConflicts(strategyProject, len(squash), unresolved)
	r.logger.Info("Resolved project conflicts",
		zap.String("id", id),
		zap.Int("resolved", len(squash)),
		zap.Int("unresolved", unresolved))
	return updated, nil
}

// SolveProjectConflicts merges snapshots ordered oldest first; the last one
// is the current revision. It returns the merged resource and the indexes of
// the snapshots absorbed into it.
func SolveProjectConflicts(resources []model.Resource) (model.Resource, []int) {
	if len(resources) == 0 {
		return model.Resource{}, nil
	}

	collapsed, used := collapse(resources)

	absorbed := make(map[int]bool, len(used))
	for _, i := range used {
		absorbed[i] = true
	}
	remaining := make([]model.Resource, 0, len(resources)-len(used))
	for i, res := range resources {
		if !absorbed[i] {
			remaining = append(remaining, res)
		}
	}
	remaining[len(remaining)-1] = collapsed

	return crunch(remaining), used
}

// collapse folds pairs from the newest end. A compatible pair merges and
// the older index is reported as used; otherwise the newer one survives.
func collapse(resources []model.Resource) (model.Resource, []int) {
	list := make([]model.Resource, len(resources))
	for i, res := range resources {
		list[i] = res.Clone()
	}

	var used []int
	for len(list) > 1 {
		n := len(list)
		older, newer := list[n-2], list[n-1]
		if merged, ok := solvePair(older, newer); ok {
			used = append(used, n-2)
			list = append(list[:n-2], merged)
		} else {
			list = append(list[:n-2], newer)
		}
	}
	return list[0], used
}

func solvePair(older, newer model.Resource) (model.Resource, bool) {
	if cmp.Equal(older.Canonical(), newer.Canonical()) {
		return older.Clone(), true
	}

	// a snapshot carrying nothing beyond its identity yields to the other
	if len(withoutIdentity(older)) == 0 {
		return newer.Clone(), true
	}
	if len(withoutIdentity(newer)) == 0 {
		return older.Clone(), true
	}

	if !cmp.Equal(mergeKey(older), mergeKey(newer)) {
		return model.Resource{}, false
	}
	merged := newer.Clone()
	for _, f := range unionFields {
		unionInto(&merged, f, older, newer)
	}
	return merged, true
}

// crunch unions staff and campaigns of all snapshots into the last one
func crunch(resources []model.Resource) model.Resource {
	result := resources[len(resources)-1].Clone()
	for _, f := range unionFields {
		unionInto(&result, f, resources...)
	}
	return result
}

func withoutIdentity(r model.Resource) map[string]any {
	m := r.Canonical()
	for _, k := range []string{model.KeyID, model.KeyCategory, model.KeyIdentifier, model.KeyRelations} {
		delete(m, k)
	}
	return m
}

// mergeKey drops the identity and union fields
func mergeKey(r model.Resource) map[string]any {
	m := withoutIdentity(r)
	for _, f := range unionFields {
		delete(m, f)
	}
	return m
}

func unionInto(target *model.Resource, field string, sources ...model.Resource) {
	seen := make(map[string]bool)
	present := false
	var out []string
	for _, src := range sources {
		if _, ok := src.Fields[field]; ok {
			present = true
		}
		for _, v := range src.Strings(field) {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	if !present {
		return
	}
	if out == nil {
		out = []string{}
	}
	target.Set(field, out)
}
