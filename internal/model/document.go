package model

import (
	"sort"
	"time"
)

// Action records who touched a document and when
type Action struct {
	User string    `json:"user"`
	Date time.Time `json:"date"`
}

// Equal compares user and instant
func (a Action) Equal(b Action) bool {
	return a.User == b.User && a.Date.Equal(b.Date)
}

// Document is a stored resource with its change history and revision metadata
type Document struct {
	Resource  Resource `json:"resource"`
	Created   Action   `json:"created"`
	Modified  []Action `json:"modified"`
	Rev       string   `json:"_rev,omitempty"`
	Conflicts []string `json:"_conflicts,omitempty"`
}

// NewDocument is the payload accepted on create
type NewDocument struct {
	Resource Resource `json:"resource"`
}

// ID returns the resource id
func (d *Document) ID() string {
	return d.Resource.ID
}

// HasConflicts reports whether sibling leaf revisions exist
func (d *Document) HasConflicts() bool {
	return len(d.Conflicts) > 0
}

// LastAction returns the most recent modification, or the creation
func (d *Document) LastAction() Action {
	if n := len(d.Modified); n > 0 {
		return d.Modified[n-1]
	}
	return d.Created
}

// LastModified returns the date of the last action
func (d *Document) LastModified() time.Time {
	return d.LastAction().Date
}

// TouchedBy reports whether any action in the history belongs to user
func (d *Document) TouchedBy(user string) bool {
	if d.Created.User == user {
		return true
	}
	for _, a := range d.Modified {
		if a.User == user {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (d *Document) Clone() *Document {
	out := &Document{
		Resource: d.Resource.Clone(),
		Created:  d.Created,
		Modified: append(make([]Action, 0, len(d.Modified)), d.Modified...),
		Rev:      d.Rev,
	}
	if d.Conflicts != nil {
		out.Conflicts = append([]string(nil), d.Conflicts...)
	}
	return out
}

// MergeHistory folds the actions of other into d.Modified. Actions already
// present in d are skipped and the result is ordered by date.
func (d *Document) MergeHistory(other *Document) {
	known := append([]Action{d.Created}, d.Modified...)
	candidates := append([]Action{other.Created}, other.Modified...)

	for _, c := range candidates {
		if c.User == "" && c.Date.IsZero() {
			continue
		}
		dup := false
		for _, k := range known {
			if k.Equal(c) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		d.Modified = append(d.Modified, c)
		known = append(known, c)
	}

	sort.SliceStable(d.Modified, func(i, j int) bool {
		return d.Modified[i].Date.Before(d.Modified[j].Date)
	})
}
