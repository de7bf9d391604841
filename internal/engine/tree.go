package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/devrev/pairdb/fieldstore/internal/model"
)

type revNode struct {
	rev      string
	parent   string
	deleted  bool
	body     json.RawMessage
	children int
}

// revTree holds every known revision of one document
type revTree struct {
	nodes map[string]*revNode
}

func newRevTree() *revTree {
	return &revTree{nodes: make(map[string]*revNode)}
}

// changes reports whether inserting r would alter the tree
func (t *revTree) changes(r Revision) bool {
	n, ok := t.nodes[r.Rev]
	if !ok {
		return true
	}
	return n.body == nil && !n.deleted && r.Body != nil && !r.Deleted
}

func (t *revTree) insert(r Revision) bool {
	if n, ok := t.nodes[r.Rev]; ok {
		if !t.changes(r) {
			return false
		}
		n.body = cloneRaw(r.Body)
		return true
	}

	n := &revNode{
		rev:     r.Rev,
		parent:  r.Parent,
		deleted: r.Deleted,
	}
	if !r.Deleted {
		n.body = cloneRaw(r.Body)
	}
	for _, o := range t.nodes {
		if o.parent == r.Rev {
			n.children++
		}
	}
	if p, ok := t.nodes[r.Parent]; ok && r.Parent != "" {
		p.children++
	}
	t.nodes[r.Rev] = n
	return true
}

func (t *revTree) leaves() []*revNode {
	out := make([]*revNode, 0, 1)
	for _, n := range t.nodes {
		if n.children == 0 {
			out = append(out, n)
		}
	}
	return out
}

// winner picks the live leaf with the highest generation, ties broken by
// token. Deleted leaves win only when no live leaf exists.
func (t *revTree) winner() *revNode {
	var best *revNode
	for _, n := range t.leaves() {
		if best == nil || beats(n, best) {
			best = n
		}
	}
	return best
}

func beats(a, b *revNode) bool {
	if a.deleted != b.deleted {
		return !a.deleted
	}
	ga, gb := model.Generation(a.rev), model.Generation(b.rev)
	if ga != gb {
		return ga > gb
	}
	return a.rev > b.rev
}

// conflicts lists live leaves other than the winner
func (t *revTree) conflicts() []string {
	w := t.winner()
	var out []string
	for _, n := range t.leaves() {
		if n == w || n.deleted {
			continue
		}
		out = append(out, n.rev)
	}
	sort.Strings(out)
	return out
}

func (t *revTree) isDeleted() bool {
	w := t.winner()
	return w == nil || w.deleted
}

// ancestry walks from rev to the root
func (t *revTree) ancestry(rev string) []RevInfo {
	var out []RevInfo
	seen := make(map[string]struct{})
	for cur := rev; cur != ""; {
		if _, loop := seen[cur]; loop {
			break
		}
		seen[cur] = struct{}{}

		n, ok := t.nodes[cur]
		if !ok {
			out = append(out, RevInfo{Rev: cur, Status: StatusMissing})
			break
		}
		out = append(out, RevInfo{Rev: cur, Status: n.status()})
		cur = n.parent
	}
	return out
}

func (t *revTree) revisions() []Revision {
	out := make([]Revision, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, Revision{
			Rev:     n.rev,
			Parent:  n.parent,
			Deleted: n.deleted,
			Body:    cloneRaw(n.body),
		})
	}
	sortRevisions(out)
	return out
}

// compact drops bodies of non-leaf revisions
func (t *revTree) compact() int {
	dropped := 0
	for _, n := range t.nodes {
		if n.children > 0 && n.body != nil {
			n.body = nil
			dropped++
		}
	}
	return dropped
}

func (n *revNode) status() RevStatus {
	switch {
	case n.deleted:
		return StatusDeleted
	case n.body == nil:
		return StatusMissing
	default:
		return StatusAvailable
	}
}

func sortRevisions(revs []Revision) {
	sort.SliceStable(revs, func(i, j int) bool {
		gi, gj := model.Generation(revs[i].Rev), model.Generation(revs[j].Rev)
		if gi != gj {
			return gi < gj
		}
		return revs[i].Rev < revs[j].Rev
	})
}

// newRevision derives a token from the parent and content, so identical
// edits on two replicas produce the same revision.
func newRevision(parent string, body []byte, deleted bool) string {
	h := sha256.New()
	h.Write([]byte(parent))
	if deleted {
		h.Write([]byte{0, 1})
	} else {
		h.Write([]byte{0, 0})
	}
	h.Write(body)
	return model.FormatRevision(model.Generation(parent)+1, hex.EncodeToString(h.Sum(nil))[:32])
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
