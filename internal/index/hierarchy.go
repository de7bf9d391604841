package index

// hierarchy tracks parent links of one recursively searchable index and keeps,
// for every ancestor, the set of all transitive descendants.
type hierarchy struct {
	parents     map[string][]string
	children    map[string]idSet
	ancestors   map[string]idSet
	descendants map[string]idSet
}

func newHierarchy() *hierarchy {
	return &hierarchy{
		parents:     make(map[string][]string),
		children:    make(map[string]idSet),
		ancestors:   make(map[string]idSet),
		descendants: make(map[string]idSet),
	}
}

// set replaces the parents of id; nil parents detach it
func (h *hierarchy) set(id string, parents []string) {
	affected := h.subtree(id)

	for _, p := range h.parents[id] {
		if c := h.children[p]; c != nil {
			delete(c, id)
			if len(c) == 0 {
				delete(h.children, p)
			}
		}
	}

	if len(parents) == 0 {
		delete(h.parents, id)
	} else {
		h.parents[id] = append([]string(nil), parents...)
		for _, p := range parents {
			c := h.children[p]
			if c == nil {
				c = make(idSet)
				h.children[p] = c
			}
			c[id] = struct{}{}
		}
	}

	for a := range affected {
		h.recompute(a)
	}
}

// subtree returns id and every node reachable through child links
func (h *hierarchy) subtree(id string) idSet {
	out := idSet{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for c := range h.children[cur] {
			if _, seen := out[c]; seen {
				continue
			}
			out[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return out
}

func (h *hierarchy) recompute(id string) {
	next := make(idSet)
	queue := append([]string(nil), h.parents[id]...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if p == id {
			continue
		}
		if _, seen := next[p]; seen {
			continue
		}
		next[p] = struct{}{}
		queue = append(queue, h.parents[p]...)
	}

	old := h.ancestors[id]
	for p := range old {
		if _, keep := next[p]; keep {
			continue
		}
		if d := h.descendants[p]; d != nil {
			delete(d, id)
			if len(d) == 0 {
				delete(h.descendants, p)
			}
		}
	}
	for p := range next {
		if _, had := old[p]; had {
			continue
		}
		d := h.descendants[p]
		if d == nil {
			d = make(idSet)
			h.descendants[p] = d
		}
		d[id] = struct{}{}
	}

	if len(next) == 0 {
		delete(h.ancestors, id)
	} else {
		h.ancestors[id] = next
	}
}
