package matching

import "sort"

// BlockGraph stores directed block relations. An edge source -> target means
// source will never be paired with target; it says nothing about
// target -> source.
type BlockGraph struct {
	out map[Identity]map[Identity]struct{} // source -> targets
	in  map[Identity]map[Identity]struct{} // target -> sources
}

// NewBlockGraph creates an empty BlockGraph.
func NewBlockGraph() *BlockGraph {
	return &BlockGraph{
		out: make(map[Identity]map[Identity]struct{}),
		in:  make(map[Identity]map[Identity]struct{}),
	}
}

// Block adds the edge source -> target. It returns false if the edge
// already existed.
func (g *BlockGraph) Block(source, target Identity) bool {
	if g.IsBlocked(source, target) {
		return false
	}
	addEdge(g.out, source, target)
	addEdge(g.in, target, source)
	return true
}

// Unblock removes the edge source -> target. It returns false if there was
// no such edge.
func (g *BlockGraph) Unblock(source, target Identity) bool {
	if !g.IsBlocked(source, target) {
		return false
	}
	removeEdge(g.out, source, target)
	removeEdge(g.in, target, source)
	return true
}

// IsBlocked reports whether source blocks target.
func (g *BlockGraph) IsBlocked(source, target Identity) bool {
	_, ok := g.out[source][target]
	return ok
}

// EitherBlocks reports whether a blocks b or b blocks a.
func (g *BlockGraph) EitherBlocks(a, b Identity) bool {
	return g.IsBlocked(a, b) || g.IsBlocked(b, a)
}

// List returns the identities blocked by source, sorted for stable output.
func (g *BlockGraph) List(source Identity) []Identity {
	targets := g.out[source]
	list := make([]Identity, 0, len(targets))
	for t := range targets {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// RemoveIdentity drops every edge sourced from id as well as every edge
// pointing at it. Identities are never reused, so incoming edges to a
// departed identity can no longer affect pairing.
func (g *BlockGraph) RemoveIdentity(id Identity) {
	for target := range g.out[id] {
		removeEdge(g.in, target, id)
	}
	delete(g.out, id)

	for source := range g.in[id] {
		removeEdge(g.out, source, id)
	}
	delete(g.in, id)
}

// Edges returns the total number of edges in the graph.
func (g *BlockGraph) Edges() int {
	n := 0
	for _, targets := range g.out {
		n += len(targets)
	}
	return n
}

func addEdge(m map[Identity]map[Identity]struct{}, from, to Identity) {
	set, ok := m[from]
	if !ok {
		set = make(map[Identity]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func removeEdge(m map[Identity]map[Identity]struct{}, from, to Identity) {
	set, ok := m[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
}
