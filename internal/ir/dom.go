package ir

import "github.com/tinyrange/ccomp/internal/diag"

// DomTree is the dominator tree of a function's reachable blocks. The
// per-block data lives on the block nodes (PostOrder, Depth, IDom).
type DomTree struct {
	fn *Function
	// PostOrder lists the reachable blocks in depth first post-order.
	PostOrder []NodeID
}

// Successors returns the blocks control can flow to from blk.
func Successors(g *Graph, blk NodeID) []NodeID {
	var out []NodeID
	for _, u := range g.Node(blk).Uses {
		user := g.Node(u.User)
		switch {
		case user.Op == OpRegion:
			out = append(out, user.ID)
		case user.Op == OpIf && u.Index == 0:
			var t, f NodeID
			for _, pu := range user.Uses {
				p := g.Node(pu.User)
				switch {
				case p.Op != OpProj:
				case p.Aux == 1:
					t = p.ID
				default:
					f = p.ID
				}
			}
			out = append(out, t, f)
		}
	}
	return out
}

// Predecessors returns the blocks that branch to blk.
func Predecessors(g *Graph, blk NodeID) []NodeID {
	n := g.Node(blk)
	switch n.Op {
	case OpRegion:
		return append([]NodeID(nil), n.ArgList()...)
	case OpProj:
		return []NodeID{g.Node(n.Args[0]).Args[0]}
	}
	return nil
}

// ComputeDominators numbers the reachable blocks of fn in post-order and
// computes immediate dominators with the iterative intersection algorithm of
// Cooper, Harvey and Kennedy. Unreachable blocks get PostOrder -1.
func ComputeDominators(fn *Function) *DomTree {
	g := fn.Graph
	for _, blk := range fn.Blocks {
		n := g.Node(blk)
		n.PostOrder = -1
		n.Depth = 0
		n.IDom = 0
	}

	dt := &DomTree{fn: fn}
	mark := g.newMark()
	var visit func(NodeID)
	visit = func(blk NodeID) {
		n := g.Node(blk)
		n.mark = mark
		for _, s := range Successors(g, blk) {
			if g.Node(s).mark != mark {
				visit(s)
			}
		}
		n.PostOrder = len(dt.PostOrder)
		dt.PostOrder = append(dt.PostOrder, blk)
	}
	visit(fn.Entry)

	entry := g.Node(fn.Entry)
	entry.IDom = fn.Entry
	for changed := true; changed; {
		changed = false
		for i := len(dt.PostOrder) - 2; i >= 0; i-- {
			blk := dt.PostOrder[i]
			var idom NodeID
			for _, p := range Predecessors(g, blk) {
				pn := g.Node(p)
				if pn.PostOrder < 0 || pn.IDom == 0 {
					continue
				}
				if idom == 0 {
					idom = p
				} else {
					idom = dt.intersect(p, idom)
				}
			}
			if idom == 0 {
				diag.Bug("reachable block %d has no processed predecessor", blk)
			}
			if n := g.Node(blk); n.IDom != idom {
				n.IDom = idom
				changed = true
			}
		}
	}

	entry.Depth = 1
	for _, blk := range dt.ReversePostOrder()[1:] {
		n := g.Node(blk)
		n.Depth = g.Node(n.IDom).Depth + 1
	}
	return dt
}

func (dt *DomTree) intersect(a, b NodeID) NodeID {
	g := dt.fn.Graph
	for a != b {
		for g.Node(a).PostOrder < g.Node(b).PostOrder {
			a = g.Node(a).IDom
		}
		for g.Node(b).PostOrder < g.Node(a).PostOrder {
			b = g.Node(b).IDom
		}
	}
	return a
}

// ReversePostOrder returns the reachable blocks entry first.
func (dt *DomTree) ReversePostOrder() []NodeID {
	out := make([]NodeID, len(dt.PostOrder))
	for i, blk := range dt.PostOrder {
		out[len(out)-1-i] = blk
	}
	return out
}

// Reachable reports whether blk is reachable from the entry.
func (dt *DomTree) Reachable(blk NodeID) bool {
	n := dt.fn.Graph.Node(blk)
	return n.Fn == dt.fn && n.PostOrder >= 0 && n.IDom != 0
}

// IDom returns the immediate dominator of blk; the entry is its own.
func (dt *DomTree) IDom(blk NodeID) NodeID { return dt.fn.Graph.Node(blk).IDom }

// Depth returns the depth of blk in the tree; the entry has depth 1.
func (dt *DomTree) Depth(blk NodeID) int { return dt.fn.Graph.Node(blk).Depth }

// Dominates reports whether a dominates b.
func (dt *DomTree) Dominates(a, b NodeID) bool {
	g := dt.fn.Graph
	for g.Node(b).Depth > g.Node(a).Depth {
		b = g.Node(b).IDom
	}
	return a == b
}

// LCA returns the nearest common dominator of a and b. A nil block is
// ignored.
func (dt *DomTree) LCA(a, b NodeID) NodeID {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	g := dt.fn.Graph
	for g.Node(a).Depth > g.Node(b).Depth {
		a = g.Node(a).IDom
	}
	for g.Node(b).Depth > g.Node(a).Depth {
		b = g.Node(b).IDom
	}
	for a != b {
		a = g.Node(a).IDom
		b = g.Node(b).IDom
	}
	return a
}
