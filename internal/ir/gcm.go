package ir

import (
	"slices"

	"github.com/tinyrange/ccomp/internal/diag"
)

// Schedule is the result of global code motion: every live node of a
// function placed in a block, and each block's instructions in order.
type Schedule struct {
	Fn  *Function
	Dom *DomTree
	// Blocks is the emission order of the reachable blocks, entry first.
	Blocks []NodeID
	// Order lists the nodes of each block. Phis come first and the If or
	// Return ending the block, if any, comes last.
	Order map[NodeID][]NodeID
}

// Schedule computes dominators for fn and places its nodes with Click's
// global code motion. Pinned nodes keep their block; floating nodes go to
// the latest block that dominates all of their uses.
func (fn *Function) Schedule() *Schedule {
	g := fn.Graph
	dom := ComputeDominators(fn)
	s := &Schedule{
		Fn:     fn,
		Dom:    dom,
		Blocks: dom.ReversePostOrder(),
		Order:  make(map[NodeID][]NodeID),
	}

	live := s.collect()

	// Schedule early: the deepest block among the operands' blocks.
	early := make(map[NodeID]NodeID, len(live))
	var scheduleEarly func(NodeID) NodeID
	scheduleEarly = func(id NodeID) NodeID {
		n := g.Node(id)
		if n.Op.Pinned() {
			return n.Block
		}
		if blk, ok := early[id]; ok {
			return blk
		}
		blk := fn.Entry
		early[id] = blk
		for _, a := range n.ArgList() {
			if a == 0 || g.Node(a).IsControl() {
				continue
			}
			ab := scheduleEarly(a)
			if dom.Depth(ab) > dom.Depth(blk) {
				blk = ab
			}
		}
		early[id] = blk
		return blk
	}
	for _, id := range live {
		scheduleEarly(id)
	}

	// Schedule late: the nearest common dominator of every use.
	late := make(map[NodeID]NodeID, len(live))
	isLive := make(map[NodeID]bool, len(live))
	for _, id := range live {
		isLive[id] = true
	}
	var scheduleLate func(NodeID) NodeID
	scheduleLate = func(id NodeID) NodeID {
		n := g.Node(id)
		if n.Op.Pinned() {
			return n.Block
		}
		if blk, ok := late[id]; ok {
			return blk
		}
		late[id] = 0
		var lca NodeID
		for _, u := range n.Uses {
			user := g.Node(u.User)
			if user.Fn != fn || !isLive[u.User] {
				continue
			}
			var ub NodeID
			if user.Op == OpPhi {
				region := g.Node(user.Args[0])
				ub = region.Args[u.Index-1]
			} else {
				ub = scheduleLate(u.User)
			}
			if ub == 0 || !dom.Reachable(ub) {
				continue
			}
			lca = dom.LCA(lca, ub)
		}
		if lca == 0 {
			lca = early[id]
		}
		late[id] = lca
		n.Block = lca
		return lca
	}
	for _, id := range live {
		scheduleLate(id)
	}

	s.linearize(live, isLive)
	return s
}

// collect returns the nodes reachable through argument edges from the
// pinned nodes of reachable blocks, in creation order.
func (s *Schedule) collect() []NodeID {
	fn := s.Fn
	g := fn.Graph
	mark := g.newMark()
	var live []NodeID
	var walk func(NodeID)
	walk = func(id NodeID) {
		n := g.Node(id)
		if n.mark == mark || n.IsControl() {
			return
		}
		n.mark = mark
		if n.Fn != fn {
			diag.Bug("%s node %d of %s used from %s", n.Op, id, n.Fn.Name, fn.Name)
		}
		for _, a := range n.ArgList() {
			if a != 0 {
				walk(a)
			}
		}
		live = append(live, id)
	}
	for _, id := range fn.Nodes {
		n := g.Node(id)
		if n.Op.Pinned() && !n.IsControl() && !n.dead && s.Dom.Reachable(n.Block) {
			walk(id)
		}
	}
	slices.Sort(live)
	return live
}

// linearize orders the nodes of each block. Operands come before their
// users, and a node that replaces the memory state S comes after every
// other use of S in the block so loads see the state they were built
// against.
func (s *Schedule) linearize(live []NodeID, isLive map[NodeID]bool) {
	g := s.Fn.Graph
	byBlock := make(map[NodeID][]NodeID)
	for _, id := range live {
		byBlock[g.Node(id).Block] = append(byBlock[g.Node(id).Block], id)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[NodeID]int, len(live))

	for _, blk := range s.Blocks {
		nodes := byBlock[blk]
		var (
			order []NodeID
			term  NodeID
		)
		for _, id := range nodes {
			switch g.Node(id).Op {
			case OpPhi:
				order = append(order, id)
				state[id] = done
			case OpIf, OpReturn:
				term = id
			}
		}

		var place func(NodeID)
		place = func(id NodeID) {
			switch state[id] {
			case done:
				return
			case visiting:
				diag.Bug("scheduling cycle through %s node %d", g.Node(id).Op, id)
			}
			state[id] = visiting
			n := g.Node(id)
			for _, a := range n.ArgList() {
				if a == 0 {
					continue
				}
				an := g.Node(a)
				if !an.IsControl() && an.Block == blk && an.Op != OpPhi {
					place(a)
				}
			}
			if n.Op.ProducesState() && n.NArgs > 0 && n.Args[0] != 0 {
				for _, u := range g.Node(n.Args[0]).Uses {
					un := g.Node(u.User)
					if u.User == id || u.Index != 0 || !isLive[u.User] || un.Block != blk || un.Op.ProducesState() ||
						un.Op == OpPhi || un.Op == OpIf || un.Op == OpReturn || state[u.User] == done {
						continue
					}
					place(u.User)
				}
			}
			state[id] = done
			order = append(order, id)
		}
		for _, id := range nodes {
			if id != term {
				place(id)
			}
		}
		if term != 0 {
			place(term)
		}
		s.Order[blk] = order
	}
}
