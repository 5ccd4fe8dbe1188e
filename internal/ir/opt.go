package ir

import "slices"

// Pass is a set of optimisation passes.
type Pass uint8

const (
	PassPeephole Pass = 1 << iota
	PassMem2Reg
	PassDeadCode

	// Passes enables every pass.
	Passes = PassPeephole | PassMem2Reg | PassDeadCode
)

// Stats counts the nodes each pass removed.
type Stats struct {
	Peephole int
	Mem2Reg  int
	DeadCode int
}

// Optimize runs the selected passes over fn until none of them makes
// progress.
func Optimize(fn *Function, passes Pass) Stats {
	var total Stats
	for {
		var round Stats
		if passes&PassPeephole != 0 {
			round.Peephole = Peephole(fn)
		}
		if passes&PassMem2Reg != 0 {
			round.Mem2Reg = Mem2Reg(fn)
		}
		if passes&PassDeadCode != 0 {
			round.DeadCode = DeadCode(fn)
		}
		total.Peephole += round.Peephole
		total.Mem2Reg += round.Mem2Reg
		total.DeadCode += round.DeadCode
		if round == (Stats{}) {
			return total
		}
	}
}

// Peephole removes trivial phis, folds integer constants and applies
// algebraic identities. It returns the number of nodes replaced.
func Peephole(fn *Function) int {
	g := fn.Graph
	count := 0
	for _, id := range fn.Nodes {
		n := g.Node(id)
		if len(n.Uses) == 0 {
			continue
		}
		var repl NodeID
		switch {
		case n.Op == OpPhi:
			repl = trivialPhi(g, n)
		case n.Op.IsBinary():
			repl = simplifyBinary(g, fn, n)
		}
		if repl != 0 {
			g.Replace(id, repl)
			count++
		}
	}
	return count
}

// trivialPhi returns the single value a phi merges, ignoring references to
// itself, or nil when the phi is a real merge.
func trivialPhi(g *Graph, n *Node) NodeID {
	var same NodeID
	for _, a := range n.ArgList()[1:] {
		if a == same || a == n.ID || a == 0 {
			continue
		}
		if same != 0 {
			return 0
		}
		same = a
	}
	return same
}

func isConst(g *Graph, id NodeID) (int64, bool) {
	if id == 0 {
		return 0, false
	}
	n := g.Node(id)
	if n.Op != OpConst || n.Type.Float {
		return 0, false
	}
	return n.Aux, true
}

func simplifyBinary(g *Graph, fn *Function, n *Node) NodeID {
	if n.Type.Float {
		return 0
	}
	x, y := n.Args[0], n.Args[1]
	cx, xok := isConst(g, x)
	cy, yok := isConst(g, y)

	if xok && yok {
		v, ok := fold(n.Op, cx, cy)
		if !ok {
			return 0
		}
		c := g.NewNode(OpConst, n.Type)
		c.Aux = truncate(v, n.Type)
		c.Fn = fn
		fn.Nodes = append(fn.Nodes, c.ID)
		return c.ID
	}
	if !yok {
		return 0
	}
	switch {
	case cy == 0 && (n.Op == OpAdd || n.Op == OpSub || n.Op == OpOr || n.Op == OpXor ||
		n.Op == OpShl || n.Op == OpShr || n.Op == OpSar):
		return x
	case cy == 1 && n.Op == OpMul:
		return x
	}
	return 0
}

func fold(op Op, x, y int64) (int64, bool) {
	switch op {
	case OpAdd:
		return x + y, true
	case OpSub:
		return x - y, true
	case OpMul:
		return x * y, true
	case OpAnd:
		return x & y, true
	case OpOr:
		return x | y, true
	case OpXor:
		return x ^ y, true
	case OpShl:
		return x << uint64(y&63), true
	}
	return 0, false
}

// truncate wraps v to the width of t.
func truncate(v int64, t Type) int64 {
	switch t.Size {
	case 1:
		if t.Unsigned {
			return int64(uint8(v))
		}
		return int64(int8(v))
	case 2:
		if t.Unsigned {
			return int64(uint16(v))
		}
		return int64(int16(v))
	case 4:
		if t.Unsigned {
			return int64(uint32(v))
		}
		return int64(int32(v))
	}
	return v
}

// escapes reports whether the address produced by an Alloc is used for
// anything but the address operand of full width loads and stores.
func escapes(g *Graph, alloc *Node) bool {
	for _, u := range alloc.Uses {
		user := g.Node(u.User)
		switch {
		case user.Op == OpLoad && u.Index == 1:
		case user.Op == OpStore && u.Index == 1:
		default:
			return true
		}
	}
	return false
}

// Mem2Reg forwards stored values to loads of non-escaping stack objects and
// deletes stores nobody can observe. Forwarding walks the memory state
// chain backwards from the load and gives up at phis, calls, copies and
// stores to other memory. It returns the number of loads and stores
// removed.
func Mem2Reg(fn *Function) int {
	g := fn.Graph
	count := 0
	local := make(map[NodeID]bool)
	for _, id := range fn.Nodes {
		n := g.Node(id)
		if n.Op == OpAlloc && !escapes(g, n) {
			local[id] = true
		}
	}
	if len(local) == 0 {
		return 0
	}

	for _, id := range fn.Nodes {
		n := g.Node(id)
		if n.Op != OpLoad || len(n.Uses) == 0 || !local[n.Args[1]] {
			continue
		}
		if v := forward(g, n, local); v != 0 {
			g.Replace(id, v)
			count++
		}
	}

	for alloc := range local {
		a := g.Node(alloc)
		loaded := false
		for _, u := range a.Uses {
			if g.Node(u.User).Op == OpLoad && len(g.Node(u.User).Uses) > 0 {
				loaded = true
				break
			}
		}
		if loaded {
			continue
		}
		for _, u := range append([]Use(nil), a.Uses...) {
			st := g.Node(u.User)
			if st.Op != OpStore {
				continue
			}
			g.Replace(st.ID, st.Args[0])
			g.Unlink(st.ID)
			count++
		}
	}
	prune(fn)
	return count
}

func forward(g *Graph, load *Node, local map[NodeID]bool) NodeID {
	addr := load.Args[1]
	for s := load.Args[0]; s != 0; {
		st := g.Node(s)
		switch st.Op {
		case OpStore:
			if st.Args[1] == addr {
				v := g.Node(st.Args[2])
				if v.Type != load.Type {
					return 0
				}
				return v.ID
			}
			if !local[st.Args[1]] {
				return 0
			}
		case OpRegSet:
		default:
			return 0
		}
		s = st.Args[0]
	}
	return 0
}

// DeadCode unlinks nodes that no return, branch or side effect depends on.
// It returns the number of nodes unlinked.
func DeadCode(fn *Function) int {
	g := fn.Graph
	mark := g.newMark()
	var walk func(NodeID)
	walk = func(id NodeID) {
		n := g.Node(id)
		if n.mark == mark {
			return
		}
		n.mark = mark
		for _, a := range n.ArgList() {
			if a != 0 {
				walk(a)
			}
		}
	}
	for _, id := range fn.Nodes {
		n := g.Node(id)
		switch {
		case n.IsControl(), n.Op == OpStart, n.Op == OpIf, n.Op == OpReturn,
			n.Op == OpCall, n.Op == OpCopy, n.Op == OpRegSet:
			walk(id)
		case n.Op == OpStore && len(n.Uses) > 0:
			walk(id)
		}
	}

	count := 0
	for i := len(fn.Nodes) - 1; i >= 0; i-- {
		n := g.Node(fn.Nodes[i])
		if n.mark == mark || n.NArgs == 0 && len(n.Uses) == 0 {
			continue
		}
		if len(n.Uses) != 0 {
			// Only referenced by other dead nodes; those come later in the
			// list and are already unlinked unless they form a cycle.
			continue
		}
		g.Unlink(n.ID)
		count++
	}
	prune(fn)
	return count
}

// prune drops unlinked nodes from fn.Nodes.
func prune(fn *Function) {
	g := fn.Graph
	fn.Nodes = slices.DeleteFunc(fn.Nodes, func(id NodeID) bool { return g.Node(id).dead })
}
