// Package ir is a sea-of-nodes SSA graph: values, memory state and control
// are all nodes connected by argument edges, with back edges kept in per-node
// use lists. Nodes live in an index addressed arena owned by a Graph.
package ir

import (
	"fmt"

	"github.com/tinyrange/ccomp/internal/diag"
)

// MaxArgs is the number of argument edges a node can carry.
const MaxArgs = 4

// NodeID indexes a node in its Graph. The zero NodeID is nil.
type NodeID int32

// Use is a back edge: node User has this node as argument Index.
type Use struct {
	User  NodeID
	Index int
}

// Node is one vertex of the graph. Its arguments only change through
// Graph.Replace, Graph.Unlink and phi completion during construction.
type Node struct {
	ID    NodeID
	Op    Op
	Type  Type
	Args  [MaxArgs]NodeID
	NArgs int
	Uses  []Use

	Aux  int64
	Aux2 int64
	Sym  string

	// Fn is the function the node was built in.
	Fn *Function
	// Block is the block the node is pinned to, or the block the scheduler
	// placed it in.
	Block NodeID

	// Dominator metadata for control nodes.
	PostOrder int
	Depth     int
	IDom      NodeID

	mark uint32
	dead bool
}

// Arg returns argument i, or nil when the node has fewer arguments.
func (n *Node) Arg(i int) NodeID {
	if i >= n.NArgs {
		return 0
	}
	return n.Args[i]
}

// ArgList returns the argument edges as a slice.
func (n *Node) ArgList() []NodeID { return n.Args[:n.NArgs] }

// Dead reports whether the node was unlinked from the graph.
func (n *Node) Dead() bool { return n.dead }

// IsControl reports whether the node starts a basic block.
func (n *Node) IsControl() bool { return n.Op.IsControl() }

const chunkSize = 1024

// Graph is the node arena of one translation unit.
type Graph struct {
	chunks [][]Node
	count  int
	marks  uint32
}

// NewGraph returns an empty arena. NodeID 0 is reserved as nil.
func NewGraph() *Graph {
	g := &Graph{}
	g.alloc()
	return g
}

func (g *Graph) alloc() *Node {
	if g.count%chunkSize == 0 {
		g.chunks = append(g.chunks, make([]Node, chunkSize))
	}
	n := &g.chunks[g.count/chunkSize][g.count%chunkSize]
	n.ID = NodeID(g.count)
	g.count++
	return n
}

// Len returns one more than the largest allocated NodeID.
func (g *Graph) Len() int { return g.count }

// Node returns the node for id. The pointer stays valid for the lifetime of
// the Graph.
func (g *Graph) Node(id NodeID) *Node {
	if id <= 0 || int(id) >= g.count {
		diag.Bug("node %d out of range", id)
	}
	return &g.chunks[id/chunkSize][id%chunkSize]
}

// NewNode allocates a node and wires its arguments. Nil arguments are kept
// as nil edges.
func (g *Graph) NewNode(op Op, typ Type, args ...NodeID) *Node {
	if len(args) > MaxArgs {
		diag.Bug("%s node with %d arguments exceeds the node arity of %d", op, len(args), MaxArgs)
	}
	n := g.alloc()
	n.Op = op
	n.Type = typ
	for _, a := range args {
		g.appendArg(n, a)
	}
	return n
}

func (g *Graph) appendArg(n *Node, a NodeID) {
	if n.NArgs == MaxArgs {
		diag.Bug("%s node %d exceeds the node arity of %d", n.Op, n.ID, MaxArgs)
	}
	i := n.NArgs
	n.Args[i] = a
	n.NArgs++
	if a != 0 {
		u := g.Node(a)
		u.Uses = append(u.Uses, Use{User: n.ID, Index: i})
	}
}

// SetArg rewires argument i of n.
func (g *Graph) SetArg(n *Node, i int, a NodeID) {
	if i >= n.NArgs {
		diag.Bug("argument %d of %s node %d out of range", i, n.Op, n.ID)
	}
	if old := n.Args[i]; old != 0 {
		g.removeUse(old, n.ID, i)
	}
	n.Args[i] = a
	if a != 0 {
		u := g.Node(a)
		u.Uses = append(u.Uses, Use{User: n.ID, Index: i})
	}
}

func (g *Graph) removeUse(def, user NodeID, index int) {
	d := g.Node(def)
	for j, u := range d.Uses {
		if u.User == user && u.Index == index {
			d.Uses = append(d.Uses[:j], d.Uses[j+1:]...)
			return
		}
	}
	diag.Bug("use list of node %d is missing %d[%d]", def, user, index)
}

// Replace rewires every use of old to new, preserving argument positions,
// and leaves old without uses.
func (g *Graph) Replace(old, new NodeID) {
	if old == new {
		return
	}
	o := g.Node(old)
	uses := o.Uses
	o.Uses = nil
	for _, u := range uses {
		user := g.Node(u.User)
		user.Args[u.Index] = new
		if new != 0 {
			nn := g.Node(new)
			nn.Uses = append(nn.Uses, u)
		}
	}
}

// Unlink drops every argument edge of a dead node and marks it dead. The
// owning function still lists it until the pass that unlinked it prunes
// Function.Nodes.
func (g *Graph) Unlink(id NodeID) {
	n := g.Node(id)
	if len(n.Uses) != 0 {
		diag.Bug("unlinking %s node %d which still has %d uses", n.Op, id, len(n.Uses))
	}
	for i := 0; i < n.NArgs; i++ {
		if a := n.Args[i]; a != 0 {
			g.removeUse(a, id, i)
		}
		n.Args[i] = 0
	}
	n.NArgs = 0
	n.dead = true
}

// newMark returns a fresh pass mark; nodes compare their mark against it to
// tell whether the current pass has visited them.
func (g *Graph) newMark() uint32 {
	g.marks++
	return g.marks
}

// Verify checks that argument edges and use lists mirror each other.
func (g *Graph) Verify() error {
	for id := NodeID(1); int(id) < g.count; id++ {
		n := g.Node(id)
		for i := 0; i < n.NArgs; i++ {
			a := n.Args[i]
			if a == 0 {
				continue
			}
			count := 0
			for _, u := range g.Node(a).Uses {
				if u.User == id && u.Index == i {
					count++
				}
			}
			if count != 1 {
				return fmt.Errorf("node %d (%s) argument %d: node %d lists the edge %d times", id, n.Op, i, a, count)
			}
		}
		for _, u := range n.Uses {
			if u.User <= 0 || int(u.User) >= g.count {
				return fmt.Errorf("node %d (%s) has use by invalid node %d", id, n.Op, u.User)
			}
			user := g.Node(u.User)
			if u.Index >= user.NArgs || user.Args[u.Index] != id {
				return fmt.Errorf("node %d (%s) has stale use %d[%d]", id, n.Op, u.User, u.Index)
			}
		}
	}
	return nil
}
