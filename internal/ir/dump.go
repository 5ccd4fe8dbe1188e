package ir

import (
	"fmt"
	"io"
	"strings"
)

// Dump writes a textual form of fn. With a schedule the nodes are listed per
// block in order; without one they are listed in creation order.
func Dump(w io.Writer, fn *Function, s *Schedule) error {
	var b strings.Builder
	fmt.Fprintf(&b, "func %s", fn.Name)
	if fn.Variadic {
		b.WriteString(" variadic")
	}
	b.WriteString(":\n")
	g := fn.Graph
	if s == nil {
		for _, id := range fn.Nodes {
			writeNode(&b, g, g.Node(id))
		}
	} else {
		for _, blk := range s.Blocks {
			n := g.Node(blk)
			fmt.Fprintf(&b, "b%d: %s idom=b%d depth=%d preds=%v\n", blk, n.Op, n.IDom, n.Depth, Predecessors(g, blk))
			for _, id := range s.Order[blk] {
				writeNode(&b, g, g.Node(id))
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeNode(b *strings.Builder, g *Graph, n *Node) {
	fmt.Fprintf(b, "  v%d = %s", n.ID, n.Op)
	if !n.Type.IsVoid() {
		fmt.Fprintf(b, ".%s", n.Type)
	}
	for _, a := range n.ArgList() {
		if a == 0 {
			b.WriteString(" _")
			continue
		}
		if g.Node(a).IsControl() {
			fmt.Fprintf(b, " b%d", a)
		} else {
			fmt.Fprintf(b, " v%d", a)
		}
	}
	switch n.Op {
	case OpConst:
		fmt.Fprintf(b, " [%d]", n.Aux)
	case OpSymbol:
		fmt.Fprintf(b, " [%s%+d]", n.Sym, n.Aux)
	case OpAlloc:
		fmt.Fprintf(b, " [%s size=%d align=%d]", n.Sym, n.Aux, n.Aux2)
	case OpStackAddr:
		fmt.Fprintf(b, " [%s%+d]", Area(n.Aux), n.Aux2)
	case OpCopy:
		fmt.Fprintf(b, " [%d]", n.Aux)
	case OpCall:
		fmt.Fprintf(b, " [stack=%d]", n.Aux)
	case OpRegGet, OpRegSet:
		fmt.Fprintf(b, " [r%d]", n.Aux)
	case OpProj:
		fmt.Fprintf(b, " [%t]", n.Aux == 1)
	}
	if n.Block != 0 && !n.IsControl() {
		fmt.Fprintf(b, " @b%d", n.Block)
	}
	b.WriteByte('\n')
}
