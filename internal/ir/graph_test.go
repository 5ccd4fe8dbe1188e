package ir

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/ccomp/internal/diag"
)

func countUses(n *Node, user NodeID) int {
	count := 0
	for _, u := range n.Uses {
		if u.User == user {
			count++
		}
	}
	return count
}

func TestUseListMirrorsArguments(t *testing.T) {
	g := NewGraph()
	x := g.NewNode(OpConst, I64)
	y := g.NewNode(OpConst, I64)
	add := g.NewNode(OpAdd, I64, x.ID, x.ID)
	mul := g.NewNode(OpMul, I64, add.ID, y.ID)

	if got := countUses(x, add.ID); got != 2 {
		t.Fatalf("x uses by add=%d, want 2 (one per edge)", got)
	}
	if got := countUses(add, mul.ID); got != 1 {
		t.Fatalf("add uses by mul=%d, want 1", got)
	}
	if err := g.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestReplace(t *testing.T) {
	g := NewGraph()
	x := g.NewNode(OpConst, I64)
	y := g.NewNode(OpConst, I64)
	z := g.NewNode(OpConst, I64)
	sub := g.NewNode(OpSub, I64, x.ID, y.ID)
	add := g.NewNode(OpAdd, I64, y.ID, x.ID)

	g.Replace(x.ID, z.ID)

	if len(x.Uses) != 0 {
		t.Fatalf("replaced node still has %d uses", len(x.Uses))
	}
	if sub.Args[0] != z.ID || sub.Args[1] != y.ID {
		t.Fatalf("sub args=%v, want [%d %d]", sub.ArgList(), z.ID, y.ID)
	}
	if add.Args[0] != y.ID || add.Args[1] != z.ID {
		t.Fatalf("add args=%v, want [%d %d]", add.ArgList(), y.ID, z.ID)
	}
	if got := len(z.Uses); got != 2 {
		t.Fatalf("replacement uses=%d, want 2", got)
	}
	if err := g.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestUnlink(t *testing.T) {
	g := NewGraph()
	x := g.NewNode(OpConst, I64)
	neg := g.NewNode(OpNeg, I64, x.ID)
	g.Unlink(neg.ID)
	if len(x.Uses) != 0 || neg.NArgs != 0 {
		t.Fatalf("uses=%d nargs=%d after unlink", len(x.Uses), neg.NArgs)
	}
	if err := g.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestVerifyDetectsBrokenUseList(t *testing.T) {
	g := NewGraph()
	x := g.NewNode(OpConst, I64)
	g.NewNode(OpNeg, I64, x.ID)
	x.Uses = nil
	if err := g.Verify(); err == nil {
		t.Fatalf("Verify accepted a missing use")
	}
}

func TestArityOverflowIsInternalError(t *testing.T) {
	err := func() (err error) {
		defer diag.Recover(&err)
		g := NewGraph()
		x := g.NewNode(OpConst, I64)
		g.NewNode(OpAdd, I64, x.ID, x.ID, x.ID, x.ID, x.ID)
		return nil
	}()
	var ie *diag.InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("err=%v, want *diag.InternalError", err)
	}
	if !strings.Contains(ie.Msg, "arity") {
		t.Fatalf("message %q does not name the arity invariant", ie.Msg)
	}
}

func TestArenaCrossesChunks(t *testing.T) {
	g := NewGraph()
	first := g.NewNode(OpConst, I64)
	var last *Node
	for i := 0; i < 3*chunkSize; i++ {
		last = g.NewNode(OpNeg, I64, first.ID)
	}
	if g.Node(first.ID) != first {
		t.Fatalf("node pointer moved after growth")
	}
	if got := len(first.Uses); got != 3*chunkSize {
		t.Fatalf("uses=%d, want %d", got, 3*chunkSize)
	}
	if int(last.ID) != g.Len()-1 {
		t.Fatalf("last id=%d, len=%d", last.ID, g.Len())
	}
}
