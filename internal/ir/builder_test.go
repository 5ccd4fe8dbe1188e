package ir

import (
	"errors"
	"testing"

	"github.com/tinyrange/ccomp/internal/diag"
)

func TestSealingCompletesPhis(t *testing.T) {
	b := NewBuilder(NewUnit())
	fn := b.BeginFunction("f", nil)
	g := b.Graph

	v := b.NewVar(I64)
	b.WriteVar(v, b.Const(I64, 1))
	slot := b.Alloc(8, 8, "slot")
	then, els := b.If(b.Const(I32, 1))
	join := b.NewRegion()

	b.SetBlock(then)
	two := b.Const(I64, 2)
	b.WriteVar(v, two)
	b.Store(slot, two)
	thenState := b.State()
	b.Jump(join)

	b.SetBlock(els)
	three := b.Const(I64, 3)
	b.WriteVar(v, three)
	b.Jump(join)

	// Read before sealing: the phi starts out incomplete.
	b.SetBlock(join)
	phi := g.Node(b.ReadVar(v))
	if phi.Op != OpPhi || phi.NArgs != 1 {
		t.Fatalf("read in unsealed block gave %s with %d args, want incomplete phi", phi.Op, phi.NArgs)
	}
	b.Seal(join)
	if phi.NArgs != 3 || phi.Args[1] != two || phi.Args[2] != three {
		t.Fatalf("phi args=%v, want [%d %d %d]", phi.ArgList(), join, two, three)
	}

	state := g.Node(b.State())
	if state.Op != OpPhi || state.Args[1] != thenState || state.Args[2] != fn.Start {
		t.Fatalf("state=%s %v, want phi of [%d %d]", state.Op, state.ArgList(), thenState, fn.Start)
	}
	b.Return()
	b.EndFunction()

	if err := g.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestLoopPhi(t *testing.T) {
	b := NewBuilder(NewUnit())
	b.BeginFunction("loop", nil)
	g := b.Graph

	i := b.NewVar(I64)
	zero := b.Const(I64, 0)
	b.WriteVar(i, zero)
	header := b.NewRegion()
	b.Jump(header)

	b.SetBlock(header)
	cur := b.ReadVar(i)
	body, exit := b.If(b.Compare(OpLt, cur, b.Const(I64, 10)))

	b.SetBlock(body)
	next := b.Binary(OpAdd, b.ReadVar(i), b.Const(I64, 1))
	b.WriteVar(i, next)
	b.Jump(header)
	b.Seal(header)

	phi := g.Node(cur)
	if phi.Op != OpPhi || phi.NArgs != 3 || phi.Args[1] != zero || phi.Args[2] != next {
		t.Fatalf("loop phi=%s %v, want phi [%d %d]", phi.Op, phi.ArgList(), zero, next)
	}

	b.SetBlock(exit)
	if got := b.ReadVar(i); got != cur {
		t.Fatalf("exit read=%d, want header phi %d", got, cur)
	}
	b.Return()
	b.EndFunction()
}

func TestSinglePredecessorNeedsNoPhi(t *testing.T) {
	b := NewBuilder(NewUnit())
	b.BeginFunction("f", nil)
	v := b.NewVar(I32)
	c := b.Const(I32, 7)
	b.WriteVar(v, c)
	next := b.NewRegion()
	b.Jump(next)
	b.Seal(next)
	b.SetBlock(next)
	if got := b.ReadVar(v); got != c {
		t.Fatalf("ReadVar=%d, want %d", got, c)
	}
	b.Return()
	b.EndFunction()
}

func TestDeadBlockDoesNotAddPredecessors(t *testing.T) {
	b := NewBuilder(NewUnit())
	fn := b.BeginFunction("f", nil)
	b.Return()

	dead := b.NewRegion()
	b.Seal(dead)
	b.SetBlock(dead)
	if b.Reachable() {
		t.Fatalf("region without predecessors is reachable")
	}
	target := b.NewRegion()
	b.Jump(target)
	if n := b.Graph.Node(target); n.NArgs != 0 {
		t.Fatalf("jump from dead block added %d predecessors", n.NArgs)
	}
	b.Seal(target)
	b.EndFunction()

	dom := ComputeDominators(fn)
	if dom.Reachable(target) || dom.Reachable(dead) {
		t.Fatalf("dead blocks reported reachable")
	}
}

func TestThirdPredecessorIsInternalError(t *testing.T) {
	err := func() (err error) {
		defer diag.Recover(&err)
		b := NewBuilder(NewUnit())
		b.BeginFunction("f", nil)
		r := b.NewRegion()
		then, els := b.If(b.Const(I32, 1))
		b.SetBlock(then)
		t2, e2 := b.If(b.Const(I32, 0))
		for _, blk := range []NodeID{els, t2, e2} {
			b.SetBlock(blk)
			b.Jump(r)
		}
		return nil
	}()
	var ie *diag.InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("err=%v, want *diag.InternalError", err)
	}
}

func TestEndFunctionRequiresSealing(t *testing.T) {
	err := func() (err error) {
		defer diag.Recover(&err)
		b := NewBuilder(NewUnit())
		b.BeginFunction("f", nil)
		r := b.NewRegion()
		b.Jump(r)
		b.EndFunction()
		return nil
	}()
	if err == nil {
		t.Fatalf("EndFunction accepted an unsealed block")
	}
}

func TestStringLiteralsAreShared(t *testing.T) {
	u := NewUnit()
	a := u.StringLiteral("hi")
	if u.StringLiteral("hi") != a || u.StringLiteral("ho") == a {
		t.Fatalf("string literal names not shared per content")
	}
	if len(u.Globals) != 2 || string(u.Globals[0].Data) != "hi\x00" {
		t.Fatalf("globals=%+v", u.Globals)
	}
}
