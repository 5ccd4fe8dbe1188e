package ir

import "testing"

// buildDiamondLoop builds
//
//	entry -> header; header -> body | exit; body -> left | right;
//	left, right -> latch; latch -> header
func buildDiamondLoop(t *testing.T) (*Function, map[string]NodeID) {
	t.Helper()
	b := NewBuilder(NewUnit())
	fn := b.BeginFunction("f", nil)
	blocks := map[string]NodeID{"entry": fn.Entry}

	header := b.NewRegion()
	b.Jump(header)
	b.SetBlock(header)
	body, exit := b.If(b.Const(I32, 1))

	b.SetBlock(body)
	left, right := b.If(b.Const(I32, 0))
	latch := b.NewRegion()
	b.SetBlock(left)
	b.Jump(latch)
	b.SetBlock(right)
	b.Jump(latch)
	b.Seal(latch)
	b.SetBlock(latch)
	b.Jump(header)
	b.Seal(header)

	b.SetBlock(exit)
	b.Return()
	b.EndFunction()

	blocks["header"] = header
	blocks["body"] = body
	blocks["exit"] = exit
	blocks["left"] = left
	blocks["right"] = right
	blocks["latch"] = latch
	return fn, blocks
}

func TestDominators(t *testing.T) {
	fn, blk := buildDiamondLoop(t)
	dom := ComputeDominators(fn)

	want := map[string]string{
		"header": "entry",
		"body":   "header",
		"exit":   "header",
		"left":   "body",
		"right":  "body",
		"latch":  "body",
	}
	for name, idom := range want {
		if got := dom.IDom(blk[name]); got != blk[idom] {
			t.Fatalf("idom(%s)=%d, want %s (%d)", name, got, idom, blk[idom])
		}
	}
	if dom.IDom(fn.Entry) != fn.Entry {
		t.Fatalf("entry is not its own idom")
	}
	if len(dom.PostOrder) != 7 {
		t.Fatalf("reachable blocks=%d, want 7", len(dom.PostOrder))
	}
}

func TestDominatorDepthAndTree(t *testing.T) {
	fn, _ := buildDiamondLoop(t)
	dom := ComputeDominators(fn)
	g := fn.Graph

	if got := dom.Depth(fn.Entry); got != 1 {
		t.Fatalf("depth(entry)=%d, want 1", got)
	}
	for _, b := range dom.PostOrder {
		if b == fn.Entry {
			continue
		}
		idom := dom.IDom(b)
		if !dom.Dominates(idom, b) {
			t.Fatalf("idom(%d)=%d does not dominate it", b, idom)
		}
		if dom.Depth(b) != dom.Depth(idom)+1 {
			t.Fatalf("depth(%d)=%d, idom depth %d", b, dom.Depth(b), dom.Depth(idom))
		}
		// Walking idoms must reach the entry without revisiting a block.
		seen := map[NodeID]bool{}
		for x := b; x != fn.Entry; x = g.Node(x).IDom {
			if seen[x] {
				t.Fatalf("idom cycle through %d", x)
			}
			seen[x] = true
		}
	}
}

func TestLCA(t *testing.T) {
	fn, blk := buildDiamondLoop(t)
	dom := ComputeDominators(fn)
	if got := dom.LCA(blk["left"], blk["right"]); got != blk["body"] {
		t.Fatalf("LCA(left, right)=%d, want body %d", got, blk["body"])
	}
	if got := dom.LCA(blk["latch"], blk["exit"]); got != blk["header"] {
		t.Fatalf("LCA(latch, exit)=%d, want header %d", got, blk["header"])
	}
	if got := dom.LCA(0, blk["exit"]); got != blk["exit"] {
		t.Fatalf("LCA(nil, exit)=%d", got)
	}
}
