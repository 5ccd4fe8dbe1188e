package abi

import (
	"reflect"
	"testing"

	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/ir"
)

func mixedStruct() *ctype.Type {
	return ctype.NewStruct("mixed", []ctype.Field{
		{Name: "c", Type: ctype.Char},
		{Name: "i", Type: ctype.Int},
		{Name: "l", Type: ctype.Long},
	}, false)
}

func TestSysVClassify(t *testing.T) {
	a := New(SysV)
	pair := ctype.NewStruct("pair", []ctype.Field{
		{Name: "x", Type: ctype.Double},
		{Name: "y", Type: ctype.Double},
	}, false)
	split := ctype.NewStruct("split", []ctype.Field{
		{Name: "a", Type: ctype.Float},
		{Name: "b", Type: ctype.Float},
		{Name: "c", Type: ctype.Int},
	}, false)
	floatInt := ctype.NewStruct("fi", []ctype.Field{
		{Name: "f", Type: ctype.Float},
		{Name: "i", Type: ctype.Int},
	}, false)
	big := ctype.NewStruct("big", []ctype.Field{
		{Name: "a", Type: ctype.ArrayOf(ctype.Long, 5)},
	}, false)
	three := ctype.NewStruct("three", []ctype.Field{
		{Name: "a", Type: ctype.ArrayOf(ctype.Long, 3)},
	}, false)
	packed := ctype.NewStruct("packed", []ctype.Field{
		{Name: "c", Type: ctype.Char},
		{Name: "l", Type: ctype.Long},
	}, true)

	for _, tc := range []struct {
		typ  *ctype.Type
		want []Class
	}{
		{ctype.Int, []Class{Integer}},
		{ctype.PointerTo(ctype.Char), []Class{Integer}},
		{ctype.Double, []Class{SSE}},
		{mixedStruct(), []Class{Integer, Integer}},
		{pair, []Class{SSE, SSE}},
		{split, []Class{SSE, Integer}},
		{floatInt, []Class{Integer}},
		{three, []Class{Memory}},
		{big, []Class{Memory}},
		{packed, []Class{Memory}},
	} {
		if got := a.Classify(tc.typ); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Classify(%s)=%v, want %v", tc.typ, got, tc.want)
		}
	}
}

func TestSysVClassifyCallAggregateInRegisters(t *testing.T) {
	a := New(SysV)
	s := mixedStruct()

	// Four integers leave R8 and R9 for the two eightbytes.
	params := []*ctype.Type{ctype.Int, ctype.Int, ctype.Int, ctype.Int, s}
	ci := a.ClassifyCall(ctype.NewFunc(ctype.Void, params, false), params)
	if got := ci.Args[4].Regs; !reflect.DeepEqual(got, []Reg{R8, R9}) {
		t.Fatalf("regs=%v, want [r8 r9]", got)
	}
	if ci.GPUsed != 6 || ci.Overflowed {
		t.Fatalf("GPUsed=%d Overflowed=%v, want 6 false", ci.GPUsed, ci.Overflowed)
	}

	// With five integers the struct no longer fits and goes to the stack,
	// taking every later argument with it.
	params = []*ctype.Type{ctype.Int, ctype.Int, ctype.Int, ctype.Int, ctype.Int, s, ctype.Long}
	ci = a.ClassifyCall(ctype.NewFunc(ctype.Void, params, false), params)
	if !ci.Args[5].InMemory || ci.Args[5].StackOffset != 0 {
		t.Fatalf("struct arg=%+v, want in memory at 0", ci.Args[5])
	}
	if !ci.Args[6].InMemory || ci.Args[6].StackOffset != 16 {
		t.Fatalf("long arg=%+v, want in memory at 16", ci.Args[6])
	}
	if ci.GPUsed != 5 || !ci.Overflowed {
		t.Fatalf("GPUsed=%d Overflowed=%v, want 5 true", ci.GPUsed, ci.Overflowed)
	}
	if ci.StackUsed != 24 || ci.StackBytes != 32 {
		t.Fatalf("StackUsed=%d StackBytes=%d, want 24 32", ci.StackUsed, ci.StackBytes)
	}
}

func TestSysVClassifyCallHiddenReturn(t *testing.T) {
	a := New(SysV)
	big := ctype.NewStruct("big", []ctype.Field{
		{Name: "a", Type: ctype.ArrayOf(ctype.Long, 5)},
	}, false)
	params := []*ctype.Type{ctype.Long, ctype.Double}
	ci := a.ClassifyCall(ctype.NewFunc(big, params, false), params)
	if !ci.HiddenRet {
		t.Fatalf("HiddenRet=false, want true")
	}
	if got := ci.Args[0].Regs[0]; got != RSI {
		t.Fatalf("first arg in %s, want %%rsi", got)
	}
	if got := ci.Args[1].Regs[0]; got != XMM(0) {
		t.Fatalf("second arg in %s, want %%xmm0", got)
	}
	if ci.GPUsed != 2 || ci.SSEUsed != 1 {
		t.Fatalf("GPUsed=%d SSEUsed=%d, want 2 1", ci.GPUsed, ci.SSEUsed)
	}
}

func TestSysVClassifyCallSSEBudget(t *testing.T) {
	a := New(SysV)
	var params []*ctype.Type
	for i := 0; i < 10; i++ {
		params = append(params, ctype.Double)
	}
	params = append(params, ctype.Int)
	ci := a.ClassifyCall(ctype.NewFunc(ctype.Void, params, false), params)
	for i := 0; i < 8; i++ {
		if ci.Args[i].InMemory {
			t.Fatalf("arg %d in memory, want %%xmm%d", i, i)
		}
	}
	if !ci.Args[8].InMemory || !ci.Args[9].InMemory {
		t.Fatalf("doubles 8 and 9 should be in memory")
	}
	// Once the budget overflowed, even a value with free registers of its
	// class follows on the stack.
	if !ci.Args[10].InMemory || ci.Args[10].StackOffset != 16 {
		t.Fatalf("int arg=%+v, want in memory at 16", ci.Args[10])
	}
	if ci.GPUsed != 0 {
		t.Fatalf("GPUsed=%d, want 0", ci.GPUsed)
	}
}

func TestSysVVaListType(t *testing.T) {
	vl := New(SysV).VaListType()
	if vl.Size != 24 || vl.Align != 8 {
		t.Fatalf("va_list size=%d align=%d, want 24 8", vl.Size, vl.Align)
	}
	if f, ok := vl.Field("reg_save_area"); !ok || f.Offset != 16 {
		t.Fatalf("reg_save_area=%+v, want offset 16", f)
	}
}

func TestSaveSlot(t *testing.T) {
	for _, tc := range []struct {
		reg  Reg
		want int
	}{
		{RDI, 0},
		{R9, 40},
		{RCX, 24},
		{XMM(0), 48},
		{XMM(7), 160},
	} {
		if got, ok := SaveSlot(tc.reg); !ok || got != tc.want {
			t.Fatalf("SaveSlot(%s)=%d,%v want %d", tc.reg, got, ok, tc.want)
		}
	}
	if _, ok := SaveSlot(RAX); ok {
		t.Fatalf("SaveSlot(%%rax) succeeded")
	}
}

func countOps(g *ir.Graph, fn *ir.Function, op ir.Op) []*ir.Node {
	var out []*ir.Node
	for _, id := range fn.Nodes {
		if n := g.Node(id); n.Op == op {
			out = append(out, n)
		}
	}
	return out
}

func TestSysVLowerVariadicCall(t *testing.T) {
	a := New(SysV)
	b := ir.NewBuilder(ir.NewUnit())
	main := ctype.NewFunc(ctype.Int, nil, false)
	fn := b.BeginFunction("main", main)
	a.LowerFunctionEntry(b, main, nil)

	printf := ctype.NewFunc(ctype.Int, []*ctype.Type{ctype.PointerTo(ctype.Char)}, true)
	format := b.Symbol(b.Unit.StringLiteral("%f %d\n"), 0)
	res := a.LowerCall(b, b.Symbol("printf", 0), printf, []Value{
		{Node: format, Type: ctype.PointerTo(ctype.Char)},
		{Node: b.FloatConst(ir.F64, 1.5), Type: ctype.Double},
		{Node: b.Const(ir.I32, 7), Type: ctype.Int},
	})
	a.LowerReturn(b, main, res)
	b.EndFunction()

	if err := b.Graph.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	sets := countOps(b.Graph, fn, ir.OpRegSet)
	regs := map[int64]*ir.Node{}
	for _, n := range sets {
		if _, seen := regs[n.Aux]; !seen {
			regs[n.Aux] = n
		}
	}
	al, ok := regs[int64(RAX)]
	if !ok {
		t.Fatalf("no write of %%al before the call")
	}
	if c := b.Graph.Node(al.Args[1]); c.Op != ir.OpConst || c.Aux != 1 {
		t.Fatalf("%%al=%s %d, want const 1", c.Op, c.Aux)
	}
	for _, r := range []Reg{RDI, XMM(0), RSI} {
		if _, ok := regs[int64(r)]; !ok {
			t.Fatalf("no write of %s", r)
		}
	}
	calls := countOps(b.Graph, fn, ir.OpCall)
	if len(calls) != 1 || calls[0].Aux != 0 {
		t.Fatalf("calls=%d, want one call without stack arguments", len(calls))
	}
}

func TestSysVLowerAggregateParameter(t *testing.T) {
	a := New(SysV)
	b := ir.NewBuilder(ir.NewUnit())
	s := mixedStruct()
	sig := ctype.NewFunc(ctype.Long, []*ctype.Type{s}, false)
	fn := b.BeginFunction("get", sig)
	params := a.LowerFunctionEntry(b, sig, []string{"s"})
	if n := b.Graph.Node(params[0].Node); n.Op != ir.OpAlloc {
		t.Fatalf("param=%s, want alloc", n.Op)
	}
	l := b.Load(ir.I64, b.Binary(ir.OpAdd, params[0].Node, b.Const(ir.Ptr, 8)))
	a.LowerReturn(b, sig, Value{Node: l, Type: ctype.Long})
	b.EndFunction()

	if err := b.Graph.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	gets := countOps(b.Graph, fn, ir.OpRegGet)
	if len(gets) != 2 || gets[0].Aux != int64(RDI) || gets[1].Aux != int64(RSI) {
		t.Fatalf("register reads=%d, want %%rdi and %%rsi", len(gets))
	}
}

func TestSysVLowerVaArg(t *testing.T) {
	a := New(SysV)
	b := ir.NewBuilder(ir.NewUnit())
	sig := ctype.NewFunc(ctype.Long, []*ctype.Type{ctype.Int}, true)
	fn := b.BeginFunction("sum", sig)
	a.LowerFunctionEntry(b, sig, []string{"n"})

	vl := a.VaListType()
	ap := Value{Node: b.Alloc(vl.Size, vl.Align, "ap"), Type: vl}
	a.LowerVaStart(b, ap)
	v := a.LowerVaArg(b, ap, ctype.Long)
	d := a.LowerVaArg(b, ap, ctype.Double)
	sum := b.Binary(ir.OpAdd, v.Node, b.Convert(ir.OpFToI, ir.I64, d.Node))
	a.LowerReturn(b, sig, Value{Node: sum, Type: ctype.Long})
	b.EndFunction()

	if err := b.Graph.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	// Each va_arg of a register class type splits into two paths.
	if got := len(countOps(b.Graph, fn, ir.OpIf)); got != 2 {
		t.Fatalf("branches=%d, want 2", got)
	}
	var gp *ir.Node
	for _, st := range countOps(b.Graph, fn, ir.OpStore) {
		if st.Args[1] == ap.Node {
			gp = b.Graph.Node(st.Args[2])
			break
		}
	}
	if gp == nil || gp.Op != ir.OpConst || gp.Aux != 8 {
		t.Fatalf("initial gp_offset=%v, want const 8", gp)
	}
	s := fn.Schedule()
	if len(s.Blocks) != len(fn.Blocks) {
		t.Fatalf("scheduled %d blocks, want %d", len(s.Blocks), len(fn.Blocks))
	}
}
