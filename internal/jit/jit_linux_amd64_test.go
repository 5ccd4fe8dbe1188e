//go:build linux && amd64

package jit

import (
	"testing"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/ir"
	"github.com/tinyrange/ccomp/internal/ir/amd64"
	"github.com/tinyrange/ccomp/internal/obj"
)

// buildSum builds long sum(int n, ...) and long call_sum(void), which
// calls sum(3, 100, 200, 300).
func buildSum(t *testing.T) *obj.Object {
	t.Helper()
	u := ir.NewUnit()
	a := abi.New(abi.SysV)
	b := ir.NewBuilder(u)

	sig := ctype.NewFunc(ctype.Long, []*ctype.Type{ctype.Int}, true)
	b.BeginFunction("sum", sig)
	p := a.LowerFunctionEntry(b, sig, []string{"n"})
	vl := a.VaListType()
	ap := abi.Value{Node: b.Alloc(vl.Size, vl.Align, "ap"), Type: vl}
	a.LowerVaStart(b, ap)
	i := b.NewVar(ir.I32)
	s := b.NewVar(ir.I64)
	b.WriteVar(i, b.Const(ir.I32, 0))
	b.WriteVar(s, b.Const(ir.I64, 0))
	header := b.NewRegion()
	b.Jump(header)
	b.SetBlock(header)
	body, exit := b.If(b.Compare(ir.OpLt, b.ReadVar(i), p[0].Node))
	b.SetBlock(body)
	v := a.LowerVaArg(b, ap, ctype.Long)
	b.WriteVar(s, b.Binary(ir.OpAdd, b.ReadVar(s), v.Node))
	b.WriteVar(i, b.Binary(ir.OpAdd, b.ReadVar(i), b.Const(ir.I32, 1)))
	b.Jump(header)
	b.Seal(header)
	b.SetBlock(exit)
	a.LowerReturn(b, sig, abi.Value{Node: b.ReadVar(s), Type: ctype.Long})
	b.EndFunction()

	caller := ctype.NewFunc(ctype.Long, nil, false)
	b.BeginFunction("call_sum", caller)
	a.LowerFunctionEntry(b, caller, nil)
	args := []abi.Value{{Node: b.Const(ir.I32, 3), Type: ctype.Int}}
	for _, v := range []int64{100, 200, 300} {
		args = append(args, abi.Value{Node: b.Const(ir.I64, v), Type: ctype.Long})
	}
	r := a.LowerCall(b, b.Symbol("sum", 0), sig, args)
	a.LowerReturn(b, caller, r)
	b.EndFunction()

	for _, fn := range u.Funcs {
		ir.Optimize(fn, ir.Passes)
	}
	o := obj.Start()
	as := obj.NewAssembler(o)
	if err := amd64.Compile(u, nil, abi.SysV, as); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if err := o.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return o
}

func TestCallVariadicSum(t *testing.T) {
	prog, err := Load(buildSum(t), "sum")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer prog.Close()

	got, err := prog.Call("call_sum")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != 600 {
		t.Fatalf("sum(3, 100, 200, 300)=%d, want 600", got)
	}

	// Calling the variadic function directly passes the values in
	// registers the way a C caller would.
	got, err = prog.Call("sum", 2, 40, 2)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != 42 {
		t.Fatalf("sum(2, 40, 2)=%d, want 42", got)
	}
}

func TestCallAfterClose(t *testing.T) {
	prog, err := Load(buildSum(t), "sum")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := prog.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := prog.Call("sum", 0); err == nil {
		t.Fatalf("Call after Close succeeded")
	}
}

func TestUndefinedSymbol(t *testing.T) {
	prog, err := Load(buildSum(t), "sum")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer prog.Close()
	if _, err := prog.Call("missing"); err == nil {
		t.Fatalf("Call of an undefined symbol succeeded")
	}
}
