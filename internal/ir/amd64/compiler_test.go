package amd64

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/asm/amd64"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/ir"
	"github.com/tinyrange/ccomp/internal/obj"
)

func buildAdd(u *ir.Unit, a abi.ABI) {
	b := ir.NewBuilder(u)
	sig := ctype.NewFunc(ctype.Int, []*ctype.Type{ctype.Int, ctype.Int}, false)
	b.BeginFunction("add", sig)
	p := a.LowerFunctionEntry(b, sig, []string{"x", "y"})
	sum := b.Binary(ir.OpAdd, p[0].Node, p[1].Node)
	a.LowerReturn(b, sig, abi.Value{Node: sum, Type: ctype.Int})
	b.EndFunction()
}

func compileText(t *testing.T, u *ir.Unit, kind abi.Kind) string {
	t.Helper()
	var buf bytes.Buffer
	w := amd64.NewTextWriter(&buf)
	if err := Compile(u, nil, kind, w); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return buf.String()
}

func TestCompileText(t *testing.T) {
	u := ir.NewUnit()
	buildAdd(u, abi.New(abi.SysV))
	text := compileText(t, u, abi.SysV)

	for _, want := range []string{
		"\t.globl add\nadd:\n\tpushq %rbp\n\tmovq %rsp, %rbp\n\tsubq $368, %rsp\n",
		"\tmovq %rdi, -304(%rbp)\n",
		"\tmovsd %xmm7, -144(%rbp)\n",
		"\tmovslq %eax, %rax\n",
		"\taddq %rcx, %rax\n",
		"\tleave\n\tret\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestCompileMicrosoftVariadicHomesRegisters(t *testing.T) {
	u := ir.NewUnit()
	a := abi.New(abi.Microsoft)
	b := ir.NewBuilder(u)
	sig := ctype.NewFunc(ctype.Long, []*ctype.Type{ctype.Int}, true)
	b.BeginFunction("first", sig)
	a.LowerFunctionEntry(b, sig, []string{"n"})
	vl := a.VaListType()
	ap := abi.Value{Node: b.Alloc(vl.Size, vl.Align, "ap"), Type: vl}
	a.LowerVaStart(b, ap)
	a.LowerReturn(b, sig, a.LowerVaArg(b, ap, ctype.Long))
	b.EndFunction()

	text := compileText(t, u, abi.Microsoft)
	for _, want := range []string{
		"\tmovq %rcx, 16(%rbp)\n",
		"\tmovq %r9, 40(%rbp)\n",
		"\tleaq 24(%rbp), %rcx\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestCompileBranchesAndPhis(t *testing.T) {
	u := ir.NewUnit()
	a := abi.New(abi.SysV)
	b := ir.NewBuilder(u)
	sig := ctype.NewFunc(ctype.Long, []*ctype.Type{ctype.Long}, false)
	b.BeginFunction("abs", sig)
	p := a.LowerFunctionEntry(b, sig, []string{"x"})
	v := b.NewVar(ir.I64)
	b.WriteVar(v, p[0].Node)
	join := b.NewRegion()
	neg, pos := b.If(b.Compare(ir.OpLt, p[0].Node, b.Const(ir.I64, 0)))
	b.SetBlock(neg)
	b.WriteVar(v, b.Unary(ir.OpNeg, p[0].Node))
	b.Jump(join)
	b.SetBlock(pos)
	b.Jump(join)
	b.Seal(join)
	b.SetBlock(join)
	a.LowerReturn(b, sig, abi.Value{Node: b.ReadVar(v), Type: ctype.Long})
	b.EndFunction()

	text := compileText(t, u, abi.SysV)
	for _, want := range []string{"\tsetl %al\n", "\tnegq %rax\n", "\ttestq %rax, %rax\n"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestCompileFloatToUnsigned(t *testing.T) {
	u := ir.NewUnit()
	a := abi.New(abi.SysV)
	b := ir.NewBuilder(u)
	sig := ctype.NewFunc(ctype.ULong, []*ctype.Type{ctype.Double}, false)
	b.BeginFunction("trunc", sig)
	p := a.LowerFunctionEntry(b, sig, []string{"f"})
	a.LowerReturn(b, sig, abi.Value{Node: b.Convert(ir.OpFToI, ir.U64, p[0].Node), Type: ctype.ULong})
	b.EndFunction()

	text := compileText(t, u, abi.SysV)
	for _, want := range []string{
		"\tucomisd %xmm1, %xmm0\n",
		"\tjae ",
		"\tsubsd %xmm1, %xmm0\n",
		"\txorq %r11, %rax\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if n := strings.Count(text, "\tcvttsd2siq %xmm0, %rax\n"); n != 2 {
		t.Fatalf("cvttsd2siq appears %d times, want 2:\n%s", n, text)
	}
}

func TestEmitGlobals(t *testing.T) {
	u := ir.NewUnit()
	buildAdd(u, abi.New(abi.SysV))
	u.StringLiteral("hi")
	u.AddGlobal(&ir.Global{
		Name:     "table",
		Size:     16,
		Align:    8,
		Data:     []byte{1},
		Relocs:   []ir.GlobalReloc{{Offset: 8, Symbol: "add"}},
		Exported: true,
	})
	text := compileText(t, u, abi.SysV)

	want := "\t.data\n.LC0:\n\t.byte 104,105,0\n\t.balign 8\n\t.globl table\ntable:\n\t.byte 1\n\t.zero 7\n\t.quad add\n"
	if !strings.Contains(text, want) {
		t.Fatalf("data section=\n%s\nwant it to contain\n%s", text, want)
	}
}

func TestEmitGlobalsRejectsOverlap(t *testing.T) {
	var buf bytes.Buffer
	err := EmitGlobals(amd64.NewTextWriter(&buf), []*ir.Global{{
		Name:   "bad",
		Size:   8,
		Align:  8,
		Relocs: []ir.GlobalReloc{{Offset: 4, Symbol: "x"}},
	}})
	if err == nil {
		t.Fatalf("EmitGlobals succeeded for a relocation past the end")
	}
}

func TestCompileObject(t *testing.T) {
	u := ir.NewUnit()
	a := abi.New(abi.SysV)
	buildAdd(u, a)

	b := ir.NewBuilder(u)
	sig := ctype.NewFunc(ctype.Int, nil, false)
	b.BeginFunction("main", sig)
	a.LowerFunctionEntry(b, sig, nil)
	addSig := ctype.NewFunc(ctype.Int, []*ctype.Type{ctype.Int, ctype.Int}, false)
	r := a.LowerCall(b, b.Symbol("add", 0), addSig, []abi.Value{
		{Node: b.Const(ir.I32, 40), Type: ctype.Int},
		{Node: b.Const(ir.I32, 2), Type: ctype.Int},
	})
	a.LowerReturn(b, sig, r)
	b.EndFunction()

	o := obj.Start()
	as := obj.NewAssembler(o)
	if err := Compile(u, nil, abi.SysV, as); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if err := EmitStart(as, "main"); err != nil {
		t.Fatalf("EmitStart failed: %v", err)
	}
	if err := o.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	for _, name := range []string{"add", "main", StartSymbol} {
		s, ok := o.Lookup(name)
		if !ok || !s.Defined() || !s.Global {
			t.Fatalf("symbol %s missing or not a defined global", name)
		}
	}
	text := o.Section(".text")
	for _, r := range text.Relocs {
		if r.Symbol.Name != "add" && r.Symbol.Name != "main" {
			t.Fatalf("unexpected relocation against %s", r.Symbol.Name)
		}
	}
}
