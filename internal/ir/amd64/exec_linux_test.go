//go:build linux && amd64

package amd64

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/ir"
	"github.com/tinyrange/ccomp/internal/obj"
)

// buildSum builds long sum(int n, ...) adding n long arguments.
func buildSum(u *ir.Unit, a abi.ABI) *ctype.Type {
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
	return sig
}

// buildMixed builds long mixed(struct {char c; int i; long l} s, double d)
// returning s.c + s.i + s.l + (long)(d * 2).
func buildMixed(u *ir.Unit, a abi.ABI, st *ctype.Type) *ctype.Type {
	b := ir.NewBuilder(u)
	sig := ctype.NewFunc(ctype.Long, []*ctype.Type{st, ctype.Double}, false)
	b.BeginFunction("mixed", sig)
	p := a.LowerFunctionEntry(b, sig, []string{"s", "d"})
	field := func(name string, t ir.Type) ir.NodeID {
		f, _ := st.Field(name)
		addr := b.Binary(ir.OpAdd, p[0].Node, b.Const(ir.Ptr, int64(f.Offset)))
		return b.Convert(ir.OpSExt, ir.I64, b.Load(t, addr))
	}
	total := b.Binary(ir.OpAdd, field("c", ir.I8), field("i", ir.I32))
	total = b.Binary(ir.OpAdd, total, b.Load(ir.I64, b.Binary(ir.OpAdd, p[0].Node, b.Const(ir.Ptr, 8))))
	twice := b.Binary(ir.OpFMul, p[1].Node, b.FloatConst(ir.F64, 2))
	total = b.Binary(ir.OpAdd, total, b.Convert(ir.OpFToI, ir.I64, twice))
	a.LowerReturn(b, sig, abi.Value{Node: total, Type: ctype.Long})
	b.EndFunction()
	return sig
}

func buildMain(u *ir.Unit, a abi.ABI, body func(b *ir.Builder) ir.NodeID) {
	b := ir.NewBuilder(u)
	sig := ctype.NewFunc(ctype.Int, nil, false)
	b.BeginFunction("main", sig)
	a.LowerFunctionEntry(b, sig, nil)
	r := b.Convert(ir.OpTrunc, ir.I32, body(b))
	a.LowerReturn(b, sig, abi.Value{Node: r, Type: ctype.Int})
	b.EndFunction()
}

func runUnit(t *testing.T, u *ir.Unit, optimize bool) int {
	t.Helper()
	var scheds []*ir.Schedule
	for _, fn := range u.Funcs {
		if optimize {
			ir.Optimize(fn, ir.Passes)
		}
		if err := u.Graph.Verify(); err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		scheds = append(scheds, fn.Schedule())
	}

	o := obj.Start()
	as := obj.NewAssembler(o)
	if err := Compile(u, scheds, abi.SysV, as); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if err := EmitStart(as, "main"); err != nil {
		t.Fatalf("EmitStart failed: %v", err)
	}
	if err := o.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	exe, err := obj.Link([]*obj.Object{o}, obj.LinkConfig{})
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	var buf bytes.Buffer
	if err := obj.WriteExecutable(&buf, exe); err != nil {
		t.Fatalf("WriteExecutable failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "prog")
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = exec.CommandContext(ctx, path).Run()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("run failed: %v", err)
	}
	return exitErr.ExitCode()
}

func TestRunFloatToUnsigned(t *testing.T) {
	for _, optimize := range []bool{false, true} {
		u := ir.NewUnit()
		a := abi.New(abi.SysV)
		buildMain(u, a, func(b *ir.Builder) ir.NodeID {
			// 1.5e19 >> 56 is 208; a signed conversion yields 1<<63 and 128.
			big := b.Convert(ir.OpFToI, ir.U64, b.FloatConst(ir.F64, 1.5e19))
			small := b.Convert(ir.OpFToI, ir.U64, b.FloatConst(ir.F64, 2.5))
			return b.Binary(ir.OpAdd, b.Binary(ir.OpShr, big, b.Const(ir.U64, 56)), small)
		})
		if got := runUnit(t, u, optimize); got != 210 {
			t.Fatalf("optimize=%v: exit code=%d, want 210", optimize, got)
		}
	}
}

func TestRunVariadicSum(t *testing.T) {
	for _, optimize := range []bool{false, true} {
		u := ir.NewUnit()
		a := abi.New(abi.SysV)
		sig := buildSum(u, a)
		buildMain(u, a, func(b *ir.Builder) ir.NodeID {
			args := []abi.Value{{Node: b.Const(ir.I32, 3), Type: ctype.Int}}
			for _, v := range []int64{10, 20, 12} {
				args = append(args, abi.Value{Node: b.Const(ir.I64, v), Type: ctype.Long})
			}
			return a.LowerCall(b, b.Symbol("sum", 0), sig, args).Node
		})
		if got := runUnit(t, u, optimize); got != 42 {
			t.Fatalf("optimize=%v: exit code=%d, want 42", optimize, got)
		}
	}
}

func TestRunAggregateAndFloatArguments(t *testing.T) {
	st := ctype.NewStruct("mixed", []ctype.Field{
		{Name: "c", Type: ctype.Char},
		{Name: "i", Type: ctype.Int},
		{Name: "l", Type: ctype.Long},
	}, false)
	u := ir.NewUnit()
	a := abi.New(abi.SysV)
	sig := buildMixed(u, a, st)
	buildMain(u, a, func(b *ir.Builder) ir.NodeID {
		s := b.Alloc(st.Size, st.Align, "s")
		b.Store(s, b.Const(ir.I8, -1))
		b.Store(b.Binary(ir.OpAdd, s, b.Const(ir.Ptr, 4)), b.Const(ir.I32, 3))
		b.Store(b.Binary(ir.OpAdd, s, b.Const(ir.Ptr, 8)), b.Const(ir.I64, 19))
		return a.LowerCall(b, b.Symbol("mixed", 0), sig, []abi.Value{
			{Node: s, Type: st},
			{Node: b.FloatConst(ir.F64, 10.75), Type: ctype.Double},
		}).Node
	})
	// -1 + 3 + 19 + 21
	if got := runUnit(t, u, true); got != 42 {
		t.Fatalf("exit code=%d, want 42", got)
	}
}
