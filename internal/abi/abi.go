// Package abi classifies C types under the System V and Microsoft x64
// calling conventions and lowers calls, function entries, returns and
// variadic argument access into IR.
package abi

import (
	"fmt"

	"github.com/tinyrange/ccomp/internal/asm"
	"github.com/tinyrange/ccomp/internal/asm/amd64"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/diag"
	"github.com/tinyrange/ccomp/internal/ir"
)

// Kind selects a calling convention.
type Kind int

const (
	SysV Kind = iota
	Microsoft
)

func (k Kind) String() string {
	switch k {
	case SysV:
		return "sysv"
	case Microsoft:
		return "microsoft"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a name accepted on the command line to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "sysv", "systemv", "linux":
		return SysV, nil
	case "microsoft", "ms", "win64", "windows":
		return Microsoft, nil
	}
	return 0, fmt.Errorf("unknown abi %q", s)
}

// Class is the register class of one eightbyte.
type Class uint8

const (
	NoClass Class = iota
	Integer
	SSE
	Memory
)

func (c Class) String() string {
	switch c {
	case NoClass:
		return "NO_CLASS"
	case Integer:
		return "INTEGER"
	case SSE:
		return "SSE"
	case Memory:
		return "MEMORY"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Reg is a physical register as carried by RegGet and RegSet nodes:
// general purpose registers use their asm.Variable number and XMM registers
// follow them.
type Reg int64

// NoReg fills register slots of eightbytes that need no register.
const NoReg Reg = -1

const xmmBase = 16

const (
	RAX = Reg(amd64.RAX)
	RCX = Reg(amd64.RCX)
	RDX = Reg(amd64.RDX)
	RSI = Reg(amd64.RSI)
	RDI = Reg(amd64.RDI)
	R8  = Reg(amd64.R8)
	R9  = Reg(amd64.R9)
)

// XMM returns SSE register n.
func XMM(n int) Reg { return Reg(xmmBase + n) }

// IsXMM reports whether r is an SSE register.
func (r Reg) IsXMM() bool { return r >= xmmBase }

// GP returns the general purpose register.
func (r Reg) GP() asm.Variable { return asm.Variable(r) }

// XMMIndex returns the SSE register number.
func (r Reg) XMMIndex() int { return int(r - xmmBase) }

func (r Reg) String() string {
	switch {
	case r == NoReg:
		return "-"
	case r.IsXMM():
		return fmt.Sprintf("%%xmm%d", r.XMMIndex())
	}
	return amd64.Reg64(r.GP()).String()
}

// ArgInfo is where one argument or return value lives.
type ArgInfo struct {
	Classes []Class
	// Regs has one entry per eightbyte for register passed values.
	Regs []Reg
	// InMemory values sit at StackOffset in the argument area.
	InMemory    bool
	StackOffset int
	// ByRef values are passed as a pointer to a caller made copy.
	ByRef bool
}

// CallInfo is the classification of a whole call.
type CallInfo struct {
	Args []ArgInfo
	Ret  ArgInfo
	// HiddenRet is set when the result is written through a pointer passed
	// by the caller.
	HiddenRet bool
	// GPUsed and SSEUsed count the argument registers handed out.
	GPUsed  int
	SSEUsed int
	// Overflowed is set once an argument did not fit the register budget.
	Overflowed bool
	// StackUsed is the end of the last stack argument; StackBytes is the
	// size of the argument area the caller reserves.
	StackUsed  int
	StackBytes int
}

// Value is an argument or result at the front end boundary: a scalar SSA
// value, or for aggregates the address of the object.
type Value struct {
	Node ir.NodeID
	Type *ctype.Type
}

// Frame is the per-function state recorded by LowerFunctionEntry.
type Frame struct {
	Call   CallInfo
	RetPtr ir.NodeID
}

// ABI is a calling convention.
type ABI interface {
	Kind() Kind
	// Classify returns the class of each eightbyte of t.
	Classify(t *ctype.Type) []Class
	// ClassifyCall assigns locations to the arguments of a call to fn with
	// actual argument types args; for variadic functions args extends past
	// the named parameters.
	ClassifyCall(fn *ctype.Type, args []*ctype.Type) CallInfo
	LowerCall(b *ir.Builder, callee ir.NodeID, fn *ctype.Type, args []Value) Value
	LowerFunctionEntry(b *ir.Builder, fn *ctype.Type, names []string) []Value
	LowerReturn(b *ir.Builder, fn *ctype.Type, v Value)
	LowerVaStart(b *ir.Builder, ap Value)
	LowerVaArg(b *ir.Builder, ap Value, t *ctype.Type) Value
	VaListType() *ctype.Type
}

// New returns the implementation of kind.
func New(kind Kind) ABI {
	switch kind {
	case SysV:
		return newSysV()
	case Microsoft:
		return microsoft{}
	}
	diag.Bug("unknown abi %d", kind)
	return nil
}

// MachineType returns the IR type that holds a scalar of type t.
func MachineType(t *ctype.Type) ir.Type {
	switch {
	case t.IsFloat():
		return ir.Type{Size: uint8(t.Size), Float: true}
	case t.IsInteger(), t.IsPointer():
		return ir.Type{Size: uint8(t.Size), Unsigned: t.Unsigned}
	}
	diag.Bug("no machine type for %s", t)
	return ir.Type{}
}

// chunkType is the IR type used to move an eightbyte of the given class
// holding size meaningful bytes.
func chunkType(c Class, size int) ir.Type {
	if c == SSE {
		if size <= 4 {
			return ir.F32
		}
		return ir.F64
	}
	switch {
	case size <= 1:
		return ir.U8
	case size <= 2:
		return ir.U16
	case size <= 4:
		return ir.U32
	}
	return ir.U64
}

func offset(b *ir.Builder, base ir.NodeID, off int) ir.NodeID {
	if off == 0 {
		return base
	}
	return b.Binary(ir.OpAdd, base, b.Const(ir.Ptr, int64(off)))
}

func argTypes(args []Value) []*ctype.Type {
	out := make([]*ctype.Type, len(args))
	for i, a := range args {
		out[i] = a.Type
	}
	return out
}

func frameOf(b *ir.Builder) *Frame {
	f, ok := b.Function().ABI.(*Frame)
	if !ok {
		diag.Bug("function %s has no abi frame; LowerFunctionEntry was not called", b.Function().Name)
	}
	return f
}

type regValue struct {
	reg Reg
	val ir.NodeID
}

// loadRegs reads the eightbytes of v that travel in registers.
func loadRegs(b *ir.Builder, v Value, info ArgInfo) []regValue {
	if !v.Type.IsAggregate() {
		return []regValue{{info.Regs[0], v.Node}}
	}
	var out []regValue
	for j, r := range info.Regs {
		if r == NoReg {
			continue
		}
		off := 8 * j
		t := chunkType(info.Classes[j], min(8, v.Type.Size-off))
		out = append(out, regValue{r, b.Load(t, offset(b, v.Node, off))})
	}
	return out
}

// storeArg writes v to an argument area slot.
func storeArg(b *ir.Builder, area ir.Area, off int, v Value) {
	dst := b.StackAddr(area, off)
	if v.Type.IsAggregate() {
		b.Copy(dst, v.Node, v.Type.Size, v.Type.Align)
		return
	}
	b.Store(dst, v.Node)
}

// receive builds the result of a call from the return registers.
func receive(b *ir.Builder, t *ctype.Type, info ArgInfo, hidden ir.NodeID) Value {
	switch {
	case t.Kind == ctype.KindVoid:
		return Value{Type: t}
	case hidden != 0:
		return Value{Node: hidden, Type: t}
	case !t.IsAggregate():
		return Value{Node: b.RegGet(MachineType(t), int64(info.Regs[0])), Type: t}
	}
	gets := make([]ir.NodeID, len(info.Regs))
	for j, r := range info.Regs {
		if r != NoReg {
			gets[j] = b.RegGet(chunkType(info.Classes[j], min(8, t.Size-8*j)), int64(r))
		}
	}
	return Value{Node: spill(b, t, gets, "result"), Type: t}
}

// spill stores register eightbytes into a fresh stack object.
func spill(b *ir.Builder, t *ctype.Type, chunks []ir.NodeID, name string) ir.NodeID {
	tmp := b.Alloc(ctype.AlignUp(t.Size, 8), max(t.Align, 8), name)
	for j, c := range chunks {
		if c != 0 {
			b.Store(offset(b, tmp, 8*j), c)
		}
	}
	return tmp
}

func resultOrLoad(b *ir.Builder, addr ir.NodeID, t *ctype.Type) Value {
	if t.IsAggregate() {
		return Value{Node: addr, Type: t}
	}
	return Value{Node: b.Load(MachineType(t), addr), Type: t}
}

func paramName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("arg%d", i)
}
