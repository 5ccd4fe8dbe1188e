package abi

import (
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/diag"
	"github.com/tinyrange/ccomp/internal/ir"
)

// msRegSlots is the number of argument slots passed in registers. The
// caller always reserves home space for them.
const msRegSlots = 4

var msIntArgRegs = []Reg{RCX, RDX, R8, R9}

type microsoft struct{}

func (microsoft) Kind() Kind { return Microsoft }

func (microsoft) VaListType() *ctype.Type { return ctype.PointerTo(ctype.Char) }

// Classify returns a single class: aggregates whose size is a power of two
// up to eight bytes travel as integers, every other aggregate is passed by
// reference.
func (microsoft) Classify(t *ctype.Type) []Class {
	switch {
	case t.Kind == ctype.KindVoid:
		return []Class{NoClass}
	case t.IsInteger(), t.IsPointer():
		return []Class{Integer}
	case t.IsFloat():
		return []Class{SSE}
	case t.IsAggregate():
		switch t.Size {
		case 1, 2, 4, 8:
			return []Class{Integer}
		}
		return []Class{Memory}
	}
	diag.NotImplemented("classification of %s", t)
	return nil
}

func (m microsoft) ClassifyCall(fn *ctype.Type, args []*ctype.Type) CallInfo {
	var ci CallInfo
	slot := 0

	if fn.Result.Kind != ctype.KindVoid {
		classes := m.Classify(fn.Result)
		ci.Ret.Classes = classes
		switch classes[0] {
		case Memory:
			ci.HiddenRet = true
			ci.Ret.InMemory = true
			ci.Ret.Regs = []Reg{RAX}
			slot = 1
		case SSE:
			ci.Ret.Regs = []Reg{XMM(0)}
		default:
			ci.Ret.Regs = []Reg{RAX}
		}
	}

	ci.Args = make([]ArgInfo, len(args))
	for i, t := range args {
		classes := m.Classify(t)
		info := ArgInfo{Classes: classes, ByRef: classes[0] == Memory}
		if slot < msRegSlots {
			if classes[0] == SSE {
				info.Regs = []Reg{XMM(slot)}
				ci.SSEUsed++
			} else {
				info.Regs = []Reg{msIntArgRegs[slot]}
				ci.GPUsed++
			}
		} else {
			info.InMemory = true
			ci.Overflowed = true
		}
		info.StackOffset = 8 * slot
		ci.Args[i] = info
		slot++
	}
	ci.StackUsed = 8 * slot
	ci.StackBytes = ctype.AlignUp(8*max(msRegSlots, slot), 16)
	return ci
}

// argWord returns the eight byte value passed for a: the value itself for
// scalars, a pointer to a private copy for by-reference aggregates and the
// loaded bytes for small aggregates.
func argWord(b *ir.Builder, a Value, info ArgInfo) ir.NodeID {
	switch {
	case info.ByRef:
		tmp := b.Alloc(a.Type.Size, max(a.Type.Align, 8), "byref")
		b.Copy(tmp, a.Node, a.Type.Size, a.Type.Align)
		return tmp
	case a.Type.IsAggregate():
		return b.Load(chunkType(Integer, a.Type.Size), a.Node)
	}
	return a.Node
}

func (m microsoft) LowerCall(b *ir.Builder, callee ir.NodeID, fn *ctype.Type, args []Value) Value {
	ci := m.ClassifyCall(fn, argTypes(args))

	var hidden ir.NodeID
	if ci.HiddenRet {
		hidden = b.Alloc(fn.Result.Size, fn.Result.Align, "ret")
	}
	words := make([]ir.NodeID, len(args))
	for i, a := range args {
		words[i] = argWord(b, a, ci.Args[i])
	}

	var sets []regValue
	if ci.HiddenRet {
		sets = append(sets, regValue{RCX, hidden})
	}
	for i, info := range ci.Args {
		if info.InMemory {
			b.Store(b.StackAddr(ir.AreaOutgoing, info.StackOffset), words[i])
			continue
		}
		sets = append(sets, regValue{info.Regs[0], words[i]})
		if !fn.Variadic {
			continue
		}
		// Variadic callees read their arguments from the home area, so
		// every register argument is also stored there and floating point
		// values are duplicated into the matching integer register.
		home := b.StackAddr(ir.AreaOutgoing, info.StackOffset)
		b.Store(home, words[i])
		if info.Regs[0].IsXMM() {
			slot := info.StackOffset / 8
			sets = append(sets, regValue{msIntArgRegs[slot], b.Load(ir.U64, home)})
		}
	}
	for _, rv := range sets {
		b.RegSet(int64(rv.reg), rv.val)
	}

	b.Call(callee, ci.StackBytes)
	return receive(b, fn.Result, ci.Ret, hidden)
}

func (m microsoft) LowerFunctionEntry(b *ir.Builder, fn *ctype.Type, names []string) []Value {
	ci := m.ClassifyCall(fn, fn.Params)
	frame := &Frame{Call: ci}
	b.Function().ABI = frame

	if ci.HiddenRet {
		frame.RetPtr = b.RegGet(ir.Ptr, int64(RCX))
	}
	words := make([]ir.NodeID, len(fn.Params))
	for i, t := range fn.Params {
		info := ci.Args[i]
		if info.InMemory {
			continue
		}
		typ := ir.Ptr
		if !info.ByRef {
			if t.IsAggregate() {
				typ = chunkType(Integer, t.Size)
			} else {
				typ = MachineType(t)
			}
		}
		words[i] = b.RegGet(typ, int64(info.Regs[0]))
	}

	params := make([]Value, len(fn.Params))
	for i, t := range fn.Params {
		info := ci.Args[i]
		switch {
		case info.InMemory && info.ByRef:
			params[i] = Value{Node: b.Load(ir.Ptr, b.StackAddr(ir.AreaIncoming, info.StackOffset)), Type: t}
		case info.InMemory:
			params[i] = resultOrLoad(b, b.StackAddr(ir.AreaIncoming, info.StackOffset), t)
		case info.ByRef, !t.IsAggregate():
			params[i] = Value{Node: words[i], Type: t}
		default:
			params[i] = Value{Node: spill(b, t, []ir.NodeID{words[i]}, paramName(names, i)), Type: t}
		}
	}
	return params
}

func (m microsoft) LowerReturn(b *ir.Builder, fn *ctype.Type, v Value) {
	frame := frameOf(b)
	ci := frame.Call
	switch {
	case fn.Result.Kind == ctype.KindVoid:
	case ci.HiddenRet:
		b.Copy(frame.RetPtr, v.Node, fn.Result.Size, fn.Result.Align)
		b.RegSet(int64(RAX), frame.RetPtr)
	default:
		for _, rv := range loadRegs(b, v, ci.Ret) {
			b.RegSet(int64(rv.reg), rv.val)
		}
	}
	b.Return()
}

// LowerVaStart points ap at the home slot following the last named
// argument. The prologue of a variadic function spills the argument
// registers to their home slots, making the argument list contiguous.
func (m microsoft) LowerVaStart(b *ir.Builder, ap Value) {
	ci := frameOf(b).Call
	b.Store(ap.Node, b.StackAddr(ir.AreaIncoming, ci.StackUsed))
}

func (m microsoft) LowerVaArg(b *ir.Builder, ap Value, t *ctype.Type) Value {
	p := b.Load(ir.Ptr, ap.Node)
	b.Store(ap.Node, offset(b, p, 8))
	if m.Classify(t)[0] == Memory {
		p = b.Load(ir.Ptr, p)
	}
	return resultOrLoad(b, p, t)
}
