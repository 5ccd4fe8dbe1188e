package abi

import (
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/diag"
	"github.com/tinyrange/ccomp/internal/ir"
)

const (
	sysvGPRegs  = 6
	sysvSSERegs = 8

	// Layout of the register save area: the six integer argument registers
	// followed by eight 16-byte XMM slots.
	sysvSaveGPSize = sysvGPRegs * 8
	SaveAreaSize   = sysvSaveGPSize + 16*16
	sysvSaveFPEnd  = sysvSaveGPSize + sysvSSERegs*16
)

var sysvIntArgRegs = []Reg{RDI, RSI, RDX, RCX, R8, R9}

// SaveSlot returns the offset of reg inside the register save area. Every
// integer argument register of either convention has a slot, as do
// XMM0-XMM7.
func SaveSlot(reg Reg) (int, bool) {
	if reg.IsXMM() {
		if n := reg.XMMIndex(); n < sysvSSERegs {
			return sysvSaveGPSize + 16*n, true
		}
		return 0, false
	}
	for i, r := range sysvIntArgRegs {
		if r == reg {
			return 8 * i, true
		}
	}
	return 0, false
}

type sysV struct {
	vaList *ctype.Type
}

func newSysV() *sysV {
	return &sysV{
		vaList: ctype.NewStruct("__va_list_tag", []ctype.Field{
			{Name: "gp_offset", Type: ctype.UInt},
			{Name: "fp_offset", Type: ctype.UInt},
			{Name: "overflow_arg_area", Type: ctype.PointerTo(ctype.Void)},
			{Name: "reg_save_area", Type: ctype.PointerTo(ctype.Void)},
		}, false),
	}
}

func (s *sysV) Kind() Kind { return SysV }

func (s *sysV) VaListType() *ctype.Type { return s.vaList }

// combine merges the classes of two fields sharing an eightbyte.
func combine(a, b Class) Class {
	switch {
	case a == b:
		return a
	case a == NoClass:
		return b
	case b == NoClass:
		return a
	case a == Memory || b == Memory:
		return Memory
	case a == Integer || b == Integer:
		return Integer
	}
	return SSE
}

// Classify implements the System V algorithm. Aggregates larger than two
// eightbytes are always MEMORY because no SSEUP class is produced.
func (s *sysV) Classify(t *ctype.Type) []Class {
	switch {
	case t.Kind == ctype.KindVoid:
		return []Class{NoClass}
	case t.IsInteger(), t.IsPointer():
		return []Class{Integer}
	case t.IsFloat():
		return []Class{SSE}
	case t.IsAggregate():
	default:
		diag.NotImplemented("classification of %s", t)
	}
	if t.Size > 4*8 {
		return []Class{Memory}
	}
	n := (t.Size + 7) / 8
	if n == 0 {
		return []Class{NoClass}
	}
	classes := make([]Class, n)
	classifyInto(classes, t, 0)
	for _, c := range classes {
		if c == Memory {
			return []Class{Memory}
		}
	}
	if n > 2 {
		return []Class{Memory}
	}
	return classes
}

func classifyInto(classes []Class, t *ctype.Type, off int) {
	switch t.Kind {
	case ctype.KindStruct, ctype.KindUnion:
		for _, f := range t.Fields {
			if f.BitField && f.BitWidth == 0 {
				continue
			}
			if f.Offset%f.Type.Align != 0 {
				// Unaligned members force the whole object into memory.
				classes[0] = Memory
				return
			}
			classifyInto(classes, f.Type, off+f.Offset)
		}
	case ctype.KindArray:
		for i := 0; i < t.Len; i++ {
			classifyInto(classes, t.Elem, off+i*t.Elem.Size)
		}
	default:
		var c Class
		switch {
		case t.IsInteger(), t.IsPointer():
			c = Integer
		case t.IsFloat():
			c = SSE
		default:
			diag.NotImplemented("classification of member type %s", t)
		}
		idx := off / 8
		if off%8+t.Size > 8 {
			classes[idx] = Memory
			return
		}
		classes[idx] = combine(classes[idx], c)
	}
}

func countRegs(classes []Class) (gp, sse int) {
	for _, c := range classes {
		switch c {
		case Integer:
			gp++
		case SSE:
			sse++
		}
	}
	return gp, sse
}

// assign hands out registers for classes starting at the given counters.
func assign(classes []Class, gp, sse *int, intRegs []Reg) []Reg {
	regs := make([]Reg, len(classes))
	for j, c := range classes {
		switch c {
		case Integer:
			regs[j] = intRegs[*gp]
			*gp++
		case SSE:
			regs[j] = XMM(*sse)
			*sse++
		default:
			regs[j] = NoReg
		}
	}
	return regs
}

// ClassifyCall walks the arguments in order. The first argument that does
// not fit in the remaining registers goes to the stack, and so does every
// argument after it.
func (s *sysV) ClassifyCall(fn *ctype.Type, args []*ctype.Type) CallInfo {
	var ci CallInfo
	gp, sse := 0, 0

	if fn.Result.Kind != ctype.KindVoid {
		classes := s.Classify(fn.Result)
		ci.Ret.Classes = classes
		if classes[0] == Memory {
			ci.HiddenRet = true
			ci.Ret.InMemory = true
			ci.Ret.Regs = []Reg{RAX}
			gp = 1
		} else {
			rg, rs := 0, 0
			ci.Ret.Regs = assign(classes, &rg, &rs, []Reg{RAX, RDX})
		}
	}

	stack := 0
	ci.Args = make([]ArgInfo, len(args))
	for i, t := range args {
		classes := s.Classify(t)
		info := ArgInfo{Classes: classes}
		if classes[0] != Memory && !ci.Overflowed {
			ng, ns := countRegs(classes)
			if gp+ng <= sysvGPRegs && sse+ns <= sysvSSERegs {
				info.Regs = assign(classes, &gp, &sse, sysvIntArgRegs)
				ci.Args[i] = info
				continue
			}
			ci.Overflowed = true
		}
		info.InMemory = true
		stack = ctype.AlignUp(stack, max(8, t.Align))
		info.StackOffset = stack
		stack += ctype.AlignUp(t.Size, 8)
		ci.Args[i] = info
	}
	ci.GPUsed, ci.SSEUsed = gp, sse
	ci.StackUsed = stack
	ci.StackBytes = ctype.AlignUp(stack, 16)
	return ci
}

func (s *sysV) LowerCall(b *ir.Builder, callee ir.NodeID, fn *ctype.Type, args []Value) Value {
	ci := s.ClassifyCall(fn, argTypes(args))

	var hidden ir.NodeID
	if ci.HiddenRet {
		hidden = b.Alloc(fn.Result.Size, fn.Result.Align, "ret")
	}
	for i, a := range args {
		if info := ci.Args[i]; info.InMemory {
			storeArg(b, ir.AreaOutgoing, info.StackOffset, a)
		}
	}

	// Every load feeding a register is built before the first register
	// write, so the writes run back to back in front of the call.
	var sets []regValue
	if ci.HiddenRet {
		sets = append(sets, regValue{RDI, hidden})
	}
	for i, a := range args {
		if info := ci.Args[i]; !info.InMemory {
			sets = append(sets, loadRegs(b, a, info)...)
		}
	}
	if fn.Variadic {
		sets = append(sets, regValue{RAX, b.Const(ir.I64, int64(ci.SSEUsed))})
	}
	for _, rv := range sets {
		b.RegSet(int64(rv.reg), rv.val)
	}

	b.Call(callee, ci.StackBytes)
	return receive(b, fn.Result, ci.Ret, hidden)
}

func (s *sysV) LowerFunctionEntry(b *ir.Builder, fn *ctype.Type, names []string) []Value {
	ci := s.ClassifyCall(fn, fn.Params)
	frame := &Frame{Call: ci}
	b.Function().ABI = frame

	// Read every incoming register before anything else touches state.
	if ci.HiddenRet {
		frame.RetPtr = b.RegGet(ir.Ptr, int64(RDI))
	}
	gets := make([][]ir.NodeID, len(fn.Params))
	for i, t := range fn.Params {
		info := ci.Args[i]
		if info.InMemory {
			continue
		}
		if !t.IsAggregate() {
			gets[i] = []ir.NodeID{b.RegGet(MachineType(t), int64(info.Regs[0]))}
			continue
		}
		gets[i] = make([]ir.NodeID, len(info.Regs))
		for j, r := range info.Regs {
			if r != NoReg {
				gets[i][j] = b.RegGet(chunkType(info.Classes[j], min(8, t.Size-8*j)), int64(r))
			}
		}
	}

	params := make([]Value, len(fn.Params))
	for i, t := range fn.Params {
		info := ci.Args[i]
		switch {
		case info.InMemory:
			params[i] = resultOrLoad(b, b.StackAddr(ir.AreaIncoming, info.StackOffset), t)
		case !t.IsAggregate():
			params[i] = Value{Node: gets[i][0], Type: t}
		default:
			params[i] = Value{Node: spill(b, t, gets[i], paramName(names, i)), Type: t}
		}
	}
	return params
}

func (s *sysV) LowerReturn(b *ir.Builder, fn *ctype.Type, v Value) {
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

// LowerVaStart fills a va_list: gp_offset and fp_offset point past the
// named register arguments, overflow_arg_area at the first unnamed stack
// argument and reg_save_area at the prologue's register save area.
func (s *sysV) LowerVaStart(b *ir.Builder, ap Value) {
	ci := frameOf(b).Call
	gp := 8 * ci.GPUsed
	fp := sysvSaveGPSize + 16*ci.SSEUsed
	if ci.Overflowed {
		gp, fp = sysvSaveGPSize, sysvSaveFPEnd
	}
	b.Store(ap.Node, b.Const(ir.U32, int64(gp)))
	b.Store(offset(b, ap.Node, 4), b.Const(ir.U32, int64(fp)))
	b.Store(offset(b, ap.Node, 8), b.StackAddr(ir.AreaIncoming, ci.StackUsed))
	b.Store(offset(b, ap.Node, 16), b.StackAddr(ir.AreaSave, 0))
}

// LowerVaArg fetches the next argument of type t. Register class values
// branch at run time between the register save area and the overflow
// area; taking the overflow path closes the register areas for the
// remaining arguments, matching the caller's allocation.
func (s *sysV) LowerVaArg(b *ir.Builder, ap Value, t *ctype.Type) Value {
	classes := s.Classify(t)
	result := b.NewVar(ir.Ptr)
	join := b.NewRegion()

	if classes[0] != Memory {
		ng, ns := countRegs(classes)
		gpOff := b.Load(ir.U32, ap.Node)
		fpOff := b.Load(ir.U32, offset(b, ap.Node, 4))
		fits := b.Compare(ir.OpULe, gpOff, b.Const(ir.U32, int64(sysvSaveGPSize-8*ng)))
		if ns > 0 {
			fpFits := b.Compare(ir.OpULe, fpOff, b.Const(ir.U32, int64(sysvSaveFPEnd-16*ns)))
			fits = b.Binary(ir.OpAnd, fits, fpFits)
		}
		inRegs, onStack := b.If(fits)

		b.SetBlock(inRegs)
		save := b.Load(ir.Ptr, offset(b, ap.Node, 16))
		gp64 := b.Convert(ir.OpZExt, ir.Ptr, gpOff)
		fp64 := b.Convert(ir.OpZExt, ir.Ptr, fpOff)
		var addr ir.NodeID
		switch {
		case !t.IsAggregate() && classes[0] == Integer:
			addr = b.Binary(ir.OpAdd, save, gp64)
		case !t.IsAggregate():
			addr = b.Binary(ir.OpAdd, save, fp64)
		default:
			chunks := make([]ir.NodeID, len(classes))
			gi, si := 0, 0
			for j, c := range classes {
				var src ir.NodeID
				switch c {
				case Integer:
					src = offset(b, b.Binary(ir.OpAdd, save, gp64), 8*gi)
					gi++
				case SSE:
					src = offset(b, b.Binary(ir.OpAdd, save, fp64), 16*si)
					si++
				default:
					continue
				}
				chunks[j] = b.Load(chunkType(c, min(8, t.Size-8*j)), src)
			}
			addr = spill(b, t, chunks, "va_arg")
		}
		if ng > 0 {
			b.Store(ap.Node, b.Binary(ir.OpAdd, gpOff, b.Const(ir.U32, int64(8*ng))))
		}
		if ns > 0 {
			b.Store(offset(b, ap.Node, 4), b.Binary(ir.OpAdd, fpOff, b.Const(ir.U32, int64(16*ns))))
		}
		b.WriteVar(result, addr)
		b.Jump(join)

		b.SetBlock(onStack)
		b.Store(ap.Node, b.Const(ir.U32, sysvSaveGPSize))
		b.Store(offset(b, ap.Node, 4), b.Const(ir.U32, sysvSaveFPEnd))
	}

	area := b.Load(ir.Ptr, offset(b, ap.Node, 8))
	if t.Align > 8 {
		area = b.Binary(ir.OpAnd,
			b.Binary(ir.OpAdd, area, b.Const(ir.Ptr, int64(t.Align-1))),
			b.Const(ir.Ptr, int64(-t.Align)))
	}
	b.Store(offset(b, ap.Node, 8), b.Binary(ir.OpAdd, area, b.Const(ir.Ptr, int64(ctype.AlignUp(t.Size, 8)))))
	b.WriteVar(result, area)
	b.Jump(join)
	b.Seal(join)

	b.SetBlock(join)
	return resultOrLoad(b, b.ReadVar(result), t)
}
