package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/ccomp/internal/asm"
	"github.com/tinyrange/ccomp/internal/asm/amd64"
	"github.com/tinyrange/ccomp/internal/diag"
	"github.com/tinyrange/ccomp/internal/ir"
)

func (c *compiler) slot(id ir.NodeID) amd64.Memory {
	off, ok := c.slots[id]
	if !ok {
		n := c.g.Node(id)
		diag.Bug("%s node %d has no frame slot", n.Op, id)
	}
	return frame(off)
}

// movImm loads a 64-bit constant, using the short form when it fits.
func (c *compiler) movImm(v int64, reg amd64.Reg) {
	switch {
	case v == 0:
		c.ins("xorl", amd64.Reg32(reg.ID()), amd64.Reg32(reg.ID()))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		c.ins("movq", amd64.I(v), reg)
	default:
		c.ins("movabsq", amd64.I(v), reg)
	}
}

// address returns the memory operand of a rematerializable address.
func (c *compiler) address(n *ir.Node) (amd64.Memory, bool) {
	switch n.Op {
	case ir.OpSymbol:
		return amd64.RIPRel(n.Sym).WithDisp(int32(n.Aux)), true
	case ir.OpAlloc:
		off, ok := c.allocs[n.ID]
		if !ok {
			diag.Bug("alloc %d was not laid out", n.ID)
		}
		return frame(off), true
	case ir.OpStackAddr:
		switch ir.Area(n.Aux) {
		case ir.AreaIncoming:
			return frame(int32(16 + n.Aux2)), true
		case ir.AreaSave:
			return frame(int32(saveBase + int(n.Aux2))), true
		case ir.AreaOutgoing:
			return amd64.Mem(rsp).WithDisp(int32(n.Aux2)), true
		}
		diag.Bug("stack address in unknown area %d", n.Aux)
	}
	return amd64.Memory{}, false
}

// loadInt places the 64-bit contents of value id in reg. Float values are
// moved as raw bits.
func (c *compiler) loadInt(id ir.NodeID, reg amd64.Reg) {
	n := c.g.Node(id)
	if n.Op == ir.OpConst {
		c.movImm(n.Aux, reg)
		return
	}
	if mem, ok := c.address(n); ok {
		c.ins("leaq", mem, reg)
		return
	}
	c.ins("movq", c.slot(id), reg)
}

func (c *compiler) loadFloat(id ir.NodeID, x amd64.XReg) {
	n := c.g.Node(id)
	if _, ok := c.slots[id]; !ok {
		c.loadInt(id, r11)
		c.ins("movq", r11, x)
		return
	}
	c.ins(floatOp("mov", n.Type), c.slot(id), x)
}

func (c *compiler) storeInt(id ir.NodeID, reg amd64.Reg) {
	c.ins("movq", reg, c.slot(id))
}

func (c *compiler) storeFloat(id ir.NodeID, x amd64.XReg) {
	c.ins(floatOp("mov", c.g.Node(id).Type), x, c.slot(id))
}

// floatOp appends the scalar single or double suffix for t.
func floatOp(base string, t ir.Type) string {
	if t.Size == 4 {
		return base + "ss"
	}
	return base + "sd"
}

// extend sign or zero extends the low size bytes of reg to 64 bits.
func (c *compiler) extend(reg asm.Variable, size uint8, signed bool) {
	r64 := amd64.Reg64(reg)
	switch {
	case size >= 8:
	case size == 4 && signed:
		c.ins("movslq", amd64.Reg32(reg), r64)
	case size == 4:
		c.ins("movl", amd64.Reg32(reg), amd64.Reg32(reg))
	case size == 2 && signed:
		c.ins("movswq", amd64.Reg16(reg), r64)
	case size == 2:
		c.ins("movzwq", amd64.Reg16(reg), r64)
	case signed:
		c.ins("movsbq", amd64.Reg8(reg), r64)
	default:
		c.ins("movzbq", amd64.Reg8(reg), r64)
	}
}

// normalize brings an integer result in reg to the canonical form kept in
// slots: the value of type t extended to 64 bits by its signedness.
func (c *compiler) normalize(reg asm.Variable, t ir.Type) {
	c.extend(reg, t.Size, !t.Unsigned)
}

func (c *compiler) node(n *ir.Node) {
	switch {
	case n.Op == ir.OpConst, n.Op == ir.OpSymbol, n.Op == ir.OpAlloc, n.Op == ir.OpStackAddr:
		// Rematerialized at each use.
	case n.Op == ir.OpPhi:
		if off, ok := c.incoming[n.ID]; ok {
			c.ins("movq", frame(off), rax)
			c.storeInt(n.ID, rax)
		}
	case n.Op == ir.OpStart, n.Op == ir.OpRegSet:
		// Register writes are consumed by the call or return that follows.
	case n.Op == ir.OpRegGet:
		src := c.regSource(n)
		if n.Type.Float {
			c.ins(floatOp("mov", n.Type), src, amd64.XMM0)
			c.storeFloat(n.ID, amd64.XMM0)
			return
		}
		c.ins("movq", src, rax)
		c.normalize(amd64.RAX, n.Type)
		c.storeInt(n.ID, rax)
	case n.Op == ir.OpCall:
		c.call(n)
	case n.Op == ir.OpLoad:
		c.load(n)
	case n.Op == ir.OpStore:
		c.store(n)
	case n.Op == ir.OpCopy:
		c.copy(n)
	case n.Op.IsBinary():
		if n.Type.Float {
			c.floatBinary(n)
		} else {
			c.intBinary(n)
		}
	case n.Op.IsUnary():
		c.unary(n)
	case n.Op.IsCompare():
		c.compare(n)
	case n.Op.IsConvert():
		c.convert(n)
	default:
		diag.NotImplemented("code generation for %s", n.Op)
	}
}

func (c *compiler) load(n *ir.Node) {
	c.loadInt(n.Args[1], rax)
	src := amd64.Mem(rax)
	t := n.Type
	if t.Float {
		c.ins(floatOp("mov", t), src, amd64.XMM0)
		c.storeFloat(n.ID, amd64.XMM0)
		return
	}
	switch {
	case t.Size == 8:
		c.ins("movq", src, rax)
	case t.Size == 4 && t.Unsigned:
		c.ins("movl", src, amd64.Reg32(amd64.RAX))
	case t.Size == 4:
		c.ins("movslq", src, rax)
	case t.Size == 2 && t.Unsigned:
		c.ins("movzwq", src, rax)
	case t.Size == 2:
		c.ins("movswq", src, rax)
	case t.Unsigned:
		c.ins("movzbq", src, rax)
	default:
		c.ins("movsbq", src, rax)
	}
	c.storeInt(n.ID, rax)
}

func (c *compiler) store(n *ir.Node) {
	c.loadInt(n.Args[1], rax)
	dst := amd64.Mem(rax)
	v := c.g.Node(n.Args[2])
	if v.Type.Float {
		c.loadFloat(v.ID, amd64.XMM0)
		c.ins(floatOp("mov", v.Type), amd64.XMM0, dst)
		return
	}
	c.loadInt(v.ID, rcx)
	switch v.Type.Size {
	case 1:
		c.ins("movb", amd64.Reg8(amd64.RCX), dst)
	case 2:
		c.ins("movw", amd64.Reg16(amd64.RCX), dst)
	case 4:
		c.ins("movl", amd64.Reg32(amd64.RCX), dst)
	default:
		c.ins("movq", rcx, dst)
	}
}

// copy moves Aux bytes from the source to the destination object with
// unrolled moves of decreasing width.
func (c *compiler) copy(n *ir.Node) {
	c.loadInt(n.Args[1], r10)
	c.loadInt(n.Args[2], r11)
	size := int32(n.Aux)
	for off := int32(0); off < size; {
		width := int32(8)
		for width > size-off {
			width /= 2
		}
		src := amd64.Mem(r11).WithDisp(off)
		dst := amd64.Mem(r10).WithDisp(off)
		switch width {
		case 8:
			c.ins("movq", src, rax)
			c.ins("movq", rax, dst)
		case 4:
			c.ins("movl", src, amd64.Reg32(amd64.RAX))
			c.ins("movl", amd64.Reg32(amd64.RAX), dst)
		case 2:
			c.ins("movw", src, amd64.Reg16(amd64.RAX))
			c.ins("movw", amd64.Reg16(amd64.RAX), dst)
		default:
			c.ins("movb", src, amd64.Reg8(amd64.RAX))
			c.ins("movb", amd64.Reg8(amd64.RAX), dst)
		}
		off += width
	}
}

var intBinaryOps = map[ir.Op]string{
	ir.OpAdd: "addq",
	ir.OpSub: "subq",
	ir.OpMul: "imulq",
	ir.OpAnd: "andq",
	ir.OpOr:  "orq",
	ir.OpXor: "xorq",
}

func (c *compiler) intBinary(n *ir.Node) {
	t := n.Type
	c.loadInt(n.Args[0], rax)
	c.loadInt(n.Args[1], rcx)
	switch n.Op {
	case ir.OpShl:
		c.ins("shlq", amd64.Reg8(amd64.RCX), rax)
	case ir.OpShr:
		c.extend(amd64.RAX, t.Size, false)
		c.ins("shrq", amd64.Reg8(amd64.RCX), rax)
	case ir.OpSar:
		c.extend(amd64.RAX, t.Size, true)
		c.ins("sarq", amd64.Reg8(amd64.RCX), rax)
	case ir.OpDiv, ir.OpMod:
		c.extend(amd64.RAX, t.Size, true)
		c.extend(amd64.RCX, t.Size, true)
		c.ins("cqto")
		c.ins("idivq", rcx)
		if n.Op == ir.OpMod {
			c.ins("movq", rdx, rax)
		}
	case ir.OpUDiv, ir.OpUMod:
		c.extend(amd64.RAX, t.Size, false)
		c.extend(amd64.RCX, t.Size, false)
		c.ins("xorl", amd64.Reg32(amd64.RDX), amd64.Reg32(amd64.RDX))
		c.ins("divq", rcx)
		if n.Op == ir.OpUMod {
			c.ins("movq", rdx, rax)
		}
	default:
		mnemonic, ok := intBinaryOps[n.Op]
		if !ok {
			diag.NotImplemented("integer %s", n.Op)
		}
		c.ins(mnemonic, rcx, rax)
	}
	c.normalize(amd64.RAX, t)
	c.storeInt(n.ID, rax)
}

func (c *compiler) floatBinary(n *ir.Node) {
	c.loadFloat(n.Args[0], amd64.XMM0)
	c.loadFloat(n.Args[1], amd64.XMM1)
	var base string
	switch n.Op {
	case ir.OpFAdd, ir.OpAdd:
		base = "add"
	case ir.OpFSub, ir.OpSub:
		base = "sub"
	case ir.OpFMul, ir.OpMul:
		base = "mul"
	case ir.OpFDiv, ir.OpDiv:
		base = "div"
	default:
		diag.NotImplemented("floating point %s", n.Op)
	}
	c.ins(floatOp(base, n.Type), amd64.XMM1, amd64.XMM0)
	c.storeFloat(n.ID, amd64.XMM0)
}

func (c *compiler) unary(n *ir.Node) {
	switch n.Op {
	case ir.OpFNeg:
		c.loadFloat(n.Args[0], amd64.XMM0)
		sign := int64(math.MinInt64)
		xor := "xorpd"
		if n.Type.Size == 4 {
			sign, xor = 1<<31, "xorps"
		}
		c.movImm(sign, r11)
		c.ins("movq", r11, amd64.XMM1)
		c.ins(xor, amd64.XMM1, amd64.XMM0)
		c.storeFloat(n.ID, amd64.XMM0)
		return
	case ir.OpNeg:
		c.loadInt(n.Args[0], rax)
		c.ins("negq", rax)
	case ir.OpNot:
		c.loadInt(n.Args[0], rax)
		c.ins("notq", rax)
	}
	c.normalize(amd64.RAX, n.Type)
	c.storeInt(n.ID, rax)
}

var compareConditions = map[ir.Op]string{
	ir.OpEq:  "sete",
	ir.OpNe:  "setne",
	ir.OpLt:  "setl",
	ir.OpLe:  "setle",
	ir.OpULt: "setb",
	ir.OpULe: "setbe",
}

func (c *compiler) compare(n *ir.Node) {
	x := c.g.Node(n.Args[0])
	al := amd64.Reg8(amd64.RAX)
	switch n.Op {
	case ir.OpFEq, ir.OpFLt, ir.OpFLe:
		c.loadFloat(n.Args[0], amd64.XMM0)
		c.loadFloat(n.Args[1], amd64.XMM1)
		ucomi := "ucomisd"
		if x.Type.Size == 4 {
			ucomi = "ucomiss"
		}
		switch n.Op {
		case ir.OpFEq:
			// Unordered operands set ZF and PF.
			c.ins(ucomi, amd64.XMM1, amd64.XMM0)
			c.ins("sete", al)
			c.ins("setnp", amd64.Reg8(amd64.RCX))
			c.ins("andb", amd64.Reg8(amd64.RCX), al)
		case ir.OpFLt:
			c.ins(ucomi, amd64.XMM0, amd64.XMM1)
			c.ins("seta", al)
		default:
			c.ins(ucomi, amd64.XMM0, amd64.XMM1)
			c.ins("setae", al)
		}
	default:
		c.loadInt(n.Args[0], rax)
		c.loadInt(n.Args[1], rcx)
		switch n.Op {
		case ir.OpLt, ir.OpLe:
			c.extend(amd64.RAX, x.Type.Size, true)
			c.extend(amd64.RCX, x.Type.Size, true)
		case ir.OpULt, ir.OpULe:
			c.extend(amd64.RAX, x.Type.Size, false)
			c.extend(amd64.RCX, x.Type.Size, false)
		}
		c.ins("cmpq", rcx, rax)
		c.ins(compareConditions[n.Op], al)
	}
	c.ins("movzbl", al, amd64.Reg32(amd64.RAX))
	c.storeInt(n.ID, rax)
}

func (c *compiler) convert(n *ir.Node) {
	x := c.g.Node(n.Args[0])
	t := n.Type
	switch n.Op {
	case ir.OpSExt, ir.OpZExt, ir.OpTrunc:
		c.loadInt(x.ID, rax)
		switch n.Op {
		case ir.OpSExt:
			c.extend(amd64.RAX, x.Type.Size, true)
		case ir.OpZExt:
			c.extend(amd64.RAX, x.Type.Size, false)
		}
		c.normalize(amd64.RAX, t)
		c.storeInt(n.ID, rax)
	case ir.OpIToF:
		c.loadInt(x.ID, rax)
		c.extend(amd64.RAX, x.Type.Size, !x.Type.Unsigned)
		cvt := floatOp("cvtsi2", t) + "q"
		if x.Type.Unsigned && x.Type.Size == 8 {
			c.unsignedToFloat(n, cvt)
		} else {
			c.ins(cvt, rax, amd64.XMM0)
		}
		c.storeFloat(n.ID, amd64.XMM0)
	case ir.OpFToI:
		c.loadFloat(x.ID, amd64.XMM0)
		cvt := "cvtt" + floatOp("", x.Type) + "2siq"
		if t.Unsigned && t.Size == 8 {
			c.floatToUnsigned(n, x.Type, cvt)
		} else {
			c.ins(cvt, amd64.XMM0, rax)
		}
		c.normalize(amd64.RAX, t)
		c.storeInt(n.ID, rax)
	case ir.OpFConv:
		c.loadFloat(x.ID, amd64.XMM0)
		switch {
		case x.Type.Size == 4 && t.Size == 8:
			c.ins("cvtss2sd", amd64.XMM0, amd64.XMM0)
		case x.Type.Size == 8 && t.Size == 4:
			c.ins("cvtsd2ss", amd64.XMM0, amd64.XMM0)
		}
		c.storeFloat(n.ID, amd64.XMM0)
	}
}

// floatToUnsigned converts xmm0 to an unsigned 64-bit value in rax. Values
// of at least 2^63 are reduced by 2^63 before the signed conversion and the
// top bit is set again afterwards.
func (c *compiler) floatToUnsigned(n *ir.Node, src ir.Type, cvt string) {
	big := asm.Label(fmt.Sprintf(".LF%d_big", n.ID))
	done := asm.Label(fmt.Sprintf(".LF%d_done", n.ID))
	limit := int64(math.Float64bits(1 << 63))
	if src.Size == 4 {
		limit = int64(math.Float32bits(1 << 63))
	}
	c.movImm(limit, r11)
	c.ins("movq", r11, amd64.XMM1)
	c.ins(floatOp("ucomi", src), amd64.XMM1, amd64.XMM0)
	c.ins("jae", amd64.T(big))
	c.ins(cvt, amd64.XMM0, rax)
	c.ins("jmp", amd64.T(done))
	c.e.Label(big)
	c.ins(floatOp("sub", src), amd64.XMM1, amd64.XMM0)
	c.ins(cvt, amd64.XMM0, rax)
	c.movImm(math.MinInt64, r11)
	c.ins("xorq", r11, rax)
	c.e.Label(done)
}

// unsignedToFloat converts the unsigned 64-bit value in rax. Values with
// the top bit set are halved, keeping the low bit for rounding, converted
// and doubled.
func (c *compiler) unsignedToFloat(n *ir.Node, cvt string) {
	big := asm.Label(fmt.Sprintf(".LU%d_big", n.ID))
	done := asm.Label(fmt.Sprintf(".LU%d_done", n.ID))
	c.ins("testq", rax, rax)
	c.ins("js", amd64.T(big))
	c.ins(cvt, rax, amd64.XMM0)
	c.ins("jmp", amd64.T(done))
	c.e.Label(big)
	c.ins("movq", rax, rcx)
	c.ins("shrq", amd64.I(1), rcx)
	c.ins("andl", amd64.I(1), amd64.Reg32(amd64.RAX))
	c.ins("orq", rax, rcx)
	c.ins(cvt, rcx, amd64.XMM0)
	c.ins(floatOp("add", n.Type), amd64.XMM0, amd64.XMM0)
	c.e.Label(done)
}
