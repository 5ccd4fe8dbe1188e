// Package amd64 turns scheduled IR into x86-64 instructions. Every value
// lives in a frame slot; instructions load their operands into fixed
// scratch registers and store the result back, so no register allocation
// is needed.
package amd64

import (
	"fmt"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/asm"
	"github.com/tinyrange/ccomp/internal/asm/amd64"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/diag"
	"github.com/tinyrange/ccomp/internal/ir"
)

const stackAlignment = 16

// Frame layout below the saved frame pointer.
const (
	saveBase   = -abi.SaveAreaSize
	resultBase = saveBase - 8*len(resultRegs)
)

// resultRegs are the registers a call can return values in, in the order
// of their result area slots.
var resultRegs = [...]abi.Reg{abi.RAX, abi.RDX, abi.XMM(0), abi.XMM(1)}

var (
	rax = amd64.Reg64(amd64.RAX)
	rcx = amd64.Reg64(amd64.RCX)
	rdx = amd64.Reg64(amd64.RDX)
	rsp = amd64.Reg64(amd64.RSP)
	rbp = amd64.Reg64(amd64.RBP)
	r10 = amd64.Reg64(amd64.R10)
	r11 = amd64.Reg64(amd64.R11)
)

type compiler struct {
	e    asm.Emitter
	kind abi.Kind

	fn    *ir.Function
	g     *ir.Graph
	sched *ir.Schedule

	// slots maps value nodes to their frame offset; incoming holds the
	// second slot of every phi, written by the predecessors.
	slots     map[ir.NodeID]int32
	incoming  map[ir.NodeID]int32
	allocs    map[ir.NodeID]int32
	frameSize int32
}

// Compile emits the text of every function of u followed by its globals.
// scheds parallels u.Funcs; a nil entry is scheduled here.
func Compile(u *ir.Unit, scheds []*ir.Schedule, kind abi.Kind, e asm.Emitter) error {
	e.Section(".text")
	for i, fn := range u.Funcs {
		var s *ir.Schedule
		if i < len(scheds) {
			s = scheds[i]
		}
		if s == nil {
			s = fn.Schedule()
		}
		c := newCompiler(e, kind, s)
		if err := c.function(); err != nil {
			return fmt.Errorf("compile %s: %w", fn.Name, err)
		}
	}
	if err := EmitGlobals(e, u.Globals); err != nil {
		return err
	}
	return e.Err()
}

func newCompiler(e asm.Emitter, kind abi.Kind, s *ir.Schedule) *compiler {
	return &compiler{
		e:        e,
		kind:     kind,
		fn:       s.Fn,
		g:        s.Fn.Graph,
		sched:    s,
		slots:    make(map[ir.NodeID]int32),
		incoming: make(map[ir.NodeID]int32),
		allocs:   make(map[ir.NodeID]int32),
	}
}

// hasSlot reports whether n's value is kept in a frame slot. Constants,
// symbol addresses and frame addresses are rematerialized at each use.
func hasSlot(n *ir.Node) bool {
	switch n.Op {
	case ir.OpConst, ir.OpSymbol, ir.OpAlloc, ir.OpStackAddr:
		return false
	}
	if n.IsControl() || n.Op.ProducesState() || n.Op == ir.OpIf || n.Op == ir.OpReturn {
		return false
	}
	return !n.Type.IsVoid()
}

// layout assigns frame offsets. From the frame pointer down: the register
// save area, the call result area, value slots, allocations and finally
// the outgoing argument area at the stack pointer.
func (c *compiler) layout() {
	off := -resultBase
	outgoing := 0
	for _, blk := range c.sched.Blocks {
		for _, id := range c.sched.Order[blk] {
			n := c.g.Node(id)
			switch {
			case n.Op == ir.OpAlloc:
				align := int(n.Aux2)
				if align > stackAlignment {
					diag.NotImplemented("stack object aligned to %d bytes", align)
				}
				off = ctype.AlignUp(off+int(n.Aux), align)
				c.allocs[id] = int32(-off)
			case n.Op == ir.OpCall:
				outgoing = max(outgoing, int(n.Aux))
			case hasSlot(n):
				off += 8
				c.slots[id] = int32(-off)
				if n.Op == ir.OpPhi {
					off += 8
					c.incoming[id] = int32(-off)
				}
			}
		}
	}
	c.frameSize = int32(ctype.AlignUp(off+outgoing, stackAlignment))
}

func (c *compiler) ins(mnemonic string, ops ...asm.Operand) { c.e.Ins(mnemonic, ops...) }

func frame(off int32) amd64.Memory { return amd64.Mem(rbp).WithDisp(off) }

func blockLabel(blk ir.NodeID) asm.Label { return asm.Label(fmt.Sprintf(".LB%d", blk)) }

func (c *compiler) function() (err error) {
	defer diag.Recover(&err)

	c.layout()
	e := c.e
	e.Align(16)
	if c.fn.Exported {
		e.Global(c.fn.Name)
	}
	e.Label(asm.Label(c.fn.Name))
	c.prologue()

	blocks := c.sched.Blocks
	for i, blk := range blocks {
		var next ir.NodeID
		if i+1 < len(blocks) {
			next = blocks[i+1]
		}
		e.Label(blockLabel(blk))
		terminated := false
		for _, id := range c.sched.Order[blk] {
			n := c.g.Node(id)
			switch n.Op {
			case ir.OpIf:
				c.branch(n, next)
				terminated = true
			case ir.OpReturn:
				c.ret(n)
				terminated = true
			default:
				c.node(n)
			}
		}
		if !terminated {
			c.jumpOut(blk, next)
		}
	}
	return e.Err()
}

func (c *compiler) prologue() {
	c.ins("pushq", rbp)
	c.ins("movq", rsp, rbp)
	if c.frameSize > 0 {
		c.ins("subq", amd64.I(int64(c.frameSize)), rsp)
	}
	// The save area backs RegGet of incoming registers and va_arg.
	for _, r := range []abi.Reg{abi.RDI, abi.RSI, abi.RDX, abi.RCX, abi.R8, abi.R9} {
		slot, _ := abi.SaveSlot(r)
		c.ins("movq", amd64.Reg64(r.GP()), frame(int32(saveBase+slot)))
	}
	for i := 0; i < 8; i++ {
		slot, _ := abi.SaveSlot(abi.XMM(i))
		c.ins("movsd", amd64.XReg(i), frame(int32(saveBase+slot)))
	}
	if c.kind == abi.Microsoft && c.fn.Variadic {
		// Home the register arguments next to the stack arguments so
		// va_arg can walk them as one array.
		for i, r := range []abi.Reg{abi.RCX, abi.RDX, abi.R8, abi.R9} {
			c.ins("movq", amd64.Reg64(r.GP()), frame(int32(16+8*i)))
		}
	}
}

func (c *compiler) branch(n *ir.Node, next ir.NodeID) {
	succ := ir.Successors(c.g, n.Block)
	if len(succ) != 2 {
		diag.Bug("if in block %d has %d successors", n.Block, len(succ))
	}
	then, els := succ[0], succ[1]
	c.loadInt(n.Args[1], rax)
	c.ins("testq", rax, rax)
	switch next {
	case then:
		c.ins("je", amd64.T(blockLabel(els)))
	case els:
		c.ins("jne", amd64.T(blockLabel(then)))
	default:
		c.ins("jne", amd64.T(blockLabel(then)))
		c.ins("jmp", amd64.T(blockLabel(els)))
	}
}

// jumpOut ends a block without a terminator: the phi operands of the
// successor are copied to their incoming slots before the jump.
func (c *compiler) jumpOut(blk, next ir.NodeID) {
	succ := ir.Successors(c.g, blk)
	if len(succ) != 1 {
		// Control reaches the end of a function without a return.
		c.ins("ud2")
		return
	}
	region := c.g.Node(succ[0])
	idx := -1
	for i, p := range region.ArgList() {
		if p == blk {
			idx = i
		}
	}
	if idx < 0 {
		diag.Bug("block %d is not a predecessor of its successor %d", blk, region.ID)
	}
	for _, id := range c.sched.Order[region.ID] {
		phi := c.g.Node(id)
		if phi.Op != ir.OpPhi {
			break
		}
		if off, ok := c.incoming[id]; ok {
			c.loadInt(phi.Args[idx+1], rax)
			c.ins("movq", rax, frame(off))
		}
	}
	if region.ID != next {
		c.ins("jmp", amd64.T(blockLabel(region.ID)))
	}
}

// registerWrites collects the RegSet nodes feeding a call or return,
// nearest first.
func (c *compiler) registerWrites(state ir.NodeID) []*ir.Node {
	var out []*ir.Node
	seen := make(map[int64]bool)
	for state != 0 {
		n := c.g.Node(state)
		switch n.Op {
		case ir.OpRegSet:
			if !seen[n.Aux] {
				seen[n.Aux] = true
				out = append(out, n)
			}
		case ir.OpStore, ir.OpCopy:
		default:
			return out
		}
		state = n.Args[0]
	}
	return out
}

func (c *compiler) loadRegisters(state ir.NodeID) {
	for _, set := range c.registerWrites(state) {
		r := abi.Reg(set.Aux)
		if r.IsXMM() {
			c.loadFloat(set.Args[1], amd64.XReg(r.XMMIndex()))
		} else {
			c.loadInt(set.Args[1], amd64.Reg64(r.GP()))
		}
	}
}

func (c *compiler) ret(n *ir.Node) {
	c.loadRegisters(n.Args[1])
	c.ins("leave")
	c.ins("ret")
}

func (c *compiler) call(n *ir.Node) {
	c.loadRegisters(n.Args[0])
	callee := c.g.Node(n.Args[1])
	if callee.Op == ir.OpSymbol && callee.Aux == 0 {
		c.ins("call", amd64.T(asm.Label(callee.Sym)))
	} else {
		c.loadInt(callee.ID, r11)
		c.ins("call", amd64.Star{Reg: r11})
	}
	for i, r := range resultRegs {
		dst := frame(int32(resultBase + 8*i))
		if r.IsXMM() {
			c.ins("movsd", amd64.XReg(r.XMMIndex()), dst)
		} else {
			c.ins("movq", amd64.Reg64(r.GP()), dst)
		}
	}
}

// regSource finds where a RegGet reads from: the save area for registers
// live at entry, the result area after a call.
func (c *compiler) regSource(n *ir.Node) amd64.Memory {
	reg := abi.Reg(n.Aux)
	for state := n.Args[0]; state != 0; {
		s := c.g.Node(state)
		switch s.Op {
		case ir.OpStart:
			slot, ok := abi.SaveSlot(reg)
			if !ok {
				diag.Bug("%s is not an argument register", reg)
			}
			return frame(int32(saveBase + slot))
		case ir.OpCall:
			for i, r := range resultRegs {
				if r == reg {
					return frame(int32(resultBase + 8*i))
				}
			}
			diag.Bug("%s is not a result register", reg)
		case ir.OpRegSet, ir.OpStore, ir.OpCopy:
			state = s.Args[0]
			continue
		default:
			diag.Bug("register read of %s after %s", reg, s.Op)
		}
	}
	diag.Bug("register read without state")
	return amd64.Memory{}
}
