package amd64

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/ccomp/internal/asm"
)

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// Reg represents a general-purpose register with an explicit operand size.
type Reg struct {
	id   asm.Variable
	size operandSize
	// high selects AH, CH, DH or BH for 8-bit operands of RAX..RBX.
	high bool
}

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand backed by the provided register id.
func Reg16(id asm.Variable) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

// RegN constructs a register operand of the given byte width.
func RegN(id asm.Variable, width int) Reg {
	switch width {
	case 1, 2, 4, 8:
		return Reg{id: id, size: operandSize(width)}
	}
	panic(fmt.Sprintf("amd64: invalid register width %d", width))
}

// Legacy high byte registers. They cannot be encoded together with a REX prefix.
var (
	AH = Reg{id: RAX, size: size8, high: true}
	CH = Reg{id: RCX, size: size8, high: true}
	DH = Reg{id: RDX, size: size8, high: true}
	BH = Reg{id: RBX, size: size8, high: true}
)

// ID returns the register id.
func (r Reg) ID() asm.Variable { return r.id }

// Width returns the operand width in bytes.
func (r Reg) Width() int { return int(r.size) }

func (r Reg) String() string {
	return "%" + regName(r)
}

// XReg is an SSE register.
type XReg uint8

const (
	XMM0 XReg = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

func (x XReg) String() string { return "%xmm" + strconv.Itoa(int(x)) }

// Star is the register operand of an indirect call or jump.
type Star struct {
	Reg Reg
}

func (s Star) String() string { return "*" + s.Reg.String() }

// Imm is an immediate. A non-empty Sym makes it the address of Sym plus Value,
// encoded through a relocation.
type Imm struct {
	Value int64
	Sym   string
}

// I constructs a literal immediate.
func I(v int64) Imm { return Imm{Value: v} }

// SymImm constructs a symbolic immediate.
func SymImm(sym string, addend int64) Imm { return Imm{Value: addend, Sym: sym} }

func (i Imm) String() string {
	if i.Sym == "" {
		return "$" + strconv.FormatInt(i.Value, 10)
	}
	return "$" + symText(i.Sym, i.Value)
}

// Target is the destination of a relative branch or call.
type Target struct {
	Label asm.Label
}

// T constructs a branch target.
func T(label asm.Label) Target { return Target{Label: label} }

func (t Target) String() string { return string(t.Label) }

// Memory describes an effective address used by memory operands.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool
	// sym is added to disp through a relocation.
	sym string
	rip bool
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{
		base:    base,
		scale:   1,
		hasBase: true,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
	}
}

// RIPRel constructs a memory operand referencing sym relative to the
// instruction pointer.
func RIPRel(sym string) Memory {
	return Memory{sym: sym, scale: 1, rip: true}
}

// Abs constructs a memory operand at the absolute 32-bit address of sym.
func Abs(sym string) Memory {
	return Memory{sym: sym, scale: 1}
}

// WithDisp returns a copy of the memory operand with the supplied displacement added.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// Disp returns the literal displacement.
func (m Memory) Disp() int32 { return m.disp }

// Symbol returns the symbol the operand is relative to, if any.
func (m Memory) Symbol() string { return m.sym }

func (m Memory) validate() error {
	if m.rip {
		if m.hasBase || m.hasIndex {
			return fmt.Errorf("rip-relative operand cannot use base or index")
		}
		return nil
	}
	if !m.hasBase && !m.hasIndex && m.sym == "" {
		return fmt.Errorf("memory operand requires base register")
	}
	if m.hasBase && m.base.size != size64 {
		return fmt.Errorf("base register must be 64-bit")
	}
	if m.hasIndex {
		if m.index.size != size64 {
			return fmt.Errorf("index register must be 64-bit")
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid index scale %d", m.scale)
		}
	}
	return nil
}

func (m Memory) String() string {
	var b strings.Builder
	switch {
	case m.sym != "":
		b.WriteString(symText(m.sym, int64(m.disp)))
	case m.disp != 0 || (!m.hasBase && !m.hasIndex):
		b.WriteString(strconv.FormatInt(int64(m.disp), 10))
	}
	if m.rip {
		b.WriteString("(%rip)")
		return b.String()
	}
	if !m.hasBase && !m.hasIndex {
		return b.String()
	}
	b.WriteByte('(')
	if m.hasBase {
		b.WriteString(m.base.String())
	}
	if m.hasIndex {
		b.WriteString(",")
		b.WriteString(m.index.String())
		b.WriteString(",")
		b.WriteString(strconv.Itoa(int(m.scale)))
	}
	b.WriteByte(')')
	return b.String()
}

func symText(sym string, addend int64) string {
	switch {
	case addend > 0:
		return sym + "+" + strconv.FormatInt(addend, 10)
	case addend < 0:
		return sym + strconv.FormatInt(addend, 10)
	}
	return sym
}

var (
	_ asm.Operand = Reg{}
	_ asm.Operand = XReg(0)
	_ asm.Operand = Star{}
	_ asm.Operand = Imm{}
	_ asm.Operand = Target{}
	_ asm.Operand = Memory{}
)
