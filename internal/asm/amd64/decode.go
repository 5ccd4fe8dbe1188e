package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/ccomp/internal/asm"
)

// Decoded is an instruction recovered from machine code. Branch targets are
// rendered relative to the end of the instruction as ".+N".
type Decoded struct {
	Mnemonic string
	Ops      []asm.Operand
	Len      int
}

func (d Decoded) String() string { return Format(d.Mnemonic, d.Ops...) }

// Decode decodes the instruction at the start of code against the encoding
// table. The first entry that reproduces the bytes names the instruction.
func Decode(code []byte) (Decoded, error) {
	for _, e := range table {
		if d, ok := e.decode(code); ok {
			return d, nil
		}
	}
	n := min(len(code), 8)
	return Decoded{}, fmt.Errorf("cannot decode % x", code[:n])
}

type decoder struct {
	code []byte
	pos  int
	ok   bool
}

func (d *decoder) next() byte {
	if d.pos >= len(d.code) {
		d.ok = false
		return 0
	}
	b := d.code[d.pos]
	d.pos++
	return b
}

func (d *decoder) signed(size uint8) int64 {
	if d.pos+int(size) > len(d.code) {
		d.ok = false
		return 0
	}
	b := d.code[d.pos:]
	d.pos += int(size)
	switch size {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return int64(binary.LittleEndian.Uint64(b))
	}
}

func isPrefix(b byte) bool { return b == 0x66 || b == 0xF2 || b == 0xF3 }

func (e *entry) decode(code []byte) (Decoded, bool) {
	d := &decoder{code: code, ok: true}
	if e.prefix != 0 {
		if d.next() != e.prefix {
			return Decoded{}, false
		}
	} else if len(code) > 0 && isPrefix(code[0]) {
		return Decoded{}, false
	}

	var rex byte
	if d.pos < len(code) && code[d.pos]&0xF0 == 0x40 {
		rex = d.next()
	}
	if e.w != (rex&0x08 != 0) {
		return Decoded{}, false
	}

	var low byte
	for i, want := range e.opcode {
		got := d.next()
		last := i == len(e.opcode)-1
		if last && (e.form == formO || e.form == formOI) {
			if got&^7 != want {
				return Decoded{}, false
			}
			low = got & 7
			continue
		}
		if got != want {
			return Decoded{}, false
		}
	}
	if !d.ok {
		return Decoded{}, false
	}

	var (
		reg byte
		rm  asm.Operand
	)
	hasModRM := false
	switch e.form {
	case formM, formMC, formMI, formMR, formRM, formRMI:
		hasModRM = true
	}
	if hasModRM {
		modrm := d.next()
		mod, r, m := modrm>>6, (modrm>>3)&7, modrm&7
		reg = r | (rex>>2&1)<<3
		if e.ext >= 0 && r != byte(e.ext) {
			return Decoded{}, false
		}
		rmKind := e.rmKind()
		if mod == 3 {
			op, ok := regOperand(rmKind, m|(rex&1)<<3, rex != 0)
			if !ok {
				return Decoded{}, false
			}
			rm = op
		} else {
			if rmKind != kM && rmKind != kXM && (rmKind < kRM8 || rmKind > kRM64) {
				return Decoded{}, false
			}
			rm = d.memory(mod, m, rex)
		}
	}

	var imm Imm
	if e.imm > 0 {
		imm = I(d.signed(e.imm))
	}
	var target Target
	if e.form == formD {
		target = T(asm.Label(fmt.Sprintf(".%+d", d.signed(4))))
	}
	if !d.ok {
		return Decoded{}, false
	}

	var ops []asm.Operand
	switch e.form {
	case formZO:
		if e.imm > 0 {
			ops = []asm.Operand{imm}
		}
	case formO, formOI:
		r, ok := regOperand(e.ops[len(e.ops)-1], low|(rex&1)<<3, rex != 0)
		if !ok {
			return Decoded{}, false
		}
		if e.form == formO {
			ops = []asm.Operand{r}
		} else {
			ops = []asm.Operand{imm, r}
		}
	case formM:
		ops = []asm.Operand{rm}
	case formMC:
		ops = []asm.Operand{Reg8(RCX), rm}
	case formMI:
		ops = []asm.Operand{imm, rm}
	case formMR:
		r, ok := regOperand(e.ops[0], reg, rex != 0)
		if !ok {
			return Decoded{}, false
		}
		ops = []asm.Operand{r, rm}
	case formRM:
		r, ok := regOperand(e.ops[1], reg, rex != 0)
		if !ok {
			return Decoded{}, false
		}
		ops = []asm.Operand{rm, r}
	case formRMI:
		r, ok := regOperand(e.ops[2], reg, rex != 0)
		if !ok {
			return Decoded{}, false
		}
		ops = []asm.Operand{imm, rm, r}
	case formD:
		ops = []asm.Operand{target}
	}
	if !e.matches(ops) {
		return Decoded{}, false
	}
	return Decoded{Mnemonic: e.mnemonic, Ops: ops, Len: d.pos}, true
}

func (e *entry) rmKind() kind {
	switch e.form {
	case formM, formRM:
		return e.ops[0]
	case formMC, formMI, formMR, formRMI:
		return e.ops[1]
	}
	return kNone
}

// regOperand builds the register named by a hardware number for an operand
// slot of kind k.
func regOperand(k kind, num byte, hasREX bool) (asm.Operand, bool) {
	switch k {
	case kX, kXM:
		return XReg(num), true
	case kStar:
		return Star{Reg: Reg64(regByCode[num])}, true
	case kR8, kRM8:
		if !hasREX && num >= 4 && num < 8 {
			return [4]Reg{AH, CH, DH, BH}[num-4], true
		}
		return Reg8(regByCode[num]), true
	case kR16, kR32, kR64, kRM16, kRM32, kRM64:
		return Reg{id: regByCode[num], size: k.width()}, true
	}
	return nil, false
}

func (d *decoder) memory(mod, rm, rex byte) Memory {
	if mod == 0 && rm == 5 {
		return Memory{rip: true, scale: 1, disp: int32(d.signed(4))}
	}
	var m Memory
	m.scale = 1
	if rm == 4 {
		sib := d.next()
		scale, index, base := sib>>6, (sib>>3)&7|(rex>>1&1)<<3, sib&7|(rex&1)<<3
		if index != 4 {
			m.index = Reg64(regByCode[index])
			m.hasIndex = true
			m.scale = 1 << scale
		}
		if mod == 0 && sib&7 == 5 {
			m.disp = int32(d.signed(4))
			return m
		}
		m.base = Reg64(regByCode[base])
		m.hasBase = true
	} else {
		m.base = Reg64(regByCode[rm|(rex&1)<<3])
		m.hasBase = true
	}
	switch mod {
	case 1:
		m.disp = int32(d.signed(1))
	case 2:
		m.disp = int32(d.signed(4))
	}
	return m
}
