package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/ccomp/internal/asm"
)

// Inst is an encoded instruction. Relocation offsets are relative to the
// first byte of Bytes.
type Inst struct {
	Bytes  []byte
	Relocs []asm.Reloc
}

// SelectionError reports that no table entry accepts an instruction.
type SelectionError struct {
	Mnemonic string
	// Text is the rejected instruction rendered as assembly.
	Text string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("no encoding for %s (%s)", e.Mnemonic, e.Text)
}

// Encode assembles one instruction. Operands are given in AT&T order. Every
// matching table entry is tried and the shortest encoding wins; on a tie the
// entry listed first is used.
func Encode(mnemonic string, ops ...asm.Operand) (Inst, error) {
	var (
		best  Inst
		found bool
	)
	for _, e := range byMnem[mnemonic] {
		if !e.matches(ops) {
			continue
		}
		inst, err := e.encode(ops)
		if err != nil {
			continue
		}
		if !found || len(inst.Bytes) < len(best.Bytes) {
			best = inst
			found = true
		}
	}
	if !found {
		return Inst{}, &SelectionError{Mnemonic: mnemonic, Text: Format(mnemonic, ops...)}
	}
	return best, nil
}

func (e *entry) matches(ops []asm.Operand) bool {
	if len(ops) != len(e.ops) {
		return false
	}
	for i, k := range e.ops {
		if !accepts(k, ops[i]) {
			return false
		}
	}
	return true
}

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

func needsByteREX(id asm.Variable) bool {
	switch id {
	case RSP, RBP, RSI, RDI:
		return true
	}
	if id >= R8 && id <= R15 {
		return true
	}
	return false
}

// operandCode returns the 3-bit register number of a register operand, the
// REX extension bit, whether the operand needs a REX prefix to be addressable
// (SPL, BPL, SIL, DIL) and whether it is a legacy high byte register.
func operandCode(op asm.Operand) (code byte, ext bool, force bool, legacy bool, err error) {
	switch v := op.(type) {
	case Reg:
		info, err := regInfo(v.id)
		if err != nil {
			return 0, false, false, false, err
		}
		if v.high {
			if info.high || info.code > 3 {
				return 0, false, false, false, fmt.Errorf("%s has no high byte register", Reg64(v.id))
			}
			return info.code + 4, false, false, true, nil
		}
		return info.code, info.high, v.size == size8 && info.needsRex, false, nil
	case Star:
		return operandCode(v.Reg)
	case XReg:
		if v > XMM15 {
			return 0, false, false, false, fmt.Errorf("unsupported sse register %d", v)
		}
		return byte(v) & 7, v >= XMM8, false, false, nil
	}
	return 0, false, false, false, fmt.Errorf("operand %s is not a register", op)
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}

	if mem.rip {
		// mod=00 rm=101 selects [rip + disp32].
		return memEncoding{modrm: 0x05, disp: disp32(mem)}, nil
	}

	if !mem.hasBase && !mem.hasIndex {
		// Absolute [disp32] needs a SIB byte with no base and no index.
		return memEncoding{modrm: 0x04, sib: []byte{0x25}, disp: disp32(mem)}, nil
	}

	var (
		baseInfo  registerCode
		indexInfo registerCode
		err       error
	)
	if mem.hasBase {
		baseInfo, err = regInfo(mem.base.id)
		if err != nil {
			return memEncoding{}, err
		}
	}
	if mem.hasIndex {
		indexInfo, err = regInfo(mem.index.id)
		if err != nil {
			return memEncoding{}, err
		}
		if mem.index.id == RSP {
			return memEncoding{}, fmt.Errorf("rsp cannot be used as index register")
		}
	}

	enc := memEncoding{
		rex: rexState{
			b: baseInfo.high,
			x: mem.hasIndex && indexInfo.high,
		},
	}

	rm := baseInfo.code

	disp := mem.disp
	switch {
	case mem.sym != "":
		enc.modrm = 0x80
		enc.disp = disp32(mem)
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= -128 && disp <= 127:
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		enc.disp = disp32(mem)
	}

	useSIB := mem.hasIndex || !mem.hasBase || rm == 4
	if useSIB {
		rm = 4

		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = indexInfo.code
		}

		baseCode := baseInfo.code
		if !mem.hasBase {
			// [index*scale + disp32]: mod=00 with base=101 means no base.
			baseCode = 5
			enc.modrm = 0x00
			enc.disp = disp32(mem)
			enc.rex.b = false
		} else if enc.modrm == 0x00 && baseCode == 5 {
			enc.modrm = 0x40
			enc.disp = []byte{0}
		}

		scaleBits := byte(0)
		switch mem.scale {
		case 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return memEncoding{}, fmt.Errorf("invalid scale %d", mem.scale)
		}

		enc.sib = []byte{byte(scaleBits<<6) | byte(indexCode<<3) | byte(baseCode)}
	} else if enc.modrm == 0x00 && rm == 5 {
		// [rbp] / [r13] with zero displacement must use 8-bit displacement zero.
		enc.modrm = 0x40
		enc.disp = []byte{0}
	}

	enc.modrm |= rm
	return enc, nil
}

// disp32 encodes the literal displacement. Symbolic displacements are left
// zero; the addend travels in the relocation.
func disp32(mem Memory) []byte {
	var buf [4]byte
	if mem.sym == "" {
		binary.LittleEndian.PutUint32(buf[:], uint32(mem.disp))
	}
	return buf[:]
}

func putImm(out []byte, v int64, size uint8) []byte {
	switch size {
	case 1:
		return append(out, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(out, uint16(v))
	case 4:
		return binary.LittleEndian.AppendUint32(out, uint32(v))
	case 8:
		return binary.LittleEndian.AppendUint64(out, uint64(v))
	}
	return out
}

func (e *entry) encode(ops []asm.Operand) (Inst, error) {
	var (
		regOp, rmOp asm.Operand
		imm         Imm
		hasImm      bool
		target      Target
		hasTarget   bool
		opReg       asm.Operand
	)
	switch e.form {
	case formZO:
		if e.imm > 0 {
			imm, hasImm = ops[0].(Imm), true
		}
	case formO:
		opReg = ops[0]
	case formOI:
		imm, hasImm = ops[0].(Imm), true
		opReg = ops[1]
	case formM:
		rmOp = ops[0]
	case formMC:
		rmOp = ops[1]
	case formMI:
		imm, hasImm = ops[0].(Imm), true
		rmOp = ops[1]
	case formMR:
		regOp, rmOp = ops[0], ops[1]
	case formRM:
		rmOp, regOp = ops[0], ops[1]
	case formRMI:
		imm, hasImm = ops[0].(Imm), true
		rmOp, regOp = ops[1], ops[2]
	case formD:
		target, hasTarget = ops[0].(Target), true
	}

	rex := rexState{w: e.w}
	legacy := false
	opcode := append([]byte(nil), e.opcode...)

	if opReg != nil {
		code, ext, force, high, err := operandCode(opReg)
		if err != nil {
			return Inst{}, err
		}
		opcode[len(opcode)-1] += code
		rex.b = ext
		rex.force = rex.force || force
		legacy = legacy || high
	}

	var (
		modrm    []byte
		sib      []byte
		disp     []byte
		mem      Memory
		hasMem   bool
		regField byte
	)
	if e.ext >= 0 {
		regField = byte(e.ext)
	}
	if regOp != nil {
		code, ext, force, high, err := operandCode(regOp)
		if err != nil {
			return Inst{}, err
		}
		regField = code
		rex.r = ext
		rex.force = rex.force || force
		legacy = legacy || high
	}
	if rmOp != nil {
		if m, ok := rmOp.(Memory); ok {
			enc, err := encodeMemoryOperand(m)
			if err != nil {
				return Inst{}, err
			}
			modrm = []byte{enc.modrm | regField<<3}
			sib, disp = enc.sib, enc.disp
			rex.b, rex.x = enc.rex.b, enc.rex.x
			mem, hasMem = m, true
		} else {
			code, ext, force, high, err := operandCode(rmOp)
			if err != nil {
				return Inst{}, err
			}
			modrm = []byte{0xC0 | regField<<3 | code}
			rex.b = ext
			rex.force = rex.force || force
			legacy = legacy || high
		}
	}

	rexByte := rex.prefix()
	if legacy && rexByte != 0 {
		return Inst{}, fmt.Errorf("high byte register cannot be encoded with a REX prefix")
	}

	out := make([]byte, 0, 16)
	if e.prefix != 0 {
		out = append(out, e.prefix)
	}
	if rexByte != 0 {
		out = append(out, rexByte)
	}
	out = append(out, opcode...)
	out = append(out, modrm...)
	out = append(out, sib...)

	var relocs []asm.Reloc
	pcrel := -1
	dispOff := len(out)
	out = append(out, disp...)
	if hasMem && mem.sym != "" {
		kind := asm.RelocAbs32S
		if mem.rip {
			kind = asm.RelocPCRel32
			pcrel = len(relocs)
		}
		relocs = append(relocs, asm.Reloc{Offset: dispOff, Symbol: mem.sym, Addend: int64(mem.disp), Kind: kind})
	}
	if hasImm {
		if imm.Sym != "" {
			kind := asm.RelocAbs32S
			if e.imm == 8 {
				kind = asm.RelocAbs64
			}
			relocs = append(relocs, asm.Reloc{Offset: len(out), Symbol: imm.Sym, Addend: imm.Value, Kind: kind})
			out = putImm(out, 0, e.imm)
		} else {
			out = putImm(out, imm.Value, e.imm)
		}
	}
	if hasTarget {
		pcrel = len(relocs)
		relocs = append(relocs, asm.Reloc{Offset: len(out), Symbol: string(target.Label), Kind: asm.RelocPCRel32})
		out = append(out, 0, 0, 0, 0)
	}
	if pcrel >= 0 {
		// The CPU measures from the end of the instruction, not from the field.
		r := &relocs[pcrel]
		r.Addend -= int64(len(out) - r.Offset)
	}

	return Inst{Bytes: out, Relocs: relocs}, nil
}
