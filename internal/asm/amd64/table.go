package amd64

import (
	"math"

	"github.com/tinyrange/ccomp/internal/asm"
)

// kind is an operand acceptance predicate.
type kind uint8

const (
	kNone kind = iota
	kR8
	kR16
	kR32
	kR64
	kRM8
	kRM16
	kRM32
	kRM64
	kM
	kX
	kXM
	kCL
	kImm8   // signed byte
	kImmB   // byte operation immediate
	kImmW   // word operation immediate
	kImmL   // long operation immediate
	kImm32S // sign-extended 32-bit, may be symbolic
	kImm64  // full width, may be symbolic
	kStar
	kRel
)

// form says where each operand lands in the encoding. Operands are listed in
// AT&T order (sources first).
type form uint8

const (
	formZO  form = iota // opcode only
	formO               // register in the low opcode bits
	formOI              // imm, register in the low opcode bits
	formM               // rm with /digit
	formMC              // %cl, rm with /digit
	formMI              // imm, rm with /digit
	formMR              // reg, rm
	formRM              // rm, reg
	formRMI             // imm, rm, reg
	formD               // rel32
)

type entry struct {
	mnemonic string
	ops      []kind
	// prefix is an operand-size or mandatory prefix emitted before REX.
	prefix byte
	w      bool
	opcode []byte
	// ext is the ModRM reg digit, or -1 when the reg field holds an operand.
	ext  int8
	form form
	imm  uint8
}

func (k kind) width() operandSize {
	switch k {
	case kR8, kRM8:
		return size8
	case kR16, kRM16:
		return size16
	case kR32, kRM32:
		return size32
	case kR64, kRM64:
		return size64
	}
	return 0
}

func accepts(k kind, op asm.Operand) bool {
	switch k {
	case kR8, kR16, kR32, kR64:
		r, ok := op.(Reg)
		return ok && r.size == k.width()
	case kRM8, kRM16, kRM32, kRM64:
		switch v := op.(type) {
		case Reg:
			return v.size == k.width()
		case Memory:
			return true
		}
		return false
	case kM:
		_, ok := op.(Memory)
		return ok
	case kX:
		_, ok := op.(XReg)
		return ok
	case kXM:
		switch op.(type) {
		case XReg, Memory:
			return true
		}
		return false
	case kCL:
		r, ok := op.(Reg)
		return ok && r.id == RCX && r.size == size8 && !r.high
	case kImm8, kImmB, kImmW, kImmL:
		i, ok := op.(Imm)
		if !ok || i.Sym != "" {
			return false
		}
		switch k {
		case kImm8:
			return i.Value >= math.MinInt8 && i.Value <= math.MaxInt8
		case kImmB:
			return i.Value >= math.MinInt8 && i.Value <= math.MaxUint8
		case kImmW:
			return i.Value >= math.MinInt16 && i.Value <= math.MaxUint16
		default:
			return i.Value >= math.MinInt32 && i.Value <= math.MaxUint32
		}
	case kImm32S:
		i, ok := op.(Imm)
		return ok && (i.Sym != "" || (i.Value >= math.MinInt32 && i.Value <= math.MaxInt32))
	case kImm64:
		_, ok := op.(Imm)
		return ok
	case kStar:
		s, ok := op.(Star)
		return ok && s.Reg.size == size64
	case kRel:
		_, ok := op.(Target)
		return ok
	}
	return false
}

type opWidth struct {
	suffix string
	r, rm  kind
	prefix byte
	w      bool
	imm    kind
	immLen uint8
}

var opWidths = []opWidth{
	{"b", kR8, kRM8, 0, false, kImmB, 1},
	{"w", kR16, kRM16, 0x66, false, kImmW, 2},
	{"l", kR32, kRM32, 0, false, kImmL, 4},
	{"q", kR64, kRM64, 0, true, kImm32S, 4},
}

// conditions in hardware order; the index is the condition code.
var conditions = [][]string{
	{"o"}, {"no"}, {"b", "c", "nae"}, {"ae", "nb", "nc"},
	{"e", "z"}, {"ne", "nz"}, {"be", "na"}, {"a", "nbe"},
	{"s"}, {"ns"}, {"p", "pe"}, {"np", "po"},
	{"l", "nge"}, {"ge", "nl"}, {"le", "ng"}, {"g", "nle"},
}

func op(b ...byte) []byte { return b }

type tableBuilder struct {
	entries []*entry
}

func (t *tableBuilder) add(e entry) {
	t.entries = append(t.entries, &e)
}

// byteOrFull picks the byte form of an opcode pair for 8-bit operands.
func byteOrFull(w opWidth, b8, full byte) byte {
	if w.suffix == "b" {
		return b8
	}
	return full
}

func buildTable() []*entry {
	var t tableBuilder

	alu := []struct {
		name  string
		digit int8
	}{
		{"add", 0}, {"or", 1}, {"adc", 2}, {"sbb", 3},
		{"and", 4}, {"sub", 5}, {"xor", 6}, {"cmp", 7},
	}
	for _, a := range alu {
		base := byte(a.digit) * 8
		for _, w := range opWidths {
			name := a.name + w.suffix
			t.add(entry{mnemonic: name, ops: []kind{w.r, w.rm}, prefix: w.prefix, w: w.w, opcode: op(base + byteOrFull(w, 0, 1)), ext: -1, form: formMR})
			t.add(entry{mnemonic: name, ops: []kind{w.rm, w.r}, prefix: w.prefix, w: w.w, opcode: op(base + byteOrFull(w, 2, 3)), ext: -1, form: formRM})
			if w.suffix == "b" {
				t.add(entry{mnemonic: name, ops: []kind{kImmB, w.rm}, opcode: op(0x80), ext: a.digit, form: formMI, imm: 1})
				continue
			}
			// The full-width immediate form is listed first; selection still
			// prefers the shorter sign-extended byte form when it fits.
			t.add(entry{mnemonic: name, ops: []kind{w.imm, w.rm}, prefix: w.prefix, w: w.w, opcode: op(0x81), ext: a.digit, form: formMI, imm: w.immLen})
			t.add(entry{mnemonic: name, ops: []kind{kImm8, w.rm}, prefix: w.prefix, w: w.w, opcode: op(0x83), ext: a.digit, form: formMI, imm: 1})
		}
	}

	for _, w := range opWidths {
		name := "mov" + w.suffix
		t.add(entry{mnemonic: name, ops: []kind{w.r, w.rm}, prefix: w.prefix, w: w.w, opcode: op(byteOrFull(w, 0x88, 0x89)), ext: -1, form: formMR})
		t.add(entry{mnemonic: name, ops: []kind{w.rm, w.r}, prefix: w.prefix, w: w.w, opcode: op(byteOrFull(w, 0x8A, 0x8B)), ext: -1, form: formRM})
		t.add(entry{mnemonic: name, ops: []kind{w.imm, w.rm}, prefix: w.prefix, w: w.w, opcode: op(byteOrFull(w, 0xC6, 0xC7)), ext: 0, form: formMI, imm: w.immLen})
		if w.suffix == "q" {
			t.add(entry{mnemonic: name, ops: []kind{kImm64, kR64}, w: true, opcode: op(0xB8), ext: -1, form: formOI, imm: 8})
			continue
		}
		t.add(entry{mnemonic: name, ops: []kind{w.imm, w.r}, prefix: w.prefix, opcode: op(byteOrFull(w, 0xB0, 0xB8)), ext: -1, form: formOI, imm: w.immLen})
	}
	t.add(entry{mnemonic: "movabsq", ops: []kind{kImm64, kR64}, w: true, opcode: op(0xB8), ext: -1, form: formOI, imm: 8})

	for _, w := range opWidths {
		name := "test" + w.suffix
		t.add(entry{mnemonic: name, ops: []kind{w.r, w.rm}, prefix: w.prefix, w: w.w, opcode: op(byteOrFull(w, 0x84, 0x85)), ext: -1, form: formMR})
		t.add(entry{mnemonic: name, ops: []kind{w.imm, w.rm}, prefix: w.prefix, w: w.w, opcode: op(byteOrFull(w, 0xF6, 0xF7)), ext: 0, form: formMI, imm: w.immLen})
	}

	unary := []struct {
		name  string
		digit int8
	}{
		{"not", 2}, {"neg", 3}, {"mul", 4}, {"imul", 5}, {"div", 6}, {"idiv", 7},
	}
	for _, u := range unary {
		for _, w := range opWidths {
			t.add(entry{mnemonic: u.name + w.suffix, ops: []kind{w.rm}, prefix: w.prefix, w: w.w, opcode: op(byteOrFull(w, 0xF6, 0xF7)), ext: u.digit, form: formM})
		}
	}
	for _, w := range opWidths[1:] {
		name := "imul" + w.suffix
		t.add(entry{mnemonic: name, ops: []kind{w.rm, w.r}, prefix: w.prefix, w: w.w, opcode: op(0x0F, 0xAF), ext: -1, form: formRM})
		t.add(entry{mnemonic: name, ops: []kind{w.imm, w.rm, w.r}, prefix: w.prefix, w: w.w, opcode: op(0x69), ext: -1, form: formRMI, imm: w.immLen})
		t.add(entry{mnemonic: name, ops: []kind{kImm8, w.rm, w.r}, prefix: w.prefix, w: w.w, opcode: op(0x6B), ext: -1, form: formRMI, imm: 1})
	}

	shifts := []struct {
		name  string
		digit int8
	}{
		{"rol", 0}, {"ror", 1}, {"shl", 4}, {"sal", 4}, {"shr", 5}, {"sar", 7},
	}
	for _, s := range shifts {
		for _, w := range opWidths {
			name := s.name + w.suffix
			t.add(entry{mnemonic: name, ops: []kind{kCL, w.rm}, prefix: w.prefix, w: w.w, opcode: op(byteOrFull(w, 0xD2, 0xD3)), ext: s.digit, form: formMC})
			t.add(entry{mnemonic: name, ops: []kind{kImmB, w.rm}, prefix: w.prefix, w: w.w, opcode: op(byteOrFull(w, 0xC0, 0xC1)), ext: s.digit, form: formMI, imm: 1})
		}
	}

	extend := []struct {
		name   string
		src    kind
		dst    opWidth
		opcode []byte
	}{
		{"movzbw", kRM8, opWidths[1], op(0x0F, 0xB6)},
		{"movzbl", kRM8, opWidths[2], op(0x0F, 0xB6)},
		{"movzbq", kRM8, opWidths[3], op(0x0F, 0xB6)},
		{"movzwl", kRM16, opWidths[2], op(0x0F, 0xB7)},
		{"movzwq", kRM16, opWidths[3], op(0x0F, 0xB7)},
		{"movsbw", kRM8, opWidths[1], op(0x0F, 0xBE)},
		{"movsbl", kRM8, opWidths[2], op(0x0F, 0xBE)},
		{"movsbq", kRM8, opWidths[3], op(0x0F, 0xBE)},
		{"movswl", kRM16, opWidths[2], op(0x0F, 0xBF)},
		{"movswq", kRM16, opWidths[3], op(0x0F, 0xBF)},
		{"movslq", kRM32, opWidths[3], op(0x63)},
	}
	for _, x := range extend {
		t.add(entry{mnemonic: x.name, ops: []kind{x.src, x.dst.r}, prefix: x.dst.prefix, w: x.dst.w, opcode: x.opcode, ext: -1, form: formRM})
	}

	t.add(entry{mnemonic: "leal", ops: []kind{kM, kR32}, opcode: op(0x8D), ext: -1, form: formRM})
	t.add(entry{mnemonic: "leaq", ops: []kind{kM, kR64}, w: true, opcode: op(0x8D), ext: -1, form: formRM})

	t.add(entry{mnemonic: "pushq", ops: []kind{kR64}, opcode: op(0x50), ext: -1, form: formO})
	t.add(entry{mnemonic: "pushq", ops: []kind{kRM64}, opcode: op(0xFF), ext: 6, form: formM})
	t.add(entry{mnemonic: "pushq", ops: []kind{kImm32S}, opcode: op(0x68), ext: -1, form: formZO, imm: 4})
	t.add(entry{mnemonic: "pushq", ops: []kind{kImm8}, opcode: op(0x6A), ext: -1, form: formZO, imm: 1})
	t.add(entry{mnemonic: "popq", ops: []kind{kR64}, opcode: op(0x58), ext: -1, form: formO})
	t.add(entry{mnemonic: "popq", ops: []kind{kRM64}, opcode: op(0x8F), ext: 0, form: formM})

	t.add(entry{mnemonic: "call", ops: []kind{kRel}, opcode: op(0xE8), ext: -1, form: formD})
	t.add(entry{mnemonic: "call", ops: []kind{kStar}, opcode: op(0xFF), ext: 2, form: formM})
	t.add(entry{mnemonic: "jmp", ops: []kind{kRel}, opcode: op(0xE9), ext: -1, form: formD})
	t.add(entry{mnemonic: "jmp", ops: []kind{kStar}, opcode: op(0xFF), ext: 4, form: formM})

	for cc, names := range conditions {
		for _, n := range names {
			t.add(entry{mnemonic: "j" + n, ops: []kind{kRel}, opcode: op(0x0F, 0x80+byte(cc)), ext: -1, form: formD})
			t.add(entry{mnemonic: "set" + n, ops: []kind{kRM8}, opcode: op(0x0F, 0x90+byte(cc)), ext: 0, form: formM})
			for _, w := range opWidths[1:] {
				t.add(entry{mnemonic: "cmov" + n + w.suffix, ops: []kind{w.rm, w.r}, prefix: w.prefix, w: w.w, opcode: op(0x0F, 0x40+byte(cc)), ext: -1, form: formRM})
			}
		}
	}

	simple := []struct {
		name   string
		w      bool
		opcode []byte
	}{
		{"ret", false, op(0xC3)},
		{"leave", false, op(0xC9)},
		{"nop", false, op(0x90)},
		{"hlt", false, op(0xF4)},
		{"int3", false, op(0xCC)},
		{"ud2", false, op(0x0F, 0x0B)},
		{"syscall", false, op(0x0F, 0x05)},
		{"cltq", true, op(0x98)},
		{"cltd", false, op(0x99)},
		{"cqto", true, op(0x99)},
	}
	for _, s := range simple {
		t.add(entry{mnemonic: s.name, w: s.w, opcode: s.opcode, ext: -1, form: formZO})
	}

	for _, p := range []struct {
		suffix string
		prefix byte
	}{{"ss", 0xF3}, {"sd", 0xF2}} {
		t.add(entry{mnemonic: "mov" + p.suffix, ops: []kind{kXM, kX}, prefix: p.prefix, opcode: op(0x0F, 0x10), ext: -1, form: formRM})
		t.add(entry{mnemonic: "mov" + p.suffix, ops: []kind{kX, kXM}, prefix: p.prefix, opcode: op(0x0F, 0x11), ext: -1, form: formMR})
		for _, a := range []struct {
			name string
			op   byte
		}{{"add", 0x58}, {"mul", 0x59}, {"sub", 0x5C}, {"div", 0x5E}, {"sqrt", 0x51}, {"min", 0x5D}, {"max", 0x5F}} {
			t.add(entry{mnemonic: a.name + p.suffix, ops: []kind{kXM, kX}, prefix: p.prefix, opcode: op(0x0F, a.op), ext: -1, form: formRM})
		}
		for _, w := range opWidths[2:] {
			t.add(entry{mnemonic: "cvtsi2" + p.suffix + w.suffix, ops: []kind{w.rm, kX}, prefix: p.prefix, w: w.w, opcode: op(0x0F, 0x2A), ext: -1, form: formRM})
			t.add(entry{mnemonic: "cvtt" + p.suffix + "2si" + w.suffix, ops: []kind{kXM, w.r}, prefix: p.prefix, w: w.w, opcode: op(0x0F, 0x2C), ext: -1, form: formRM})
		}
	}
	t.add(entry{mnemonic: "cvtss2sd", ops: []kind{kXM, kX}, prefix: 0xF3, opcode: op(0x0F, 0x5A), ext: -1, form: formRM})
	t.add(entry{mnemonic: "cvtsd2ss", ops: []kind{kXM, kX}, prefix: 0xF2, opcode: op(0x0F, 0x5A), ext: -1, form: formRM})
	t.add(entry{mnemonic: "ucomiss", ops: []kind{kXM, kX}, opcode: op(0x0F, 0x2E), ext: -1, form: formRM})
	t.add(entry{mnemonic: "ucomisd", ops: []kind{kXM, kX}, prefix: 0x66, opcode: op(0x0F, 0x2E), ext: -1, form: formRM})
	t.add(entry{mnemonic: "comiss", ops: []kind{kXM, kX}, opcode: op(0x0F, 0x2F), ext: -1, form: formRM})
	t.add(entry{mnemonic: "comisd", ops: []kind{kXM, kX}, prefix: 0x66, opcode: op(0x0F, 0x2F), ext: -1, form: formRM})
	t.add(entry{mnemonic: "movaps", ops: []kind{kXM, kX}, opcode: op(0x0F, 0x28), ext: -1, form: formRM})
	t.add(entry{mnemonic: "movapd", ops: []kind{kXM, kX}, prefix: 0x66, opcode: op(0x0F, 0x28), ext: -1, form: formRM})
	t.add(entry{mnemonic: "xorps", ops: []kind{kXM, kX}, opcode: op(0x0F, 0x57), ext: -1, form: formRM})
	t.add(entry{mnemonic: "xorpd", ops: []kind{kXM, kX}, prefix: 0x66, opcode: op(0x0F, 0x57), ext: -1, form: formRM})
	t.add(entry{mnemonic: "movd", ops: []kind{kRM32, kX}, prefix: 0x66, opcode: op(0x0F, 0x6E), ext: -1, form: formRM})
	t.add(entry{mnemonic: "movd", ops: []kind{kX, kRM32}, prefix: 0x66, opcode: op(0x0F, 0x7E), ext: -1, form: formMR})
	t.add(entry{mnemonic: "movq", ops: []kind{kRM64, kX}, prefix: 0x66, w: true, opcode: op(0x0F, 0x6E), ext: -1, form: formRM})
	t.add(entry{mnemonic: "movq", ops: []kind{kX, kRM64}, prefix: 0x66, w: true, opcode: op(0x0F, 0x7E), ext: -1, form: formMR})

	return t.entries
}

var (
	table  = buildTable()
	byMnem = indexTable(table)
)

func indexTable(entries []*entry) map[string][]*entry {
	out := make(map[string][]*entry)
	for _, e := range entries {
		out[e.mnemonic] = append(out[e.mnemonic], e)
	}
	return out
}
