package amd64

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/ccomp/internal/asm"
)

func mustEncode(t *testing.T, mnemonic string, ops ...asm.Operand) Inst {
	t.Helper()
	inst, err := Encode(mnemonic, ops...)
	if err != nil {
		t.Fatalf("Encode(%s) failed: %v", Format(mnemonic, ops...), err)
	}
	return inst
}

func TestEncodeBytes(t *testing.T) {
	tests := []struct {
		mnemonic string
		ops      []asm.Operand
		want     []byte
	}{
		{"addl", []asm.Operand{I(5), Reg32(RCX)}, []byte{0x83, 0xC1, 0x05}},
		{"addq", []asm.Operand{I(5), Reg64(RCX)}, []byte{0x48, 0x83, 0xC1, 0x05}},
		{"addq", []asm.Operand{I(0x1000), Reg64(RCX)}, []byte{0x48, 0x81, 0xC1, 0x00, 0x10, 0x00, 0x00}},
		{"subq", []asm.Operand{I(-128), Reg64(RSP)}, []byte{0x48, 0x83, 0xEC, 0x80}},
		{"movq", []asm.Operand{I(0x1234), Reg64(RAX)}, []byte{0x48, 0xC7, 0xC0, 0x34, 0x12, 0x00, 0x00}},
		{"movq", []asm.Operand{I(0x100000000), Reg64(RAX)}, []byte{0x48, 0xB8, 0, 0, 0, 0, 1, 0, 0, 0}},
		{"movl", []asm.Operand{I(1), Reg32(RAX)}, []byte{0xB8, 0x01, 0x00, 0x00, 0x00}},
		{"movq", []asm.Operand{Mem(Reg64(RSP)), Reg64(RAX)}, []byte{0x48, 0x8B, 0x04, 0x24}},
		{"movq", []asm.Operand{Mem(Reg64(R12)), Reg64(RAX)}, []byte{0x49, 0x8B, 0x04, 0x24}},
		{"movq", []asm.Operand{Mem(Reg64(RBP)), Reg64(RAX)}, []byte{0x48, 0x8B, 0x45, 0x00}},
		{"movq", []asm.Operand{Mem(Reg64(R13)), Reg64(RAX)}, []byte{0x49, 0x8B, 0x45, 0x00}},
		{"movq", []asm.Operand{Mem(Reg64(RBP)).WithDisp(-512), Reg64(RAX)}, []byte{0x48, 0x8B, 0x85, 0x00, 0xFE, 0xFF, 0xFF}},
		{"movl", []asm.Operand{MemIndex(Reg64(RAX), Reg64(RCX), 8), Reg32(RDX)}, []byte{0x8B, 0x14, 0xC8}},
		{"movb", []asm.Operand{Reg8(RSI), Mem(Reg64(RDI))}, []byte{0x40, 0x88, 0x37}},
		{"movb", []asm.Operand{Reg8(RAX), Mem(Reg64(RDI))}, []byte{0x88, 0x07}},
		{"movb", []asm.Operand{AH, Reg8(RCX)}, []byte{0x88, 0xE1}},
		{"movw", []asm.Operand{Reg16(R9), Mem(Reg64(RSP)).WithDisp(8)}, []byte{0x66, 0x44, 0x89, 0x4C, 0x24, 0x08}},
		{"movzbl", []asm.Operand{Reg8(RSI), Reg32(RAX)}, []byte{0x40, 0x0F, 0xB6, 0xC6}},
		{"movslq", []asm.Operand{Reg32(RDI), Reg64(RAX)}, []byte{0x48, 0x63, 0xC7}},
		{"shlq", []asm.Operand{Reg8(RCX), Reg64(RAX)}, []byte{0x48, 0xD3, 0xE0}},
		{"sarl", []asm.Operand{I(3), Reg32(RDX)}, []byte{0xC1, 0xFA, 0x03}},
		{"imulq", []asm.Operand{Reg64(RCX), Reg64(RAX)}, []byte{0x48, 0x0F, 0xAF, 0xC1}},
		{"idivq", []asm.Operand{Reg64(RCX)}, []byte{0x48, 0xF7, 0xF9}},
		{"cqto", nil, []byte{0x48, 0x99}},
		{"sete", []asm.Operand{Reg8(RAX)}, []byte{0x0F, 0x94, 0xC0}},
		{"pushq", []asm.Operand{Reg64(RBP)}, []byte{0x55}},
		{"pushq", []asm.Operand{Reg64(R12)}, []byte{0x41, 0x54}},
		{"popq", []asm.Operand{Reg64(RBP)}, []byte{0x5D}},
		{"call", []asm.Operand{Star{Reg: Reg64(R11)}}, []byte{0x41, 0xFF, 0xD3}},
		{"ret", nil, []byte{0xC3}},
		{"syscall", nil, []byte{0x0F, 0x05}},
		{"movsd", []asm.Operand{Mem(Reg64(RBP)).WithDisp(16), XMM8}, []byte{0xF2, 0x44, 0x0F, 0x10, 0x45, 0x10}},
		{"cvtsi2sdq", []asm.Operand{Reg64(RAX), XMM0}, []byte{0xF2, 0x48, 0x0F, 0x2A, 0xC0}},
		{"movq", []asm.Operand{XMM0, Reg64(RAX)}, []byte{0x66, 0x48, 0x0F, 0x7E, 0xC0}},
		{"ucomisd", []asm.Operand{XMM1, XMM0}, []byte{0x66, 0x0F, 0x2E, 0xC1}},
	}
	for _, tt := range tests {
		name := Format(tt.mnemonic, tt.ops...)
		t.Run(name, func(t *testing.T) {
			inst := mustEncode(t, tt.mnemonic, tt.ops...)
			if !bytes.Equal(inst.Bytes, tt.want) {
				t.Fatalf("bytes=% x, want % x", inst.Bytes, tt.want)
			}
			if len(inst.Relocs) != 0 {
				t.Fatalf("unexpected relocations %v", inst.Relocs)
			}
		})
	}
}

func TestEncodePrefersImm8(t *testing.T) {
	l := mustEncode(t, "addl", I(5), Reg32(RCX))
	q := mustEncode(t, "addq", I(5), Reg64(RCX))
	if l.Bytes[0] != 0x83 {
		t.Fatalf("addl opcode=%#x, want 0x83", l.Bytes[0])
	}
	if q.Bytes[1] != 0x83 {
		t.Fatalf("addq opcode=%#x, want 0x83", q.Bytes[1])
	}
	if got, want := len(q.Bytes), len(l.Bytes)+1; got != want {
		t.Fatalf("len(addq)=%d, want %d", got, want)
	}
}

func TestEncodeRelocations(t *testing.T) {
	tests := []struct {
		mnemonic string
		ops      []asm.Operand
		want     asm.Reloc
		length   int
	}{
		{"call", []asm.Operand{T("g")}, asm.Reloc{Offset: 1, Symbol: "g", Addend: -4, Kind: asm.RelocPCRel32}, 5},
		{"jne", []asm.Operand{T(".L3")}, asm.Reloc{Offset: 2, Symbol: ".L3", Addend: -4, Kind: asm.RelocPCRel32}, 6},
		{"leaq", []asm.Operand{RIPRel("msg"), Reg64(RAX)}, asm.Reloc{Offset: 3, Symbol: "msg", Addend: -4, Kind: asm.RelocPCRel32}, 7},
		{"leaq", []asm.Operand{RIPRel("msg").WithDisp(8), Reg64(RDI)}, asm.Reloc{Offset: 3, Symbol: "msg", Addend: 4, Kind: asm.RelocPCRel32}, 7},
		// The trailing immediate counts as part of the remaining length.
		{"movl", []asm.Operand{I(7), RIPRel("counter")}, asm.Reloc{Offset: 2, Symbol: "counter", Addend: -8, Kind: asm.RelocPCRel32}, 10},
		{"movabsq", []asm.Operand{SymImm("table", 16), Reg64(RAX)}, asm.Reloc{Offset: 2, Symbol: "table", Addend: 16, Kind: asm.RelocAbs64}, 10},
		{"movq", []asm.Operand{SymImm("table", 0), Reg64(RCX)}, asm.Reloc{Offset: 3, Symbol: "table", Kind: asm.RelocAbs32S}, 7},
		{"movq", []asm.Operand{Abs("table").WithDisp(8), Reg64(RCX)}, asm.Reloc{Offset: 4, Symbol: "table", Addend: 8, Kind: asm.RelocAbs32S}, 8},
	}
	for _, tt := range tests {
		t.Run(Format(tt.mnemonic, tt.ops...), func(t *testing.T) {
			inst := mustEncode(t, tt.mnemonic, tt.ops...)
			if len(inst.Bytes) != tt.length {
				t.Fatalf("len=%d, want %d (% x)", len(inst.Bytes), tt.length, inst.Bytes)
			}
			if len(inst.Relocs) != 1 {
				t.Fatalf("relocs=%v, want one", inst.Relocs)
			}
			if got := inst.Relocs[0]; got != tt.want {
				t.Fatalf("reloc=%v, want %v", got, tt.want)
			}
			r := inst.Relocs[0]
			if r.Offset < 0 || r.Offset+r.Kind.Size() > len(inst.Bytes) {
				t.Fatalf("relocation field %d+%d outside instruction of %d bytes", r.Offset, r.Kind.Size(), len(inst.Bytes))
			}
		})
	}
}

func TestEncodeSelectionError(t *testing.T) {
	tests := []struct {
		mnemonic string
		ops      []asm.Operand
	}{
		{"movb", []asm.Operand{AH, Reg8(RSI)}},
		{"movq", []asm.Operand{Reg32(RAX), Reg64(RBX)}},
		{"leaq", []asm.Operand{Reg64(RAX), Reg64(RBX)}},
		{"frobq", []asm.Operand{Reg64(RAX)}},
		{"movq", []asm.Operand{MemIndex(Reg64(RAX), Reg64(RSP), 2), Reg64(RBX)}},
	}
	for _, tt := range tests {
		_, err := Encode(tt.mnemonic, tt.ops...)
		var sel *SelectionError
		if !errors.As(err, &sel) {
			t.Fatalf("Encode(%s) err=%v, want *SelectionError", Format(tt.mnemonic, tt.ops...), err)
		}
		if sel.Mnemonic != tt.mnemonic {
			t.Fatalf("Mnemonic=%q, want %q", sel.Mnemonic, tt.mnemonic)
		}
		if sel.Text != Format(tt.mnemonic, tt.ops...) {
			t.Fatalf("Text=%q", sel.Text)
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	inst := mustEncode(t, "movq", I(0x1234), Reg64(RAX))
	d, err := Decode(inst.Bytes)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if d.Mnemonic != "movq" {
		t.Fatalf("mnemonic=%q, want movq", d.Mnemonic)
	}
	if len(d.Ops) != 2 {
		t.Fatalf("ops=%v, want 2", d.Ops)
	}
	if imm, ok := d.Ops[0].(Imm); !ok || imm.Value != 0x1234 {
		t.Fatalf("source=%v, want $0x1234", d.Ops[0])
	}
	if reg, ok := d.Ops[1].(Reg); !ok || reg != Reg64(RAX) {
		t.Fatalf("destination=%v, want %%rax", d.Ops[1])
	}
	if d.Len != len(inst.Bytes) {
		t.Fatalf("Len=%d, want %d", d.Len, len(inst.Bytes))
	}
}

// sampleOperand returns a representative operand accepted by k.
func sampleOperand(k kind) asm.Operand {
	switch k {
	case kR8:
		return Reg8(RDX)
	case kR16:
		return Reg16(R10)
	case kR32:
		return Reg32(RSI)
	case kR64:
		return Reg64(R9)
	case kRM8, kRM16, kRM32, kRM64:
		return Mem(Reg64(RBX)).WithDisp(16)
	case kM:
		return MemIndex(Reg64(R12), Reg64(RCX), 4).WithDisp(-8)
	case kX:
		return XMM3
	case kXM:
		return XMM9
	case kCL:
		return Reg8(RCX)
	case kImm8:
		return I(7)
	case kImmB:
		return I(100)
	case kImmW:
		return I(1000)
	case kImmL:
		return I(100000)
	case kImm32S:
		return I(-100000)
	case kImm64:
		return I(1 << 40)
	case kStar:
		return Star{Reg: Reg64(R11)}
	case kRel:
		return T("target")
	}
	panic(fmt.Sprintf("no sample for kind %d", k))
}

func TestEncodeEveryEntryDeterministic(t *testing.T) {
	for _, e := range table {
		ops := make([]asm.Operand, len(e.ops))
		for i, k := range e.ops {
			ops[i] = sampleOperand(k)
		}
		text := Format(e.mnemonic, ops...)

		first, err := Encode(e.mnemonic, ops...)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", text, err)
		}
		second, err := Encode(e.mnemonic, ops...)
		if err != nil {
			t.Fatalf("second Encode(%s) failed: %v", text, err)
		}
		if !bytes.Equal(first.Bytes, second.Bytes) {
			t.Fatalf("%s: encodings differ: % x vs % x", text, first.Bytes, second.Bytes)
		}

		d, err := Decode(first.Bytes)
		if err != nil {
			t.Fatalf("Decode(%s = % x) failed: %v", text, first.Bytes, err)
		}
		if d.Len != len(first.Bytes) {
			t.Fatalf("%s: decoded %d bytes, want %d", text, d.Len, len(first.Bytes))
		}
		if e.form == formD {
			continue
		}
		again, err := Encode(d.Mnemonic, d.Ops...)
		if err != nil {
			t.Fatalf("re-encode %s (from %s) failed: %v", d, text, err)
		}
		if !bytes.Equal(again.Bytes, first.Bytes) {
			t.Fatalf("%s decoded as %s: % x vs % x", text, d, again.Bytes, first.Bytes)
		}
	}
}
