package obj

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/ccomp/internal/asm"
)

func TestWriteCOFF(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCOFF(&buf, buildSample(t)); err != nil {
		t.Fatalf("WriteCOFF failed: %v", err)
	}
	f, err := pe.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("pe.NewFile failed: %v", err)
	}
	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		t.Fatalf("machine=%#x", f.Machine)
	}
	if len(f.Sections) != 2 || f.Sections[0].Name != ".text" || f.Sections[1].Name != ".data" {
		t.Fatalf("unexpected sections")
	}

	text := f.Sections[0]
	data, err := text.Data()
	if err != nil {
		t.Fatalf("read .text: %v", err)
	}
	if len(text.Relocs) != 2 {
		t.Fatalf("text relocations=%d, want 2", len(text.Relocs))
	}
	byOffset := map[uint32]pe.Reloc{}
	for _, r := range text.Relocs {
		byOffset[r.VirtualAddress] = r
	}
	call, ok := byOffset[1]
	if !ok || call.Type != coffRelRel32 {
		t.Fatalf("call relocation=%+v", call)
	}
	if sym := f.COFFSymbols[call.SymbolTableIndex]; sym.SectionNumber != 1 || sym.Value != 14 {
		t.Fatalf("call symbol=%+v, want main in .text at 14", sym)
	}
	// REL32 stores addend+4: -4+4 == 0.
	if got := int32(binary.LittleEndian.Uint32(data[1:])); got != 0 {
		t.Fatalf("call in-place addend=%d, want 0", got)
	}

	dataSec := f.Sections[1]
	if len(dataSec.Relocs) != 1 || dataSec.Relocs[0].Type != coffRelAddr64 || dataSec.Relocs[0].VirtualAddress != 8 {
		t.Fatalf("data relocations=%+v", dataSec.Relocs)
	}
	raw, _ := dataSec.Data()
	if got := binary.LittleEndian.Uint64(raw[16:]); got != 7 {
		t.Fatalf("literal quad=%d, want 7", got)
	}
}

func TestApplyAddends(t *testing.T) {
	o := Start()
	sec := o.Section(".text")
	sec.Data = make([]byte, 16)
	o.AddReloc(sec, 0, "a", 0x10, asm.RelocAbs64)
	o.AddReloc(sec, 8, "b", -8, asm.RelocPCRel32)
	o.AddReloc(sec, 12, "c", 5, asm.RelocAbs32S)
	data, err := applyAddends(sec)
	if err != nil {
		t.Fatalf("applyAddends failed: %v", err)
	}
	if got := binary.LittleEndian.Uint64(data); got != 0x10 {
		t.Fatalf("abs64 field=%#x, want 0x10", got)
	}
	if got := int32(binary.LittleEndian.Uint32(data[8:])); got != -4 {
		t.Fatalf("rel32 field=%d, want -4", got)
	}
	if got := int32(binary.LittleEndian.Uint32(data[12:])); got != 5 {
		t.Fatalf("addr32 field=%d, want 5", got)
	}
	if sec.Data[0] != 0 {
		t.Fatalf("applyAddends modified the section")
	}
}
