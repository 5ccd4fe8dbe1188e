package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/ccomp/internal/asm"
)

type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: make(map[string]uint32)}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = off
	return off
}

func elfRelocType(k asm.RelocKind) (elf.R_X86_64, error) {
	switch k {
	case asm.RelocAbs64:
		return elf.R_X86_64_64, nil
	case asm.RelocAbs32S:
		return elf.R_X86_64_32S, nil
	case asm.RelocPCRel32:
		return elf.R_X86_64_PC32, nil
	}
	return 0, fmt.Errorf("unsupported relocation kind %s", k)
}

// WriteELF serializes a finished object as an x86-64 ELF relocatable file.
//
// Section order: null, one PROGBITS per object section, .symtab, one .rela
// section per object section with relocations, .strtab, .shstrtab.
func WriteELF(w io.Writer, o *Object) error {
	if !o.Finished() {
		return fmt.Errorf("write elf: object not finished")
	}

	var (
		shstr   = newStrtab()
		str     = newStrtab()
		headers []elf.Section64
		body    bytes.Buffer
	)
	hdrSize := binary.Size(elf.Header64{})
	place := func(data []byte, align int) uint64 {
		if align < 1 {
			align = 1
		}
		for (hdrSize+body.Len())%align != 0 {
			body.WriteByte(0)
		}
		off := uint64(hdrSize + body.Len())
		body.Write(data)
		return off
	}

	headers = append(headers, elf.Section64{})
	for _, sec := range o.Sections {
		flags := elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_EXECINSTR
		headers = append(headers, elf.Section64{
			Name:      shstr.add(sec.Name),
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(flags),
			Off:       place(sec.Data, sec.Align),
			Size:      uint64(len(sec.Data)),
			Addralign: uint64(sec.Align),
		})
	}

	locals, globals := o.orderedSymbols()
	symIndex := make(map[*Symbol]uint32)
	var symtab bytes.Buffer
	_ = binary.Write(&symtab, binary.LittleEndian, elf.Sym64{})
	for i, s := range append(locals, globals...) {
		bind := elf.STB_LOCAL
		if s.Global {
			bind = elf.STB_GLOBAL
		}
		typ := elf.STT_NOTYPE
		if s.Defined() && s.Section.Executable() && s.Global {
			typ = elf.STT_FUNC
		}
		sym := elf.Sym64{
			Name:  str.add(s.Name),
			Info:  elf.ST_INFO(bind, typ),
			Shndx: uint16(elf.SHN_UNDEF),
		}
		if s.Defined() {
			sym.Shndx = uint16(1 + o.sectionIndex(s.Section))
			sym.Value = uint64(s.Offset)
		}
		_ = binary.Write(&symtab, binary.LittleEndian, sym)
		symIndex[s] = uint32(i + 1)
	}

	symtabIndex := len(headers)
	relaCount := 0
	for _, sec := range o.Sections {
		if len(sec.Relocs) > 0 {
			relaCount++
		}
	}
	strtabIndex := symtabIndex + 1 + relaCount

	symEntSize := uint64(binary.Size(elf.Sym64{}))
	headers = append(headers, elf.Section64{
		Name:      shstr.add(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Off:       place(symtab.Bytes(), 8),
		Size:      uint64(symtab.Len()),
		Link:      uint32(strtabIndex),
		Info:      uint32(1 + len(locals)),
		Addralign: 8,
		Entsize:   symEntSize,
	})

	for i, sec := range o.Sections {
		if len(sec.Relocs) == 0 {
			continue
		}
		var rela bytes.Buffer
		for _, r := range sec.Relocs {
			typ, err := elfRelocType(r.Kind)
			if err != nil {
				return fmt.Errorf("write elf: %w", err)
			}
			_ = binary.Write(&rela, binary.LittleEndian, elf.Rela64{
				Off:    uint64(r.Offset),
				Info:   elf.R_INFO(symIndex[r.Symbol], uint32(typ)),
				Addend: r.Addend,
			})
		}
		headers = append(headers, elf.Section64{
			Name:      shstr.add(".rela" + sec.Name),
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_INFO_LINK),
			Off:       place(rela.Bytes(), 8),
			Size:      uint64(rela.Len()),
			Link:      uint32(symtabIndex),
			Info:      uint32(1 + i),
			Addralign: 8,
			Entsize:   uint64(binary.Size(elf.Rela64{})),
		})
	}

	headers = append(headers, elf.Section64{
		Name:      shstr.add(".strtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Off:       place(str.buf.Bytes(), 1),
		Size:      uint64(str.buf.Len()),
		Addralign: 1,
	})
	shstrName := shstr.add(".shstrtab")
	headers = append(headers, elf.Section64{
		Name:      shstrName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       place(shstr.buf.Bytes(), 1),
		Size:      uint64(shstr.buf.Len()),
		Addralign: 1,
	})
	shoff := place(nil, 8)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    uint16(hdrSize),
		Shentsize: uint16(binary.Size(elf.Section64{})),
		Shnum:     uint16(len(headers)),
		Shstrndx:  uint16(len(headers) - 1),
	}
	fillIdent(&hdr.Ident)

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(body.Bytes())
	_ = binary.Write(&out, binary.LittleEndian, headers)
	if _, err := w.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write elf: %w", err)
	}
	return nil
}

func fillIdent(ident *[elf.EI_NIDENT]byte) {
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
}
