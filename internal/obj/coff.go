package obj

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"github.com/tinyrange/ccomp/internal/asm"
)

const (
	coffSymClassExternal = 2
	coffSymClassStatic   = 3

	coffRelAddr64 = 0x0001
	coffRelAddr32 = 0x0002
	coffRelRel32  = 0x0004
)

func coffRelocType(k asm.RelocKind) (uint16, error) {
	switch k {
	case asm.RelocAbs64:
		return coffRelAddr64, nil
	case asm.RelocAbs32S:
		return coffRelAddr32, nil
	case asm.RelocPCRel32:
		return coffRelRel32, nil
	}
	return 0, fmt.Errorf("unsupported relocation kind %s", k)
}

// coffAlign returns the IMAGE_SCN_ALIGN_* bits for a power of two alignment.
func coffAlign(align int) uint32 {
	if align < 1 {
		align = 1
	}
	return uint32(bits.TrailingZeros(uint(align))+1) << 20
}

// applyAddends copies the section data with every relocation addend stored
// in the relocated field, since COFF relocations have no addend field.
// REL32 is relative to the end of its 4-byte field rather than its start,
// so the stored value is biased by 4.
func applyAddends(sec *Section) ([]byte, error) {
	data := append([]byte(nil), sec.Data...)
	for _, r := range sec.Relocs {
		switch r.Kind {
		case asm.RelocAbs64:
			binary.LittleEndian.PutUint64(data[r.Offset:], uint64(r.Addend))
		case asm.RelocAbs32S:
			binary.LittleEndian.PutUint32(data[r.Offset:], uint32(int32(r.Addend)))
		case asm.RelocPCRel32:
			binary.LittleEndian.PutUint32(data[r.Offset:], uint32(int32(r.Addend+4)))
		default:
			return nil, fmt.Errorf("unsupported relocation kind %s", r.Kind)
		}
	}
	return data, nil
}

// WriteCOFF serializes a finished object as an AMD64 COFF object file.
func WriteCOFF(w io.Writer, o *Object) error {
	if !o.Finished() {
		return fmt.Errorf("write coff: object not finished")
	}

	var (
		strs    bytes.Buffer
		symbols []pe.COFFSymbol
	)
	strs.Write([]byte{0, 0, 0, 0})
	name := func(s string) [8]uint8 {
		var out [8]uint8
		if len(s) <= 8 {
			copy(out[:], s)
			return out
		}
		binary.LittleEndian.PutUint32(out[4:], uint32(strs.Len()))
		strs.WriteString(s)
		strs.WriteByte(0)
		return out
	}

	locals, globals := o.orderedSymbols()
	symIndex := make(map[*Symbol]uint32)
	for _, s := range append(locals, globals...) {
		sym := pe.COFFSymbol{
			Name:         name(s.Name),
			StorageClass: coffSymClassStatic,
		}
		if s.Global {
			sym.StorageClass = coffSymClassExternal
		}
		if s.Defined() {
			sym.SectionNumber = int16(1 + o.sectionIndex(s.Section))
			sym.Value = uint32(s.Offset)
		}
		if s.Defined() && s.Section.Executable() && s.Global {
			// DTYPE_FUNCTION in the derived-type nibble.
			sym.Type = 0x20
		}
		symIndex[s] = uint32(len(symbols))
		symbols = append(symbols, sym)
	}

	fileHdrSize := binary.Size(pe.FileHeader{})
	secHdrSize := binary.Size(pe.SectionHeader32{})
	offset := fileHdrSize + len(o.Sections)*secHdrSize

	var (
		headers []pe.SectionHeader32
		body    bytes.Buffer
	)
	for _, sec := range o.Sections {
		data, err := applyAddends(sec)
		if err != nil {
			return fmt.Errorf("write coff: %w", err)
		}
		if len(sec.Relocs) > 0xFFFF {
			return fmt.Errorf("write coff: section %s has too many relocations", sec.Name)
		}
		hdr := pe.SectionHeader32{
			Name:             name(sec.Name),
			SizeOfRawData:    uint32(len(data)),
			PointerToRawData: uint32(offset + body.Len()),
			Characteristics: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_CNT_INITIALIZED_DATA |
				pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE |
				coffAlign(sec.Align),
		}
		body.Write(data)
		if len(sec.Relocs) > 0 {
			hdr.PointerToRelocations = uint32(offset + body.Len())
			hdr.NumberOfRelocations = uint16(len(sec.Relocs))
			for _, r := range sec.Relocs {
				typ, err := coffRelocType(r.Kind)
				if err != nil {
					return fmt.Errorf("write coff: %w", err)
				}
				_ = binary.Write(&body, binary.LittleEndian, pe.Reloc{
					VirtualAddress:   uint32(r.Offset),
					SymbolTableIndex: symIndex[r.Symbol],
					Type:             typ,
				})
			}
		}
		headers = append(headers, hdr)
	}

	binary.LittleEndian.PutUint32(strs.Bytes(), uint32(strs.Len()))

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(o.Sections)),
		PointerToSymbolTable: uint32(offset + body.Len()),
		NumberOfSymbols:      uint32(len(symbols)),
	}

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, fh)
	_ = binary.Write(&out, binary.LittleEndian, headers)
	out.Write(body.Bytes())
	_ = binary.Write(&out, binary.LittleEndian, symbols)
	out.Write(strs.Bytes())
	if _, err := w.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write coff: %w", err)
	}
	return nil
}
