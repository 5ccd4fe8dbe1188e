// Package asm holds the architecture-neutral pieces of the assembler: labels,
// relocations and the Emitter contract the code generator writes through.
package asm

import "fmt"

// Variable identifies a machine register inside an architecture package.
type Variable int

// Label names a position in a section. Labels starting with ".L" are local to
// the object and never exported as symbols.
type Label string

// IsLocal reports whether the label is assembler-local.
func (l Label) IsLocal() bool {
	return len(l) >= 2 && l[0] == '.' && l[1] == 'L'
}

// RelocKind selects how a relocation field is computed.
type RelocKind uint8

const (
	// RelocAbs64 stores S + A as a 64-bit value.
	RelocAbs64 RelocKind = iota + 1
	// RelocAbs32S stores S + A as a sign-extended 32-bit value.
	RelocAbs32S
	// RelocPCRel32 stores S + A - P as a 32-bit value.
	RelocPCRel32
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs64:
		return "abs64"
	case RelocAbs32S:
		return "abs32s"
	case RelocPCRel32:
		return "pcrel32"
	default:
		return fmt.Sprintf("RelocKind(%d)", uint8(k))
	}
}

// Size returns the width of the patched field in bytes.
func (k RelocKind) Size() int {
	if k == RelocAbs64 {
		return 8
	}
	return 4
}

// Reloc is a deferred patch. Offset is relative to whatever byte sequence
// carries the relocation: an instruction while encoding, a section once the
// instruction has been placed.
type Reloc struct {
	Offset int
	Symbol string
	Addend int64
	Kind   RelocKind
}

func (r Reloc) String() string {
	return fmt.Sprintf("%s %s%+d @%d", r.Kind, r.Symbol, r.Addend, r.Offset)
}

// Operand is an architecture operand. String renders it in AT&T syntax.
type Operand interface {
	String() string
}

// Emitter receives the output of code generation. Implementations either
// print assembly text or assemble into an object.
type Emitter interface {
	Section(name string)
	Global(name string)
	Label(name Label)
	Ins(mnemonic string, ops ...Operand)
	String(s string)
	Bytes(data []byte)
	Zero(n int)
	Align(n int)
	Quad(symbol string, addend int64)
	// Err returns the first failure seen by the emitter.
	Err() error
}
