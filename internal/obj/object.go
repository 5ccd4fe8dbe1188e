// Package obj is the in-memory linkable object model: sections, symbols and
// relocations, plus the ELF and COFF writers and a single segment linker.
package obj

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/ccomp/internal/asm"
)

// Section is an append-only byte section.
type Section struct {
	Name   string
	Data   []byte
	Align  int
	Relocs []Relocation
}

// Executable reports whether the section holds code.
func (s *Section) Executable() bool { return s.Name == ".text" }

// Symbol is either defined at an offset inside Section or external when
// Section is nil.
type Symbol struct {
	Name    string
	Section *Section
	Offset  int
	Global  bool
}

// Defined reports whether the symbol has a definition in this object.
func (s *Symbol) Defined() bool { return s.Section != nil }

// Relocation patches the field at Offset inside its owning section.
type Relocation struct {
	Offset int
	Symbol *Symbol
	Addend int64
	Kind   asm.RelocKind
}

// Object is one translation unit's worth of sections and symbols.
type Object struct {
	Sections []*Section
	Symbols  []*Symbol

	byName   map[string]*Symbol
	finished bool
}

// Start begins construction of a new object.
func Start() *Object {
	return &Object{byName: make(map[string]*Symbol)}
}

// Section returns the named section, creating it on first use.
func (o *Object) Section(name string) *Section {
	for _, s := range o.Sections {
		if s.Name == name {
			return s
		}
	}
	s := &Section{Name: name, Align: 1}
	o.Sections = append(o.Sections, s)
	return s
}

// Symbol returns the named symbol, creating an undefined one on first use.
func (o *Object) Symbol(name string) *Symbol {
	if s, ok := o.byName[name]; ok {
		return s
	}
	s := &Symbol{Name: name}
	o.byName[name] = s
	o.Symbols = append(o.Symbols, s)
	return s
}

// Lookup returns the named symbol if it has been referenced or defined.
func (o *Object) Lookup(name string) (*Symbol, bool) {
	s, ok := o.byName[name]
	return s, ok
}

// Define binds name to the current end of sec.
func (o *Object) Define(name string, sec *Section, offset int) error {
	s := o.Symbol(name)
	if s.Defined() {
		return fmt.Errorf("symbol %q already defined", name)
	}
	s.Section = sec
	s.Offset = offset
	return nil
}

// SetGlobal marks name as exported.
func (o *Object) SetGlobal(name string) {
	o.Symbol(name).Global = true
}

// AddReloc records a relocation against sym at offset in sec.
func (o *Object) AddReloc(sec *Section, offset int, sym string, addend int64, kind asm.RelocKind) {
	sec.Relocs = append(sec.Relocs, Relocation{
		Offset: offset,
		Symbol: o.Symbol(sym),
		Addend: addend,
		Kind:   kind,
	})
}

// Finish completes the object. PC-relative references to assembler-local
// labels in the same section are resolved in place; every other reference to
// an undefined name becomes an external symbol. Finish fails if a relocation
// field lies outside its section.
func (o *Object) Finish() error {
	if o.finished {
		return fmt.Errorf("object already finished")
	}
	for _, sec := range o.Sections {
		kept := sec.Relocs[:0]
		for _, r := range sec.Relocs {
			if r.Offset < 0 || r.Offset+r.Kind.Size() > len(sec.Data) {
				return fmt.Errorf("relocation against %q at %s+%d outside section of %d bytes",
					r.Symbol.Name, sec.Name, r.Offset, len(sec.Data))
			}
			local := asm.Label(r.Symbol.Name).IsLocal()
			if local && !r.Symbol.Defined() {
				return fmt.Errorf("undefined label %q", r.Symbol.Name)
			}
			if local && r.Kind == asm.RelocPCRel32 && r.Symbol.Section == sec {
				v := int64(r.Symbol.Offset) + r.Addend - int64(r.Offset)
				if v < math.MinInt32 || v > math.MaxInt32 {
					return fmt.Errorf("branch to %q out of range", r.Symbol.Name)
				}
				binary.LittleEndian.PutUint32(sec.Data[r.Offset:], uint32(int32(v)))
				continue
			}
			kept = append(kept, r)
		}
		sec.Relocs = kept
	}
	for _, s := range o.Symbols {
		if !s.Defined() {
			s.Global = true
		}
	}
	o.finished = true
	return nil
}

// Finished reports whether Finish has completed.
func (o *Object) Finished() bool { return o.finished }

// orderedSymbols returns the symbols that belong in a symbol table: locals
// first, then globals. Unreferenced assembler-local labels are dropped.
func (o *Object) orderedSymbols() (locals, globals []*Symbol) {
	referenced := make(map[*Symbol]bool)
	for _, sec := range o.Sections {
		for _, r := range sec.Relocs {
			referenced[r.Symbol] = true
		}
	}
	for _, s := range o.Symbols {
		switch {
		case s.Global:
			globals = append(globals, s)
		case asm.Label(s.Name).IsLocal() && !referenced[s]:
		default:
			locals = append(locals, s)
		}
	}
	return locals, globals
}

func (o *Object) sectionIndex(sec *Section) int {
	for i, s := range o.Sections {
		if s == sec {
			return i
		}
	}
	return -1
}
