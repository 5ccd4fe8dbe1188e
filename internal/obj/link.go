package obj

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/ccomp/internal/asm"
)

// ErrMultipleObjects is returned when Link is given more than one object.
var ErrMultipleObjects = errors.New("linking more than one object is not supported")

// Executable is a linked image: one segment loaded at Config.BaseAddress.
type Executable struct {
	Config  LinkConfig
	Entry   uint64
	Segment []byte
	// Symbols maps every defined symbol to its virtual address. When a
	// local name repeats, a global symbol of that name wins, otherwise the
	// first definition does.
	Symbols map[string]uint64
}

// Link concatenates the sections of a single finished object into one
// segment, resolves every relocation against the segment's load address and
// selects cfg.Entry as the entry point.
func Link(objs []*Object, cfg LinkConfig) (*Executable, error) {
	switch {
	case len(objs) == 0:
		return nil, fmt.Errorf("link: no input objects")
	case len(objs) > 1:
		return nil, fmt.Errorf("link: %w (got %d)", ErrMultipleObjects, len(objs))
	}
	o := objs[0]
	if !o.Finished() {
		return nil, fmt.Errorf("link: object not finished")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}

	var segment []byte
	start := make(map[*Section]uint64)
	for _, sec := range o.Sections {
		align := max(sec.Align, 1)
		for len(segment)%align != 0 {
			segment = append(segment, 0)
		}
		start[sec] = cfg.BaseAddress + uint64(len(segment))
		segment = append(segment, sec.Data...)
	}

	exe := &Executable{
		Config:  cfg,
		Segment: segment,
		Symbols: make(map[string]uint64),
	}
	addr := func(s *Symbol) uint64 { return start[s.Section] + uint64(s.Offset) }
	global := make(map[string]bool)
	for _, s := range o.Symbols {
		if !s.Defined() {
			continue
		}
		if _, seen := exe.Symbols[s.Name]; seen && (global[s.Name] || !s.Global) {
			continue
		}
		exe.Symbols[s.Name] = addr(s)
		global[s.Name] = s.Global
	}

	for _, sec := range o.Sections {
		for _, r := range sec.Relocs {
			if !r.Symbol.Defined() {
				return nil, fmt.Errorf("link: undefined symbol %q", r.Symbol.Name)
			}
			target := addr(r.Symbol)
			place := start[sec] + uint64(r.Offset)
			field := segment[place-cfg.BaseAddress:]
			switch r.Kind {
			case asm.RelocAbs64:
				binary.LittleEndian.PutUint64(field, target+uint64(r.Addend))
			case asm.RelocAbs32S:
				v := int64(target) + r.Addend
				if v < math.MinInt32 || v > math.MaxInt32 {
					return nil, fmt.Errorf("link: address of %q does not fit in 32 bits", r.Symbol.Name)
				}
				binary.LittleEndian.PutUint32(field, uint32(int32(v)))
			case asm.RelocPCRel32:
				v := int64(target) + r.Addend - int64(place)
				if v < math.MinInt32 || v > math.MaxInt32 {
					return nil, fmt.Errorf("link: reference to %q out of range", r.Symbol.Name)
				}
				binary.LittleEndian.PutUint32(field, uint32(int32(v)))
			default:
				return nil, fmt.Errorf("link: unsupported relocation kind %s", r.Kind)
			}
		}
	}

	entry, ok := exe.Symbols[cfg.Entry]
	if !ok {
		return nil, fmt.Errorf("link: entry symbol %q not defined", cfg.Entry)
	}
	exe.Entry = entry
	return exe, nil
}
