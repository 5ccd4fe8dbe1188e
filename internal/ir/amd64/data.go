package amd64

import (
	"fmt"
	"slices"

	"github.com/tinyrange/ccomp/internal/asm"
	"github.com/tinyrange/ccomp/internal/asm/amd64"
	"github.com/tinyrange/ccomp/internal/ir"
)

// StartSymbol is the entry point emitted by EmitStart.
const StartSymbol = "_start"

// EmitGlobals writes the initialized data of globals into .data.
func EmitGlobals(e asm.Emitter, globals []*ir.Global) error {
	if len(globals) == 0 {
		return nil
	}
	e.Section(".data")
	for _, g := range globals {
		if len(g.Data) > g.Size {
			return fmt.Errorf("global %s: %d bytes of data for a %d byte object", g.Name, len(g.Data), g.Size)
		}
		relocs := slices.Clone(g.Relocs)
		slices.SortFunc(relocs, func(a, b ir.GlobalReloc) int { return a.Offset - b.Offset })

		e.Align(g.Align)
		if g.Exported {
			e.Global(g.Name)
		}
		e.Label(asm.Label(g.Name))
		pos := 0
		for _, r := range relocs {
			if r.Offset < pos || r.Offset+8 > g.Size {
				return fmt.Errorf("global %s: relocation at %d overlaps or leaves the object", g.Name, r.Offset)
			}
			pos = emitSpan(e, g.Data, pos, r.Offset)
			e.Quad(r.Symbol, r.Addend)
			pos += 8
		}
		pos = emitSpan(e, g.Data, pos, len(g.Data))
		e.Zero(g.Size - pos)
	}
	return e.Err()
}

// emitSpan writes data[from:to], zero filling past the end of data, and
// returns to.
func emitSpan(e asm.Emitter, data []byte, from, to int) int {
	if from >= to {
		return from
	}
	end := min(to, len(data))
	if from < end {
		e.Bytes(data[from:end])
	}
	e.Zero(to - max(from, end))
	return to
}

// EmitStart writes a Linux entry point that calls entry and exits with its
// result.
func EmitStart(e asm.Emitter, entry string) error {
	e.Section(".text")
	e.Align(16)
	e.Global(StartSymbol)
	e.Label(StartSymbol)
	e.Ins("xorl", amd64.Reg32(amd64.RBP), amd64.Reg32(amd64.RBP))
	e.Ins("andq", amd64.I(-16), rsp)
	e.Ins("call", amd64.T(asm.Label(entry)))
	e.Ins("movl", amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RDI))
	e.Ins("movl", amd64.I(60), amd64.Reg32(amd64.RAX))
	e.Ins("syscall")
	return e.Err()
}
