package obj

import (
	"fmt"

	"github.com/tinyrange/ccomp/internal/asm"
	"github.com/tinyrange/ccomp/internal/asm/amd64"
)

// Assembler is an asm.Emitter that encodes straight into an Object.
type Assembler struct {
	obj *Object
	cur *Section
	err error
}

var _ asm.Emitter = (*Assembler)(nil)

// NewAssembler returns an emitter writing into o, starting in .text.
func NewAssembler(o *Object) *Assembler {
	return &Assembler{obj: o, cur: o.Section(".text")}
}

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) Section(name string) { a.cur = a.obj.Section(name) }

func (a *Assembler) Global(name string) { a.obj.SetGlobal(name) }

func (a *Assembler) Label(name asm.Label) {
	if err := a.obj.Define(string(name), a.cur, len(a.cur.Data)); err != nil {
		a.fail(err)
	}
}

func (a *Assembler) Ins(mnemonic string, ops ...asm.Operand) {
	if a.err != nil {
		return
	}
	inst, err := amd64.Encode(mnemonic, ops...)
	if err != nil {
		a.fail(err)
		return
	}
	base := len(a.cur.Data)
	a.cur.Data = append(a.cur.Data, inst.Bytes...)
	for _, r := range inst.Relocs {
		a.obj.AddReloc(a.cur, base+r.Offset, r.Symbol, r.Addend, r.Kind)
	}
}

func (a *Assembler) String(s string) {
	a.cur.Data = append(a.cur.Data, s...)
	a.cur.Data = append(a.cur.Data, 0)
}

func (a *Assembler) Bytes(data []byte) { a.cur.Data = append(a.cur.Data, data...) }

func (a *Assembler) Zero(n int) {
	if n > 0 {
		a.cur.Data = append(a.cur.Data, make([]byte, n)...)
	}
}

func (a *Assembler) Align(n int) {
	if n <= 1 {
		return
	}
	if n&(n-1) != 0 {
		a.fail(fmt.Errorf("alignment %d is not a power of two", n))
		return
	}
	a.cur.Align = max(a.cur.Align, n)
	pad := byte(0)
	if a.cur.Executable() {
		pad = 0x90
	}
	for len(a.cur.Data)%n != 0 {
		a.cur.Data = append(a.cur.Data, pad)
	}
}

func (a *Assembler) Quad(symbol string, addend int64) {
	off := len(a.cur.Data)
	a.cur.Data = append(a.cur.Data, make([]byte, 8)...)
	if symbol == "" {
		for i := range 8 {
			a.cur.Data[off+i] = byte(uint64(addend) >> (8 * i))
		}
		return
	}
	a.obj.AddReloc(a.cur, off, symbol, addend, asm.RelocAbs64)
}

func (a *Assembler) Err() error { return a.err }
