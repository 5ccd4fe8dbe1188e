// Package jit loads a linked program into executable memory of the current
// process and calls its functions directly.
package jit

import (
	"errors"
	"fmt"

	"github.com/tinyrange/ccomp/internal/obj"
)

// ErrUnsupported is returned on platforms that cannot run x86-64 System V
// code in process.
var ErrUnsupported = errors.New("jit: in-process execution requires linux/amd64")

// Program is an object linked at the address of its in-memory copy.
type Program struct {
	exe *obj.Executable
	mem []byte
}

// Symbol returns the address of a defined symbol.
func (p *Program) Symbol(name string) (uintptr, bool) {
	addr, ok := p.exe.Symbols[name]
	return uintptr(addr), ok
}

// Call invokes the named function with integer or pointer arguments and
// returns its integer result.
func (p *Program) Call(name string, args ...uintptr) (uintptr, error) {
	if p.mem == nil {
		return 0, fmt.Errorf("jit: program is closed")
	}
	addr, ok := p.Symbol(name)
	if !ok {
		return 0, fmt.Errorf("jit: symbol %q not defined", name)
	}
	return call(addr, args), nil
}

// linkAt links o so that its segment runs from base, or from the default
// address when base is zero.
func linkAt(o *obj.Object, base uint64, entry string) (*obj.Executable, error) {
	cfg := obj.DefaultLinkConfig()
	cfg.Entry = entry
	if base != 0 {
		cfg.BaseAddress = base
	}
	return obj.Link([]*obj.Object{o}, cfg)
}
