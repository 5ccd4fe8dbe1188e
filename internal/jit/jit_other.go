//go:build !(linux && amd64)

package jit

import "github.com/tinyrange/ccomp/internal/obj"

// Load is only available on linux/amd64.
func Load(o *obj.Object, entry string) (*Program, error) {
	return nil, ErrUnsupported
}

// Close releases the program.
func (p *Program) Close() error { return nil }

func call(addr uintptr, args []uintptr) uintptr { return 0 }
