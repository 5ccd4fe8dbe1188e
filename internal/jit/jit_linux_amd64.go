//go:build linux && amd64

package jit

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/ccomp/internal/obj"
)

// Load links the finished object o at a fresh anonymous mapping and makes
// it executable. entry names any defined symbol; it is only used to
// satisfy the linker.
func Load(o *obj.Object, entry string) (*Program, error) {
	// A first link at the default address sizes the segment.
	probe, err := linkAt(o, 0, entry)
	if err != nil {
		return nil, err
	}
	pageSize := unix.Getpagesize()
	size := (max(len(probe.Segment), 1) + pageSize - 1) / pageSize * pageSize

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap program: %w", err)
	}
	release := true
	defer func() {
		if release {
			_ = unix.Munmap(mem)
		}
	}()

	base := uint64(uintptr(unsafe.Pointer(&mem[0])))
	exe, err := linkAt(o, base, entry)
	if err != nil {
		return nil, err
	}
	copy(mem, exe.Segment)

	// Code and data share the segment, as in the executable.
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("jit: mprotect program: %w", err)
	}
	release = false
	return &Program{exe: exe, mem: mem}, nil
}

// Close unmaps the program.
func (p *Program) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	if err != nil {
		return fmt.Errorf("jit: munmap program: %w", err)
	}
	return nil
}

func call(addr uintptr, args []uintptr) uintptr {
	r1, _, _ := purego.SyscallN(addr, args...)
	return r1
}
