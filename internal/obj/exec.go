package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

var (
	// defaultLinkConfig holds the defaults used when linking executables. It
	// is a var so tests within the package can refer to the same values while
	// keeping the exported helper immutable.
	defaultLinkConfig = LinkConfig{
		Entry:            "_start",
		BaseAddress:      0x401000,
		SegmentOffset:    0x1000,
		SegmentAlignment: 0x1000,
		SegmentFlags:     elf.PF_R | elf.PF_W | elf.PF_X,
	}
)

// LinkConfig controls where Link places the segment and how
// WriteExecutable describes it.
type LinkConfig struct {
	// Entry names the symbol that becomes the entry point.
	Entry string
	// BaseAddress is the virtual address where the first byte of the segment
	// will be loaded. Relocations are resolved against this address.
	BaseAddress uint64
	// SegmentOffset is the file offset where the loadable segment begins. This
	// must be aligned to SegmentAlignment and large enough to fit the ELF and
	// program headers placed before the segment.
	SegmentOffset uint64
	// SegmentAlignment is the alignment requirement for the loadable segment.
	SegmentAlignment uint64
	// SegmentFlags controls the permission bits on the loadable segment. The
	// default marks the segment readable, writable, and executable so data
	// and code can share it.
	SegmentFlags elf.ProgFlag
}

// DefaultLinkConfig returns the configuration used by Link when no overrides
// are provided.
func DefaultLinkConfig() LinkConfig {
	return defaultLinkConfig
}

func (cfg LinkConfig) withDefaults() LinkConfig {
	defaults := DefaultLinkConfig()
	if cfg.Entry == "" {
		cfg.Entry = defaults.Entry
	}
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = defaults.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = defaults.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = defaults.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = defaults.SegmentFlags
	}
	return cfg
}

func (cfg LinkConfig) validate() error {
	headerSize := uint64(elfHeaderSize + elfProgramHeaderSize)
	if cfg.SegmentOffset < headerSize {
		return fmt.Errorf("segment offset %#x too small for ELF headers (%#x)", cfg.SegmentOffset, headerSize)
	}
	if cfg.SegmentAlignment == 0 || cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("segment offset %#x must be aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.BaseAddress < cfg.SegmentOffset {
		return fmt.Errorf("base address %#x must be >= segment offset %#x", cfg.BaseAddress, cfg.SegmentOffset)
	}
	if (cfg.BaseAddress-cfg.SegmentOffset)%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("base address %#x must satisfy alignment relative to offset %#x (align %#x)", cfg.BaseAddress, cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset > uint64(maxInt) {
		return fmt.Errorf("segment offset %#x exceeds platform limits", cfg.SegmentOffset)
	}
	return nil
}

// WriteExecutable emits exe as a static ELF executable with one PT_LOAD
// segment and no section table.
func WriteExecutable(w io.Writer, exe *Executable) error {
	cfg := exe.Config
	size := uint64(len(exe.Segment))

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     exe.Entry,
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: elfProgramHeaderSize,
		Phnum:     1,
	}
	fillIdent(&hdr.Ident)
	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(cfg.SegmentFlags),
		Off:    cfg.SegmentOffset,
		Vaddr:  cfg.BaseAddress,
		Paddr:  cfg.BaseAddress,
		Filesz: size,
		Memsz:  size,
		Align:  cfg.SegmentAlignment,
	}

	var buf bytes.Buffer
	buf.Grow(int(cfg.SegmentOffset) + len(exe.Segment))
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	_ = binary.Write(&buf, binary.LittleEndian, &prog)
	buf.Write(make([]byte, int(cfg.SegmentOffset)-buf.Len()))
	buf.Write(exe.Segment)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write executable: %w", err)
	}
	return nil
}

func init() {
	if err := defaultLinkConfig.validate(); err != nil {
		panic(err)
	}
}

const maxInt = int(^uint(0) >> 1)
