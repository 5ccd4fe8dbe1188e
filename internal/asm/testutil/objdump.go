package testutil

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const (
	// MachineX86_64 is the ELF e_machine value for AMD64.
	MachineX86_64 = uint16(elf.EM_X86_64)
)

// DisasmLine represents a single instruction line emitted by objdump.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// DisassembleWithObjdump wraps the provided code bytes into a minimal ELF for
// the supplied machine type and runs GNU objdump -d --no-show-raw-insn.
func DisassembleWithObjdump(t *testing.T, code []byte, machine uint16, extraArgs ...string) []DisasmLine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "code.o")
	if err := os.WriteFile(path, buildMinimalELF(code, machine), 0o644); err != nil {
		t.Fatalf("write temp ELF: %v", err)
	}
	return DisassembleFile(t, path, extraArgs...)
}

// DisassembleFile runs objdump -d on an object or executable already on disk.
// The test is skipped when objdump is not installed.
func DisassembleFile(t *testing.T, path string, extraArgs ...string) []DisasmLine {
	t.Helper()

	toolPath, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}

	args := append([]string{"-d", "--no-show-raw-insn"}, extraArgs...)
	args = append(args, path)
	output, err := exec.Command(toolPath, args...).CombinedOutput()
	if err != nil {
		t.Fatalf("objdump failed: %v\n\n%s", err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", output)
	}
	return lines
}

// buildMinimalELF places code in the .text section of a relocatable object
// that carries nothing else but the section name table.
func buildMinimalELF(code []byte, machine uint16) []byte {
	const textAlign = 16

	shstr := []byte("\x00.text\x00.shstrtab\x00")
	textOff := uint64(binary.Size(elf.Header64{}))
	shstrOff := textOff + uint64(align(len(code), textAlign))
	shOff := shstrOff + uint64(align(len(shstr), 8))

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   machine,
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    uint16(binary.Size(elf.Header64{})),
		Shentsize: uint16(binary.Size(elf.Section64{})),
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Off:       textOff,
			Size:      uint64(len(code)),
			Addralign: textAlign,
		},
		{
			Name:      uint32(len("\x00.text\x00")),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       shstrOff,
			Size:      uint64(len(shstr)),
			Addralign: 1,
		},
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(code)
	buf.Write(make([]byte, int(shstrOff)-buf.Len()))
	buf.Write(shstr)
	buf.Write(make([]byte, int(shOff)-buf.Len()))
	_ = binary.Write(&buf, binary.LittleEndian, sections)
	return buf.Bytes()
}

// parseObjdumpOutput keeps the instruction lines of an objdump listing,
// dropping headers, symbol labels and -r relocation annotations.
func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	var lines []DisasmLine
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		raw := scanner.Text()
		_, text, ok := strings.Cut(raw, ":")
		if !ok || strings.Contains(raw, "R_X86_64_") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		switch first := fields[0]; {
		case strings.HasPrefix(first, "<"), strings.HasPrefix(first, "."), first == "file":
			continue
		}
		lines = append(lines, DisasmLine{
			Text:       strings.TrimSpace(text),
			Normalized: strings.Join(fields, " "),
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read objdump output: %w", err)
	}
	return lines, nil
}

func align(n, boundary int) int {
	return (n + boundary - 1) / boundary * boundary
}
