package amd64

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tinyrange/ccomp/internal/asm"
)

// Format renders an instruction in AT&T syntax.
func Format(mnemonic string, ops ...asm.Operand) string {
	if len(ops) == 0 {
		return mnemonic
	}
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.String()
	}
	return mnemonic + " " + strings.Join(parts, ", ")
}

// TextWriter is an asm.Emitter producing a GNU as compatible .s stream.
// Every instruction is checked against the encoding table so that text and
// object output fail on the same inputs.
type TextWriter struct {
	w   *bufio.Writer
	err error
}

var _ asm.Emitter = (*TextWriter)(nil)

// NewTextWriter returns a writer emitting to w. Call Flush when done.
func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{w: bufio.NewWriter(w)}
}

func (t *TextWriter) printf(format string, args ...any) {
	if t.err != nil {
		return
	}
	if _, err := fmt.Fprintf(t.w, format, args...); err != nil {
		t.err = err
	}
}

func (t *TextWriter) Section(name string) {
	switch name {
	case ".text", ".data", ".bss":
		t.printf("\t%s\n", name)
	default:
		t.printf("\t.section %s\n", name)
	}
}

func (t *TextWriter) Global(name string) { t.printf("\t.globl %s\n", name) }

func (t *TextWriter) Label(name asm.Label) { t.printf("%s:\n", name) }

func (t *TextWriter) Ins(mnemonic string, ops ...asm.Operand) {
	if t.err != nil {
		return
	}
	if _, err := Encode(mnemonic, ops...); err != nil {
		t.err = err
		return
	}
	t.printf("\t%s\n", Format(mnemonic, ops...))
}

func (t *TextWriter) String(s string) { t.printf("\t.asciz %s\n", quote(s)) }

func (t *TextWriter) Bytes(data []byte) {
	for len(data) > 0 {
		n := min(len(data), 16)
		parts := make([]string, n)
		for i, b := range data[:n] {
			parts[i] = strconv.Itoa(int(b))
		}
		t.printf("\t.byte %s\n", strings.Join(parts, ","))
		data = data[n:]
	}
}

func (t *TextWriter) Zero(n int) {
	if n > 0 {
		t.printf("\t.zero %d\n", n)
	}
}

func (t *TextWriter) Align(n int) {
	if n > 1 {
		t.printf("\t.balign %d\n", n)
	}
}

func (t *TextWriter) Quad(symbol string, addend int64) {
	if symbol == "" {
		t.printf("\t.quad %d\n", addend)
		return
	}
	t.printf("\t.quad %s\n", symText(symbol, addend))
}

func (t *TextWriter) Err() error { return t.err }

// Flush writes buffered output and returns the first error seen.
func (t *TextWriter) Flush() error {
	if t.err != nil {
		return t.err
	}
	return t.w.Flush()
}

// quote renders s as a GNU as string literal using octal escapes only.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "\\%03o", c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
