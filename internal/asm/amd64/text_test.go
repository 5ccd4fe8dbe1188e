package amd64

import (
	"bytes"
	"errors"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{Format("movq", I(0x1234), Reg64(RAX)), "movq $4660, %rax"},
		{Format("movl", MemIndex(Reg64(RAX), Reg64(R9), 8).WithDisp(-16), Reg32(R10)), "movl -16(%rax,%r9,8), %r10d"},
		{Format("leaq", RIPRel("msg").WithDisp(4), Reg64(RDI)), "leaq msg+4(%rip), %rdi"},
		{Format("call", Star{Reg: Reg64(R11)}), "call *%r11"},
		{Format("movb", AH, Reg8(RDI)), "movb %ah, %dil"},
		{Format("movw", Reg16(R8), Mem(Reg64(RSP))), "movw %r8w, (%rsp)"},
		{Format("movsd", XMM12, Abs("table")), "movsd %xmm12, table"},
		{Format("ret"), "ret"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("Format=%q, want %q", tt.got, tt.want)
		}
	}
}

func TestTextWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewTextWriter(&buf)
	w.Section(".text")
	w.Global("main")
	w.Label("main")
	w.Ins("movl", I(0), Reg32(RAX))
	w.Ins("ret")
	w.Section(".data")
	w.Label(".LC0")
	w.String("hi\n\"x\"")
	w.Align(8)
	w.Quad("main", 8)
	w.Zero(4)
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	want := "\t.text\n\t.globl main\nmain:\n\tmovl $0, %eax\n\tret\n\t.data\n.LC0:\n\t.asciz \"hi\\012\\\"x\\\"\"\n\t.balign 8\n\t.quad main+8\n\t.zero 4\n"
	if got := buf.String(); got != want {
		t.Fatalf("output=\n%s\nwant\n%s", got, want)
	}
}

func TestTextWriterSelectionError(t *testing.T) {
	var buf bytes.Buffer
	w := NewTextWriter(&buf)
	w.Ins("movq", Reg32(RAX), Reg64(RBX))
	w.Ins("ret")
	var sel *SelectionError
	if err := w.Flush(); !errors.As(err, &sel) {
		t.Fatalf("Flush err=%v, want *SelectionError", err)
	}
	if sel.Text != "movq %eax, %rbx" {
		t.Fatalf("Text=%q", sel.Text)
	}
	if buf.Len() != 0 {
		t.Fatalf("wrote %q after failure", buf.String())
	}
}
