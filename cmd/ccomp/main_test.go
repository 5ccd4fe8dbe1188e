package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/x/vt"

	"github.com/tinyrange/ccomp/internal/diag"
)

const program = `package main

func square(x int64) int64 {
	return x * x
}

func main() int32 {
	return int32(square(6))
}
`

func writeInput(t *testing.T, dir, src string) string {
	t.Helper()
	path := filepath.Join(dir, "prog.go")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func TestRunAssembly(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, program)
	out := filepath.Join(dir, "prog.s")
	var stdout, stderr bytes.Buffer
	if err := run([]string{"-S", "-o", out, input}, &stdout, &stderr); err != nil {
		t.Fatalf("run failed: %v (stderr %q)", err, stderr.String())
	}
	text, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(text), "square:") {
		t.Fatalf("assembly missing square:\n%s", text)
	}
}

func TestRunObjectFormats(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, program)
	for _, tt := range []struct {
		args  []string
		magic []byte
	}{
		{[]string{"-c"}, []byte("\x7fELF")},
		{[]string{"-c", "-abi", "microsoft", "-format", "coff"}, []byte{0x64, 0x86}},
	} {
		out := filepath.Join(dir, "out.o")
		args := append(append([]string{}, tt.args...), "-o", out, input)
		var stdout, stderr bytes.Buffer
		if err := run(args, &stdout, &stderr); err != nil {
			t.Fatalf("%v: run failed: %v", tt.args, err)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		if !bytes.HasPrefix(data, tt.magic) {
			t.Fatalf("%v: output starts %x, want %x", tt.args, data[:4], tt.magic)
		}
	}
}

func writeConfig(t *testing.T, dir, text string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "ccomp.yaml"), []byte(text), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestRunConfigFile(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, program)
	writeConfig(t, dir, "version: 1\ntarget:\n  abi: microsoft\n  format: coff\n")

	out := filepath.Join(dir, "prog.obj")
	var stdout, stderr bytes.Buffer
	if err := run([]string{"-c", "-o", out, input}, &stdout, &stderr); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil || !bytes.HasPrefix(data, []byte{0x64, 0x86}) {
		t.Fatalf("ccomp.yaml did not select COFF (err=%v)", err)
	}

	// Flags override the file.
	if err := run([]string{"-c", "-format", "elf", "-o", out, input}, &stdout, &stderr); err != nil {
		t.Fatalf("run with override failed: %v", err)
	}
	data, err = os.ReadFile(out)
	if err != nil || !bytes.HasPrefix(data, []byte("\x7fELF")) {
		t.Fatalf("-format elf did not override ccomp.yaml (err=%v)", err)
	}

	writeConfig(t, dir, "version: 1\ntarget:\n  format: pdp11\n")
	err = run([]string{"-c", input}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "pdp11") {
		t.Fatalf("err=%v, want unknown format from ccomp.yaml", err)
	}
}

func TestRunUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(nil, &stdout, &stderr); err == nil {
		t.Fatalf("run without input succeeded")
	}
	if !strings.Contains(stderr.String(), "Usage: ccomp") {
		t.Fatalf("usage not printed: %q", stderr.String())
	}

	stdout.Reset()
	if err := run([]string{"-version"}, &stdout, &stderr); err != nil {
		t.Fatalf("-version failed: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "ccomp ") {
		t.Fatalf("version output=%q", stdout.String())
	}

	dir := t.TempDir()
	input := writeInput(t, dir, program)
	err := run([]string{"-run", "-abi", "microsoft", input}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "sysv") {
		t.Fatalf("err=%v, want -run to reject the microsoft convention", err)
	}
}

func TestReportExitCodes(t *testing.T) {
	var buf bytes.Buffer
	if code := report(&buf, false, nil); code != 0 || buf.Len() != 0 {
		t.Fatalf("nil error: code=%d output=%q", code, buf.String())
	}
	if code := report(&buf, false, exitCode(36)); code != 36 || buf.Len() != 0 {
		t.Fatalf("exit code: code=%d output=%q", code, buf.String())
	}
	if code := report(&buf, false, errors.New("boom")); code != 1 {
		t.Fatalf("error: code=%d, want 1", code)
	}
	if buf.String() != "ccomp: error: boom\n" {
		t.Fatalf("output=%q", buf.String())
	}
}

func TestReportColorRendering(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "package main\n\nfunc f() int32 { return y }\n")
	var stdout, stderr bytes.Buffer
	err := run([]string{"-c", input}, &stdout, &stderr)
	if err == nil {
		t.Fatalf("run succeeded, want undefined identifier")
	}

	emu := vt.NewSafeEmulator(200, 10)
	defer emu.Close()
	report(emu, true, err)

	var line strings.Builder
	for x := 0; x < 200; x++ {
		cell := emu.CellAt(x, 0)
		if cell == nil || cell.Content == "" {
			line.WriteByte(' ')
			continue
		}
		line.WriteString(cell.Content)
	}
	text := strings.TrimRight(line.String(), " ")
	if !strings.HasPrefix(text, "ccomp: error: front: ") || !strings.HasSuffix(text, "undefined: y") {
		t.Fatalf("rendered line=%q", text)
	}

	tag := strings.Index(text, "error:")
	cell := emu.CellAt(tag, 0)
	if cell.Style.Fg == nil || uint8(cell.Style.Attrs)&1 == 0 {
		t.Fatalf("error tag is not bold and coloured: %+v", cell.Style)
	}
	if plain := emu.CellAt(0, 0); plain.Style.Fg != nil {
		t.Fatalf("program name is coloured: %+v", plain.Style)
	}
	msg := emu.CellAt(len(text)-1, 0)
	if msg.Style.Fg != nil {
		t.Fatalf("message is coloured: %+v", msg.Style)
	}

	var internal bytes.Buffer
	report(&internal, false, &diag.InternalError{File: "gcm.go", Line: 12, Msg: "no block"})
	if !strings.Contains(internal.String(), "compiler bug") {
		t.Fatalf("internal error output=%q", internal.String())
	}
}
