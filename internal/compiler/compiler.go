// Package compiler runs the whole pipeline: front end, optimisation,
// scheduling, code generation, object writing and linking.
package compiler

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/asm"
	"github.com/tinyrange/ccomp/internal/asm/amd64"
	"github.com/tinyrange/ccomp/internal/config"
	"github.com/tinyrange/ccomp/internal/diag"
	"github.com/tinyrange/ccomp/internal/front"
	"github.com/tinyrange/ccomp/internal/ir"
	iramd64 "github.com/tinyrange/ccomp/internal/ir/amd64"
	"github.com/tinyrange/ccomp/internal/obj"
)

// Emit selects what Compile produces.
type Emit int

const (
	EmitExecutable Emit = iota
	EmitObject
	EmitAssembly
)

func (e Emit) String() string {
	switch e {
	case EmitExecutable:
		return "executable"
	case EmitObject:
		return "object"
	case EmitAssembly:
		return "assembly"
	}
	return fmt.Sprintf("Emit(%d)", int(e))
}

type Options struct {
	// Filename is used in diagnostics.
	Filename string
	Config   config.Config
	Emit     Emit

	// Logger receives debug output. Nil discards it.
	Logger *slog.Logger
	// DumpIR, when set, receives the scheduled IR of every function.
	DumpIR io.Writer
	// Progress shows a progress bar on stderr while functions compile.
	Progress bool
}

// Result holds the output selected by Options.Emit. Object is also set
// for executables.
type Result struct {
	Asm        string
	Object     *obj.Object
	Executable *obj.Executable
}

// Compile translates src into the output selected by opts.
func Compile(src string, opts Options) (res *Result, err error) {
	defer diag.Recover(&err)

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config
	if cfg.Version == 0 {
		cfg = config.Default()
	}
	kind, err := cfg.ABIKind()
	if err != nil {
		return nil, err
	}
	passes, err := cfg.PassMask()
	if err != nil {
		return nil, err
	}

	u, err := front.Compile(opts.Filename, src, abi.New(kind))
	if err != nil {
		return nil, err
	}
	logger.Debug("parsed", "file", opts.Filename, "abi", kind, "functions", len(u.Funcs), "globals", len(u.Globals))

	scheds, err := optimize(u, passes, logger, opts)
	if err != nil {
		return nil, err
	}

	res = &Result{}
	if opts.Emit == EmitAssembly {
		var buf bytes.Buffer
		w := amd64.NewTextWriter(&buf)
		if err := emit(u, scheds, kind, w, ""); err != nil {
			return nil, err
		}
		if err := w.Flush(); err != nil {
			return nil, err
		}
		res.Asm = buf.String()
		return res, nil
	}

	entry := ""
	if opts.Emit == EmitExecutable {
		entry = cfg.Link.Entry
	}
	o := obj.Start()
	if err := emit(u, scheds, kind, obj.NewAssembler(o), entry); err != nil {
		return nil, err
	}
	if err := o.Finish(); err != nil {
		return nil, err
	}
	res.Object = o
	if opts.Emit == EmitObject {
		return res, nil
	}

	link := obj.DefaultLinkConfig()
	link.Entry = iramd64.StartSymbol
	link.BaseAddress = cfg.Link.BaseAddress
	exe, err := obj.Link([]*obj.Object{o}, link)
	if err != nil {
		return nil, err
	}
	logger.Debug("linked", "entry", cfg.Link.Entry, "base", fmt.Sprintf("%#x", exe.Config.BaseAddress), "size", len(exe.Segment))
	res.Executable = exe
	return res, nil
}

// optimize runs the configured passes over every function and schedules
// the result.
func optimize(u *ir.Unit, passes ir.Pass, logger *slog.Logger, opts Options) ([]*ir.Schedule, error) {
	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.Default(int64(len(u.Funcs)), "compiling")
		defer bar.Close()
	}

	scheds := make([]*ir.Schedule, len(u.Funcs))
	for i, fn := range u.Funcs {
		stats := ir.Optimize(fn, passes)
		logger.Debug("optimized", "func", fn.Name,
			slog.Int("peephole", stats.Peephole),
			slog.Int("mem2reg", stats.Mem2Reg),
			slog.Int("deadcode", stats.DeadCode))
		if err := fn.Graph.Verify(); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name, err)
		}
		scheds[i] = fn.Schedule()
		if opts.DumpIR != nil {
			if err := ir.Dump(opts.DumpIR, fn, scheds[i]); err != nil {
				return nil, err
			}
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	return scheds, nil
}

// emit generates every function and global, plus the process entry stub
// when entry is set.
func emit(u *ir.Unit, scheds []*ir.Schedule, kind abi.Kind, e asm.Emitter, entry string) error {
	if entry != "" && !defines(u, entry) {
		return fmt.Errorf("entry function %s is not defined", entry)
	}
	if err := iramd64.Compile(u, scheds, kind, e); err != nil {
		return err
	}
	if entry != "" {
		return iramd64.EmitStart(e, entry)
	}
	return nil
}

func defines(u *ir.Unit, name string) bool {
	for _, fn := range u.Funcs {
		if fn.Name == name {
			return true
		}
	}
	return false
}

// WriteOutput stores the part of res selected by kind at path. Objects
// use format; executables are always ELF. The file is replaced
// atomically.
func WriteOutput(path string, res *Result, kind Emit, format string) error {
	var buf bytes.Buffer
	mode := os.FileMode(0o644)
	switch kind {
	case EmitAssembly:
		buf.WriteString(res.Asm)
	case EmitObject:
		switch format {
		case config.FormatCOFF:
			if err := obj.WriteCOFF(&buf, res.Object); err != nil {
				return err
			}
		default:
			if err := obj.WriteELF(&buf, res.Object); err != nil {
				return err
			}
		}
	case EmitExecutable:
		if err := obj.WriteExecutable(&buf, res.Executable); err != nil {
			return err
		}
		mode = 0o755
	default:
		return fmt.Errorf("unknown output kind %v", kind)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ccomp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
