package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/compiler"
	"github.com/tinyrange/ccomp/internal/config"
	"github.com/tinyrange/ccomp/internal/diag"
	"github.com/tinyrange/ccomp/internal/jit"
)

// exitCode carries the result of a program started with -run.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	color := term.IsTerminal(int(os.Stderr.Fd()))
	os.Exit(report(os.Stderr, color, run(os.Args[1:], os.Stdout, os.Stderr)))
}

// report prints err and returns the process exit code for it.
func report(w io.Writer, color bool, err error) int {
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	diag.Printer{W: w, Color: color}.Error(err)
	return 1
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("ccomp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.String("o", "", "Output file (default: a.out, or <input>.o / <input>.s)")
	asmOnly := fs.Bool("S", false, "Emit assembly instead of machine code")
	objOnly := fs.Bool("c", false, "Emit a relocatable object instead of an executable")
	abiName := fs.String("abi", "", "Calling convention (sysv, microsoft)")
	format := fs.String("format", "", "Object file format (elf, coff)")
	entry := fs.String("entry", "", "Function called by the program entry point")
	configPath := fs.String("config", "", "Path to "+config.Filename+" (default: search from the input's directory)")
	noOpt := fs.Bool("O0", false, "Disable optimisation")
	dumpIR := fs.Bool("dump-ir", false, "Print the scheduled IR of every function to stderr")
	debug := fs.Bool("debug", false, "Enable debug logging")
	runProg := fs.Bool("run", false, "Run the entry function in process and exit with its result")
	version := fs.Bool("version", false, "Print the compiler version")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ccomp [flags] <file.go>\n\n")
		fmt.Fprintf(stderr, "Compile a program to x86-64 machine code.\n\n")
		fmt.Fprintf(stderr, "Examples:\n")
		fmt.Fprintf(stderr, "  ccomp -o hello hello.go\n")
		fmt.Fprintf(stderr, "  ccomp -c -abi microsoft -format coff lib.go\n")
		fmt.Fprintf(stderr, "  ccomp -S -O0 lib.go\n")
		fmt.Fprintf(stderr, "  ccomp -run hello.go\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *version {
		fmt.Fprintf(stdout, "ccomp %s\n", config.CompilerVersion)
		return nil
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one input file required")
	}
	input := fs.Arg(0)
	src, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	cfg, err := loadConfig(*configPath, filepath.Dir(input))
	if err != nil {
		return err
	}
	if *abiName != "" {
		cfg.Target.ABI = strings.ToLower(*abiName)
	}
	if *format != "" {
		cfg.Target.Format = strings.ToLower(*format)
	}
	if *entry != "" {
		cfg.Link.Entry = *entry
	}
	if *noOpt {
		cfg.Optimize.Disable = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if kind, _ := cfg.ABIKind(); *runProg && kind != abi.SysV {
		return fmt.Errorf("-run needs the sysv calling convention, not %s", kind)
	}

	emit := compiler.EmitExecutable
	switch {
	case *asmOnly:
		emit = compiler.EmitAssembly
	case *objOnly, *runProg:
		emit = compiler.EmitObject
	}
	opts := compiler.Options{
		Filename: input,
		Config:   cfg,
		Emit:     emit,
		Logger:   logger,
		Progress: !*debug && term.IsTerminal(int(os.Stderr.Fd())),
	}
	if *dumpIR || cfg.Debug.DumpIR {
		opts.DumpIR = stderr
	}

	logger.Debug("compiling", "input", input, "abi", cfg.Target.ABI, "emit", emit)
	res, err := compiler.Compile(string(src), opts)
	if err != nil {
		return err
	}

	if *runProg {
		return runEntry(res, cfg.Link.Entry)
	}

	path := *output
	if path == "" {
		path = defaultOutput(input, emit, cfg.Target.Format)
	}
	if err := compiler.WriteOutput(path, res, emit, cfg.Target.Format); err != nil {
		return err
	}
	logger.Debug("wrote output", "path", path)
	return nil
}

func loadConfig(path, dir string) (config.Config, error) {
	if path != "" {
		return config.Load(path, false)
	}
	found, ok := config.Find(dir)
	if !ok {
		return config.Default(), nil
	}
	slog.Debug("using config", "path", found)
	return config.Load(found, false)
}

func defaultOutput(input string, emit compiler.Emit, format string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	switch emit {
	case compiler.EmitAssembly:
		return base + ".s"
	case compiler.EmitObject:
		if format == config.FormatCOFF {
			return base + ".obj"
		}
		return base + ".o"
	}
	return "a.out"
}

func runEntry(res *compiler.Result, entry string) error {
	prog, err := jit.Load(res.Object, entry)
	if err != nil {
		return err
	}
	defer prog.Close()

	ret, err := prog.Call(entry)
	if err != nil {
		return err
	}
	if code := int(uint8(ret)); code != 0 {
		return exitCode(code)
	}
	return nil
}
