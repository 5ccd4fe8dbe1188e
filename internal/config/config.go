// Package config reads ccomp.yaml, the optional per-project compiler
// settings. Command-line flags override whatever the file selects.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/ir"
)

const (
	Filename = "ccomp.yaml"

	FormatELF  = "elf"
	FormatCOFF = "coff"
)

// CompilerVersion is the version checked against Config.Requires. Release
// builds set it with -ldflags "-X".
var CompilerVersion = "dev"

// Config is the contents of ccomp.yaml.
type Config struct {
	Version int `yaml:"version"`
	// Requires is the minimum compiler version, as a semantic version.
	Requires string `yaml:"requires,omitempty"`

	Target   TargetConfig   `yaml:"target"`
	Link     LinkConfig     `yaml:"link"`
	Optimize OptimizeConfig `yaml:"optimize"`
	Debug    DebugConfig    `yaml:"debug,omitempty"`
}

type TargetConfig struct {
	ABI    string `yaml:"abi"`
	Format string `yaml:"format"`
}

type LinkConfig struct {
	// Entry is the function the _start stub calls.
	Entry       string `yaml:"entry"`
	BaseAddress uint64 `yaml:"baseAddress,omitempty"`
}

type OptimizeConfig struct {
	Disable bool     `yaml:"disable,omitempty"`
	Passes  []string `yaml:"passes,omitempty"`
}

type DebugConfig struct {
	DumpIR bool `yaml:"dumpIR,omitempty"`
}

var passNames = map[string]ir.Pass{
	"peephole": ir.PassPeephole,
	"mem2reg":  ir.PassMem2Reg,
	"deadcode": ir.PassDeadCode,
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Target.ABI == "" {
		c.Target.ABI = abi.SysV.String()
	}
	if c.Target.Format == "" {
		c.Target.Format = FormatELF
	}
	if c.Link.Entry == "" {
		c.Link.Entry = "main"
	}
	if c.Link.BaseAddress == 0 {
		c.Link.BaseAddress = 0x401000
	}
	if len(c.Optimize.Passes) == 0 {
		c.Optimize.Passes = []string{"peephole", "mem2reg", "deadcode"}
	}
}

// Validate checks every field that has a fixed set of values.
func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if _, err := c.ABIKind(); err != nil {
		return err
	}
	switch c.Target.Format {
	case FormatELF, FormatCOFF:
	default:
		return fmt.Errorf("unknown output format %q", c.Target.Format)
	}
	if c.Link.BaseAddress%0x1000 != 0 {
		return fmt.Errorf("link base address %#x is not page aligned", c.Link.BaseAddress)
	}
	if _, err := c.PassMask(); err != nil {
		return err
	}
	if c.Requires != "" && !semver.IsValid(canonicalVersion(c.Requires)) {
		return fmt.Errorf("requires: %q is not a semantic version", c.Requires)
	}
	return nil
}

// ABIKind returns the selected calling convention.
func (c Config) ABIKind() (abi.Kind, error) {
	return abi.ParseKind(c.Target.ABI)
}

// PassMask returns the optimisation passes to run.
func (c Config) PassMask() (ir.Pass, error) {
	if c.Optimize.Disable {
		return 0, nil
	}
	var mask ir.Pass
	for _, name := range c.Optimize.Passes {
		p, ok := passNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown optimisation pass %q", name)
		}
		mask |= p
	}
	return mask, nil
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// CheckVersion fails when the compiler is older than the configuration
// requires. Development builds satisfy every requirement.
func (c Config) CheckVersion(current string) error {
	if c.Requires == "" {
		return nil
	}
	current = canonicalVersion(current)
	if current == "vdev" || !semver.IsValid(current) {
		return nil
	}
	if semver.Compare(current, canonicalVersion(c.Requires)) < 0 {
		return fmt.Errorf("%s requires ccomp %s or newer (this is %s)", Filename, c.Requires, current)
	}
	return nil
}

// Parse decodes and validates a configuration.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", Filename, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", Filename, err)
	}
	if err := c.CheckVersion(CompilerVersion); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads path. A missing file yields the defaults when optional is set.
func Load(path string, optional bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Find returns the path of the nearest ccomp.yaml in dir or its parents.
func Find(dir string) (string, bool) {
	for {
		path := filepath.Join(dir, Filename)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Write stores c with its defaults filled in.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
