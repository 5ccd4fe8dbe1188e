package testutil

import (
	"fmt"
	"strings"
	"testing"
)

// Expectation is one instruction that must appear in a disassembly.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) String() string {
	if len(e.Contains) == 0 {
		return e.Mnemonic
	}
	return e.Mnemonic + " " + strings.Join(e.Contains, " ")
}

func (e Expectation) matches(line DisasmLine) bool {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return false
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return false
		}
	}
	return true
}

// VerifyExpectations checks that expect occurs in lines as a subsequence.
// Instructions between two expected ones, such as alignment nops, are
// skipped.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	pos := 0
	for _, exp := range expect {
		start := pos
		for pos < len(lines) && !exp.matches(lines[pos]) {
			pos++
		}
		if pos == len(lines) {
			t.Fatalf("instruction %q (%s) not found after line %d:\n%s", exp.Name, exp, start, listing(lines[start:]))
		}
		pos++
	}
}

func listing(lines []DisasmLine) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "\t%s\n", l.Text)
	}
	return b.String()
}
