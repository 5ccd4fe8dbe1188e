// Package diag reports compiler failures.
//
// Internal-consistency failures (broken graph invariants, classification
// gaps) are not user errors: they panic with an *InternalError naming the
// file and line of the check that detected them. The pipeline entry point
// turns such a panic back into an error with Recover.
package diag

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/x/ansi"
)

// InternalError is an invariant violation detected inside the compiler.
type InternalError struct {
	File string
	Line int
	Msg  string
	Err  error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error at %s:%d: %s", e.File, e.Line, e.Msg)
}

func (e *InternalError) Unwrap() error { return e.Err }

// ErrNotImplemented is wrapped by errors raised through NotImplemented.
var ErrNotImplemented = errors.New("not implemented")

func here(skip int) (string, int) {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "???", 0
	}
	return filepath.Base(file), line
}

// Bug panics with an InternalError located at the caller.
func Bug(format string, args ...any) {
	file, line := here(1)
	panic(&InternalError{File: file, Line: line, Msg: fmt.Sprintf(format, args...)})
}

// Assert calls Bug when cond is false.
func Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	file, line := here(1)
	panic(&InternalError{File: file, Line: line, Msg: fmt.Sprintf(format, args...)})
}

// NotImplemented panics with an InternalError that matches ErrNotImplemented.
func NotImplemented(format string, args ...any) {
	file, line := here(1)
	panic(&InternalError{
		File: file,
		Line: line,
		Msg:  "not implemented: " + fmt.Sprintf(format, args...),
		Err:  ErrNotImplemented,
	})
}

// Recover converts an internal-error panic into *errp. Any other panic value
// is re-raised. Use as `defer diag.Recover(&err)`.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	e, ok := r.(*InternalError)
	if !ok {
		panic(r)
	}
	*errp = e
}

// Printer writes diagnostics, styling them with ANSI sequences when Color is set.
type Printer struct {
	W     io.Writer
	Color bool
}

var (
	errorStyle   = ansi.NewStyle().Bold().ForegroundColor(ansi.Red)
	warningStyle = ansi.NewStyle().Bold().ForegroundColor(ansi.Yellow)
	noteStyle    = ansi.NewStyle().Bold().ForegroundColor(ansi.Cyan)
)

func (p Printer) print(style ansi.Style, tag string, err error) {
	prefix := tag + ":"
	if p.Color {
		prefix = style.Styled(prefix)
	}
	fmt.Fprintf(p.W, "ccomp: %s %v\n", prefix, err)
}

// Error prints err as an error diagnostic. Internal errors get a note asking
// for a report since they are never caused by the input program.
func (p Printer) Error(err error) {
	p.print(errorStyle, "error", err)
	var ie *InternalError
	if errors.As(err, &ie) {
		p.print(noteStyle, "note", errors.New("this is a compiler bug"))
	}
}

// Warn prints a warning diagnostic.
func (p Printer) Warn(err error) {
	p.print(warningStyle, "warning", err)
}
