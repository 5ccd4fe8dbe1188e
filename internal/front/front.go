// Package front lowers a small C-like language written in Go syntax into
// the ir graph. It exists to drive the backend end to end: every construct
// is lowered through ir.Builder and the abi.ABI calling convention, never
// by touching the graph directly.
//
// The accepted language is package main with struct type declarations,
// package-level constants and variables, and functions with at most one
// result. A trailing `...any` parameter makes a function variadic and its
// arguments are read with the va_start and va_arg builtins. Functions
// declared without a body are external. Locals live in stack slots that the
// mem2reg pass promotes afterwards.
package front

import (
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/diag"
	"github.com/tinyrange/ccomp/internal/ir"
)

// local is a variable in a function scope: the address of its stack slot.
type local struct {
	addr ir.NodeID
	typ  *ctype.Type
}

type scope struct {
	parent *scope
	vars   map[string]local
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, vars: make(map[string]local)}
}

func (s *scope) lookup(name string) (local, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if l, ok := cur.vars[name]; ok {
			return l, true
		}
	}
	return local{}, false
}

func (s *scope) define(name string, l local) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	if _, exists := s.vars[name]; exists {
		return fmt.Errorf("identifier %q already defined", name)
	}
	s.vars[name] = l
	return nil
}

// function is a declared function.
type function struct {
	name string
	sig  *ctype.Type
	decl *ast.FuncDecl
}

// global is a package-level variable.
type global struct {
	name string
	typ  *ctype.Type
}

// branchTarget collects the blocks that leave a loop or switch through
// break and continue.
type branchTarget struct {
	breaks    []ir.NodeID
	continues []ir.NodeID
	// loop is false for switch statements, which only take break.
	loop bool
}

// Compiler holds the state for lowering one source file.
type Compiler struct {
	fset *token.FileSet
	file *ast.File
	abi  abi.ABI
	unit *ir.Unit
	b    *ir.Builder

	named     map[string]*namedType
	constants map[string]constant.Value
	funcs     map[string]*function
	globals   map[string]*global

	// Per function.
	fn      *function
	scope   *scope
	targets []*branchTarget
}

// Error is a source error with its position.
type Error struct {
	Pos token.Position
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("front: %s: %s", e.Pos, e.Msg)
}

// Compile parses src and lowers it into a new unit for the calling
// convention a.
func Compile(filename, src string, a abi.ABI) (u *ir.Unit, err error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.AllErrors)
	if err != nil {
		return nil, fmt.Errorf("front: parse: %w", err)
	}
	u = ir.NewUnit()
	c := &Compiler{
		fset:      fset,
		file:      file,
		abi:       a,
		unit:      u,
		b:         ir.NewBuilder(u),
		named:     make(map[string]*namedType),
		constants: make(map[string]constant.Value),
		funcs:     make(map[string]*function),
		globals:   make(map[string]*global),
	}
	defer diag.Recover(&err)
	if err := c.compile(); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Compiler) errorf(n ast.Node, format string, args ...any) error {
	var pos token.Position
	if n != nil {
		pos = c.fset.Position(n.Pos())
	}
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// wrap attaches the position of n to an error that does not carry one.
func (c *Compiler) wrap(n ast.Node, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return c.errorf(n, "%v", err)
}

func (c *Compiler) compile() error {
	if name := c.file.Name.Name; name != "main" {
		return c.errorf(c.file.Name, "only package main is supported (got %q)", name)
	}

	// Constants first since array lengths name them, then types, then
	// signatures and globals, then bodies.
	if err := c.eachGenDecl(token.CONST, c.constDecl); err != nil {
		return err
	}
	if err := c.eachGenDecl(token.TYPE, c.declareTypes); err != nil {
		return err
	}
	if err := c.eachGenDecl(token.TYPE, c.defineTypes); err != nil {
		return err
	}
	for _, decl := range c.file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok {
			if err := c.declareFunc(fd); err != nil {
				return err
			}
		}
	}
	for _, decl := range c.file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok {
			continue
		}
		switch gd.Tok {
		case token.CONST, token.TYPE:
		case token.VAR:
			for _, spec := range gd.Specs {
				if err := c.globalVar(spec.(*ast.ValueSpec)); err != nil {
					return err
				}
			}
		case token.IMPORT:
			return c.errorf(gd, "imports are not supported")
		default:
			return c.errorf(gd, "unsupported declaration %s", gd.Tok)
		}
	}
	for _, decl := range c.file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Body != nil {
			if err := c.lowerFunc(c.funcs[fd.Name.Name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Compiler) eachGenDecl(tok token.Token, fn func(*ast.GenDecl) error) error {
	for _, decl := range c.file.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == tok {
			if err := fn(gd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Compiler) constDecl(decl *ast.GenDecl) error {
	// A spec without values repeats the previous expression list.
	var last []ast.Expr
	for i, spec := range decl.Specs {
		vs := spec.(*ast.ValueSpec)
		if vs.Type != nil {
			return c.errorf(vs, "typed constants are not supported")
		}
		if len(vs.Values) > 0 {
			last = vs.Values
		}
		for j, name := range vs.Names {
			if j >= len(last) {
				return c.errorf(name, "constant %s needs a value", name.Name)
			}
			if c.defined(name.Name) {
				return c.errorf(name, "%s redeclared", name.Name)
			}
			v, ok := c.constValue(last[j], i)
			if !ok {
				return c.errorf(last[j], "constant %s is not a constant expression", name.Name)
			}
			if name.Name != "_" {
				c.constants[name.Name] = v
			}
		}
	}
	return nil
}

func (c *Compiler) globalVar(vs *ast.ValueSpec) error {
	if vs.Type == nil {
		return c.errorf(vs, "package-level variables need a type")
	}
	t, err := c.resolveType(vs.Type)
	if err != nil {
		return c.wrap(vs.Type, err)
	}
	if t.Kind == ctype.KindVoid || t.Kind == ctype.KindFunc {
		return c.errorf(vs.Type, "invalid variable type %s", t)
	}
	for i, name := range vs.Names {
		if c.defined(name.Name) {
			return c.errorf(name, "%s redeclared", name.Name)
		}
		g := &ir.Global{Name: name.Name, Size: t.Size, Align: t.Align, Exported: true}
		if i < len(vs.Values) {
			data, relocs, err := c.staticInit(vs.Values[i], t)
			if err != nil {
				return err
			}
			g.Data, g.Relocs = data, relocs
		}
		c.unit.AddGlobal(g)
		c.globals[name.Name] = &global{name: name.Name, typ: t}
	}
	return nil
}

func (c *Compiler) defined(name string) bool {
	_, isFunc := c.funcs[name]
	_, isGlobal := c.globals[name]
	_, isConst := c.constants[name]
	return isFunc || isGlobal || isConst
}

func (c *Compiler) declareFunc(fd *ast.FuncDecl) error {
	name := fd.Name.Name
	if fd.Recv != nil {
		return c.errorf(fd, "methods are not supported (%s)", name)
	}
	if fd.Type.TypeParams != nil {
		return c.errorf(fd, "type parameters are not supported (%s)", name)
	}
	if c.defined(name) {
		return c.errorf(fd.Name, "duplicate function %q", name)
	}
	sig, err := c.signature(fd.Type)
	if err != nil {
		return c.wrap(fd, fmt.Errorf("%s: %w", name, err))
	}
	c.funcs[name] = &function{name: name, sig: sig, decl: fd}
	return nil
}

// signature resolves a function type. A final parameter of the form
// `...T` marks the function variadic; T is not used.
func (c *Compiler) signature(ft *ast.FuncType) (*ctype.Type, error) {
	var params []*ctype.Type
	variadic := false
	if ft.Params != nil {
		for i, field := range ft.Params.List {
			if _, ok := field.Type.(*ast.Ellipsis); ok {
				if i != len(ft.Params.List)-1 || len(field.Names) > 1 {
					return nil, fmt.Errorf("... must be the final parameter")
				}
				variadic = true
				continue
			}
			t, err := c.resolveType(field.Type)
			if err != nil {
				return nil, err
			}
			if t.Kind == ctype.KindVoid {
				return nil, fmt.Errorf("parameter of type void")
			}
			n := max(len(field.Names), 1)
			for range n {
				params = append(params, t)
			}
		}
	}
	result := ctype.Void
	if ft.Results != nil && len(ft.Results.List) > 0 {
		if len(ft.Results.List) > 1 || len(ft.Results.List[0].Names) > 1 {
			return nil, fmt.Errorf("multiple return values are not supported")
		}
		if len(ft.Results.List[0].Names) == 1 {
			return nil, fmt.Errorf("named result parameters are not supported")
		}
		t, err := c.resolveType(ft.Results.List[0].Type)
		if err != nil {
			return nil, fmt.Errorf("result type: %w", err)
		}
		result = t
	}
	return ctype.NewFunc(result, params, variadic), nil
}

func (c *Compiler) lowerFunc(f *function) error {
	fd := f.decl
	c.fn = f
	c.scope = newScope(nil)
	c.targets = nil

	var names []string
	var idents []*ast.Ident
	for _, field := range fd.Type.Params.List {
		if _, ok := field.Type.(*ast.Ellipsis); ok {
			continue
		}
		if len(field.Names) == 0 {
			return c.errorf(field, "parameters must be named (%s)", f.name)
		}
		for _, n := range field.Names {
			names = append(names, n.Name)
			idents = append(idents, n)
		}
	}

	b := c.b
	b.BeginFunction(f.name, f.sig)
	params := c.abi.LowerFunctionEntry(b, f.sig, names)
	for i, p := range params {
		t := f.sig.Params[i]
		addr := p.Node
		if !t.IsAggregate() {
			addr = b.Alloc(t.Size, t.Align, names[i])
			b.Store(addr, p.Node)
		}
		if names[i] == "_" {
			continue
		}
		if err := c.scope.define(names[i], local{addr: addr, typ: t}); err != nil {
			return c.wrap(idents[i], err)
		}
	}

	if err := c.stmts(fd.Body.List); err != nil {
		return err
	}
	if b.Reachable() {
		// Falling off the end returns the zero value.
		var v abi.Value
		if res := f.sig.Result; res.Kind != ctype.KindVoid {
			v = c.zeroValue(res)
		}
		c.abi.LowerReturn(b, f.sig, v)
	}
	b.EndFunction()
	c.fn = nil
	return nil
}

// unreachable continues in a fresh block with no predecessors, so code
// after return or break is built but never scheduled.
func (c *Compiler) unreachable() {
	r := c.b.NewRegion()
	c.b.Seal(r)
	c.b.SetBlock(r)
}

// join merges the pending edges into one block and makes it current.
// Regions take two predecessors, so larger sets are merged pairwise.
func (c *Compiler) join(pending []ir.NodeID) {
	b := c.b
	if len(pending) == 0 {
		c.unreachable()
		return
	}
	for len(pending) > 1 {
		r := b.NewRegion()
		b.SetBlock(pending[0])
		b.Jump(r)
		b.SetBlock(pending[1])
		b.Jump(r)
		b.Seal(r)
		pending = append(pending[2:], r)
	}
	b.SetBlock(pending[0])
}
