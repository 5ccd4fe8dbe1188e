package front

import (
	"go/ast"
	"go/token"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/ir"
)

func (c *Compiler) pushScope() { c.scope = newScope(c.scope) }

func (c *Compiler) popScope() { c.scope = c.scope.parent }

func (c *Compiler) stmts(list []ast.Stmt) error {
	for _, s := range list {
		if err := c.stmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) block(s *ast.BlockStmt) error {
	c.pushScope()
	defer c.popScope()
	return c.stmts(s.List)
}

func (c *Compiler) stmt(s ast.Stmt) error {
	switch s := s.(type) {
	case *ast.EmptyStmt:
		return nil
	case *ast.BlockStmt:
		return c.block(s)
	case *ast.DeclStmt:
		return c.declStmt(s)
	case *ast.AssignStmt:
		return c.assign(s)
	case *ast.IncDecStmt:
		return c.incDec(s)
	case *ast.ExprStmt:
		call, ok := s.X.(*ast.CallExpr)
		if !ok {
			return c.errorf(s, "expression statement must be a call")
		}
		_, err := c.expr(call, nil)
		return err
	case *ast.IfStmt:
		return c.ifStmt(s)
	case *ast.ForStmt:
		return c.forStmt(s)
	case *ast.SwitchStmt:
		return c.switchStmt(s)
	case *ast.BranchStmt:
		return c.branch(s)
	case *ast.ReturnStmt:
		return c.returnStmt(s)
	}
	return c.errorf(s, "unsupported statement %T", s)
}

func (c *Compiler) declStmt(s *ast.DeclStmt) error {
	gd := s.Decl.(*ast.GenDecl)
	if gd.Tok != token.VAR {
		return c.errorf(gd, "only var declarations are supported in functions")
	}
	for _, spec := range gd.Specs {
		vs := spec.(*ast.ValueSpec)
		if len(vs.Values) > 0 && len(vs.Values) != len(vs.Names) {
			return c.errorf(vs, "assignment mismatch: %d variables but %d values", len(vs.Names), len(vs.Values))
		}
		var t *ctype.Type
		if vs.Type != nil {
			var err error
			if t, err = c.resolveType(vs.Type); err != nil {
				return c.wrap(vs.Type, err)
			}
		}
		values := make([]abi.Value, len(vs.Values))
		for i, e := range vs.Values {
			var err error
			if t != nil {
				values[i], err = c.exprAs(e, t)
			} else {
				values[i], err = c.expr(e, nil)
			}
			if err != nil {
				return err
			}
			if len(values) > 1 {
				values[i] = c.temp(values[i])
			}
		}
		for i, name := range vs.Names {
			vt := t
			if vt == nil {
				vt = values[i].Type
			}
			var v *abi.Value
			if i < len(values) {
				v = &values[i]
			}
			if err := c.declare(name, vt, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// declare creates a local in the innermost scope, initialized to v or to
// the zero value.
func (c *Compiler) declare(name *ast.Ident, t *ctype.Type, v *abi.Value) error {
	if t.Kind == ctype.KindVoid || t.Kind == ctype.KindFunc {
		return c.errorf(name, "invalid variable type %s", t)
	}
	if name.Name == "_" {
		return nil
	}
	addr := c.b.Alloc(t.Size, t.Align, name.Name)
	if v != nil {
		c.store(addr, *v, t)
	} else {
		c.zero(addr, t)
	}
	if err := c.scope.define(name.Name, local{addr: addr, typ: t}); err != nil {
		return c.wrap(name, err)
	}
	return nil
}

var assignOps = map[token.Token]token.Token{
	token.ADD_ASSIGN:     token.ADD,
	token.SUB_ASSIGN:     token.SUB,
	token.MUL_ASSIGN:     token.MUL,
	token.QUO_ASSIGN:     token.QUO,
	token.REM_ASSIGN:     token.REM,
	token.AND_ASSIGN:     token.AND,
	token.OR_ASSIGN:      token.OR,
	token.XOR_ASSIGN:     token.XOR,
	token.SHL_ASSIGN:     token.SHL,
	token.SHR_ASSIGN:     token.SHR,
	token.AND_NOT_ASSIGN: token.AND_NOT,
}

func (c *Compiler) assign(s *ast.AssignStmt) error {
	if op, ok := assignOps[s.Tok]; ok {
		if len(s.Lhs) != 1 || len(s.Rhs) != 1 {
			return c.errorf(s, "%s takes one operand on each side", s.Tok)
		}
		addr, t, err := c.addr(s.Lhs[0])
		if err != nil {
			return err
		}
		hint := t
		if op == token.SHL || op == token.SHR {
			hint = ctype.ULong
		}
		y, err := c.expr(s.Rhs[0], hint)
		if err != nil {
			return err
		}
		r, err := c.binaryOp(s, op, c.load(addr, t), y)
		if err != nil {
			return err
		}
		if r, err = c.convert(s, r, t, false); err != nil {
			return err
		}
		c.store(addr, r, t)
		return nil
	}
	if len(s.Lhs) != len(s.Rhs) {
		return c.errorf(s, "assignment mismatch: %d variables but %d values", len(s.Lhs), len(s.Rhs))
	}

	if s.Tok == token.DEFINE {
		return c.define(s)
	}
	if s.Tok != token.ASSIGN {
		return c.errorf(s, "unsupported assignment operator %s", s.Tok)
	}

	// Left operands are resolved before the right-hand sides are
	// evaluated; all stores happen last.
	type target struct {
		addr ir.NodeID
		typ  *ctype.Type
	}
	targets := make([]target, len(s.Lhs))
	for i, lhs := range s.Lhs {
		if id, ok := lhs.(*ast.Ident); ok && id.Name == "_" {
			continue
		}
		addr, t, err := c.addr(lhs)
		if err != nil {
			return err
		}
		targets[i] = target{addr, t}
	}
	values := make([]abi.Value, len(s.Rhs))
	for i, rhs := range s.Rhs {
		var err error
		if t := targets[i].typ; t != nil {
			values[i], err = c.exprAs(rhs, t)
		} else {
			values[i], err = c.expr(rhs, nil)
		}
		if err != nil {
			return err
		}
		if len(values) > 1 {
			values[i] = c.temp(values[i])
		}
	}
	for i, tg := range targets {
		if tg.typ != nil {
			c.store(tg.addr, values[i], tg.typ)
		}
	}
	return nil
}

// define lowers :=. Names already declared in the innermost scope are
// assigned; at least one must be new.
func (c *Compiler) define(s *ast.AssignStmt) error {
	values := make([]abi.Value, len(s.Rhs))
	for i, rhs := range s.Rhs {
		var hint *ctype.Type
		if id, ok := s.Lhs[i].(*ast.Ident); ok {
			if l, ok := c.scope.vars[id.Name]; ok {
				hint = l.typ
			}
		}
		v, err := c.expr(rhs, hint)
		if err != nil {
			return err
		}
		if len(values) > 1 {
			v = c.temp(v)
		}
		values[i] = v
	}
	fresh := false
	for i, lhs := range s.Lhs {
		id, ok := lhs.(*ast.Ident)
		if !ok {
			return c.errorf(lhs, "non-name %T on left side of :=", lhs)
		}
		if id.Name == "_" {
			continue
		}
		if l, ok := c.scope.vars[id.Name]; ok {
			v, err := c.convert(s.Rhs[i], values[i], l.typ, false)
			if err != nil {
				return err
			}
			c.store(l.addr, v, l.typ)
			continue
		}
		fresh = true
		if err := c.declare(id, values[i].Type, &values[i]); err != nil {
			return err
		}
	}
	if !fresh {
		return c.errorf(s, "no new variables on left side of :=")
	}
	return nil
}

func (c *Compiler) incDec(s *ast.IncDecStmt) error {
	addr, t, err := c.addr(s.X)
	if err != nil {
		return err
	}
	if !t.IsScalar() || t.Kind == ctype.KindBool {
		return c.errorf(s, "invalid operation %s on %s", s.Tok, t)
	}
	op := token.ADD
	if s.Tok == token.DEC {
		op = token.SUB
	}
	one := ctype.Long
	if t.IsInteger() {
		one = promote(t)
	}
	y := abi.Value{Node: c.b.Const(abi.MachineType(one), 1), Type: one}
	if t.IsFloat() {
		y = abi.Value{Node: c.b.FloatConst(abi.MachineType(t), 1), Type: t}
	}
	r, err := c.binaryOp(s, op, c.load(addr, t), y)
	if err != nil {
		return err
	}
	if r, err = c.convert(s, r, t, false); err != nil {
		return err
	}
	c.store(addr, r, t)
	return nil
}

func (c *Compiler) ifStmt(s *ast.IfStmt) error {
	c.pushScope()
	defer c.popScope()
	if s.Init != nil {
		if err := c.stmt(s.Init); err != nil {
			return err
		}
	}
	cond, err := c.condition(s.Cond)
	if err != nil {
		return err
	}
	b := c.b
	then, els := b.If(cond.Node)
	var done []ir.NodeID
	b.SetBlock(then)
	if err := c.block(s.Body); err != nil {
		return err
	}
	c.pending(&done)
	b.SetBlock(els)
	if s.Else != nil {
		if err := c.stmt(s.Else); err != nil {
			return err
		}
	}
	c.pending(&done)
	c.join(done)
	return nil
}

func (c *Compiler) forStmt(s *ast.ForStmt) error {
	c.pushScope()
	defer c.popScope()
	if s.Init != nil {
		if err := c.stmt(s.Init); err != nil {
			return err
		}
	}
	b := c.b
	header := b.NewRegion()
	b.Jump(header)
	b.SetBlock(header)

	tgt := &branchTarget{loop: true}
	if s.Cond != nil {
		cond, err := c.condition(s.Cond)
		if err != nil {
			return err
		}
		body, exit := b.If(cond.Node)
		tgt.breaks = append(tgt.breaks, exit)
		b.SetBlock(body)
	}
	c.targets = append(c.targets, tgt)
	err := c.block(s.Body)
	c.targets = c.targets[:len(c.targets)-1]
	if err != nil {
		return err
	}

	c.pending(&tgt.continues)
	c.join(tgt.continues)
	if s.Post != nil {
		if err := c.stmt(s.Post); err != nil {
			return err
		}
	}
	b.Jump(header)
	b.Seal(header)
	c.join(tgt.breaks)
	return nil
}

// switchStmt tests the cases in order; the default clause runs when none
// matches, wherever it appears.
func (c *Compiler) switchStmt(s *ast.SwitchStmt) error {
	c.pushScope()
	defer c.popScope()
	if s.Init != nil {
		if err := c.stmt(s.Init); err != nil {
			return err
		}
	}
	var tag abi.Value
	if s.Tag != nil {
		var err error
		if tag, err = c.expr(s.Tag, nil); err != nil {
			return err
		}
		if !tag.Type.IsScalar() {
			return c.errorf(s.Tag, "cannot switch on %s", tag.Type)
		}
	}

	b := c.b
	tgt := &branchTarget{}
	var def *ast.CaseClause
	for _, st := range s.Body.List {
		cc := st.(*ast.CaseClause)
		if cc.List == nil {
			def = cc
			continue
		}
		var match abi.Value
		for i, e := range cc.List {
			var m abi.Value
			var err error
			if s.Tag != nil {
				var v abi.Value
				if v, err = c.expr(e, tag.Type); err == nil {
					m, err = c.compare(e, token.EQL, tag, v)
				}
			} else {
				m, err = c.condition(e)
			}
			if err != nil {
				return err
			}
			if i == 0 {
				match = m
			} else {
				match.Node = b.Binary(ir.OpOr, match.Node, m.Node)
			}
		}
		body, next := b.If(match.Node)
		b.SetBlock(body)
		if err := c.caseBody(cc, tgt); err != nil {
			return err
		}
		b.SetBlock(next)
	}
	if def != nil {
		if err := c.caseBody(def, tgt); err != nil {
			return err
		}
	} else {
		c.pending(&tgt.breaks)
	}
	c.join(tgt.breaks)
	return nil
}

func (c *Compiler) caseBody(cc *ast.CaseClause, tgt *branchTarget) error {
	c.pushScope()
	defer c.popScope()
	c.targets = append(c.targets, tgt)
	defer func() { c.targets = c.targets[:len(c.targets)-1] }()
	if err := c.stmts(cc.Body); err != nil {
		return err
	}
	c.pending(&tgt.breaks)
	return nil
}

func (c *Compiler) branch(s *ast.BranchStmt) error {
	if s.Label != nil {
		return c.errorf(s, "labeled %s is not supported", s.Tok)
	}
	for i := len(c.targets) - 1; i >= 0; i-- {
		t := c.targets[i]
		switch {
		case s.Tok == token.BREAK:
			c.pending(&t.breaks)
		case s.Tok == token.CONTINUE && t.loop:
			c.pending(&t.continues)
		case s.Tok == token.CONTINUE:
			continue
		default:
			return c.errorf(s, "%s is not supported", s.Tok)
		}
		c.unreachable()
		return nil
	}
	return c.errorf(s, "%s is not in a loop", s.Tok)
}

func (c *Compiler) returnStmt(s *ast.ReturnStmt) error {
	sig := c.fn.sig
	var v abi.Value
	switch {
	case len(s.Results) > 1:
		return c.errorf(s, "too many return values")
	case len(s.Results) == 0 && sig.Result.Kind != ctype.KindVoid:
		return c.errorf(s, "not enough return values")
	case len(s.Results) == 1 && sig.Result.Kind == ctype.KindVoid:
		return c.errorf(s, "too many return values")
	case len(s.Results) == 1:
		var err error
		if v, err = c.exprAs(s.Results[0], sig.Result); err != nil {
			return err
		}
	}
	c.abi.LowerReturn(c.b, sig, v)
	c.unreachable()
	return nil
}

// pending records the current block, when reachable, as an edge still to
// be joined.
func (c *Compiler) pending(list *[]ir.NodeID) {
	if c.b.Reachable() {
		*list = append(*list, c.b.Block())
	}
}
