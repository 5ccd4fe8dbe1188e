package front

import (
	"go/ast"
	"go/constant"
	"go/token"
	"strconv"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/ir"
)

var (
	voidPtr   = ctype.PointerTo(ctype.Void)
	stringPtr = ctype.PointerTo(ctype.Char)
)

// offset returns addr+off.
func (c *Compiler) offset(addr ir.NodeID, off int) ir.NodeID {
	if off == 0 {
		return addr
	}
	return c.b.Binary(ir.OpAdd, addr, c.b.Const(ir.Ptr, int64(off)))
}

// load reads an object of type t. Aggregates are represented by their
// address and are not loaded.
func (c *Compiler) load(addr ir.NodeID, t *ctype.Type) abi.Value {
	if t.IsAggregate() {
		return abi.Value{Node: addr, Type: t}
	}
	return abi.Value{Node: c.b.Load(abi.MachineType(t), addr), Type: t}
}

// store writes v, already converted to t, to addr.
func (c *Compiler) store(addr ir.NodeID, v abi.Value, t *ctype.Type) {
	if t.IsAggregate() {
		c.b.Copy(addr, v.Node, t.Size, t.Align)
		return
	}
	c.b.Store(addr, v.Node)
}

// temp copies an aggregate into a fresh stack object so later stores to
// the original do not change it.
func (c *Compiler) temp(v abi.Value) abi.Value {
	if !v.Type.IsAggregate() {
		return v
	}
	addr := c.b.Alloc(v.Type.Size, v.Type.Align, "tmp")
	c.b.Copy(addr, v.Node, v.Type.Size, v.Type.Align)
	return abi.Value{Node: addr, Type: v.Type}
}

// exprAs evaluates e and converts it to t as an assignment does.
func (c *Compiler) exprAs(e ast.Expr, t *ctype.Type) (abi.Value, error) {
	v, err := c.expr(e, t)
	if err != nil {
		return abi.Value{}, err
	}
	return c.convert(e, v, t, false)
}

// expr evaluates e. hint is the type an untyped constant takes, or nil for
// its default type.
func (c *Compiler) expr(e ast.Expr, hint *ctype.Type) (abi.Value, error) {
	if cv, ok := c.constValue(e, -1); ok {
		return c.constant(e, cv, hint)
	}
	switch e := e.(type) {
	case *ast.Ident:
		if e.Name == "nil" {
			if _, ok := c.scope.lookup(e.Name); !ok {
				t := voidPtr
				if hint != nil && hint.IsPointer() {
					t = hint
				}
				return abi.Value{Node: c.b.Const(ir.Ptr, 0), Type: t}, nil
			}
		}
		if _, ok := c.funcs[e.Name]; ok {
			if _, shadowed := c.scope.lookup(e.Name); !shadowed {
				return abi.Value{}, c.errorf(e, "function %s used as a value", e.Name)
			}
		}
		addr, t, err := c.addr(e)
		if err != nil {
			return abi.Value{}, err
		}
		return c.load(addr, t), nil
	case *ast.BasicLit:
		if e.Kind == token.STRING {
			s, err := strconv.Unquote(e.Value)
			if err != nil {
				return abi.Value{}, c.errorf(e, "invalid string literal: %v", err)
			}
			return abi.Value{Node: c.b.Symbol(c.unit.StringLiteral(s), 0), Type: stringPtr}, nil
		}
		return abi.Value{}, c.errorf(e, "invalid literal %s", e.Value)
	case *ast.ParenExpr:
		return c.expr(e.X, hint)
	case *ast.UnaryExpr:
		return c.unary(e, hint)
	case *ast.BinaryExpr:
		return c.binary(e, hint)
	case *ast.StarExpr, *ast.SelectorExpr, *ast.IndexExpr:
		addr, t, err := c.addr(e)
		if err != nil {
			return abi.Value{}, err
		}
		return c.load(addr, t), nil
	case *ast.CallExpr:
		return c.call(e, hint)
	case *ast.CompositeLit:
		addr, t, err := c.compositeLit(e, hint)
		if err != nil {
			return abi.Value{}, err
		}
		return abi.Value{Node: addr, Type: t}, nil
	}
	return abi.Value{}, c.errorf(e, "unsupported expression %T", e)
}

// constant materializes an untyped constant as a value of the hinted type.
func (c *Compiler) constant(e ast.Expr, cv constant.Value, hint *ctype.Type) (abi.Value, error) {
	t := hint
	if t == nil || !t.IsScalar() {
		t = defaultType(cv)
	}
	switch {
	case cv.Kind() == constant.Bool:
		t = ctype.Bool
	case t.Kind == ctype.KindBool:
		t = defaultType(cv)
	case t.IsPointer() && cv.Kind() != constant.Int:
		t = defaultType(cv)
	case cv.Kind() == constant.Float && t.IsInteger():
		if constant.ToInt(cv).Kind() != constant.Int {
			t = ctype.Double
		}
	}
	bits, err := constBits(cv, t)
	if err != nil {
		return abi.Value{}, c.wrap(e, err)
	}
	return abi.Value{Node: c.b.Const(abi.MachineType(t), bits), Type: t}, nil
}

// convert changes v to type t. Implicit conversions between arithmetic
// types are allowed; integer to pointer needs an explicit conversion
// unless the value is the constant zero.
func (c *Compiler) convert(n ast.Node, v abi.Value, t *ctype.Type, explicit bool) (abi.Value, error) {
	from := v.Type
	if sameType(from, t) {
		v.Type = t
		return v, nil
	}
	switch {
	case from.Kind == ctype.KindVoid:
		return abi.Value{}, c.errorf(n, "void value used as %s", t)
	case t.IsAggregate() || from.IsAggregate() || !t.IsScalar() || !from.IsScalar():
		return abi.Value{}, c.errorf(n, "cannot use %s value as %s", from, t)
	case t.IsPointer() && from.IsPointer():
		return abi.Value{Node: v.Node, Type: t}, nil
	case t.IsPointer() && from.IsFloat(), t.IsFloat() && from.IsPointer():
		return abi.Value{}, c.errorf(n, "cannot convert %s to %s", from, t)
	case t.IsPointer() && !explicit && !c.isZeroConst(v.Node):
		return abi.Value{}, c.errorf(n, "cannot use %s value as %s without a conversion", from, t)
	case from.IsPointer() && !explicit && t.Kind != ctype.KindBool:
		return abi.Value{}, c.errorf(n, "cannot use %s value as %s without a conversion", from, t)
	}

	b := c.b
	mt := abi.MachineType(t)
	mf := abi.MachineType(from)
	switch {
	case t.Kind == ctype.KindBool:
		zero := b.Const(mf, 0)
		if from.IsFloat() {
			zero = b.FloatConst(mf, 0)
			eq := b.Compare(ir.OpFEq, v.Node, zero)
			ne := b.Binary(ir.OpXor, eq, b.Const(ir.I32, 1))
			return abi.Value{Node: b.Convert(ir.OpTrunc, mt, ne), Type: t}, nil
		}
		ne := b.Compare(ir.OpNe, v.Node, zero)
		return abi.Value{Node: b.Convert(ir.OpTrunc, mt, ne), Type: t}, nil
	case t.IsFloat() && from.IsFloat():
		if mt == mf {
			return abi.Value{Node: v.Node, Type: t}, nil
		}
		return abi.Value{Node: b.Convert(ir.OpFConv, mt, v.Node), Type: t}, nil
	case t.IsFloat():
		return abi.Value{Node: b.Convert(ir.OpIToF, mt, v.Node), Type: t}, nil
	case from.IsFloat():
		return abi.Value{Node: b.Convert(ir.OpFToI, mt, v.Node), Type: t}, nil
	case mt.Size > mf.Size && mf.Unsigned:
		return abi.Value{Node: b.Convert(ir.OpZExt, mt, v.Node), Type: t}, nil
	case mt.Size > mf.Size:
		return abi.Value{Node: b.Convert(ir.OpSExt, mt, v.Node), Type: t}, nil
	case mt != mf:
		return abi.Value{Node: b.Convert(ir.OpTrunc, mt, v.Node), Type: t}, nil
	}
	return abi.Value{Node: v.Node, Type: t}, nil
}

func (c *Compiler) isZeroConst(id ir.NodeID) bool {
	n := c.b.Graph.Node(id)
	return n.Op == ir.OpConst && n.Aux == 0
}

// truth converts a comparison result to bool.
func (c *Compiler) truth(cmp ir.NodeID) abi.Value {
	return abi.Value{Node: c.b.Convert(ir.OpTrunc, ir.U8, cmp), Type: ctype.Bool}
}

// condition evaluates e as a bool.
func (c *Compiler) condition(e ast.Expr) (abi.Value, error) {
	v, err := c.expr(e, ctype.Bool)
	if err != nil {
		return abi.Value{}, err
	}
	if v.Type.Kind != ctype.KindBool && !v.Type.IsInteger() && !v.Type.IsPointer() {
		return abi.Value{}, c.errorf(e, "non-boolean condition of type %s", v.Type)
	}
	return c.convert(e, v, ctype.Bool, true)
}

func (c *Compiler) unary(e *ast.UnaryExpr, hint *ctype.Type) (abi.Value, error) {
	b := c.b
	switch e.Op {
	case token.AND:
		addr, t, err := c.addr(e.X)
		if err != nil {
			return abi.Value{}, err
		}
		return abi.Value{Node: addr, Type: ctype.PointerTo(t)}, nil
	case token.NOT:
		x, err := c.condition(e.X)
		if err != nil {
			return abi.Value{}, err
		}
		return c.truth(b.Compare(ir.OpEq, x.Node, b.Const(ir.U8, 0))), nil
	}

	x, err := c.expr(e.X, hint)
	if err != nil {
		return abi.Value{}, err
	}
	if !x.Type.IsInteger() && !x.Type.IsFloat() || x.Type.Kind == ctype.KindBool {
		return abi.Value{}, c.errorf(e, "invalid operation %s on %s", e.Op, x.Type)
	}
	if x, err = c.convert(e, x, promote(x.Type), false); err != nil {
		return abi.Value{}, err
	}
	switch e.Op {
	case token.ADD:
		return x, nil
	case token.SUB:
		if x.Type.IsFloat() {
			return abi.Value{Node: b.Unary(ir.OpFNeg, x.Node), Type: x.Type}, nil
		}
		return abi.Value{Node: b.Unary(ir.OpNeg, x.Node), Type: x.Type}, nil
	case token.XOR:
		if x.Type.IsFloat() {
			break
		}
		return abi.Value{Node: b.Unary(ir.OpNot, x.Node), Type: x.Type}, nil
	}
	return abi.Value{}, c.errorf(e, "invalid operation %s on %s", e.Op, x.Type)
}

// operands evaluates both sides of a binary expression. An untyped
// constant operand takes the type of the other side.
func (c *Compiler) operands(e *ast.BinaryExpr, hint *ctype.Type) (x, y abi.Value, err error) {
	// The constant side of pointer arithmetic is an element count.
	other := func(t *ctype.Type) *ctype.Type {
		if t.IsPointer() && !isComparison(e.Op) {
			return ctype.Long
		}
		return t
	}
	if _, isConst := c.constValue(e.X, -1); isConst && e.Op != token.SHL && e.Op != token.SHR {
		if y, err = c.expr(e.Y, hint); err != nil {
			return
		}
		x, err = c.expr(e.X, other(y.Type))
		return
	}
	if x, err = c.expr(e.X, hint); err != nil {
		return
	}
	yhint := other(x.Type)
	if e.Op == token.SHL || e.Op == token.SHR {
		yhint = ctype.ULong
	}
	y, err = c.expr(e.Y, yhint)
	return
}

func (c *Compiler) binary(e *ast.BinaryExpr, hint *ctype.Type) (abi.Value, error) {
	if e.Op == token.LAND || e.Op == token.LOR {
		return c.logical(e)
	}
	if isComparison(e.Op) {
		hint = nil
	}
	x, y, err := c.operands(e, hint)
	if err != nil {
		return abi.Value{}, err
	}
	return c.binaryOp(e, e.Op, x, y)
}

func isComparison(op token.Token) bool {
	switch op {
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		return true
	}
	return false
}

// binaryOp applies op to evaluated operands.
func (c *Compiler) binaryOp(n ast.Node, op token.Token, x, y abi.Value) (abi.Value, error) {
	b := c.b
	if isComparison(op) {
		return c.compare(n, op, x, y)
	}
	if x.Type.IsPointer() || y.Type.IsPointer() {
		return c.pointerArith(n, op, x, y)
	}
	if !x.Type.IsScalar() || !y.Type.IsScalar() {
		return abi.Value{}, c.errorf(n, "invalid operation: %s %s %s", x.Type, op, y.Type)
	}

	if op == token.SHL || op == token.SHR {
		if !x.Type.IsInteger() || !y.Type.IsInteger() {
			return abi.Value{}, c.errorf(n, "invalid shift of %s by %s", x.Type, y.Type)
		}
		t := promote(x.Type)
		x, _ = c.convert(n, x, t, false)
		y, _ = c.convert(n, y, t, false)
		irop := ir.OpShl
		if op == token.SHR {
			irop = ir.OpSar
			if t.Unsigned {
				irop = ir.OpShr
			}
		}
		return abi.Value{Node: b.Binary(irop, x.Node, y.Node), Type: t}, nil
	}

	t := arithType(x.Type, y.Type)
	var err error
	if x, err = c.convert(n, x, t, false); err != nil {
		return abi.Value{}, err
	}
	if y, err = c.convert(n, y, t, false); err != nil {
		return abi.Value{}, err
	}
	var irop ir.Op
	if t.IsFloat() {
		switch op {
		case token.ADD:
			irop = ir.OpFAdd
		case token.SUB:
			irop = ir.OpFSub
		case token.MUL:
			irop = ir.OpFMul
		case token.QUO:
			irop = ir.OpFDiv
		default:
			return abi.Value{}, c.errorf(n, "invalid operation %s on %s", op, t)
		}
		return abi.Value{Node: b.Binary(irop, x.Node, y.Node), Type: t}, nil
	}
	switch op {
	case token.ADD:
		irop = ir.OpAdd
	case token.SUB:
		irop = ir.OpSub
	case token.MUL:
		irop = ir.OpMul
	case token.QUO:
		irop = ir.OpDiv
		if t.Unsigned {
			irop = ir.OpUDiv
		}
	case token.REM:
		irop = ir.OpMod
		if t.Unsigned {
			irop = ir.OpUMod
		}
	case token.AND:
		irop = ir.OpAnd
	case token.OR:
		irop = ir.OpOr
	case token.XOR:
		irop = ir.OpXor
	case token.AND_NOT:
		return abi.Value{Node: b.Binary(ir.OpAnd, x.Node, b.Unary(ir.OpNot, y.Node)), Type: t}, nil
	default:
		return abi.Value{}, c.errorf(n, "invalid operation %s on %s", op, t)
	}
	return abi.Value{Node: b.Binary(irop, x.Node, y.Node), Type: t}, nil
}

// pointerArith handles p+i, i+p, p-i and p-q, scaling by the pointee size.
func (c *Compiler) pointerArith(n ast.Node, op token.Token, x, y abi.Value) (abi.Value, error) {
	b := c.b
	if op == token.ADD && y.Type.IsPointer() && !x.Type.IsPointer() {
		x, y = y, x
	}
	elemSize := func(p *ctype.Type) int64 { return int64(max(p.Elem.Size, 1)) }
	switch {
	case op == token.SUB && x.Type.IsPointer() && y.Type.IsPointer():
		if !sameType(x.Type, y.Type) {
			return abi.Value{}, c.errorf(n, "invalid operation: %s - %s", x.Type, y.Type)
		}
		diff := b.Convert(ir.OpTrunc, ir.I64, b.Binary(ir.OpSub, x.Node, y.Node))
		return abi.Value{Node: b.Binary(ir.OpDiv, diff, b.Const(ir.I64, elemSize(x.Type))), Type: ctype.Long}, nil
	case (op == token.ADD || op == token.SUB) && x.Type.IsPointer() && y.Type.IsInteger():
		i, err := c.convert(n, y, ctype.Long, false)
		if err != nil {
			return abi.Value{}, err
		}
		idx := b.Convert(ir.OpTrunc, ir.Ptr, i.Node)
		scaled := b.Binary(ir.OpMul, idx, b.Const(ir.Ptr, elemSize(x.Type)))
		irop := ir.OpAdd
		if op == token.SUB {
			irop = ir.OpSub
		}
		return abi.Value{Node: b.Binary(irop, x.Node, scaled), Type: x.Type}, nil
	}
	return abi.Value{}, c.errorf(n, "invalid operation: %s %s %s", x.Type, op, y.Type)
}

func (c *Compiler) compare(n ast.Node, op token.Token, x, y abi.Value) (abi.Value, error) {
	b := c.b
	var t *ctype.Type
	var err error
	switch {
	case x.Type.IsPointer() || y.Type.IsPointer():
		t = x.Type
		if !t.IsPointer() {
			t = y.Type
		}
		if x, err = c.convert(n, x, t, false); err != nil {
			return abi.Value{}, err
		}
		if y, err = c.convert(n, y, t, false); err != nil {
			return abi.Value{}, err
		}
	case x.Type.Kind == ctype.KindBool && y.Type.Kind == ctype.KindBool:
		if op != token.EQL && op != token.NEQ {
			return abi.Value{}, c.errorf(n, "invalid operation %s on bool", op)
		}
		t = ctype.Bool
	case x.Type.IsScalar() && y.Type.IsScalar():
		t = arithType(x.Type, y.Type)
		if x, err = c.convert(n, x, t, false); err != nil {
			return abi.Value{}, err
		}
		if y, err = c.convert(n, y, t, false); err != nil {
			return abi.Value{}, err
		}
	default:
		return abi.Value{}, c.errorf(n, "cannot compare %s and %s", x.Type, y.Type)
	}

	// > and >= swap their operands.
	if op == token.GTR || op == token.GEQ {
		x, y = y, x
		if op == token.GTR {
			op = token.LSS
		} else {
			op = token.LEQ
		}
	}
	if t.IsFloat() {
		switch op {
		case token.EQL:
			return c.truth(b.Compare(ir.OpFEq, x.Node, y.Node)), nil
		case token.NEQ:
			eq := b.Compare(ir.OpFEq, x.Node, y.Node)
			return c.truth(b.Binary(ir.OpXor, eq, b.Const(ir.I32, 1))), nil
		case token.LSS:
			return c.truth(b.Compare(ir.OpFLt, x.Node, y.Node)), nil
		default:
			return c.truth(b.Compare(ir.OpFLe, x.Node, y.Node)), nil
		}
	}
	var irop ir.Op
	switch op {
	case token.EQL:
		irop = ir.OpEq
	case token.NEQ:
		irop = ir.OpNe
	case token.LSS:
		irop = ir.OpLt
		if t.Unsigned {
			irop = ir.OpULt
		}
	default:
		irop = ir.OpLe
		if t.Unsigned {
			irop = ir.OpULe
		}
	}
	return c.truth(b.Compare(irop, x.Node, y.Node)), nil
}

// logical lowers && and || with short-circuit evaluation: the right
// operand is evaluated in its own block.
func (c *Compiler) logical(e *ast.BinaryExpr) (abi.Value, error) {
	b := c.b
	x, err := c.condition(e.X)
	if err != nil {
		return abi.Value{}, err
	}
	result := b.NewVar(ir.U8)
	b.WriteVar(result, x.Node)
	then, els := b.If(x.Node)
	rhs, skip := then, els
	if e.Op == token.LOR {
		rhs, skip = els, then
	}
	b.SetBlock(rhs)
	y, err := c.condition(e.Y)
	if err != nil {
		return abi.Value{}, err
	}
	b.WriteVar(result, y.Node)
	c.join([]ir.NodeID{b.Block(), skip})
	return abi.Value{Node: b.ReadVar(result), Type: ctype.Bool}, nil
}

// addr evaluates an addressable expression to the address of the object
// and its type.
func (c *Compiler) addr(e ast.Expr) (ir.NodeID, *ctype.Type, error) {
	switch e := e.(type) {
	case *ast.Ident:
		if l, ok := c.scope.lookup(e.Name); ok {
			return l.addr, l.typ, nil
		}
		if g, ok := c.globals[e.Name]; ok {
			return c.b.Symbol(g.name, 0), g.typ, nil
		}
		if _, ok := c.constants[e.Name]; ok {
			return 0, nil, c.errorf(e, "cannot take the address of constant %s", e.Name)
		}
		return 0, nil, c.errorf(e, "undefined: %s", e.Name)
	case *ast.ParenExpr:
		return c.addr(e.X)
	case *ast.StarExpr:
		p, err := c.expr(e.X, nil)
		if err != nil {
			return 0, nil, err
		}
		if !p.Type.IsPointer() {
			return 0, nil, c.errorf(e, "invalid indirect of %s", p.Type)
		}
		if p.Type.Elem.Kind == ctype.KindVoid {
			return 0, nil, c.errorf(e, "invalid indirect of %s", p.Type)
		}
		return p.Node, p.Type.Elem, nil
	case *ast.SelectorExpr:
		base, err := c.expr(e.X, nil)
		if err != nil {
			return 0, nil, err
		}
		st := base.Type
		if st.IsPointer() {
			st = st.Elem
		}
		if st.Kind != ctype.KindStruct && st.Kind != ctype.KindUnion {
			return 0, nil, c.errorf(e, "%s has no field %s", base.Type, e.Sel.Name)
		}
		f, ok := st.Field(e.Sel.Name)
		if !ok {
			return 0, nil, c.errorf(e.Sel, "%s has no field %s", st, e.Sel.Name)
		}
		return c.offset(base.Node, f.Offset), f.Type, nil
	case *ast.IndexExpr:
		base, err := c.expr(e.X, nil)
		if err != nil {
			return 0, nil, err
		}
		if base.Type.Kind != ctype.KindArray && !base.Type.IsPointer() {
			return 0, nil, c.errorf(e, "cannot index %s", base.Type)
		}
		elem := base.Type.Elem
		if cv, ok := c.constValue(e.Index, -1); ok {
			i, exact := constant.Int64Val(constant.ToInt(cv))
			if !exact || i < 0 || base.Type.Kind == ctype.KindArray && i >= int64(base.Type.Len) {
				return 0, nil, c.errorf(e.Index, "index %s out of range for %s", cv, base.Type)
			}
			return c.offset(base.Node, int(i)*elem.Size), elem, nil
		}
		idx, err := c.exprAs(e.Index, ctype.Long)
		if err != nil {
			return 0, nil, err
		}
		if !idx.Type.IsInteger() {
			return 0, nil, c.errorf(e.Index, "invalid index of type %s", idx.Type)
		}
		scaled := c.b.Binary(ir.OpMul, c.b.Convert(ir.OpTrunc, ir.Ptr, idx.Node), c.b.Const(ir.Ptr, int64(elem.Size)))
		return c.b.Binary(ir.OpAdd, base.Node, scaled), elem, nil
	case *ast.CompositeLit:
		return c.compositeLit(e, nil)
	}
	return 0, nil, c.errorf(e, "cannot take the address of %T", e)
}

// compositeLit builds the literal in a fresh stack object.
func (c *Compiler) compositeLit(e *ast.CompositeLit, hint *ctype.Type) (ir.NodeID, *ctype.Type, error) {
	t := hint
	if e.Type != nil {
		var err error
		if t, err = c.resolveType(e.Type); err != nil {
			return 0, nil, c.wrap(e.Type, err)
		}
	}
	if t == nil || !t.IsAggregate() {
		return 0, nil, c.errorf(e, "invalid composite literal type")
	}
	addr := c.b.Alloc(t.Size, t.Align, "lit")
	c.zero(addr, t)
	err := c.elements(e, t, func(elt ast.Expr, et *ctype.Type, off int) error {
		v, err := c.exprAs(elt, et)
		if err != nil {
			return err
		}
		c.store(c.offset(addr, off), v, et)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return addr, t, nil
}

// call lowers a conversion, a builtin or a direct function call.
func (c *Compiler) call(e *ast.CallExpr, hint *ctype.Type) (abi.Value, error) {
	if c.isType(e.Fun) {
		t, err := c.resolveType(e.Fun)
		if err != nil {
			return abi.Value{}, c.wrap(e.Fun, err)
		}
		if len(e.Args) != 1 {
			return abi.Value{}, c.errorf(e, "conversion to %s takes one argument", t)
		}
		v, err := c.expr(e.Args[0], t)
		if err != nil {
			return abi.Value{}, err
		}
		return c.convert(e, v, t, true)
	}

	id, ok := e.Fun.(*ast.Ident)
	if !ok {
		return abi.Value{}, c.errorf(e.Fun, "only direct calls are supported")
	}
	if _, local := c.scope.lookup(id.Name); local {
		return abi.Value{}, c.errorf(e.Fun, "cannot call non-function %s", id.Name)
	}
	fn, ok := c.funcs[id.Name]
	if !ok {
		switch id.Name {
		case "va_start":
			return c.vaStart(e)
		case "va_arg":
			return c.vaArg(e)
		}
		return abi.Value{}, c.errorf(e.Fun, "undefined: %s", id.Name)
	}
	if e.Ellipsis.IsValid() {
		return abi.Value{}, c.errorf(e, "spread arguments are not supported")
	}

	sig := fn.sig
	if len(e.Args) < len(sig.Params) || len(e.Args) > len(sig.Params) && !sig.Variadic {
		return abi.Value{}, c.errorf(e, "wrong argument count in call to %s: have %d, want %d", fn.name, len(e.Args), len(sig.Params))
	}
	args := make([]abi.Value, len(e.Args))
	for i, arg := range e.Args {
		var err error
		if i < len(sig.Params) {
			args[i], err = c.exprAs(arg, sig.Params[i])
		} else {
			args[i], err = c.variadicArg(arg)
		}
		if err != nil {
			return abi.Value{}, err
		}
		// Aggregates are passed by address; snapshot them before later
		// arguments can write through it.
		if args[i].Type.IsAggregate() && i < len(e.Args)-1 {
			args[i] = c.temp(args[i])
		}
	}
	r := c.abi.LowerCall(c.b, c.b.Symbol(fn.name, 0), sig, args)
	r.Type = sig.Result
	return r, nil
}

// variadicArg evaluates an argument matched by `...` with the default
// argument promotions: float becomes double and narrow integers int.
func (c *Compiler) variadicArg(e ast.Expr) (abi.Value, error) {
	v, err := c.expr(e, nil)
	if err != nil {
		return abi.Value{}, err
	}
	switch {
	case v.Type.Kind == ctype.KindVoid:
		return abi.Value{}, c.errorf(e, "void value passed as an argument")
	case v.Type.Kind == ctype.KindFloat:
		return c.convert(e, v, ctype.Double, false)
	case v.Type.IsInteger():
		return c.convert(e, v, promote(v.Type), false)
	}
	return v, nil
}

// vaList resolves the va_list argument of a builtin to its address.
func (c *Compiler) vaList(e ast.Expr) (abi.Value, error) {
	addr, t, err := c.addr(e)
	if err != nil {
		return abi.Value{}, err
	}
	if vl := c.abi.VaListType(); !sameType(t, vl) {
		return abi.Value{}, c.errorf(e, "argument has type %s, want va_list", t)
	}
	return abi.Value{Node: addr, Type: t}, nil
}

func (c *Compiler) vaStart(e *ast.CallExpr) (abi.Value, error) {
	if !c.fn.sig.Variadic {
		return abi.Value{}, c.errorf(e, "va_start used in non-variadic function %s", c.fn.name)
	}
	if len(e.Args) != 1 {
		return abi.Value{}, c.errorf(e, "va_start takes one argument")
	}
	ap, err := c.vaList(e.Args[0])
	if err != nil {
		return abi.Value{}, err
	}
	c.abi.LowerVaStart(c.b, ap)
	return abi.Value{Type: ctype.Void}, nil
}

func (c *Compiler) vaArg(e *ast.CallExpr) (abi.Value, error) {
	if len(e.Args) != 2 {
		return abi.Value{}, c.errorf(e, "va_arg takes a va_list and a type")
	}
	ap, err := c.vaList(e.Args[0])
	if err != nil {
		return abi.Value{}, err
	}
	t, err := c.resolveType(e.Args[1])
	if err != nil {
		return abi.Value{}, c.wrap(e.Args[1], err)
	}
	if t.Kind == ctype.KindVoid {
		return abi.Value{}, c.errorf(e.Args[1], "va_arg of void")
	}
	v := c.abi.LowerVaArg(c.b, ap, t)
	v.Type = t
	return v, nil
}
