package front

import (
	"encoding/binary"
	"fmt"
	"go/ast"
	"go/constant"
	"go/token"
	"math"
	"strconv"

	"github.com/tinyrange/ccomp/internal/abi"
	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/ir"
)

var builtinTypes = map[string]*ctype.Type{
	"int8":    ctype.Char,
	"int16":   ctype.Short,
	"int32":   ctype.Int,
	"rune":    ctype.Int,
	"int64":   ctype.Long,
	"int":     ctype.Long,
	"uint8":   ctype.UChar,
	"byte":    ctype.UChar,
	"uint16":  ctype.UShort,
	"uint32":  ctype.UInt,
	"uint64":  ctype.ULong,
	"uint":    ctype.ULong,
	"uintptr": ctype.ULong,
	"float32": ctype.Float,
	"float64": ctype.Double,
	"bool":    ctype.Bool,
	"void":    ctype.Void,
}

// namedType tracks a type declaration while struct layouts are computed.
type namedType struct {
	spec    *ast.TypeSpec
	typ     *ctype.Type
	state   int // 0 pending, 1 in progress, 2 done
	isAlias bool
}

func (c *Compiler) declareTypes(decl *ast.GenDecl) error {
	for _, spec := range decl.Specs {
		ts := spec.(*ast.TypeSpec)
		name := ts.Name.Name
		if _, ok := builtinTypes[name]; ok || name == "va_list" {
			return c.errorf(ts.Name, "cannot redeclare builtin type %s", name)
		}
		if _, ok := c.named[name]; ok {
			return c.errorf(ts.Name, "type %s redeclared", name)
		}
		if ts.TypeParams != nil {
			return c.errorf(ts, "type parameters are not supported (%s)", name)
		}
		nt := &namedType{spec: ts}
		if _, ok := ts.Type.(*ast.StructType); ok {
			// Allocated up front so that pointers to it resolve before
			// its layout is known.
			nt.typ = &ctype.Type{Kind: ctype.KindStruct, Name: name}
		} else {
			nt.isAlias = true
		}
		c.named[name] = nt
	}
	return nil
}

func (c *Compiler) defineTypes(decl *ast.GenDecl) error {
	for _, spec := range decl.Specs {
		ts := spec.(*ast.TypeSpec)
		if _, err := c.complete(ts.Name.Name); err != nil {
			return c.wrap(ts, err)
		}
	}
	return nil
}

// complete finishes the named type, laying out structs it depends on by
// value first.
func (c *Compiler) complete(name string) (*ctype.Type, error) {
	nt := c.named[name]
	switch nt.state {
	case 2:
		return nt.typ, nil
	case 1:
		return nil, fmt.Errorf("invalid recursive type %s", name)
	}
	nt.state = 1
	if nt.isAlias {
		t, err := c.resolveType(nt.spec.Type)
		if err != nil {
			return nil, fmt.Errorf("type %s: %w", name, err)
		}
		nt.typ = t
	} else {
		fields, err := c.fields(nt.spec.Type.(*ast.StructType))
		if err != nil {
			return nil, fmt.Errorf("type %s: %w", name, err)
		}
		nt.typ.Fields = fields
		ctype.Layout(nt.typ)
	}
	nt.state = 2
	return nt.typ, nil
}

func (c *Compiler) fields(st *ast.StructType) ([]ctype.Field, error) {
	var fields []ctype.Field
	for _, f := range st.Fields.List {
		if len(f.Names) == 0 {
			return nil, fmt.Errorf("embedded fields are not supported")
		}
		t, err := c.resolveType(f.Type)
		if err != nil {
			return nil, err
		}
		if t.Kind == ctype.KindVoid || t.Kind == ctype.KindFunc {
			return nil, fmt.Errorf("invalid field type %s", t)
		}
		for _, n := range f.Names {
			fields = append(fields, ctype.Field{Name: n.Name, Type: t})
		}
	}
	return fields, nil
}

// resolveType returns the complete type denoted by expr.
func (c *Compiler) resolveType(expr ast.Expr) (*ctype.Type, error) {
	return c.typeOf(expr, true)
}

// typeOf resolves expr. Named structs are only laid out when complete is
// set; pointers may refer to structs still being declared.
func (c *Compiler) typeOf(expr ast.Expr, complete bool) (*ctype.Type, error) {
	switch t := expr.(type) {
	case *ast.Ident:
		if bt, ok := builtinTypes[t.Name]; ok {
			return bt, nil
		}
		if t.Name == "va_list" {
			return c.abi.VaListType(), nil
		}
		nt, ok := c.named[t.Name]
		if !ok {
			return nil, fmt.Errorf("unknown type %q", t.Name)
		}
		if !complete && !nt.isAlias {
			return nt.typ, nil
		}
		return c.complete(t.Name)
	case *ast.ParenExpr:
		return c.typeOf(t.X, complete)
	case *ast.StarExpr:
		elem, err := c.typeOf(t.X, false)
		if err != nil {
			return nil, err
		}
		return ctype.PointerTo(elem), nil
	case *ast.ArrayType:
		if t.Len == nil {
			return nil, fmt.Errorf("slices are not supported")
		}
		n, ok := c.constValue(t.Len, -1)
		if !ok || n.Kind() != constant.Int {
			return nil, fmt.Errorf("array length must be a constant integer")
		}
		length, exact := constant.Int64Val(n)
		if !exact || length < 0 {
			return nil, fmt.Errorf("invalid array length %s", n)
		}
		elem, err := c.resolveType(t.Elt)
		if err != nil {
			return nil, err
		}
		if elem.Kind == ctype.KindVoid {
			return nil, fmt.Errorf("array of void")
		}
		return ctype.ArrayOf(elem, int(length)), nil
	case *ast.StructType:
		fields, err := c.fields(t)
		if err != nil {
			return nil, err
		}
		return ctype.NewStruct("", fields, false), nil
	case *ast.FuncType:
		return c.signature(t)
	}
	return nil, fmt.Errorf("unsupported type %T", expr)
}

// isType reports whether expr names a type rather than a value, for
// telling conversions from calls.
func (c *Compiler) isType(expr ast.Expr) bool {
	switch t := expr.(type) {
	case *ast.Ident:
		if c.scope != nil {
			if _, ok := c.scope.lookup(t.Name); ok {
				return false
			}
		}
		if c.defined(t.Name) {
			return false
		}
		_, builtin := builtinTypes[t.Name]
		_, named := c.named[t.Name]
		return builtin || named || t.Name == "va_list"
	case *ast.ParenExpr:
		return c.isType(t.X)
	case *ast.StarExpr:
		return c.isType(t.X)
	case *ast.ArrayType, *ast.StructType, *ast.FuncType:
		return true
	}
	return false
}

// sameType reports whether values of a and b are interchangeable without
// conversion.
func sameType(a, b *ctype.Type) bool {
	if a == b {
		return true
	}
	if a.Kind != b.Kind || a.Size != b.Size || a.Unsigned != b.Unsigned {
		return false
	}
	switch a.Kind {
	case ctype.KindPointer:
		return a.Elem.Kind == ctype.KindVoid || b.Elem.Kind == ctype.KindVoid || sameType(a.Elem, b.Elem)
	case ctype.KindArray:
		return a.Len == b.Len && sameType(a.Elem, b.Elem)
	case ctype.KindStruct, ctype.KindUnion, ctype.KindFunc:
		return false
	}
	return true
}

// promote applies the integer promotions: anything narrower than int
// widens to int.
func promote(t *ctype.Type) *ctype.Type {
	if t.IsInteger() && t.Size < ctype.Int.Size {
		return ctype.Int
	}
	return t
}

// arithType is the type both operands of an arithmetic operator convert
// to.
func arithType(a, b *ctype.Type) *ctype.Type {
	if a.IsFloat() || b.IsFloat() {
		if a.Kind == ctype.KindDouble || b.Kind == ctype.KindDouble {
			return ctype.Double
		}
		return ctype.Float
	}
	a, b = promote(a), promote(b)
	switch {
	case a.Size > b.Size:
		return a
	case b.Size > a.Size:
		return b
	case a.Unsigned:
		return a
	}
	return b
}

// constValue evaluates e as an untyped constant expression. iota is the
// index of the enclosing const spec, or -1 outside const declarations.
func (c *Compiler) constValue(e ast.Expr, iota int) (constant.Value, bool) {
	switch e := e.(type) {
	case *ast.BasicLit:
		if e.Kind == token.STRING {
			return nil, false
		}
		v := constant.MakeFromLiteral(e.Value, e.Kind, 0)
		return v, v.Kind() != constant.Unknown
	case *ast.Ident:
		if c.scope != nil {
			if _, ok := c.scope.lookup(e.Name); ok {
				return nil, false
			}
		}
		if v, ok := c.constants[e.Name]; ok {
			return v, true
		}
		switch {
		case e.Name == "true":
			return constant.MakeBool(true), true
		case e.Name == "false":
			return constant.MakeBool(false), true
		case e.Name == "iota" && iota >= 0:
			return constant.MakeInt64(int64(iota)), true
		}
	case *ast.ParenExpr:
		return c.constValue(e.X, iota)
	case *ast.UnaryExpr:
		x, ok := c.constValue(e.X, iota)
		if !ok {
			return nil, false
		}
		switch e.Op {
		case token.ADD, token.SUB, token.XOR:
			if x.Kind() != constant.Int && x.Kind() != constant.Float {
				return nil, false
			}
			if e.Op == token.XOR && x.Kind() != constant.Int {
				return nil, false
			}
		case token.NOT:
			if x.Kind() != constant.Bool {
				return nil, false
			}
		default:
			return nil, false
		}
		return constant.UnaryOp(e.Op, x, 0), true
	case *ast.BinaryExpr:
		x, ok := c.constValue(e.X, iota)
		if !ok {
			return nil, false
		}
		y, ok := c.constValue(e.Y, iota)
		if !ok {
			return nil, false
		}
		return constBinary(e.Op, x, y)
	}
	return nil, false
}

func constBinary(op token.Token, x, y constant.Value) (constant.Value, bool) {
	numeric := func(v constant.Value) bool {
		return v.Kind() == constant.Int || v.Kind() == constant.Float
	}
	switch op {
	case token.SHL, token.SHR:
		if x.Kind() != constant.Int || y.Kind() != constant.Int {
			return nil, false
		}
		s, ok := constant.Uint64Val(y)
		if !ok || s > 64 {
			return nil, false
		}
		return constant.Shift(x, op, uint(s)), true
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		if x.Kind() == constant.Bool && y.Kind() == constant.Bool && (op == token.EQL || op == token.NEQ) {
			return constant.MakeBool(constant.Compare(x, op, y)), true
		}
		if !numeric(x) || !numeric(y) {
			return nil, false
		}
		return constant.MakeBool(constant.Compare(x, op, y)), true
	case token.LAND, token.LOR:
		if x.Kind() != constant.Bool || y.Kind() != constant.Bool {
			return nil, false
		}
		return constant.BinaryOp(x, op, y), true
	case token.QUO, token.REM:
		if !numeric(x) || !numeric(y) || constant.Sign(y) == 0 {
			return nil, false
		}
		if x.Kind() == constant.Int && y.Kind() == constant.Int {
			if op == token.QUO {
				op = token.QUO_ASSIGN
			}
			return constant.BinaryOp(x, op, y), true
		}
		if op == token.REM {
			return nil, false
		}
		return constant.BinaryOp(x, op, y), true
	case token.AND, token.OR, token.XOR, token.AND_NOT:
		if x.Kind() != constant.Int || y.Kind() != constant.Int {
			return nil, false
		}
		return constant.BinaryOp(x, op, y), true
	case token.ADD, token.SUB, token.MUL:
		if !numeric(x) || !numeric(y) {
			return nil, false
		}
		return constant.BinaryOp(x, op, y), true
	}
	return nil, false
}

// defaultType is the type an untyped constant takes without context.
func defaultType(v constant.Value) *ctype.Type {
	switch v.Kind() {
	case constant.Bool:
		return ctype.Bool
	case constant.Float:
		return ctype.Double
	}
	return ctype.Long
}

// constBits converts v to the bit pattern of a scalar of type t.
func constBits(v constant.Value, t *ctype.Type) (int64, error) {
	if v.Kind() == constant.Bool {
		if t.Kind != ctype.KindBool {
			return 0, fmt.Errorf("cannot use bool constant as %s", t)
		}
		if constant.BoolVal(v) {
			return 1, nil
		}
		return 0, nil
	}
	if t.Kind == ctype.KindBool {
		return 0, fmt.Errorf("cannot use %s as bool", v)
	}
	if t.IsFloat() {
		f, _ := constant.Float64Val(v)
		if t.Size == 4 {
			return int64(math.Float32bits(float32(f))), nil
		}
		return int64(math.Float64bits(f)), nil
	}
	if v.Kind() == constant.Float {
		iv := constant.ToInt(v)
		if iv.Kind() != constant.Int {
			return 0, fmt.Errorf("constant %s truncated to integer", v)
		}
		v = iv
	}
	bits := uint(t.Size * 8)
	if i, exact := constant.Int64Val(v); exact {
		if t.Kind != ctype.KindPointer && bits < 64 {
			lo, hi := int64(-1)<<(bits-1), int64(1)<<(bits-1)-1
			if t.Unsigned {
				lo, hi = 0, int64(1)<<bits-1
			}
			if i < lo || i > hi {
				return 0, fmt.Errorf("constant %s overflows %s", v, t)
			}
		} else if t.Unsigned && i < 0 && t.Kind != ctype.KindPointer {
			return 0, fmt.Errorf("constant %s overflows %s", v, t)
		}
		return i, nil
	}
	if u, exact := constant.Uint64Val(v); exact && t.Unsigned && bits == 64 {
		return int64(u), nil
	}
	return 0, fmt.Errorf("constant %s overflows %s", v, t)
}

// staticInit builds the initial bytes of a global of type t.
func (c *Compiler) staticInit(e ast.Expr, t *ctype.Type) ([]byte, []ir.GlobalReloc, error) {
	data := make([]byte, t.Size)
	var relocs []ir.GlobalReloc
	if err := c.staticValue(e, t, data, 0, &relocs); err != nil {
		return nil, nil, err
	}
	return data, relocs, nil
}

func (c *Compiler) staticValue(e ast.Expr, t *ctype.Type, data []byte, off int, relocs *[]ir.GlobalReloc) error {
	if v, ok := c.constValue(e, -1); ok {
		if !t.IsScalar() {
			return c.errorf(e, "cannot use constant %s as %s", v, t)
		}
		bits, err := constBits(v, t)
		if err != nil {
			return c.wrap(e, err)
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(bits))
		copy(data[off:off+t.Size], buf[:t.Size])
		return nil
	}
	switch x := e.(type) {
	case *ast.ParenExpr:
		return c.staticValue(x.X, t, data, off, relocs)
	case *ast.Ident:
		if x.Name == "nil" && t.IsPointer() {
			return nil
		}
	case *ast.BasicLit:
		if x.Kind == token.STRING && t.IsPointer() {
			s, err := strconv.Unquote(x.Value)
			if err != nil {
				return c.errorf(x, "invalid string literal: %v", err)
			}
			*relocs = append(*relocs, ir.GlobalReloc{Offset: off, Symbol: c.unit.StringLiteral(s)})
			return nil
		}
	case *ast.UnaryExpr:
		if id, ok := x.X.(*ast.Ident); ok && x.Op == token.AND && t.IsPointer() {
			if _, ok := c.globals[id.Name]; ok {
				*relocs = append(*relocs, ir.GlobalReloc{Offset: off, Symbol: id.Name})
				return nil
			}
			if _, ok := c.funcs[id.Name]; ok {
				*relocs = append(*relocs, ir.GlobalReloc{Offset: off, Symbol: id.Name})
				return nil
			}
		}
	case *ast.CompositeLit:
		if x.Type != nil {
			lt, err := c.resolveType(x.Type)
			if err != nil {
				return c.wrap(x.Type, err)
			}
			if !sameType(lt, t) {
				return c.errorf(x, "cannot use %s value as %s", lt, t)
			}
		}
		return c.elements(x, t, func(elt ast.Expr, et *ctype.Type, eoff int) error {
			return c.staticValue(elt, et, data, off+eoff, relocs)
		})
	}
	return c.errorf(e, "initializer of %s is not a constant", t)
}

// elements walks the elements of a composite literal of type t, calling
// fn with each element's expression, type and byte offset.
func (c *Compiler) elements(lit *ast.CompositeLit, t *ctype.Type, fn func(ast.Expr, *ctype.Type, int) error) error {
	switch t.Kind {
	case ctype.KindStruct:
		keyed := len(lit.Elts) > 0
		for _, elt := range lit.Elts {
			if _, ok := elt.(*ast.KeyValueExpr); !ok {
				keyed = false
			}
		}
		if !keyed && len(lit.Elts) > 0 && len(lit.Elts) != len(t.Fields) {
			return c.errorf(lit, "wrong number of values in %s literal", t)
		}
		for i, elt := range lit.Elts {
			var f ctype.Field
			if !keyed {
				f = t.Fields[i]
			}
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				if !keyed {
					return c.errorf(elt, "mixture of field:value and value elements in struct literal")
				}
				id, ok := kv.Key.(*ast.Ident)
				if !ok {
					return c.errorf(kv.Key, "invalid field name")
				}
				if f, ok = t.Field(id.Name); !ok {
					return c.errorf(kv.Key, "unknown field %s in %s", id.Name, t)
				}
				elt = kv.Value
			} else if keyed {
				return c.errorf(elt, "mixture of field:value and value elements in struct literal")
			}
			if err := fn(elt, f.Type, f.Offset); err != nil {
				return err
			}
		}
		return nil
	case ctype.KindArray:
		idx := 0
		for _, elt := range lit.Elts {
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				k, ok := c.constValue(kv.Key, -1)
				if !ok || k.Kind() != constant.Int {
					return c.errorf(kv.Key, "index must be a constant integer")
				}
				i, _ := constant.Int64Val(k)
				idx = int(i)
				elt = kv.Value
			}
			if idx < 0 || idx >= t.Len {
				return c.errorf(elt, "index %d out of bounds [0:%d]", idx, t.Len)
			}
			if err := fn(elt, t.Elem, idx*t.Elem.Size); err != nil {
				return err
			}
			idx++
		}
		return nil
	}
	return c.errorf(lit, "invalid composite literal type %s", t)
}

// zeroValue returns the zero value of t.
func (c *Compiler) zeroValue(t *ctype.Type) abi.Value {
	if t.IsAggregate() {
		addr := c.b.Alloc(t.Size, t.Align, "zero")
		c.zero(addr, t)
		return abi.Value{Node: addr, Type: t}
	}
	return abi.Value{Node: c.b.Const(abi.MachineType(t), 0), Type: t}
}

// zero clears the object of type t at addr.
func (c *Compiler) zero(addr ir.NodeID, t *ctype.Type) {
	if !t.IsAggregate() {
		c.b.Store(addr, c.b.Const(abi.MachineType(t), 0))
		return
	}
	off := 0
	for _, chunk := range []struct {
		size int
		typ  ir.Type
	}{{8, ir.U64}, {4, ir.U32}, {2, ir.U16}, {1, ir.U8}} {
		for t.Size-off >= chunk.size {
			c.b.Store(c.offset(addr, off), c.b.Const(chunk.typ, 0))
			off += chunk.size
		}
	}
}
