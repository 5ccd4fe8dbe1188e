// Package ctype describes the types of the source language: scalars,
// pointers, arrays, structs, unions and function signatures, together with
// the layout routine that assigns field offsets.
package ctype

import (
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindFunc
)

var kindNames = [...]string{
	KindVoid:    "void",
	KindBool:    "bool",
	KindChar:    "char",
	KindShort:   "short",
	KindInt:     "int",
	KindLong:    "long",
	KindFloat:   "float",
	KindDouble:  "double",
	KindPointer: "pointer",
	KindArray:   "array",
	KindStruct:  "struct",
	KindUnion:   "union",
	KindFunc:    "func",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Field is a member of a struct or union. Offset is the byte offset of the
// field, or of the storage unit holding it for bit-fields. BitOffset counts
// from the least significant bit of that unit.
type Field struct {
	Name      string
	Type      *Type
	Offset    int
	BitField  bool
	BitWidth  int
	BitOffset int
}

// Type is a node in the type graph. Size and Align are valid for every
// complete type; for structs and unions they are assigned by Layout.
type Type struct {
	Kind     Kind
	Size     int
	Align    int
	Unsigned bool

	// Elem is the pointee of a pointer or the element of an array.
	Elem *Type
	Len  int

	Name   string
	Fields []Field
	Packed bool

	Result   *Type
	Params   []*Type
	Variadic bool
}

var (
	Void   = &Type{Kind: KindVoid, Size: 0, Align: 1}
	Bool   = &Type{Kind: KindBool, Size: 1, Align: 1, Unsigned: true}
	Char   = &Type{Kind: KindChar, Size: 1, Align: 1}
	UChar  = &Type{Kind: KindChar, Size: 1, Align: 1, Unsigned: true}
	Short  = &Type{Kind: KindShort, Size: 2, Align: 2}
	UShort = &Type{Kind: KindShort, Size: 2, Align: 2, Unsigned: true}
	Int    = &Type{Kind: KindInt, Size: 4, Align: 4}
	UInt   = &Type{Kind: KindInt, Size: 4, Align: 4, Unsigned: true}
	Long   = &Type{Kind: KindLong, Size: 8, Align: 8}
	ULong  = &Type{Kind: KindLong, Size: 8, Align: 8, Unsigned: true}
	Float  = &Type{Kind: KindFloat, Size: 4, Align: 4}
	Double = &Type{Kind: KindDouble, Size: 8, Align: 8}
)

// PointerTo returns a pointer to elem.
func PointerTo(elem *Type) *Type {
	return &Type{Kind: KindPointer, Size: 8, Align: 8, Unsigned: true, Elem: elem}
}

// ArrayOf returns an array of n elements.
func ArrayOf(elem *Type, n int) *Type {
	return &Type{Kind: KindArray, Size: elem.Size * n, Align: elem.Align, Elem: elem, Len: n}
}

// NewStruct builds a struct type and lays it out.
func NewStruct(name string, fields []Field, packed bool) *Type {
	t := &Type{Kind: KindStruct, Name: name, Fields: fields, Packed: packed}
	Layout(t)
	return t
}

// NewUnion builds a union type and lays it out.
func NewUnion(name string, fields []Field) *Type {
	t := &Type{Kind: KindUnion, Name: name, Fields: fields}
	Layout(t)
	return t
}

// NewFunc builds a function signature.
func NewFunc(result *Type, params []*Type, variadic bool) *Type {
	if result == nil {
		result = Void
	}
	return &Type{Kind: KindFunc, Size: 1, Align: 1, Result: result, Params: params, Variadic: variadic}
}

func (t *Type) IsInteger() bool {
	switch t.Kind {
	case KindBool, KindChar, KindShort, KindInt, KindLong:
		return true
	}
	return false
}

func (t *Type) IsFloat() bool { return t.Kind == KindFloat || t.Kind == KindDouble }

func (t *Type) IsPointer() bool { return t.Kind == KindPointer }

// IsScalar reports whether values of the type fit in one register.
func (t *Type) IsScalar() bool { return t.IsInteger() || t.IsFloat() || t.IsPointer() }

// IsAggregate reports whether values of the type are handled by address.
func (t *Type) IsAggregate() bool {
	return t.Kind == KindStruct || t.Kind == KindUnion || t.Kind == KindArray
}

// Field returns the named member.
func (t *Type) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (t *Type) String() string {
	switch t.Kind {
	case KindPointer:
		return "*" + t.Elem.String()
	case KindArray:
		return fmt.Sprintf("[%d]%s", t.Len, t.Elem)
	case KindStruct, KindUnion:
		if t.Name != "" {
			return t.Kind.String() + " " + t.Name
		}
		var b strings.Builder
		b.WriteString(t.Kind.String())
		b.WriteString(" {")
		for i, f := range t.Fields {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(" " + f.Name + " " + f.Type.String())
		}
		b.WriteString(" }")
		return b.String()
	case KindFunc:
		var b strings.Builder
		b.WriteString("func(")
		for i, p := range t.Params {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.String())
		}
		if t.Variadic {
			if len(t.Params) > 0 {
				b.WriteString(", ")
			}
			b.WriteString("...")
		}
		b.WriteString(") " + t.Result.String())
		return b.String()
	}
	if t.Unsigned && t.Kind != KindBool {
		return "unsigned " + t.Kind.String()
	}
	return t.Kind.String()
}
