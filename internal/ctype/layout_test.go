package ctype

import "testing"

func fields(t *Type) map[string]Field {
	out := make(map[string]Field)
	for _, f := range t.Fields {
		out[f.Name] = f
	}
	return out
}

func TestLayoutStruct(t *testing.T) {
	s := NewStruct("s", []Field{
		{Name: "a", Type: Char},
		{Name: "b", Type: Int},
		{Name: "c", Type: Long},
	}, false)
	if s.Size != 16 || s.Align != 8 {
		t.Fatalf("size=%d align=%d, want 16/8", s.Size, s.Align)
	}
	f := fields(s)
	if f["a"].Offset != 0 || f["b"].Offset != 4 || f["c"].Offset != 8 {
		t.Fatalf("offsets a=%d b=%d c=%d, want 0/4/8", f["a"].Offset, f["b"].Offset, f["c"].Offset)
	}
}

func TestLayoutTailPadding(t *testing.T) {
	s := NewStruct("", []Field{
		{Name: "x", Type: Long},
		{Name: "y", Type: Char},
	}, false)
	if s.Size != 16 {
		t.Fatalf("size=%d, want 16", s.Size)
	}
}

func TestLayoutPacked(t *testing.T) {
	s := NewStruct("p", []Field{
		{Name: "a", Type: Char},
		{Name: "b", Type: Int},
		{Name: "c", Type: Short},
	}, true)
	if s.Size != 7 || s.Align != 1 {
		t.Fatalf("size=%d align=%d, want 7/1", s.Size, s.Align)
	}
	if got := fields(s)["b"].Offset; got != 1 {
		t.Fatalf("b offset=%d, want 1", got)
	}
}

func TestLayoutBitFields(t *testing.T) {
	s := NewStruct("bits", []Field{
		{Name: "a", Type: UInt, BitField: true, BitWidth: 3},
		{Name: "b", Type: UInt, BitField: true, BitWidth: 30},
		{Name: "c", Type: UChar, BitField: true, BitWidth: 4},
		{Name: "", Type: UInt, BitField: true, BitWidth: 0},
		{Name: "d", Type: Char},
	}, false)
	f := fields(s)
	if f["a"].Offset != 0 || f["a"].BitOffset != 0 {
		t.Fatalf("a at %d:%d, want 0:0", f["a"].Offset, f["a"].BitOffset)
	}
	// b does not fit in the remaining 29 bits of the first unit.
	if f["b"].Offset != 4 || f["b"].BitOffset != 0 {
		t.Fatalf("b at %d:%d, want 4:0", f["b"].Offset, f["b"].BitOffset)
	}
	// c starts at bit 62, which does not fit in the byte at offset 7.
	if f["c"].Offset != 8 || f["c"].BitOffset != 0 {
		t.Fatalf("c at %d:%d, want 8:0", f["c"].Offset, f["c"].BitOffset)
	}
	if f["d"].Offset != 12 {
		t.Fatalf("d offset=%d, want 12", f["d"].Offset)
	}
	if s.Size != 16 || s.Align != 4 {
		t.Fatalf("size=%d align=%d, want 16/4", s.Size, s.Align)
	}
}

func TestLayoutUnion(t *testing.T) {
	u := NewUnion("u", []Field{
		{Name: "i", Type: Int},
		{Name: "d", Type: Double},
		{Name: "c", Type: ArrayOf(Char, 10)},
	})
	if u.Size != 16 || u.Align != 8 {
		t.Fatalf("size=%d align=%d, want 16/8", u.Size, u.Align)
	}
	for _, f := range u.Fields {
		if f.Offset != 0 {
			t.Fatalf("%s offset=%d, want 0", f.Name, f.Offset)
		}
	}
}

func TestTypeString(t *testing.T) {
	fn := NewFunc(Int, []*Type{PointerTo(Char)}, true)
	if got, want := fn.String(), "func(*char, ...) int"; got != want {
		t.Fatalf("String()=%q, want %q", got, want)
	}
	if got := ULong.String(); got != "unsigned long" {
		t.Fatalf("String()=%q", got)
	}
}
