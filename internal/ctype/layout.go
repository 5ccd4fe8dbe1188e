package ctype

import "github.com/tinyrange/ccomp/internal/diag"

// Layout assigns byte and bit offsets to the fields of a struct or union and
// computes its size and alignment. A bit-field shares the storage unit of its
// declared type with its neighbours as long as it fits; a zero width
// bit-field closes the current unit. Packed structs align every field to one
// byte and pack bit-fields back to back.
func Layout(t *Type) {
	switch t.Kind {
	case KindStruct, KindUnion:
	default:
		diag.Bug("layout of non-aggregate type %s", t)
	}

	bits := 0
	size := 0
	align := 1
	for i := range t.Fields {
		f := &t.Fields[i]
		if f.Type == nil || (f.Type.Size == 0 && f.Type.Kind != KindArray) {
			diag.Bug("field %q of %s has incomplete type", f.Name, t)
		}
		fa := f.Type.Align
		if t.Packed {
			fa = 1
		}
		align = max(align, fa)

		if t.Kind == KindUnion {
			f.Offset = 0
			f.BitOffset = 0
			size = max(size, f.Type.Size)
			continue
		}

		unit := fa * 8
		switch {
		case f.BitField && f.BitWidth == 0:
			bits = alignUp(bits, f.Type.Align*8)
			f.Offset = bits / 8
		case f.BitField:
			if f.BitWidth > f.Type.Size*8 {
				diag.Bug("bit-field %q wider than its type", f.Name)
			}
			if t.Packed {
				f.Offset = bits / 8
				f.BitOffset = bits % 8
				if f.BitOffset+f.BitWidth > f.Type.Size*8 {
					diag.NotImplemented("packed bit-field %q straddling its storage unit", f.Name)
				}
			} else {
				start := bits / unit * unit
				if bits+f.BitWidth > start+f.Type.Size*8 {
					bits = alignUp(bits, unit)
					start = bits
				}
				f.Offset = start / 8
				f.BitOffset = bits - start
			}
			bits += f.BitWidth
		default:
			bits = alignUp(bits, unit)
			f.Offset = bits / 8
			bits += f.Type.Size * 8
		}
		size = max(size, alignUp(bits, 8)/8)
	}
	t.Align = align
	t.Size = alignUp(size, align)
}

func alignUp(v, a int) int {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

// AlignUp rounds v up to a multiple of a.
func AlignUp(v, a int) int { return alignUp(v, a) }
