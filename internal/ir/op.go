package ir

import "fmt"

// Op is the operation a node performs.
type Op uint8

const (
	OpInvalid Op = iota

	// Control.
	OpStart  // function start; produces the initial memory state
	OpEntry  // entry block: [start]
	OpRegion // merge block: [pred0, pred1]
	OpIf     // [block, cond]
	OpProj   // successor block of an If: [if]; Aux 1 for the true edge
	OpReturn // [block, state]
	OpPhi    // [region, v0, v1]

	// Leaves.
	OpConst     // Aux holds the bits
	OpSymbol    // Sym, Aux is the addend
	OpAlloc     // Aux size, Aux2 alignment
	OpStackAddr // Aux area, Aux2 offset

	// Integer arithmetic: [x, y].
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpUDiv
	OpMod
	OpUMod
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar

	// Floating point arithmetic: [x, y].
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv

	// Unary: [x].
	OpNeg
	OpNot
	OpFNeg

	// Comparisons produce a 32-bit 0 or 1: [x, y].
	OpEq
	OpNe
	OpLt
	OpLe
	OpULt
	OpULe
	OpFEq
	OpFLt
	OpFLe

	// Conversions: [x].
	OpSExt
	OpZExt
	OpTrunc
	OpIToF
	OpFToI
	OpFConv

	// Memory and machine state.
	OpLoad   // [state, addr]
	OpStore  // [state, addr, value]
	OpCopy   // [state, dst, src]; Aux size, Aux2 alignment
	OpCall   // [state, callee]; Aux outgoing stack bytes
	OpRegGet // [state]; Aux register
	OpRegSet // [state, value]; Aux register
)

var opNames = [...]string{
	OpInvalid:   "invalid",
	OpStart:     "start",
	OpEntry:     "entry",
	OpRegion:    "region",
	OpIf:        "if",
	OpProj:      "proj",
	OpReturn:    "return",
	OpPhi:       "phi",
	OpConst:     "const",
	OpSymbol:    "symbol",
	OpAlloc:     "alloc",
	OpStackAddr: "stackaddr",
	OpAdd:       "add",
	OpSub:       "sub",
	OpMul:       "mul",
	OpDiv:       "div",
	OpUDiv:      "udiv",
	OpMod:       "mod",
	OpUMod:      "umod",
	OpAnd:       "and",
	OpOr:        "or",
	OpXor:       "xor",
	OpShl:       "shl",
	OpShr:       "shr",
	OpSar:       "sar",
	OpFAdd:      "fadd",
	OpFSub:      "fsub",
	OpFMul:      "fmul",
	OpFDiv:      "fdiv",
	OpNeg:       "neg",
	OpNot:       "not",
	OpFNeg:      "fneg",
	OpEq:        "eq",
	OpNe:        "ne",
	OpLt:        "lt",
	OpLe:        "le",
	OpULt:       "ult",
	OpULe:       "ule",
	OpFEq:       "feq",
	OpFLt:       "flt",
	OpFLe:       "fle",
	OpSExt:      "sext",
	OpZExt:      "zext",
	OpTrunc:     "trunc",
	OpIToF:      "itof",
	OpFToI:      "ftoi",
	OpFConv:     "fconv",
	OpLoad:      "load",
	OpStore:     "store",
	OpCopy:      "copy",
	OpCall:      "call",
	OpRegGet:    "regget",
	OpRegSet:    "regset",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// IsControl reports whether nodes of this op start a basic block.
func (op Op) IsControl() bool {
	return op == OpEntry || op == OpRegion || op == OpProj
}

// IsBinary reports whether op is a two-operand arithmetic op.
func (op Op) IsBinary() bool { return op >= OpAdd && op <= OpFDiv }

// IsCompare reports whether op is a comparison.
func (op Op) IsCompare() bool { return op >= OpEq && op <= OpFLe }

// IsConvert reports whether op is a conversion.
func (op Op) IsConvert() bool { return op >= OpSExt && op <= OpFConv }

// IsUnary reports whether op is a one-operand arithmetic op.
func (op Op) IsUnary() bool { return op >= OpNeg && op <= OpFNeg }

// ProducesState reports whether nodes of this op are memory state values.
func (op Op) ProducesState() bool {
	switch op {
	case OpStart, OpStore, OpCopy, OpCall, OpRegSet:
		return true
	}
	return false
}

// Pinned reports whether nodes of this op stay in the block they were built
// in. Everything else floats until scheduling.
func (op Op) Pinned() bool {
	switch op {
	case OpStart, OpIf, OpReturn, OpPhi,
		OpLoad, OpStore, OpCopy, OpCall, OpRegGet, OpRegSet,
		OpDiv, OpUDiv, OpMod, OpUMod:
		return true
	}
	return op.IsControl()
}

// Type is the machine type of a value: its width in bytes and how the bits
// are interpreted. State and control nodes have the zero Type.
type Type struct {
	Size     uint8
	Float    bool
	Unsigned bool
}

var (
	I8  = Type{Size: 1}
	I16 = Type{Size: 2}
	I32 = Type{Size: 4}
	I64 = Type{Size: 8}
	U8  = Type{Size: 1, Unsigned: true}
	U16 = Type{Size: 2, Unsigned: true}
	U32 = Type{Size: 4, Unsigned: true}
	U64 = Type{Size: 8, Unsigned: true}
	F32 = Type{Size: 4, Float: true}
	F64 = Type{Size: 8, Float: true}
	Ptr = U64
)

// IsVoid reports whether the type carries no value.
func (t Type) IsVoid() bool { return t.Size == 0 }

func (t Type) String() string {
	switch {
	case t.Size == 0:
		return "void"
	case t.Float:
		return fmt.Sprintf("f%d", t.Size*8)
	case t.Unsigned:
		return fmt.Sprintf("u%d", t.Size*8)
	}
	return fmt.Sprintf("i%d", t.Size*8)
}

// Area selects the frame region a StackAddr node points into.
type Area int64

const (
	// AreaIncoming is the caller's outgoing argument area, above the return
	// address.
	AreaIncoming Area = iota
	// AreaOutgoing is the argument area at the bottom of this frame.
	AreaOutgoing
	// AreaSave is the register save area where the prologue spills the
	// argument registers.
	AreaSave
)

func (a Area) String() string {
	switch a {
	case AreaIncoming:
		return "incoming"
	case AreaOutgoing:
		return "outgoing"
	case AreaSave:
		return "save"
	}
	return fmt.Sprintf("Area(%d)", int64(a))
}
