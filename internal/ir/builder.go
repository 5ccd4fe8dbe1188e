package ir

import (
	"fmt"
	"math"

	"github.com/tinyrange/ccomp/internal/ctype"
	"github.com/tinyrange/ccomp/internal/diag"
)

// Function is one function body in the graph.
type Function struct {
	Graph    *Graph
	Name     string
	Sig      *ctype.Type
	Variadic bool
	// Exported functions get global symbols.
	Exported bool

	Start NodeID
	Entry NodeID
	// Blocks lists every block in creation order.
	Blocks []NodeID
	// Nodes lists every node built while the function was open.
	Nodes []NodeID

	// ABI is the calling convention's per-function state.
	ABI any
}

// GlobalReloc places the address of Symbol+Addend at Offset in a global.
type GlobalReloc struct {
	Offset int
	Symbol string
	Addend int64
}

// Global is a statically allocated object.
type Global struct {
	Name     string
	Size     int
	Align    int
	Data     []byte
	Relocs   []GlobalReloc
	Exported bool
}

// Unit is a translation unit: a node arena plus the functions and globals
// built into it.
type Unit struct {
	Graph   *Graph
	Funcs   []*Function
	Globals []*Global

	strings map[string]string
}

// NewUnit returns an empty translation unit.
func NewUnit() *Unit {
	return &Unit{Graph: NewGraph(), strings: make(map[string]string)}
}

// AddGlobal registers a global object.
func (u *Unit) AddGlobal(g *Global) {
	if g.Name == "" {
		panic("ir: global name must be non-empty")
	}
	if g.Align == 0 {
		g.Align = 1
	}
	u.Globals = append(u.Globals, g)
}

// StringLiteral returns the name of a read-only NUL terminated copy of s,
// creating it on first use.
func (u *Unit) StringLiteral(s string) string {
	if name, ok := u.strings[s]; ok {
		return name
	}
	name := fmt.Sprintf(".LC%d", len(u.strings))
	u.strings[s] = name
	u.AddGlobal(&Global{Name: name, Size: len(s) + 1, Align: 1, Data: append([]byte(s), 0)})
	return name
}

// Var names an SSA variable tracked by the builder. Var 0 is the memory
// state.
type Var int

// StateVar is the variable that threads memory state.
const StateVar Var = 0

type blockInfo struct {
	defs       map[Var]NodeID
	incomplete map[Var]NodeID
	sealed     bool
	dead       bool
}

// Builder constructs the functions of a Unit. Values read through variables
// are turned into SSA form on the fly: reading a variable in a block whose
// predecessors are not all known yet creates a placeholder phi that is
// completed when the block is sealed.
type Builder struct {
	Unit  *Unit
	Graph *Graph

	fn     *Function
	block  NodeID
	blocks map[NodeID]*blockInfo
	vars   []Type
}

// NewBuilder returns a builder over u.
func NewBuilder(u *Unit) *Builder {
	return &Builder{Unit: u, Graph: u.Graph}
}

// Function returns the open function.
func (b *Builder) Function() *Function { return b.fn }

// BeginFunction opens a new function and positions the builder in its
// entry block. Only one function may be open at a time.
func (b *Builder) BeginFunction(name string, sig *ctype.Type) *Function {
	if b.fn != nil {
		diag.Bug("BeginFunction(%s) while %s is still open", name, b.fn.Name)
	}
	fn := &Function{Graph: b.Graph, Name: name, Sig: sig, Exported: true}
	if sig != nil {
		fn.Variadic = sig.Variadic
	}
	b.fn = fn
	b.blocks = make(map[NodeID]*blockInfo)
	b.vars = []Type{{}}

	start := b.newNode(OpStart, Type{})
	fn.Start = start.ID
	entry := b.newNode(OpEntry, Type{}, start.ID)
	fn.Entry = entry.ID
	fn.Blocks = append(fn.Blocks, entry.ID)
	start.Block = entry.ID
	entry.Block = entry.ID
	b.info(entry.ID).sealed = true
	b.block = entry.ID
	b.writeVar(StateVar, entry.ID, start.ID)

	b.Unit.Funcs = append(b.Unit.Funcs, fn)
	return fn
}

// EndFunction closes the open function. Every block must have been sealed.
func (b *Builder) EndFunction() *Function {
	fn := b.fn
	if fn == nil {
		diag.Bug("EndFunction without an open function")
	}
	for _, blk := range fn.Blocks {
		if !b.info(blk).sealed {
			diag.Bug("block %d of %s was never sealed", blk, fn.Name)
		}
	}
	b.fn = nil
	b.block = 0
	b.blocks = nil
	b.vars = nil
	return fn
}

func (b *Builder) newNode(op Op, typ Type, args ...NodeID) *Node {
	if b.fn == nil {
		diag.Bug("building %s outside a function", op)
	}
	n := b.Graph.NewNode(op, typ, args...)
	n.Fn = b.fn
	if op.Pinned() && !op.IsControl() {
		n.Block = b.block
	}
	b.fn.Nodes = append(b.fn.Nodes, n.ID)
	return n
}

func (b *Builder) info(blk NodeID) *blockInfo {
	bi, ok := b.blocks[blk]
	if !ok {
		bi = &blockInfo{defs: make(map[Var]NodeID)}
		b.blocks[blk] = bi
	}
	return bi
}

// Block returns the current block, or nil after a terminator.
func (b *Builder) Block() NodeID { return b.block }

// SetBlock makes blk the current block.
func (b *Builder) SetBlock(blk NodeID) {
	if !b.Graph.Node(blk).IsControl() {
		diag.Bug("SetBlock(%d): not a block", blk)
	}
	b.block = blk
}

func (b *Builder) current() NodeID {
	if b.block == 0 {
		diag.Bug("no current block")
	}
	return b.block
}

// Reachable reports whether the current block can be reached from the entry.
func (b *Builder) Reachable() bool {
	return b.block != 0 && !b.info(b.block).dead
}

// NewRegion creates an unsealed merge block with no predecessors.
func (b *Builder) NewRegion() NodeID {
	r := b.newNode(OpRegion, Type{})
	r.Block = r.ID
	b.fn.Blocks = append(b.fn.Blocks, r.ID)
	b.info(r.ID)
	return r.ID
}

// Jump ends the current block with an edge to region.
func (b *Builder) Jump(region NodeID) {
	from := b.current()
	b.block = 0
	if b.info(from).dead {
		return
	}
	r := b.Graph.Node(region)
	if r.Op != OpRegion {
		diag.Bug("jump target %d is a %s, not a region", region, r.Op)
	}
	if b.info(region).sealed {
		diag.Bug("adding a predecessor to sealed region %d", region)
	}
	if r.NArgs == 2 {
		diag.Bug("region %d already has two predecessors", region)
	}
	b.Graph.appendArg(r, from)
}

// If ends the current block with a conditional branch on cond, which is
// true when non-zero. It returns the blocks taken when cond is true and when
// it is false.
func (b *Builder) If(cond NodeID) (then, els NodeID) {
	from := b.current()
	dead := b.info(from).dead
	n := b.newNode(OpIf, Type{}, from, cond)
	t := b.newNode(OpProj, Type{}, n.ID)
	t.Aux = 1
	t.Block = t.ID
	f := b.newNode(OpProj, Type{}, n.ID)
	f.Block = f.ID
	for _, p := range []*Node{t, f} {
		b.fn.Blocks = append(b.fn.Blocks, p.ID)
		bi := b.info(p.ID)
		bi.sealed = true
		bi.dead = dead
	}
	b.block = 0
	return t.ID, f.ID
}

// Return ends the current block, returning to the caller. Return values
// travel through RegSet nodes built beforehand.
func (b *Builder) Return() {
	from := b.current()
	if !b.info(from).dead {
		b.newNode(OpReturn, Type{}, from, b.State())
	}
	b.block = 0
}

// Seal declares that region has all of its predecessors and completes the
// phis created while it was open.
func (b *Builder) Seal(region NodeID) {
	bi := b.info(region)
	if bi.sealed {
		diag.Bug("region %d sealed twice", region)
	}
	bi.sealed = true
	r := b.Graph.Node(region)
	if r.NArgs == 0 && region != b.fn.Entry {
		bi.dead = true
	}
	for v, phi := range bi.incomplete {
		b.addPhiOperands(v, phi)
	}
	bi.incomplete = nil
}

// NewVar allocates a variable of type t.
func (b *Builder) NewVar(t Type) Var {
	b.vars = append(b.vars, t)
	return Var(len(b.vars) - 1)
}

// WriteVar records the value of v at the end of the current block.
func (b *Builder) WriteVar(v Var, value NodeID) {
	b.writeVar(v, b.current(), value)
}

// ReadVar returns the value of v in the current block.
func (b *Builder) ReadVar(v Var) NodeID {
	return b.readVar(v, b.current())
}

// State returns the current memory state.
func (b *Builder) State() NodeID { return b.ReadVar(StateVar) }

// SetState replaces the current memory state.
func (b *Builder) SetState(s NodeID) { b.WriteVar(StateVar, s) }

func (b *Builder) writeVar(v Var, blk, value NodeID) {
	b.info(blk).defs[v] = value
}

func (b *Builder) readVar(v Var, blk NodeID) NodeID {
	bi := b.info(blk)
	if val, ok := bi.defs[v]; ok {
		return val
	}
	var val NodeID
	node := b.Graph.Node(blk)
	switch {
	case bi.dead:
		val = b.undef(v)
	case !bi.sealed:
		phi := b.newPhi(v, blk)
		if bi.incomplete == nil {
			bi.incomplete = make(map[Var]NodeID)
		}
		bi.incomplete[v] = phi
		val = phi
	case node.Op == OpProj:
		val = b.readVar(v, b.Graph.Node(node.Args[0]).Args[0])
	case node.Op == OpRegion && node.NArgs == 1:
		val = b.readVar(v, node.Args[0])
	case node.Op == OpRegion:
		phi := b.newPhi(v, blk)
		b.writeVar(v, blk, phi)
		b.addPhiOperands(v, phi)
		val = phi
	default:
		// Reading a variable that was never written in the entry block.
		val = b.undef(v)
	}
	b.writeVar(v, blk, val)
	return val
}

func (b *Builder) undef(v Var) NodeID {
	if v == StateVar {
		return 0
	}
	return b.newNode(OpConst, b.vars[v]).ID
}

func (b *Builder) newPhi(v Var, region NodeID) NodeID {
	n := b.Graph.NewNode(OpPhi, b.vars[v], region)
	n.Fn = b.fn
	n.Block = region
	b.fn.Nodes = append(b.fn.Nodes, n.ID)
	return n.ID
}

func (b *Builder) addPhiOperands(v Var, phi NodeID) {
	region := b.Graph.Node(b.Graph.Node(phi).Args[0])
	for i := 0; i < region.NArgs; i++ {
		val := b.readVar(v, region.Args[i])
		b.Graph.appendArg(b.Graph.Node(phi), val)
	}
}

// Const returns an integer constant of type t.
func (b *Builder) Const(t Type, v int64) NodeID {
	n := b.newNode(OpConst, t)
	n.Aux = v
	return n.ID
}

// FloatConst returns a floating point constant of type t.
func (b *Builder) FloatConst(t Type, v float64) NodeID {
	n := b.newNode(OpConst, t)
	if t.Size == 4 {
		n.Aux = int64(math.Float32bits(float32(v)))
	} else {
		n.Aux = int64(math.Float64bits(v))
	}
	return n.ID
}

// Binary builds x op y. The result has the type of x.
func (b *Builder) Binary(op Op, x, y NodeID) NodeID {
	if !op.IsBinary() {
		diag.Bug("Binary(%s)", op)
	}
	return b.newNode(op, b.Graph.Node(x).Type, x, y).ID
}

// Unary builds op x.
func (b *Builder) Unary(op Op, x NodeID) NodeID {
	if !op.IsUnary() {
		diag.Bug("Unary(%s)", op)
	}
	return b.newNode(op, b.Graph.Node(x).Type, x).ID
}

// Compare builds a comparison yielding a 32-bit 0 or 1.
func (b *Builder) Compare(op Op, x, y NodeID) NodeID {
	if !op.IsCompare() {
		diag.Bug("Compare(%s)", op)
	}
	return b.newNode(op, I32, x, y).ID
}

// Convert changes x to type t.
func (b *Builder) Convert(op Op, t Type, x NodeID) NodeID {
	if !op.IsConvert() {
		diag.Bug("Convert(%s)", op)
	}
	return b.newNode(op, t, x).ID
}

// Symbol returns the address of name plus addend.
func (b *Builder) Symbol(name string, addend int64) NodeID {
	n := b.newNode(OpSymbol, Ptr)
	n.Sym = name
	n.Aux = addend
	return n.ID
}

// Alloc reserves a stack object and returns its address. name is only used
// in dumps.
func (b *Builder) Alloc(size, align int, name string) NodeID {
	n := b.newNode(OpAlloc, Ptr)
	n.Aux = int64(max(size, 1))
	n.Aux2 = int64(max(align, 1))
	n.Sym = name
	return n.ID
}

// StackAddr returns an address inside one of the fixed frame areas.
func (b *Builder) StackAddr(area Area, offset int) NodeID {
	n := b.newNode(OpStackAddr, Ptr)
	n.Aux = int64(area)
	n.Aux2 = int64(offset)
	return n.ID
}

// Load reads a value of type t from addr.
func (b *Builder) Load(t Type, addr NodeID) NodeID {
	return b.newNode(OpLoad, t, b.State(), addr).ID
}

// Store writes value to addr.
func (b *Builder) Store(addr, value NodeID) {
	n := b.newNode(OpStore, Type{}, b.State(), addr, value)
	b.SetState(n.ID)
}

// Copy copies size bytes from src to dst.
func (b *Builder) Copy(dst, src NodeID, size, align int) {
	n := b.newNode(OpCopy, Type{}, b.State(), dst, src)
	n.Aux = int64(size)
	n.Aux2 = int64(align)
	b.SetState(n.ID)
}

// Call transfers control to callee. stackBytes is the size of the outgoing
// argument area the call needs. Arguments and results move through RegSet,
// RegGet and stores to AreaOutgoing.
func (b *Builder) Call(callee NodeID, stackBytes int) NodeID {
	n := b.newNode(OpCall, Type{}, b.State(), callee)
	n.Aux = int64(stackBytes)
	b.SetState(n.ID)
	return n.ID
}

// RegGet reads physical register reg as it was left by the function entry
// or by the most recent call.
func (b *Builder) RegGet(t Type, reg int64) NodeID {
	n := b.newNode(OpRegGet, t, b.State())
	n.Aux = reg
	return n.ID
}

// RegSet places value in physical register reg for the next call or return.
func (b *Builder) RegSet(reg int64, value NodeID) {
	n := b.newNode(OpRegSet, Type{}, b.State(), value)
	n.Aux = reg
	b.SetState(n.ID)
}
