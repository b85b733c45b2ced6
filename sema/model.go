// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package sema implements the two-pass semantic analyzer and the planner
// sitting between them: pass 1 discovers by-reference arguments and
// cross-function variable use, the planner turns that into holder/tenant
// stackframe-sharing decisions and frame sizes, and pass 2 walks the AST
// again to emit LIR against those decisions.
//
// Functions, variables, registers, propagations, cached stackframes and
// shared regions are kept in ordinary slices rather than intrusive
// circular linked lists; insertion order carries the same structural
// invariants.
package sema

import (
	"lyralc/ast"
	"lyralc/lir"
	"lyralc/utils"
)

// VariableKind disambiguates the different roles a Variable can play,
// replacing the source's convention of encoding role into the variable's
// name string (".", "", "(*(cast)v)", "(&v)", a numeric literal,...).
// Name is still populated with the equivalent textual form for diagnostics
// and for continuity with the glossary, but code should switch on Kind.
type VariableKind int

const (
	VarExplicit      VariableKind = iota // declared with "let" or a parameter
	VarHidden                            // compiler-inserted, e.g. a return-value slot
	VarAnonymous                         // an anonymous struct/array member ("")
	VarOffsetSuffixed                    // a cast view of another variable ("(*(cast)v)")
	VarDereference                       // "*p"
	VarAddressOf                         // "&v"
	VarNumberLiteral                     // an immediate integer operand
	VarStringConstant                    // an offset into the string region
	VarFunctionAddr                      // a function's own address, taken via TakeAddrExpr
)

// ArgumentFlag records how one actual argument at one call site must be
// passed, discovered during pass
// 1 and consumed again by pass 2 through Variable.Flag.
type ArgumentFlag struct {
	ByRef  bool
	Output bool // written by the callee and observed by the caller afterward
}

// Variable is a named or synthesized storage location: a local, a
// parameter, a global, or a compiler-synthesized temporary.
type Variable struct {
	Owner *Function // nil for a file-scope global

	Kind VariableKind
	Name string

	Type *ast.Type
	Cast *ast.Type // non-nil while this variable is being viewed through a reinterpreted type

	Size   int // bytes; 0 for a purely computed/derived variable
	Offset int // byte offset within its owner's frame, assigned by the planner

	BitSelect uint64 // non-zero for a bitfield member

	ScopeDepth int
	Scope      []int // snapshot of enclosing block ids, innermost last

	IsByRef    bool // true once either the front end or pass 1 has determined this
	IsStatic   bool
	IsVariadic bool

	IsNumber     bool
	NumberValue  int64
	IsString     bool
	StringOffset int // 1 + actual offset; 0 means "not yet assigned"

	// AlwaysVolatile is shared by a base variable and every offset-suffixed
	// view derived from it, matching the source's one-bit-per-base-variable
	// semantics: taking &v or *v anywhere forces every view of v to be
	// reloaded from memory rather than cached in a register.
	AlwaysVolatile *bool

	// Flag links a call-site argument Variable back to the ArgumentFlag
	// pass 1 decided for it; pass 2 reads it when lowering the call.
	Flag *ArgumentFlag
}

func newBoolPtr(v bool) *bool { return &v }

// NewVariable allocates a Variable with its own AlwaysVolatile cell.
func NewVariable(owner *Function, name string, typ *ast.Type) *Variable {
	return &Variable{
		Owner:          owner,
		Kind:           VarExplicit,
		Name:           name,
		Type:           typ,
		Size:           typ.Size(GPRSize),
		AlwaysVolatile: newBoolPtr(false),
	}
}

// MarkVolatile sets the shared always-volatile cell for v and every view
// derived from the same base variable.
func (v *Variable) MarkVolatile() {
	if v.AlwaysVolatile == nil {
		v.AlwaysVolatile = newBoolPtr(true)
		return
	}
	*v.AlwaysVolatile = true
}

func (v *Variable) IsVolatile() bool {
	return v.AlwaysVolatile != nil && *v.AlwaysVolatile
}

// PropagationKind distinguishes the two shapes of a propagation record: a
// concrete outer variable a function writes to, or a not-yet-resolved
// callee whose own propagation set must be unioned in once known.
type PropagationKind int

const (
	PropVariable PropagationKind = iota
	PropFunction
)

// Propagation records that evaluating Owner may mutate an outer-scope
// variable. FunctionToPropagate entries are
// resolved away by the planner, leaving only VariableToPropagate entries
// once resolvePropagations (in planner.go) has run to a fixpoint.
type Propagation struct {
	Kind PropagationKind
	Var  *Variable // PropVariable
	Func *Function // PropFunction
}

// CachedStackframe records one ancestor level whose frame pointer this
// function caches locally rather than re-walking the holder chain for
// every access.
type CachedStackframe struct {
	Level int // number of enclosing-function hops from this function
}

// SharedRegion is a byte range within a stackframe holder's frame that one
// or more tenant functions are granted direct access to.
type SharedRegion struct {
	Holder  *Function
	Members []*Function
	Offset  int // byte offset within the holder's overall shared region
	Size    int
}

// OffsetWithinShared implements lir.RegionSizer.
func (sr *SharedRegion) OffsetWithinShared(member lir.FuncSizer) int {
	return sr.Offset
}

// CatchableLabel is a named block a nested CatchStmt can jump past,
// resolved nearest-in-scope. Pass 1 pushes one while
// walking a LabelStmt's body and pops it on the way back out, so a
// CatchStmt always resolves against whichever same-named label most
// tightly encloses it. Pass 2 pushes the same stack shape again while
// emitting, recording every forward jump a nested CatchStmt emits in
// Pending, and patches them all to the instruction right after the
// label's body once that body has been fully emitted — the same
// forward-patch idiom walkIf/walkWhile use for their own branches.
type CatchableLabel struct {
	Name    string
	Pending []*lir.Instruction
}

// CalledFunction counts how many call sites within Owner target Callee,
// the minimal call-graph edge the planner needs for cycle detection and
// pruning.
type CalledFunction struct {
	Callee *Function
	Count  int
}

// TypeDecl is a type declared inside a function's scope; most programs only use the small set of
// package-level ast.Type singletons, so this mainly matters for
// struct/array aliases declared locally.
type TypeDecl struct {
	Name string
	Type *ast.Type
}

// Function is the unit of analysis, planning, register allocation and LIR
// ownership. Parent/Children model the nesting
// tree the ast package's BlockDecl.Funcs builds; CalledFunctions and
// Propagations model the call graph; the remaining fields are populated
// progressively by pass 1, the planner, and pass 2.
type Function struct {
	ID int

	Name            string
	CallSignature   string // glossary "Call signature": name|type1|type2|...|
	LinkingSignature string // glossary "Linking signature", assigned by the planner

	Parent   *Function
	Children []*Function

	AstDecl *ast.FuncDecl
	RetType *ast.Type

	Args   []*Variable
	Locals []*Variable
	Types  []*TypeDecl

	Exported bool
	// ExportSuppressed keeps an exported function out of the export table
	// without changing its liveness or frame planning.
	ExportSuppressed bool
	Imported         bool
	ImportSlot       int // 0 means "not imported"; otherwise 1+actual import-table slot
	Variadic         bool

	AddressTaken bool
	UsesThis     bool
	Recursive    bool
	WasUsed      bool
	// Pruned marks a function the planner dropped because nothing calls
	// it; pass 2 and the backend skip it.
	Pruned bool

	TimesCalled     int
	CalledFunctions []*CalledFunction
	Propagations    []*Propagation

	// CatchableLabels is the stack of labels currently open while pass 1
	// (and, in parallel, pass 2) walks this function's body; only the
	// bodyWalker/emitWalker push and pop it, so it is empty again once a
	// function has been fully walked.
	CatchableLabels []*CatchableLabel

	PushedArgFlags []*ArgumentFlag

	// Planner output.
	CachedStackframes          []*CachedStackframe
	StackframeHolder           *Function // self if this function holds its own frame
	CouldNotGetStackframeHolder bool
	SharedRegionToUse          *SharedRegion
	SharedRegions              []*SharedRegion // shared regions this function hosts as a holder
	SharedRegionSizeBytes      int
	StackframePtrCacheSizeBytes int
	LocalVarsMaxSize           int
	StackUsage                 int

	// LIR, emitted by pass 2.
	LIR *lir.Func

	// ImageOffset is the function's final byte offset once the backend has
	// laid out the image (lir.FuncSizer.Offset).
	ImageOffset int

	FirstPassDone  bool
	SecondPassDone bool
}

func NewFunction(id int, name string, parent *Function) *Function {
	f := &Function{ID: id, Name: name, Parent: parent}
	if parent != nil {
		parent.Children = append(parent.Children, f)
	}
	return f
}

// --- lir.FuncSizer ---

func (f *Function) LocalVarsSize() int             { return f.LocalVarsMaxSize }
func (f *Function) StackframePtrCacheSize() int     { return f.StackframePtrCacheSizeBytes }
func (f *Function) SharedRegionSize() int           { return f.SharedRegionSizeBytes }
func (f *Function) Offset() int                     { return f.ImageOffset }

// IsStackframeHolder reports whether f holds its own stackframe rather
// than sharing a tenant slot inside an ancestor's.
func (f *Function) IsStackframeHolder() bool {
	return f.StackframeHolder == f
}

// Root walks up Parent to the outermost function.
func (f *Function) Root() *Function {
	r := f
	for r.Parent != nil {
		r = r.Parent
	}
	return r
}

// Depth is the number of Parent hops to the root.
func (f *Function) Depth() int {
	d := 0
	for p := f.Parent; p != nil; p = p.Parent {
		d++
	}
	return d
}

// AncestorAt returns the ancestor `levels` hops up from f (levels==0
// returns f itself), or nil if levels exceeds the tree depth.
func (f *Function) AncestorAt(levels int) *Function {
	cur := f
	for i := 0; i < levels; i++ {
		if cur.Parent == nil {
			return nil
		}
		cur = cur.Parent
	}
	return cur
}

// AddCalledFunction records or increments a call-graph edge.
func (f *Function) AddCalledFunction(callee *Function) *CalledFunction {
	for _, cf := range f.CalledFunctions {
		if cf.Callee == callee {
			cf.Count++
			return cf
		}
	}
	cf := &CalledFunction{Callee: callee, Count: 1}
	f.CalledFunctions = append(f.CalledFunctions, cf)
	return cf
}

// AddPropagation appends a propagation entry if an equal one isn't
// already present.
func (f *Function) AddPropagation(p *Propagation) {
	for _, existing := range f.Propagations {
		if existing.Kind == p.Kind && existing.Var == p.Var && existing.Func == p.Func {
			return
		}
	}
	f.Propagations = append(f.Propagations, p)
}

// AddCachedStackframe records an ancestor level this function needs direct
// frame-pointer access to, if not already recorded. The list stays sorted
// by ascending level so cache slots are assigned innermost-first.
func (f *Function) AddCachedStackframe(level int) {
	at := len(f.CachedStackframes)
	for i, cs := range f.CachedStackframes {
		if cs.Level == level {
			return
		}
		if cs.Level > level {
			at = i
			break
		}
	}
	f.CachedStackframes = utils.InsertAt(f.CachedStackframes, at, &CachedStackframe{Level: level})
}
