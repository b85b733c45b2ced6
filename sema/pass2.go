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

package sema

import (
	"fmt"
	"math/bits"

	"lyralc/ast"
	"lyralc/lir"
)

// NumGPRs is the general-purpose register count pass 2 allocates against,
// matching the x86-64 target's 16 GPRs.
const NumGPRs = 16

// regStackPointer is the register id pass 2 uses to address a function's
// own frame: it is never allocated to a value, so using its id directly
// as an addressing base never conflicts with the allocator.
const regStackPointer = 0

// SecondPassResult is what pass 2 produces for one compilation unit.
type SecondPassResult struct {
	// NeedsReplan is set when pass 2 discovered it needed a cached
	// stackframe pointer the planner hadn't provisioned (an ancestor's
	// holder turned out to be further away than pass 1 guessed). The
	// caller should run the planner again and re-emit.
	NeedsReplan bool
}

// Config adjusts how pass 2 emits: register count, per-statement comment
// instructions, and source-position debug triples.
type Config struct {
	NumGPRs      int  // 0 means the full x86-64 register file
	EmitComments bool // emit an OpComment per statement
	DebugInfo    bool // stamp every instruction with its source position
	AllVolatile  bool // treat every variable as always-volatile

	// StackPageAllocProvision is extra bytes kept above the stack pointer
	// in every frame allocation, released again by the matching free.
	StackPageAllocProvision int
}

func (c Config) numGPRs() int {
	if c.NumGPRs == 0 {
		return NumGPRs
	}
	return c.NumGPRs
}

// SecondPass walks every function's body again and emits LIR against the
// planner's holder/tenant and frame-size decisions.
func (a *Analyzer) SecondPass(top *Function) (*SecondPassResult, error) {
	result := &SecondPassResult{}
	for _, fn := range a.all {
		if fn.Imported || fn.Pruned {
			continue
		}
		if a.Config.AllVolatile {
			for _, v := range fn.Args {
				v.MarkVolatile()
			}
			for _, v := range fn.Locals {
				v.MarkVolatile()
			}
		}
		w := &emitWalker{a: a, fn: fn, regs: NewRegisterFile(a.Config.numGPRs()), result: result}
		fn.LIR = lir.NewFunc(fn.Name)
		w.emitPrologue()
		if fn.AstDecl.Body != nil {
			if err := w.walkBlock(fn.AstDecl.Body); err != nil {
				return result, err
			}
		}
		w.emitEpilogue()
		fn.SecondPassDone = true
	}
	return result, nil
}

type emitWalker struct {
	a      *Analyzer
	fn     *Function
	regs   *RegisterFile
	result *SecondPassResult

	curPos ast.Position
}

func (w *emitWalker) emit(op lir.Op, r1, r2, r3 int) *lir.Instruction {
	instr := w.fn.LIR.Emit(op, r1, r2, r3)
	instr.WithUnusedRegs(w.regs.UnusedIDs())
	if w.a.Config.DebugInfo && w.curPos.File != "" {
		instr.WithComment(w.curPos.File, w.curPos.Line, w.curPos.Column)
	}
	return instr
}

// cacheSlotBase is the byte offset of the stackframe-pointer cache within
// this function's own frame: right after the fixed header.
func (w *emitWalker) cacheSlotBase() int {
	if w.fn.IsStackframeHolder() {
		return holderHeaderSize
	}
	return tenantHeaderSize
}

// emitPrologue allocates the function's own frame (its locals plus the
// shared region it hosts for its tenants, if any), loads every cached
// ancestor stackframe pointer from the cache slots the call protocol
// filled, pins regThis for a function that uses `this`, and spills
// incoming arguments into their frame slots.
func (w *emitWalker) emitPrologue() {
	if w.fn.IsStackframeHolder() {
		w.emit(lir.OpStackPageAlloc, -1, -1, -1).
			WithImm(lir.Lit(int64(holderHeaderSize + argArea(w.fn) + w.a.Config.StackPageAllocProvision))).
			WithImm(lir.LocalVarsSize(w.fn, false)).
			WithImm(lir.SharedRegionSize(w.fn, false)).
			WithImm(lir.StackframePtrCacheSize(w.fn, false))
	}
	if w.fn.UsesThis {
		for _, r := range w.regs.regs {
			if r.ID == regThis {
				r.Contents = RegThis
				r.Reserved = true // the receiver stays put for the whole body
			}
		}
	}
	for i, cs := range w.fn.CachedStackframes {
		r := w.regs.AllocHigh()
		if r == nil {
			continue
		}
		r.Contents = RegFuncLevel
		r.FuncLevel = cs.Level
		r.Reserved = true // pin it for this function's whole body
		w.emit(lir.OpLoad, r.ID, regStackPointer, -1).
			WithImm(lir.Lit(int64(w.cacheSlotBase() + i*GPRSize))).
			WithWidth(lir.W64)
	}
	for i, arg := range w.fn.Args {
		if r := argPassingRegister(i); r >= 0 {
			w.spillIncoming(arg, r)
		}
	}
}

func (w *emitWalker) emitEpilogue() {
	if w.fn.IsStackframeHolder() {
		w.emit(lir.OpStackPageFree, -1, -1, -1).
			WithImm(lir.Lit(int64(holderHeaderSize + argArea(w.fn) + w.a.Config.StackPageAllocProvision))).
			WithImm(lir.LocalVarsSize(w.fn, false)).
			WithImm(lir.SharedRegionSize(w.fn, false)).
			WithImm(lir.StackframePtrCacheSize(w.fn, false))
	}
	w.emit(lir.OpJPop, -1, -1, -1)
}

func (w *emitWalker) walkBlock(b *ast.BlockDecl) error {
	for _, s := range b.Stmts {
		if err := w.walkStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *emitWalker) walkStmt(s ast.AstStmt) error {
	w.curPos = s.Pos()
	if w.a.Config.EmitComments {
		c := w.emit(lir.OpComment, -1, -1, -1)
		c.Raw = fmt.Sprintf("%s:%d", w.curPos.File, w.curPos.Line)
	}
	switch n := s.(type) {
	case *ast.LetStmt:
		v := findNamed(w.fn, n.Name)
		if v == nil {
			return errf(n.Pos(), "internal: local %q missing from pass 1", n.Name)
		}
		if n.Init != nil {
			r, err := w.emitExpr(n.Init)
			if err != nil {
				return err
			}
			w.storeVariable(v, r)
		}
		return nil
	case *ast.AssignStmt:
		r, err := w.emitExpr(n.Right)
		if err != nil {
			return err
		}
		return w.storeTo(n.Left, r)
	case *ast.ExprStmt:
		_, err := w.emitExpr(n.Expr)
		return err
	case *ast.ReturnStmt:
		if n.Expr != nil {
			r, err := w.emitExpr(n.Expr)
			if err != nil {
				return err
			}
			w.emit(lir.OpCpy, regReturnValue, r, -1)
		}
		w.emitEpilogue()
		return nil
	case *ast.IfStmt:
		return w.walkIf(n)
	case *ast.WhileStmt:
		return w.walkWhile(n)
	case *ast.LabelStmt:
		return w.walkLabel(n)
	case *ast.CatchStmt:
		return w.walkCatch(n)
	}
	return errf(s.Pos(), "unhandled statement %T in pass 2", s)
}

// regReturnValue is the conventional register the caller reads a
// function's result from once it returns (the x86-64 backend maps this to
// RAX, the System V ABI's integer return register).
const regReturnValue = 1

func (w *emitWalker) walkIf(n *ast.IfStmt) error {
	cond, err := w.emitExpr(n.Cond)
	if err != nil {
		return err
	}
	branch := w.emit(lir.OpJEQ, -1, cond, -1)
	if err := w.walkBlock(n.Then); err != nil {
		return err
	}
	var skipElse *lir.Instruction
	if n.Else != nil {
		skipElse = w.emit(lir.OpJmp, -1, -1, -1)
	}
	w.regs.InvalidateVariables() // join point: either path may land here
	elseLabel := w.emit(lir.OpComment, -1, -1, -1)
	branch.WithImm(lir.OffsetToInstruction(elseLabel))
	if n.Else != nil {
		if err := w.walkBlock(n.Else); err != nil {
			return err
		}
		w.regs.InvalidateVariables()
		end := w.emit(lir.OpComment, -1, -1, -1)
		skipElse.WithImm(lir.OffsetToInstruction(end))
	}
	return nil
}

func (w *emitWalker) walkWhile(n *ast.WhileStmt) error {
	w.regs.InvalidateVariables() // loop head: the back edge re-enters here
	top := w.emit(lir.OpComment, -1, -1, -1)
	cond, err := w.emitExpr(n.Cond)
	if err != nil {
		return err
	}
	branch := w.emit(lir.OpJEQ, -1, cond, -1)
	if err := w.walkBlock(n.Body); err != nil {
		return err
	}
	w.emit(lir.OpJmp, -1, -1, -1).WithImm(lir.OffsetToInstruction(top))
	w.regs.InvalidateVariables()
	end := w.emit(lir.OpComment, -1, -1, -1)
	branch.WithImm(lir.OffsetToInstruction(end))
	return nil
}

// walkLabel opens a CatchableLabel for the duration of n.Body, then patches
// every jump a nested catch(n.Name) emitted to land right after the body.
func (w *emitWalker) walkLabel(n *ast.LabelStmt) error {
	label := &CatchableLabel{Name: n.Name}
	w.fn.CatchableLabels = append(w.fn.CatchableLabels, label)
	if err := w.walkBlock(n.Body); err != nil {
		w.fn.CatchableLabels = w.fn.CatchableLabels[:len(w.fn.CatchableLabels)-1]
		return err
	}
	w.fn.CatchableLabels = w.fn.CatchableLabels[:len(w.fn.CatchableLabels)-1]
	w.regs.InvalidateVariables() // catches jump here from arbitrary depths
	end := w.emit(lir.OpComment, -1, -1, -1)
	for _, jmp := range label.Pending {
		jmp.WithImm(lir.OffsetToInstruction(end))
	}
	return nil
}

// walkCatch emits a forward-only jump past the nearest open label named
// n.Name; pass 1 already rejected an unresolved name, so finding none here
// would be an internal inconsistency between the two passes.
func (w *emitWalker) walkCatch(n *ast.CatchStmt) error {
	var label *CatchableLabel
	for i := len(w.fn.CatchableLabels) - 1; i >= 0; i-- {
		if w.fn.CatchableLabels[i].Name == n.Name {
			label = w.fn.CatchableLabels[i]
			break
		}
	}
	if label == nil {
		return errf(n.Pos(), "internal: catch %q has no matching label in pass 2", n.Name)
	}
	jmp := w.emit(lir.OpJmp, -1, -1, -1)
	label.Pending = append(label.Pending, jmp)
	return nil
}

// emitExpr lowers e and returns the register holding its value.
func (w *emitWalker) emitExpr(e ast.AstExpr) (int, error) {
	switch n := e.(type) {
	case *ast.IntExpr:
		r := w.allocReg()
		w.emit(lir.OpLi, r, -1, -1).WithImm(lir.Lit(n.Value))
		return r, nil
	case *ast.BoolExpr:
		v := int64(0)
		if n.Value {
			v = 1
		}
		r := w.allocReg()
		w.emit(lir.OpLi, r, -1, -1).WithImm(lir.Lit(v))
		return r, nil
	case *ast.StrExpr:
		r := w.allocReg()
		w.emit(lir.OpLi, r, -1, -1).WithImm(lir.OffsetToStringRegion(n.Value))
		return r, nil
	case *ast.IdentExpr:
		v, _ := lookupVariable(w.fn, n.Name)
		if v == nil {
			if g := w.a.predeclared(n.Name); g != nil {
				return w.loadGlobal(g)
			}
			return 0, errf(n.Pos(), "internal: %q missing from pass 1", n.Name)
		}
		return w.loadVariable(v)
	case *ast.ThisExpr:
		r := w.allocReg()
		w.emit(lir.OpCpy, r, regThis, -1)
		return r, nil
	case *ast.UnaryExpr:
		return w.emitUnary(n)
	case *ast.BinaryExpr:
		return w.emitBinary(n)
	case *ast.IndexExpr:
		base, err := w.emitExpr(n.Base)
		if err != nil {
			return 0, err
		}
		idx, err := w.emitExpr(n.Index)
		if err != nil {
			return 0, err
		}
		addr := w.allocReg()
		w.emit(lir.OpAdd, addr, base, idx)
		dst := w.allocReg()
		w.emit(lir.OpLoad, dst, addr, -1).WithImm(lir.Lit(0)).WithWidth(lir.W64)
		return dst, nil
	case *ast.CallExpr:
		return w.emitCall(n)
	case *ast.TakeAddrExpr:
		callee := w.a.resolveCallee(w.fn, n.Name, -1)
		r := w.allocReg()
		if callee != nil {
			w.emit(lir.OpLi, r, -1, -1).WithImm(lir.OffsetToFunction(callee))
		}
		return r, nil
	case *ast.MemberExpr:
		return w.loadMember(n)
	}
	return 0, errf(e.Pos(), "unhandled expression %T in pass 2", e)
}

// regThis is the conventional register this's implicit-receiver pointer
// lives in for a method that uses it.
const regThis = 2

// variableAddress materializes a named variable's frame address into a
// fresh register.
func (w *emitWalker) variableAddress(ident *ast.IdentExpr) (int, error) {
	v, _ := lookupVariable(w.fn, ident.Name)
	if v == nil {
		return 0, errf(ident.Pos(), "internal: %q missing from pass 1", ident.Name)
	}
	base, off := w.baseAndOffset(v)
	r := w.allocReg()
	w.emit(lir.OpAddi, r, base, -1).WithImm(lir.Lit(int64(off)))
	return r, nil
}

func (w *emitWalker) emitUnary(n *ast.UnaryExpr) (int, error) {
	switch n.Op {
	case ast.TK_AMP:
		if ident, ok := n.Operand.(*ast.IdentExpr); ok {
			return w.variableAddress(ident)
		}
		return w.emitExpr(n.Operand)
	case ast.TK_STAR:
		r, err := w.emitExpr(n.Operand)
		if err != nil {
			return 0, err
		}
		dst := w.allocReg()
		w.emit(lir.OpLoad, dst, r, -1).WithImm(lir.Lit(0)).WithWidth(lir.W64)
		return dst, nil
	case ast.TK_MINUS:
		r, err := w.emitExpr(n.Operand)
		if err != nil {
			return 0, err
		}
		dst := w.allocReg()
		w.emit(lir.OpNeg, dst, r, -1)
		return dst, nil
	case ast.TK_BANG:
		r, err := w.emitExpr(n.Operand)
		if err != nil {
			return 0, err
		}
		dst := w.allocReg()
		w.emit(lir.OpSeqi, dst, r, -1).WithImm(lir.Lit(0))
		return dst, nil
	}
	return 0, errf(n.Pos(), "unhandled unary operator")
}

// binaryOps covers the operators whose LIR shape is a plain R1 = R2 <op> R3
// (every arithmetic/bitwise operator). Comparison operators need more than
// one LIR instruction apiece (see emitBinary) and are handled separately so
// a branch-only or immediate-only opcode never gets reused as a
// two-register value-producing op.
var binaryOps = map[ast.TokenKind]lir.Op{
	ast.TK_PLUS: lir.OpAdd, ast.TK_MINUS: lir.OpSub,
	ast.TK_AMP: lir.OpAnd, ast.TK_PIPE: lir.OpOr, ast.TK_CARET: lir.OpXor,
	ast.TK_STAR: lir.OpMulHS, ast.TK_SLASH: lir.OpDivS, ast.TK_PERCENT: lir.OpModS,
}

func (w *emitWalker) emitBinary(n *ast.BinaryExpr) (int, error) {
	lhs, err := w.emitExpr(n.Left)
	if err != nil {
		return 0, err
	}
	rhs, err := w.emitExpr(n.Right)
	if err != nil {
		return 0, err
	}
	switch n.Op {
	case ast.TK_EQ:
		dst := w.allocReg()
		w.emit(lir.OpSeq, dst, lhs, rhs)
		return dst, nil
	case ast.TK_NE:
		dst := w.allocReg()
		w.emit(lir.OpSne, dst, lhs, rhs)
		return dst, nil
	case ast.TK_LT:
		dst := w.allocReg()
		w.emit(lir.OpSltS, dst, lhs, rhs)
		return dst, nil
	case ast.TK_GT:
		dst := w.allocReg()
		w.emit(lir.OpSltS, dst, rhs, lhs)
		return dst, nil
	case ast.TK_LE:
		// a <= b is !(b < a).
		dst := w.allocReg()
		w.emit(lir.OpSltS, dst, rhs, lhs)
		w.emit(lir.OpSeqi, dst, dst, -1).WithImm(lir.Lit(0))
		return dst, nil
	case ast.TK_GE:
		// a >= b is !(a < b).
		dst := w.allocReg()
		w.emit(lir.OpSltS, dst, lhs, rhs)
		w.emit(lir.OpSeqi, dst, dst, -1).WithImm(lir.Lit(0))
		return dst, nil
	}
	op, ok := binaryOps[n.Op]
	if !ok {
		return 0, errf(n.Pos(), "unhandled binary operator")
	}
	dst := w.allocReg()
	w.emit(op, dst, lhs, rhs)
	return dst, nil
}

func (w *emitWalker) emitCall(n *ast.CallExpr) (int, error) {
	callee := w.a.resolveCallee(w.fn, n.Name, len(n.Args))
	if callee == nil {
		return 0, errf(n.Pos(), "internal: callee %q missing from pass 1", n.Name)
	}
	var argRegs []int
	for i, arg := range n.Args {
		byRef := i < len(callee.Args) && callee.Args[i].IsByRef
		var r int
		var err error
		if ident, ok := arg.(*ast.IdentExpr); ok && byRef {
			// A by-reference argument receives the variable's address;
			// the callee reads and writes through it.
			r, err = w.variableAddress(ident)
		} else {
			r, err = w.emitExpr(arg)
		}
		if err != nil {
			return 0, err
		}
		argRegs = append(argRegs, r)
	}
	for i, r := range argRegs {
		w.emit(lir.OpCpy, argPassingRegister(i), r, -1)
	}
	w.emit(lir.OpJPush, -1, -1, -1).WithImm(lir.OffsetToFunction(callee))
	// The callee may have written anything its propagation set names;
	// every cached variable value is suspect from here on.
	w.regs.InvalidateVariables()
	dst := w.allocReg()
	w.emit(lir.OpCpy, dst, regReturnValue, -1)
	return dst, nil
}

// argPassingRegister maps a positional argument index to the conventional
// register it's passed in, following the System V AMD64 integer
// argument-register order (RDI, RSI, RDX, RCX, R8, R9) as this package's
// register ids.
func argPassingRegister(i int) int {
	order := []int{6, 7, 4, 3, 8, 9}
	if i < len(order) {
		return order[i]
	}
	return -1 // spilled to the stack by the backend
}

func (w *emitWalker) allocReg() int {
	r := w.regs.Alloc()
	if r == nil {
		return regReturnValue
	}
	return r.ID
}

// baseAndOffset returns the register id addressing v's backing frame and
// v's byte offset within it: register 0 (the stack-pointer alias) when v
// lives in this function's own frame, or a cached ancestor frame pointer
// when it lives in some holder further up the nesting chain.
func (w *emitWalker) baseAndOffset(v *Variable) (int, int) {
	holder := v.Owner.StackframeHolder
	if holder == nil {
		holder = v.Owner
	}
	lvl := levelOf(w.fn, holder)
	if lvl <= 0 {
		return regStackPointer, v.Offset
	}
	if r := w.regs.FindFuncLevel(lvl); r != nil {
		return r.ID, v.Offset
	}
	// Pass 1 didn't provision a cached stackframe pointer this deep
	// (the holder turned out to be further away than a direct lexical
	// parent). Record the need and ask the driver to replan.
	w.fn.AddCachedStackframe(lvl)
	w.result.NeedsReplan = true
	return regStackPointer, v.Offset
}

// widthFor maps a storage size in bytes to the LIR load/store width that
// moves exactly that many bytes.
func widthFor(size int) lir.Width {
	switch size {
	case 1:
		return lir.W8
	case 2:
		return lir.W16
	case 4:
		return lir.W32
	}
	return lir.W64
}

// cacheable reports whether v's value may live in a register across
// instructions: volatile variables (address taken, dereferenced, passed by
// reference) and whole-unit volatile mode always reload from memory.
func (w *emitWalker) cacheable(v *Variable) bool {
	return !v.IsVolatile() && !w.a.Config.AllVolatile
}

func (w *emitWalker) loadVariable(v *Variable) (int, error) {
	if w.cacheable(v) {
		if r := w.regs.Find(v, 0); r != nil {
			w.regs.touch(r)
			return r.ID, nil
		}
	}
	base, off := w.baseAndOffset(v)
	dst := w.regs.Alloc()
	if dst == nil {
		return 0, errf(ast.Position{}, "internal: no allocatable register in %q", w.fn.Name)
	}
	if v.IsByRef {
		// The slot holds the referent's address; read through it.
		w.emit(lir.OpLoad, dst.ID, base, -1).WithImm(lir.Lit(int64(off))).WithWidth(lir.W64)
		w.emit(lir.OpLoad, dst.ID, dst.ID, -1).WithImm(lir.Lit(0)).WithWidth(widthFor(v.Type.Size(GPRSize)))
		return dst.ID, nil
	}
	w.emit(lir.OpLoad, dst.ID, base, -1).WithImm(lir.Lit(int64(off))).WithWidth(widthFor(v.Size))
	if w.cacheable(v) {
		w.regs.Assign(dst, v, 0)
		dst.LoadWidth = v.Size
	}
	return dst.ID, nil
}

// storeVariable writes through to memory on every store. valueReg is not
// bound to v; any other register still claiming to hold v is stale and
// forgotten, so the next load of v reads memory.
func (w *emitWalker) storeVariable(v *Variable, valueReg int) {
	base, off := w.baseAndOffset(v)
	if v.IsByRef {
		// Writing a by-reference parameter writes the referent, not the
		// slot: load the address, then store through it.
		if ptr := w.regs.Alloc(); ptr != nil {
			w.emit(lir.OpLoad, ptr.ID, base, -1).WithImm(lir.Lit(int64(off))).WithWidth(lir.W64)
			w.emit(lir.OpStore, valueReg, ptr.ID, -1).WithImm(lir.Lit(0)).WithWidth(widthFor(v.Type.Size(GPRSize)))
			return
		}
	}
	w.emit(lir.OpStore, valueReg, base, -1).WithImm(lir.Lit(int64(off))).WithWidth(widthFor(v.Size))
	if prev := w.regs.Find(v, 0); prev != nil && prev.ID != valueReg {
		prev.Reset()
	}
}

// globalAddress materializes the address of a global-region slot.
func (w *emitWalker) globalAddress(off int) int {
	r := w.allocReg()
	w.emit(lir.OpLi, r, -1, -1).WithImm(lir.OffsetToGlobalRegion()).WithImm(lir.Lit(int64(off)))
	return r
}

func (w *emitWalker) loadGlobal(v *Variable) (int, error) {
	addr := w.globalAddress(v.Offset)
	dst := w.allocReg()
	w.emit(lir.OpLoad, dst, addr, -1).WithImm(lir.Lit(0)).WithWidth(widthFor(v.Size))
	return dst, nil
}

// storeGlobal writes valueReg into a predeclared variable's global slot,
// then calls the host's change callback through its pointer slot when one
// was registered — the loader patches that slot with the callback's
// address the same way it patches import slots. The callback takes no
// arguments; the host reads the new value at the address it registered.
func (w *emitWalker) storeGlobal(v *Variable, valueReg int) {
	addr := w.globalAddress(v.Offset)
	w.emit(lir.OpStore, valueReg, addr, -1).WithImm(lir.Lit(0)).WithWidth(widthFor(v.Size))
	if slot, ok := w.a.callbackSlots[v.Name]; ok {
		w.emit(lir.OpJPush, -1, -1, -1).
			WithImm(lir.OffsetToGlobalRegion()).
			WithImm(lir.Lit(int64(slot)))
		w.regs.InvalidateVariables()
	}
}

// spillIncoming writes an incoming argument register into the argument's
// frame slot. Unlike storeVariable this is always a raw slot store: for a
// by-reference parameter the incoming value is the referent's address and
// the slot is exactly where it belongs.
func (w *emitWalker) spillIncoming(v *Variable, valueReg int) {
	base, off := w.baseAndOffset(v)
	width := widthFor(v.Size)
	if v.IsByRef {
		width = lir.W64
	}
	w.emit(lir.OpStore, valueReg, base, -1).WithImm(lir.Lit(int64(off))).WithWidth(width)
}

// memberField finds the named field in t's Members (t is dereferenced from
// whatever static type a MemberExpr's base resolved to), or nil if t isn't
// a struct or has no such field.
func memberField(t *ast.Type, name string) *ast.Field {
	if t == nil {
		return nil
	}
	for _, m := range t.Members {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// memberBase resolves the address (a register plus a constant byte offset)
// and static type backing e, following one level of pointer indirection
// when e (or a MemberExpr field along the way) is pointer-typed, so
// loadMember/storeMember can add the final field's own offset on top
// without re-deriving the base each time.
func (w *emitWalker) memberBase(e ast.AstExpr) (int, int, *ast.Type, error) {
	switch n := e.(type) {
	case *ast.IdentExpr:
		v, _ := lookupVariable(w.fn, n.Name)
		if v == nil {
			return 0, 0, nil, errf(n.Pos(), "internal: %q missing from pass 1", n.Name)
		}
		base, off := w.baseAndOffset(v)
		if v.Type.IsPointer() {
			ptr := w.allocReg()
			w.emit(lir.OpLoad, ptr, base, -1).WithImm(lir.Lit(int64(off))).WithWidth(lir.W64)
			return ptr, 0, v.Type.ElemType, nil
		}
		return base, off, v.Type, nil
	case *ast.MemberExpr:
		base, off, typ, err := w.memberBase(n.Base)
		if err != nil {
			return 0, 0, nil, err
		}
		field := memberField(typ, n.Field)
		if field == nil {
			return 0, 0, nil, errf(n.Pos(), "no member %q on %v", n.Field, typ)
		}
		if field.Type.IsPointer() {
			ptr := w.allocReg()
			w.emit(lir.OpLoad, ptr, base, -1).WithImm(lir.Lit(int64(off+field.Offset))).WithWidth(lir.W64)
			return ptr, 0, field.Type.ElemType, nil
		}
		return base, off + field.Offset, field.Type, nil
	}
	return 0, 0, nil, errf(e.Pos(), "unsupported member base %T", e)
}

// loadMember reads n's resolved field, masking and shifting the value down
// when the field is a bitfield (field.BitSelect != 0) so callers always see
// a normal right-justified value, never the raw storage unit.
func (w *emitWalker) loadMember(n *ast.MemberExpr) (int, error) {
	base, off, baseType, err := w.memberBase(n.Base)
	if err != nil {
		return 0, err
	}
	field := memberField(baseType, n.Field)
	if field == nil {
		return 0, errf(n.Pos(), "no member %q on %v", n.Field, baseType)
	}
	dst := w.allocReg()
	w.emit(lir.OpLoad, dst, base, -1).WithImm(lir.Lit(int64(off+field.Offset))).WithWidth(widthFor(field.Type.Size(GPRSize)))
	if field.BitSelect != 0 {
		w.emit(lir.OpAndi, dst, dst, -1).WithImm(lir.Lit(int64(field.BitSelect)))
		if shift := bits.TrailingZeros64(field.BitSelect); shift > 0 {
			shiftAmt := w.allocReg()
			w.emit(lir.OpLi, shiftAmt, -1, -1).WithImm(lir.Lit(int64(shift)))
			w.emit(lir.OpShrU, dst, dst, shiftAmt)
		}
	}
	return dst, nil
}

// storeMember writes valueReg into n's resolved field. A plain field gets a
// direct store; a bitfield gets a read-modify-write: shift valueReg up into
// position, mask it to the field's bit width, clear those same bits in the
// current storage unit, OR the two together, and write the unit back.
func (w *emitWalker) storeMember(n *ast.MemberExpr, valueReg int) error {
	base, off, baseType, err := w.memberBase(n.Base)
	if err != nil {
		return err
	}
	field := memberField(baseType, n.Field)
	if field == nil {
		return errf(n.Pos(), "no member %q on %v", n.Field, baseType)
	}
	width := widthFor(field.Type.Size(GPRSize))
	fieldOff := int64(off + field.Offset)
	if field.BitSelect == 0 {
		w.emit(lir.OpStore, valueReg, base, -1).WithImm(lir.Lit(fieldOff)).WithWidth(width)
		return nil
	}
	shift := bits.TrailingZeros64(field.BitSelect)
	shifted := w.allocReg()
	w.emit(lir.OpCpy, shifted, valueReg, -1)
	if shift > 0 {
		shiftAmt := w.allocReg()
		w.emit(lir.OpLi, shiftAmt, -1, -1).WithImm(lir.Lit(int64(shift)))
		w.emit(lir.OpShl, shifted, shifted, shiftAmt)
	}
	w.emit(lir.OpAndi, shifted, shifted, -1).WithImm(lir.Lit(int64(field.BitSelect)))

	cur := w.allocReg()
	w.emit(lir.OpLoad, cur, base, -1).WithImm(lir.Lit(fieldOff)).WithWidth(width)
	w.emit(lir.OpAndi, cur, cur, -1).WithImm(lir.Lit(int64(^field.BitSelect)))
	w.emit(lir.OpOr, cur, cur, shifted)
	w.emit(lir.OpStore, cur, base, -1).WithImm(lir.Lit(fieldOff)).WithWidth(width)
	return nil
}

func (w *emitWalker) storeTo(lhs ast.AstExpr, valueReg int) error {
	switch n := lhs.(type) {
	case *ast.IdentExpr:
		v, _ := lookupVariable(w.fn, n.Name)
		if v == nil {
			if g := w.a.predeclared(n.Name); g != nil {
				w.storeGlobal(g, valueReg)
				return nil
			}
			return errf(n.Pos(), "internal: %q missing from pass 1", n.Name)
		}
		w.storeVariable(v, valueReg)
		return nil
	case *ast.UnaryExpr:
		if n.Op == ast.TK_STAR {
			addr, err := w.emitExpr(n.Operand)
			if err != nil {
				return err
			}
			w.emit(lir.OpStore, valueReg, addr, -1).WithImm(lir.Lit(0)).WithWidth(lir.W64)
			return nil
		}
	case *ast.IndexExpr:
		base, err := w.emitExpr(n.Base)
		if err != nil {
			return err
		}
		idx, err := w.emitExpr(n.Index)
		if err != nil {
			return err
		}
		addr := w.allocReg()
		w.emit(lir.OpAdd, addr, base, idx)
		w.emit(lir.OpStore, valueReg, addr, -1).WithImm(lir.Lit(0)).WithWidth(lir.W64)
		return nil
	case *ast.MemberExpr:
		return w.storeMember(n, valueReg)
	}
	return errf(lhs.Pos(), "invalid assignment target %T", lhs)
}
