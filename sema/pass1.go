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

	"lyralc/ast"
)

// Error is a semantic-analysis failure tied to a source position, the
// contract diag.FromError expects.
type Error struct {
	Pos ast.Position
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("%s:%d: %s", e.Pos.File, e.Pos.Line, e.Msg) }
func (e *Error) At() ast.Position { return e.Pos }

func errf(pos ast.Position, format string, args ...interface{}) *Error {
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Analyzer runs pass 1 (FirstPass) and, after the planner has run, pass 2
// (SecondPass) over a parsed source file.
type Analyzer struct {
	// Config adjusts pass-2 emission; the zero value is the default
	// full-register, no-comments, no-debug configuration.
	Config Config

	// Predeclared lists the host-provided variables to make resolvable as
	// identifiers; set before FirstPass runs (see predeclared.go).
	Predeclared []PredeclaredVar

	nextID int
	byName map[string][]*Function // all functions in the unit, keyed by name for call resolution
	all    []*Function

	globals       map[string]*Variable
	callbackSlots map[string]int
	globalSize    int
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{byName: make(map[string][]*Function)}
}

func (a *Analyzer) newFunction(name string, parent *Function) *Function {
	a.nextID++
	f := NewFunction(a.nextID, name, parent)
	a.byName[name] = append(a.byName[name], f)
	a.all = append(a.all, f)
	return f
}

// Functions returns every Function discovered so far, in creation order
// (root first, then a preorder walk of nested declarations).
func (a *Analyzer) Functions() []*Function { return a.all }

// FirstPass builds the function tree for root and discovers by-reference
// arguments, cross-function variable access (recorded as cached
// stackframe levels and propagations), and the call graph.
func (a *Analyzer) FirstPass(root *ast.RootDecl) (*Function, error) {
	a.layoutPredeclared()
	top := a.newFunction("$root", nil)
	top.RetType = ast.TVoid
	top.AstDecl = &ast.FuncDecl{Name: "$root", Body: &ast.BlockDecl{Funcs: root.Funcs}}

	if err := a.declareTree(top, root.Funcs); err != nil {
		return nil, err
	}
	if err := a.walkFunctionBody(top); err != nil {
		return nil, err
	}
	for _, f := range a.all {
		if f == top || f.Imported {
			continue
		}
		if err := a.walkFunctionBody(f); err != nil {
			return nil, err
		}
	}
	return top, nil
}

// declareTree recursively creates Function nodes for decls under parent,
// without yet walking bodies (bodies are walked in a second sweep so that
// forward references and recursion resolve without special-casing).
func (a *Analyzer) declareTree(parent *Function, decls []*ast.FuncDecl) error {
	for _, decl := range decls {
		fn := a.newFunction(decl.Name, parent)
		fn.AstDecl = decl
		fn.RetType = decl.RetType
		fn.Exported = decl.Exported
		fn.Imported = decl.Imported
		fn.Variadic = decl.Variadic

		var paramTypes []*ast.Type
		for _, p := range decl.Params {
			v := NewVariable(fn, p.Name, p.Type)
			v.IsByRef = p.ByRef
			if p.ByRef {
				// The slot holds the referent's address, not its value.
				v.Size = GPRSize
				v.MarkVolatile()
			}
			fn.Args = append(fn.Args, v)
			paramTypes = append(paramTypes, p.Type)
		}
		fn.CallSignature = ast.Signature(decl.Name, paramTypes)

		if decl.Body != nil {
			if err := a.declareTree(fn, decl.Body.Funcs); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveCallee finds the Function a CallExpr refers to: fn's own nested
// functions take priority, then siblings declared in the same enclosing
// block, then ancestors further up, matching the nesting-based visibility
// a block-structured language gives.
func (a *Analyzer) resolveCallee(fn *Function, name string, argc int) *Function {
	candidates := a.byName[name]
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	// Prefer the nearest-in-scope match when a name is declared at more
	// than one nesting level.
	best := candidates[0]
	bestDist := 1 << 30
	for _, cand := range candidates {
		if len(cand.Args) != argc && !cand.Variadic {
			continue
		}
		dist := scopeDistance(fn, cand)
		if dist < bestDist {
			bestDist = dist
			best = cand
		}
	}
	return best
}

// scopeDistance is the number of Parent hops from fn up to the nearest
// common ancestor it shares with cand plus the hops from cand up to that
// same ancestor, used only to break name-resolution ties.
func scopeDistance(fn, cand *Function) int {
	ancestors := map[*Function]int{}
	for p, d := fn, 0; p != nil; p, d = p.Parent, d+1 {
		ancestors[p] = d
	}
	for p, d := cand, 0; p != nil; p, d = p.Parent, d+1 {
		if fd, ok := ancestors[p]; ok {
			return fd + d
		}
	}
	return 1 << 30
}

// levelOf returns how many Parent hops separate fn from owner (0 if
// owner == fn), or -1 if owner is not an ancestor of fn.
func levelOf(fn, owner *Function) int {
	for p, d := fn, 0; p != nil; p, d = p.Parent, d+1 {
		if p == owner {
			return d
		}
	}
	return -1
}

// lookupVariable searches fn's own args/locals, then each ancestor's in
// turn, returning the owning level (0 == fn itself).
func lookupVariable(fn *Function, name string) (*Variable, int) {
	level := 0
	for cur := fn; cur != nil; cur, level = cur.Parent, level+1 {
		if v := findNamed(cur, name); v != nil {
			return v, level
		}
	}
	return nil, -1
}

func findNamed(fn *Function, name string) *Variable {
	for _, v := range fn.Locals {
		if v.Name == name {
			return v
		}
	}
	for _, v := range fn.Args {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (a *Analyzer) walkFunctionBody(fn *Function) error {
	if fn.AstDecl == nil || fn.AstDecl.Body == nil {
		return nil
	}
	w := &bodyWalker{a: a, fn: fn}
	return w.walkBlock(fn.AstDecl.Body)
}

type bodyWalker struct {
	a          *Analyzer
	fn         *Function
	scopeDepth int
}

// findLabel returns the innermost currently-open CatchableLabel named name,
// matching a nested CatchStmt against the nearest enclosing LabelStmt
// first.
func (w *bodyWalker) findLabel(name string) *CatchableLabel {
	for i := len(w.fn.CatchableLabels) - 1; i >= 0; i-- {
		if w.fn.CatchableLabels[i].Name == name {
			return w.fn.CatchableLabels[i]
		}
	}
	return nil
}

func (w *bodyWalker) walkBlock(b *ast.BlockDecl) error {
	w.scopeDepth++
	defer func() { w.scopeDepth-- }()
	for _, s := range b.Stmts {
		if err := w.walkStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *bodyWalker) walkStmt(s ast.AstStmt) error {
	switch n := s.(type) {
	case *ast.LetStmt:
		v := NewVariable(w.fn, n.Name, n.Type)
		v.ScopeDepth = w.scopeDepth
		w.fn.Locals = append(w.fn.Locals, v)
		if n.Init != nil {
			return w.walkExpr(n.Init, false)
		}
		return nil
	case *ast.AssignStmt:
		if err := w.walkExpr(n.Left, true); err != nil {
			return err
		}
		return w.walkExpr(n.Right, false)
	case *ast.ExprStmt:
		return w.walkExpr(n.Expr, false)
	case *ast.ReturnStmt:
		if n.Expr != nil {
			return w.walkExpr(n.Expr, false)
		}
		return nil
	case *ast.IfStmt:
		if err := w.walkExpr(n.Cond, false); err != nil {
			return err
		}
		if err := w.walkBlock(n.Then); err != nil {
			return err
		}
		if n.Else != nil {
			return w.walkBlock(n.Else)
		}
		return nil
	case *ast.WhileStmt:
		if err := w.walkExpr(n.Cond, false); err != nil {
			return err
		}
		return w.walkBlock(n.Body)
	case *ast.LabelStmt:
		w.fn.CatchableLabels = append(w.fn.CatchableLabels, &CatchableLabel{Name: n.Name})
		defer func() { w.fn.CatchableLabels = w.fn.CatchableLabels[:len(w.fn.CatchableLabels)-1] }()
		return w.walkBlock(n.Body)
	case *ast.CatchStmt:
		if w.findLabel(n.Name) == nil {
			return errf(n.Pos(), "catch %q: no enclosing label named %q", n.Name, n.Name)
		}
		return nil
	}
	return errf(s.Pos(), "unhandled statement %T", s)
}

// walkExpr visits an expression. write is true when this expression is
// the target being assigned to.
func (w *bodyWalker) walkExpr(e ast.AstExpr, write bool) error {
	switch n := e.(type) {
	case *ast.IdentExpr:
		v, level := lookupVariable(w.fn, n.Name)
		if v == nil {
			// Predeclared variables live in the global region: no
			// enclosing frame to cache, no propagation to record.
			if w.a.predeclared(n.Name) != nil {
				return nil
			}
			return errf(n.Pos(), "undefined identifier %q", n.Name)
		}
		if level > 0 {
			w.fn.AddCachedStackframe(level)
			if write {
				w.fn.AddPropagation(&Propagation{Kind: PropVariable, Var: v})
			}
		}
		return nil
	case *ast.ThisExpr:
		w.fn.UsesThis = true
		return nil
	case *ast.IntExpr, *ast.BoolExpr, *ast.StrExpr:
		return nil
	case *ast.UnaryExpr:
		if ident, ok := n.Operand.(*ast.IdentExpr); ok && (n.Op == ast.TK_AMP || n.Op == ast.TK_STAR) {
			v, level := lookupVariable(w.fn, ident.Name)
			if v != nil {
				v.MarkVolatile()
				if level == 0 && n.Op == ast.TK_AMP {
					for _, p := range w.fn.Args {
						if p == v {
							p.IsByRef = true
						}
					}
				}
			}
		}
		return w.walkExpr(n.Operand, false)
	case *ast.BinaryExpr:
		if err := w.walkExpr(n.Left, false); err != nil {
			return err
		}
		return w.walkExpr(n.Right, false)
	case *ast.IndexExpr:
		if err := w.walkExpr(n.Base, write); err != nil {
			return err
		}
		return w.walkExpr(n.Index, false)
	case *ast.MemberExpr:
		return w.walkExpr(n.Base, write)
	case *ast.CallExpr:
		callee := w.a.resolveCallee(w.fn, n.Name, len(n.Args))
		if callee == nil {
			return errf(n.Pos(), "undefined function %q", n.Name)
		}
		w.fn.AddCalledFunction(callee)
		callee.TimesCalled++
		w.fn.AddPropagation(&Propagation{Kind: PropFunction, Func: callee})
		if callee == w.fn {
			w.fn.Recursive = true
		}
		for i, arg := range n.Args {
			flag := &ArgumentFlag{}
			if i < len(callee.Args) && callee.Args[i].IsByRef {
				flag.ByRef = true
			}
			w.fn.PushedArgFlags = append(w.fn.PushedArgFlags, flag)
			if ident, ok := arg.(*ast.IdentExpr); ok && flag.ByRef {
				v, _ := lookupVariable(w.fn, ident.Name)
				if v != nil {
					v.MarkVolatile()
					v.Flag = flag
				}
			}
			if err := w.walkExpr(arg, false); err != nil {
				return err
			}
		}
		return nil
	case *ast.TakeAddrExpr:
		target := w.a.resolveCallee(w.fn, n.Name, -1)
		if target != nil {
			target.AddressTaken = true
		}
		return nil
	}
	return errf(e.Pos(), "unhandled expression %T", e)
}
