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
	"testing"

	"lyralc/ast"
	"lyralc/lir"
)

// bitfield-typed struct access has no surface syntax in the parser, so
// this builds the typed AST directly the way a struct-literal front end
// would, rather than going through ast.ParseFile.
func flagsStructType() *ast.Type {
	return &ast.Type{
		Kind: ast.TypeStruct,
		Name: "Flags",
		Members: []*ast.Field{
			{Name: "enabled", Type: ast.TInt, Offset: 0, BitSelect: 0x1},
			{Name: "level", Type: ast.TInt, Offset: 0, BitSelect: 0xE},
		},
	}
}

func countOp(instrs []*lir.Instruction, op lir.Op) int {
	n := 0
	for _, i := range instrs {
		if i.Op == op {
			n++
		}
	}
	return n
}

func TestSecondPassEmitsMaskedBitfieldStoreAndLoad(t *testing.T) {
	structType := flagsStructType()
	fn := &ast.FuncDecl{
		Name:     "main",
		RetType:  ast.TInt,
		Exported: true, // its own stackframe holder, so this test doesn't also need the recompile loop
		Body: &ast.BlockDecl{
			Stmts: []ast.AstStmt{
				&ast.LetStmt{Name: "f", Type: structType},
				&ast.AssignStmt{
					Left:  &ast.MemberExpr{Base: &ast.IdentExpr{Name: "f"}, Field: "enabled"},
					Right: &ast.IntExpr{Value: 1},
				},
				&ast.AssignStmt{
					Left:  &ast.MemberExpr{Base: &ast.IdentExpr{Name: "f"}, Field: "level"},
					Right: &ast.IntExpr{Value: 5},
				},
				&ast.ReturnStmt{Expr: &ast.MemberExpr{Base: &ast.IdentExpr{Name: "f"}, Field: "level"}},
			},
		},
	}
	root := &ast.RootDecl{Source: "t.ly", Funcs: []*ast.FuncDecl{fn}}

	an := NewAnalyzer()
	top, err := an.FirstPass(root)
	if err != nil {
		t.Fatalf("FirstPass failed: %v", err)
	}
	p := NewPlanner(an.Functions())
	if _, err := p.Plan(); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if _, err := an.SecondPass(top); err != nil {
		t.Fatalf("SecondPass failed: %v", err)
	}

	var main *Function
	for _, f := range an.Functions() {
		if f.Name == "main" {
			main = f
		}
	}
	if main == nil || main.LIR == nil {
		t.Fatalf("expected a lowered %q function", "main")
	}

	// Both stores and the final load must mask, and the shifted "level"
	// field (BitSelect 0xE, shift 1) must shift on both the write and the
	// read side; "enabled" (BitSelect 0x1, shift 0) never needs a shift.
	if got := countOp(main.LIR.Instr, lir.OpAndi); got < 4 {
		t.Fatalf("expected at least 4 masking OpAndi instructions, got %d", got)
	}
	if got := countOp(main.LIR.Instr, lir.OpShl); got != 1 {
		t.Fatalf("expected exactly 1 OpShl (the level field's write-side shift), got %d", got)
	}
	if got := countOp(main.LIR.Instr, lir.OpShrU); got != 1 {
		t.Fatalf("expected exactly 1 OpShrU (the level field's read-side shift), got %d", got)
	}
	if got := countOp(main.LIR.Instr, lir.OpOr); got != 2 {
		t.Fatalf("expected 2 OpOr read-modify-write merges (one per store), got %d", got)
	}
}

func TestSecondPassPassesByRefArgumentAddress(t *testing.T) {
	funcs := analyzeForTest(t, `
	export func outer(): int {
		let x: int = 3;
		func bump(ref v: int) {
			v = v + 1;
		}
		bump(x);
		return x;
	}
	`)
	p := NewPlanner(funcs)
	if _, err := p.Plan(); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	an := &Analyzer{all: funcs, byName: map[string][]*Function{}}
	for _, f := range funcs {
		an.byName[f.Name] = append(an.byName[f.Name], f)
	}
	var top *Function
	for _, f := range funcs {
		if f.Name == "$root" {
			top = f
		}
	}
	if _, err := an.SecondPass(top); err != nil {
		t.Fatalf("SecondPass failed: %v", err)
	}

	var outer, bump *Function
	for _, f := range funcs {
		switch f.Name {
		case "outer":
			outer = f
		case "bump":
			bump = f
		}
	}
	// The caller must materialize x's address (an OpAddi off the frame
	// base) rather than loading its value for the ref argument.
	foundAddr := false
	for _, i := range outer.LIR.Instr {
		if i.Op == lir.OpAddi {
			foundAddr = true
		}
	}
	if !foundAddr {
		t.Fatalf("expected the caller to compute the ref argument's address")
	}
	// The callee writes v through the pointer: a W64 slot load followed
	// by a store through the loaded register.
	foundStoreThrough := false
	for idx, i := range bump.LIR.Instr {
		if i.Op != lir.OpStore || idx == 0 {
			continue
		}
		if prev := bump.LIR.Instr[idx-1]; prev.Op == lir.OpLoad && prev.Width == lir.W64 && i.R2 == prev.R1 {
			foundStoreThrough = true
		}
	}
	if !foundStoreThrough {
		t.Fatalf("expected the callee to store through the by-reference pointer")
	}
}

func TestSecondPassCachesRepeatedVariableReads(t *testing.T) {
	funcs := analyzeForTest(t, `
	export func main(): int {
		let a: int = 7;
		let b: int = a + a;
		return b;
	}
	`)
	p := NewPlanner(funcs)
	if _, err := p.Plan(); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	an := &Analyzer{all: funcs}
	var top *Function
	for _, f := range funcs {
		if f.Name == "$root" {
			top = f
		}
	}
	if _, err := an.SecondPass(top); err != nil {
		t.Fatalf("SecondPass failed: %v", err)
	}
	var main *Function
	for _, f := range funcs {
		if f.Name == "main" {
			main = f
		}
	}
	loads := countOp(main.LIR.Instr, lir.OpLoad)
	// `a + a` reuses the register that already holds a: one load for a,
	// one for b at the return. More than two means the cache never hit.
	if loads > 2 {
		t.Fatalf("expected register caching to collapse repeated reads, got %d loads", loads)
	}
}

func TestSecondPassPatchesCatchJumpPastLabel(t *testing.T) {
	funcs := analyzeForTest(t, `
	export func main(): int {
		label done {
			catch done;
		}
		return 0;
	}
	`)
	p := NewPlanner(funcs)
	if _, err := p.Plan(); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	var top *Function
	for _, f := range funcs {
		if f.Name == "$root" {
			top = f
		}
	}
	an := &Analyzer{all: funcs}
	if _, err := an.SecondPass(top); err != nil {
		t.Fatalf("SecondPass failed: %v", err)
	}

	var main *Function
	for _, f := range funcs {
		if f.Name == "main" {
			main = f
		}
	}
	if main == nil || main.LIR == nil {
		t.Fatalf("expected a lowered %q function", "main")
	}
	var jmp *lir.Instruction
	for _, i := range main.LIR.Instr {
		if i.Op == lir.OpJmp {
			jmp = i
		}
	}
	if jmp == nil || len(jmp.Imms) == 0 {
		t.Fatalf("expected the catch to emit a jump with a resolved target")
	}
	target := jmp.Imms[0].TargetInstr
	if target == nil || target.Op != lir.OpComment {
		t.Fatalf("expected the catch's jump to target the label's end marker, got %v", target)
	}
}
