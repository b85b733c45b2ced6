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
)

func TestFirstPassDiscoversNestedFunctions(t *testing.T) {
	src := `
	func outer(n: int): int {
		let doubled: int = 0;
		func inner(ref x: int) {
			x = x + n;
		}
		inner(doubled);
		return doubled;
	}
	`
	root := ast.ParseFile("t.ly", []byte(src))
	an := NewAnalyzer()
	top, err := an.FirstPass(root)
	if err != nil {
		t.Fatalf("FirstPass failed: %v", err)
	}
	if top == nil {
		t.Fatalf("expected a non-nil top-level function")
	}
	// $root, outer, inner
	if len(an.Functions()) != 3 {
		t.Fatalf("expected 3 functions, got %d", len(an.Functions()))
	}
	var inner *Function
	for _, f := range an.Functions() {
		if f.Name == "inner" {
			inner = f
		}
	}
	if inner == nil {
		t.Fatalf("expected to find function %q", "inner")
	}
	if inner.Parent == nil || inner.Parent.Name != "outer" {
		t.Fatalf("expected inner's parent to be outer, got %v", inner.Parent)
	}
}

func TestFirstPassReportsUndefinedIdentifier(t *testing.T) {
	src := `
	func main(): int {
		return missing;
	}
	`
	root := ast.ParseFile("t.ly", []byte(src))
	an := NewAnalyzer()
	_, err := an.FirstPass(root)
	if err == nil {
		t.Fatalf("expected an error for an undefined identifier")
	}
}

func TestFirstPassMarksAddressOfVariableVolatile(t *testing.T) {
	src := `
	func main(): int {
		let v: int = 0;
		let p: int* = &v;
		return *p;
	}
	`
	root := ast.ParseFile("t.ly", []byte(src))
	an := NewAnalyzer()
	_, err := an.FirstPass(root)
	if err != nil {
		t.Fatalf("FirstPass failed: %v", err)
	}
	var main *Function
	for _, f := range an.Functions() {
		if f.Name == "main" {
			main = f
		}
	}
	if main == nil {
		t.Fatalf("expected to find function %q", "main")
	}
	found := false
	for _, v := range main.Locals {
		if v.Name == "v" {
			found = true
			if !v.IsVolatile() {
				t.Fatalf("expected %q to be volatile once its address is taken", "v")
			}
		}
	}
	if !found {
		t.Fatalf("expected local variable %q", "v")
	}
}

func TestFirstPassResolvesNestedCatchAgainstNearestLabel(t *testing.T) {
	src := `
	func main(): int {
		label outer {
			label inner {
				catch inner;
			}
			catch outer;
		}
		return 0;
	}
	`
	root := ast.ParseFile("t.ly", []byte(src))
	an := NewAnalyzer()
	if _, err := an.FirstPass(root); err != nil {
		t.Fatalf("FirstPass failed: %v", err)
	}
}

func TestFirstPassRejectsCatchWithoutEnclosingLabel(t *testing.T) {
	src := `
	func main(): int {
		catch nowhere;
		return 0;
	}
	`
	root := ast.ParseFile("t.ly", []byte(src))
	an := NewAnalyzer()
	if _, err := an.FirstPass(root); err == nil {
		t.Fatalf("expected an error for a catch with no enclosing label")
	}
}
