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
package ast

import "testing"

func TestParseSimpleFunc(t *testing.T) {
	src := `
	func add(a: int, b: int): int {
		return a + b;
	}
	`
	root := ParseFile("test.ly", []byte(src))
	if len(root.Funcs) != 1 {
		t.Fatalf("expected 1 function, got %d", len(root.Funcs))
	}
	fn := root.Funcs[0]
	if fn.Name != "add" || len(fn.Params) != 2 {
		t.Fatalf("unexpected function shape: %+v", fn)
	}
	if !fn.RetType.IsInt() {
		t.Fatalf("expected int return type, got %v", fn.RetType)
	}
}

func TestParseNestedFunction(t *testing.T) {
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
	root := ParseFile("test.ly", []byte(src))
	outer := root.Funcs[0]
	if len(outer.Body.Funcs) != 1 {
		t.Fatalf("expected 1 nested function, got %d", len(outer.Body.Funcs))
	}
	inner := outer.Body.Funcs[0]
	if !inner.Params[0].ByRef {
		t.Fatalf("expected inner's first parameter to be byref")
	}
}

func TestParseByRefAndAddressOf(t *testing.T) {
	src := `
	func set(ref out: int) {
		out = 1;
	}
	func main(): int {
		let v: int = 0;
		let p: int* = &v;
		set(v);
		return *p;
	}
	`
	root := ParseFile("test.ly", []byte(src))
	if len(root.Funcs) != 2 {
		t.Fatalf("expected 2 functions, got %d", len(root.Funcs))
	}
}

func TestParseImportedFunction(t *testing.T) {
	src := `
	import func puts(s: string): int;
	func main() {
		puts("hi");
	}
	`
	root := ParseFile("test.ly", []byte(src))
	if !root.Funcs[0].Imported || root.Funcs[0].Body != nil {
		t.Fatalf("expected imported declaration with no body")
	}
}
