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

package diag

import (
	"strings"
	"testing"

	"lyralc/ast"
)

type fakeErr struct {
	pos ast.Position
	msg string
}

func (e *fakeErr) Error() string       { return e.msg }
func (e *fakeErr) At() ast.Position    { return e.pos }

func TestFromErrorNotPositioned(t *testing.T) {
	_, ok := FromError(errString("plain"), nil)
	if ok {
		t.Fatalf("expected ok=false for a non-Positioned error")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestFromErrorStripsLocationPrefix(t *testing.T) {
	pos := ast.Position{File: "a.ly", Line: 3, Column: 5}
	err := &fakeErr{pos: pos, msg: "a.ly:3: unexpected token"}
	d, ok := FromError(err, nil)
	if !ok {
		t.Fatalf("expected ok=true for a Positioned error")
	}
	if d.Message != "unexpected token" {
		t.Fatalf("expected stripped message, got %q", d.Message)
	}
}

func TestFromErrorWithSourceLine(t *testing.T) {
	src := []byte("line one\nline two\nline three\n")
	pos := ast.Position{File: "a.ly", Line: 2, Column: 6}
	err := &fakeErr{pos: pos, msg: "a.ly:2: bad thing"}
	d, ok := FromError(err, src)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if d.SourceLine != "line two" {
		t.Fatalf("expected source line %q, got %q", "line two", d.SourceLine)
	}
	out := d.String()
	if !strings.Contains(out, "line two") || !strings.Contains(out, "^") {
		t.Fatalf("expected rendered diagnostic to contain source line and pointer, got:\n%s", out)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	pointerLine := lines[len(lines)-1]
	if len(pointerLine) != pos.Column {
		t.Fatalf("expected pointer at column %d, got %d-wide line %q", pos.Column, len(pointerLine), pointerLine)
	}
}

func TestFromErrorWithMacroTrail(t *testing.T) {
	pos := ast.Position{File: "a.ly", Line: 10}
	d := &Diagnostic{
		Pos:        pos,
		Message:    "bad expansion",
		MacroTrail: []ast.Position{{File: "a.ly", Line: 2}},
	}
	out := d.String()
	if !strings.Contains(out, "expanded from a.ly:2") {
		t.Fatalf("expected macro trail line, got:\n%s", out)
	}
}
