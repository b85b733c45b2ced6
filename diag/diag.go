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

// Package diag formats the compiler's errors: a file:line location, an
// optional macro-origin trail, and the offending source line with a '^'
// pointer under the reported column.
// It is the collaborator compile.CompileArg.Error reports through.
package diag

import (
	"fmt"
	"io"
	"strings"

	"lyralc/ast"
)

// Positioned is implemented by any core error tied to a source position —
// currently only *sema.Error, but any future front-end error that carries
// an ast.Position satisfies it the same way.
type Positioned interface {
	error
	At() ast.Position
}

// Diagnostic is one reported failure.
type Diagnostic struct {
	Pos        ast.Position
	MacroTrail []ast.Position // enclosing macro-expansion origins, innermost first
	Message    string
	SourceLine string // empty when the caller couldn't supply source text
}

// FromError converts a Positioned error into a Diagnostic. src, if non-nil,
// supplies the full source text so the offending line can be rendered with
// its '^' pointer; pass nil when source text isn't available to the caller.
func FromError(err error, src []byte) (*Diagnostic, bool) {
	pe, ok := err.(Positioned)
	if !ok {
		return nil, false
	}
	pos := pe.At()
	d := &Diagnostic{Pos: pos, Message: stripLocationPrefix(pos, pe.Error())}
	if src != nil {
		d.SourceLine = lineAt(src, pos.Line)
	}
	return d, true
}

// stripLocationPrefix removes a leading "file:line: " the wrapped error may
// already carry (e.g. *sema.Error.Error()), so Fprint doesn't print it twice.
func stripLocationPrefix(pos ast.Position, msg string) string {
	prefix := fmt.Sprintf("%s:%d: ", pos.File, pos.Line)
	return strings.TrimPrefix(msg, prefix)
}

func lineAt(src []byte, line int) string {
	if line <= 0 {
		return ""
	}
	lines := strings.Split(string(src), "\n")
	if line > len(lines) {
		return ""
	}
	return lines[line-1]
}

// Fprint writes d to w: location and message, then each macro-origin
// trail entry, then the source line with a column-aligned '^' pointer if
// one was supplied.
func (d *Diagnostic) Fprint(w io.Writer) {
	fmt.Fprintf(w, "%s:%d: %s\n", d.Pos.File, d.Pos.Line, d.Message)
	for _, origin := range d.MacroTrail {
		fmt.Fprintf(w, "  expanded from %s:%d\n", origin.File, origin.Line)
	}
	if d.SourceLine == "" {
		return
	}
	fmt.Fprintf(w, "%s\n", d.SourceLine)
	col := d.Pos.Column
	if col < 1 {
		col = 1
	}
	fmt.Fprintf(w, "%s^\n", strings.Repeat(" ", col-1))
}

func (d *Diagnostic) String() string {
	var b strings.Builder
	d.Fprint(&b)
	return b.String()
}
