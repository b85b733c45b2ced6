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
	"lyralc/ast"
	"lyralc/utils"
)

// PredeclaredVar describes a host-provided variable the compiled unit
// reads and writes like one of its own. Storage lives in the unit's
// global-variable region; Callback, when non-nil, is invoked after every
// store so the host can observe the new value at the variable's address.
// The callback takes no arguments: the host already knows the address it
// registered the variable at.
type PredeclaredVar struct {
	Name     string
	Type     *ast.Type
	Callback func()
}

// layoutPredeclared places every predeclared variable in the global
// region: the value slot first (aligned up to the register size), then,
// when a change callback was registered, a pointer slot the loader
// patches with the callback's address — the same patch-a-slot scheme the
// import table uses. Identifier lookups that miss every enclosing frame
// fall back to this table.
func (a *Analyzer) layoutPredeclared() {
	a.globals = make(map[string]*Variable)
	a.callbackSlots = make(map[string]int)
	offset := 0
	for _, pv := range a.Predeclared {
		v := NewVariable(nil, pv.Name, pv.Type)
		v.IsStatic = true
		v.Offset = offset
		offset += utils.Align(v.Size, GPRSize)
		if pv.Callback != nil {
			a.callbackSlots[pv.Name] = offset
			offset += GPRSize
		}
		a.globals[pv.Name] = v
	}
	a.globalSize = offset
}

// predeclared returns the global-region variable registered under name,
// or nil.
func (a *Analyzer) predeclared(name string) *Variable {
	return a.globals[name]
}

// GlobalRegionSize is the byte size of the unit's global-variable region:
// every predeclared variable's value slot plus its callback slot.
func (a *Analyzer) GlobalRegionSize() int { return a.globalSize }
