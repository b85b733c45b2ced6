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

// GPRSize is the general-purpose register width in bytes on the x86-64
// target.
const GPRSize = 8

// PageSize is the allocation granularity OpPageAlloc/OpStackPageAlloc work
// in; it also bounds a non-address-taken function's stackframe.
const PageSize = 4096

// MaxArgUsage is the argument-area size in bytes reserved for a variadic
// function.
const MaxArgUsage = 32

// MaxStackUsage bounds an address-taken function's stack-resident
// footprint in bytes before the planner reports a capacity error.
const MaxStackUsage = 1 << 20

// MaxRecompiles bounds the pass-2/plan recompile loop. It is
// a safety net: well-formed inputs converge in one or two iterations.
const MaxRecompiles = 64
