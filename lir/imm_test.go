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

package lir

import "testing"

type stubSizer struct {
	locals, cache, shared, offset int
}

func (s stubSizer) LocalVarsSize() int          { return s.locals }
func (s stubSizer) StackframePtrCacheSize() int { return s.cache }
func (s stubSizer) SharedRegionSize() int       { return s.shared }
func (s stubSizer) Offset() int                 { return s.offset }

func TestResolveCollapsesFrameSizeKinds(t *testing.T) {
	sizer := stubSizer{locals: 48, cache: 16, shared: 64}
	fn := NewFunc("f")
	instr := fn.Emit(OpStackPageAlloc, -1, -1, -1).
		WithImm(Lit(56)).
		WithImm(LocalVarsSize(sizer, false)).
		WithImm(SharedRegionSize(sizer, false)).
		WithImm(StackframePtrCacheSize(sizer, false))

	Resolve(fn)

	sum, ok := SumResolved(instr)
	if !ok {
		t.Fatalf("expected all immediates to be literal after Resolve")
	}
	if want := int64(56 + 48 + 64 + 16); sum != want {
		t.Fatalf("expected resolved sum %d, got %d", want, sum)
	}
}

func TestResolveNegatedKinds(t *testing.T) {
	sizer := stubSizer{locals: 40}
	fn := NewFunc("f")
	instr := fn.Emit(OpAddi, 1, 0, -1).WithImm(LocalVarsSize(sizer, true))
	Resolve(fn)
	sum, ok := SumResolved(instr)
	if !ok || sum != -40 {
		t.Fatalf("expected -40, got %d (ok=%v)", sum, ok)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	sizer := stubSizer{locals: 8, cache: 8, shared: 8}
	fn := NewFunc("f")
	fn.Emit(OpLi, 1, -1, -1).
		WithImm(LocalVarsSize(sizer, false)).
		WithImm(SharedRegionSize(sizer, true))

	Resolve(fn)
	var first []int64
	for _, imm := range fn.Instr[0].Imms {
		if imm.Kind != ImmValue {
			t.Fatalf("expected only literal kinds after the first Resolve, got %v", imm.Kind)
		}
		first = append(first, imm.Value)
	}

	Resolve(fn)
	for i, imm := range fn.Instr[0].Imms {
		if imm.Kind != ImmValue || imm.Value != first[i] {
			t.Fatalf("second Resolve changed immediate %d: %v", i, imm)
		}
	}
}

func TestResolveCanonicalizesBranchTargetPastScaffolding(t *testing.T) {
	fn := NewFunc("f")
	branch := fn.Emit(OpJmp, -1, -1, -1)
	comment := fn.Emit(OpComment, -1, -1, -1)
	fn.Emit(OpNop, -1, -1, -1)
	real := fn.Emit(OpJPop, -1, -1, -1)
	branch.WithImm(OffsetToInstruction(comment))

	Resolve(fn)

	got := branch.Imms[0].TargetInstr
	if got != real {
		t.Fatalf("expected branch target to advance past comment and nop to the ret, got %v", got)
	}
	if got.IsSkippedTarget() {
		t.Fatalf("canonicalized target must be a real instruction")
	}
}

func TestResolveLeavesBackendKindsSymbolic(t *testing.T) {
	fn := NewFunc("f")
	instr := fn.Emit(OpLi, 1, -1, -1).WithImm(OffsetToStringRegion("hello"))
	Resolve(fn)
	if instr.Imms[0].Kind != ImmOffsetToStringRegion {
		t.Fatalf("string-region offsets resolve in the backend, not here; got %v", instr.Imms[0].Kind)
	}
	if _, ok := SumResolved(instr); ok {
		t.Fatalf("SumResolved must refuse a still-symbolic immediate list")
	}
}

func TestSignExtendBoundaries(t *testing.T) {
	cases := []struct {
		v    int64
		bits uint
		want int64
	}{
		{0x7F, 8, 127},
		{0x80, 8, -128},
		{0xFF, 8, -1},
		{0x7FFFFFFF, 32, 1<<31 - 1},
		{0x80000000, 32, -(1 << 31)},
		{-129, 64, -129},
	}
	for _, c := range cases {
		if got := SignExtend(c.v, c.bits); got != c.want {
			t.Fatalf("SignExtend(%#x, %d) = %d, want %d", c.v, c.bits, got, c.want)
		}
	}
}

func TestIsBranchCoversJumpFamily(t *testing.T) {
	for _, op := range []Op{OpJmp, OpJEQ, OpJNE, OpJLT, OpJLTU, OpJLE, OpJLEU, OpJGT, OpJGTU, OpJGE, OpJGEU, OpJL} {
		if !op.IsBranch() {
			t.Fatalf("expected %v to be a branch", op)
		}
	}
	for _, op := range []Op{OpJPush, OpJPop, OpAFIP, OpCpy, OpNop, OpComment} {
		if op.IsBranch() {
			t.Fatalf("expected %v not to be a branch", op)
		}
	}
}
