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

package x86

import (
	"fmt"
	"math"

	"lyralc/lir"
)

// MaxRelaxIterations bounds the branch/immediate-width relaxation fixpoint.
// Real programs converge in a handful of iterations; this is a safety net
// against a pathological oscillation.
const MaxRelaxIterations = 64

// layout assigns every instruction an offset and a width tier, iterating
// until no branch or symbolic-immediate instruction needs to widen
// further. Tiers only ever grow (rel8 to rel32 to a scratch-register
// 64-bit form), so the loop terminates: each iteration either widens at
// least one instruction or is the fixpoint.
func (lw *Lowerer) layout() (codeSize int, err error) {
	funcs := lw.codeFuncs()
	for iter := 0; ; iter++ {
		if iter >= MaxRelaxIterations {
			return 0, fmt.Errorf("x86: relaxation did not converge after %d iterations", MaxRelaxIterations)
		}
		offset := 0
		for _, fn := range funcs {
			fn.ImageOffset = offset
			for _, instr := range fn.LIR.Instr {
				st := lw.stateFor(instr)
				st.offset = offset
				st.size, err = lw.size(instr, st.tier)
				if err != nil {
					return 0, err
				}
				offset += st.size
			}
		}
		codeSize = offset

		changed := false
		for _, fn := range funcs {
			for _, instr := range fn.LIR.Instr {
				st := lw.stateFor(instr)
				need := lw.tierNeeded(instr, st)
				if need > st.tier {
					st.tier = need
					changed = true
				}
			}
		}
		if !changed {
			return codeSize, nil
		}
	}
}

// tierNeeded reports the narrowest width tier that can represent instr's
// displacement/immediate at the current layout.
func (lw *Lowerer) tierNeeded(instr *lir.Instruction, st *instrState) widthTier {
	switch instr.Op {
	case lir.OpJmp, lir.OpJPush,
		lir.OpJEQ, lir.OpJNE, lir.OpJLT, lir.OpJLTU, lir.OpJLE, lir.OpJLEU,
		lir.OpJGT, lir.OpJGTU, lir.OpJGE, lir.OpJGEU:
		rel, err := lw.branchDisplacementOrZero(instr, st, false)
		if err != nil {
			return st.tier
		}
		return tierForBranch(instr.Op, rel)
	case lir.OpJL:
		rel, err := lw.branchDisplacement(instr, st)
		if err != nil {
			return st.tier
		}
		if rel >= math.MinInt8 && rel <= math.MaxInt8 {
			return tierNarrow
		}
		return tierWide
	case lir.OpLi:
		// No 8-bit mov-immediate form exists for a 64-bit register, so
		// li's narrow tier is already imm32; past that it is movabs.
		v, err := lw.resolveImms(instr, st)
		if err != nil {
			return st.tier
		}
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return tierNarrow
		}
		return tierWide
	case lir.OpAddi, lir.OpSubi, lir.OpAndi, lir.OpOri, lir.OpXori,
		lir.OpSeqi, lir.OpSnei, lir.OpSltiS, lir.OpSltiU:
		v, err := lw.resolveImms(instr, st)
		if err != nil {
			return st.tier
		}
		return tierForImmediate(v)
	}
	return tierNarrow
}

// tierForImmediate is the 8/32/64-bit progression for a group-1 ALU
// immediate: imm8 while it fits a signed byte, imm32 while it fits a
// signed doubleword, and a scratch-register materialization beyond that.
func tierForImmediate(v int64) widthTier {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		return tierNarrow
	}
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		return tierWide
	}
	return tierWide64
}

func tierForBranch(op lir.Op, rel int64) widthTier {
	if op != lir.OpJPush && rel >= math.MinInt8 && rel <= math.MaxInt8 {
		return tierNarrow
	}
	if rel >= math.MinInt32 && rel <= math.MaxInt32 {
		if op == lir.OpJPush {
			return tierNarrow // CALL has no rel8 form; rel32 is its narrow tier
		}
		return tierWide
	}
	return tierWide64
}
