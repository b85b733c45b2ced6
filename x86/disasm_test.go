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
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// decodeAll feeds b through x86asm one instruction at a time and fails
// the test if any byte is left over or any prefix fails to decode — a
// cheap round-trip sanity check that this package's hand-rolled encoder
// produces bytes a real x86-64 disassembler recognizes as well-formed
// instructions, not just bytes this package's own decoder would accept.
func decodeAll(t *testing.T, b []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	for len(b) > 0 {
		inst, err := x86asm.Decode(b, 64)
		if err != nil {
			t.Fatalf("x86asm.Decode failed on %x: %v", b, err)
		}
		insts = append(insts, inst)
		b = b[inst.Len:]
	}
	return insts
}

func TestDecodeMovRegReg(t *testing.T) {
	b := EncodedMov64RegReg(RBX, RAX)
	insts := decodeAll(t, b)
	if len(insts) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(insts))
	}
	if insts[0].Op != x86asm.MOV {
		t.Fatalf("expected MOV, got %v", insts[0].Op)
	}
}

func TestDecodeMovImm64(t *testing.T) {
	b := EncodedMovImm64(RCX, 0x1122334455667788)
	insts := decodeAll(t, b)
	if insts[0].Op != x86asm.MOV {
		t.Fatalf("expected MOV, got %v", insts[0].Op)
	}
}

func TestDecodeAluRegReg(t *testing.T) {
	for _, op := range []arithOpcode{aluAdd, aluSub, aluAnd, aluOr, aluXor, aluCmp} {
		b := EncodedAluRegReg(op, R8, R15)
		decodeAll(t, b)
	}
}

func TestDecodeAluImmediateWidths(t *testing.T) {
	for _, ext := range []int{aluExtAdd, aluExtOr, aluExtAnd, aluExtSub, aluExtXor, aluExtCmp} {
		decodeAll(t, EncodedAluImm8(ext, RBX, -128))
		decodeAll(t, EncodedAluImm8(ext, R14, 127))
		decodeAll(t, EncodedAluImm32(ext, RBX, -129))
	}
}

func TestDecodeLoadStore(t *testing.T) {
	for _, width := range []int{1, 2, 4, 8} {
		decodeAll(t, EncodedLoad(RAX, RBP, 16, width))
		decodeAll(t, EncodedStore(RBP, RAX, -8, width))
	}
	// RSP and R12 as a base require an extra SIB byte; exercise both.
	decodeAll(t, EncodedLoad(RAX, RSP, 0, 8))
	decodeAll(t, EncodedLoad(RAX, R12, 0, 8))
}

func TestDecodeCallRetJumps(t *testing.T) {
	decodeAll(t, EncodedCallRel32(100))
	decodeAll(t, EncodedRet())
	decodeAll(t, EncodedJmpRel8(10))
	decodeAll(t, EncodedJmpRel32(-1000))
	decodeAll(t, EncodedJccRel8(ccE, 5))
	decodeAll(t, EncodedJccRel32(ccNE, 70000))
}

func TestDecodeSetccAndMovzx(t *testing.T) {
	decodeAll(t, EncodedSetccReg(ccL, RAX))
	decodeAll(t, EncodedMovzxByte(RCX, RAX))
}

func TestDecodePushPopAndDivMul(t *testing.T) {
	decodeAll(t, EncodedPush(R13))
	decodeAll(t, EncodedPop(R13))
	decodeAll(t, EncodedCqo())
	decodeAll(t, EncodedIdivRAX(RBX))
	decodeAll(t, EncodedImulRAX(RBX))
	decodeAll(t, EncodedImulRegReg(RAX, RBX))
	decodeAll(t, EncodedLea(RAX, RBP, 24))
	for _, ext := range []int{mulDivExtMul, mulDivExtImul, mulDivExtDiv, mulDivExtIdiv} {
		decodeAll(t, EncodedMulDivReg(ext, R9))
		decodeAll(t, EncodedMulDivMemRSP(ext))
	}
}

func TestDecodeStringOpsAndIndirectBranches(t *testing.T) {
	decodeAll(t, EncodedCld())
	decodeAll(t, EncodedStd())
	for _, unit := range []int{1, 2, 4, 8} {
		insts := decodeAll(t, EncodedRepMovs(unit))
		if len(insts) != 1 {
			t.Fatalf("rep movs (unit %d) must decode as one instruction, got %d", unit, len(insts))
		}
	}
	decodeAll(t, EncodedJmpReg(RAX))
	decodeAll(t, EncodedJmpReg(R11))
	decodeAll(t, EncodedCallReg(RBX))
	decodeAll(t, EncodedSyscall())
}
