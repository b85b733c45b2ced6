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

	"lyralc/lir"
	"lyralc/sema"
)

// widthTier is the relaxation state of one instruction whose encoded size
// depends on how far away its target/immediate turns out to be: rel8/imm32
// first, rel32 next, and a 64-bit form through a scratch register as the
// last resort.
type widthTier int

const (
	tierNarrow widthTier = iota
	tierWide
	tierWide64
)

type instrState struct {
	tier   widthTier
	offset int
	size   int
}

// Lowerer drives per-op byte emission and the relaxation fixpoint for a
// whole compilation unit's functions.
type Lowerer struct {
	funcs []*sema.Function
	state map[*lir.Instruction]*instrState

	stringBase    int
	stringOffsets map[string]int
	globalBase    int
}

func NewLowerer(funcs []*sema.Function) *Lowerer {
	return &Lowerer{funcs: funcs, state: map[*lir.Instruction]*instrState{}}
}

func (lw *Lowerer) stateFor(i *lir.Instruction) *instrState {
	st, ok := lw.state[i]
	if !ok {
		st = &instrState{}
		lw.state[i] = st
	}
	return st
}

// codeFuncs returns the functions that contribute actual code bytes
// (an imported declaration has none — it is satisfied by the import
// table instead).
func (lw *Lowerer) codeFuncs() []*sema.Function {
	var out []*sema.Function
	for _, f := range lw.funcs {
		if !f.Imported && f.LIR != nil {
			out = append(out, f)
		}
	}
	return out
}

// scratchRegs picks n distinct registers from instr's unused-register
// snapshot, skipping the reserved stack-pointer alias and anything in
// exclude. The analyzer promises a minimum free-register count per op
// (CompileArg.MinUnusedRegCountForOp); running dry here means that
// contract was broken, which is a backend error, not something to paper
// over with a silent PUSH/POP cascade mid-branch.
func scratchRegs(instr *lir.Instruction, n int, exclude ...Reg) ([]Reg, error) {
	var out []Reg
pick:
	for _, id := range instr.UnusedRegs {
		if id <= 0 {
			continue
		}
		r := FromSemaID(id)
		for _, ex := range exclude {
			if r == ex {
				continue pick
			}
		}
		for _, got := range out {
			if r == got {
				continue pick
			}
		}
		out = append(out, r)
		if len(out) == n {
			return out, nil
		}
	}
	return nil, fmt.Errorf("x86: %s needs %d scratch registers but only %d are unused", instr.Op, n, len(out))
}

// savedRegs returns, in push order, the registers from candidates that hold
// a live value at instr and are not instr's own result register — those
// must survive an operation that clobbers them.
func savedRegs(instr *lir.Instruction, candidates ...Reg) []Reg {
	r1 := FromSemaID(instr.R1)
	var out []Reg
	for _, r := range candidates {
		if instr.R1 >= 0 && r == r1 {
			continue
		}
		if instr.IsRegLive(int(r)) {
			out = append(out, r)
		}
	}
	return out
}

func pushAll(regs []Reg) []byte {
	var out []byte
	for _, r := range regs {
		out = append(out, EncodedPush(r)...)
	}
	return out
}

func popAllReverse(regs []Reg) []byte {
	var out []byte
	for i := len(regs) - 1; i >= 0; i-- {
		out = append(out, EncodedPop(regs[i])...)
	}
	return out
}

// size returns instr's encoded length at the given tier, without needing
// final offsets — the tier fixes the encoding form (including the 64-bit
// scratch-register form), and only displacement/immediate *values* are
// still placeholders, so size is a pure function of (op, tier, operand
// registers, liveness).
func (lw *Lowerer) size(instr *lir.Instruction, tier widthTier) (int, error) {
	b, err := lw.emitAt(instr, &instrState{tier: tier}, true)
	if err != nil {
		return 0, err
	}
	n := len(b)
	if instr.BinSize != 0 {
		if n > instr.BinSize {
			return 0, fmt.Errorf("x86: %s needs %d bytes but binsz forces %d", instr.Op, n, instr.BinSize)
		}
		n = instr.BinSize
	}
	return n, nil
}

// emit returns instr's final bytes once offsets are stable, padding with
// NOPs up to any forced binsz.
func (lw *Lowerer) emit(instr *lir.Instruction, st *instrState) ([]byte, error) {
	b, err := lw.emitAt(instr, st, false)
	if err != nil {
		return nil, err
	}
	if len(b) < st.size {
		b = append(b, EncodedNop(st.size-len(b))...)
	}
	if len(b) != st.size {
		return nil, fmt.Errorf("x86: %s emitted %d bytes where layout reserved %d", instr.Op, len(b), st.size)
	}
	return b, nil
}

func jccCondFor(op lir.Op) condCode {
	switch op {
	case lir.OpJEQ:
		return ccE
	case lir.OpJNE:
		return ccNE
	case lir.OpJLT:
		return ccL
	case lir.OpJLTU:
		return ccB
	case lir.OpJLE:
		return ccLE
	case lir.OpJLEU:
		return ccBE
	case lir.OpJGT:
		return ccG
	case lir.OpJGTU:
		return ccA
	case lir.OpJGE:
		return ccGE
	case lir.OpJGEU:
		return ccAE
	}
	return ccE
}

// invert flips a condition code to its logical complement (E <-> NE,
// L <-> GE, ...); the x86 encoding keeps complements in adjacent pairs.
func (cc condCode) invert() condCode { return cc ^ 1 }

// aluImmForms pairs each immediate-form ALU op with its group-1 ModRM.reg
// selector and the register-register opcode its widest relaxation tier
// falls back to.
var aluImmForms = map[lir.Op]struct {
	ext int
	rr  arithOpcode
}{
	lir.OpAddi: {aluExtAdd, aluAdd},
	lir.OpSubi: {aluExtSub, aluSub},
	lir.OpAndi: {aluExtAnd, aluAnd},
	lir.OpOri:  {aluExtOr, aluOr},
	lir.OpXori: {aluExtXor, aluXor},
}

// semaRegRAX and semaRegRDX are the register ids FromSemaID maps onto
// RAX/RDX, used to decide whether a multiply/divide result already landed
// where the LIR instruction wants it.
const (
	semaRegRAX = int(RAX)
	semaRegRDX = int(RDX)
)

// mulDivSaves reports whether RAX and/or RDX hold a value that survives
// past this instruction and isn't itself the destination; a multiply-high
// or divide/modulo implicitly occupies RDX:RAX, so whichever of the two is
// still live must be preserved around the sequence.
func mulDivSaves(instr *lir.Instruction) (saveRax, saveRdx bool) {
	saveRax = instr.IsRegLive(semaRegRAX) && instr.R1 != semaRegRAX
	saveRdx = instr.IsRegLive(semaRegRDX) && instr.R1 != semaRegRDX
	return
}

// setccTarget is the register SETcc writes to: r1 itself when it is one of
// the four byte-addressable registers, RAX as scratch otherwise (matching
// EncodedSetccReg's own restriction).
func setccTarget(r1 Reg) Reg {
	if r1.byteRestricted() {
		return r1
	}
	return RAX
}

// mulDivSequence lowers the multiply-high/divide/modulo family, which
// implicitly occupies RDX:RAX: push whichever of the two still holds a
// live value, route the divisor/multiplicand through the stack when it
// aliases RAX or RDX (the setup would clobber it otherwise), run the
// group-3 op, move the result out of resultReg into r1, and pop back.
// prep is the RDX preparation (CQO for signed, XOR for unsigned, empty
// for a multiply).
func (lw *Lowerer) mulDivSequence(instr *lir.Instruction, ext int, prep []byte, resultReg Reg) []byte {
	r1, r2, r3 := FromSemaID(instr.R1), FromSemaID(instr.R2), FromSemaID(instr.R3)
	saveRax, saveRdx := mulDivSaves(instr)
	var out []byte
	if saveRax {
		out = append(out, EncodedPush(RAX)...)
	}
	if saveRdx {
		out = append(out, EncodedPush(RDX)...)
	}
	aliased := r3 == RAX || r3 == RDX
	if aliased {
		out = append(out, EncodedPush(r3)...)
	}
	if r2 != RAX {
		out = append(out, EncodedMov64RegReg(RAX, r2)...)
	}
	out = append(out, prep...)
	if aliased {
		out = append(out, EncodedMulDivMemRSP(ext)...)
		out = append(out, EncodedAluImm32(aluExtAdd, RSP, 8)...)
	} else {
		out = append(out, EncodedMulDivReg(ext, r3)...)
	}
	if r1 != resultReg {
		out = append(out, EncodedMov64RegReg(r1, resultReg)...)
	}
	if saveRdx {
		out = append(out, EncodedPop(RDX)...)
	}
	if saveRax {
		out = append(out, EncodedPop(RAX)...)
	}
	return out
}

// memCpyUnit maps an instruction's width tag to the REP MOVS element size.
func memCpyUnit(w lir.Width) int {
	switch w {
	case lir.W16:
		return 2
	case lir.W32:
		return 4
	case lir.W64:
		return 8
	}
	return 1
}

// emitMemCpy lowers the block-copy family: REP MOVS wants dest in RDI,
// source in RSI and the element count in RCX, so live values in those
// three are pushed first, then the LIR operands are routed through the
// stack (push operand, pop target register) so an operand that already
// sits in RDI/RSI/RCX can't be clobbered mid-shuffle. The *2 variants
// copy downward (STD before the REP, CLD after); everything else copies
// forward.
func (lw *Lowerer) emitMemCpy(instr *lir.Instruction, st *instrState, sizing bool) ([]byte, error) {
	r1, r2 := FromSemaID(instr.R1), FromSemaID(instr.R2)
	immCount := instr.Op == lir.OpMemCpyI || instr.Op == lir.OpMemCpyI2
	backward := instr.Op == lir.OpMemCpy2 || instr.Op == lir.OpMemCpyI2

	saved := savedRegs(instr, RDI, RSI, RCX)
	var out []byte
	out = append(out, pushAll(saved)...)

	out = append(out, EncodedPush(r1)...)
	out = append(out, EncodedPush(r2)...)
	if immCount {
		out = append(out, EncodedPop(RSI)...)
		out = append(out, EncodedPop(RDI)...)
		var count int64
		if !sizing {
			v, err := lw.resolveImms(instr, st)
			if err != nil {
				return nil, err
			}
			count = v
		}
		out = append(out, EncodedMovImm32(RCX, int32(count))...)
	} else {
		out = append(out, EncodedPush(FromSemaID(instr.R3))...)
		out = append(out, EncodedPop(RCX)...)
		out = append(out, EncodedPop(RSI)...)
		out = append(out, EncodedPop(RDI)...)
	}

	if backward {
		out = append(out, EncodedStd()...)
	} else {
		out = append(out, EncodedCld()...)
	}
	out = append(out, EncodedRepMovs(memCpyUnit(instr.Width))...)
	if backward {
		out = append(out, EncodedCld()...)
	}

	out = append(out, popAllReverse(saved)...)
	return out, nil
}

// Linux x86-64 syscall numbers and mmap flags the page-allocation family
// lowers through when targeting Linux directly.
const (
	sysMmap   = 9
	sysMunmap = 11

	protReadWrite   = 0x3
	mapPrivateAnon  = 0x22
)

// emitPageOp lowers the page-allocation family as direct Linux syscalls:
// mmap(0, len, RW, PRIVATE|ANON, -1, 0) for an alloc, munmap(addr, len)
// for a free. A syscall clobbers RCX and R11 and returns in RAX, so every
// live register in the syscall argument/clobber set is preserved around
// the sequence; operands route through the stack the same way the block
// copy does, so operand registers already serving as syscall argument
// slots are immune to the setup order.
func (lw *Lowerer) emitPageOp(instr *lir.Instruction, st *instrState, sizing bool) ([]byte, error) {
	alloc := instr.Op == lir.OpPageAlloc || instr.Op == lir.OpPageAllocI
	immLen := instr.Op == lir.OpPageAllocI || instr.Op == lir.OpPageFreeI

	saved := savedRegs(instr, RAX, RDI, RSI, RDX, R10, R8, R9, RCX, R11)
	var out []byte
	out = append(out, pushAll(saved)...)

	var immLenVal int64
	if immLen && !sizing {
		v, err := lw.resolveImms(instr, st)
		if err != nil {
			return nil, err
		}
		immLenVal = v
	}

	if alloc {
		if immLen {
			out = append(out, EncodedMovImm32(RSI, int32(immLenVal))...)
		} else {
			out = append(out, EncodedPush(FromSemaID(instr.R2))...)
			out = append(out, EncodedPop(RSI)...)
		}
		out = append(out, EncodedMovImm32(RDI, 0)...)
		out = append(out, EncodedMovImm32(RDX, protReadWrite)...)
		out = append(out, EncodedMovImm32(R10, mapPrivateAnon)...)
		out = append(out, EncodedMovImm32(R8, -1)...)
		out = append(out, EncodedMovImm32(R9, 0)...)
		out = append(out, EncodedMovImm32(RAX, sysMmap)...)
	} else {
		out = append(out, EncodedPush(FromSemaID(instr.R2))...)
		if immLen {
			out = append(out, EncodedPop(RDI)...)
			out = append(out, EncodedMovImm32(RSI, int32(immLenVal))...)
		} else {
			out = append(out, EncodedPush(FromSemaID(instr.R3))...)
			out = append(out, EncodedPop(RSI)...)
			out = append(out, EncodedPop(RDI)...)
		}
		out = append(out, EncodedMovImm32(RAX, sysMunmap)...)
	}
	out = append(out, EncodedSyscall()...)
	if alloc && instr.R1 >= 0 {
		r1 := FromSemaID(instr.R1)
		if r1 != RAX {
			out = append(out, EncodedMov64RegReg(r1, RAX)...)
		}
	}

	out = append(out, popAllReverse(saved)...)
	return out, nil
}

// emitWideBranch lowers a branch whose displacement no longer fits rel32:
// recover the instruction pointer with the CALL/POP trick, add the full
// 64-bit delta from a second scratch, and jump (or call) through the
// register. When haveCC is set, cc guards the whole sequence with an
// inverted short branch so the fall-through path stays cheap.
func (lw *Lowerer) emitWideBranch(instr *lir.Instruction, st *instrState, sizing bool, isCall bool, cc condCode, haveCC bool) ([]byte, error) {
	scratch, err := scratchRegs(instr, 2)
	if err != nil {
		return nil, err
	}
	ip, delta := scratch[0], scratch[1]

	core := concat(
		EncodedCallRel32(0),
		EncodedPop(ip),
		EncodedMovImm64(delta, 0), // patched below once offsets are known
		EncodedAluRegReg(aluAdd, ip, delta),
	)
	var jump []byte
	if isCall {
		jump = EncodedCallReg(ip)
	} else {
		jump = EncodedJmpReg(ip)
	}
	body := append(core, jump...)

	if !sizing {
		// ip holds the address right after the CALL's 5 bytes; the delta
		// is measured from there to the target.
		var targetOff int64
		if imm := instr.Imms[0]; imm.Kind == lir.ImmOffsetToInstruction {
			targetOff = int64(lw.stateFor(imm.TargetInstr).offset)
		} else {
			v, err := lw.resolveImms(instr, st)
			if err != nil {
				return nil, err
			}
			targetOff = v
		}
		prefix := 0
		if haveCC {
			prefix = len(EncodedAluImm32(aluExtCmp, RAX, 0)) + len(EncodedJccRel8(ccE, 0))
		}
		ipValue := int64(st.offset + prefix + len(EncodedCallRel32(0)))
		movabs := EncodedMovImm64(delta, targetOff-ipValue)
		copy(body[len(EncodedCallRel32(0))+len(EncodedPop(ip)):], movabs)
	}

	if !haveCC {
		return body, nil
	}
	cmp := EncodedAluImm32(aluExtCmp, FromSemaID(instr.R2), 0)
	skip := EncodedJccRel8(cc.invert(), int8(len(body)))
	return concat(cmp, skip, body), nil
}

// emitAt produces instr's bytes for the given state. sizing is true during
// layout, when offsets are not yet final: the encoding shape and length
// must already be exact, but displacement/immediate *values* may still be
// placeholders.
func (lw *Lowerer) emitAt(instr *lir.Instruction, st *instrState, sizing bool) ([]byte, error) {
	r1, r2, r3 := FromSemaID(instr.R1), FromSemaID(instr.R2), FromSemaID(instr.R3)
	resolve := func() (int64, error) {
		if sizing {
			return 0, nil
		}
		return lw.resolveImms(instr, st)
	}
	switch instr.Op {
	case lir.OpComment:
		return nil, nil
	case lir.OpNop:
		return EncodedNop(1), nil
	case lir.OpLi:
		v, err := resolve()
		if err != nil {
			return nil, err
		}
		if st.tier == tierNarrow {
			return EncodedMovImm32(r1, int32(v)), nil
		}
		return EncodedMovImm64(r1, v), nil
	case lir.OpCpy:
		return EncodedMov64RegReg(r1, r2), nil
	case lir.OpAdd, lir.OpSub, lir.OpAnd, lir.OpOr, lir.OpXor:
		aop := map[lir.Op]arithOpcode{lir.OpAdd: aluAdd, lir.OpSub: aluSub,
			lir.OpAnd: aluAnd, lir.OpOr: aluOr, lir.OpXor: aluXor}[instr.Op]
		var out []byte
		if r1 != r2 {
			out = append(out, EncodedMov64RegReg(r1, r2)...)
		}
		return append(out, EncodedAluRegReg(aop, r1, r3)...), nil
	case lir.OpAddi, lir.OpSubi, lir.OpAndi, lir.OpOri, lir.OpXori:
		v, err := resolve()
		if err != nil {
			return nil, err
		}
		form := aluImmForms[instr.Op]
		var out []byte
		if r1 != r2 {
			out = append(out, EncodedMov64RegReg(r1, r2)...)
		}
		switch st.tier {
		case tierNarrow:
			out = append(out, EncodedAluImm8(form.ext, r1, int8(v))...)
		case tierWide:
			out = append(out, EncodedAluImm32(form.ext, r1, int32(v))...)
		default:
			// Past int32, the immediate materializes through a free
			// register and the operation runs register-register.
			scratch, err := scratchRegs(instr, 1, r1, r2)
			if err != nil {
				return nil, err
			}
			out = append(out, EncodedMovImm64(scratch[0], v)...)
			out = append(out, EncodedAluRegReg(form.rr, r1, scratch[0])...)
		}
		return out, nil
	case lir.OpNeg:
		var out []byte
		if r1 != r2 {
			out = append(out, EncodedMov64RegReg(r1, r2)...)
		}
		return append(out, EncodedNeg(r1)...), nil
	case lir.OpNot:
		var out []byte
		if r1 != r2 {
			out = append(out, EncodedMov64RegReg(r1, r2)...)
		}
		return append(out, EncodedNot(r1)...), nil
	case lir.OpShl, lir.OpShrS, lir.OpShrU:
		ext := map[lir.Op]int{lir.OpShl: shiftExtShl, lir.OpShrS: shiftExtSar, lir.OpShrU: shiftExtShr}[instr.Op]
		var out []byte
		if r1 != r2 {
			out = append(out, EncodedMov64RegReg(r1, r2)...)
		}
		out = append(out, EncodedMov64RegReg(RCX, r3)...)
		return append(out, EncodedShiftCL(ext, r1)...), nil
	case lir.OpMulHS:
		return lw.mulDivSequence(instr, mulDivExtImul, nil, RDX), nil
	case lir.OpMulHU:
		return lw.mulDivSequence(instr, mulDivExtMul, nil, RDX), nil
	case lir.OpDivS:
		return lw.mulDivSequence(instr, mulDivExtIdiv, EncodedCqo(), RAX), nil
	case lir.OpDivU:
		return lw.mulDivSequence(instr, mulDivExtDiv, EncodedXorRdxRdx(), RAX), nil
	case lir.OpModS:
		return lw.mulDivSequence(instr, mulDivExtIdiv, EncodedCqo(), RDX), nil
	case lir.OpModU:
		return lw.mulDivSequence(instr, mulDivExtDiv, EncodedXorRdxRdx(), RDX), nil
	case lir.OpSeqi, lir.OpSnei, lir.OpSltiS, lir.OpSltiU:
		v, err := resolve()
		if err != nil {
			return nil, err
		}
		cc := map[lir.Op]condCode{lir.OpSeqi: ccE, lir.OpSnei: ccNE, lir.OpSltiS: ccL, lir.OpSltiU: ccB}[instr.Op]
		target := setccTarget(r1)
		var cmp []byte
		switch st.tier {
		case tierNarrow:
			cmp = EncodedAluImm8(aluExtCmp, r2, int8(v))
		case tierWide:
			cmp = EncodedAluImm32(aluExtCmp, r2, int32(v))
		default:
			scratch, err := scratchRegs(instr, 1, r2)
			if err != nil {
				return nil, err
			}
			cmp = concat(EncodedMovImm64(scratch[0], v), EncodedAluRegReg(aluCmp, r2, scratch[0]))
		}
		return concat(cmp, EncodedSetccReg(cc, target), EncodedMovzxByte(r1, target)), nil
	case lir.OpSeq, lir.OpSne, lir.OpSltS, lir.OpSltU:
		cc := map[lir.Op]condCode{lir.OpSeq: ccE, lir.OpSne: ccNE, lir.OpSltS: ccL, lir.OpSltU: ccB}[instr.Op]
		target := setccTarget(r1)
		return concat(EncodedAluRegReg(aluCmp, r2, r3), EncodedSetccReg(cc, target), EncodedMovzxByte(r1, target)), nil
	case lir.OpLoad:
		off, err := resolve()
		if err != nil {
			return nil, err
		}
		return EncodedLoad(r1, r2, int32(off), int(instr.Width)), nil
	case lir.OpStore:
		off, err := resolve()
		if err != nil {
			return nil, err
		}
		return EncodedStore(r2, r1, int32(off), int(instr.Width)), nil
	case lir.OpJL:
		// Recover the address of the instruction after this whole
		// sequence into r1, then jump: CALL +0 pushes the next address,
		// POP collects it, and the ADD walks it past the POP/ADD/JMP
		// bytes themselves.
		var jump []byte
		if !sizing {
			rel, err := lw.branchDisplacement(instr, st)
			if err != nil {
				return nil, err
			}
			if st.tier == tierNarrow {
				jump = EncodedJmpRel8(int8(rel))
			} else {
				jump = EncodedJmpRel32(int32(rel))
			}
		} else if st.tier == tierNarrow {
			jump = EncodedJmpRel8(0)
		} else {
			jump = EncodedJmpRel32(0)
		}
		tail := len(EncodedPop(r1)) + len(EncodedAluImm32(aluExtAdd, r1, 0)) + len(jump)
		return concat(
			EncodedCallRel32(0),
			EncodedPop(r1),
			EncodedAluImm32(aluExtAdd, r1, int32(tail)),
			jump,
		), nil
	case lir.OpJmp:
		if st.tier == tierWide64 {
			return lw.emitWideBranch(instr, st, sizing, false, 0, false)
		}
		rel, err := lw.branchDisplacementOrZero(instr, st, sizing)
		if err != nil {
			return nil, err
		}
		if st.tier == tierNarrow {
			return EncodedJmpRel8(int8(rel)), nil
		}
		return EncodedJmpRel32(int32(rel)), nil
	case lir.OpJEQ, lir.OpJNE, lir.OpJLT, lir.OpJLTU, lir.OpJLE, lir.OpJLEU, lir.OpJGT, lir.OpJGTU, lir.OpJGE, lir.OpJGEU:
		cc := jccCondFor(instr.Op)
		if st.tier == tierWide64 {
			return lw.emitWideBranch(instr, st, sizing, false, cc, true)
		}
		rel, err := lw.branchDisplacementOrZero(instr, st, sizing)
		if err != nil {
			return nil, err
		}
		cmp := EncodedAluImm32(aluExtCmp, r2, 0)
		if st.tier == tierNarrow {
			return append(cmp, EncodedJccRel8(cc, int8(rel))...), nil
		}
		return append(cmp, EncodedJccRel32(cc, int32(rel))...), nil
	case lir.OpJPush:
		if st.tier == tierWide64 {
			return lw.emitWideBranch(instr, st, sizing, true, 0, false)
		}
		rel, err := lw.branchDisplacementOrZero(instr, st, sizing)
		if err != nil {
			return nil, err
		}
		return EncodedCallRel32(int32(rel)), nil
	case lir.OpJPop:
		return EncodedRet(), nil
	case lir.OpAFIP:
		// CALL to the very next instruction, then POP r1: the classic
		// trick for recovering the instruction pointer without
		// RIP-relative addressing.
		return concat(EncodedCallRel32(0), EncodedPop(r1)), nil
	case lir.OpStackPageAlloc:
		v, err := resolve()
		if err != nil {
			return nil, err
		}
		return EncodedAluImm32(aluExtSub, RSP, int32(v)), nil
	case lir.OpStackPageFree:
		v, err := resolve()
		if err != nil {
			return nil, err
		}
		return EncodedAluImm32(aluExtAdd, RSP, int32(v)), nil
	case lir.OpPageAlloc, lir.OpPageAllocI, lir.OpPageFree, lir.OpPageFreeI:
		return lw.emitPageOp(instr, st, sizing)
	case lir.OpMemCpy, lir.OpMemCpyI, lir.OpMemCpy2, lir.OpMemCpyI2:
		return lw.emitMemCpy(instr, st, sizing)
	case lir.OpMachineCode:
		return []byte(instr.Raw), nil
	}
	return nil, fmt.Errorf("x86: unhandled op %s", instr.Op)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// resolveImms sums instr's already-frame-size-resolved Imms plus any
// remaining offset_to_* kinds, now that function offsets are final.
func (lw *Lowerer) resolveImms(instr *lir.Instruction, st *instrState) (int64, error) {
	var sum int64
	for _, imm := range instr.Imms {
		switch imm.Kind {
		case lir.ImmValue:
			sum += imm.Value
		case lir.ImmOffsetToFunction:
			sum += int64(imm.TargetFunc.Offset())
		case lir.ImmOffsetToStringRegion:
			sum += int64(lw.stringBase + lw.stringOffsets[imm.Text])
		case lir.ImmOffsetToGlobalRegion:
			sum += int64(lw.globalBase)
		case lir.ImmOffsetToInstruction:
			target := lw.stateFor(imm.TargetInstr)
			sum += int64(target.offset)
		default:
			return 0, fmt.Errorf("x86: unresolved immediate kind %v in %s", imm.Kind, instr)
		}
	}
	return lir.SignExtend(sum, 64), nil
}

// branchDisplacement computes a branch's PC-relative offset: target minus
// the address immediately after this instruction.
func (lw *Lowerer) branchDisplacement(instr *lir.Instruction, st *instrState) (int64, error) {
	if len(instr.Imms) == 0 || instr.Imms[0].Kind != lir.ImmOffsetToInstruction {
		return 0, fmt.Errorf("x86: branch %s missing offset_to_instruction", instr)
	}
	target := lw.stateFor(instr.Imms[0].TargetInstr)
	return int64(target.offset - (st.offset + st.size)), nil
}

// branchDisplacementOrZero is branchDisplacement with a zero placeholder
// during sizing, when offsets are not final yet. A branch whose target is
// not an instruction (a function's entry, or a loader-patched slot such
// as an import or callback slot in the string/global region) resolves its
// absolute image offset through resolveImms instead.
func (lw *Lowerer) branchDisplacementOrZero(instr *lir.Instruction, st *instrState, sizing bool) (int64, error) {
	if sizing {
		return 0, nil
	}
	if len(instr.Imms) > 0 && instr.Imms[0].Kind != lir.ImmOffsetToInstruction {
		v, err := lw.resolveImms(instr, st)
		if err != nil {
			return 0, err
		}
		return v - int64(st.offset+st.size), nil
	}
	return lw.branchDisplacement(instr, st)
}
