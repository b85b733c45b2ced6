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

import "encoding/binary"

// buf is a small byte-emission helper the per-op lowerers in lower.go
// build instruction encodings with.
type buf struct {
	b []byte
}

func (b *buf) byte(v byte) { b.b = append(b.b, v) }

func (b *buf) imm8(v int8)   { b.b = append(b.b, byte(v)) }
func (b *buf) imm32(v int32) { b.b = binary.LittleEndian.AppendUint32(b.b, uint32(v)) }
func (b *buf) imm64(v int64) { b.b = binary.LittleEndian.AppendUint64(b.b, uint64(v)) }

func (b *buf) bytes() []byte { return b.b }

// rex builds a REX prefix byte: W sets 64-bit operand size, R/X/B extend
// the ModRM.reg / SIB.index / ModRM.rm (or opcode-reg) fields respectively
// for registers R8-R15 (AMD64 architecture manual vol. 2, section 2.2.1).
func rex(w, r, x, bb bool) byte {
	v := byte(0x40)
	if w {
		v |= 1 << 3
	}
	if r {
		v |= 1 << 2
	}
	if x {
		v |= 1 << 1
	}
	if bb {
		v |= 1 << 0
	}
	return v
}

// needsRex reports whether any of a REX-eligible operand set requires the
// prefix: 64-bit width, an extended register, or (for byte operands) one
// of the non-legacy byte registers that only exist with a REX prefix.
func needsRex(w bool, regs ...Reg) bool {
	if w {
		return true
	}
	for _, r := range regs {
		if r.needsExtension() {
			return true
		}
	}
	return false
}

func (b *buf) emitRexIfNeeded(w bool, reg, rm Reg) {
	if needsRex(w, reg, rm) {
		b.byte(rex(w, reg.needsExtension(), false, rm.needsExtension()))
	}
}

// modrmReg encodes a ModRM byte in register-direct addressing mode
// (mod==11), used for reg-reg instruction forms.
func (b *buf) modrmReg(reg, rm Reg) {
	b.byte(0xC0 | byte(reg.lowBits()<<3) | byte(rm.lowBits()))
}

// modrmMemDisp32 encodes a ModRM+SIB(if needed)+disp32 addressing
// `[base + disp32]`, the form pass 2's frame-relative loads/stores lower
// to. RSP and R12 as a base require a SIB byte
// with no index (AMD64 architecture manual vol. 2, table 2-3).
func (b *buf) modrmMemDisp32(reg, base Reg, disp int32) {
	b.byte(0x80 | byte(reg.lowBits()<<3) | byte(base.lowBits()))
	if base.lowBits() == 4 { // RSP/R12 need a SIB byte even with no index
		b.byte(0x24) // scale=1, index=none(100), base=rm
	}
	b.imm32(disp)
}

// EncodedMov64RegReg returns the bytes for `mov dst, src` (64-bit GPR to
// GPR), opcode 0x89 /r with REX.W.
func EncodedMov64RegReg(dst, src Reg) []byte {
	var w buf
	w.byte(rex(true, src.needsExtension(), false, dst.needsExtension()))
	w.byte(0x89)
	w.modrmReg(src, dst)
	return w.bytes()
}

// EncodedMovImm64 returns the bytes for `movabs dst, imm64`, opcode
// 0xB8+rd with REX.W.
func EncodedMovImm64(dst Reg, imm int64) []byte {
	var w buf
	w.byte(rex(true, false, false, dst.needsExtension()))
	w.byte(0xB8 + byte(dst.lowBits()))
	w.imm64(imm)
	return w.bytes()
}

// EncodedMovImm32 returns the bytes for `mov dst, imm32` (sign-extended
// into the 64-bit register), opcode 0xC7 /0 with REX.W.
func EncodedMovImm32(dst Reg, imm int32) []byte {
	var w buf
	w.byte(rex(true, false, false, dst.needsExtension()))
	w.byte(0xC7)
	w.byte(0xC0 | byte(dst.lowBits()))
	w.imm32(imm)
	return w.bytes()
}

// arithOpcode is the /r opcode byte for a register-register ALU op
// (AMD64 architecture manual vol. 1, table 3-1's one-byte ALU opcodes).
type arithOpcode byte

const (
	aluAdd arithOpcode = 0x01
	aluSub arithOpcode = 0x29
	aluAnd arithOpcode = 0x21
	aluOr  arithOpcode = 0x09
	aluXor arithOpcode = 0x31
	aluCmp arithOpcode = 0x39
)

// EncodedAluRegReg returns the bytes for `op dst, src` (64-bit).
func EncodedAluRegReg(op arithOpcode, dst, src Reg) []byte {
	var w buf
	w.byte(rex(true, src.needsExtension(), false, dst.needsExtension()))
	w.byte(byte(op))
	w.modrmReg(src, dst)
	return w.bytes()
}

// EncodedAluImm32 returns the bytes for `op dst, imm32`, group-1 opcode
// 0x81 with the ALU operation selected by the ModRM.reg field.
func EncodedAluImm32(ext int, dst Reg, imm int32) []byte {
	var w buf
	w.byte(rex(true, false, false, dst.needsExtension()))
	w.byte(0x81)
	w.byte(0xC0 | byte(ext<<3) | byte(dst.lowBits()))
	w.imm32(imm)
	return w.bytes()
}

// EncodedAluImm8 returns the bytes for `op dst, imm8` (sign-extended to
// the full register width), group-1 opcode 0x83 — the shortest immediate
// form, used until relaxation widens the field.
func EncodedAluImm8(ext int, dst Reg, imm int8) []byte {
	var w buf
	w.byte(rex(true, false, false, dst.needsExtension()))
	w.byte(0x83)
	w.byte(0xC0 | byte(ext<<3) | byte(dst.lowBits()))
	w.imm8(imm)
	return w.bytes()
}

const (
	aluExtAdd = 0
	aluExtOr  = 1
	aluExtAnd = 4
	aluExtSub = 5
	aluExtXor = 6
	aluExtCmp = 7
)

// EncodedNeg returns the bytes for `neg dst` (two's-complement negation),
// opcode 0xF7 /3.
func EncodedNeg(dst Reg) []byte {
	var w buf
	w.byte(rex(true, false, false, dst.needsExtension()))
	w.byte(0xF7)
	w.byte(0xD8 | byte(dst.lowBits()))
	return w.bytes()
}

// EncodedNot returns the bytes for `not dst`, opcode 0xF7 /2.
func EncodedNot(dst Reg) []byte {
	var w buf
	w.byte(rex(true, false, false, dst.needsExtension()))
	w.byte(0xF7)
	w.byte(0xD0 | byte(dst.lowBits()))
	return w.bytes()
}

// EncodedShiftCL returns the bytes for a CL-counted shift/rotate (shl/sar/
// shr dst, cl), opcode 0xD3 with the operation selected by ModRM.reg.
func EncodedShiftCL(ext int, dst Reg) []byte {
	var w buf
	w.byte(rex(true, false, false, dst.needsExtension()))
	w.byte(0xD3)
	w.byte(0xC0 | byte(ext<<3) | byte(dst.lowBits()))
	return w.bytes()
}

const (
	shiftExtShl = 4
	shiftExtShr = 5 // logical
	shiftExtSar = 7 // arithmetic
)

// EncodedImulRegReg returns the bytes for `imul dst, src` (signed,
// 64-bit, low half in dst), opcode 0x0F 0xAF /r.
func EncodedImulRegReg(dst, src Reg) []byte {
	var w buf
	w.byte(rex(true, dst.needsExtension(), false, src.needsExtension()))
	w.byte(0x0F)
	w.byte(0xAF)
	w.modrmReg(dst, src)
	return w.bytes()
}

// EncodedMulRAX returns the bytes for unsigned `mul src`
// (RDX:RAX = RAX * src), opcode 0xF7 /4 — used for the high-half of a
// multiply (lir.OpMulHU).
func EncodedMulRAX(src Reg) []byte { return EncodedMulDivReg(mulDivExtMul, src) }

// EncodedImulRAX returns the bytes for signed `imul src`
// (RDX:RAX = RAX * src), opcode 0xF7 /5 — used for lir.OpMulHS.
func EncodedImulRAX(src Reg) []byte { return EncodedMulDivReg(mulDivExtImul, src) }

// Group-3 0xF7 ModRM.reg selectors for the widening multiply/divide family.
const (
	mulDivExtMul  = 4
	mulDivExtImul = 5
	mulDivExtDiv  = 6
	mulDivExtIdiv = 7
)

// EncodedMulDivReg returns the bytes for a group-3 `mul/imul/div/idiv src`
// (64-bit, implicit RDX:RAX), opcode 0xF7 /ext.
func EncodedMulDivReg(ext int, src Reg) []byte {
	var w buf
	w.byte(rex(true, false, false, src.needsExtension()))
	w.byte(0xF7)
	w.byte(0xC0 | byte(ext<<3) | byte(src.lowBits()))
	return w.bytes()
}

// EncodedMulDivMemRSP is the same operation reading its operand from
// [rsp], used when the operand register aliases RAX/RDX and the setup
// sequence would otherwise clobber it.
func EncodedMulDivMemRSP(ext int) []byte {
	var w buf
	w.byte(rex(true, false, false, false))
	w.byte(0xF7)
	w.byte(byte(ext << 3) | 0x04) // mod=00, rm=100: SIB follows
	w.byte(0x24)                  // scale=1, no index, base=rsp
	return w.bytes()
}

// EncodedDivRAX / EncodedIdivRAX return the bytes for unsigned/signed
// `div`/`idiv src` (RAX = RDX:RAX / src, RDX = RDX:RAX % src), opcodes
// 0xF7 /6 and 0xF7 /7.
func EncodedDivRAX(src Reg) []byte  { return EncodedMulDivReg(mulDivExtDiv, src) }
func EncodedIdivRAX(src Reg) []byte { return EncodedMulDivReg(mulDivExtIdiv, src) }

// EncodedCqo returns the bytes for `cqo` (sign-extend RAX into RDX:RAX),
// the prerequisite for a signed idiv, opcode REX.W 0x99.
func EncodedCqo() []byte { return []byte{rex(true, false, false, false), 0x99} }

// EncodedXorRdxRdx clears RDX (the prerequisite for an unsigned div),
// reusing the ALU xor encoding.
func EncodedXorRdxRdx() []byte { return EncodedAluRegReg(aluXor, RDX, RDX) }

// EncodedLoad/EncodedStore return the bytes for `mov dst, [base+disp32]`
// / `mov [base+disp32], src`, the frame-relative memory forms pass 2's
// lir.OpLoad/lir.OpStore lower to. width selects the opcode and operand
// size (1, 2, 4 or 8 bytes).
func EncodedLoad(dst, base Reg, disp int32, width int) []byte {
	var w buf
	switch width {
	case 1:
		w.emitRexIfNeeded(false, dst, base)
		w.byte(0x8A)
	case 2:
		w.byte(0x66)
		w.emitRexIfNeeded(false, dst, base)
		w.byte(0x8B)
	case 4:
		w.emitRexIfNeeded(false, dst, base)
		w.byte(0x8B)
	default:
		w.byte(rex(true, dst.needsExtension(), false, base.needsExtension()))
		w.byte(0x8B)
	}
	w.modrmMemDisp32(dst, base, disp)
	return w.bytes()
}

func EncodedStore(base, src Reg, disp int32, width int) []byte {
	var w buf
	switch width {
	case 1:
		w.emitRexIfNeeded(false, src, base)
		w.byte(0x88)
	case 2:
		w.byte(0x66)
		w.emitRexIfNeeded(false, src, base)
		w.byte(0x89)
	case 4:
		w.emitRexIfNeeded(false, src, base)
		w.byte(0x89)
	default:
		w.byte(rex(true, src.needsExtension(), false, base.needsExtension()))
		w.byte(0x89)
	}
	w.modrmMemDisp32(src, base, disp)
	return w.bytes()
}

// EncodedLea returns the bytes for `lea dst, [base+disp32]`, used when a
// variable's address (not its value) is requested, opcode 0x8D /r.
func EncodedLea(dst, base Reg, disp int32) []byte {
	var w buf
	w.byte(rex(true, dst.needsExtension(), false, base.needsExtension()))
	w.byte(0x8D)
	w.modrmMemDisp32(dst, base, disp)
	return w.bytes()
}

// EncodedPush/EncodedPop return the bytes for `push`/`pop reg`, opcodes
// 0x50+rd / 0x58+rd.
func EncodedPush(r Reg) []byte {
	var w buf
	if r.needsExtension() {
		w.byte(rex(false, false, false, true))
	}
	w.byte(0x50 + byte(r.lowBits()))
	return w.bytes()
}

func EncodedPop(r Reg) []byte {
	var w buf
	if r.needsExtension() {
		w.byte(rex(false, false, false, true))
	}
	w.byte(0x58 + byte(r.lowBits()))
	return w.bytes()
}

// EncodedRet returns the bytes for a near `ret`, opcode 0xC3.
func EncodedRet() []byte { return []byte{0xC3} }

// EncodedNop returns n bytes of padding as a run of single-byte NOPs
// (0x90). The lowerer uses it for lir.OpNop and to pad an instruction up
// to a forced binsz; the relaxation loop never pads (it recomputes the
// layout from scratch).
func EncodedNop(n int) []byte {
	one := []byte{0x90}
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, one...)
	}
	return out[:n]
}

// EncodedCallRel32 returns the bytes for `call rel32`, opcode 0xE8.
func EncodedCallRel32(rel int32) []byte {
	var w buf
	w.byte(0xE8)
	w.imm32(rel)
	return w.bytes()
}

// EncodedJmpRel8/EncodedJmpRel32 return the bytes for an unconditional
// relative jump, opcodes 0xEB cb / 0xE9 cd.
func EncodedJmpRel8(rel int8) []byte  { return []byte{0xEB, byte(rel)} }
func EncodedJmpRel32(rel int32) []byte {
	var w buf
	w.byte(0xE9)
	w.imm32(rel)
	return w.bytes()
}

// condCode is the 4-bit condition field used by both Jcc and SETcc
// (AMD64 architecture manual vol. 1, table 3-3).
type condCode byte

const (
	ccE  condCode = 0x4 // equal / zero
	ccNE condCode = 0x5
	ccL  condCode = 0xC // signed less
	ccGE condCode = 0xD
	ccLE condCode = 0xE
	ccG  condCode = 0xF
	ccB  condCode = 0x2 // unsigned less
	ccAE condCode = 0x3
	ccBE condCode = 0x6
	ccA  condCode = 0x7
)

// EncodedJccRel8/EncodedJccRel32 return the bytes for a conditional
// relative jump, opcodes 0x70+cc cb / 0x0F 0x80+cc cd.
func EncodedJccRel8(cc condCode, rel int8) []byte {
	return []byte{0x70 + byte(cc), byte(rel)}
}

func EncodedJccRel32(cc condCode, rel int32) []byte {
	var w buf
	w.byte(0x0F)
	w.byte(0x80 + byte(cc))
	w.imm32(rel)
	return w.bytes()
}

// EncodedSetccReg returns the bytes for `setcc dst8`, opcode
// 0x0F 0x90+cc /0.
func EncodedSetccReg(cc condCode, dst Reg) []byte {
	var w buf
	if dst.needsExtension() {
		w.byte(rex(false, false, false, true))
	}
	w.byte(0x0F)
	w.byte(0x90 + byte(cc))
	w.byte(0xC0 | byte(dst.lowBits()))
	return w.bytes()
}

// EncodedMovzxByte returns the bytes for `movzx dst32, src8`, opcode
// 0x0F 0xB6 /r, zero-extending a SETcc result into a full register.
func EncodedMovzxByte(dst, src Reg) []byte {
	var w buf
	w.byte(rex(true, dst.needsExtension(), false, src.needsExtension()))
	w.byte(0x0F)
	w.byte(0xB6)
	w.modrmReg(dst, src)
	return w.bytes()
}

// EncodedSyscall returns the bytes for `syscall`, the vehicle
// lir.OpPageAlloc/lir.OpPageFree/lir.OpStackPageAlloc/lir.OpStackPageFree
// lower through (mmap/munmap), opcode 0x0F 0x05.
func EncodedSyscall() []byte { return []byte{0x0F, 0x05} }

// EncodedCld/EncodedStd set the string-operation direction flag forward/
// backward ahead of a REP MOVS run, opcodes 0xFC / 0xFD.
func EncodedCld() []byte { return []byte{0xFC} }
func EncodedStd() []byte { return []byte{0xFD} }

// EncodedRepMovs returns the bytes for `rep movsb/w/d/q` — RCX-counted
// block copy from [RSI] to [RDI] in units of `unit` bytes.
func EncodedRepMovs(unit int) []byte {
	switch unit {
	case 2:
		return []byte{0xF3, 0x66, 0xA5}
	case 4:
		return []byte{0xF3, 0xA5}
	case 8:
		return []byte{0xF3, rex(true, false, false, false), 0xA5}
	}
	return []byte{0xF3, 0xA4}
}

// EncodedJmpReg returns the bytes for an indirect `jmp reg`, opcode 0xFF /4,
// the widest branch form (a 64-bit absolute target held in a register).
func EncodedJmpReg(r Reg) []byte {
	var w buf
	if r.needsExtension() {
		w.byte(rex(false, false, false, true))
	}
	w.byte(0xFF)
	w.byte(0xE0 | byte(r.lowBits()))
	return w.bytes()
}

// EncodedCallReg returns the bytes for an indirect `call reg`, opcode
// 0xFF /2.
func EncodedCallReg(r Reg) []byte {
	var w buf
	if r.needsExtension() {
		w.byte(rex(false, false, false, true))
	}
	w.byte(0xFF)
	w.byte(0xD0 | byte(r.lowBits()))
	return w.bytes()
}
