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

// Package lir implements the low-level intermediate representation that is
// the interchange format between the analyzer (package sema) and the x86-64
// backend (package x86): a fixed enumeration of three-address operations
// with relocatable immediate kinds.
package lir

import "fmt"

// Op is the fixed LIR opcode enumeration, a three-address form: R1 is
// the result, except for OpStore, which reads the stored value from R1.
type Op int

const (
	OpCpy Op = iota
	OpLoad  // R1 = *(R2 + Imms), width Width bytes
	OpStore // *(R2 + Imms) = R1, width Width bytes
	OpAdd
	OpSub
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpNot
	OpShl
	OpShrS // arithmetic (signed) right shift
	OpShrU // logical (unsigned) right shift
	OpMulHS
	OpMulHU
	OpDivS
	OpDivU
	OpModS
	OpModU

	// Immediate forms: R1 = R2 <op> Imms (R1 = Imms for OpLi). OpSeqi/
	// OpSnei/OpSltiS/OpSltiU additionally produce a 0/1 boolean in R1
	// rather than a raw arithmetic result.
	OpLi
	OpAddi
	OpSubi
	OpAndi
	OpOri
	OpXori
	OpSeqi
	OpSnei
	OpSltiS
	OpSltiU

	// Register-register compare-to-boolean forms: R1 = (R2 <op> R3) ? 1 : 0.
	// Unlike the Jcc family below, these produce a value and never touch
	// Imms; comparison operators used as values never have to borrow a
	// branch-only opcode.
	OpSeq
	OpSne
	OpSltS // signed a < b
	OpSltU // unsigned a < b

	// Control flow.
	OpJmp
	OpJEQ
	OpJNE
	OpJLT
	OpJLTU
	OpJLE
	OpJLEU
	OpJGT
	OpJGTU
	OpJGE
	OpJGEU

	OpJPush // CALL
	OpJPop  // RET
	OpJL    // load address of the instruction following this one into R1

	// Address-from-instruction-pointer, via the CALL/POP trick.
	OpAFIP

	OpMemCpy
	OpMemCpyI
	OpMemCpy2
	OpMemCpyI2

	OpPageAlloc
	OpPageAllocI
	OpPageFree
	OpPageFreeI
	OpStackPageAlloc
	OpStackPageFree

	OpMachineCode
	OpNop
	OpComment
)

func (op Op) String() string {
	names := map[Op]string{
		OpCpy: "cpy", OpLoad: "load", OpStore: "store",
		OpAdd: "add", OpSub: "sub", OpNeg: "neg",
		OpAnd: "and", OpOr: "or", OpXor: "xor", OpNot: "not",
		OpShl: "shl", OpShrS: "shrs", OpShrU: "shru",
		OpMulHS: "mulhs", OpMulHU: "mulhu",
		OpDivS: "divs", OpDivU: "divu", OpModS: "mods", OpModU: "modu",
		OpLi: "li", OpAddi: "addi", OpSubi: "subi", OpAndi: "andi",
		OpOri: "ori", OpXori: "xori", OpSeqi: "seqi", OpSnei: "snei",
		OpSltiS: "sltis", OpSltiU: "sltiu",
		OpSeq: "seq", OpSne: "sne", OpSltS: "slts", OpSltU: "sltu",
		OpJmp: "jmp", OpJEQ: "jeq", OpJNE: "jne",
		OpJLT: "jlt", OpJLTU: "jltu", OpJLE: "jle", OpJLEU: "jleu",
		OpJGT: "jgt", OpJGTU: "jgtu", OpJGE: "jge", OpJGEU: "jgeu",
		OpJPush: "jpush", OpJPop: "jpop", OpJL: "jl", OpAFIP: "afip",
		OpMemCpy: "memcpy", OpMemCpyI: "memcpyi",
		OpMemCpy2: "memcpy2", OpMemCpyI2: "memcpyi2",
		OpPageAlloc: "pagealloc", OpPageAllocI: "pagealloci",
		OpPageFree: "pagefree", OpPageFreeI: "pagefreei",
		OpStackPageAlloc: "stackpagealloc", OpStackPageFree: "stackpagefree",
		OpMachineCode: "machinecode", OpNop: "nop", OpComment: "comment",
	}
	if s, ok := names[op]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// IsBranch reports whether op is a control-transfer instruction whose Imms
// must resolve to a concrete instruction.
func (op Op) IsBranch() bool {
	switch op {
	case OpJmp, OpJEQ, OpJNE, OpJLT, OpJLTU, OpJLE, OpJLEU, OpJGT, OpJGTU, OpJGE, OpJGEU, OpJL:
		return true
	}
	return false
}

// Width is the operand size in bytes for an LIR operation's registers.
type Width int

const (
	W8  Width = 1
	W16 Width = 2
	W32 Width = 4
	W64 Width = 8
)

// Instruction is one LIR op. Functions own a flat, ordered list of these;
// insertion order is execution order.
type Instruction struct {
	ID int // unique within the owning function, also the slice index at emission time

	Op Op
	R1 int // result register id, -1 if unused
	R2 int
	R3 int

	Imms []*ImmVal // summed at resolve time

	Raw string // OpMachineCode / OpComment payload

	BinSize int // forced size in bytes, a multiple of the NOP size; 0 means "whatever the op needs"

	// UnusedRegs lists register ids not live at this instruction point,
	// a hint the backend may use when it needs a scratch register.
	UnusedRegs []int

	Width Width

	// Debug triple.
	File       string
	Line       int
	LineOffset int
}

func (i *Instruction) String() string {
	return fmt.Sprintf("%s r%d, r%d, r%d %v // %s", i.Op, i.R1, i.R2, i.R3, i.Imms, i.Raw)
}

// IsSkippedTarget reports whether a branch aimed at this instruction must
// be redirected to the next real operation: comments carry no bytes and
// nops carry no behavior, so neither is a valid final branch target.
func (i *Instruction) IsSkippedTarget() bool {
	return i.Op == OpComment || i.Op == OpNop
}

// Func is a function-scoped list of LIR instructions. It is deliberately
// small and owns no analyzer state; package sema populates it during pass
// 2, and each frame-size immediate names its own FuncSizer, so the list
// itself needs no back-pointer.
type Func struct {
	Name  string
	Instr []*Instruction
}

func NewFunc(name string) *Func {
	return &Func{Name: name}
}

// Emit appends a new instruction and returns it for comment/width chaining.
func (f *Func) Emit(op Op, r1, r2, r3 int) *Instruction {
	instr := &Instruction{ID: len(f.Instr), Op: op, R1: r1, R2: r2, R3: r3}
	f.Instr = append(f.Instr, instr)
	return instr
}

func (i *Instruction) WithImm(imm *ImmVal) *Instruction {
	i.Imms = append(i.Imms, imm)
	return i
}

func (i *Instruction) WithComment(file string, line, lineOffset int) *Instruction {
	i.File, i.Line, i.LineOffset = file, line, lineOffset
	return i
}

func (i *Instruction) WithWidth(w Width) *Instruction {
	i.Width = w
	return i
}

func (i *Instruction) WithBinSize(n int) *Instruction {
	i.BinSize = n
	return i
}

func (i *Instruction) WithUnusedRegs(regs []int) *Instruction {
	i.UnusedRegs = regs
	return i
}

// IsRegLive reports whether reg is not present in this instruction's
// unused-register snapshot.
func (i *Instruction) IsRegLive(reg int) bool {
	if reg == 0 {
		return true
	}
	for _, r := range i.UnusedRegs {
		if r == reg {
			return false
		}
	}
	return true
}
