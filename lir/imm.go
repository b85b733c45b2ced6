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

import "fmt"

// ImmKind is the relocatable immediate kind enumeration. Some kinds resolve once package sema's second pass has
// sized every frame (the frame-size ones, via Resolve below); the rest resolve only once the x86
// backend has laid out bytes (package x86's relaxation loop).
type ImmKind int

const (
	ImmValue ImmKind = iota // already a concrete literal

	ImmOffsetToInstruction
	ImmOffsetToFunction
	ImmOffsetToGlobalRegion
	ImmOffsetToStringRegion

	ImmLocalVarsSize
	ImmNegLocalVarsSize
	ImmStackframePtrCacheSize
	ImmNegStackframePtrCacheSize
	ImmSharedRegionSize
	ImmNegSharedRegionSize
	ImmOffsetWithinSharedRegion
)

// FuncSizer is implemented by sema.Function. Kept as an interface here so
// this package never imports sema.
type FuncSizer interface {
	LocalVarsSize() int
	StackframePtrCacheSize() int
	SharedRegionSize() int
	// Offset is the function's final byte offset in the image, valid only
	// after the backend has laid out code (used by OffsetToFunction).
	Offset() int
}

// RegionSizer is implemented by sema.SharedRegion.
type RegionSizer interface {
	OffsetWithinShared(member FuncSizer) int
}

// ImmVal is one term of an instruction's symbolic immediate sum.
type ImmVal struct {
	Kind ImmKind

	Value int64 // ImmValue

	TargetInstr *Instruction // ImmOffsetToInstruction
	TargetFunc  FuncSizer    // ImmOffsetToFunction and the frame-size kinds
	TargetRegion RegionSizer // ImmOffsetWithinSharedRegion
	Text        string       // ImmOffsetToStringRegion: the literal this offset addresses
}

func Lit(v int64) *ImmVal { return &ImmVal{Kind: ImmValue, Value: v} }

func OffsetToInstruction(target *Instruction) *ImmVal {
	return &ImmVal{Kind: ImmOffsetToInstruction, TargetInstr: target}
}

func OffsetToFunction(f FuncSizer) *ImmVal {
	return &ImmVal{Kind: ImmOffsetToFunction, TargetFunc: f}
}

func OffsetToGlobalRegion() *ImmVal { return &ImmVal{Kind: ImmOffsetToGlobalRegion} }

func OffsetToStringRegion(text string) *ImmVal {
	return &ImmVal{Kind: ImmOffsetToStringRegion, Text: text}
}

func LocalVarsSize(f FuncSizer, neg bool) *ImmVal {
	k := ImmLocalVarsSize
	if neg {
		k = ImmNegLocalVarsSize
	}
	return &ImmVal{Kind: k, TargetFunc: f}
}

func StackframePtrCacheSize(f FuncSizer, neg bool) *ImmVal {
	k := ImmStackframePtrCacheSize
	if neg {
		k = ImmNegStackframePtrCacheSize
	}
	return &ImmVal{Kind: k, TargetFunc: f}
}

func SharedRegionSize(f FuncSizer, neg bool) *ImmVal {
	k := ImmSharedRegionSize
	if neg {
		k = ImmNegSharedRegionSize
	}
	return &ImmVal{Kind: k, TargetFunc: f}
}

func OffsetWithinSharedRegion(region RegionSizer, member FuncSizer) *ImmVal {
	return &ImmVal{Kind: ImmOffsetWithinSharedRegion, TargetRegion: region, TargetFunc: member}
}

func (v *ImmVal) String() string {
	switch v.Kind {
	case ImmValue:
		return fmt.Sprintf("%d", v.Value)
	case ImmOffsetToInstruction:
		return fmt.Sprintf("offset_to_instruction(#%d)", v.TargetInstr.ID)
	case ImmOffsetToFunction:
		return "offset_to_function"
	case ImmOffsetToGlobalRegion:
		return "offset_to_global_region"
	case ImmOffsetToStringRegion:
		return "offset_to_string_region"
	case ImmLocalVarsSize:
		return "local_vars_size"
	case ImmNegLocalVarsSize:
		return "-local_vars_size"
	case ImmStackframePtrCacheSize:
		return "stackframe_ptr_cache_size"
	case ImmNegStackframePtrCacheSize:
		return "-stackframe_ptr_cache_size"
	case ImmSharedRegionSize:
		return "shared_region_size"
	case ImmNegSharedRegionSize:
		return "-shared_region_size"
	case ImmOffsetWithinSharedRegion:
		return "offset_within_shared_region"
	}
	return "?"
}

// isFrameSizeKind reports whether a kind can be resolved purely from
// pass-2 frame-sizing data, without backend byte offsets.
func (k ImmKind) isFrameSizeKind() bool {
	switch k {
	case ImmLocalVarsSize, ImmNegLocalVarsSize,
		ImmStackframePtrCacheSize, ImmNegStackframePtrCacheSize,
		ImmSharedRegionSize, ImmNegSharedRegionSize,
		ImmOffsetWithinSharedRegion:
		return true
	}
	return false
}

// canonicalizeTarget advances an OffsetToInstruction target past any
// zero-byte scaffolding instructions, walking the
// owning function's instruction list.
func canonicalizeTarget(fn *Func, target *Instruction) *Instruction {
	idx := target.ID
	for idx < len(fn.Instr) && fn.Instr[idx].IsSkippedTarget() {
		idx++
	}
	if idx >= len(fn.Instr) {
		return target
	}
	return fn.Instr[idx]
}

// Resolve is the immediate resolver: it
// converts every frame-size-derived symbolic kind into a concrete ImmValue
// and canonicalizes every OffsetToInstruction target past NOPs/Comments.
// The offset_to_instruction/offset_to_function/offset_to_global_region/
// offset_to_string_region kinds are left symbolic — they require the
// backend's byte layout and are finished off by the x86 package's
// relaxation loop.
func Resolve(fn *Func) {
	for _, instr := range fn.Instr {
		for _, imm := range instr.Imms {
			if imm.Kind == ImmOffsetToInstruction {
				imm.TargetInstr = canonicalizeTarget(fn, imm.TargetInstr)
				continue
			}
			if !imm.Kind.isFrameSizeKind() {
				continue
			}
			var v int64
			switch imm.Kind {
			case ImmLocalVarsSize:
				v = int64(imm.TargetFunc.LocalVarsSize())
			case ImmNegLocalVarsSize:
				v = -int64(imm.TargetFunc.LocalVarsSize())
			case ImmStackframePtrCacheSize:
				v = int64(imm.TargetFunc.StackframePtrCacheSize())
			case ImmNegStackframePtrCacheSize:
				v = -int64(imm.TargetFunc.StackframePtrCacheSize())
			case ImmSharedRegionSize:
				v = int64(imm.TargetFunc.SharedRegionSize())
			case ImmNegSharedRegionSize:
				v = -int64(imm.TargetFunc.SharedRegionSize())
			case ImmOffsetWithinSharedRegion:
				v = int64(imm.TargetRegion.OffsetWithinShared(imm.TargetFunc))
			}
			imm.Kind = ImmValue
			imm.Value = v
			imm.TargetFunc = nil
			imm.TargetRegion = nil
		}
	}
}

// SumResolved sums an instruction's Imms, reporting ok=false if any term is
// still symbolic (offset_to_* kinds — callers needing those must go through the
// backend's relaxation loop instead). Used by immediate-only instructions
// like li/addi once Resolve has run.
func SumResolved(instr *Instruction) (int64, bool) {
	var sum int64
	for _, imm := range instr.Imms {
		if imm.Kind != ImmValue {
			return 0, false
		}
		sum += imm.Value
	}
	return sum, true
}

// SignExtend sign-extends a value as if it were stored in a field of the
// given width in bits.
func SignExtend(v int64, bits uint) int64 {
	if bits >= 64 {
		return v
	}
	shift := 64 - bits
	return (v << shift) >> shift
}
