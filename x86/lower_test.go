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
	"bytes"
	"encoding/binary"
	"testing"

	"lyralc/lir"
	"lyralc/sema"
)

// newTestFunc builds a backend-ready function shell: not imported, holder
// of its own (empty) frame, with an empty LIR list attached.
func newTestFunc(name string) *sema.Function {
	fn := &sema.Function{Name: name}
	fn.StackframeHolder = fn
	fn.LIR = lir.NewFunc(name)
	return fn
}

// filler emits n bytes of raw machine code (a run of NOPs) so branch
// displacement tests can position their targets precisely.
func filler(fn *sema.Function, n int) {
	instr := fn.LIR.Emit(lir.OpMachineCode, -1, -1, -1)
	instr.Raw = string(bytes.Repeat([]byte{0x90}, n))
}

func lowerOne(t *testing.T, fn *sema.Function) *Image {
	t.Helper()
	img, err := Lower([]*sema.Function{fn}, 0, AlignCompact)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	return img
}

func TestForwardBranchAtRel8BoundaryStaysNarrow(t *testing.T) {
	fn := newTestFunc("f")
	jmp := fn.LIR.Emit(lir.OpJmp, -1, -1, -1)
	filler(fn, 127)
	target := fn.LIR.Emit(lir.OpJPop, -1, -1, -1)
	jmp.WithImm(lir.OffsetToInstruction(target))

	img := lowerOne(t, fn)
	// jmp rel8 (2 bytes) + 127 filler + ret
	if want := 2 + 127 + 1; len(img.Code) != want {
		t.Fatalf("expected %d code bytes with an 8-bit branch, got %d", want, len(img.Code))
	}
	if img.Code[0] != 0xEB || img.Code[1] != 127 {
		t.Fatalf("expected jmp rel8 +127, got % x", img.Code[:2])
	}
}

func TestForwardBranchOneBytePastRel8Widens(t *testing.T) {
	fn := newTestFunc("f")
	jmp := fn.LIR.Emit(lir.OpJmp, -1, -1, -1)
	filler(fn, 128)
	target := fn.LIR.Emit(lir.OpJPop, -1, -1, -1)
	jmp.WithImm(lir.OffsetToInstruction(target))

	img := lowerOne(t, fn)
	// jmp rel32 (5 bytes) + 128 filler + ret
	if want := 5 + 128 + 1; len(img.Code) != want {
		t.Fatalf("expected %d code bytes with a widened branch, got %d", want, len(img.Code))
	}
	if img.Code[0] != 0xE9 {
		t.Fatalf("expected jmp rel32 opcode 0xE9, got %#x", img.Code[0])
	}
	if rel := int32(binary.LittleEndian.Uint32(img.Code[1:5])); rel != 128 {
		t.Fatalf("expected displacement 128, got %d", rel)
	}
}

func TestLoweringIsDeterministicAcrossRuns(t *testing.T) {
	build := func() *sema.Function {
		fn := newTestFunc("f")
		jmp := fn.LIR.Emit(lir.OpJmp, -1, -1, -1)
		filler(fn, 140)
		li := fn.LIR.Emit(lir.OpLi, 1, -1, -1).WithImm(lir.Lit(1 << 33))
		_ = li
		target := fn.LIR.Emit(lir.OpJPop, -1, -1, -1)
		jmp.WithImm(lir.OffsetToInstruction(target))
		return fn
	}
	a := lowerOne(t, build())
	b := lowerOne(t, build())
	if !bytes.Equal(a.Code, b.Code) {
		t.Fatalf("two lowerings of the same input produced different bytes")
	}
	if a.ExecutableInstrSz != len(a.Code) {
		t.Fatalf("ExecutableInstrSz %d disagrees with code length %d", a.ExecutableInstrSz, len(a.Code))
	}
}

func TestWideImmediateMaterializesAsMovabs(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpLi, 1, -1, -1).WithImm(lir.Lit(1 << 31)) // does not fit imm32
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	want := EncodedMovImm64(RAX, 1<<31)
	if !bytes.HasPrefix(img.Code, want) {
		t.Fatalf("expected movabs prefix % x, got % x", want, img.Code[:len(want)])
	}
}

func TestNarrowLoadImmediateStaysImm32(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpLi, 1, -1, -1).WithImm(lir.Lit(-128))
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	// mov r64, imm has no 8-bit form, so imm32 is li's narrowest tier.
	want := EncodedMovImm32(RAX, -128)
	if !bytes.HasPrefix(img.Code, want) {
		t.Fatalf("expected mov imm32 prefix % x, got % x", want, img.Code[:len(want)])
	}
}

func TestAluImmediateAtInt8BoundaryStaysByte(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpAddi, 1, 1, -1).WithImm(lir.Lit(-128))
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	want := EncodedAluImm8(aluExtAdd, RAX, -128)
	if !bytes.HasPrefix(img.Code, want) {
		t.Fatalf("expected add imm8 prefix % x, got % x", want, img.Code[:len(want)])
	}
}

func TestAluImmediateOnePastInt8Widens(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpAddi, 1, 1, -1).WithImm(lir.Lit(-129))
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	want := EncodedAluImm32(aluExtAdd, RAX, -129)
	if !bytes.HasPrefix(img.Code, want) {
		t.Fatalf("expected add imm32 prefix % x, got % x", want, img.Code[:len(want)])
	}
}

func TestAluImmediateBeyondInt32UsesScratchRegister(t *testing.T) {
	fn := newTestFunc("f")
	mask := int64(1) << 31 // one past math.MaxInt32
	fn.LIR.Emit(lir.OpAndi, 1, 1, -1).WithImm(lir.Lit(mask)).
		WithUnusedRegs([]int{int(R10), int(R11)})
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	movabs := EncodedMovImm64(R10, mask)
	if !bytes.HasPrefix(img.Code, movabs) {
		t.Fatalf("expected the immediate materialized through the scratch register, got % x", img.Code)
	}
	rr := EncodedAluRegReg(aluAnd, RAX, R10)
	if !bytes.Contains(img.Code, rr) {
		t.Fatalf("expected the masked and to run register-register, got % x", img.Code)
	}
}

func TestAluImmediateBeyondInt32WithoutScratchIsAnError(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpOri, 1, 1, -1).WithImm(lir.Lit(int64(1) << 40))
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)
	if _, err := Lower([]*sema.Function{fn}, 0, AlignCompact); err == nil {
		t.Fatalf("expected a scratch-register error for a 64-bit immediate with no unused registers")
	}
}

func TestCompareImmediateWidensLikeTheAluFamily(t *testing.T) {
	fn := newTestFunc("f")
	big := int64(1) << 33
	fn.LIR.Emit(lir.OpSeqi, 1, 2, -1).WithImm(lir.Lit(big)).
		WithUnusedRegs([]int{int(R11)})
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	if !bytes.HasPrefix(img.Code, EncodedMovImm64(R11, big)) {
		t.Fatalf("expected the compare operand materialized through r11, got % x", img.Code)
	}
	if !bytes.Contains(img.Code, EncodedAluRegReg(aluCmp, RBX, R11)) {
		t.Fatalf("expected a register-register cmp against the scratch, got % x", img.Code)
	}

	small := fn2SeqiBytes(t, 0)
	if !bytes.HasPrefix(small, EncodedAluImm8(aluExtCmp, RBX, 0)) {
		t.Fatalf("expected an imm8 cmp for a byte-range operand, got % x", small)
	}
}

// fn2SeqiBytes lowers a lone `seqi r1, r2, v` and returns its code bytes.
func fn2SeqiBytes(t *testing.T, v int64) []byte {
	t.Helper()
	fn := newTestFunc("g")
	fn.LIR.Emit(lir.OpSeqi, 1, 2, -1).WithImm(lir.Lit(v))
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)
	return lowerOne(t, fn).Code
}

func TestBinSizePadsWithNops(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpNop, -1, -1, -1).WithBinSize(4)
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	if want := []byte{0x90, 0x90, 0x90, 0x90, 0xC3}; !bytes.Equal(img.Code, want) {
		t.Fatalf("expected nop-padded code % x, got % x", want, img.Code)
	}
}

func TestBinSizeSmallerThanEncodingIsAnError(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpLi, 1, -1, -1).WithImm(lir.Lit(0)).WithBinSize(2)
	if _, err := Lower([]*sema.Function{fn}, 0, AlignCompact); err == nil {
		t.Fatalf("expected an error when binsz is below the encoding's size")
	}
}

func TestJumpAndLinkLoadsAddressThenJumps(t *testing.T) {
	fn := newTestFunc("f")
	jl := fn.LIR.Emit(lir.OpJL, 1, -1, -1)
	filler(fn, 8)
	target := fn.LIR.Emit(lir.OpJPop, -1, -1, -1)
	jl.WithImm(lir.OffsetToInstruction(target))

	img := lowerOne(t, fn)
	// call +0, pop rax, add rax imm32, jmp rel8
	if img.Code[0] != 0xE8 {
		t.Fatalf("expected the call/pop address trick to open with CALL, got %#x", img.Code[0])
	}
	pop := EncodedPop(RAX)
	if !bytes.Equal(img.Code[5:5+len(pop)], pop) {
		t.Fatalf("expected pop rax after the call, got % x", img.Code[5:5+len(pop)])
	}
}

func TestAddressFromInstructionPointerUsesCallPop(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpAFIP, 3, -1, -1)
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	want := concat(EncodedCallRel32(0), EncodedPop(RCX), EncodedRet())
	if !bytes.Equal(img.Code, want) {
		t.Fatalf("expected call+0/pop as the address recovery, got % x", img.Code)
	}
}

func TestImmediateCountMemCpyLoadsCountDirectly(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpMemCpyI, 8, 9, -1).WithImm(lir.Lit(64)).WithWidth(lir.W32)
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	if !bytes.Contains(img.Code, EncodedMovImm32(RCX, 64)) {
		t.Fatalf("expected the element count materialized into rcx")
	}
	if !bytes.Contains(img.Code, EncodedRepMovs(4)) {
		t.Fatalf("expected rep movsd for the 4-byte element width")
	}
}

func TestConditionalBranchComparesBeforeJumping(t *testing.T) {
	fn := newTestFunc("f")
	br := fn.LIR.Emit(lir.OpJEQ, -1, 2, -1)
	filler(fn, 4)
	target := fn.LIR.Emit(lir.OpJPop, -1, -1, -1)
	br.WithImm(lir.OffsetToInstruction(target))

	img := lowerOne(t, fn)
	cmp := EncodedAluImm32(aluExtCmp, RBX, 0)
	if !bytes.HasPrefix(img.Code, cmp) {
		t.Fatalf("expected cmp against zero before the jcc, got % x", img.Code[:len(cmp)])
	}
	if img.Code[len(cmp)] != 0x74 { // jz rel8
		t.Fatalf("expected jz rel8 after the cmp, got %#x", img.Code[len(cmp)])
	}
}

func TestMemCpyRoutesOperandsThroughStringRegisters(t *testing.T) {
	fn := newTestFunc("f")
	cp := fn.LIR.Emit(lir.OpMemCpy, 8, 9, 10).WithWidth(lir.W8)
	cp.WithUnusedRegs([]int{int(R11), int(R12), int(R13), int(R14), int(R15)})
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	if !bytes.Contains(img.Code, []byte{0xFC}) {
		t.Fatalf("expected a CLD before the copy")
	}
	if !bytes.Contains(img.Code, []byte{0xF3, 0xA4}) {
		t.Fatalf("expected rep movsb in % x", img.Code)
	}
	// RDI/RSI/RCX were live (no unused-reg hint says otherwise for them),
	// so they must be preserved around the copy.
	if !bytes.Contains(img.Code, EncodedPush(RDI)) || !bytes.Contains(img.Code, EncodedPop(RDI)) {
		t.Fatalf("expected rdi to be saved and restored around the copy")
	}
}

func TestBackwardMemCpySetsAndClearsDirection(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpMemCpy2, 8, 9, 10).WithWidth(lir.W64)
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	std := bytes.IndexByte(img.Code, 0xFD)
	if std < 0 {
		t.Fatalf("expected an STD for the downward copy")
	}
	cld := bytes.IndexByte(img.Code[std:], 0xFC)
	if cld < 0 {
		t.Fatalf("expected the direction flag cleared after the downward copy")
	}
	if !bytes.Contains(img.Code, EncodedRepMovs(8)) {
		t.Fatalf("expected rep movsq for the 8-byte element width")
	}
}

func TestPageAllocEmitsMmapSyscall(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpPageAllocI, 1, -1, -1).WithImm(lir.Lit(PageSize))
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	if !bytes.Contains(img.Code, []byte{0x0F, 0x05}) {
		t.Fatalf("expected a syscall instruction")
	}
	if !bytes.Contains(img.Code, EncodedMovImm32(RAX, sysMmap)) {
		t.Fatalf("expected the mmap syscall number loaded into rax")
	}
	if !bytes.Contains(img.Code, EncodedMovImm32(R10, mapPrivateAnon)) {
		t.Fatalf("expected MAP_PRIVATE|MAP_ANONYMOUS in r10")
	}
}

func TestStackPageAllocAdjustsStackPointer(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpStackPageAlloc, -1, -1, -1).WithImm(lir.Lit(96))
	fn.LIR.Emit(lir.OpStackPageFree, -1, -1, -1).WithImm(lir.Lit(96))
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	if !bytes.HasPrefix(img.Code, EncodedAluImm32(aluExtSub, RSP, 96)) {
		t.Fatalf("expected sub rsp, 96 to open the frame")
	}
	if !bytes.Contains(img.Code, EncodedAluImm32(aluExtAdd, RSP, 96)) {
		t.Fatalf("expected add rsp, 96 to close the frame")
	}
}

func TestImageSerializesExportTable(t *testing.T) {
	fn := newTestFunc("foo")
	fn.Exported = true
	fn.LinkingSignature = "foo|u32|"
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	want := append([]byte("foo|u32|"), 0)
	want = binary.LittleEndian.AppendUint64(want, 0)
	if !bytes.Equal(img.ExportInfo, want) {
		t.Fatalf("export table mismatch:\n got % x\nwant % x", img.ExportInfo, want)
	}
}

func TestImageReservesImportSlotInStringRegion(t *testing.T) {
	imp := &sema.Function{Name: "ext", Imported: true}
	imp.LinkingSignature = "ext|u32|"
	caller := newTestFunc("main")
	caller.LIR.Emit(lir.OpLi, 1, -1, -1).WithImm(lir.OffsetToStringRegion("hi"))
	caller.LIR.Emit(lir.OpJPush, -1, -1, -1).WithImm(lir.OffsetToFunction(imp))
	caller.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img, err := Lower([]*sema.Function{caller, imp}, 0, AlignCompact)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if len(img.Imports) != 1 {
		t.Fatalf("expected 1 import entry, got %d", len(img.Imports))
	}
	slot := img.Imports[0].SlotOffset
	if slot%GPRSize != 0 {
		t.Fatalf("import slot %d must be pointer aligned", slot)
	}
	// "hi\0" occupies 3 bytes, padded to 8; the slot then adds 8 more.
	if want := 8; slot != want {
		t.Fatalf("expected slot at %d, got %d", want, slot)
	}
	if len(img.Strings) != slot+GPRSize {
		t.Fatalf("expected the string region to cover the slot, got %d bytes", len(img.Strings))
	}
}

func TestDebugInfoSectionsCarrySentinel(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpNop, -1, -1, -1).WithComment("a.ly", 3, 1)
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1).WithComment("a.ly", 4, 1)

	img := lowerOne(t, fn)
	sec1len := binary.LittleEndian.Uint64(img.DbgInfo[:8])
	// two entries plus the sentinel, four u64 words each
	if want := uint64(3 * 4 * 8); sec1len != want {
		t.Fatalf("expected section 1 length %d, got %d", want, sec1len)
	}
	sentinel := img.DbgInfo[8+sec1len-32 : 8+sec1len]
	if off := binary.LittleEndian.Uint64(sentinel[:8]); off != uint64(len(img.Code)) {
		t.Fatalf("sentinel offset %d should be the end-of-code offset %d", off, len(img.Code))
	}
	if line := binary.LittleEndian.Uint64(sentinel[16:24]); line != 0 {
		t.Fatalf("sentinel line number must be zero, got %d", line)
	}
	paths := img.DbgInfo[8+sec1len+8:]
	if !bytes.Equal(paths, append([]byte("a.ly"), 0)) {
		t.Fatalf("expected one unique file path in section 2, got % x", paths)
	}
}

func TestExecBinPadsCodeToAlignUnit(t *testing.T) {
	fn := newTestFunc("f")
	fn.LIR.Emit(lir.OpLi, 1, -1, -1).WithImm(lir.OffsetToStringRegion("s"))
	fn.LIR.Emit(lir.OpJPop, -1, -1, -1)

	img := lowerOne(t, fn)
	bin := img.ExecBin(AlignCompact)
	padded := alignTo(len(img.Code), 4)
	if len(bin) != padded+len(img.Strings) {
		t.Fatalf("expected %d image bytes (code padded to 4 plus strings), got %d", padded+len(img.Strings), len(bin))
	}
	if !bytes.Equal(bin[padded:], img.Strings) {
		t.Fatalf("strings must start on the 4-byte boundary after code")
	}
}
