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
	"encoding/binary"
	"sort"

	"lyralc/lir"
	"lyralc/sema"
)

// ExportEntry names a byte offset into Code that a caller outside this
// unit may link against.
type ExportEntry struct {
	Name      string
	Signature string
	Offset    int
}

// ImportEntry is an unresolved external symbol this unit's loader must
// patch in before the image can run. SlotOffset is the byte offset within
// the string region where the loader writes the resolved address; call
// sites read the target through that slot.
type ImportEntry struct {
	Name       string
	Signature  string
	SlotOffset int
}

// DebugLine maps one code offset back to a source position.
type DebugLine struct {
	Offset     int
	File       string
	Line       int
	LineOffset int
}

// Image is the final loadable artifact: code then strings back to back
// (the global-variable region is allocated by the loader, not stored),
// plus the export/import/debug side tables in both structured and
// serialized form.
type Image struct {
	Code    []byte
	Strings []byte

	ExecutableInstrSz int
	ConstantStringsSz int
	GlobalVarRegionSz int

	Exports    []ExportEntry
	Imports    []ImportEntry
	DebugLines []DebugLine

	// Serialized forms, ready to write next to the image. ExportInfo and
	// ImportInfo are sequences of `signature NUL u64le(offset)` entries;
	// DbgInfo is two length-prefixed sections: the line table and the
	// file-path string pool it indexes into.
	ExportInfo []byte
	ImportInfo []byte
	DbgInfo    []byte
}

// ExecBin returns the loadable byte image: code, padding to the align
// unit, then the constant strings. Global variables occupy
// GlobalVarRegionSz bytes after the strings at load time but are not
// stored in the binary.
func (img *Image) ExecBin(align AlignMode) []byte {
	out := make([]byte, 0, len(img.Code)+len(img.Strings)+align.unit())
	out = append(out, img.Code...)
	out = append(out, make([]byte, alignTo(len(out), align.unit())-len(out))...)
	out = append(out, img.Strings...)
	return out
}

// AlignMode selects the boundary alignment between the code, string, and
// global regions of the final image.
type AlignMode int

const (
	AlignCompact           AlignMode = iota // region boundaries on a 4-byte boundary
	AlignCompactPageAligned                 // code padded to a page; strings then 4-byte aligned
	AlignPageAligned                        // every region boundary padded to a full page
)

func (m AlignMode) unit() int {
	if m == AlignCompact {
		return 4
	}
	return PageSize
}

// stringsUnit is the alignment between the string and global regions.
func (m AlignMode) stringsUnit() int {
	if m == AlignPageAligned {
		return PageSize
	}
	return 4
}

// PageSize is the target's virtual-memory page size, used by
// AlignCompactPageAligned/AlignPageAligned.
const PageSize = 4096

// Lower turns a fully planned and pass-2-emitted set of functions into a
// loadable Image. Callers must have already run lir.Resolve on every
// function's LIR (the frame-size-derived immediates) before calling this.
// globalSize is the unit's global-variable region size in bytes; the
// region itself is allocated by the loader after the strings.
func Lower(funcs []*sema.Function, globalSize int, align AlignMode) (*Image, error) {
	lw := NewLowerer(funcs)

	strTable, strOffsets := buildStringTable(funcs)
	imports := reserveImportSlots(funcs, &strTable)
	lw.stringOffsets = strOffsets

	unit := align.unit()

	// The string region's base address depends on the code region's final
	// size, which in turn can depend on the string region's base (a
	// far-enough string offset can force an li from imm32 to imm64). Run
	// layout to a fixpoint across that feedback loop too, the same way the
	// relaxation loop fixpoints branch displacements.
	var codeSize int
	var err error
	for i := 0; i < MaxRelaxIterations; i++ {
		codeSize, err = lw.layout()
		if err != nil {
			return nil, err
		}
		newBase := alignTo(codeSize, unit)
		newGlobalBase := alignTo(newBase+len(strTable), align.stringsUnit())
		if newBase == lw.stringBase && newGlobalBase == lw.globalBase {
			break
		}
		lw.stringBase = newBase
		lw.globalBase = newGlobalBase
		// An imported function's "offset" is its slot in the string
		// region; calls through it resolve against that address.
		for _, fn := range funcs {
			if fn.Imported && fn.ImportSlot > 0 {
				fn.ImageOffset = lw.stringBase + (fn.ImportSlot - 1)
			}
		}
	}

	code := make([]byte, 0, codeSize)
	var debug []DebugLine
	for _, fn := range lw.codeFuncs() {
		for _, instr := range fn.LIR.Instr {
			st := lw.stateFor(instr)
			b, err := lw.emit(instr, st)
			if err != nil {
				return nil, err
			}
			if instr.File != "" {
				debug = append(debug, DebugLine{Offset: len(code), File: instr.File, Line: instr.Line, LineOffset: instr.LineOffset})
			}
			code = append(code, b...)
		}
	}

	img := &Image{
		Code:              code,
		Strings:           strTable,
		ExecutableInstrSz: len(code),
		ConstantStringsSz: len(strTable),
		GlobalVarRegionSz: globalSize,
		DebugLines:        debug,
		Imports:           imports,
	}
	img.Exports = buildExports(funcs)
	img.ExportInfo = serializeSymbols(exportPairs(img.Exports))
	img.ImportInfo = serializeSymbols(importPairs(img.Imports))
	img.DbgInfo = serializeDebug(debug, len(code))
	return img, nil
}

func alignTo(n, to int) int { return (n + to - 1) &^ (to - 1) }

// buildStringTable collects every distinct string literal referenced by
// an OffsetToStringRegion immediate across the whole unit, in first-seen
// order, and lays them out NUL-terminated back to back.
func buildStringTable(funcs []*sema.Function) ([]byte, map[string]int) {
	offsets := map[string]int{}
	var table []byte
	for _, fn := range funcs {
		if fn.LIR == nil {
			continue
		}
		for _, instr := range fn.LIR.Instr {
			for _, imm := range instr.Imms {
				if imm.Kind != lir.ImmOffsetToStringRegion {
					continue
				}
				if _, ok := offsets[imm.Text]; ok {
					continue
				}
				offsets[imm.Text] = len(table)
				table = append(table, []byte(imm.Text)...)
				table = append(table, 0)
			}
		}
	}
	return table, offsets
}

// reserveImportSlots appends one pointer-sized, pointer-aligned slot to the
// string table per imported function; the loader writes each resolved
// address into its slot. Records 1+offset in ImportSlot so zero keeps
// meaning "not imported".
func reserveImportSlots(funcs []*sema.Function, table *[]byte) []ImportEntry {
	var imports []ImportEntry
	for _, fn := range funcs {
		if !fn.Imported {
			continue
		}
		for len(*table)%GPRSize != 0 {
			*table = append(*table, 0)
		}
		slot := len(*table)
		*table = append(*table, make([]byte, GPRSize)...)
		fn.ImportSlot = slot + 1
		imports = append(imports, ImportEntry{Name: fn.Name, Signature: linkSig(fn), SlotOffset: slot})
	}
	sort.Slice(imports, func(i, j int) bool { return imports[i].Signature < imports[j].Signature })
	return imports
}

func linkSig(fn *sema.Function) string {
	if fn.LinkingSignature != "" {
		return fn.LinkingSignature
	}
	if fn.CallSignature != "" {
		return fn.CallSignature
	}
	return fn.Name
}

// buildExports produces the export table, sorted by signature for a
// deterministic image.
func buildExports(funcs []*sema.Function) []ExportEntry {
	var exports []ExportEntry
	for _, fn := range funcs {
		if fn.Exported && !fn.ExportSuppressed && !fn.Imported {
			exports = append(exports, ExportEntry{Name: fn.Name, Signature: linkSig(fn), Offset: fn.ImageOffset})
		}
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].Signature < exports[j].Signature })
	return exports
}

type symbolPair struct {
	sig    string
	offset uint64
}

func exportPairs(entries []ExportEntry) []symbolPair {
	var out []symbolPair
	for _, e := range entries {
		out = append(out, symbolPair{e.Signature, uint64(e.Offset)})
	}
	return out
}

func importPairs(entries []ImportEntry) []symbolPair {
	var out []symbolPair
	for _, e := range entries {
		out = append(out, symbolPair{e.Signature, uint64(e.SlotOffset)})
	}
	return out
}

// serializeSymbols writes `bytes(signature) NUL u64le(offset)` per entry.
func serializeSymbols(pairs []symbolPair) []byte {
	var out []byte
	for _, p := range pairs {
		out = append(out, []byte(p.sig)...)
		out = append(out, 0)
		out = binary.LittleEndian.AppendUint64(out, p.offset)
	}
	return out
}

// serializeDebug writes the two debug sections: section 1 is an array of
// (bin_offset, filepath_string_offset, line, line_offset) u64le 4-tuples
// terminated by a zero-linenumber sentinel at the end-of-code offset;
// section 2 is the NUL-terminated unique file paths section 1 indexes
// into. Each section is prefixed by its own u64le byte length.
func serializeDebug(lines []DebugLine, codeSize int) []byte {
	pathOffsets := map[string]int{}
	var paths []byte
	for _, l := range lines {
		if _, ok := pathOffsets[l.File]; ok {
			continue
		}
		pathOffsets[l.File] = len(paths)
		paths = append(paths, []byte(l.File)...)
		paths = append(paths, 0)
	}

	var section1 []byte
	appendTuple := func(off, pathOff, line, lineOff uint64) {
		section1 = binary.LittleEndian.AppendUint64(section1, off)
		section1 = binary.LittleEndian.AppendUint64(section1, pathOff)
		section1 = binary.LittleEndian.AppendUint64(section1, line)
		section1 = binary.LittleEndian.AppendUint64(section1, lineOff)
	}
	for _, l := range lines {
		appendTuple(uint64(l.Offset), uint64(pathOffsets[l.File]), uint64(l.Line), uint64(l.LineOffset))
	}
	appendTuple(uint64(codeSize), 0, 0, 0)

	var out []byte
	out = binary.LittleEndian.AppendUint64(out, uint64(len(section1)))
	out = append(out, section1...)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(paths)))
	out = append(out, paths...)
	return out
}
