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

// Package compile wires ast, sema, lir, and x86 together into the
// pipeline: parse, pass 1, plan, pass 2 (looping with the planner until it
// stops asking for a recompile), resolve immediates, and lower to an
// Image. The entry point takes a struct of options rather than positional
// arguments, so hosts can leave everything optional zeroed.
package compile

import (
	"fmt"
	"math/bits"

	"lyralc/ast"
	"lyralc/diag"
	"lyralc/lir"
	"lyralc/sema"
	"lyralc/session"
	"lyralc/utils"
	"lyralc/x86"
)

// CompileFlag is a bitmask of optional pipeline behaviors.
type CompileFlag int

const (
	// FlagComment makes pass 2 emit a comment pseudo-instruction per
	// statement, so LIR dumps interleave with source positions.
	FlagComment CompileFlag = 1 << iota
	// FlagGenerateDebugInfo stamps every emitted instruction with its
	// source position, feeding the image's line table.
	FlagGenerateDebugInfo
	// FlagAllVarVolatile forces every variable to be reloaded from memory
	// on each access, disabling register caching of values.
	FlagAllVarVolatile
	// FlagNoStackframeSharing makes every function hold its own
	// stackframe; no shared regions are formed.
	FlagNoStackframeSharing
	// FlagNoFunctionImport rejects import declarations.
	FlagNoFunctionImport
	// FlagNoFunctionExport drops every export marker, producing an image
	// with an empty export table.
	FlagNoFunctionExport
	// FlagDumpTypedAST prints one header line per function (its name) to
	// stdout after pass 1; types and nesting are not printed.
	FlagDumpTypedAST
	// FlagDumpLIR prints each function's LIR after pass 2.
	FlagDumpLIR
)

// CompileArg bundles everything one compilation needs. Only FileName,
// Source, and Error are mandatory; zero values elsewhere select the
// x86-64 defaults.
type CompileArg struct {
	FileName string
	Source   []byte

	// SizeOfGPR is the target's register width in bytes: a power of two,
	// at most 8. Zero selects 8.
	SizeOfGPR int
	// NbrOfGPR is how many general-purpose registers pass 2 may
	// allocate, at least 3. Zero selects the full x86-64 file of 16.
	NbrOfGPR int

	// MinUnusedRegCountForOp promises, per opcode, how many registers
	// the unused-register snapshot will always contain when that opcode
	// is emitted; the backend relies on it for scratch registers.
	MinUnusedRegCountForOp map[lir.Op]int

	// StackPageAllocProvision is extra bytes kept above the stack
	// pointer whenever a new stack page is allocated.
	StackPageAllocProvision int

	// JumpCaseClog2Sz is the log2 of the per-case entry size in
	// generated switch jump tables.
	JumpCaseClog2Sz int

	// PredeclaredVars are host-provided variables the compiled unit can
	// read and write as ordinary identifiers; their storage occupies the
	// global-variable region, and each registered callback is called by
	// the generated code after every store (see sema.PredeclaredVar).
	PredeclaredVars []sema.PredeclaredVar
	// PredeclaredMacros are name/replacement pairs the preprocessor
	// collaborator resolves before the source reaches this package.
	PredeclaredMacros map[string]string
	// StandardPaths are the module search roots, consumed read-only.
	StandardPaths []string
	// InstallMissingModule, when non-nil, is asked to materialize a
	// module that none of StandardPaths contains.
	InstallMissingModule func(name string) bool
	// LyxAppend is extra source text appended after the main unit.
	LyxAppend string

	Align x86.AlignMode
	Flags CompileFlag

	// Error is called once per diagnostic. It is mandatory: a nil Error
	// makes Compile return an error immediately rather than silently
	// drop diagnostics.
	Error func(string)
}

func (a CompileArg) gprSize() int {
	if a.SizeOfGPR == 0 {
		return sema.GPRSize
	}
	return a.SizeOfGPR
}

func (a CompileArg) validate() error {
	if a.Error == nil {
		return fmt.Errorf("compile: CompileArg.Error callback is required")
	}
	if len(a.Source) == 0 {
		return fmt.Errorf("compile: CompileArg.Source is empty")
	}
	if g := a.gprSize(); g > 8 || bits.OnesCount(uint(g)) != 1 {
		return fmt.Errorf("compile: SizeOfGPR must be a power of two of at most 8, got %d", g)
	}
	if a.NbrOfGPR != 0 && a.NbrOfGPR < 3 {
		return fmt.Errorf("compile: NbrOfGPR must be at least 3, got %d", a.NbrOfGPR)
	}
	return nil
}

// CompileResult is what a successful front-end/mid-end run produces: every
// function in the unit, already planned and pass-2-emitted, with LIR
// immediates resolved against final frame sizes; the constant-string
// region; the global-variable region size; and the newline-separated list
// of source file paths that went into the unit. Lower turns this into a
// loadable x86.Image.
type CompileResult struct {
	Functions []*sema.Function
	Top       *sema.Function

	StringRegion     []byte
	GlobalRegionSize int
	SourcePaths      string
}

// Compile runs the full front-end/mid-end pipeline over arg.Source: parse,
// pass 1, plan, pass 2 — looping back to the planner while pass 2 needs a
// replan, and all the way back to pass 1 (discarding the inner session)
// when a holder's shared region overflows its budget — then resolves every
// function's LIR immediates. It does not lower to machine code; call Lower
// on the result for that.
func Compile(arg CompileArg) (*CompileResult, error) {
	if err := arg.validate(); err != nil {
		return nil, err
	}

	sess := session.New()
	var result *CompileResult

	runErr := sess.Run(func() {
		var planner *sema.Planner
		for attempt := 0; ; attempt++ {
			if attempt >= sema.MaxRecompiles {
				panic(fmt.Errorf("compile: exceeded %d full recompiles", sema.MaxRecompiles))
			}

			root := ast.ParseFile(arg.FileName, arg.Source)
			an := sema.NewAnalyzer()
			an.Predeclared = arg.PredeclaredVars
			an.Config = sema.Config{
				NumGPRs:                 arg.NbrOfGPR,
				EmitComments:            arg.Flags&FlagComment != 0,
				DebugInfo:               arg.Flags&FlagGenerateDebugInfo != 0,
				AllVolatile:             arg.Flags&FlagAllVarVolatile != 0,
				StackPageAllocProvision: arg.StackPageAllocProvision,
			}
			top, err := an.FirstPass(root)
			if err != nil {
				panic(err)
			}
			funcs := an.Functions()
			applyFlags(arg, funcs)

			if arg.Flags&FlagDumpTypedAST != 0 {
				for _, fn := range funcs {
					fmt.Printf("== typed function %s ==\n", fn.Name)
				}
			}

			if planner == nil {
				planner = sema.NewPlanner(funcs)
			} else {
				planner.SetFunctions(funcs)
			}
			planner.NoSharing = arg.Flags&FlagNoStackframeSharing != 0

			// Pass-2 state lives in a child session so a budget-driven
			// restart can discard exactly this attempt's emission.
			inner := sess.Child()
			inner.Track(func() {
				for _, fn := range funcs {
					fn.LIR = nil
				}
			})

			restart := false
			for iter := 0; ; iter++ {
				if iter >= sema.MaxRecompiles {
					panic(fmt.Errorf("compile: exceeded %d plan/pass-2 recompiles", sema.MaxRecompiles))
				}
				planRes, err := planner.Plan()
				if err != nil {
					panic(err)
				}
				if planRes.NeedsFullRecompile {
					restart = true
					break
				}
				pass2, err := an.SecondPass(top)
				if err != nil {
					panic(err)
				}
				if arg.Flags&FlagDumpLIR != 0 {
					dumpLIR(funcs)
				}
				if !pass2.NeedsReplan {
					break
				}
			}
			if restart {
				inner.Cancel()
				continue
			}

			funcs = planner.Functions()
			for _, fn := range funcs {
				if fn.LIR != nil {
					lir.Resolve(fn.LIR)
				}
			}
			if err := checkRegPromises(arg, funcs); err != nil {
				panic(err)
			}

			result = &CompileResult{
				Functions:        funcs,
				Top:              top,
				StringRegion:     collectStrings(funcs),
				GlobalRegionSize: an.GlobalRegionSize(),
				SourcePaths:      arg.FileName + "\n",
			}
			return
		}
	})

	if runErr != nil {
		reportError(arg, runErr)
		return nil, runErr
	}
	return result, nil
}

// checkRegPromises verifies the per-op free-register promise before the
// backend consumes it: every emitted instruction of a promised op must
// carry at least that many unused registers in its snapshot.
func checkRegPromises(arg CompileArg, funcs []*sema.Function) error {
	if len(arg.MinUnusedRegCountForOp) == 0 {
		return nil
	}
	for _, fn := range funcs {
		if fn.LIR == nil {
			continue
		}
		for _, instr := range fn.LIR.Instr {
			min := arg.MinUnusedRegCountForOp[instr.Op]
			if min > 0 && len(instr.UnusedRegs) < min {
				return fmt.Errorf("compile: %s in %q has %d unused registers, %d promised",
					instr.Op, fn.Name, len(instr.UnusedRegs), min)
			}
		}
	}
	return nil
}

// applyFlags rewrites the function list per the export/import flags before
// planning sees it.
func applyFlags(arg CompileArg, funcs []*sema.Function) {
	for _, fn := range funcs {
		if arg.Flags&FlagNoFunctionExport != 0 {
			fn.ExportSuppressed = true
		}
		if arg.Flags&FlagNoFunctionImport != 0 && fn.Imported {
			panic(fmt.Errorf("compile: %q is an import declaration but imports are disabled", fn.Name))
		}
	}
}

func dumpLIR(funcs []*sema.Function) {
	for _, fn := range funcs {
		if fn.LIR == nil {
			continue
		}
		fmt.Printf("== LIR %s ==\n", fn.Name)
		for _, instr := range fn.LIR.Instr {
			fmt.Println(instr.String())
		}
	}
}

// collectStrings lays every distinct string literal out NUL-terminated in
// first-seen order — the same order the backend uses, so offsets agree.
func collectStrings(funcs []*sema.Function) []byte {
	seen := utils.NewSet[string]()
	var table []byte
	for _, fn := range funcs {
		if fn.LIR == nil {
			continue
		}
		for _, instr := range fn.LIR.Instr {
			for _, imm := range instr.Imms {
				if imm.Kind != lir.ImmOffsetToStringRegion || !seen.Add(imm.Text) {
					continue
				}
				table = append(table, []byte(imm.Text)...)
				table = append(table, 0)
			}
		}
	}
	return table
}

// Lower turns a CompileResult's planned, resolved functions into a loadable
// Image using the x86-64 backend's own relaxation fixpoint.
func Lower(result *CompileResult, align x86.AlignMode) (*x86.Image, error) {
	return x86.Lower(result.Functions, result.GlobalRegionSize, align)
}

// reportError formats err through diag when it carries a source position,
// falling back to a plain message otherwise, and delivers it through
// arg.Error.
func reportError(arg CompileArg, err error) {
	if d, ok := diag.FromError(err, arg.Source); ok {
		arg.Error(d.String())
		return
	}
	arg.Error(err.Error())
}
