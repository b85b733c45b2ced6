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
package main

import (
	"flag"
	"fmt"
	"os"

	"lyralc/compile"
	"lyralc/x86"
)

func main() {
	dumpAST := flag.Bool("dump-ast", false, "print each function's name after pass 1")
	dumpLIR := flag.Bool("dump-lir", false, "print each function's LIR after pass 2")
	align := flag.String("align", "compact", "image alignment: compact, compact-page, page")
	out := flag.String("o", "", "output image path (default: <source>.img)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Println("Usage: lyralc [flags] source.ly")
		os.Exit(1)
	}
	source := flag.Arg(0)

	alignMode, err := parseAlign(*align)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	src, err := os.ReadFile(source)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var flags compile.CompileFlag
	if *dumpAST {
		flags |= compile.FlagDumpTypedAST
	}
	if *dumpLIR {
		flags |= compile.FlagDumpLIR
	}

	failed := false
	result, err := compile.Compile(compile.CompileArg{
		FileName: source,
		Source:   src,
		Align:    alignMode,
		Flags:    flags,
		Error: func(msg string) {
			failed = true
			fmt.Fprintln(os.Stderr, msg)
		},
	})
	if err != nil || failed {
		os.Exit(1)
	}

	img, err := compile.Lower(result, alignMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	outPath := *out
	if outPath == "" {
		outPath = source + ".img"
	}
	if err := writeImage(outPath, img, alignMode); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseAlign(s string) (x86.AlignMode, error) {
	switch s {
	case "compact":
		return x86.AlignCompact, nil
	case "compact-page":
		return x86.AlignCompactPageAligned, nil
	case "page":
		return x86.AlignPageAligned, nil
	default:
		return 0, fmt.Errorf("lyralc: unknown -align value %q", s)
	}
}

// writeImage writes the loadable image to outPath and its serialized side
// tables next to it. This CLI exists to drive the pipeline end to end, not
// to define a container format, so each table is its own flat file.
func writeImage(outPath string, img *x86.Image, align x86.AlignMode) error {
	if err := os.WriteFile(outPath, img.ExecBin(align), 0o644); err != nil {
		return err
	}
	for suffix, data := range map[string][]byte{
		".exports": img.ExportInfo,
		".imports": img.ImportInfo,
		".dbg":     img.DbgInfo,
	} {
		if len(data) == 0 {
			continue
		}
		if err := os.WriteFile(outPath+suffix, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
