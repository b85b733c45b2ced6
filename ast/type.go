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
package ast

import "fmt"

// -----------------------------------------------------------------------------
// Types System
//
// Deliberately small: the Source Language's actual type grammar is outside
// this repository's core. What the analyzer needs from
// a type is its storage size and whether it is one of a handful of shapes
// (pointer, array, function) that change how a variable is lowered.

type TypeKind int

const (
	TypeInt TypeKind = iota
	TypeLong
	TypeShort
	TypeChar
	TypeBool
	TypeByte
	TypeVoid
	TypeString
	TypeArray
	TypePointer
	TypeFunc
	TypeStruct
)

type Type struct {
	Kind     TypeKind
	ElemType *Type   // array/pointer element type
	Params   []*Type // TypeFunc parameter types
	Ret      *Type   // TypeFunc return type
	Name     string  // TypeStruct name
	Members  []*Field
}

type Field struct {
	Name      string
	Type      *Type
	Offset    int
	BitSelect uint64 // non-zero mask selects a bitfield within Type
}

var (
	TInt    = &Type{Kind: TypeInt}
	TLong   = &Type{Kind: TypeLong}
	TShort  = &Type{Kind: TypeShort}
	TChar   = &Type{Kind: TypeChar}
	TBool   = &Type{Kind: TypeBool}
	TByte   = &Type{Kind: TypeByte}
	TVoid   = &Type{Kind: TypeVoid}
	TString = &Type{Kind: TypeString}
)

func NewPointer(elem *Type) *Type { return &Type{Kind: TypePointer, ElemType: elem} }
func NewArray(elem *Type) *Type   { return &Type{Kind: TypeArray, ElemType: elem} }

func (t *Type) IsInt() bool     { return t.Kind == TypeInt }
func (t *Type) IsLong() bool    { return t.Kind == TypeLong }
func (t *Type) IsShort() bool   { return t.Kind == TypeShort }
func (t *Type) IsChar() bool    { return t.Kind == TypeChar }
func (t *Type) IsBool() bool    { return t.Kind == TypeBool }
func (t *Type) IsByte() bool    { return t.Kind == TypeByte }
func (t *Type) IsVoid() bool    { return t.Kind == TypeVoid }
func (t *Type) IsString() bool  { return t.Kind == TypeString }
func (t *Type) IsArray() bool   { return t.Kind == TypeArray }
func (t *Type) IsPointer() bool { return t.Kind == TypePointer }
func (t *Type) IsFunc() bool    { return t.Kind == TypeFunc }
func (t *Type) IsStruct() bool  { return t.Kind == TypeStruct }

// Size returns the storage size in bytes on a 64-bit target; computed and
// derived values have size 0.
func (t *Type) Size(gprSize int) int {
	switch t.Kind {
	case TypeInt:
		return 4
	case TypeLong:
		return 8
	case TypeShort:
		return 2
	case TypeChar, TypeBool, TypeByte:
		return 1
	case TypeVoid:
		return 0
	case TypeString, TypeArray, TypePointer, TypeFunc:
		return gprSize
	case TypeStruct:
		size := 0
		for _, m := range t.Members {
			size = m.Offset + m.Type.Size(gprSize)
		}
		return size
	}
	return 0
}

func (t *Type) String() string {
	switch t.Kind {
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeShort:
		return "short"
	case TypeChar:
		return "char"
	case TypeBool:
		return "bool"
	case TypeByte:
		return "byte"
	case TypeVoid:
		return "void"
	case TypeString:
		return "string"
	case TypeArray:
		return fmt.Sprintf("%s[]", t.ElemType)
	case TypePointer:
		return fmt.Sprintf("%s*", t.ElemType)
	case TypeFunc:
		return fmt.Sprintf("%s(...)", t.Ret)
	case TypeStruct:
		return t.Name
	}
	return "?"
}

// Signature returns the canonical textual form used for overload matching,
// matching the glossary's "Call signature": name|arg1_type|arg2_type|...|
func Signature(name string, params []*Type) string {
	s := name
	for _, p := range params {
		s += "|" + p.String()
	}
	return s + "|"
}
