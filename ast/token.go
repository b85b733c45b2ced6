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

// TokenKind enumerates the lexical categories this front end hands to the
// parser. The exact lexical grammar of the Source Language is outside the
// scope of this repository's core; this lexer only
// needs to produce a stream the parser below can consume.
type TokenKind int

const (
	TK_EOF TokenKind = iota
	TK_IDENT
	TK_NUMBER
	TK_STRING

	TK_FUNC
	TK_LET
	TK_RETURN
	TK_IF
	TK_ELSE
	TK_WHILE
	TK_FOR
	TK_REF
	TK_EXPORT
	TK_IMPORT
	TK_VARIADIC
	TK_TRUE
	TK_FALSE
	TK_THIS
	TK_TYPE_INT
	TK_TYPE_LONG
	TK_TYPE_SHORT
	TK_TYPE_CHAR
	TK_TYPE_BOOL
	TK_TYPE_BYTE
	TK_TYPE_VOID
	TK_TYPE_STRING
	TK_LABEL
	TK_CATCH

	TK_LPAREN
	TK_RPAREN
	TK_LBRACE
	TK_RBRACE
	TK_LBRACKET
	TK_RBRACKET
	TK_COMMA
	TK_SEMI
	TK_COLON
	TK_DOT

	TK_ASSIGN
	TK_PLUS
	TK_MINUS
	TK_STAR
	TK_SLASH
	TK_PERCENT
	TK_AMP
	TK_PIPE
	TK_CARET
	TK_BANG
	TK_LT
	TK_GT
	TK_LE
	TK_GE
	TK_EQ
	TK_NE
	TK_ANDAND
	TK_OROR
)

var keywords = map[string]TokenKind{
	"func":     TK_FUNC,
	"let":      TK_LET,
	"return":   TK_RETURN,
	"if":       TK_IF,
	"else":     TK_ELSE,
	"while":    TK_WHILE,
	"for":      TK_FOR,
	"ref":      TK_REF,
	"export":   TK_EXPORT,
	"import":   TK_IMPORT,
	"variadic": TK_VARIADIC,
	"true":     TK_TRUE,
	"false":    TK_FALSE,
	"this":     TK_THIS,
	"int":      TK_TYPE_INT,
	"long":     TK_TYPE_LONG,
	"short":    TK_TYPE_SHORT,
	"char":     TK_TYPE_CHAR,
	"bool":     TK_TYPE_BOOL,
	"byte":     TK_TYPE_BYTE,
	"void":     TK_TYPE_VOID,
	"string":   TK_TYPE_STRING,
	"label":    TK_LABEL,
	"catch":    TK_CATCH,
}

type Token struct {
	Kind   TokenKind
	Text   string
	Line   int
	Column int
}
