// Copyright (C) 2024-2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package query
// lexer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokKind uint8

const (
	tEOF tokKind = iota
	tIdent
	tInt
	tFloat
	tString
	tNamedParam // :name
	tPosParam   // ?1
	tOp         // punctuation and operators
)

type token struct {
	kind tokKind
	text string // identifier / operator text, literal value for strings
	pos  int    // byte offset in query
}

func (t token) String() string {
	switch t.kind {
	case tEOF:
		return "end of query"
	case tString:
		return fmt.Sprintf("'%s'", t.text)
	case tNamedParam:
		return ":" + t.text
	case tPosParam:
		return "?" + t.text
	}
	return fmt.Sprintf("%q", t.text)
}

// is reports whether t is keyword kw (case-insensitive) or operator kw.
func (t token) is(kw string) bool {
	switch t.kind {
	case tIdent:
		return strings.EqualFold(t.text, kw)
	case tOp:
		return t.text == kw
	}
	return false
}

// Error is returned for malformed or unresolvable queries.
type Error struct {
	Query string
	Pos   int // byte offset, -1 if unknown
	Msg   string
}

func (e *Error) Error() string {
	if e.Pos < 0 {
		return "query: " + e.Msg
	}
	return fmt.Sprintf("query: at %d: %s", e.Pos, e.Msg)
}

// lex splits query text into tokens.
func lex(q string) ([]token, error) {
	var tokv []token
	i := 0
	for i < len(q) {
		r, w := utf8.DecodeRuneInString(q[i:])
		switch {
		case unicode.IsSpace(r):
			i += w

		case r == '_' || r == '$' || unicode.IsLetter(r):
			j := i + w
			for j < len(q) {
				r, w := utf8.DecodeRuneInString(q[j:])
				if !(r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
					break
				}
				j += w
			}
			tokv = append(tokv, token{tIdent, q[i:j], i})
			i = j

		case r >= '0' && r <= '9' || (r == '.' && i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9'):
			j := i
			kind := tInt
			for j < len(q) && q[j] >= '0' && q[j] <= '9' {
				j++
			}
			if j < len(q) && q[j] == '.' {
				kind = tFloat
				j++
				for j < len(q) && q[j] >= '0' && q[j] <= '9' {
					j++
				}
			}
			if j < len(q) && (q[j] == 'e' || q[j] == 'E') {
				k := j + 1
				if k < len(q) && (q[k] == '+' || q[k] == '-') {
					k++
				}
				if k < len(q) && q[k] >= '0' && q[k] <= '9' {
					kind = tFloat
					j = k
					for j < len(q) && q[j] >= '0' && q[j] <= '9' {
						j++
					}
				}
			}
			// 10L, 1.5D, 2.0F suffixes
			if j < len(q) && strings.ContainsRune("lLdDfF", rune(q[j])) {
				text := q[i:j]
				if q[j] != 'l' && q[j] != 'L' {
					kind = tFloat
				}
				tokv = append(tokv, token{kind, text, i})
				i = j + 1
				continue
			}
			tokv = append(tokv, token{kind, q[i:j], i})
			i = j

		case r == '\'':
			var b strings.Builder
			j := i + 1
			for {
				if j >= len(q) {
					return nil, &Error{q, i, "unterminated string literal"}
				}
				if q[j] == '\'' {
					if j+1 < len(q) && q[j+1] == '\'' {
						b.WriteByte('\'')
						j += 2
						continue
					}
					j++
					break
				}
				b.WriteByte(q[j])
				j++
			}
			tokv = append(tokv, token{tString, b.String(), i})
			i = j

		case r == ':':
			j := i + 1
			for j < len(q) {
				r, w := utf8.DecodeRuneInString(q[j:])
				if !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
					break
				}
				j += w
			}
			if j == i+1 {
				return nil, &Error{q, i, "parameter name expected after ':'"}
			}
			tokv = append(tokv, token{tNamedParam, q[i+1 : j], i})
			i = j

		case r == '?':
			j := i + 1
			for j < len(q) && q[j] >= '0' && q[j] <= '9' {
				j++
			}
			if j == i+1 {
				return nil, &Error{q, i, "parameter position expected after '?'"}
			}
			tokv = append(tokv, token{tPosParam, q[i+1 : j], i})
			i = j

		default:
			op := ""
			for _, o := range []string{"<>", "<=", ">=", "!=", "=", "<", ">", "+", "-", "*", "/", "(", ")", ",", "."} {
				if strings.HasPrefix(q[i:], o) {
					op = o
					break
				}
			}
			if op == "" {
				return nil, &Error{q, i, fmt.Sprintf("unexpected character %q", r)}
			}
			text := op
			if op == "!=" {
				text = "<>"
			}
			tokv = append(tokv, token{tOp, text, i})
			i += len(op)
		}
	}
	return append(tokv, token{tEOF, "", len(q)}), nil
}
