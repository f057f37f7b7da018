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
// parser

import (
	"fmt"
	"strconv"
	"strings"
)

// reserved words cannot be used as identification variables.
var reserved = map[string]bool{}

func init() {
	for _, kw := range strings.Fields(`SELECT FROM WHERE GROUP BY HAVING ORDER ASC DESC
		AND OR NOT BETWEEN LIKE ESCAPE IN IS NULL EMPTY EXISTS JOIN LEFT OUTER
		INNER FETCH AS DISTINCT NEW TRUE FALSE MEMBER OF`) {
		reserved[kw] = true
	}
}

var aggregates = map[string]bool{"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true}

// functions maps scalar function name to its allowed number of arguments (min, max).
var functions = map[string][2]int{
	"UPPER":     {1, 1},
	"LOWER":     {1, 1},
	"LENGTH":    {1, 1},
	"ABS":       {1, 1},
	"SQRT":      {1, 1},
	"MOD":       {2, 2},
	"CONCAT":    {2, 64},
	"SUBSTRING": {2, 3},
	"TRIM":      {1, 1},
	"LOCATE":    {2, 2},
	"SIZE":      {1, 1},
	"COALESCE":  {2, 64},
}

var comparisons = map[string]bool{"=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true}

var currentFuncs = map[string]bool{"CURRENT_DATE": true, "CURRENT_TIME": true, "CURRENT_TIMESTAMP": true}

// bailout is raised by the parser on the first error.
type bailout struct{ err *Error }

type parser struct {
	q    string
	tokv []token
	i    int
}

// Parse parses JPQL select statement q.
func Parse(q string) (sel *Select, err error) {
	tokv, err := lex(q)
	if err != nil {
		return nil, err
	}
	p := &parser{q: q, tokv: tokv}
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(bailout)
			if !ok {
				panic(r)
			}
			sel, err = nil, b.err
		}
	}()

	sel = p.parseSelect()
	if tok := p.peek(); tok.kind != tEOF {
		p.fail(tok, "unexpected %s", tok)
	}
	return sel, nil
}

func (p *parser) fail(tok token, format string, argv ...interface{}) {
	panic(bailout{&Error{Query: p.q, Pos: tok.pos, Msg: fmt.Sprintf(format, argv...)}})
}

func (p *parser) peek() token      { return p.tokv[p.i] }
func (p *parser) peekN(n int) token {
	if p.i+n < len(p.tokv) {
		return p.tokv[p.i+n]
	}
	return p.tokv[len(p.tokv)-1]
}

func (p *parser) next() token {
	tok := p.tokv[p.i]
	if tok.kind != tEOF {
		p.i++
	}
	return tok
}

// accept consumes the next token if it is kw.
func (p *parser) accept(kw string) bool {
	if p.peek().is(kw) {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(kw string) token {
	tok := p.next()
	if !tok.is(kw) {
		p.fail(tok, "expected %s, got %s", kw, tok)
	}
	return tok
}

// ident consumes a non-reserved identifier.
func (p *parser) ident(what string) string {
	tok := p.next()
	if tok.kind != tIdent || reserved[strings.ToUpper(tok.text)] {
		p.fail(tok, "expected %s, got %s", what, tok)
	}
	return tok.text
}

func (p *parser) parseSelect() *Select {
	p.expect("SELECT")
	sel := &Select{}
	sel.Distinct = p.accept("DISTINCT")
	for {
		sel.Items = append(sel.Items, p.parseSelectItem())
		if !p.accept(",") {
			break
		}
	}

	p.expect("FROM")
	for {
		sel.From = append(sel.From, p.parseRange())
		if !p.accept(",") {
			break
		}
	}

	if p.accept("WHERE") {
		sel.Where = p.parseExpr()
	}
	if p.accept("GROUP") {
		p.expect("BY")
		for {
			sel.GroupBy = append(sel.GroupBy, p.parseExpr())
			if !p.accept(",") {
				break
			}
		}
	}
	if p.accept("HAVING") {
		sel.Having = p.parseExpr()
	}
	if p.accept("ORDER") {
		p.expect("BY")
		for {
			o := OrderItem{Expr: p.parseExpr()}
			if p.accept("DESC") {
				o.Desc = true
			} else {
				p.accept("ASC")
			}
			sel.OrderBy = append(sel.OrderBy, o)
			if !p.accept(",") {
				break
			}
		}
	}
	return sel
}

func (p *parser) parseSelectItem() Expr {
	if p.accept("NEW") {
		name := p.ident("constructor name")
		for p.accept(".") {
			name += "." + p.ident("constructor name")
		}
		p.expect("(")
		x := &New{Class: name, Args: p.parseExprList()}
		p.expect(")")
		return x
	}
	return p.parseExpr()
}

func (p *parser) parseRange() *Range {
	r := &Range{Entity: p.ident("entity name")}
	p.accept("AS")
	r.Alias = p.ident("identification variable")

	for {
		kind := InnerJoin
		switch {
		case p.accept("LEFT"):
			p.accept("OUTER")
			kind = LeftJoin
			p.expect("JOIN")
		case p.accept("INNER"):
			p.expect("JOIN")
		case p.accept("JOIN"):
		default:
			return r
		}

		j := &Join{Kind: kind}
		j.Fetch = p.accept("FETCH")
		tok := p.peek()
		path, ok := p.parsePrimary().(*Path)
		if !ok || len(path.Fields) == 0 {
			p.fail(tok, "join needs a relation path")
		}
		j.Path = path
		p.accept("AS")
		if tok := p.peek(); tok.kind == tIdent && !reserved[strings.ToUpper(tok.text)] {
			j.Alias = p.next().text
		} else if !j.Fetch {
			p.fail(tok, "expected identification variable, got %s", tok)
		}
		r.Joins = append(r.Joins, j)
	}
}

func (p *parser) parseExprList() []Expr {
	var xv []Expr
	for {
		xv = append(xv, p.parseExpr())
		if !p.accept(",") {
			return xv
		}
	}
}

// parseExpr parses OR-expression, the lowest precedence.
func (p *parser) parseExpr() Expr {
	x := p.parseAnd()
	for p.accept("OR") {
		x = &Binary{Op: "OR", L: x, R: p.parseAnd()}
	}
	return x
}

func (p *parser) parseAnd() Expr {
	x := p.parseNot()
	for p.accept("AND") {
		x = &Binary{Op: "AND", L: x, R: p.parseNot()}
	}
	return x
}

func (p *parser) parseNot() Expr {
	if p.peek().is("NOT") && !p.peekN(1).is("EXISTS") {
		p.next()
		return &Unary{Op: "NOT", X: p.parseNot()}
	}
	return p.parsePredicate()
}

func (p *parser) parseSubselect() *Select {
	p.expect("(")
	sub := p.parseSelect()
	p.expect(")")
	return sub
}

func (p *parser) parsePredicate() Expr {
	if p.peek().is("NOT") || p.peek().is("EXISTS") {
		neg := p.accept("NOT")
		p.expect("EXISTS")
		return &Exists{Sub: p.parseSubselect(), Not: neg}
	}

	x := p.parseAdditive()

	tok := p.peek()
	switch {
	case tok.kind == tOp && comparisons[tok.text]:
		p.next()
		return &Binary{Op: tok.text, L: x, R: p.parseAdditive()}
	case tok.is("IS"):
		p.next()
		neg := p.accept("NOT")
		switch {
		case p.accept("NULL"):
			return &IsNull{X: x, Not: neg}
		case p.accept("EMPTY"):
			path, ok := x.(*Path)
			if !ok {
				p.fail(tok, "IS EMPTY needs a relation path")
			}
			return &IsEmpty{X: path, Not: neg}
		}
		p.fail(p.peek(), "expected NULL or EMPTY, got %s", p.peek())
	}

	neg := false
	if tok.is("NOT") {
		switch nt := p.peekN(1); {
		case nt.is("BETWEEN"), nt.is("LIKE"), nt.is("IN"):
			p.next()
			neg = true
		}
	}

	switch {
	case p.accept("BETWEEN"):
		lo := p.parseAdditive()
		p.expect("AND")
		hi := p.parseAdditive()
		return &Between{X: x, Lo: lo, Hi: hi, Not: neg}

	case p.accept("LIKE"):
		l := &Like{X: x, Pattern: p.parseAdditive(), Not: neg}
		if p.accept("ESCAPE") {
			l.Escape = p.parseAdditive()
		}
		return l

	case p.accept("IN"):
		in := &In{X: x, Not: neg}
		if p.peek().is("(") && p.peekN(1).is("SELECT") {
			in.Sub = p.parseSubselect()
			return in
		}
		p.expect("(")
		in.List = p.parseExprList()
		p.expect(")")
		return in
	}
	return x
}

func (p *parser) parseAdditive() Expr {
	x := p.parseMultiplicative()
	for p.peek().is("+") || p.peek().is("-") {
		op := p.next().text
		x = &Binary{Op: op, L: x, R: p.parseMultiplicative()}
	}
	return x
}

func (p *parser) parseMultiplicative() Expr {
	x := p.parseUnary()
	for p.peek().is("*") || p.peek().is("/") {
		op := p.next().text
		x = &Binary{Op: op, L: x, R: p.parseUnary()}
	}
	return x
}

func (p *parser) parseUnary() Expr {
	if p.peek().is("-") || p.peek().is("+") {
		op := p.next().text
		x := p.parseUnary()
		// fold sign into numeric literal
		if l, ok := x.(*Literal); ok && op == "-" {
			switch v := l.Value.(type) {
			case int64:
				return &Literal{-v}
			case float64:
				return &Literal{-v}
			}
		}
		if op == "+" {
			return x
		}
		return &Unary{Op: op, X: x}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() Expr {
	tok := p.next()
	switch tok.kind {
	case tInt:
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			p.fail(tok, "%s", err)
		}
		return &Literal{n}

	case tFloat:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			p.fail(tok, "%s", err)
		}
		return &Literal{f}

	case tString:
		return &Literal{tok.text}

	case tNamedParam:
		return &Param{Name: tok.text}

	case tPosParam:
		n, err := strconv.Atoi(tok.text)
		if err != nil || n <= 0 {
			p.fail(tok, "invalid parameter position %s", tok.text)
		}
		return &Param{Pos: n}

	case tOp:
		if tok.text == "(" {
			if p.peek().is("SELECT") {
				sub := p.parseSelect()
				p.expect(")")
				return &Subquery{Sub: sub}
			}
			x := p.parseExpr()
			p.expect(")")
			return x
		}

	case tIdent:
		kw := strings.ToUpper(tok.text)
		switch kw {
		case "TRUE":
			return &Literal{true}
		case "FALSE":
			return &Literal{false}
		case "NULL":
			return &Literal{nil}
		}
		if currentFuncs[kw] {
			return &Call{Func: kw}
		}

		if p.peek().is("(") {
			switch {
			case aggregates[kw]:
				p.next()
				agg := &Aggregate{Func: kw}
				agg.Distinct = p.accept("DISTINCT")
				if kw == "COUNT" && p.accept("*") {
					if agg.Distinct {
						p.fail(tok, "COUNT(DISTINCT *)")
					}
				} else {
					agg.X = p.parseExpr()
				}
				p.expect(")")
				return agg

			case kw == "TYPE":
				p.next()
				arg := p.next()
				if arg.kind != tIdent {
					p.fail(arg, "TYPE needs identification variable")
				}
				p.expect(")")
				return &Type{X: &Path{Var: arg.text}}

			case functions[kw] != [2]int{}:
				p.next()
				call := &Call{Func: kw}
				if !p.peek().is(")") {
					call.Args = p.parseExprList()
				}
				p.expect(")")
				if nargs := functions[kw]; len(call.Args) < nargs[0] || len(call.Args) > nargs[1] {
					p.fail(tok, "%s: wrong number of arguments: %d", kw, len(call.Args))
				}
				return call
			}
			p.fail(tok, "unknown function %s", tok.text)
		}

		if reserved[kw] {
			break
		}
		path := &Path{Var: tok.text}
		for p.accept(".") {
			f := p.next()
			if f.kind != tIdent {
				p.fail(f, "expected field name, got %s", f)
			}
			path.Fields = append(path.Fields, f.text)
		}
		return path
	}

	p.fail(tok, "unexpected %s", tok)
	panic("unreachable")
}
