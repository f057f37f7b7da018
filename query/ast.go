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
// syntax tree

import (
	"strconv"
	"strings"
)

// Expr is an expression of a query.
//
// String returns the normalized text of the expression: keywords in upper
// case, single spaces, fully parenthesized where precedence matters.
type Expr interface {
	expr()
	String() string
}

// Select is a whole query or subquery.
type Select struct {
	Distinct bool
	Items    []Expr // projection; *New for constructor expressions
	From     []*Range
	Where    Expr // nil if absent
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
}

// Range declares identification variable Alias over entity Entity, with its joins.
type Range struct {
	Entity string
	Alias  string
	Joins  []*Join
}

// JoinKind tells inner from outer joins.
type JoinKind uint8

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

// Join declares Alias over the target of relation path Path.
//
// Fetch joins without alias have Alias "".
type Join struct {
	Kind  JoinKind
	Fetch bool
	Path  *Path
	Alias string
}

// OrderItem is one ORDER BY item.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// Path is identification variable navigation: Var.Fields[0].Fields[1]...
//
// A Path with no Fields denotes the variable itself or, if no variable of
// that name is declared, an entity type name (e.g. in TYPE(e) = Manager).
type Path struct {
	Var    string
	Fields []string
}

// Param is a named (:name) or positional (?N) parameter.
type Param struct {
	Name string // "" for positional
	Pos  int
}

// Literal is a constant: int64, float64, string, bool or nil (NULL).
type Literal struct {
	Value interface{}
}

// Binary is a binary operation: comparison, arithmetic, AND, OR.
type Binary struct {
	Op   string // = <> < <= > >= + - * / AND OR
	L, R Expr
}

// Unary is NOT, unary - or +.
type Unary struct {
	Op string
	X  Expr
}

type Between struct {
	X, Lo, Hi Expr
	Not       bool
}

type Like struct {
	X, Pattern Expr
	Escape     Expr // nil if absent
	Not        bool
}

// In is X IN (List...) or X IN (Sub).
type In struct {
	X    Expr
	List []Expr
	Sub  *Select
	Not  bool
}

type IsNull struct {
	X   Expr
	Not bool
}

// IsEmpty tests a to-many relation path.
type IsEmpty struct {
	X   *Path
	Not bool
}

type Exists struct {
	Sub *Select
	Not bool
}

// Subquery is a scalar subquery used as a value.
type Subquery struct {
	Sub *Select
}

// Aggregate is COUNT, SUM, AVG, MIN or MAX. X is nil for COUNT(*).
type Aggregate struct {
	Func     string
	Distinct bool
	X        Expr
}

// Call is a scalar function call: UPPER, LOWER, LENGTH, ABS, MOD, CONCAT,
// SUBSTRING, TRIM, LOCATE, SIZE, COALESCE, CURRENT_DATE, CURRENT_TIME,
// CURRENT_TIMESTAMP.
type Call struct {
	Func string
	Args []Expr
}

// Type is TYPE(X): the concrete class of an entity.
type Type struct {
	X *Path
}

// New is constructor expression NEW Class(Args...).
type New struct {
	Class string
	Args  []Expr
}

func (*Path) expr()      {}
func (*Param) expr()     {}
func (*Literal) expr()   {}
func (*Binary) expr()    {}
func (*Unary) expr()     {}
func (*Between) expr()   {}
func (*Like) expr()      {}
func (*In) expr()        {}
func (*IsNull) expr()    {}
func (*IsEmpty) expr()   {}
func (*Exists) expr()    {}
func (*Subquery) expr()  {}
func (*Aggregate) expr() {}
func (*Call) expr()      {}
func (*Type) expr()      {}
func (*New) expr()       {}

// ---- normalized text ----

func (s *Select) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(join(s.Items))
	b.WriteString(" FROM ")
	for i, r := range s.From {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	if s.Where != nil {
		b.WriteString(" WHERE " + s.Where.String())
	}
	if len(s.GroupBy) > 0 {
		b.WriteString(" GROUP BY " + join(s.GroupBy))
	}
	if s.Having != nil {
		b.WriteString(" HAVING " + s.Having.String())
	}
	if len(s.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range s.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(o.Expr.String())
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
	}
	return b.String()
}

func (r *Range) String() string {
	s := r.Entity + " " + r.Alias
	for _, j := range r.Joins {
		s += " " + j.String()
	}
	return s
}

func (j *Join) String() string {
	s := "JOIN "
	if j.Kind == LeftJoin {
		s = "LEFT JOIN "
	}
	if j.Fetch {
		s += "FETCH "
	}
	s += j.Path.String()
	if j.Alias != "" {
		s += " " + j.Alias
	}
	return s
}

func join(xv []Expr) string {
	sv := make([]string, len(xv))
	for i, x := range xv {
		sv[i] = x.String()
	}
	return strings.Join(sv, ", ")
}

func not(neg bool) string {
	if neg {
		return "NOT "
	}
	return ""
}

func (p *Path) String() string {
	if len(p.Fields) == 0 {
		return p.Var
	}
	return p.Var + "." + strings.Join(p.Fields, ".")
}

func (p *Param) String() string {
	if p.Name != "" {
		return ":" + p.Name
	}
	return "?" + strconv.Itoa(p.Pos)
}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	}
	return "?"
}

func (x *Binary) String() string {
	return "(" + x.L.String() + " " + x.Op + " " + x.R.String() + ")"
}

func (x *Unary) String() string {
	if x.Op == "NOT" {
		return "(NOT " + x.X.String() + ")"
	}
	return "(" + x.Op + x.X.String() + ")"
}

func (x *Between) String() string {
	return "(" + x.X.String() + " " + not(x.Not) + "BETWEEN " + x.Lo.String() + " AND " + x.Hi.String() + ")"
}

func (x *Like) String() string {
	s := "(" + x.X.String() + " " + not(x.Not) + "LIKE " + x.Pattern.String()
	if x.Escape != nil {
		s += " ESCAPE " + x.Escape.String()
	}
	return s + ")"
}

func (x *In) String() string {
	s := "(" + x.X.String() + " " + not(x.Not) + "IN ("
	if x.Sub != nil {
		s += x.Sub.String()
	} else {
		s += join(x.List)
	}
	return s + "))"
}

func (x *IsNull) String() string {
	return "(" + x.X.String() + " IS " + not(x.Not) + "NULL)"
}

func (x *IsEmpty) String() string {
	return "(" + x.X.String() + " IS " + not(x.Not) + "EMPTY)"
}

func (x *Exists) String() string {
	return "(" + not(x.Not) + "EXISTS (" + x.Sub.String() + "))"
}

func (x *Subquery) String() string { return "(" + x.Sub.String() + ")" }

func (x *Aggregate) String() string {
	arg := "*"
	if x.X != nil {
		arg = x.X.String()
	}
	if x.Distinct {
		arg = "DISTINCT " + arg
	}
	return x.Func + "(" + arg + ")"
}

func (x *Call) String() string {
	if len(x.Args) == 0 && strings.HasPrefix(x.Func, "CURRENT_") {
		return x.Func
	}
	return x.Func + "(" + join(x.Args) + ")"
}

func (x *Type) String() string { return "TYPE(" + x.X.String() + ")" }

func (x *New) String() string { return "NEW " + x.Class + "(" + join(x.Args) + ")" }
