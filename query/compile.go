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
// compilation to SQL

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/store"
)

// Options control compilation.
type Options struct {
	// InlineLiterals renders literals into the SQL text instead of
	// binding them as statement parameters.
	InlineLiterals bool
}

// ProjKind tells what a result value is built from.
type ProjKind uint8

const (
	ProjScalar ProjKind = iota // one column
	ProjEntity                 // all columns of an entity's table
	ProjNew                    // constructor over argument projections
)

// Projection describes how columns of a result row make up one result value.
type Projection struct {
	Kind   ProjKind
	Offset int // first column of the value in the row
	Width  int // number of columns

	// ProjScalar: kind of the column value, KindNone if unknown.
	ValueKind meta.ValueKind

	// ProjEntity: declared class of the value and fields of its columns
	// in order. If Discriminator is set, the discriminator column follows.
	Class         *meta.ClassMetaData
	Fields        []*meta.FieldMetaData
	Discriminator bool

	// ProjEntity from a fetch join: the entity is loaded but not returned.
	Hidden bool

	// ProjNew
	Ctor string
	Args []*Projection
}

// ParamRef is one statement parameter, in marker order.
type ParamRef struct {
	Name    string      // named parameter
	Pos     int         // positional parameter
	Literal bool        // literal bound as parameter
	Value   interface{} // literal value
}

// Compiled is a query translated to SQL for one dialect.
type Compiled struct {
	Query *Select
	Text  string // normalized query text

	SQL         string // without pagination
	Params      []ParamRef
	Projections []*Projection // visible ones first, then hidden

	// Classes are the classes the query reads, in order of first use.
	Classes []*meta.ClassMetaData

	dialect store.Dialect
}

// Dialect returns dialect c was compiled for.
func (c *Compiled) Dialect() store.Dialect { return c.dialect }

// SQLFor returns SQL with pagination: rows [first, first+max); max < 0 means all rows.
func (c *Compiled) SQLFor(first, max int) string {
	return c.dialect.OptimizeFor(c.dialect.Limit(c.SQL, first, max), max)
}

// Visible returns projections of returned values.
func (c *Compiled) Visible() []*Projection {
	n := 0
	for n < len(c.Projections) && !c.Projections[n].Hidden {
		n++
	}
	return c.Projections[:n]
}

// ParamNames returns names of named parameters, sorted.
func (c *Compiled) ParamNames() []string {
	seen := map[string]bool{}
	var v []string
	for _, p := range c.Params {
		if p.Name != "" && !seen[p.Name] {
			seen[p.Name] = true
			v = append(v, p.Name)
		}
	}
	sort.Strings(v)
	return v
}

// Args returns statement arguments for given parameter values.
func (c *Compiled) Args(named map[string]interface{}, positional map[int]interface{}) ([]interface{}, error) {
	argv := make([]interface{}, len(c.Params))
	for i, p := range c.Params {
		switch {
		case p.Literal:
			argv[i] = p.Value
		case p.Name != "":
			v, ok := named[p.Name]
			if !ok {
				return nil, &Error{Query: c.Text, Pos: -1, Msg: fmt.Sprintf("parameter :%s not set", p.Name)}
			}
			argv[i] = v
		default:
			v, ok := positional[p.Pos]
			if !ok {
				return nil, &Error{Query: c.Text, Pos: -1, Msg: fmt.Sprintf("parameter ?%d not set", p.Pos)}
			}
			argv[i] = v
		}
	}
	return argv, nil
}

// ---- compiler ----

type compiler struct {
	repo   *meta.Repository
	d      store.Dialect
	opt    Options
	text   string
	params []ParamRef
	ntab   int

	classes []*meta.ClassMetaData
	seen    map[*meta.ClassMetaData]bool
}

// scope holds identification variables of one SELECT.
type scope struct {
	parent *scope
	vars   map[string]*tableRef // lower-cased variable -> table
	froms  []*fromItem
	conds  []string // range restrictions, ANDed to WHERE
}

// fromItem is one comma-separated item of FROM with its joins.
type fromItem struct {
	t     *tableRef
	joins []*joinRef
}

type tableRef struct {
	class    *meta.ClassMetaData
	alias    string
	from     *fromItem
	implicit map[string]*tableRef // to-one field -> implicitly joined table
}

type joinRef struct {
	kind JoinKind
	t    *tableRef
	on   string
}

// Compile translates sel to SQL of dialect d using classes of repo.
func Compile(sel *Select, repo *meta.Repository, d store.Dialect, opt Options) (cq *Compiled, err error) {
	c := &compiler{
		repo: repo,
		d:    d,
		opt:  opt,
		text: sel.String(),
		seen: map[*meta.ClassMetaData]bool{},
	}
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(bailout)
			if !ok {
				panic(r)
			}
			cq, err = nil, b.err
		}
	}()

	sql, projv := c.compileTop(sel)
	return &Compiled{
		Query:       sel,
		Text:        c.text,
		SQL:         sql,
		Params:      c.params,
		Projections: projv,
		Classes:     c.classes,
		dialect:     d,
	}, nil
}

// CompileText parses and compiles query text q.
func CompileText(q string, repo *meta.Repository, d store.Dialect, opt Options) (*Compiled, error) {
	sel, err := Parse(q)
	if err != nil {
		return nil, err
	}
	return Compile(sel, repo, d, opt)
}

func (c *compiler) fail(format string, argv ...interface{}) {
	panic(bailout{&Error{Query: c.text, Pos: -1, Msg: fmt.Sprintf(format, argv...)}})
}

func (c *compiler) use(class *meta.ClassMetaData) {
	if !c.seen[class] {
		c.seen[class] = true
		c.classes = append(c.classes, class)
	}
}

func (c *compiler) newTable(class *meta.ClassMetaData, from *fromItem) *tableRef {
	t := &tableRef{
		class:    class,
		alias:    "t" + strconv.Itoa(c.ntab),
		from:     from,
		implicit: map[string]*tableRef{},
	}
	c.ntab++
	c.use(class)
	return t
}

func (c *compiler) col(t *tableRef, column string) string { return t.alias + "." + column }

// discCond returns condition restricting rows of t to class and its
// subclasses, or "" if no restriction is needed.
func (c *compiler) discCond(t *tableRef, class *meta.ClassMetaData) string {
	if class.Super == nil || !class.HasDiscriminator() {
		return ""
	}
	var litv []string
	for _, d := range class.Descendants() {
		litv = append(litv, c.d.Literal(d.DiscriminatorValue))
	}
	col := c.col(t, class.Root().DiscriminatorColumn)
	if len(litv) == 1 {
		return col + " = " + litv[0]
	}
	return col + " IN (" + strings.Join(litv, ", ") + ")"
}

func (sc *scope) lookup(name string) *tableRef {
	for s := sc; s != nil; s = s.parent {
		if t := s.vars[strings.ToLower(name)]; t != nil {
			return t
		}
	}
	return nil
}

func (c *compiler) declare(sc *scope, alias string, t *tableRef) {
	key := strings.ToLower(alias)
	if sc.vars[key] != nil {
		c.fail("identification variable %s declared twice", alias)
	}
	sc.vars[key] = t
}

// field looks field up by name; exact match first, then case-insensitive.
func (c *compiler) field(class *meta.ClassMetaData, name string) *meta.FieldMetaData {
	if f := class.Field(name); f != nil {
		return f
	}
	for _, f := range class.Fields {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	c.fail("%s has no field %s", class.Name, name)
	return nil
}

// joinToOne returns table of to-one field f of t, joined implicitly once per (t, f).
func (c *compiler) joinToOne(t *tableRef, f *meta.FieldMetaData) *tableRef {
	if j := t.implicit[f.Name]; j != nil {
		return j
	}
	target := f.TargetClass()
	j := c.newTable(target, t.from)
	on := c.col(j, target.Root().ID.Column) + " = " + c.col(t, f.Column)
	t.from.joins = append(t.from.joins, &joinRef{kind: InnerJoin, t: j, on: on})
	t.implicit[f.Name] = j
	return j
}

// manyCond returns condition linking rows of m, the table of to-many field
// f's target, to their owner t.
func (c *compiler) manyCond(t *tableRef, f *meta.FieldMetaData, m *tableRef) string {
	cond := c.col(m, f.Inverse().Column) + " = " + c.col(t, t.class.Root().ID.Column)
	if dc := c.discCond(m, f.TargetClass()); dc != "" {
		cond += " AND " + dc
	}
	return cond
}

// resolve walks path p navigating to-one relations in the middle.
//
// It returns the table the last step reads from and the last field, nil
// for a bare identification variable. A path ending in target identity of
// a to-one relation (e.dept.id) resolves to the relation itself: its
// foreign key column holds the same value.
func (c *compiler) resolve(sc *scope, p *Path) (*tableRef, *meta.FieldMetaData) {
	t := sc.lookup(p.Var)
	if t == nil {
		c.fail("identification variable %s is not declared", p.Var)
	}
	var f *meta.FieldMetaData
	for i, name := range p.Fields {
		if f != nil {
			switch f.Strategy {
			case meta.StrategyToOne:
				target := f.TargetClass()
				if i == len(p.Fields)-1 && c.field(target, name) == target.ID {
					return t, f
				}
				t = c.joinToOne(t, f)
			case meta.StrategyToMany:
				c.fail("%s: cannot navigate collection-valued field %s; use JOIN", p, f.Name)
			default:
				c.fail("%s: cannot navigate basic field %s", p, f.Name)
			}
		}
		f = c.field(t.class, name)
	}
	return t, f
}

func (c *compiler) param(ref ParamRef) string {
	c.params = append(c.params, ref)
	return c.d.Placeholder(len(c.params))
}

func literalKind(v interface{}) meta.ValueKind {
	switch v.(type) {
	case int64:
		return meta.KindInt64
	case float64:
		return meta.KindFloat64
	case string:
		return meta.KindString
	case bool:
		return meta.KindBool
	case time.Time:
		return meta.KindTime
	}
	return meta.KindNone
}

func numericKind(a, b meta.ValueKind) meta.ValueKind {
	switch {
	case a == meta.KindInt64 && b == meta.KindInt64:
		return meta.KindInt64
	case a == meta.KindFloat64 || b == meta.KindFloat64:
		return meta.KindFloat64
	case a == meta.KindInt64:
		return b
	case b == meta.KindInt64:
		return a
	}
	return meta.KindNone
}

// ---- SELECT ----

func (c *compiler) compileTop(sel *Select) (string, []*Projection) {
	sc := &scope{vars: map[string]*tableRef{}}
	fetchv := c.declareFrom(sc, sel)

	var colv []string
	var projv []*Projection
	for _, item := range sel.Items {
		proj, cols := c.projection(sc, item, len(colv))
		projv = append(projv, proj)
		colv = append(colv, cols...)
	}
	for _, t := range fetchv {
		proj, cols := c.entityProjection(t, len(colv))
		proj.Hidden = true
		projv = append(projv, proj)
		colv = append(colv, cols...)
	}
	return c.finishSelect(sc, sel, colv), projv
}

// compileSub compiles subquery; it returns SQL and kinds of its columns.
func (c *compiler) compileSub(parent *scope, sel *Select) (string, []meta.ValueKind) {
	sc := &scope{parent: parent, vars: map[string]*tableRef{}}
	c.declareFrom(sc, sel)

	var colv []string
	var kindv []meta.ValueKind
	for _, item := range sel.Items {
		if _, ok := item.(*New); ok {
			c.fail("NEW in subquery")
		}
		sql, kind := c.expr(sc, item)
		colv = append(colv, sql)
		kindv = append(kindv, kind)
	}
	return c.finishSelect(sc, sel, colv), kindv
}

// declareFrom declares ranges and explicit joins of sel in sc.
// It returns tables of fetch joins.
func (c *compiler) declareFrom(sc *scope, sel *Select) (fetchv []*tableRef) {
	for _, r := range sel.From {
		class, err := c.repo.Class(r.Entity)
		if err != nil {
			c.fail("unknown entity %s", r.Entity)
		}
		from := &fromItem{}
		t := c.newTable(class, from)
		from.t = t
		sc.froms = append(sc.froms, from)
		c.declare(sc, r.Alias, t)
		if dc := c.discCond(t, class); dc != "" {
			sc.conds = append(sc.conds, dc)
		}

		for _, j := range r.Joins {
			src, f := c.resolve(sc, j.Path)
			if f == nil || !f.Strategy.Relation() {
				c.fail("JOIN %s: not a relation", j.Path)
			}
			target := f.TargetClass()
			jt := c.newTable(target, src.from)
			var on string
			if f.Strategy == meta.StrategyToOne {
				on = c.col(jt, target.Root().ID.Column) + " = " + c.col(src, f.Column)
			} else {
				on = c.manyCond(src, f, jt)
			}
			src.from.joins = append(src.from.joins, &joinRef{kind: j.Kind, t: jt, on: on})
			if j.Alias != "" {
				c.declare(sc, j.Alias, jt)
			}
			if j.Fetch {
				fetchv = append(fetchv, jt)
			}
		}
	}
	return fetchv
}

func (c *compiler) finishSelect(sc *scope, sel *Select, colv []string) string {
	var where []string
	where = append(where, sc.conds...)
	if sel.Where != nil {
		sql, _ := c.expr(sc, sel.Where)
		where = append(where, sql)
	}

	var groupv []string
	for _, g := range sel.GroupBy {
		sql, _ := c.expr(sc, g)
		groupv = append(groupv, sql)
	}
	having := ""
	if sel.Having != nil {
		having, _ = c.expr(sc, sel.Having)
	}
	var orderv []string
	for _, o := range sel.OrderBy {
		sql, _ := c.expr(sc, o.Expr)
		if o.Desc {
			sql += " DESC"
		}
		orderv = append(orderv, sql)
	}

	// FROM last: expressions add implicit joins
	var fromv []string
	for _, from := range sc.froms {
		s := from.t.class.Root().Table + " " + from.t.alias
		for _, j := range from.joins {
			kw := " JOIN "
			if j.kind == LeftJoin {
				kw = " LEFT JOIN "
			}
			s += kw + j.t.class.Root().Table + " " + j.t.alias + " ON " + j.on
		}
		fromv = append(fromv, s)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if sel.Distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(strings.Join(colv, ", "))
	b.WriteString(" FROM ")
	b.WriteString(strings.Join(fromv, ", "))
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		if len(where) == 1 {
			b.WriteString(where[0])
		} else {
			b.WriteString(strings.Join(where, " AND "))
		}
	}
	if len(groupv) > 0 {
		b.WriteString(" GROUP BY " + strings.Join(groupv, ", "))
	}
	if having != "" {
		b.WriteString(" HAVING " + having)
	}
	if len(orderv) > 0 {
		b.WriteString(" ORDER BY " + strings.Join(orderv, ", "))
	}
	return b.String()
}

// projection compiles select item x starting at column offset.
func (c *compiler) projection(sc *scope, x Expr, offset int) (*Projection, []string) {
	switch x := x.(type) {
	case *New:
		if _, ok := c.repo.Constructor(x.Class); !ok {
			c.fail("NEW %s: constructor not registered", x.Class)
		}
		proj := &Projection{Kind: ProjNew, Offset: offset, Ctor: x.Class}
		var colv []string
		for _, arg := range x.Args {
			if _, nested := arg.(*New); nested {
				c.fail("nested NEW")
			}
			ap, cols := c.projection(sc, arg, offset+len(colv))
			proj.Args = append(proj.Args, ap)
			colv = append(colv, cols...)
		}
		proj.Width = len(colv)
		return proj, colv

	case *Path:
		if sc.lookup(x.Var) != nil {
			t, f := c.resolve(sc, x)
			switch {
			case f == nil:
				return c.entityProjection(t, offset)
			case f.Strategy == meta.StrategyToOne:
				return c.entityProjection(c.joinToOne(t, f), offset)
			case f.Strategy == meta.StrategyToMany:
				c.fail("%s: collection-valued path in SELECT", x)
			}
		}
	}

	sql, kind := c.expr(sc, x)
	return &Projection{Kind: ProjScalar, Offset: offset, Width: 1, ValueKind: kind}, []string{sql}
}

func (c *compiler) entityProjection(t *tableRef, offset int) (*Projection, []string) {
	root := t.class.Root()
	proj := &Projection{Kind: ProjEntity, Offset: offset, Class: t.class, Fields: root.TableFields()}
	var colv []string
	for _, f := range proj.Fields {
		colv = append(colv, c.col(t, f.Column))
	}
	if root.HasDiscriminator() {
		proj.Discriminator = true
		colv = append(colv, c.col(t, root.DiscriminatorColumn))
	}
	proj.Width = len(colv)
	return proj, colv
}

// ---- expressions ----

// expr compiles x in value context and returns SQL and kind of its value.
func (c *compiler) expr(sc *scope, x Expr) (string, meta.ValueKind) {
	switch x := x.(type) {
	case *Literal:
		if x.Value == nil {
			return "NULL", meta.KindNone
		}
		kind := literalKind(x.Value)
		if c.opt.InlineLiterals {
			return c.d.Literal(x.Value), kind
		}
		return c.param(ParamRef{Literal: true, Value: x.Value}), kind

	case *Param:
		return c.param(ParamRef{Name: x.Name, Pos: x.Pos}), meta.KindNone

	case *Path:
		if len(x.Fields) == 0 && sc.lookup(x.Var) == nil {
			// entity type literal
			class, err := c.repo.Class(x.Var)
			if err != nil {
				c.fail("%s is neither identification variable nor entity", x.Var)
			}
			return c.d.Literal(class.DiscriminatorValue), meta.KindString
		}
		t, f := c.resolve(sc, x)
		switch {
		case f == nil:
			id := t.class.Root().ID
			return c.col(t, id.Column), id.Kind
		case f.Strategy == meta.StrategyToMany:
			c.fail("%s: collection-valued path in expression", x)
		}
		return c.col(t, f.Column), f.Kind

	case *Type:
		t := sc.lookup(x.X.Var)
		if t == nil {
			c.fail("TYPE(%s): identification variable is not declared", x.X.Var)
		}
		root := t.class.Root()
		if !root.HasDiscriminator() {
			return c.d.Literal(t.class.DiscriminatorValue), meta.KindString
		}
		return c.col(t, root.DiscriminatorColumn), meta.KindString

	case *Binary:
		l, lk := c.expr(sc, x.L)
		r, rk := c.expr(sc, x.R)
		switch x.Op {
		case "AND", "OR":
			return "(" + l + " " + x.Op + " " + r + ")", meta.KindBool
		case "+", "-", "*", "/":
			return "(" + l + " " + x.Op + " " + r + ")", numericKind(lk, rk)
		}
		return l + " " + x.Op + " " + r, meta.KindBool

	case *Unary:
		sql, kind := c.expr(sc, x.X)
		if x.Op == "NOT" {
			return "NOT (" + sql + ")", meta.KindBool
		}
		return "(" + x.Op + sql + ")", kind

	case *Between:
		v, _ := c.expr(sc, x.X)
		lo, _ := c.expr(sc, x.Lo)
		hi, _ := c.expr(sc, x.Hi)
		return v + " " + not(x.Not) + "BETWEEN " + lo + " AND " + hi, meta.KindBool

	case *Like:
		v, _ := c.expr(sc, x.X)
		pat, _ := c.expr(sc, x.Pattern)
		s := v + " " + not(x.Not) + "LIKE " + pat
		if x.Escape != nil {
			esc, _ := c.expr(sc, x.Escape)
			s += " ESCAPE " + esc
		}
		return s, meta.KindBool

	case *In:
		v, _ := c.expr(sc, x.X)
		if x.Sub != nil {
			sub, kindv := c.compileSub(sc, x.Sub)
			if len(kindv) != 1 {
				c.fail("IN subquery must select one value")
			}
			return v + " " + not(x.Not) + "IN (" + sub + ")", meta.KindBool
		}
		var sv []string
		for _, item := range x.List {
			s, _ := c.expr(sc, item)
			sv = append(sv, s)
		}
		return v + " " + not(x.Not) + "IN (" + strings.Join(sv, ", ") + ")", meta.KindBool

	case *IsNull:
		v, _ := c.expr(sc, x.X)
		return v + " IS " + not(x.Not) + "NULL", meta.KindBool

	case *IsEmpty:
		sub := c.collectionSubquery(sc, x.X, "1")
		if x.Not {
			return "EXISTS (" + sub + ")", meta.KindBool
		}
		return "NOT EXISTS (" + sub + ")", meta.KindBool

	case *Exists:
		sub, _ := c.compileSub(sc, x.Sub)
		return not(x.Not) + "EXISTS (" + sub + ")", meta.KindBool

	case *Subquery:
		sub, kindv := c.compileSub(sc, x.Sub)
		if len(kindv) != 1 {
			c.fail("scalar subquery must select one value")
		}
		return "(" + sub + ")", kindv[0]

	case *Aggregate:
		if x.X == nil {
			return "COUNT(*)", meta.KindInt64
		}
		arg, kind := c.expr(sc, x.X)
		if x.Distinct {
			arg = "DISTINCT " + arg
		}
		switch x.Func {
		case "COUNT":
			kind = meta.KindInt64
		case "AVG":
			kind = meta.KindFloat64
		}
		return x.Func + "(" + arg + ")", kind

	case *Call:
		return c.call(sc, x)

	case *New:
		c.fail("NEW is allowed only as a SELECT item")
	}
	c.fail("unsupported expression %s", x)
	panic("unreachable")
}

// collectionSubquery returns `SELECT what FROM <target> WHERE <linked to owner>`
// for to-many path p.
func (c *compiler) collectionSubquery(sc *scope, p *Path, what string) string {
	t, f := c.resolve(sc, p)
	if f == nil || f.Strategy != meta.StrategyToMany {
		c.fail("%s is not a collection-valued path", p)
	}
	m := c.newTable(f.TargetClass(), nil)
	return "SELECT " + what + " FROM " + f.TargetClass().Root().Table + " " + m.alias +
		" WHERE " + c.manyCond(t, f, m)
}

var stringFuncs = map[string]bool{"UPPER": true, "LOWER": true, "TRIM": true, "CONCAT": true, "SUBSTRING": true}
var intFuncs = map[string]bool{"LENGTH": true, "LOCATE": true, "MOD": true}

func (c *compiler) call(sc *scope, x *Call) (string, meta.ValueKind) {
	if x.Func == "SIZE" {
		p, ok := x.Args[0].(*Path)
		if !ok {
			c.fail("SIZE needs a collection-valued path")
		}
		return "(" + c.collectionSubquery(sc, p, "COUNT(*)") + ")", meta.KindInt64
	}

	var argv []string
	var kindv []meta.ValueKind
	for _, arg := range x.Args {
		s, k := c.expr(sc, arg)
		argv = append(argv, s)
		kindv = append(kindv, k)
	}

	kind := meta.KindNone
	switch {
	case stringFuncs[x.Func]:
		kind = meta.KindString
	case intFuncs[x.Func]:
		kind = meta.KindInt64
	case x.Func == "SQRT":
		kind = meta.KindFloat64
	case x.Func == "ABS":
		kind = kindv[0]
	case x.Func == "COALESCE":
		for _, k := range kindv {
			if k != meta.KindNone {
				kind = k
				break
			}
		}
	case currentFuncs[x.Func]:
		kind = meta.KindTime
		if x.Func == "CURRENT_TIME" {
			kind = meta.KindString
		}
	}
	return c.d.Func(x.Func, argv), kind
}
