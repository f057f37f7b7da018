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

package query_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/query"
	"lab.nexedi.com/nexedi/persist/store"
)

type Dept struct {
	ID   int64  `orm:"id,pk,generated=sequence"`
	Name string `orm:"name,notnull"`
	Emps []*Emp `orm:",mappedby=Dept"`
}

type Emp struct {
	ID     int64 `orm:"id,pk"`
	Name   string
	Salary float64
	Dept   *Dept
	Boss   *Emp
}

type Manager struct {
	Emp
	Bonus float64
}

func testRepo(t *testing.T) *meta.Repository {
	t.Helper()
	repo := meta.NewRepository()
	t.Cleanup(repo.Release)
	err := exc.Runx(func() {
		for _, sample := range []interface{}{(*Dept)(nil), (*Emp)(nil), (*Manager)(nil)} {
			_, err := repo.Register(sample)
			exc.Raiseif(err)
		}
		exc.Raiseif(repo.Resolve())
	})
	require.NoError(t, err)
	repo.RegisterConstructor("EmpView", func(args []interface{}) (interface{}, error) {
		return args, nil
	})
	return repo
}

func TestParse(t *testing.T) {
	for _, tt := range []struct{ q, want string }{
		{`select e from Emp as e where e.name='x' and not e.salary>=1.5 or e.id in (1,2) order by e.name asc`,
			`SELECT e FROM Emp e WHERE (((e.name = 'x') AND (NOT (e.salary >= 1.5))) OR (e.id IN (1, 2))) ORDER BY e.name`},

		{`SELECT COUNT(DISTINCT e.Dept), MAX(e.Salary) FROM Emp e LEFT OUTER JOIN FETCH e.Dept
		  WHERE e.Salary BETWEEN -1 AND +2.5e3 AND e.Name NOT LIKE 'a!_%' ESCAPE '!'`,
			`SELECT COUNT(DISTINCT e.Dept), MAX(e.Salary) FROM Emp e LEFT JOIN FETCH e.Dept WHERE ((e.Salary BETWEEN -1 AND 2500.0) AND (e.Name NOT LIKE 'a!_%' ESCAPE '!'))`},

		{`SELECT e FROM Emp e WHERE NOT EXISTS (SELECT b FROM Emp b WHERE b.Boss = e) AND e.Name != 'x''y'`,
			`SELECT e FROM Emp e WHERE ((NOT EXISTS (SELECT b FROM Emp b WHERE (b.Boss = e))) AND (e.Name <> 'x''y'))`},

		{`SELECT NEW a.b.View(e.Name, SIZE(e.Emps)) FROM Emp e WHERE e.Hired < CURRENT_DATE`,
			`SELECT NEW a.b.View(e.Name, SIZE(e.Emps)) FROM Emp e WHERE (e.Hired < CURRENT_DATE)`},

		{`SELECT e.Name FROM Emp e JOIN e.Dept d WHERE d.Name = :dept OR e.ID = ?2 OR TYPE(e) IN (Manager)`,
			`SELECT e.Name FROM Emp e JOIN e.Dept d WHERE (((d.Name = :dept) OR (e.ID = ?2)) OR (TYPE(e) IN (Manager)))`},

		{`SELECT d FROM Dept d WHERE d.Emps IS NOT EMPTY AND d.Boss IS NULL GROUP BY d HAVING COUNT(*) > 10L`,
			`SELECT d FROM Dept d WHERE ((d.Emps IS NOT EMPTY) AND (d.Boss IS NULL)) GROUP BY d HAVING (COUNT(*) > 10)`},

		{`SELECT e.Salary * -(e.Bonus + 1) / 2 FROM Emp e WHERE e.Salary > (SELECT AVG(x.Salary) FROM Emp x)`,
			`SELECT ((e.Salary * (-(e.Bonus + 1))) / 2) FROM Emp e WHERE (e.Salary > (SELECT AVG(x.Salary) FROM Emp x))`},
	} {
		sel, err := query.Parse(tt.q)
		if !assert.NoError(t, err, tt.q) {
			continue
		}
		assert.Equal(t, tt.want, sel.String(), tt.q)

		// normalized text parses to itself
		sel2, err := query.Parse(sel.String())
		if assert.NoError(t, err, tt.want) {
			assert.Equal(t, tt.want, sel2.String())
		}
	}
}

func TestParseError(t *testing.T) {
	for _, tt := range []struct {
		q   string
		pos int
		msg string
	}{
		{`SELECT e FROM Emp e WHERE`, 25, "unexpected end of query"},
		{`SELECT e FROM Emp e WHERE e.name = 'abc`, 35, "unterminated string literal"},
		{`SELECT e FROM Emp e extra`, 20, `unexpected "extra"`},
		{`SELECT e FROM Emp e WHERE UPPER(e.a, e.b) = 'x'`, 26, "UPPER: wrong number of arguments: 2"},
		{`SELECT e FROM Emp e WHERE e.a = #`, 32, "unexpected character '#'"},
		{`SELECT FROM Emp e`, 7, `unexpected "FROM"`},
		{`SELECT e FROM Emp e WHERE e.a = ?0`, 32, "invalid parameter position 0"},
		{`SELECT e FROM Emp e JOIN e d`, 25, "join needs a relation path"},
		{`SELECT e FROM Emp e WHERE FOO(e.a) = 1`, 26, "unknown function FOO"},
	} {
		_, err := query.Parse(tt.q)
		var qerr *query.Error
		if !assert.True(t, errors.As(err, &qerr), "%s: %v", tt.q, err) {
			continue
		}
		assert.Equal(t, tt.pos, qerr.Pos, tt.q)
		assert.Equal(t, tt.msg, qerr.Msg, tt.q)
		assert.Equal(t, tt.q, qerr.Query)
	}
}

func empCols(a string) string {
	var v []string
	for _, c := range []string{"id", "name", "salary", "dept_id", "boss_id", "bonus", "dtype"} {
		v = append(v, a+"."+c)
	}
	return strings.Join(v, ", ")
}

func lit(v interface{}) query.ParamRef { return query.ParamRef{Literal: true, Value: v} }

func TestCompile(t *testing.T) {
	repo := testRepo(t)

	for _, tt := range []struct {
		d      store.Dialect
		inline bool
		q      string
		sql    string
		params []query.ParamRef
	}{
		{store.Sqlite(), false,
			`SELECT e FROM Emp e WHERE e.Name = :n`,
			`SELECT ` + empCols("t0") + ` FROM emp t0 WHERE t0.name = ?`,
			[]query.ParamRef{{Name: "n"}}},

		// subclass range restricts discriminator
		{store.Sqlite(), false,
			`SELECT m FROM Manager m WHERE m.Bonus > 10`,
			`SELECT ` + empCols("t0") + ` FROM emp t0 WHERE t0.dtype = 'Manager' AND t0.bonus > ?`,
			[]query.ParamRef{lit(int64(10))}},

		// implicit join
		{store.Sqlite(), false,
			`SELECT e.Name FROM Emp e WHERE e.Dept.Name = 'R&D'`,
			`SELECT t0.name FROM emp t0 JOIN dept t1 ON t1.id = t0.dept_id WHERE t1.name = ?`,
			[]query.ParamRef{lit("R&D")}},

		// identity of to-one target is its foreign key
		{store.Sqlite(), false,
			`SELECT e.Name FROM Emp e WHERE e.Dept.ID = ?1`,
			`SELECT t0.name FROM emp t0 WHERE t0.dept_id = ?`,
			[]query.ParamRef{{Pos: 1}}},

		{store.Sqlite(), false,
			`SELECT DISTINCT d FROM Dept d JOIN d.Emps e WHERE e.Salary > 100.0`,
			`SELECT DISTINCT t0.id, t0.name FROM dept t0 JOIN emp t1 ON t1.dept_id = t0.id WHERE t1.salary > ?`,
			[]query.ParamRef{lit(100.0)}},

		{store.Sqlite(), false,
			`SELECT e FROM Emp e LEFT JOIN FETCH e.Dept`,
			`SELECT ` + empCols("t0") + `, t1.id, t1.name FROM emp t0 LEFT JOIN dept t1 ON t1.id = t0.dept_id`,
			nil},

		{store.Sqlite(), false,
			`SELECT e FROM Emp e WHERE TYPE(e) = Manager OR TYPE(e) IN (Emp)`,
			`SELECT ` + empCols("t0") + ` FROM emp t0 WHERE (t0.dtype = 'Manager' OR t0.dtype IN ('Emp'))`,
			nil},

		{store.Sqlite(), false,
			`SELECT d.Name FROM Dept d WHERE d.Emps IS EMPTY`,
			`SELECT t0.name FROM dept t0 WHERE NOT EXISTS (SELECT 1 FROM emp t1 WHERE t1.dept_id = t0.id)`,
			nil},

		{store.Sqlite(), false,
			`SELECT d.Name, SIZE(d.Emps) FROM Dept d`,
			`SELECT t0.name, (SELECT COUNT(*) FROM emp t1 WHERE t1.dept_id = t0.id) FROM dept t0`,
			nil},

		{store.Sqlite(), false,
			`SELECT e.Dept.Name, COUNT(e), AVG(e.Salary) FROM Emp e GROUP BY e.Dept.Name HAVING COUNT(e) > 1 ORDER BY e.Dept.Name DESC`,
			`SELECT t1.name, COUNT(t0.id), AVG(t0.salary) FROM emp t0 JOIN dept t1 ON t1.id = t0.dept_id GROUP BY t1.name HAVING COUNT(t0.id) > ? ORDER BY t1.name DESC`,
			[]query.ParamRef{lit(int64(1))}},

		// correlated subquery
		{store.Sqlite(), false,
			`SELECT e.Name FROM Emp e WHERE e.Salary > (SELECT AVG(x.Salary) FROM Emp x WHERE x.Dept = e.Dept)`,
			`SELECT t0.name FROM emp t0 WHERE t0.salary > (SELECT AVG(t1.salary) FROM emp t1 WHERE t1.dept_id = t0.dept_id)`,
			nil},

		{store.Postgres(), true,
			`SELECT e.Name FROM Emp e WHERE e.Name LIKE 'A%' AND e.Salary BETWEEN :lo AND :hi`,
			`SELECT t0.name FROM emp t0 WHERE (t0.name LIKE 'A%' AND t0.salary BETWEEN $1 AND $2)`,
			[]query.ParamRef{{Name: "lo"}, {Name: "hi"}}},

		{store.Sqlite(), false,
			`SELECT NEW EmpView(e.Name, e.Dept) FROM Emp e`,
			`SELECT t0.name, t1.id, t1.name FROM emp t0 JOIN dept t1 ON t1.id = t0.dept_id`,
			nil},

		{store.Sqlite(), true,
			`SELECT UPPER(e.Name), MOD(e.ID, 2) FROM Emp e WHERE LOCATE('a', e.Name) > 0`,
			`SELECT UPPER(t0.name), (t0.id % 2) FROM emp t0 WHERE INSTR(t0.name, 'a') > 0`,
			nil},

		{store.Sqlite(), false,
			`SELECT e.Name FROM Emp e LEFT JOIN e.Boss b WHERE b IS NULL`,
			`SELECT t0.name FROM emp t0 LEFT JOIN emp t1 ON t1.id = t0.boss_id WHERE t1.id IS NULL`,
			nil},

		{store.Postgres(), false,
			`SELECT e FROM Emp e, Dept d WHERE e.Dept = d AND d.Name IN ('a', 'b')`,
			`SELECT ` + empCols("t0") + ` FROM emp t0, dept t1 WHERE (t0.dept_id = t1.id AND t1.name IN ($1, $2))`,
			[]query.ParamRef{lit("a"), lit("b")}},
	} {
		cq, err := query.CompileText(tt.q, repo, tt.d, query.Options{InlineLiterals: tt.inline})
		if !assert.NoError(t, err, tt.q) {
			continue
		}
		assert.Equal(t, tt.sql, cq.SQL, tt.q)
		if diff := pretty.Compare(cq.Params, tt.params); diff != "" {
			t.Errorf("%s: params: (-have +want)\n%s", tt.q, diff)
		}
	}
}

func TestProjections(t *testing.T) {
	repo := testRepo(t)
	emp, err := repo.Class("Emp")
	require.NoError(t, err)
	dept, err := repo.Class("Dept")
	require.NoError(t, err)

	cq, err := query.CompileText(`SELECT e FROM Emp e LEFT JOIN FETCH e.Dept`, repo, store.Sqlite(), query.Options{})
	require.NoError(t, err)
	require.Len(t, cq.Projections, 2)
	p0, p1 := cq.Projections[0], cq.Projections[1]
	assert.Equal(t, query.ProjEntity, p0.Kind)
	assert.Equal(t, emp, p0.Class)
	assert.Equal(t, 0, p0.Offset)
	assert.Equal(t, 7, p0.Width)
	assert.True(t, p0.Discriminator)
	assert.False(t, p0.Hidden)
	assert.Equal(t, dept, p1.Class)
	assert.Equal(t, 7, p1.Offset)
	assert.Equal(t, 2, p1.Width)
	assert.False(t, p1.Discriminator)
	assert.True(t, p1.Hidden)
	assert.Len(t, cq.Visible(), 1)
	assert.Equal(t, []*meta.ClassMetaData{emp, dept}, cq.Classes)

	cq, err = query.CompileText(`SELECT NEW EmpView(e.Name, e.Dept), COUNT(e), AVG(e.Salary) FROM Emp e GROUP BY e.Name, e.Dept`,
		repo, store.Sqlite(), query.Options{})
	require.NoError(t, err)
	require.Len(t, cq.Projections, 3)
	pn := cq.Projections[0]
	assert.Equal(t, query.ProjNew, pn.Kind)
	assert.Equal(t, "EmpView", pn.Ctor)
	assert.Equal(t, 3, pn.Width)
	require.Len(t, pn.Args, 2)
	assert.Equal(t, meta.KindString, pn.Args[0].ValueKind)
	assert.Equal(t, query.ProjEntity, pn.Args[1].Kind)
	assert.Equal(t, 1, pn.Args[1].Offset)
	assert.Equal(t, 3, cq.Projections[1].Offset)
	assert.Equal(t, meta.KindInt64, cq.Projections[1].ValueKind)
	assert.Equal(t, meta.KindFloat64, cq.Projections[2].ValueKind)

	cq, err = query.CompileText(`SELECT d.Name, SIZE(d.Emps), e.Salary * 2 FROM Dept d JOIN d.Emps e`, repo, store.Sqlite(), query.Options{})
	require.NoError(t, err)
	var kinds []meta.ValueKind
	for _, p := range cq.Projections {
		kinds = append(kinds, p.ValueKind)
	}
	assert.Equal(t, []meta.ValueKind{meta.KindString, meta.KindInt64, meta.KindFloat64}, kinds)
}

func TestCompileError(t *testing.T) {
	repo := testRepo(t)
	for _, tt := range []struct{ q, msg string }{
		{`SELECT x FROM Nope x`, "unknown entity Nope"},
		{`SELECT e FROM Emp e WHERE e.Nope = 1`, "Emp has no field Nope"},
		{`SELECT e FROM Emp e WHERE z.Name = 1`, "identification variable z is not declared"},
		{`SELECT d FROM Dept d WHERE d.Emps.Name = 'x'`, "d.Emps.Name: cannot navigate collection-valued field Emps; use JOIN"},
		{`SELECT e FROM Emp e WHERE e.Name.x = 'x'`, "e.Name.x: cannot navigate basic field Name"},
		{`SELECT NEW Nope(e.Name) FROM Emp e`, "NEW Nope: constructor not registered"},
		{`SELECT e FROM Emp e, Dept e`, "identification variable e declared twice"},
		{`SELECT e FROM Emp e WHERE e.Name IS EMPTY`, "e.Name is not a collection-valued path"},
		{`SELECT d.Emps FROM Dept d`, "d.Emps: collection-valued path in SELECT"},
		{`SELECT e FROM Emp e WHERE TYPE(e) = Nope`, "Nope is neither identification variable nor entity"},
		{`SELECT e FROM Emp e JOIN e.Name n`, "JOIN e.Name: not a relation"},
		{`SELECT e FROM Emp e WHERE e.ID IN (SELECT x.ID, x.Name FROM Emp x)`, "IN subquery must select one value"},
	} {
		_, err := query.CompileText(tt.q, repo, store.Sqlite(), query.Options{})
		var qerr *query.Error
		if !assert.True(t, errors.As(err, &qerr), "%s: %v", tt.q, err) {
			continue
		}
		assert.Equal(t, tt.msg, qerr.Msg, tt.q)
		assert.Equal(t, -1, qerr.Pos)
	}
}

func TestArgs(t *testing.T) {
	repo := testRepo(t)
	cq, err := query.CompileText(`SELECT e FROM Emp e WHERE e.Name = :name AND e.Salary > 10 AND e.Dept = ?1 AND e.Boss = :boss OR e.Name = :name`,
		repo, store.Postgres(), query.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"boss", "name"}, cq.ParamNames())
	assert.Equal(t, store.Postgres(), cq.Dialect())

	argv, err := cq.Args(map[string]interface{}{"name": "x", "boss": int64(7)}, map[int]interface{}{1: int64(3)})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"x", int64(10), int64(3), int64(7), "x"}, argv)

	_, err = cq.Args(map[string]interface{}{"name": "x"}, map[int]interface{}{1: int64(3)})
	assert.EqualError(t, err, "query: parameter :boss not set")
	_, err = cq.Args(map[string]interface{}{"name": "x", "boss": int64(7)}, nil)
	assert.EqualError(t, err, "query: parameter ?1 not set")
}

func TestSQLFor(t *testing.T) {
	repo := testRepo(t)
	q := `SELECT e.Name FROM Emp e ORDER BY e.Name`
	sql := `SELECT t0.name FROM emp t0 ORDER BY t0.name`
	for _, tt := range []struct {
		d          store.Dialect
		first, max int
		want       string
	}{
		{store.Sqlite(), 0, -1, sql},
		{store.Sqlite(), 10, 5, sql + " LIMIT 5 OFFSET 10"},
		{store.Postgres(), 2, -1, sql + " OFFSET 2"},
		{store.DB2(), 10, 5, sql + " OFFSET 10 ROWS FETCH FIRST 5 ROWS ONLY OPTIMIZE FOR 5 ROWS"},
	} {
		cq, err := query.CompileText(q, repo, tt.d, query.Options{})
		require.NoError(t, err)
		assert.Equal(t, tt.want, cq.SQLFor(tt.first, tt.max), "%s %d %d", tt.d.Name(), tt.first, tt.max)
	}
}

// compiling the same text twice gives the same result
func TestCompileDeterministic(t *testing.T) {
	repo := testRepo(t)
	q := `SELECT e, e.Dept.Name FROM Emp e LEFT JOIN e.Boss b WHERE b.Dept.Name = :d AND SIZE(e.Dept.Emps) > 2`
	cq1, err := query.CompileText(q, repo, store.Postgres(), query.Options{})
	require.NoError(t, err)
	cq2, err := query.CompileText(q, repo, store.Postgres(), query.Options{})
	require.NoError(t, err)
	assert.Equal(t, cq1.SQL, cq2.SQL)
	assert.Equal(t, cq1.Text, cq2.Text)
	assert.Equal(t, cq1.Params, cq2.Params)
}
