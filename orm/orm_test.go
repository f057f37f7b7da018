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

package orm_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/orm"
	"lab.nexedi.com/nexedi/persist/store"
	_ "lab.nexedi.com/nexedi/persist/store/sqlite"
)

type Dept struct {
	orm.Persistent
	ID   int64  `orm:"id,pk,generated=sequence"`
	Name string `orm:"name,notnull"`
	Ver  int64  `orm:"version,version"`
	Emps []*Emp `orm:",mappedby=Dept,lazy,cascade=remove"`
}

type Emp struct {
	orm.Persistent
	ID     int64  `orm:"id,pk,generated=sequence"`
	Name   string `orm:"name,notnull"`
	Salary int64
	Dept   *Dept `orm:"dept_id,notnull"`
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

	register := func(sample interface{}, opts ...meta.ClassOption) {
		_, err := repo.Register(sample, opts...)
		exc.Raiseif(err)
	}
	err := exc.Runx(func() {
		register((*Dept)(nil), meta.Table("DEPT"))
		register((*Emp)(nil), meta.Table("EMP"))
		register((*Manager)(nil))
	})
	require.NoError(t, err)
	require.NoError(t, repo.Resolve())
	return repo
}

// env is a factory over a fresh SQLite database with statements traced.
type env struct {
	t    *testing.T
	ctx  context.Context
	path string
	repo *meta.Repository
	st   store.Store
	f    *orm.Factory

	schema store.SchemaOptions

	mu     sync.Mutex
	events []store.Event
}

func newEnv(t *testing.T, cfg *orm.Config) *env {
	t.Helper()
	return newEnvRepo(t, testRepo(t), cfg, store.SchemaOptions{})
}

func newEnvRepo(t *testing.T, repo *meta.Repository, cfg *orm.Config, schema store.SchemaOptions) *env {
	t.Helper()
	e := &env{t: t, ctx: context.Background(), repo: repo, schema: schema}
	e.path = filepath.Join(t.TempDir(), "test.db")
	e.open(cfg, true)
	return e
}

// open opens factory over e's database; schema is created if create.
func (e *env) open(cfg *orm.Config, create bool) *orm.Factory {
	t := e.t
	t.Helper()
	st0, err := store.Open(e.ctx, "sqlite://"+e.path, nil)
	require.NoError(t, err)
	st := store.Trace(st0, e.record)
	if create {
		require.NoError(t, store.CreateSchema(e.ctx, st, e.repo, e.schema))
	}
	f, err := orm.NewFactory(e.ctx, st, e.repo, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, f.Close())
		assert.NoError(t, st.Close())
	})
	if e.f == nil {
		e.f, e.st = f, st
	}
	return f
}

func (e *env) record(ev store.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// reset forgets traced statements.
func (e *env) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

// traced returns traced statements with operation op.
func (e *env) traced(op string) []store.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var v []store.Event
	for _, ev := range e.events {
		if ev.Op == op {
			v = append(v, ev)
		}
	}
	return v
}

// seed stores department R&D with alice and bob, alice being bob's boss.
func (e *env) seed() (rd *Dept, alice, bob *Emp) {
	t := e.t
	t.Helper()
	b := e.f.NewBroker()
	defer b.Close(e.ctx)
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)

	rd = &Dept{Name: "R&D"}
	alice = &Emp{Name: "alice", Salary: 100, Dept: rd}
	bob = &Emp{Name: "bob", Salary: 80, Dept: rd, Boss: alice}
	for _, obj := range []interface{}{rd, alice, bob} {
		require.NoError(t, b.Persist(ctx, obj))
	}
	require.NoError(t, b.Commit(ctx))
	return rd, alice, bob
}

// count returns number of rows in table.
func (e *env) count(table string) int64 {
	rows, err := e.st.Query(e.ctx, "SELECT COUNT(*) FROM "+table)
	require.NoError(e.t, err)
	rowv, err := store.Collect(rows)
	require.NoError(e.t, err)
	n, err := meta.KindInt64.Coerce(rowv[0][0])
	require.NoError(e.t, err)
	return n.(int64)
}

func TestPersistCommit(t *testing.T) {
	e := newEnv(t, nil)
	b := e.f.NewBroker()
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)

	// persisted in reverse of foreign key order
	rd := &Dept{Name: "R&D"}
	alice := &Emp{Name: "alice", Salary: 100, Dept: rd}
	require.NoError(t, b.Persist(ctx, alice))
	require.NoError(t, b.Persist(ctx, rd))
	assert.Equal(t, orm.PersistentNew, alice.PState())
	assert.Equal(t, int64(1), alice.ID)
	assert.Equal(t, int64(1), rd.ID)
	assert.True(t, b.Contains(rd))
	assert.Equal(t, 2, b.Len())

	err = b.Persist(ctx, &Emp{ID: 1, Name: "dup", Dept: rd})
	var uerr *orm.UserError
	require.True(t, errors.As(err, &uerr), "%v", err)

	e.reset()
	require.NoError(t, b.Commit(ctx))

	batches := e.traced("batch")
	want := []store.Event{
		{Op: "batch", SQL: "INSERT INTO DEPT (id, name, version) VALUES (?, ?, ?)",
			Argv: [][]interface{}{{int64(1), "R&D", int64(1)}}},
		{Op: "batch", SQL: "INSERT INTO EMP (id, name, salary, dept_id, boss_id, dtype) VALUES (?, ?, ?, ?, ?, ?)",
			Argv: [][]interface{}{{int64(1), "alice", int64(100), int64(1), nil, "Emp"}}},
	}
	if diff := pretty.Compare(batches, want); diff != "" {
		t.Errorf("flush: (-have +want)\n%s", diff)
	}
	assert.Len(t, e.traced("commit"), 1)

	assert.Equal(t, orm.PersistentNonTransactional, alice.PState())
	assert.Equal(t, int64(1), rd.Ver)

	// another broker sees the committed state
	b2 := e.f.NewBroker()
	alice2, err := orm.Find[Emp](e.ctx, b2, 1)
	require.NoError(t, err)
	require.NotNil(t, alice2)
	assert.True(t, alice2 != alice)
	assert.Equal(t, "alice", alice2.Name)
	assert.Equal(t, "R&D", alice2.Dept.Name)
	assert.Equal(t, orm.PersistentNonTransactional, alice2.PState())

	// identity map
	again, err := orm.Find[Emp](e.ctx, b2, int64(1))
	require.NoError(t, err)
	assert.True(t, again == alice2)
	dept, err := b2.Find(e.ctx, "Dept", 1)
	require.NoError(t, err)
	assert.True(t, dept.(*Dept) == alice2.Dept)

	missing, err := orm.Find[Emp](e.ctx, b2, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNotFoundError(t *testing.T) {
	e := newEnv(t, &orm.Config{NotFound: orm.NotFoundIsError})
	_, err := orm.Find[Dept](e.ctx, e.f.NewBroker(), 7)
	var nf *orm.NotFoundError
	require.True(t, errors.As(err, &nf), "%v", err)
	assert.Equal(t, "Dept", nf.Class)
}

func TestUpdate(t *testing.T) {
	e := newEnv(t, nil)
	rd, alice, _ := e.seed()

	b := e.f.NewBroker()
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)
	a, err := orm.Find[Emp](ctx, b, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, orm.PersistentClean, a.PState())

	a.Salary = 120
	e.reset()
	require.NoError(t, b.Commit(ctx))
	want := []store.Event{
		{Op: "batch", SQL: "UPDATE EMP SET salary = ? WHERE id = ?",
			Argv: [][]interface{}{{int64(120), alice.ID}}},
	}
	if diff := pretty.Compare(e.traced("batch"), want); diff != "" {
		t.Errorf("flush: (-have +want)\n%s", diff)
	}

	// versioned
	ctx, err = b.Begin(e.ctx)
	require.NoError(t, err)
	d, err := orm.Find[Dept](ctx, b, rd.ID)
	require.NoError(t, err)
	d.Name = "Research"
	e.reset()
	require.NoError(t, b.Commit(ctx))
	want = []store.Event{
		{Op: "batch", SQL: "UPDATE DEPT SET name = ?, version = ? WHERE id = ? AND version = ?",
			Argv: [][]interface{}{{"Research", int64(2), rd.ID, int64(1)}}},
	}
	if diff := pretty.Compare(e.traced("batch"), want); diff != "" {
		t.Errorf("flush: (-have +want)\n%s", diff)
	}
	assert.Equal(t, int64(2), d.Ver)

	// nothing changed: nothing written
	ctx, err = b.Begin(e.ctx)
	require.NoError(t, err)
	e.reset()
	require.NoError(t, b.Commit(ctx))
	assert.Empty(t, e.traced("batch"))
}

func TestOptimisticLock(t *testing.T) {
	e := newEnv(t, nil)
	rd, _, _ := e.seed()

	b1 := e.f.NewBroker()
	d1, err := orm.Find[Dept](e.ctx, b1, rd.ID)
	require.NoError(t, err)
	assert.Equal(t, orm.PersistentNonTransactional, d1.PState())

	b2 := e.f.NewBroker()
	ctx2, err := b2.Begin(e.ctx)
	require.NoError(t, err)
	d2, err := orm.Find[Dept](ctx2, b2, rd.ID)
	require.NoError(t, err)
	d2.Name = "Research"
	require.NoError(t, b2.Commit(ctx2))

	ctx1, err := b1.Begin(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, orm.PersistentClean, d1.PState())
	d1.Name = "Labs"
	err = b1.Commit(ctx1)

	var rb *orm.RollbackError
	require.True(t, errors.As(err, &rb), "%v", err)
	var ol *orm.OptimisticLockError
	require.True(t, errors.As(err, &ol), "%v", err)
	assert.Equal(t, d1.PID(), ol.ID)
	assert.Equal(t, int64(1), ol.Version)

	// rolled back to the state it was read with
	assert.Equal(t, "R&D", d1.Name)
	assert.Equal(t, int64(1), d1.Ver)
	assert.Equal(t, orm.PersistentNonTransactional, d1.PState())

	// refresh brings the current state
	ctx1, err = b1.Begin(e.ctx)
	require.NoError(t, err)
	require.NoError(t, b1.Refresh(ctx1, d1))
	assert.Equal(t, "Research", d1.Name)
	assert.Equal(t, int64(2), d1.Ver)
	d1.Name = "Labs"
	require.NoError(t, b1.Commit(ctx1))
	assert.Equal(t, int64(3), d1.Ver)
}

func TestRemoveCascade(t *testing.T) {
	e := newEnv(t, nil)
	rd, alice, bob := e.seed()

	b := e.f.NewBroker()
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)
	d, err := orm.Find[Dept](ctx, b, rd.ID)
	require.NoError(t, err)
	require.NoError(t, b.Remove(ctx, d))
	assert.Equal(t, orm.PersistentDeleted, d.PState())
	require.Len(t, d.Emps, 2)
	for _, emp := range d.Emps {
		assert.Equal(t, orm.PersistentDeleted, emp.PState())
	}
	assert.False(t, b.Contains(d))

	e.reset()
	require.NoError(t, b.Commit(ctx))
	batches := e.traced("batch")
	require.Len(t, batches, 3)
	// bob references alice; both reference the department
	assert.Equal(t, "DELETE FROM EMP WHERE id = ?", batches[0].SQL)
	assert.Equal(t, [][]interface{}{{bob.ID}}, batches[0].Argv)
	assert.Equal(t, [][]interface{}{{alice.ID}}, batches[1].Argv)
	assert.Equal(t, "DELETE FROM DEPT WHERE id = ? AND version = ?", batches[2].SQL)

	assert.Equal(t, orm.Transient, d.PState())
	assert.Equal(t, int64(0), e.count("EMP"))
	assert.Equal(t, int64(0), e.count("DEPT"))
}

func TestRemoveNew(t *testing.T) {
	e := newEnv(t, nil)
	b := e.f.NewBroker()
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)
	d := &Dept{Name: "tmp"}
	require.NoError(t, b.Persist(ctx, d))
	require.NoError(t, b.Remove(ctx, d))
	assert.Equal(t, orm.Transient, d.PState())
	assert.Equal(t, 0, b.Len())

	e.reset()
	require.NoError(t, b.Commit(ctx))
	assert.Empty(t, e.traced("batch"))
}

func TestRollback(t *testing.T) {
	e := newEnv(t, nil)
	_, alice, _ := e.seed()

	b := e.f.NewBroker()
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)
	a, err := orm.Find[Emp](ctx, b, alice.ID)
	require.NoError(t, err)
	a.Name = "alicia"
	carol := &Emp{Name: "carol", Dept: a.Dept}
	require.NoError(t, b.Persist(ctx, carol))
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, orm.PersistentDirty, a.PState())

	require.NoError(t, b.Rollback(ctx))
	assert.Equal(t, "alice", a.Name)
	assert.Equal(t, orm.PersistentNonTransactional, a.PState())
	assert.Equal(t, orm.Transient, carol.PState())
	assert.False(t, b.Contains(carol))
	assert.Equal(t, int64(2), e.count("EMP"))
	assert.Len(t, e.traced("rollback"), 1)
}

func TestRollbackRestoreNone(t *testing.T) {
	e := newEnv(t, &orm.Config{RestoreState: orm.RestoreNone})
	_, alice, _ := e.seed()

	b := e.f.NewBroker()
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)
	a, err := orm.Find[Emp](ctx, b, alice.ID)
	require.NoError(t, err)
	a.Name = "alicia"
	require.NoError(t, b.Rollback(ctx))

	assert.Equal(t, orm.Hollow, a.PState())
	require.NoError(t, a.PActivate(e.ctx))
	assert.Equal(t, "alice", a.Name)
}

func TestDetachMerge(t *testing.T) {
	e := newEnv(t, nil)
	rd, alice, _ := e.seed()

	b1 := e.f.NewBroker()
	a, err := orm.Find[Emp](e.ctx, b1, alice.ID)
	require.NoError(t, err)
	require.NoError(t, b1.Detach(e.ctx, a))
	assert.Equal(t, orm.Detached, a.PState())
	a.Name = "alicia"

	// detached instances are merged, never persisted
	b2 := e.f.NewBroker()
	ctx, err := b2.Begin(e.ctx)
	require.NoError(t, err)
	err = b2.Persist(ctx, a)
	var uerr *orm.UserError
	require.True(t, errors.As(err, &uerr), "%v", err)

	m, err := b2.Merge(ctx, a)
	require.NoError(t, err)
	am := m.(*Emp)
	assert.True(t, am != a)
	assert.Equal(t, "alicia", am.Name)
	assert.Equal(t, orm.Detached, a.PState())
	require.NoError(t, b2.Commit(ctx))

	b3 := e.f.NewBroker()
	a3, err := orm.Find[Emp](e.ctx, b3, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alicia", a3.Name)

	// stale version
	d := a3.Dept
	require.NoError(t, b3.Detach(e.ctx, d))
	ctx, err = b2.Begin(e.ctx)
	require.NoError(t, err)
	d2, err := orm.Find[Dept](ctx, b2, rd.ID)
	require.NoError(t, err)
	d2.Name = "Research"
	require.NoError(t, b2.Commit(ctx))

	b4 := e.f.NewBroker()
	ctx, err = b4.Begin(e.ctx)
	require.NoError(t, err)
	_, err = b4.Merge(ctx, d)
	var ol *orm.OptimisticLockError
	require.True(t, errors.As(err, &ol), "%v", err)
	require.NoError(t, b4.Rollback(ctx))

	// transient copy of an unknown identity is persisted
	ctx, err = b4.Begin(e.ctx)
	require.NoError(t, err)
	m, err = b4.Merge(ctx, &Dept{Name: "Sales"})
	require.NoError(t, err)
	assert.Equal(t, orm.PersistentNew, m.(*Dept).PState())
	require.NoError(t, b4.Commit(ctx))
	assert.Equal(t, int64(2), e.count("DEPT"))
}

func TestReachability(t *testing.T) {
	e := newEnv(t, nil)
	b := e.f.NewBroker()
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)

	// Emp.Dept does not cascade persist
	alice := &Emp{Name: "alice", Dept: &Dept{Name: "R&D"}}
	require.NoError(t, b.Persist(ctx, alice))
	err = b.Commit(ctx)
	var uerr *orm.UserError
	require.True(t, errors.As(err, &uerr), "%v", err)
	assert.True(t, strings.Contains(err.Error(), "is not persistent"), "%v", err)
	assert.Equal(t, orm.Transient, alice.PState())
	assert.Equal(t, int64(0), e.count("EMP"))
}

func TestSubclass(t *testing.T) {
	e := newEnv(t, nil)
	rd, alice, _ := e.seed()

	b := e.f.NewBroker()
	ctx, err := b.Begin(e.ctx)
	require.NoError(t, err)
	d, err := orm.Find[Dept](ctx, b, rd.ID)
	require.NoError(t, err)
	mgr := &Manager{Emp: Emp{Name: "carol", Dept: d}, Bonus: 1.5}
	require.NoError(t, b.Persist(ctx, mgr))
	require.NoError(t, b.Commit(ctx))

	b2 := e.f.NewBroker()
	x, err := b2.Find(e.ctx, "Emp", mgr.ID)
	require.NoError(t, err)
	m2, ok := x.(*Manager)
	require.True(t, ok, "%T", x)
	assert.Equal(t, 1.5, m2.Bonus)
	assert.Equal(t, "carol", m2.Name)

	// alice is not a manager
	nm, err := orm.Find[Manager](e.ctx, b2, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, nm)
}
