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

package meta

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tDept struct {
	ID    int64   `orm:"id,pk,generated=sequence"`
	Name  string  `orm:"name,notnull"`
	Staff []*tEmp `orm:",mappedby=Dept"`
	Ver   int64   `orm:"version,version"`
}

type tEmp struct {
	ID      int64     `orm:"id,pk,generated=sequence"`
	Name    string    `orm:",notnull"`
	Dept    *tDept    `orm:"dept_id"`
	Boss    *tEmp     `orm:",nullable"`
	Hired   time.Time `orm:"hired"`
	Photo   []byte
	Ver     int64 `orm:"version,version"`
	private int
}

type tManager struct {
	tEmp
	Bonus float64
}

type tTag struct {
	ID string `orm:"id,generated=uuid"`
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	r := NewRepository()
	_, err := r.Register((*tDept)(nil), Name("Dept"), Table("DEPT"))
	require.NoError(t, err)
	_, err = r.Register((*tEmp)(nil), Name("Employee"), Table("EMP"))
	require.NoError(t, err)
	_, err = r.Register((*tManager)(nil), Name("Manager"), Discriminator("M"))
	require.NoError(t, err)
	_, err = r.Register(tTag{}, Name("Tag"))
	require.NoError(t, err)
	require.NoError(t, r.Resolve())
	return r
}

func TestRegister(t *testing.T) {
	r := newTestRepo(t)
	defer r.Release()

	emp, err := r.Class("Employee")
	require.NoError(t, err)
	mgr, err := r.ClassOf(reflect.TypeOf(&tManager{}))
	require.NoError(t, err)

	assert.Equal(t, "EMP", emp.Table)
	assert.Equal(t, "EMP", mgr.Table)
	assert.Equal(t, IDSequence, mgr.IDStrategy)
	assert.Equal(t, VersionNumber, mgr.VersionStrategy)
	assert.Equal(t, "Employee", emp.DiscriminatorValue)
	assert.Equal(t, "M", mgr.DiscriminatorValue)
	assert.True(t, emp.HasDiscriminator())
	assert.True(t, mgr.IsA(emp))
	assert.False(t, emp.IsA(mgr))
	assert.Equal(t, mgr, emp.ByDiscriminator("M"))

	type fieldInfo struct {
		Name     string
		Column   string
		Kind     string
		Strategy string
		Nullable bool
		Index    int
	}
	var have []fieldInfo
	for _, f := range mgr.Fields {
		have = append(have, fieldInfo{f.Name, f.Column, f.Kind.String(), f.Strategy.String(), f.Nullable, f.Index})
	}
	want := []fieldInfo{
		{"ID", "id", "int64", "basic", false, 0},
		{"Name", "name", "string", "basic", false, 1},
		{"Dept", "dept_id", "int64", "to-one", true, 2},
		{"Boss", "boss_id", "int64", "to-one", true, 3},
		{"Hired", "hired", "time", "basic", false, 4},
		{"Photo", "photo", "bytes", "basic", true, 5},
		{"Ver", "version", "int64", "basic", false, 6},
		{"Bonus", "bonus", "float64", "basic", false, 7},
	}
	if diff := pretty.Compare(have, want); diff != "" {
		t.Errorf("manager fields: (-have +want)\n%s", diff)
	}

	assert.Equal(t, emp.Field("Ver"), emp.Version)
	assert.Equal(t, "Employee", mgr.Field("Name").Declarer.Name)
	assert.Equal(t, "Manager", mgr.Field("Bonus").Declarer.Name)

	dept, _ := r.Class("Dept")
	staff := dept.Field("Staff")
	assert.Equal(t, StrategyToMany, staff.Strategy)
	assert.Equal(t, emp.Field("Dept"), staff.Inverse())
	assert.Equal(t, dept, emp.Field("Dept").TargetClass())

	tag, _ := r.Class("Tag")
	// default table comes from the entity name, not the Go type
	assert.Equal(t, "tag", tag.Table)
	assert.Equal(t, IDUUID, tag.IDStrategy)
	assert.Equal(t, tag.Field("ID"), tag.ID)
	assert.False(t, tag.HasDiscriminator())

	// all columns of the hierarchy
	var cols []string
	for _, f := range emp.TableFields() {
		cols = append(cols, f.Column)
	}
	assert.Equal(t, []string{"id", "name", "dept_id", "boss_id", "hired", "photo", "version", "bonus"}, cols)
}

func TestRegisterErrors(t *testing.T) {
	type noID struct {
		Name string
	}
	type relPK struct {
		ID  *tDept `orm:",pk"`
		Key int64
	}
	type badOpt struct {
		ID int64 `orm:",pk,bogus"`
	}
	type orphan struct {
		tDept // not registered in this repository
		X     int
	}
	type subPK struct {
		tEmp
		Key int64 `orm:",pk"`
	}

	for _, tt := range []struct {
		name   string
		sample interface{}
	}{
		{"no identity", noID{}},
		{"relation pk", relPK{}},
		{"unknown option", badOpt{}},
		{"unregistered superclass", orphan{}},
		{"subclass pk", subPK{}},
		{"not a struct", 17},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRepository()
			defer r.Release()
			_, err := r.Register((*tEmp)(nil))
			require.NoError(t, err)

			_, err = r.Register(tt.sample)
			var merr *MappingError
			require.Error(t, err)
			assert.True(t, errors.As(err, &merr), "%T", err)
		})
	}
}

func TestResolveErrors(t *testing.T) {
	// uuid identity on integer key
	r := NewRepository()
	defer r.Release()
	type badUUID struct {
		ID int64 `orm:",pk,generated=uuid"`
	}
	_, err := r.Register(badUUID{})
	require.NoError(t, err)
	assert.Error(t, r.Resolve())

	// relation to unregistered class
	r2 := NewRepository()
	defer r2.Release()
	_, err = r2.Register(tEmp{})
	require.NoError(t, err)
	err = r2.Resolve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestIDOf(t *testing.T) {
	r := newTestRepo(t)
	defer r.Release()
	mgr, _ := r.Class("Manager")

	m := &tManager{}
	_, ok, err := mgr.IDOf(reflect.ValueOf(m).Elem())
	require.NoError(t, err)
	assert.False(t, ok)

	m.ID = 17
	id, ok, err := mgr.IDOf(reflect.ValueOf(m).Elem())
	require.NoError(t, err)
	assert.True(t, ok)
	// identity is of the hierarchy root
	assert.Equal(t, LongID("Employee", 17), id)

	up, ok := mgr.Upcast(reflect.ValueOf(m), mgr.Super)
	require.True(t, ok)
	assert.Equal(t, &m.tEmp, up.Interface())
}

func TestID(t *testing.T) {
	for _, id := range []ID{
		LongID("Employee", 17),
		LongID("Employee", -3),
		StringID("Tag", "go"),
		StringID("Tag", `with "quote" and : colon`),
	} {
		s := id.String()
		id2, err := ParseID(s)
		require.NoError(t, err, s)
		assert.Equal(t, id, id2, s)
	}

	assert.Equal(t, `Employee:17`, LongID("Employee", 17).String())
	assert.Equal(t, `Tag:"go"`, StringID("Tag", "go").String())

	id, err := NewID("X", uint16(5))
	require.NoError(t, err)
	assert.Equal(t, LongID("X", 5), id)
	assert.NotEqual(t, LongID("X", 5), LongID("Y", 5))
	assert.NotEqual(t, LongID("X", 5), StringID("X", "5"))

	_, err = NewID("X", 1.5)
	assert.Error(t, err)
	_, err = ParseID("nocolon")
	assert.Error(t, err)
	assert.True(t, ID{}.IsZero())
}

func TestCoerce(t *testing.T) {
	tm := time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)
	for _, tt := range []struct {
		kind ValueKind
		in   interface{}
		out  interface{}
	}{
		{KindInt64, int8(-3), int64(-3)},
		{KindInt64, uint32(7), int64(7)},
		{KindInt64, 2.0, int64(2)},
		{KindInt64, "42", int64(42)},
		{KindInt64, []byte("5"), int64(5)},
		{KindFloat64, int64(3), 3.0},
		{KindString, []byte("abc"), "abc"},
		{KindBool, int64(1), true},
		{KindBool, "false", false},
		{KindBytes, "xy", []byte("xy")},
		{KindTime, "2024-03-01 10:20:30", tm},
		{KindTime, "2024-03-01T10:20:30Z", tm},
		{KindInt64, nil, nil},
	} {
		out, err := tt.kind.Coerce(tt.in)
		require.NoError(t, err, "%s %#v", tt.kind, tt.in)
		assert.True(t, Equal(out, tt.out), "%s %#v -> %#v", tt.kind, tt.in, out)
	}

	for _, tt := range []struct {
		kind ValueKind
		in   interface{}
	}{
		{KindInt64, 2.5},
		{KindInt64, uint64(1 << 63)},
		{KindInt64, "x"},
		{KindBool, 1.0},
		{KindTime, 17},
	} {
		_, err := tt.kind.Coerce(tt.in)
		var cerr *CoercionError
		assert.True(t, errors.As(err, &cerr), "%s %#v", tt.kind, tt.in)
	}
}

func TestFromColumnOverflow(t *testing.T) {
	type small struct {
		ID int64 `orm:",pk"`
		N  int8
	}
	r := NewRepository()
	defer r.Release()
	c, err := r.Register(small{})
	require.NoError(t, err)
	require.NoError(t, r.Resolve())

	v := reflect.ValueOf(&small{}).Elem()
	f := c.Field("N")
	require.NoError(t, f.FromColumn(int64(100), f.Value(v)))
	assert.Equal(t, int8(100), v.Interface().(small).N)
	assert.Error(t, f.FromColumn(int64(300), f.Value(v)))
	require.NoError(t, f.FromColumn(nil, f.Value(v)))
	assert.Equal(t, int8(0), v.Interface().(small).N)
}

func TestVersionStrategy(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 1500, time.UTC)
	assert.Equal(t, int64(1), VersionNumber.Initial(now))
	assert.Equal(t, int64(8), VersionNumber.Next(int64(7), now))

	t0 := VersionTimestamp.Initial(now).(time.Time)
	assert.Equal(t, 1000, t0.Nanosecond())
	// clock did not move: still strictly increasing
	t1 := VersionTimestamp.Next(t0, now).(time.Time)
	assert.True(t, t1.After(t0))

	vs, err := ParseVersionStrategy("timestamp")
	require.NoError(t, err)
	assert.Equal(t, VersionTimestamp, vs)
}

func TestCascade(t *testing.T) {
	c, err := ParseCascade("persist|merge")
	require.NoError(t, err)
	assert.Equal(t, CascadePersist|CascadeMerge, c)
	assert.Equal(t, "persist|merge", c.String())
	c, err = ParseCascade("all")
	require.NoError(t, err)
	assert.Equal(t, "all", c.String())
	_, err = ParseCascade("persist|explode")
	assert.Error(t, err)
}

func TestSnake(t *testing.T) {
	for in, out := range map[string]string{
		"Name":       "name",
		"DeptID":     "dept_id",
		"HTTPServer": "http_server",
		"hired_at":   "hired_at",
		"ID":         "id",
	} {
		assert.Equal(t, out, snake(in), in)
	}
}

const testMapping = `
[[class]]
name = "Item"
table = "ITEM"
id_strategy = "sequence"
version_strategy = "number"
discriminator_column = "KIND"

  [[class.field]]
  name = "ID"
  kind = "long"
  pk = true

  [[class.field]]
  name = "Title"
  kind = "string"
  notnull = true

  [[class.field]]
  name = "Ver"
  kind = "long"
  version = true

  [[class.field]]
  name = "Owner"
  target = "Item"

[[class]]
name = "Book"
extends = "Item"
discriminator = "B"

  [[class.field]]
  name = "ISBN"
  column = "isbn"
  kind = "string"
`

func TestDecodeMapping(t *testing.T) {
	m, err := DecodeMapping(testMapping)
	require.NoError(t, err)
	r := NewRepository()
	defer r.Release()
	require.NoError(t, r.Load(m))

	book, err := r.Class("Book")
	require.NoError(t, err)
	assert.Nil(t, book.Type)
	assert.Equal(t, "ITEM", book.Table)
	assert.Equal(t, "KIND", book.DiscriminatorColumn)
	assert.Equal(t, "B", book.DiscriminatorValue)
	assert.Equal(t, IDSequence, book.IDStrategy)
	assert.Equal(t, "owner_id", book.Field("Owner").Column)
	assert.Equal(t, KindInt64, book.Field("Owner").Kind)

	item, _ := r.Class("Item")
	assert.True(t, item.HasDiscriminator())

	// declarative round trip
	r2 := NewRepository()
	defer r2.Release()
	for _, c := range r.Classes() {
		_, err := r2.Define(c.Spec())
		require.NoError(t, err, c.Name)
	}
	require.NoError(t, r2.Resolve())
	for _, c := range r.Classes() {
		c2, err := r2.Class(c.Name)
		require.NoError(t, err)
		if diff := pretty.Compare(c.Spec(), c2.Spec()); diff != "" {
			t.Errorf("%s: spec round trip: (-have +want)\n%s", c.Name, diff)
		}
	}

	_, err = DecodeMapping("[[class]]\nname = \"X\"\ncolour = \"red\"\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colour")
}

func TestRepositoryRefcount(t *testing.T) {
	r := NewRepository()
	closed := 0
	r.OnClose(func() { closed++ })
	r.Acquire()
	r.Release()
	assert.Equal(t, 0, closed)
	r.Release()
	assert.Equal(t, 1, closed)

	_, err := r.Register(tTag{})
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = r.Class("Tag")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Panics(t, func() { r.Acquire() })
}
