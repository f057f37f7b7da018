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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/nexedi/persist/cache"
	"lab.nexedi.com/nexedi/persist/orm"
)

func rename(t *testing.T, f *orm.Factory, id int64, name string) {
	t.Helper()
	b := f.NewBroker()
	defer b.Close(context.Background())
	ctx, err := b.Begin(context.Background())
	require.NoError(t, err)
	x, err := orm.Find[Emp](ctx, b, id)
	require.NoError(t, err)
	require.NotNil(t, x)
	x.Name = name
	require.NoError(t, b.Commit(ctx))
}

func TestDataCache(t *testing.T) {
	e := newEnv(t, &orm.Config{DataCache: orm.CacheConfig{Plugin: "lru", Size: 100}})
	_, alice, _ := e.seed()
	lru, ok := e.f.DataCache().(*cache.LRU)
	require.True(t, ok, "%T", e.f.DataCache())
	assert.Equal(t, 0, lru.Len())

	a, err := orm.Find[Emp](e.ctx, e.f.NewBroker(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "R&D", a.Dept.Name)
	assert.Equal(t, 2, lru.Len())

	// another broker reads through the cache
	e.reset()
	a2, err := orm.Find[Emp](e.ctx, e.f.NewBroker(), alice.ID)
	require.NoError(t, err)
	assert.NotSame(t, a, a2)
	assert.Equal(t, "alice", a2.Name)
	assert.Equal(t, "R&D", a2.Dept.Name)
	assert.Empty(t, e.traced("query"))

	// commit evicts what it changed
	rename(t, e.f, alice.ID, "alicia")
	assert.Equal(t, 1, lru.Len())

	e.reset()
	a3, err := orm.Find[Emp](e.ctx, e.f.NewBroker(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alicia", a3.Name)
	assert.Len(t, e.traced("query"), 1)

	require.NoError(t, e.f.EvictAll(e.ctx))
	assert.Equal(t, 0, lru.Len())
}

func TestRemoteInvalidation(t *testing.T) {
	cfg := &orm.Config{
		DataCache: orm.CacheConfig{Plugin: "lru", Size: 100},
		Remote:    orm.RemoteConfig{URL: "local://" + t.Name()},
	}
	e := newEnv(t, cfg)
	f2 := e.open(cfg, false)
	assert.NotEqual(t, e.f.Source(), f2.Source())

	_, alice, _ := e.seed()
	a, err := orm.Find[Emp](e.ctx, f2.NewBroker(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Name)

	rename(t, e.f, alice.ID, "alicia")

	// f2 serves its cached copy until the commit event reaches it
	require.Eventually(t, func() bool {
		x, err := orm.Find[Emp](e.ctx, f2.NewBroker(), alice.ID)
		return err == nil && x.Name == "alicia"
	}, 5*time.Second, 10*time.Millisecond)

	// and the other way round
	rename(t, f2, alice.ID, "alice")
	require.Eventually(t, func() bool {
		x, err := orm.Find[Emp](e.ctx, e.f.NewBroker(), alice.ID)
		return err == nil && x.Name == "alice"
	}, 5*time.Second, 10*time.Millisecond)
}
