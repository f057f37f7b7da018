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


package rediscache

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/nexedi/persist/cache"
	"lab.nexedi.com/nexedi/persist/meta"
)

// PERSIST_TEST_REDIS is URL of redis server to test against, e.g. redis://localhost:6379/0.
func redisURL(t *testing.T) string {
	u := os.Getenv("PERSIST_TEST_REDIS")
	if u == "" {
		t.Skip("PERSIST_TEST_REDIS not set")
	}
	return u
}

type Blob struct {
	ID   int64  `orm:"id,pk"`
	Data []byte `orm:"data"`
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	repo := meta.NewRepository()
	defer repo.Release()
	_, err := repo.Register((*Blob)(nil))
	require.NoError(t, err)
	require.NoError(t, repo.Resolve())

	c, err := Open(ctx, redisURL(t), repo, Options{Prefix: "persist.test." + t.Name() + ":"})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Clear(ctx))

	small := &cache.Data{ID: meta.LongID("Blob", 1), Class: "Blob", Values: []interface{}{int64(1), []byte("x")}, Rev: 5}
	big := &cache.Data{ID: meta.LongID("Blob", 2), Class: "Blob", Values: []interface{}{int64(2), bytes.Repeat([]byte("ab"), 4*CompressAbove)}, Rev: 6}
	require.NoError(t, c.Put(ctx, small, big))

	for _, d := range []*cache.Data{small, big} {
		got, err := c.Get(ctx, d.ID)
		require.NoError(t, err)
		require.NotNil(t, got, d.ID)
		assert.Equal(t, d.Values, got.Values)
		assert.Equal(t, d.Rev, got.Rev)
	}

	require.NoError(t, c.Evict(ctx, small.ID))
	got, err := c.Get(ctx, small.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Clear(ctx))
	got, err = c.Get(ctx, big.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
