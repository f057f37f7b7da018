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

package cache
// in-process caches

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"lab.nexedi.com/nexedi/persist/meta"
)

// DefaultSize is the default number of entries kept by in-process caches.
const DefaultSize = 1000

// LRU is in-process data cache keeping at most size most recently used
// snapshots, each for at most ttl.
type LRU struct {
	lru *expirable.LRU[meta.ID, *Data]
}

var _ DataCache = (*LRU)(nil)

// NewLRU creates new in-process data cache.
//
// size <= 0 means DefaultSize; ttl <= 0 means entries do not expire.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl < 0 {
		ttl = 0
	}
	return &LRU{lru: expirable.NewLRU[meta.ID, *Data](size, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, id meta.ID) (*Data, error) {
	d, _ := c.lru.Get(id)
	return d, nil
}

func (c *LRU) Put(_ context.Context, dv ...*Data) error {
	for _, d := range dv {
		c.lru.Add(d.ID, d)
	}
	return nil
}

func (c *LRU) Evict(_ context.Context, idv ...meta.ID) error {
	for _, id := range idv {
		c.lru.Remove(id)
	}
	return nil
}

func (c *LRU) Clear(context.Context) error {
	c.lru.Purge()
	return nil
}

// Len returns number of cached snapshots.
func (c *LRU) Len() int { return c.lru.Len() }

func (c *LRU) Close() error {
	c.lru.Purge()
	return nil
}
