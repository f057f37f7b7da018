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
// query cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shamaton/msgpack"

	"lab.nexedi.com/nexedi/persist/remote"
)

// QueryKey identifies one cached query execution.
type QueryKey struct {
	Text  string // normalized query text
	Args  string // encoded parameter values, in order
	First int
	Max   int
}

// NewQueryKey returns key of query text executed with args and fetch
// window [first, first+max).
func NewQueryKey(text string, args []interface{}, first, max int) (QueryKey, error) {
	wargs := make([]interface{}, len(args))
	for i, a := range args {
		// distinguish a time from its text form
		if t, ok := a.(time.Time); ok {
			a = []interface{}{"time", t.Format(time.RFC3339Nano)}
		}
		wargs[i] = a
	}
	b, err := msgpack.Encode(wargs)
	if err != nil {
		return QueryKey{}, fmt.Errorf("query key: %w", err)
	}
	return QueryKey{Text: text, Args: string(b), First: first, Max: max}, nil
}

// QueryResult is cached result of one query execution.
//
// Entities in Rows are represented by their meta.ID.
type QueryResult struct {
	Rows    [][]interface{}
	Classes []string   // hierarchy roots of accessed classes
	Rev     remote.Tid // revision the query was executed at
}

// touches returns whether r depends on any of classes.
func (r *QueryResult) touches(classes map[string]bool) bool {
	for _, c := range r.Classes {
		if classes[c] {
			return true
		}
	}
	return false
}

// QueryCache keeps query results.
//
// It is safe for concurrent use.
type QueryCache struct {
	lru *expirable.LRU[QueryKey, *QueryResult]
}

// NewQueryCache creates query cache of at most size entries, each kept at most ttl.
//
// size <= 0 means DefaultSize; ttl <= 0 means entries do not expire.
func NewQueryCache(size int, ttl time.Duration) *QueryCache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl < 0 {
		ttl = 0
	}
	return &QueryCache{lru: expirable.NewLRU[QueryKey, *QueryResult](size, nil, ttl)}
}

// Get returns cached result for key.
func (c *QueryCache) Get(key QueryKey) (*QueryResult, bool) {
	return c.lru.Get(key)
}

// Put remembers result of key. r must not be modified afterwards.
func (c *QueryCache) Put(key QueryKey, r *QueryResult) {
	c.lru.Add(key, r)
}

// Invalidate drops results touching any of classes and returns how many were dropped.
func (c *QueryCache) Invalidate(classes ...string) int {
	if len(classes) == 0 {
		return 0
	}
	set := make(map[string]bool, len(classes))
	for _, class := range classes {
		set[class] = true
	}
	n := 0
	for _, key := range c.lru.Keys() {
		r, ok := c.lru.Peek(key)
		if ok && r.touches(set) {
			c.lru.Remove(key)
			n++
		}
	}
	return n
}

// Clear drops all results.
func (c *QueryCache) Clear() { c.lru.Purge() }

// Len returns number of cached results.
func (c *QueryCache) Len() int { return c.lru.Len() }
