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

package orm
// queries

import (
	"context"
	"fmt"
	"reflect"

	"lab.nexedi.com/nexedi/persist/cache"
	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/internal/metrics"
	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/query"
	"lab.nexedi.com/nexedi/persist/remote"
	"lab.nexedi.com/nexedi/persist/store"
)

// Query is a JPQL query prepared by a broker.
//
// Results are managed instances of the broker for entity projections and
// column values for scalar ones. A query with one projection returns its
// values directly; with several, every result is []interface{}.
type Query struct {
	b  *Broker
	cq *query.Compiled

	named      map[string]interface{}
	positional map[int]interface{}
	first      int
	max        int // < 0: all
	cacheable  bool
}

// NewQuery compiles JPQL text q for execution by b.
func (b *Broker) NewQuery(q string) (*Query, error) {
	if err := b.checkOpen("query"); err != nil {
		return nil, err
	}
	cq, err := b.f.compile(q)
	if err != nil {
		return nil, &UserError{Op: "query", Err: err}
	}
	return &Query{
		b:          b,
		cq:         cq,
		named:      map[string]interface{}{},
		positional: map[int]interface{}{},
		max:        -1,
		cacheable:  true,
	}, nil
}

// SetParameter sets value of named parameter :name.
//
// An entity value stands for its primary key.
func (q *Query) SetParameter(name string, v interface{}) *Query {
	q.named[name] = v
	return q
}

// SetPositional sets value of positional parameter ?pos.
func (q *Query) SetPositional(pos int, v interface{}) *Query {
	q.positional[pos] = v
	return q
}

// SetFirstResult skips the first n results.
func (q *Query) SetFirstResult(n int) *Query {
	q.first = n
	return q
}

// SetMaxResults limits number of results to n; n < 0 removes the limit.
func (q *Query) SetMaxResults(n int) *Query {
	q.max = n
	return q
}

// SetCache tells whether results may come from and go to the query cache.
func (q *Query) SetCache(ok bool) *Query {
	q.cacheable = ok
	return q
}

// SQL returns SQL the query executes, with pagination applied.
func (q *Query) SQL() string { return q.cq.SQLFor(q.first, q.max) }

// Text returns normalized query text.
func (q *Query) Text() string { return q.cq.Text }

// ParamNames returns names of named parameters of the query.
func (q *Query) ParamNames() []string { return q.cq.ParamNames() }

// SingleResult executes the query and returns its only result.
//
// NotFoundError is returned if there are no results; UserError if there is
// more than one.
func (q *Query) SingleResult(ctx context.Context) (interface{}, error) {
	resv, err := q.ResultList(ctx)
	if err != nil {
		return nil, err
	}
	switch len(resv) {
	case 0:
		return nil, &NotFoundError{Class: "result of " + q.cq.Text}
	case 1:
		return resv[0], nil
	}
	return nil, userErrorf("query", nil, "%s: %d results; expected one", q.cq.Text, len(resv))
}

// ResultList executes the query and returns its results.
func (q *Query) ResultList(ctx context.Context) (_ []interface{}, err error) {
	b := q.b
	f := b.f
	if err := b.checkOpen("query"); err != nil {
		return nil, err
	}
	cq := q.cq

	argv, err := cq.Args(q.named, q.positional)
	if err != nil {
		return nil, &UserError{Op: "query", Err: err}
	}
	for i, arg := range argv {
		if argv[i], err = b.paramValue(arg); err != nil {
			return nil, err
		}
	}

	roots := map[string]bool{}
	var rootv []string
	for _, c := range cq.Classes {
		root := c.Root().Name
		if !roots[root] {
			roots[root] = true
			rootv = append(rootv, root)
		}
	}

	// see own changes
	if *f.cfg.FlushBeforeQueries && b.txn != nil && b.dirtyIn(roots) {
		if err := b.flush(ctx); err != nil {
			return nil, err
		}
	}

	useCache := q.cacheable && f.queryCache != nil && b.tx == nil && !b.dirtyIn(roots) && !constructs(cq)
	var key cache.QueryKey
	if useCache {
		key, err = cache.NewQueryKey(cq.Text, argv, q.first, q.max)
		if err != nil {
			log.Warningf(ctx, "orm: query cache: %s", err)
			useCache = false
		}
	}
	if useCache {
		resv, ok, err := q.fromCache(ctx, key)
		if err != nil || ok {
			return resv, err
		}
	}

	rev := f.log.Head()
	rows, err := b.querier().Query(ctx, q.SQL(), argv...)
	if err != nil {
		return nil, &StoreError{"query", err}
	}
	rowv, err := store.Collect(rows)
	if err != nil {
		return nil, &StoreError{"query", err}
	}

	resv := make([]interface{}, 0, len(rowv))
	idrows := make([][]interface{}, 0, len(rowv))
	visible := len(cq.Visible())
	for _, row := range rowv {
		valv := make([]interface{}, visible)
		idv := make([]interface{}, visible)
		for i, p := range cq.Projections {
			v, id, err := b.project(ctx, p, row, rev)
			if err != nil {
				return nil, err
			}
			if i < visible {
				valv[i] = v
				idv[i] = id
			}
		}
		idrows = append(idrows, idv)
		resv = append(resv, result(valv))
	}

	if useCache && !q.changedSince(rootv, rev) {
		f.queryCache.Put(key, &cache.QueryResult{Rows: idrows, Classes: rootv, Rev: rev})
	}
	return resv, nil
}

func result(valv []interface{}) interface{} {
	if len(valv) == 1 {
		return valv[0]
	}
	return valv
}

// constructs returns whether cq builds values with NEW.
func constructs(cq *query.Compiled) bool {
	for _, p := range cq.Projections {
		if p.Kind == query.ProjNew {
			return true
		}
	}
	return false
}

func (q *Query) changedSince(rootv []string, rev remote.Tid) bool {
	for _, root := range rootv {
		if q.b.f.log.ClassChangedSince(root, rev) {
			return true
		}
	}
	return false
}

// fromCache returns results of q from the query cache; ok=false if they are
// missing or stale.
func (q *Query) fromCache(ctx context.Context, key cache.QueryKey) (_ []interface{}, ok bool, _ error) {
	f := q.b.f
	r, hit := f.queryCache.Get(key)
	switch {
	case !hit:
		metrics.CacheAccess.WithLabelValues("query", "miss").Inc()
		return nil, false, nil
	case q.changedSince(r.Classes, r.Rev):
		metrics.CacheAccess.WithLabelValues("query", "stale").Inc()
		return nil, false, nil
	}

	resv := make([]interface{}, 0, len(r.Rows))
	for _, row := range r.Rows {
		valv := make([]interface{}, len(row))
		for i, x := range row {
			id, entity := x.(meta.ID)
			if !entity {
				valv[i] = x
				continue
			}
			class, err := f.repo.Class(id.Class)
			if err != nil {
				return nil, false, &StoreError{"query", err}
			}
			sm, err := q.b.find(ctx, class, id)
			if err != nil {
				return nil, false, err
			}
			if sm == nil {
				// removed meanwhile
				metrics.CacheAccess.WithLabelValues("query", "stale").Inc()
				return nil, false, nil
			}
			valv[i] = sm.Object()
		}
		resv = append(resv, result(valv))
	}
	metrics.CacheAccess.WithLabelValues("query", "hit").Inc()
	return resv, true, nil
}

// project returns value of projection p out of row, and its form kept in
// the query cache.
func (b *Broker) project(ctx context.Context, p *query.Projection, row []interface{}, rev remote.Tid) (v, cached interface{}, err error) {
	switch p.Kind {
	case query.ProjScalar:
		v = row[p.Offset]
		if p.ValueKind != meta.KindNone {
			if v, err = p.ValueKind.Coerce(v); err != nil {
				return nil, nil, &StoreError{"query", err}
			}
		}
		return v, v, nil

	case query.ProjEntity:
		d, err := rowData(p.Class.Root(), row, p.Offset, rev)
		if err != nil {
			return nil, nil, &StoreError{"query", err}
		}
		if d == nil {
			return nil, nil, nil
		}
		if sm := b.objs[d.ID]; sm == nil || sm.state == Hollow {
			b.remember(ctx, d)
		}
		sm, err := b.materialize(ctx, d)
		if err != nil {
			return nil, nil, err
		}
		return sm.Object(), d.ID, nil

	case query.ProjNew:
		// registered at compilation; constructors are never unregistered
		ctor, _ := b.f.repo.Constructor(p.Ctor)
		argv := make([]interface{}, len(p.Args))
		for i, ap := range p.Args {
			if argv[i], _, err = b.project(ctx, ap, row, rev); err != nil {
				return nil, nil, err
			}
		}
		if v, err = ctor(argv); err != nil {
			return nil, nil, &UserError{Op: "query", Obj: "NEW " + p.Ctor, Err: err}
		}
		return v, nil, nil
	}
	panic(fmt.Sprintf("projection kind %d", p.Kind))
}

// paramValue returns statement argument for parameter value v: entities
// stand for their keys.
func (b *Broker) paramValue(v interface{}) (interface{}, error) {
	if v == nil || persistentOf(v) == nil {
		return v, nil
	}
	if sm := b.StateManager(v); sm != nil {
		return sm.id.Key(), nil
	}
	class, err := b.classOf("query", v)
	if err != nil {
		return nil, err
	}
	id, ok, err := class.IDOf(reflect.ValueOf(v).Elem())
	if err != nil || !ok {
		return nil, userErrorf("query", v, "entity parameter without identity")
	}
	return id.Key(), nil
}
