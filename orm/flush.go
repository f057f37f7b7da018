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
// flush: writing changes in foreign key order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/internal/metrics"
	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/store"
)

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

var opNames = [...]string{opInsert: "insert", opUpdate: "update", opDelete: "delete"}

func (k opKind) String() string { return opNames[k] }

// rowOp is one row statement of a flush.
type rowOp struct {
	node    int64
	kind    opKind
	sm      *StateManager
	cur     []interface{} // column values by field Index; insert and update
	cols    []int         // update: indices of changed fields
	version interface{}   // version the statement writes
	rank    int

	// foreign keys written as NULL by the statement and set by a
	// post-update, to break a cycle
	deferred []*meta.FieldMetaData
}

func (op *rowOp) String() string { return op.kind.String() + " " + op.sm.String() }

func (op *rowOp) isDeferred(f *meta.FieldMetaData) bool {
	for _, d := range op.deferred {
		if d == f {
			return true
		}
	}
	return false
}

func (op *rowOp) writes(f *meta.FieldMetaData) bool {
	if op.kind == opInsert {
		return true
	}
	for _, i := range op.cols {
		if i == f.Index {
			return true
		}
	}
	return false
}

// depEdge tells that op from must execute before op to because of foreign
// key field of holder. field is nil when the order comes from a row
// re-inserted with the identity of a deleted one.
type depEdge struct {
	from, to *rowOp
	holder   *rowOp
	field    *meta.FieldMetaData
}

func (e *depEdge) breakable() bool { return e.field != nil && e.field.Nullable }

// nulling is a foreign key set to NULL before other statements run.
type nulling struct {
	op    *rowOp
	field *meta.FieldMetaData
}

// stmt is one SQL statement with its arguments.
type stmt struct {
	sql   string
	args  []interface{}
	op    *rowOp
	kind  string // metrics label
	check bool   // must affect exactly one row of the expected version
}

// flush writes changes of all managed instances to the store transaction.
//
// Any failure dooms the transaction: statements already executed are
// rolled back with it.
func (b *Broker) flush(ctx context.Context) error {
	if b.failure != nil {
		return b.failure
	}
	t0 := time.Now()

	if err := b.reach(ctx); err != nil {
		return b.fail(err)
	}
	ops, err := b.plan(ctx)
	if err != nil {
		return b.fail(err)
	}
	if len(ops) == 0 {
		return nil
	}
	tx, err := b.storeTx(ctx)
	if err != nil {
		return b.fail(err)
	}

	sorted, pre, err := b.order(ops)
	if err != nil {
		return b.fail(err)
	}
	for _, op := range ops {
		if op.sm.base == nil {
			op.sm.base = op.sm.save()
		}
	}
	if err := b.execute(ctx, tx, sorted, pre); err != nil {
		return b.fail(err)
	}

	for _, op := range sorted {
		sm := op.sm
		sm.dirty.clear()
		switch op.kind {
		case opInsert:
			sm.inStore = true
			sm.loaded = op.cur
			b.changes.record(sm, changeAdded)
		case opUpdate:
			sm.loaded = op.cur
			b.changes.record(sm, changeUpdated)
		case opDelete:
			sm.inStore = false
			b.changes.record(sm, changeDeleted)
		}
		if op.kind != opDelete {
			if err := sm.setVersion(op.version); err != nil {
				return b.fail(&StoreError{"flush " + sm.String(), err})
			}
		}
	}
	for _, op := range sorted {
		ev := [...]Event{opInsert: PostPersist, opUpdate: PostUpdate, opDelete: PostRemove}[op.kind]
		if err := b.fire(ctx, ev, op.sm.Object()); err != nil {
			return b.fail(err)
		}
	}

	metrics.FlushDuration.Observe(time.Since(t0).Seconds())
	if log.V(1) {
		log.Infof(ctx, "orm: flushed %d rows in %s", len(ops), sinceStart(t0))
	}
	return nil
}

// reach persists unmanaged instances referenced from managed ones through
// relations with cascade=persist; other unmanaged references are an error.
func (b *Broker) reach(ctx context.Context) error {
	// smv grows while persisting
	for i := 0; i < len(b.smv); i++ {
		sm := b.smv[i]
		switch sm.state {
		case PersistentNew, PersistentClean, PersistentDirty:
		default:
			continue
		}
		for _, f := range sm.class.Fields {
			if !f.Strategy.Relation() {
				continue
			}
			err := b.eachRef(ctx, sm, f, false, func(ref interface{}) error {
				p := persistentOf(ref)
				switch {
				case p.sm != nil && p.sm.broker == b:
					return nil
				case p.sm != nil:
					return userErrorf("flush", ref, "referenced from %s.%s is managed by another broker", sm, f.Name)
				case f.Cascade&meta.CascadePersist != 0:
					return b.persist(ctx, ref)
				}
				return userErrorf("flush", ref, "referenced from %s.%s is not persistent", sm, f.Name)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// plan returns row operations needed to write changes of managed
// instances, in the order the instances became managed.
func (b *Broker) plan(ctx context.Context) ([]*rowOp, error) {
	now := time.Now()
	var ops []*rowOp
	for _, sm := range b.smv {
		var op *rowOp
		switch {
		case sm.state == PersistentDeleted:
			if !sm.inStore {
				continue
			}
			op = &rowOp{kind: opDelete, sm: sm}

		case sm.state == PersistentNew && !sm.inStore:
			cur, err := sm.current()
			if err != nil {
				return nil, &UserError{Op: "flush", Obj: sm.String(), Err: err}
			}
			op = &rowOp{kind: opInsert, sm: sm, cur: cur}
			op.version = sm.class.Root().VersionStrategy.Initial(now)

		case sm.state == PersistentNew || sm.state == PersistentClean || sm.state == PersistentDirty:
			cur, err := sm.current()
			if err != nil {
				return nil, &UserError{Op: "flush", Obj: sm.String(), Err: err}
			}
			if len(sm.changed(cur)) == 0 {
				continue
			}
			if err := b.fire(ctx, PreUpdate, sm.Object()); err != nil {
				return nil, err
			}
			// the callback may change fields too
			if cur, err = sm.current(); err != nil {
				return nil, &UserError{Op: "flush", Obj: sm.String(), Err: err}
			}
			cols := sm.changed(cur)
			if len(cols) == 0 {
				continue
			}
			if sm.state == PersistentClean {
				sm.state = PersistentDirty
			}
			op = &rowOp{kind: opUpdate, sm: sm, cur: cur, cols: cols}
			op.version = sm.class.Root().VersionStrategy.Next(sm.version, now)

		default:
			continue
		}

		if vf := sm.class.Version; vf != nil && op.cur != nil {
			op.cur[vf.Index] = op.version
		}
		op.node = int64(len(ops))
		ops = append(ops, op)
	}
	return ops, nil
}

// order sorts ops so that every foreign key references an existing row
// when its statement runs. Cycles are broken by deferring nullable foreign
// keys to post-updates or by nulling them before deletes; the returned
// nullings run first.
func (b *Broker) order(ops []*rowOp) (sorted []*rowOp, pre []nulling, err error) {
	g := simple.NewDirectedGraph()
	for _, op := range ops {
		g.AddNode(simple.Node(op.node))
	}

	edges := map[[2]int64][]*depEdge{}
	addEdge := func(e *depEdge) {
		if e.from == e.to {
			return
		}
		k := [2]int64{e.from.node, e.to.node}
		if len(edges[k]) == 0 {
			g.SetEdge(g.NewEdge(simple.Node(e.from.node), simple.Node(e.to.node)))
		}
		edges[k] = append(edges[k], e)
	}

	inserted := map[meta.ID]*rowOp{}
	deleted := map[meta.ID]*rowOp{}
	for _, op := range ops {
		switch op.kind {
		case opInsert:
			inserted[op.sm.id] = op
		case opDelete:
			deleted[op.sm.id] = op
		}
	}

	for _, op := range ops {
		if op.kind == opInsert {
			if dop := deleted[op.sm.id]; dop != nil {
				addEdge(&depEdge{from: dop, to: op})
			}
		}
		for _, f := range op.sm.class.Fields {
			if f.Strategy != meta.StrategyToOne {
				continue
			}
			// the row must reference only rows already inserted
			if op.kind != opDelete && op.writes(f) {
				if id, ok := refID(f, op.cur[f.Index]); ok {
					if iop := inserted[id]; iop != nil {
						addEdge(&depEdge{from: iop, to: op, holder: op, field: f})
					}
				}
			}
			// the row must stop referencing rows before they are deleted
			if op.kind == opDelete || (op.kind == opUpdate && op.writes(f)) {
				if id, ok := refID(f, op.sm.loaded[f.Index]); ok {
					if dop := deleted[id]; dop != nil {
						addEdge(&depEdge{from: op, to: dop, holder: op, field: f})
					}
				}
			}
		}
	}

	deferOK := b.f.cfg.DeferConstraints && b.f.st.Dialect().DeferredConstraints()
	var nodev []graph.Node
	for {
		nodev, err = topo.SortStabilized(g, nil)
		if err == nil {
			break
		}
		var cycles topo.Unorderable
		if !errors.As(err, &cycles) {
			return nil, nil, err
		}
		for _, scc := range cycles {
			if err := breakCycle(g, scc, edges, ops, deferOK, &pre); err != nil {
				return nil, nil, err
			}
		}
	}

	for _, n := range nodev {
		op := ops[n.ID()]
		succ := g.From(n.ID())
		for succ.Next() {
			next := ops[succ.Node().ID()]
			if next.rank < op.rank+1 {
				next.rank = op.rank + 1
			}
		}
		sorted = append(sorted, op)
	}
	return sorted, pre, nil
}

// refID returns identity referenced by foreign key value key of f.
func refID(f *meta.FieldMetaData, key interface{}) (meta.ID, bool) {
	if key == nil {
		return meta.ID{}, false
	}
	id, err := f.TargetClass().NewID(key)
	return id, err == nil
}

// breakCycle removes one dependency of strongly connected component scc.
func breakCycle(g *simple.DirectedGraph, scc []graph.Node, edges map[[2]int64][]*depEdge, ops []*rowOp, deferOK bool, pre *[]nulling) error {
	in := map[int64]bool{}
	var idv []int64
	for _, n := range scc {
		in[n.ID()] = true
		idv = append(idv, n.ID())
	}
	sort.Slice(idv, func(i, j int) bool { return idv[i] < idv[j] })

	// dependencies inside scc, deterministically
	var keys [][2]int64
	for _, u := range idv {
		var vv []int64
		it := g.From(u)
		for it.Next() {
			if v := it.Node().ID(); in[v] {
				vv = append(vv, v)
			}
		}
		sort.Slice(vv, func(i, j int) bool { return vv[i] < vv[j] })
		for _, v := range vv {
			keys = append(keys, [2]int64{u, v})
		}
	}

	for _, k := range keys {
		ev := edges[k]
		ok := true
		for _, e := range ev {
			ok = ok && e.breakable()
		}
		if !ok {
			continue
		}
		g.RemoveEdge(k[0], k[1])
		for _, e := range ev {
			if e.to.kind == opDelete && e.holder == e.from {
				*pre = append(*pre, nulling{e.holder, e.field})
			} else if !e.holder.isDeferred(e.field) {
				e.holder.deferred = append(e.holder.deferred, e.field)
			}
		}
		return nil
	}

	if deferOK {
		for _, k := range keys {
			fk := true
			for _, e := range edges[k] {
				fk = fk && e.field != nil
			}
			if fk {
				// checked at commit
				g.RemoveEdge(k[0], k[1])
				return nil
			}
		}
	}

	var what []string
	for _, id := range idv {
		what = append(what, ops[id].String())
	}
	return &ConfigError{fmt.Errorf("cycle of non-nullable foreign keys: %s", strings.Join(what, ", "))}
}

// execute runs nullings, row statements rank by rank, and post-updates.
func (b *Broker) execute(ctx context.Context, tx store.Tx, sorted []*rowOp, pre []nulling) error {
	d := b.f.st.Dialect()

	var stmtv []*stmt
	for _, n := range pre {
		root := n.op.sm.class.Root()
		stmtv = append(stmtv, &stmt{
			sql:  fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s", root.Table, n.field.Column, root.ID.Column, d.Placeholder(1)),
			args: []interface{}{n.op.sm.id.Key()},
			op:   n.op,
			kind: "postupdate",
		})
	}
	if err := b.run(ctx, tx, stmtv); err != nil {
		return err
	}

	byRank := map[int][]*rowOp{}
	maxRank := 0
	for _, op := range sorted {
		byRank[op.rank] = append(byRank[op.rank], op)
		if op.rank > maxRank {
			maxRank = op.rank
		}
	}
	for r := 0; r <= maxRank; r++ {
		stmtv = stmtv[:0]
		for _, op := range byRank[r] {
			stmtv = append(stmtv, rowStmt(d, op))
		}
		if err := b.run(ctx, tx, stmtv); err != nil {
			return err
		}
	}

	stmtv = stmtv[:0]
	for _, op := range sorted {
		root := op.sm.class.Root()
		for _, f := range op.deferred {
			stmtv = append(stmtv, &stmt{
				sql:  fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s", root.Table, f.Column, d.Placeholder(1), root.ID.Column, d.Placeholder(2)),
				args: []interface{}{op.cur[f.Index], op.sm.id.Key()},
				op:   op,
				kind: "postupdate",
			})
		}
	}
	return b.run(ctx, tx, stmtv)
}

// rowStmt returns the statement of op.
func rowStmt(d store.Dialect, op *rowOp) *stmt {
	sm := op.sm
	class := sm.class
	root := class.Root()
	vf := class.Version
	var args []interface{}
	ph := func(v interface{}) string {
		args = append(args, v)
		return d.Placeholder(len(args))
	}
	value := func(f *meta.FieldMetaData) interface{} {
		if op.isDeferred(f) {
			return nil
		}
		return op.cur[f.Index]
	}

	s := &stmt{op: op, kind: op.kind.String(), check: op.kind != opInsert}
	switch op.kind {
	case opInsert:
		var colv, phv []string
		for _, f := range class.Fields {
			if !f.Strategy.HasColumn() {
				continue
			}
			colv = append(colv, f.Column)
			phv = append(phv, ph(value(f)))
		}
		if root.HasDiscriminator() {
			colv = append(colv, root.DiscriminatorColumn)
			phv = append(phv, ph(class.DiscriminatorValue))
		}
		s.sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", root.Table, strings.Join(colv, ", "), strings.Join(phv, ", "))

	case opUpdate:
		var setv []string
		for _, i := range op.cols {
			f := class.Fields[i]
			setv = append(setv, f.Column+" = "+ph(value(f)))
		}
		if vf != nil {
			setv = append(setv, vf.Column+" = "+ph(op.version))
		}
		s.sql = fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", root.Table, strings.Join(setv, ", "), root.ID.Column, ph(sm.id.Key()))
		if vf != nil {
			s.sql += fmt.Sprintf(" AND %s = %s", vf.Column, ph(sm.version))
		}

	case opDelete:
		s.sql = fmt.Sprintf("DELETE FROM %s WHERE %s = %s", root.Table, root.ID.Column, ph(sm.id.Key()))
		if vf != nil {
			s.sql += fmt.Sprintf(" AND %s = %s", vf.Column, ph(sm.version))
		}
	}
	s.args = args
	return s
}

// run executes stmtv grouping statements of the same text into batches, in
// order of their first appearance.
func (b *Broker) run(ctx context.Context, tx store.Tx, stmtv []*stmt) error {
	var sqlv []string
	groups := map[string][]*stmt{}
	for _, s := range stmtv {
		if _, ok := groups[s.sql]; !ok {
			sqlv = append(sqlv, s.sql)
		}
		groups[s.sql] = append(groups[s.sql], s)
	}

	for _, sql := range sqlv {
		group := groups[sql]
		argv := make([][]interface{}, len(group))
		for i, s := range group {
			argv[i] = s.args
		}
		if log.V(2) {
			log.Infof(ctx, "orm: flush: %s %v", sql, argv)
		}
		nv, err := tx.ExecBatch(ctx, sql, argv)
		if err != nil {
			return &StoreError{"flush", err}
		}
		metrics.Statements.WithLabelValues(group[0].kind).Add(float64(len(group)))
		for i, n := range nv {
			s := group[i]
			if n == 1 {
				continue
			}
			if s.check {
				metrics.OptimisticFailures.Inc()
				b.f.cacheEvict(ctx, s.op.sm.id)
				return &OptimisticLockError{ID: s.op.sm.id, Version: s.op.sm.version}
			}
			return &StoreError{"flush " + s.op.String(), errorf("%d rows affected", n)}
		}
	}
	return nil
}

// dirtyIn returns whether instances of hierarchies roots have changes not
// yet flushed.
func (b *Broker) dirtyIn(roots map[string]bool) bool {
	for _, sm := range b.smv {
		if !roots[sm.class.Root().Name] {
			continue
		}
		switch sm.state {
		case PersistentDeleted:
			if sm.inStore {
				return true
			}
		case PersistentNew, PersistentClean, PersistentDirty:
			if sm.state == PersistentNew && !sm.inStore {
				return true
			}
			if len(sm.changed(b.currentOrNil(sm))) > 0 {
				return true
			}
		}
	}
	return false
}
