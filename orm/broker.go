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
// persistence context

import (
	"context"
	"reflect"

	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/internal/metrics"
	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
	"lab.nexedi.com/nexedi/persist/store"
	"lab.nexedi.com/nexedi/persist/transaction"
)

// Broker is a persistence context: the identity map of instances one
// logical transaction works with.
//
// A Broker must not be used from several goroutines simultaneously.
type Broker struct {
	f *Factory

	objs map[meta.ID]*StateManager
	smv  []*StateManager // managed instances in the order they became managed
	seq  int

	txn     transaction.Transaction // nil outside of transaction
	joined  bool
	tx      store.Tx // open store transaction, if any
	seqs    map[string]*seqBlock
	changes changeSet
	failure error // why the current transaction cannot commit

	closed bool
}

func newBroker(f *Factory) *Broker {
	return &Broker{
		f:    f,
		objs: map[meta.ID]*StateManager{},
		seqs: map[string]*seqBlock{},
	}
}

// Factory returns factory the broker was opened from.
func (b *Broker) Factory() *Factory { return b.f }

// Transaction returns current transaction of the broker, or nil.
func (b *Broker) Transaction() transaction.Transaction { return b.txn }

// Len returns the number of managed instances.
func (b *Broker) Len() int { return len(b.smv) }

// StateManager returns state manager of obj if b manages it.
func (b *Broker) StateManager(obj interface{}) *StateManager {
	p := persistentOf(obj)
	if p == nil || p.sm == nil || p.sm.broker != b {
		return nil
	}
	return p.sm
}

// Contains returns whether obj is managed by b and not removed.
func (b *Broker) Contains(obj interface{}) bool {
	sm := b.StateManager(obj)
	return sm != nil && sm.state != PersistentDeleted
}

// ---- identity map ----

func (b *Broker) newSM(class *meta.ClassMetaData, obj reflect.Value) *StateManager {
	sm := &StateManager{broker: b, class: class, obj: obj}
	persistentOf(obj.Interface()).sm = sm
	return sm
}

func (b *Broker) manage(sm *StateManager) {
	sm.seq = b.seq
	b.seq++
	b.smv = append(b.smv, sm)
	b.objs[sm.id] = sm
}

// drop makes sm's instance unmanaged: detached if it has a row in the
// store, transient otherwise. The caller removes sm from smv.
func (b *Broker) drop(sm *StateManager, detached bool) {
	if b.objs[sm.id] == sm {
		delete(b.objs, sm.id)
	}
	p := persistentOf(sm.Object())
	p.sm = nil
	p.detached = detached
	if detached {
		sm.state = Detached
	} else {
		sm.state = Transient
	}
}

// compact removes unmanaged entries from smv and reindexes objs.
func (b *Broker) compact() {
	v := b.smv[:0]
	for _, sm := range b.smv {
		if sm.state != Transient && sm.state != Detached {
			v = append(v, sm)
		}
	}
	for i := len(v); i < len(b.smv); i++ {
		b.smv[i] = nil
	}
	b.smv = v

	b.objs = make(map[meta.ID]*StateManager, len(v))
	for _, sm := range v {
		// a removed instance yields its identity to one persisted again
		if old := b.objs[sm.id]; old == nil || old.state == PersistentDeleted {
			b.objs[sm.id] = sm
		}
	}
}

// classOf returns class of entity pointer obj.
func (b *Broker) classOf(op string, obj interface{}) (*meta.ClassMetaData, error) {
	if persistentOf(obj) == nil {
		return nil, userErrorf(op, nil, "%T is not a pointer to entity", obj)
	}
	class, err := b.f.repo.ClassOf(reflect.TypeOf(obj))
	if err != nil {
		return nil, &UserError{Op: op, Obj: describe(obj), Err: err}
	}
	return class, nil
}

// managed returns state manager of obj, which must be managed by b.
func (b *Broker) managed(op string, obj interface{}) (*StateManager, error) {
	if err := b.checkOpen(op); err != nil {
		return nil, err
	}
	p := persistentOf(obj)
	switch {
	case p == nil:
		return nil, userErrorf(op, nil, "%T is not a pointer to entity", obj)
	case p.sm == nil:
		return nil, userErrorf(op, obj, "instance is not managed")
	case p.sm.broker != b:
		return nil, userErrorf(op, obj, "instance is managed by another broker")
	}
	return p.sm, nil
}

func (b *Broker) checkOpen(op string) error {
	if b.closed {
		return userErrorf(op, nil, "broker is closed")
	}
	return nil
}

func (b *Broker) checkTxn(op string) error {
	if err := b.checkOpen(op); err != nil {
		return err
	}
	if b.txn == nil {
		return userErrorf(op, nil, "no transaction")
	}
	return nil
}

// ---- operations ----

// Persist makes transient instance obj managed and scheduled for insert.
//
// Identity is generated now if the class generates it. Instances reachable
// through relations with cascade=persist are persisted too.
func (b *Broker) Persist(ctx context.Context, obj interface{}) error {
	if err := b.checkTxn("persist"); err != nil {
		return err
	}
	return b.persist(ctx, obj)
}

func (b *Broker) persist(ctx context.Context, obj interface{}) error {
	p := persistentOf(obj)
	if p == nil {
		return userErrorf("persist", nil, "%T is not a pointer to entity", obj)
	}
	if sm := p.sm; sm != nil {
		if sm.broker != b {
			return userErrorf("persist", obj, "instance is managed by another broker")
		}
		if sm.state == PersistentDeleted {
			if old := b.objs[sm.id]; old != sm && old != nil {
				return userErrorf("persist", obj, "identity is taken by another instance")
			}
			b.objs[sm.id] = sm
			if sm.inStore {
				sm.state = PersistentDirty
			} else {
				sm.state = PersistentNew
			}
		}
		return b.cascade(ctx, sm, meta.CascadePersist, b.persist)
	}
	if p.detached {
		return userErrorf("persist", obj, "instance is detached; use Merge")
	}

	class, err := b.classOf("persist", obj)
	if err != nil {
		return err
	}
	if err := b.fire(ctx, PrePersist, obj); err != nil {
		return err
	}

	sm := &StateManager{broker: b, class: class, obj: reflect.ValueOf(obj)}
	if err := b.assignID(ctx, sm); err != nil {
		return err
	}
	id, ok, err := class.IDOf(sm.obj.Elem())
	if err != nil {
		return &UserError{Op: "persist", Obj: describe(obj), Err: err}
	}
	if !ok {
		return userErrorf("persist", obj, "identity is not set")
	}
	if old := b.objs[id]; old != nil && old.state != PersistentDeleted {
		return userErrorf("persist", obj, "%s is already managed", id)
	}

	p.sm = sm
	sm.id = id
	sm.state = PersistentNew
	sm.base = &snapshot{state: Transient}
	b.manage(sm)
	b.join()
	return b.cascade(ctx, sm, meta.CascadePersist, b.persist)
}

// cascade calls op for instances sm references through relations with
// cascade flag c.
func (b *Broker) cascade(ctx context.Context, sm *StateManager, c meta.Cascade, op func(context.Context, interface{}) error) error {
	for _, f := range sm.class.Fields {
		if f.Cascade&c == 0 {
			continue
		}
		err := b.eachRef(ctx, sm, f, c == meta.CascadeRemove, func(ref interface{}) error {
			return op(ctx, ref)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// eachRef calls fn for every instance referenced through relation field f
// of sm. If load is set, a lazy collection not loaded yet is loaded first.
func (b *Broker) eachRef(ctx context.Context, sm *StateManager, f *meta.FieldMetaData, load bool, fn func(interface{}) error) error {
	fv := sm.field(f)
	switch f.Strategy {
	case meta.StrategyToOne:
		if fv.IsNil() {
			return nil
		}
		return fn(fv.Interface())

	case meta.StrategyToMany:
		if fv.IsNil() && load && f.Lazy && sm.inStore {
			if err := b.loadCollection(ctx, sm, f); err != nil {
				return err
			}
		}
		for i := 0; i < fv.Len(); i++ {
			if ev := fv.Index(i); !ev.IsNil() {
				if err := fn(ev.Interface()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Remove schedules managed instance obj for delete.
//
// Instances reachable through relations with cascade=remove are removed
// too. Removing an instance persisted in this transaction and not yet
// flushed just forgets it.
func (b *Broker) Remove(ctx context.Context, obj interface{}) error {
	if err := b.checkTxn("remove"); err != nil {
		return err
	}
	return b.remove(ctx, obj)
}

func (b *Broker) remove(ctx context.Context, obj interface{}) error {
	sm, err := b.managed("remove", obj)
	if err != nil {
		return err
	}
	switch sm.state {
	case PersistentDeleted:
		return nil
	case Hollow:
		if err := b.activate(ctx, sm); err != nil {
			return err
		}
	}
	if err := b.fire(ctx, PreRemove, obj); err != nil {
		return err
	}

	if sm.state == PersistentNew && !sm.inStore {
		b.drop(sm, false)
		b.compact()
		// cascade over what the forgotten instance references
		return b.cascade(ctx, sm, meta.CascadeRemove, b.remove)
	}
	sm.state = PersistentDeleted
	b.join()
	return b.cascade(ctx, sm, meta.CascadeRemove, b.remove)
}

// Detach makes obj unmanaged. It keeps identity and version so that Merge
// can bring it back later; changes made since the last flush are not
// written. Relations with cascade=detach are followed.
func (b *Broker) Detach(ctx context.Context, obj interface{}) error {
	sm, err := b.managed("detach", obj)
	if err != nil {
		return err
	}
	b.detach(ctx, sm)
	b.compact()
	return nil
}

func (b *Broker) detach(ctx context.Context, sm *StateManager) {
	if sm.state == Detached || sm.state == Transient {
		return
	}
	stored := sm.inStore || sm.state != PersistentNew
	b.drop(sm, stored)
	for _, f := range sm.class.Fields {
		if f.Cascade&meta.CascadeDetach == 0 {
			continue
		}
		b.eachRef(ctx, sm, f, false, func(ref interface{}) error {
			if rsm := b.StateManager(ref); rsm != nil {
				b.detach(ctx, rsm)
			}
			return nil
		})
	}
}

// Evict makes clean instance obj hollow: its fields are reloaded on next
// access through PActivate or Find. Changed instances are left alone.
func (b *Broker) Evict(obj interface{}) error {
	sm, err := b.managed("evict", obj)
	if err != nil {
		return err
	}
	switch sm.state {
	case PersistentClean, PersistentNonTransactional:
		if len(sm.changed(b.currentOrNil(sm))) == 0 {
			b.makeHollow(sm)
		}
	}
	return nil
}

// currentOrNil returns column values of sm, or nil if they cannot be
// computed; nil makes changed report every field.
func (b *Broker) currentOrNil(sm *StateManager) []interface{} {
	cur, err := sm.current()
	if err != nil {
		return make([]interface{}, len(sm.class.Fields))
	}
	return cur
}

// makeHollow forgets loaded state of sm.
func (b *Broker) makeHollow(sm *StateManager) {
	obj := sm.obj.Elem()
	for _, f := range sm.class.Fields {
		if f.PK {
			continue
		}
		fv := f.Value(obj)
		fv.Set(reflect.Zero(fv.Type()))
	}
	sm.loaded = nil
	sm.version = nil
	sm.base = nil
	sm.dirty.clear()
	sm.state = Hollow
}

// Refresh reloads fields of obj from the store, discarding its changes.
func (b *Broker) Refresh(ctx context.Context, obj interface{}) error {
	sm, err := b.managed("refresh", obj)
	if err != nil {
		return err
	}
	switch {
	case sm.state == PersistentNew && !sm.inStore:
		return userErrorf("refresh", obj, "instance is not stored yet")
	case sm.state == PersistentDeleted:
		return userErrorf("refresh", obj, "instance is removed")
	}
	d, err := b.readRow(ctx, b.querier(), sm.class.Root(), sm.id, b.f.log.Head())
	if err != nil {
		return err
	}
	if d == nil {
		return &NotFoundError{Class: sm.class.Name, Key: sm.id.Key()}
	}
	if d.Class != sm.class.Name {
		return &StoreError{"refresh " + sm.String(), errorf("row is of class %s", d.Class)}
	}
	if b.tx == nil {
		b.f.cachePut(ctx, d)
	}
	return b.load(ctx, sm, d)
}

// Merge returns managed instance with the state of obj.
//
// obj is usually detached; its version must still be current or
// *OptimisticLockError is returned. A transient obj whose identity is not
// stored is persisted as a copy. obj itself never becomes managed.
// Relations with cascade=merge are merged too; other references are
// resolved by identity.
func (b *Broker) Merge(ctx context.Context, obj interface{}) (interface{}, error) {
	if err := b.checkTxn("merge"); err != nil {
		return nil, err
	}
	v, err := b.merge(ctx, obj, map[*Persistent]*StateManager{})
	if err != nil {
		return nil, err
	}
	return v.Object(), nil
}

func (b *Broker) merge(ctx context.Context, obj interface{}, seen map[*Persistent]*StateManager) (*StateManager, error) {
	p := persistentOf(obj)
	if p == nil {
		return nil, userErrorf("merge", nil, "%T is not a pointer to entity", obj)
	}
	if p.sm != nil && p.sm.broker == b {
		return p.sm, nil
	}
	if sm := seen[p]; sm != nil {
		return sm, nil
	}

	class, err := b.classOf("merge", obj)
	if err != nil {
		return nil, err
	}
	src := reflect.ValueOf(obj).Elem()
	id, ok, err := class.IDOf(src)
	if err != nil {
		return nil, &UserError{Op: "merge", Obj: describe(obj), Err: err}
	}

	var sm *StateManager
	if ok {
		if old := b.objs[id]; old != nil && old.state == PersistentDeleted {
			return nil, userErrorf("merge", obj, "%s is removed", id)
		}
		sm, err = b.find(ctx, class, id)
		if err != nil {
			return nil, err
		}
	}

	var version interface{} // nil if obj does not carry one
	if vf := class.Version; vf != nil && !vf.Value(src).IsZero() {
		if version, err = vf.ToColumn(vf.Value(src)); err != nil {
			return nil, &UserError{Op: "merge", Obj: describe(obj), Err: err}
		}
	}

	if sm == nil {
		if p.detached {
			// it was stored, and is not anymore
			return nil, &OptimisticLockError{ID: id, Version: version}
		}
		dst := class.New()
		sm = &StateManager{broker: b, class: class, obj: dst}
		seen[p] = sm
		if err := b.copyState(ctx, class, src, dst.Elem(), seen); err != nil {
			return nil, err
		}
		if err := b.persist(ctx, dst.Interface()); err != nil {
			return nil, err
		}
		sm = persistentOf(dst.Interface()).sm
		seen[p] = sm
		return sm, nil
	}

	if sm.class != class {
		return nil, userErrorf("merge", obj, "%s is stored as %s", id, sm.class)
	}
	if version != nil && !meta.Equal(version, sm.version) {
		b.f.cacheEvict(ctx, id)
		return nil, &OptimisticLockError{ID: id, Version: version}
	}
	seen[p] = sm
	if err := b.copyState(ctx, class, src, sm.obj.Elem(), seen); err != nil {
		return nil, err
	}
	b.join()
	return sm, nil
}

// copyState copies persistent fields of struct src into managed struct dst.
func (b *Broker) copyState(ctx context.Context, class *meta.ClassMetaData, src, dst reflect.Value, seen map[*Persistent]*StateManager) error {
	for _, f := range class.Fields {
		sv, dv := f.Value(src), f.Value(dst)
		switch f.Strategy {
		case meta.StrategyBasic:
			if !f.Version {
				dv.Set(sv)
			}

		case meta.StrategyToOne:
			if sv.IsNil() {
				dv.Set(reflect.Zero(dv.Type()))
				continue
			}
			ref, err := b.mergeRef(ctx, f, sv.Interface(), seen)
			if err != nil {
				return err
			}
			dv.Set(ref)

		case meta.StrategyToMany:
			if f.Cascade&meta.CascadeMerge == 0 || sv.IsNil() {
				continue
			}
			nv := reflect.MakeSlice(dv.Type(), 0, sv.Len())
			for i := 0; i < sv.Len(); i++ {
				if sv.Index(i).IsNil() {
					continue
				}
				ref, err := b.mergeRef(ctx, f, sv.Index(i).Interface(), seen)
				if err != nil {
					return err
				}
				nv = reflect.Append(nv, ref)
			}
			dv.Set(nv)
		}
	}
	return nil
}

// mergeRef returns managed counterpart of instance ref referenced through f.
func (b *Broker) mergeRef(ctx context.Context, f *meta.FieldMetaData, ref interface{}, seen map[*Persistent]*StateManager) (reflect.Value, error) {
	target := f.TargetClass()
	var sm *StateManager
	if f.Cascade&meta.CascadeMerge != 0 {
		var err error
		if sm, err = b.merge(ctx, ref, seen); err != nil {
			return reflect.Value{}, err
		}
	} else if rsm := b.StateManager(ref); rsm != nil {
		sm = rsm
	} else {
		class, err := b.classOf("merge", ref)
		if err != nil {
			return reflect.Value{}, err
		}
		id, ok, err := class.IDOf(reflect.ValueOf(ref).Elem())
		if err != nil || !ok {
			return reflect.Value{}, userErrorf("merge", ref, "%s: reference without identity", f)
		}
		if sm, err = b.find(ctx, target, id); err != nil {
			return reflect.Value{}, err
		}
		if sm == nil {
			return reflect.Value{}, userErrorf("merge", ref, "%s: referenced %s does not exist", f, id)
		}
	}
	ptr, ok := sm.class.Upcast(sm.obj, target)
	if !ok {
		return reflect.Value{}, userErrorf("merge", ref, "%s: %s is not a %s", f, sm, target)
	}
	return ptr, nil
}

// Clear detaches all managed instances. Changes not yet flushed are lost.
func (b *Broker) Clear(ctx context.Context) {
	for _, sm := range b.smv {
		b.detach(ctx, sm)
	}
	b.compact()
}

// Close rolls back transaction in progress and detaches all instances.
func (b *Broker) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	var err error
	if b.txn != nil {
		err = b.txn.Abort(ctx)
	}
	b.Clear(ctx)
	b.closed = true
	return err
}

// ---- transaction ----

// Begin starts a transaction of the broker.
//
// The transaction of ctx is used if ctx has one in progress; otherwise a
// new one is created and returned context carries it. Instances read outside of a
// transaction become transactional.
func (b *Broker) Begin(ctx context.Context) (context.Context, error) {
	if err := b.checkOpen("begin"); err != nil {
		return ctx, err
	}
	if b.txn != nil {
		return ctx, userErrorf("begin", nil, "transaction already in progress")
	}
	txn, ok := transaction.Lookup(ctx)
	if !ok || txn.Status() != transaction.Active {
		txn, ctx = transaction.New(ctx)
	}
	b.txn = txn
	b.failure = nil
	txn.RegisterSync((*dataManager)(b))

	for _, sm := range b.smv {
		if sm.state == PersistentNonTransactional {
			sm.state = PersistentClean
			b.join()
		}
	}
	return ctx, nil
}

// Commit commits the transaction of the broker.
//
// On failure nothing was committed and *RollbackError is returned; its
// cause tells why, e.g. *OptimisticLockError.
func (b *Broker) Commit(ctx context.Context) error {
	if err := b.checkTxn("commit"); err != nil {
		return err
	}
	err := b.txn.Commit(ctx)
	if err == nil {
		return nil
	}
	cause := b.failure
	if cause == nil {
		cause = err
	}
	return &RollbackError{cause}
}

// Rollback aborts the transaction of the broker.
func (b *Broker) Rollback(ctx context.Context) error {
	if err := b.checkTxn("rollback"); err != nil {
		return err
	}
	return b.txn.Abort(ctx)
}

// Flush writes changes of managed instances to the store transaction
// without ending the transaction.
func (b *Broker) Flush(ctx context.Context) error {
	if err := b.checkTxn("flush"); err != nil {
		return err
	}
	return b.flush(ctx)
}

// join makes the broker a participant of its transaction.
func (b *Broker) join() {
	if b.txn != nil && !b.joined {
		b.txn.Join((*dataManager)(b))
		b.joined = true
	}
}

// fail records err as why the transaction cannot commit and dooms it.
func (b *Broker) fail(err error) error {
	if b.failure == nil {
		b.failure = err
	}
	if b.txn != nil {
		b.txn.Doom()
	}
	return err
}

// storeTx returns store transaction of the broker, beginning it if needed.
func (b *Broker) storeTx(ctx context.Context) (store.Tx, error) {
	if b.tx == nil {
		tx, err := b.f.st.Begin(ctx)
		if err != nil {
			return nil, &StoreError{"begin", err}
		}
		b.tx = tx
		b.join()
	}
	return b.tx, nil
}

// afterCommit moves instances to their post-commit states and publishes
// what the transaction changed.
func (b *Broker) afterCommit(ctx context.Context) {
	ev := b.changes.event()
	b.changes.reset()

	retain := b.f.cfg.RetainState == nil || *b.f.cfg.RetainState
	for _, sm := range b.smv {
		sm.base = nil
		sm.dirty.clear()
		switch sm.state {
		case PersistentDeleted:
			b.drop(sm, false)
		case PersistentNew, PersistentClean, PersistentDirty:
			if retain {
				sm.state = PersistentNonTransactional
			} else {
				b.makeHollow(sm)
			}
		}
	}
	b.compact()
	if b.f.cfg.DetachOnCommit {
		b.Clear(ctx)
	}

	if !ev.Empty() {
		b.f.publish(ctx, ev)
	}
}

// rollback discards the store transaction and restores managed instances
// to their state before the transaction.
func (b *Broker) rollback(ctx context.Context) {
	if b.tx != nil {
		if err := b.tx.Rollback(ctx); err != nil {
			log.Warningf(ctx, "orm: rollback: %s", err)
		}
		b.tx = nil
	}
	b.seqs = map[string]*seqBlock{}
	b.changes.reset()

	restore := b.f.cfg.RestoreState != RestoreNone
	for _, sm := range b.smv {
		base := sm.base
		sm.base = nil
		sm.dirty.clear()
		if base != nil {
			if base.state == Transient {
				b.drop(sm, false)
				continue
			}
			sm.loaded, sm.version, sm.inStore = base.loaded, base.version, base.inStore
		}
		if sm.state == Hollow {
			continue
		}
		if sm.loaded == nil || !restore || b.restoreFields(sm) != nil {
			b.makeHollow(sm)
			continue
		}
		sm.state = PersistentNonTransactional
	}
	b.compact()
}

// restoreFields sets fields of sm to its loaded state.
func (b *Broker) restoreFields(sm *StateManager) error {
	obj := sm.obj.Elem()
	for _, f := range sm.class.Fields {
		fv := f.Value(obj)
		switch f.Strategy {
		case meta.StrategyBasic:
			if err := f.FromColumn(sm.loaded[f.Index], fv); err != nil {
				return err
			}
		case meta.StrategyToOne:
			key := sm.loaded[f.Index]
			if key == nil {
				fv.Set(reflect.Zero(fv.Type()))
				continue
			}
			if cur, err := f.ToColumn(fv); err == nil && meta.Equal(cur, key) {
				continue
			}
			id, err := f.TargetClass().NewID(key)
			if err != nil {
				return err
			}
			rsm := b.objs[id]
			if rsm == nil {
				return errorf("%s: %s is not managed", f, id)
			}
			ptr, ok := rsm.class.Upcast(rsm.obj, f.TargetClass())
			if !ok {
				return errorf("%s: %s is not a %s", f, rsm, f.TargetClass())
			}
			fv.Set(ptr)
		}
	}
	return nil
}

// dataManager is the broker as participant of its transaction.
type dataManager Broker

var (
	_ transaction.DataManager  = (*dataManager)(nil)
	_ transaction.Synchronizer = (*dataManager)(nil)
)

func (dm *dataManager) Abort(ctx context.Context, txn transaction.Transaction) error {
	(*Broker)(dm).rollback(ctx)
	return nil
}

func (dm *dataManager) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

func (dm *dataManager) Commit(ctx context.Context, txn transaction.Transaction) error {
	return (*Broker)(dm).flush(ctx)
}

func (dm *dataManager) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

func (dm *dataManager) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	b := (*Broker)(dm)
	if b.tx != nil {
		err := b.tx.Commit(ctx)
		b.tx = nil
		if err != nil {
			err = b.fail(&StoreError{"commit", err})
			b.rollback(ctx)
			return err
		}
	}
	b.afterCommit(ctx)
	return nil
}

func (dm *dataManager) TPCAbort(ctx context.Context, txn transaction.Transaction) {
	(*Broker)(dm).rollback(ctx)
}

func (dm *dataManager) BeforeCompletion(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

func (dm *dataManager) AfterCompletion(ctx context.Context, txn transaction.Transaction) {
	b := (*Broker)(dm)
	result := "rolledback"
	if txn.Status() == transaction.Committed {
		result = "committed"
	}
	metrics.Commits.WithLabelValues(result).Inc()

	if !b.joined {
		for _, sm := range b.smv {
			if sm.state == PersistentClean {
				sm.state = PersistentNonTransactional
			}
		}
	}
	b.txn = nil
	b.joined = false
}

// ---- commit event ----

type changeKind int

const (
	changeAdded changeKind = iota
	changeUpdated
	changeDeleted
)

// changeSet accumulates what flushes of a transaction changed.
type changeSet struct {
	kind    map[meta.ID]changeKind
	idv     []meta.ID
	classes map[string]bool
	classv  []string
}

func (c *changeSet) record(sm *StateManager, k changeKind) {
	if c.kind == nil {
		c.kind = map[meta.ID]changeKind{}
		c.classes = map[string]bool{}
	}
	prev, seen := c.kind[sm.id]
	switch {
	case !seen:
		c.idv = append(c.idv, sm.id)
		c.kind[sm.id] = k
	case prev == changeAdded && k == changeUpdated:
		// still added
	default:
		c.kind[sm.id] = k
	}
	root := sm.class.Root().Name
	if !c.classes[root] {
		c.classes[root] = true
		c.classv = append(c.classv, root)
	}
}

func (c *changeSet) event() *remote.CommitEvent {
	ev := &remote.CommitEvent{Classes: append([]string(nil), c.classv...)}
	for _, id := range c.idv {
		switch c.kind[id] {
		case changeAdded:
			ev.Added = append(ev.Added, id)
		case changeUpdated:
			ev.Updated = append(ev.Updated, id)
		case changeDeleted:
			ev.Deleted = append(ev.Deleted, id)
		}
	}
	return ev
}

func (c *changeSet) reset() { *c = changeSet{} }
