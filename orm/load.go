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
// loading instances

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"lab.nexedi.com/nexedi/persist/cache"
	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
	"lab.nexedi.com/nexedi/persist/store"
)

// querier is what reads go through: the store or a store transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (store.Rows, error)
}

// querier returns the broker store transaction if it is open, the store
// otherwise.
func (b *Broker) querier() querier {
	if b.tx != nil {
		return b.tx
	}
	return b.f.st
}

// selectSQL returns SELECT of all columns of hierarchy root's table, in
// TableFields order followed by the discriminator.
func selectSQL(root *meta.ClassMetaData) string {
	var colv []string
	for _, f := range root.TableFields() {
		colv = append(colv, f.Column)
	}
	if root.HasDiscriminator() {
		colv = append(colv, root.DiscriminatorColumn)
	}
	return "SELECT " + strings.Join(colv, ", ") + " FROM " + root.Table
}

// rowData builds instance state out of columns of row starting at offset,
// laid out as selectSQL does.
//
// nil is returned for a row of NULLs as produced by an outer join.
func rowData(root *meta.ClassMetaData, row []interface{}, offset int, rev remote.Tid) (*cache.Data, error) {
	fields := root.TableFields()
	class := root
	for i, f := range fields {
		if f.PK && row[offset+i] == nil {
			return nil, nil
		}
	}
	if root.HasDiscriminator() {
		dv, err := meta.KindString.Coerce(row[offset+len(fields)])
		if err != nil || dv == nil {
			return nil, fmt.Errorf("%s: bad discriminator %v", root.Table, row[offset+len(fields)])
		}
		if class = root.ByDiscriminator(dv.(string)); class == nil {
			return nil, fmt.Errorf("%s: unknown discriminator %q", root.Table, dv)
		}
	}

	values := make([]interface{}, len(class.Fields))
	for i, tf := range fields {
		f := class.Field(tf.Name)
		if f == nil || f.Column != tf.Column {
			continue // column of another class of the hierarchy
		}
		v, err := f.Kind.Coerce(row[offset+i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		values[f.Index] = v
	}
	id, err := class.NewID(values[class.ID.Index])
	if err != nil {
		return nil, err
	}
	d := &cache.Data{ID: id, Class: class.Name, Values: values, Rev: rev}
	if class.Version != nil {
		d.Version = values[class.Version.Index]
	}
	return d, nil
}

// readRow reads state of instance id of hierarchy root via q.
func (b *Broker) readRow(ctx context.Context, q querier, root *meta.ClassMetaData, id meta.ID, rev remote.Tid) (*cache.Data, error) {
	sql := selectSQL(root) + " WHERE " + root.ID.Column + " = " + b.f.st.Dialect().Placeholder(1)
	rows, err := q.Query(ctx, sql, id.Key())
	if err != nil {
		return nil, &StoreError{"load " + id.String(), err}
	}
	rowv, err := store.Collect(rows)
	if err != nil {
		return nil, &StoreError{"load " + id.String(), err}
	}
	if len(rowv) == 0 {
		return nil, nil
	}
	d, err := rowData(root, rowv[0], 0, rev)
	if err != nil {
		return nil, &StoreError{"load " + id.String(), err}
	}
	return d, nil
}

// fetch returns stored state of instance id of hierarchy root, or nil.
//
// Inside a store transaction the row is read through it. Otherwise the
// data cache is tried first and concurrent reads of one identity by all
// brokers of the factory share one store read.
func (b *Broker) fetch(ctx context.Context, root *meta.ClassMetaData, id meta.ID) (*cache.Data, error) {
	f := b.f
	if b.tx != nil {
		return b.readRow(ctx, b.tx, root, id, f.log.Head())
	}
	if d := f.cacheGet(ctx, id); d != nil {
		return d, nil
	}
	v, err, _ := f.loads.Do(id.String(), func() (interface{}, error) {
		d, err := b.readRow(ctx, f.st, root, id, f.log.Head())
		if err == nil && d != nil {
			f.cachePut(ctx, d)
		}
		return d, err
	})
	if err != nil {
		return nil, err
	}
	d, _ := v.(*cache.Data)
	return d, nil
}

// remember puts state read outside of store transaction into the data cache.
func (b *Broker) remember(ctx context.Context, d *cache.Data) {
	if b.tx == nil {
		b.f.cachePut(ctx, d)
	}
}

// find returns state manager of instance id of class, or nil if there is
// no such instance.
func (b *Broker) find(ctx context.Context, class *meta.ClassMetaData, id meta.ID) (*StateManager, error) {
	if sm := b.objs[id]; sm != nil {
		if sm.state == PersistentDeleted || !sm.class.IsA(class) {
			return nil, nil
		}
		if sm.state == Hollow {
			if err := b.activate(ctx, sm); err != nil {
				if _, gone := err.(*NotFoundError); gone {
					return nil, nil
				}
				return nil, err
			}
		}
		return sm, nil
	}

	d, err := b.fetch(ctx, class.Root(), id)
	if err != nil || d == nil {
		return nil, err
	}
	concrete, err := b.f.repo.Class(d.Class)
	if err != nil {
		return nil, &StoreError{"load " + id.String(), err}
	}
	if !concrete.IsA(class) {
		return nil, nil
	}
	return b.materialize(ctx, d)
}

// materialize returns managed instance with state d.
//
// An instance already managed keeps its state: the identity map wins over
// what was read.
func (b *Broker) materialize(ctx context.Context, d *cache.Data) (*StateManager, error) {
	class, err := b.f.repo.Class(d.Class)
	if err != nil {
		return nil, &StoreError{"load " + d.ID.String(), err}
	}
	if sm := b.objs[d.ID]; sm != nil {
		if sm.state != Hollow || sm.loading {
			return sm, nil
		}
		if sm.class != class {
			return nil, &StoreError{"load " + sm.String(), errorf("row is of class %s", class)}
		}
		return sm, b.load(ctx, sm, d)
	}

	sm := b.newSM(class, class.New())
	sm.id = d.ID
	sm.state = Hollow
	b.manage(sm)
	if err := b.load(ctx, sm, d); err != nil {
		b.drop(sm, false)
		b.compact()
		return nil, err
	}
	return sm, nil
}

// load sets fields of sm from state d.
//
// sm is managed before references are resolved so that cycles of
// references end at it.
func (b *Broker) load(ctx context.Context, sm *StateManager, d *cache.Data) error {
	sm.loading = true
	defer func() { sm.loading = false }()

	obj := sm.obj.Elem()
	for _, f := range sm.class.Fields {
		fv := f.Value(obj)
		switch f.Strategy {
		case meta.StrategyBasic:
			if err := f.FromColumn(d.Values[f.Index], fv); err != nil {
				return &StoreError{"load " + sm.String(), fmt.Errorf("%s: %w", f, err)}
			}

		case meta.StrategyToOne:
			key := d.Values[f.Index]
			if key == nil {
				fv.Set(reflect.Zero(fv.Type()))
				continue
			}
			id, err := f.TargetClass().NewID(key)
			if err != nil {
				return &StoreError{"load " + sm.String(), err}
			}
			ref, err := b.ref(ctx, f, id)
			if err != nil {
				return err
			}
			if !ref.IsValid() {
				ref = reflect.Zero(fv.Type())
			}
			fv.Set(ref)
		}
	}

	sm.loaded = d.Values
	sm.version = d.Version
	sm.rev = d.Rev
	sm.inStore = true
	sm.dirty.clear()
	if b.txn != nil {
		sm.state = PersistentClean
		b.join()
	} else {
		sm.state = PersistentNonTransactional
	}

	for _, f := range sm.class.Fields {
		if f.Strategy == meta.StrategyToMany && !f.Lazy {
			if err := b.loadCollection(ctx, sm, f); err != nil {
				return err
			}
		}
	}
	return b.fire(ctx, PostLoad, sm.Object())
}

// ref returns pointer to instance id referenced through to-one field f.
//
// A lazy reference to a class without subclasses becomes a hollow
// instance; others are loaded. Invalid Value is returned for a dangling
// reference.
func (b *Broker) ref(ctx context.Context, f *meta.FieldMetaData, id meta.ID) (reflect.Value, error) {
	target := f.TargetClass()
	sm := b.objs[id]
	if sm == nil && f.Lazy && len(target.Descendants()) == 1 {
		sm = b.newSM(target, target.New())
		sm.id = id
		sm.state = Hollow
		if err := target.ID.FromColumn(id.Key(), sm.field(target.ID)); err != nil {
			persistentOf(sm.Object()).sm = nil
			return reflect.Value{}, &StoreError{"load " + id.String(), err}
		}
		b.manage(sm)
	}
	if sm == nil {
		var err error
		if sm, err = b.find(ctx, target, id); err != nil {
			return reflect.Value{}, err
		}
		if sm == nil {
			log.Warningf(ctx, "orm: %s: dangling reference to %s", f, id)
			return reflect.Value{}, nil
		}
	}
	ptr, ok := sm.class.Upcast(sm.obj, target)
	if !ok {
		return reflect.Value{}, &StoreError{"load " + id.String(), errorf("%s: %s is not a %s", f, sm, target)}
	}
	return ptr, nil
}

// activate loads fields of hollow sm.
func (b *Broker) activate(ctx context.Context, sm *StateManager) error {
	d, err := b.fetch(ctx, sm.class.Root(), sm.id)
	if err != nil {
		return err
	}
	if d == nil {
		return &NotFoundError{Class: sm.class.Name, Key: sm.id.Key()}
	}
	if d.Class != sm.class.Name {
		return &StoreError{"load " + sm.String(), errorf("row is of class %s", d.Class)}
	}
	return b.load(ctx, sm, d)
}

// loadCollection sets to-many field f of sm to the instances whose inverse
// to-one field references sm, in identity order.
func (b *Broker) loadCollection(ctx context.Context, sm *StateManager, f *meta.FieldMetaData) error {
	target := f.TargetClass()
	root := target.Root()
	dialect := b.f.st.Dialect()

	sql := selectSQL(root) + " WHERE " + f.Inverse().Column + " = " + dialect.Placeholder(1)
	if target != root {
		var dv []string
		for _, c := range target.Descendants() {
			dv = append(dv, dialect.Literal(c.DiscriminatorValue))
		}
		sql += " AND " + root.DiscriminatorColumn + " IN (" + strings.Join(dv, ", ") + ")"
	}
	sql += " ORDER BY " + root.ID.Column

	rev := b.f.log.Head()
	what := fmt.Sprintf("load %s.%s", sm, f.Name)
	rows, err := b.querier().Query(ctx, sql, sm.id.Key())
	if err != nil {
		return &StoreError{what, err}
	}
	rowv, err := store.Collect(rows)
	if err != nil {
		return &StoreError{what, err}
	}

	fv := sm.field(f)
	slice := reflect.MakeSlice(fv.Type(), 0, len(rowv))
	for _, row := range rowv {
		d, err := rowData(root, row, 0, rev)
		if err != nil {
			return &StoreError{what, err}
		}
		b.remember(ctx, d)
		esm, err := b.materialize(ctx, d)
		if err != nil {
			return err
		}
		if esm.state == PersistentDeleted {
			continue
		}
		ptr, ok := esm.class.Upcast(esm.obj, target)
		if !ok {
			return &StoreError{what, errorf("%s is not a %s", esm, target)}
		}
		slice = reflect.Append(slice, ptr)
	}
	fv.Set(slice)
	return nil
}

// Find returns instance of class with identity key, or nil if there is no
// such instance (*NotFoundError with not_found = "error").
//
// The result is a pointer to the stored class, which may be a subclass of
// class. The identity map is consulted first, so repeated finds return the
// same pointer.
func (b *Broker) Find(ctx context.Context, class string, key interface{}) (interface{}, error) {
	c, err := b.f.repo.Class(class)
	if err != nil {
		return nil, &UserError{Op: "find", Err: err}
	}
	sm, err := b.findKey(ctx, c, key)
	if err != nil || sm == nil {
		return nil, err
	}
	return sm.Object(), nil
}

// Find returns instance of entity type T with identity key.
//
// It is Broker.Find with the result typed: an instance of a subclass is
// returned as pointer to its embedded T.
func Find[T any](ctx context.Context, b *Broker, key interface{}) (*T, error) {
	c, err := b.f.repo.ClassOf(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, &UserError{Op: "find", Err: err}
	}
	sm, err := b.findKey(ctx, c, key)
	if err != nil || sm == nil {
		return nil, err
	}
	ptr, ok := sm.class.Upcast(sm.obj, c)
	if !ok {
		return nil, nil
	}
	return ptr.Interface().(*T), nil
}

// findKey returns state manager of instance of class with identity key, or
// nil if not found.
func (b *Broker) findKey(ctx context.Context, class *meta.ClassMetaData, key interface{}) (*StateManager, error) {
	if err := b.checkOpen("find"); err != nil {
		return nil, err
	}
	id, err := class.NewID(key)
	if err != nil {
		return nil, &UserError{Op: "find", Err: err}
	}
	sm, err := b.find(ctx, class, id)
	if err != nil {
		return nil, err
	}
	if sm == nil && b.f.cfg.NotFound == NotFoundIsError {
		return nil, &NotFoundError{Class: class.Name, Key: key}
	}
	return sm, nil
}
