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
// state managers

import (
	"fmt"
	"math/bits"
	"reflect"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
)

// StateManager tracks state of one managed instance.
//
// It is owned by its broker and, like the broker, must not be used from
// several goroutines simultaneously.
type StateManager struct {
	broker *Broker
	class  *meta.ClassMetaData // concrete class
	obj    reflect.Value       // *class.Type
	id     meta.ID
	state  State
	seq    int // order in which the broker started to manage the instance

	dirty   bitset        // fields marked changed by PModify
	loaded  []interface{} // column values by field Index as last read or flushed; nil if never
	version interface{}   // version of loaded
	rev     remote.Tid    // commit log head when loaded was read
	inStore bool          // row exists in the store as seen by the broker
	loading bool          // load in progress; references back to it see it as is

	// state at transaction begin, kept on first flush of the transaction
	// for rollback; nil if not flushed.
	base *snapshot
}

// snapshot is saved state of a state manager.
type snapshot struct {
	state   State
	loaded  []interface{}
	version interface{}
	inStore bool
}

func (sm *StateManager) String() string {
	if sm.id.IsZero() {
		return fmt.Sprintf("%s(new)", sm.class.Name)
	}
	return fmt.Sprintf("%s(%s)", sm.class.Name, sm.id)
}

// Object returns the managed instance.
func (sm *StateManager) Object() interface{} { return sm.obj.Interface() }

// State returns life-cycle state of the instance.
func (sm *StateManager) State() State { return sm.state }

// ID returns identity of the instance.
func (sm *StateManager) ID() meta.ID { return sm.id }

// Class returns concrete class of the instance.
func (sm *StateManager) Class() *meta.ClassMetaData { return sm.class }

// Version returns version of the instance as last read or written.
func (sm *StateManager) Version() interface{} { return sm.version }

// DirtyFields returns names of fields marked changed, in field order.
func (sm *StateManager) DirtyFields() []string {
	var v []string
	for _, f := range sm.class.Fields {
		if sm.dirty.has(f.Index) {
			v = append(v, f.Name)
		}
	}
	return v
}

// field returns Go value of field f of the instance.
func (sm *StateManager) field(f *meta.FieldMetaData) reflect.Value {
	return f.Value(sm.obj.Elem())
}

// modify marks field name changed.
func (sm *StateManager) modify(name string) {
	f := sm.class.Field(name)
	if f == nil {
		return
	}
	switch sm.state {
	case PersistentClean:
		sm.state = PersistentDirty
		sm.broker.join()
	case PersistentNew, PersistentDirty, PersistentNonTransactional:
	default:
		return
	}
	sm.dirty.set(f.Index)
}

// current returns column values of the instance by field Index.
//
// To-one fields give the key of the referenced instance; to-many fields give nil.
func (sm *StateManager) current() ([]interface{}, error) {
	v := make([]interface{}, len(sm.class.Fields))
	for _, f := range sm.class.Fields {
		if !f.Strategy.HasColumn() {
			continue
		}
		x, err := f.ToColumn(sm.field(f))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		v[f.Index] = x
	}
	return v, nil
}

// changed returns indices of column fields whose values in cur differ from
// loaded state or that were marked by PModify.
func (sm *StateManager) changed(cur []interface{}) []int {
	var v []int
	for _, f := range sm.class.Fields {
		if !f.Strategy.HasColumn() || f.PK || f.Version {
			continue
		}
		if sm.dirty.has(f.Index) || sm.loaded == nil || !meta.Equal(cur[f.Index], sm.loaded[f.Index]) {
			v = append(v, f.Index)
		}
	}
	return v
}

// save returns current state for later restore.
func (sm *StateManager) save() *snapshot {
	return &snapshot{state: sm.state, loaded: sm.loaded, version: sm.version, inStore: sm.inStore}
}

// setVersion sets version field of the instance and remembers v as current version.
func (sm *StateManager) setVersion(v interface{}) error {
	sm.version = v
	vf := sm.class.Root().Version
	if vf == nil {
		return nil
	}
	return vf.FromColumn(v, sm.field(sm.class.Field(vf.Name)))
}

// bitset is a set of field indices.
type bitset []uint64

func (b *bitset) set(i int) {
	for len(*b) <= i/64 {
		*b = append(*b, 0)
	}
	(*b)[i/64] |= 1 << (i % 64)
}

func (b bitset) has(i int) bool {
	return i/64 < len(b) && b[i/64]&(1<<(i%64)) != 0
}

func (b bitset) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

func (b *bitset) clear() { *b = (*b)[:0] }
