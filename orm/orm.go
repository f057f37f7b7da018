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

// Package orm provides object/relational persistence of Go structs.
//
// A Factory is opened over a relational store (package store) and a
// metadata repository (package meta); it owns what brokers share: the
// second-level caches, the commit log and the remote-commit provider.
// A Broker is the persistence context of one logical transaction: it
// keeps the identity map of managed instances, tracks their changes and
// flushes them to the store.
//
// Entities are structs registered in the repository and embedding
// Persistent:
//
//	type Emp struct {
//		orm.Persistent
//		ID   int64 `orm:"id,pk,generated=sequence"`
//		Name string
//		Dept *Dept
//	}
//
//	b := f.NewBroker()
//	ctx, err := b.Begin(ctx)
//	emp := &Emp{Name: "alice"}
//	err = b.Persist(ctx, emp)
//	err = b.Commit(ctx)
//
// Changes are found at flush by comparing instance fields with the state
// they were loaded with; PModify marks a field changed explicitly.
//
// Every instance managed by a broker has a StateManager tracking its
// life-cycle state:
//
//	Transient -> PersistentNew -> {PersistentClean, PersistentDirty} -> PersistentDeleted
//
// Instances read outside of a transaction are PersistentNonTransactional.
// Hollow instances are managed but their fields are not yet loaded; they
// are loaded by PActivate, the way ghost objects are. Instances leaving a
// broker by Detach, Clear or Close become Detached; Merge brings their
// state back into a broker.
package orm

import (
	"context"
	"fmt"
	"reflect"

	"lab.nexedi.com/nexedi/persist/meta"
)

// State is life-cycle state of an instance.
type State int

const (
	Transient                  State = iota // not managed
	PersistentNew                           // persisted in this transaction
	PersistentClean                         // loaded in transaction; unchanged
	PersistentDirty                         // loaded in transaction; changed
	PersistentDeleted                       // removed in this transaction
	PersistentNonTransactional              // loaded outside of transaction
	Hollow                                  // managed; fields not loaded
	Detached                                // was managed by a broker that let it go
)

var stateNames = [...]string{
	Transient:                  "transient",
	PersistentNew:              "persistent-new",
	PersistentClean:            "persistent-clean",
	PersistentDirty:            "persistent-dirty",
	PersistentDeleted:          "persistent-deleted",
	PersistentNonTransactional: "persistent-nontransactional",
	Hollow:                     "hollow",
	Detached:                   "detached",
}

func (s State) String() string {
	if 0 <= s && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// IPersistent is implemented by entities through embedding Persistent.
type IPersistent interface {
	persistent() *Persistent
}

// Persistent is the base every entity struct embeds.
//
// It links an instance to its state manager.
type Persistent struct {
	sm       *StateManager
	detached bool
}

func (p *Persistent) persistent() *Persistent { return p }

// PState returns life-cycle state of the instance.
func (p *Persistent) PState() State {
	switch {
	case p.sm != nil:
		return p.sm.state
	case p.detached:
		return Detached
	}
	return Transient
}

// PBroker returns broker managing the instance, or nil.
func (p *Persistent) PBroker() *Broker {
	if p.sm == nil {
		return nil
	}
	return p.sm.broker
}

// PID returns identity of a managed instance, or zero ID.
func (p *Persistent) PID() meta.ID {
	if p.sm == nil {
		return meta.ID{}
	}
	return p.sm.id
}

// PModify marks field of a managed instance as changed.
//
// Calling it is optional: changes are also found at flush by comparing
// fields with loaded state. Unknown field names are ignored.
func (p *Persistent) PModify(field string) {
	if p.sm != nil {
		p.sm.modify(field)
	}
}

// PActivate loads fields of a hollow instance.
//
// It is a no-op for instances that are already loaded or not managed.
func (p *Persistent) PActivate(ctx context.Context) error {
	if p.sm == nil || p.sm.state != Hollow {
		return nil
	}
	return p.sm.broker.activate(ctx, p.sm)
}

// persistentOf returns Persistent of entity pointer obj, or nil if obj is
// not an entity pointer.
func persistentOf(obj interface{}) *Persistent {
	ip, ok := obj.(IPersistent)
	if !ok {
		return nil
	}
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil
	}
	return ip.persistent()
}

// describe returns short description of obj for error messages.
func describe(obj interface{}) string {
	if p := persistentOf(obj); p != nil && p.sm != nil {
		return p.sm.String()
	}
	return fmt.Sprintf("%T", obj)
}
