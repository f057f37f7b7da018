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

package meta

import (
	"errors"
	"reflect"
	"sync"
)

// ErrClosed is returned by operations on a repository whose last reference was released.
var ErrClosed = errors.New("metadata repository is closed")

// Constructor builds a result object of a `SELECT NEW Name(...)` query.
type Constructor func(args []interface{}) (interface{}, error)

// Repository is a registry of persistent classes.
//
// It is safe to use from multiple goroutines simultaneously. Classes can be
// added at any time; once added and resolved they do not change.
type Repository struct {
	mu      sync.RWMutex
	refcnt  int
	byName  map[string]*ClassMetaData
	byType  map[reflect.Type]*ClassMetaData
	classv  []*ClassMetaData // in registration order
	ctors   map[string]Constructor
	onClose []func()
}

// NewRepository creates new empty repository.
//
// The caller holds the only reference and must Release it when done.
func NewRepository() *Repository {
	return &Repository{
		refcnt: 1,
		byName: make(map[string]*ClassMetaData),
		byType: make(map[reflect.Type]*ClassMetaData),
		ctors:  make(map[string]Constructor),
	}
}

// Acquire takes one more reference to r and returns r.
func (r *Repository) Acquire() *Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refcnt <= 0 {
		panic("meta: acquire of closed repository")
	}
	r.refcnt++
	return r
}

// Release drops one reference to r.
//
// When the last reference is released, teardown hooks registered with
// OnClose run and the repository forgets all classes.
func (r *Repository) Release() {
	r.mu.Lock()
	r.refcnt--
	if r.refcnt > 0 {
		r.mu.Unlock()
		return
	}
	if r.refcnt < 0 {
		r.mu.Unlock()
		panic("meta: release of closed repository")
	}
	hooks := r.onClose
	r.onClose = nil
	r.byName = map[string]*ClassMetaData{}
	r.byType = map[reflect.Type]*ClassMetaData{}
	r.classv = nil
	r.ctors = map[string]Constructor{}
	r.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// OnClose registers f to be called when the last reference to r is released.
func (r *Repository) OnClose(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, f)
}

func (r *Repository) checkOpen() error {
	if r.refcnt <= 0 {
		return ErrClosed
	}
	return nil
}

// Class returns class by entity name.
func (r *Repository) Class(name string) (*ClassMetaData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	c := r.byName[name]
	if c == nil {
		return nil, &MappingError{Class: name, Err: errors.New("class not registered")}
	}
	return c, nil
}

// ClassOf returns class registered for Go type typ.
//
// typ can be either the struct type or pointer to it.
func (r *Repository) ClassOf(typ reflect.Type) (*ClassMetaData, error) {
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	c := r.byType[typ]
	if c == nil {
		return nil, &MappingError{Class: typ.String(), Err: errors.New("type not registered")}
	}
	return c, nil
}

// Classes returns all registered classes in registration order.
func (r *Repository) Classes() []*ClassMetaData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*ClassMetaData(nil), r.classv...)
}

// RegisterConstructor registers constructor used by `SELECT NEW name(...)`.
func (r *Repository) RegisterConstructor(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Constructor returns constructor registered under name.
func (r *Repository) Constructor(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[name]
	return ctor, ok
}

// add inserts class c, built but not resolved, into r.
// must be called with r.mu held.
func (r *Repository) add(c *ClassMetaData) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if r.byName[c.Name] != nil {
		return mappingErrorf(c.Name, "", "class already registered")
	}
	if c.Type != nil {
		if r.byType[c.Type] != nil {
			return mappingErrorf(c.Name, "", "type %s already registered as %s", c.Type, r.byType[c.Type].Name)
		}
	}

	if err := c.inherit(); err != nil {
		return err
	}

	c.repo = r
	r.byName[c.Name] = c
	if c.Type != nil {
		r.byType[c.Type] = c
	}
	r.classv = append(r.classv, c)
	if c.Super != nil {
		c.Super.subs = append(c.Super.subs, c)
	}
	return nil
}

// inherit prepends copies of superclass fields to c's declared fields and
// checks what only the root may declare.
func (c *ClassMetaData) inherit() error {
	c.byName = make(map[string]*FieldMetaData)
	var fields []*FieldMetaData

	if super := c.Super; super != nil {
		if super.Root().ID == nil {
			return mappingErrorf(c.Name, "", "superclass %s has no identity field", super.Name)
		}
		for _, sf := range super.Fields {
			f := *sf
			if c.Type != nil && sf.goIndex != nil {
				f.goIndex = append(append([]int(nil), c.superIndex...), sf.goIndex...)
			}
			fields = append(fields, &f)
		}
		c.DiscriminatorColumn = c.Root().DiscriminatorColumn
		c.IDStrategy = c.Root().IDStrategy
		c.VersionStrategy = super.VersionStrategy
		c.Table = c.Root().Table
	}

	for _, f := range c.declared {
		if c.Super != nil && (f.PK || f.Version) {
			return mappingErrorf(c.Name, f.Name, "only the root of a hierarchy can declare identity or version")
		}
		f.Declarer = c
		fields = append(fields, f)
	}

	for i, f := range fields {
		if c.byName[f.Name] != nil {
			return mappingErrorf(c.Name, f.Name, "duplicate field")
		}
		f.Index = i
		c.byName[f.Name] = f
		if f.PK {
			c.ID = f
		}
		if f.Version {
			c.Version = f
		}
	}
	c.Fields = fields

	if c.Super == nil && c.ID == nil {
		return mappingErrorf(c.Name, "", "no identity field")
	}
	if c.DiscriminatorValue == "" {
		c.DiscriminatorValue = c.Name
	}
	return nil
}

// Resolve links relations of all classes and validates the mapping.
//
// It is idempotent; classes added after a Resolve need another Resolve.
func (r *Repository) Resolve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	// to-one first: to-many inverses need resolved targets
	for _, pass := range []FieldStrategy{StrategyToOne, StrategyToMany} {
		for _, c := range r.classv {
			if c.resolved {
				continue
			}
			for _, f := range c.Fields {
				if f.Strategy != pass {
					continue
				}
				if err := r.resolveRelation(c, f); err != nil {
					return err
				}
			}
		}
	}

	for _, c := range r.classv {
		if c.resolved {
			continue
		}
		if err := c.validate(); err != nil {
			return err
		}
	}
	for _, c := range r.classv {
		c.resolved = true
	}
	return nil
}

// resolveRelation links relation field f of class c to its target.
// must be called with r.mu held.
func (r *Repository) resolveRelation(c *ClassMetaData, f *FieldMetaData) error {
	var target *ClassMetaData
	switch {
	case f.Target != "":
		target = r.byName[f.Target]
	case f.goType != nil:
		et := f.goType
		if f.Strategy == StrategyToMany {
			et = et.Elem()
		}
		target = r.byType[et.Elem()]
	}
	if target == nil {
		return mappingErrorf(c.Name, f.Name, "relation target %q not registered", f.Target)
	}
	if f.goType != nil && target.Type != nil {
		et := f.goType
		if f.Strategy == StrategyToMany {
			et = et.Elem()
		}
		if et != reflect.PtrTo(target.Type) {
			return mappingErrorf(c.Name, f.Name, "field type %s does not match target %s", f.goType, target.Name)
		}
	}
	f.target = target
	f.Target = target.Name

	switch f.Strategy {
	case StrategyToOne:
		f.Kind = target.Root().ID.Kind

	case StrategyToMany:
		if f.MappedBy == "" {
			return mappingErrorf(c.Name, f.Name, "to-many relation needs mappedby")
		}
		inv := target.Field(f.MappedBy)
		if inv == nil || inv.Strategy != StrategyToOne {
			return mappingErrorf(c.Name, f.Name, "mappedby %s.%s is not a to-one field", target.Name, f.MappedBy)
		}
		if inv.Target != "" && !c.IsA(r.byName[inv.Target]) {
			return mappingErrorf(c.Name, f.Name, "mappedby %s.%s points to %s", target.Name, f.MappedBy, inv.Target)
		}
		f.inverse = inv
	}
	return nil
}

// validate checks what can be checked only after relations are resolved.
func (c *ClassMetaData) validate() error {
	if c.Type != nil && c.ID.goIndex == nil {
		return mappingErrorf(c.Name, c.ID.Name, "identity field is not a struct field")
	}
	switch c.IDStrategy {
	case IDSequence:
		if c.ID.Kind != KindInt64 {
			return mappingErrorf(c.Name, c.ID.Name, "sequence identity needs integer field, not %s", c.ID.Kind)
		}
	case IDUUID:
		if c.ID.Kind != KindString {
			return mappingErrorf(c.Name, c.ID.Name, "uuid identity needs string field, not %s", c.ID.Kind)
		}
	}
	if c.ID.Kind != KindInt64 && c.ID.Kind != KindString {
		return mappingErrorf(c.Name, c.ID.Name, "identity must be integer or string, not %s", c.ID.Kind)
	}

	if v := c.Version; v != nil {
		if c.VersionStrategy == VersionNone {
			return mappingErrorf(c.Name, v.Name, "version field with version strategy none")
		}
		if want := c.VersionStrategy.Kind(); v.Kind != want {
			return mappingErrorf(c.Name, v.Name, "%s version needs %s field, not %s", c.VersionStrategy, want, v.Kind)
		}
	} else if c.VersionStrategy != VersionNone {
		return mappingErrorf(c.Name, "", "version strategy %s without version field", c.VersionStrategy)
	}

	// all columns of one table must agree on kind
	colKind := map[string]*FieldMetaData{}
	for _, f := range c.Root().TableFields() {
		if g := colKind[f.Column]; g != nil && g.Kind != f.Kind {
			return mappingErrorf(c.Name, f.Name, "column %s mapped also by %s with kind %s", f.Column, g, g.Kind)
		}
		colKind[f.Column] = f
	}
	if c.HasDiscriminator() && colKind[c.DiscriminatorColumn] != nil {
		return mappingErrorf(c.Name, "", "discriminator column %s clashes with a field", c.DiscriminatorColumn)
	}
	return nil
}

// Resolved returns whether c was linked and validated by Repository.Resolve.
func (c *ClassMetaData) Resolved() bool { return c.resolved }
