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

// Package meta describes persistent classes: identities, class and field
// metadata, and the mapping of field values to columns.
//
// Classes are registered into a Repository, either from Go struct types
//
//	type Employee struct {
//		orm.Persistent
//		ID   int64       `orm:"id,pk,generated=sequence"`
//		Name string      `orm:"name,notnull"`
//		Dept *Department `orm:"dept_id,notnull"`
//		Ver  int64       `orm:"version,version"`
//	}
//
//	repo.Register((*Employee)(nil), meta.Table("EMP"))
//
// or from declarative ClassSpec values, e.g. decoded from a TOML mapping file.
// A struct that embeds a registered class is its subclass; the whole
// hierarchy is stored in the table of its root, with a discriminator column
// telling the concrete class of every row.
//
// The repository is explicitly owned: whoever creates it with NewRepository
// holds one reference; every factory using it takes another via Acquire and
// drops it via Release. Once resolved, class metadata is immutable.
package meta

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"
)

// InheritanceStrategy tells how a class hierarchy is laid out in tables.
//
// Only single-table layout is implemented.
type InheritanceStrategy uint8

const (
	SingleTable InheritanceStrategy = iota
)

// IDStrategy tells how identity of new instances is obtained.
type IDStrategy uint8

const (
	IDAssigned IDStrategy = iota // application sets the key before persist
	IDSequence                   // numeric key allocated from sequence table
	IDUUID                       // random UUID string key
)

var idStrategyNames = [...]string{
	IDAssigned: "assigned",
	IDSequence: "sequence",
	IDUUID:     "uuid",
}

func (s IDStrategy) String() string {
	if int(s) < len(idStrategyNames) {
		return idStrategyNames[s]
	}
	return fmt.Sprintf("idstrategy(%d)", s)
}

// ParseIDStrategy parses text form of IDStrategy.
func ParseIDStrategy(s string) (IDStrategy, error) {
	for i, name := range idStrategyNames {
		if s == name {
			return IDStrategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown identity strategy %q", s)
}

// Cascade is set of operations that propagate along a relation.
type Cascade uint8

const (
	CascadePersist Cascade = 1 << iota
	CascadeRemove
	CascadeMerge
	CascadeDetach

	CascadeAll = CascadePersist | CascadeRemove | CascadeMerge | CascadeDetach
)

var cascadeNames = []struct {
	name string
	c    Cascade
}{
	{"persist", CascadePersist},
	{"remove", CascadeRemove},
	{"merge", CascadeMerge},
	{"detach", CascadeDetach},
	{"all", CascadeAll},
}

// ParseCascade parses "persist|merge"-like text.
func ParseCascade(s string) (Cascade, error) {
	var c Cascade
	if s == "" {
		return 0, nil
	}
loop:
	for _, part := range strings.Split(s, "|") {
		for _, cn := range cascadeNames {
			if part == cn.name {
				c |= cn.c
				continue loop
			}
		}
		return 0, fmt.Errorf("unknown cascade %q", part)
	}
	return c, nil
}

func (c Cascade) String() string {
	if c == CascadeAll {
		return "all"
	}
	var v []string
	for _, cn := range cascadeNames[:4] {
		if c&cn.c != 0 {
			v = append(v, cn.name)
		}
	}
	return strings.Join(v, "|")
}

// FieldMetaData describes one persistent field of a class.
//
// Every class has its own copies of inherited fields: Index of an inherited
// field is the same in the superclass and all subclasses.
type FieldMetaData struct {
	Name     string
	Column   string // "" for to-many
	Kind     ValueKind
	Strategy FieldStrategy
	Nullable bool
	PK       bool
	Version  bool
	Target   string // relation target class name
	MappedBy string // to-many: to-one field of Target pointing back
	Cascade  Cascade
	Lazy     bool

	// Index is the position of the field in its class Fields and in the
	// dirty bitset of state managers.
	Index int

	// Declarer is the class that declares the field.
	Declarer *ClassMetaData

	goIndex []int        // path of the field inside class struct; nil for descriptor-only classes
	goType  reflect.Type // Go type of the field
	target  *ClassMetaData
	inverse *FieldMetaData
}

// TargetClass returns resolved relation target.
func (f *FieldMetaData) TargetClass() *ClassMetaData { return f.target }

// Inverse returns, for a to-many field, the to-one field of the target that owns the relation.
func (f *FieldMetaData) Inverse() *FieldMetaData { return f.inverse }

// GoType returns Go type of the field; nil for descriptor-only classes.
func (f *FieldMetaData) GoType() reflect.Type { return f.goType }

// Value returns the field of struct value v (the class struct, not pointer).
func (f *FieldMetaData) Value(v reflect.Value) reflect.Value {
	return v.FieldByIndex(f.goIndex)
}

func (f *FieldMetaData) String() string {
	if f.Declarer == nil {
		return f.Name
	}
	return f.Declarer.Name + "." + f.Name
}

// ClassMetaData describes one persistent class.
type ClassMetaData struct {
	Name  string
	Table string
	Type  reflect.Type // struct type; nil for descriptor-only classes
	Super *ClassMetaData

	Inheritance         InheritanceStrategy
	DiscriminatorColumn string // of the hierarchy root
	DiscriminatorValue  string

	IDStrategy      IDStrategy
	VersionStrategy VersionStrategy
	Cacheable       bool

	Fields  []*FieldMetaData // inherited first, in declaration order
	ID      *FieldMetaData
	Version *FieldMetaData

	superIndex            []int // path of embedded superclass struct inside Type
	declared              []*FieldMetaData
	byName                map[string]*FieldMetaData
	subs                  []*ClassMetaData
	explicitDiscriminator bool
	resolved              bool
	repo                  *Repository
}

func (c *ClassMetaData) String() string { return c.Name }

// Root returns the root of c's inheritance hierarchy.
func (c *ClassMetaData) Root() *ClassMetaData {
	for c.Super != nil {
		c = c.Super
	}
	return c
}

// IsA returns whether c is other or a subclass of other.
func (c *ClassMetaData) IsA(other *ClassMetaData) bool {
	for ; c != nil; c = c.Super {
		if c == other {
			return true
		}
	}
	return false
}

// Subclasses returns direct subclasses of c.
func (c *ClassMetaData) Subclasses() []*ClassMetaData { return c.subs }

// Descendants returns c and all its subclasses, depth-first in registration order.
func (c *ClassMetaData) Descendants() []*ClassMetaData {
	v := []*ClassMetaData{c}
	for _, sub := range c.subs {
		v = append(v, sub.Descendants()...)
	}
	return v
}

// HasDiscriminator returns whether rows of c's table carry a discriminator column.
func (c *ClassMetaData) HasDiscriminator() bool {
	root := c.Root()
	return len(root.subs) > 0 || root.explicitDiscriminator
}

// ByDiscriminator returns the class of c's hierarchy with discriminator value v.
func (c *ClassMetaData) ByDiscriminator(v string) *ClassMetaData {
	for _, d := range c.Root().Descendants() {
		if d.DiscriminatorValue == v {
			return d
		}
	}
	return nil
}

// Field returns field by name or nil.
func (c *ClassMetaData) Field(name string) *FieldMetaData {
	return c.byName[name]
}

// Declared returns fields declared by c itself.
func (c *ClassMetaData) Declared() []*FieldMetaData { return c.declared }

// TableFields returns fields with columns of the whole hierarchy c belongs
// to, in the order columns are selected: root fields first, then declared
// fields of every subclass. Fields mapped to the same column appear once.
func (c *ClassMetaData) TableFields() []*FieldMetaData {
	var v []*FieldMetaData
	seen := map[string]bool{}
	for _, d := range c.Root().Descendants() {
		fields := d.declared
		if d.Super == nil {
			fields = d.Fields
		}
		for _, f := range fields {
			if !f.Strategy.HasColumn() || seen[f.Column] {
				continue
			}
			seen[f.Column] = true
			v = append(v, f)
		}
	}
	return v
}

// NewID returns identity of an instance of c with given key.
func (c *ClassMetaData) NewID(key interface{}) (ID, error) {
	root := c.Root()
	if root.ID == nil {
		return ID{}, fmt.Errorf("class %s has no identity field", c.Name)
	}
	canon, err := root.ID.Kind.Coerce(key)
	if err != nil {
		return ID{}, fmt.Errorf("id %s: %s", c.Name, err)
	}
	return NewID(root.Name, canon)
}

// IDOf returns identity of instance v (struct value of c's type).
//
// ok=false is returned if the key is the zero value.
func (c *ClassMetaData) IDOf(v reflect.Value) (id ID, ok bool, err error) {
	fv := c.ID.Value(v)
	if fv.IsZero() {
		return ID{}, false, nil
	}
	key, err := c.ID.ToColumn(fv)
	if err != nil {
		return ID{}, false, err
	}
	id, err = NewID(c.Root().Name, key)
	return id, err == nil, err
}

// New allocates new zero instance of c and returns pointer to it.
func (c *ClassMetaData) New() reflect.Value {
	return reflect.New(c.Type)
}

// Upcast converts pointer to an instance of c into pointer to its embedded
// ancestor class to.
//
// The ancestor may be embedded as an unexported type; the returned pointer
// is usable either way.
func (c *ClassMetaData) Upcast(ptr reflect.Value, to *ClassMetaData) (reflect.Value, bool) {
	if c == to {
		return ptr, true
	}
	v := ptr.Elem()
	for k := c; k != to; k = k.Super {
		if k == nil || k.Super == nil {
			return reflect.Value{}, false
		}
		v = v.FieldByIndex(k.superIndex)
	}
	// v.Addr() would carry the read-only flag of an unexported embedded field
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())), true
}

// MappingError is returned when class mapping is invalid.
type MappingError struct {
	Class string
	Field string
	Err   error
}

func (e *MappingError) Error() string {
	where := e.Class
	if e.Field != "" {
		where += "." + e.Field
	}
	return fmt.Sprintf("mapping %s: %s", where, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

func mappingErrorf(class, field, format string, argv ...interface{}) error {
	return &MappingError{Class: class, Field: field, Err: fmt.Errorf(format, argv...)}
}
