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
// registration of classes from Go struct types

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// classConfig collects ClassOptions.
type classConfig struct {
	name     string
	table    string
	disc     string
	discCol  string
	version  *VersionStrategy
	uncached bool
}

// ClassOption adjusts how a class is registered.
type ClassOption func(*classConfig)

// Name sets entity name; by default it is the name of Go type.
func Name(name string) ClassOption { return func(c *classConfig) { c.name = name } }

// Table sets table of a hierarchy root; by default it is snake-cased entity name.
func Table(table string) ClassOption { return func(c *classConfig) { c.table = table } }

// Discriminator sets discriminator value of the class; by default it is the entity name.
func Discriminator(value string) ClassOption { return func(c *classConfig) { c.disc = value } }

// DiscriminatorColumn sets discriminator column of a hierarchy root and
// makes the table carry it even if there are no subclasses.
func DiscriminatorColumn(column string) ClassOption {
	return func(c *classConfig) { c.discCol = column }
}

// Versioning overrides version strategy deduced from the version field type.
func Versioning(s VersionStrategy) ClassOption { return func(c *classConfig) { c.version = &s } }

// Uncached excludes instances of the class from the data cache.
func Uncached() ClassOption { return func(c *classConfig) { c.uncached = true } }

const defaultDiscriminatorColumn = "dtype"

// Register registers Go struct type of sample as persistent class.
//
// sample is e.g. (*Employee)(nil) or reflect.TypeOf(Employee{}). Persistent
// fields are exported fields; they are mapped according to their `orm` tag:
//
//	`orm:"column,option,option=value,..."`
//
// column defaults to snake-cased field name (with "_id" appended for
// relations). Options:
//
//	pk                  identity field (a field named ID is used if no field has pk)
//	generated=S         identity strategy: assigned (default), sequence, uuid
//	version             optimistic version field (int or time.Time)
//	notnull, nullable   column nullability
//	cascade=a|b         persist, remove, merge, detach, all
//	mappedby=F          to-many: name of to-one field of the target owning the relation
//	target=C            relation target class name
//	lazy                do not load the relation together with the instance
//
// A field `*T` with T a registered struct is a to-one relation; `[]*T` is
// a to-many one. Embedding a registered class struct makes the class its
// subclass; superclasses must be registered first. Tag "-" skips a field.
func (r *Repository) Register(sample interface{}, opts ...ClassOption) (*ClassMetaData, error) {
	typ, ok := sample.(reflect.Type)
	if !ok {
		typ = reflect.TypeOf(sample)
	}
	for typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return nil, mappingErrorf(fmt.Sprint(typ), "", "not a struct type")
	}

	cfg := classConfig{name: typ.Name()}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &ClassMetaData{
		Name:      cfg.name,
		Type:      typ,
		Cacheable: !cfg.uncached,
	}

	idStrategy := IDAssigned
	var genField *FieldMetaData
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		tag := sf.Tag.Get("orm")
		if tag == "-" {
			continue
		}

		if sf.Anonymous {
			if super := r.byType[sf.Type]; super != nil {
				if c.Super != nil {
					return nil, mappingErrorf(c.Name, sf.Name, "several superclasses")
				}
				c.Super = super
				c.superIndex = sf.Index
				continue
			}
			if sf.Type.Kind() == reflect.Struct && hasOrmTags(sf.Type) {
				return nil, mappingErrorf(c.Name, sf.Name, "embedded %s is not a registered class; register superclasses first", sf.Type)
			}
			// e.g. orm.Persistent
			continue
		}
		if sf.PkgPath != "" {
			continue // unexported
		}

		f, gen, err := parseField(c.Name, sf, tag)
		if err != nil {
			return nil, err
		}
		if gen != nil {
			idStrategy = *gen
			genField = f
		}
		c.declared = append(c.declared, f)
	}

	if c.Super == nil {
		// ID by convention
		havePK := false
		for _, f := range c.declared {
			havePK = havePK || f.PK
		}
		if !havePK {
			for _, f := range c.declared {
				if f.Name == "ID" && f.Strategy == StrategyBasic {
					f.PK = true
				}
			}
		}
	}

	if genField != nil && !genField.PK {
		return nil, mappingErrorf(c.Name, genField.Name, "generated on non-pk field")
	}

	if err := c.configure(&cfg, idStrategy); err != nil {
		return nil, err
	}
	if err := r.add(c); err != nil {
		return nil, err
	}
	return c, nil
}

// configure applies class-level configuration shared by Register and Define.
func (c *ClassMetaData) configure(cfg *classConfig, idStrategy IDStrategy) error {
	if c.Super == nil {
		c.Table = cfg.table
		if c.Table == "" {
			c.Table = snake(c.Name)
		}
		c.DiscriminatorColumn = defaultDiscriminatorColumn
		if cfg.discCol != "" {
			c.DiscriminatorColumn = cfg.discCol
			c.explicitDiscriminator = true
		}
		c.IDStrategy = idStrategy

		switch {
		case cfg.version != nil:
			c.VersionStrategy = *cfg.version
		default:
			for _, f := range c.declared {
				if !f.Version {
					continue
				}
				switch f.Kind {
				case KindInt64:
					c.VersionStrategy = VersionNumber
				case KindTime:
					c.VersionStrategy = VersionTimestamp
				default:
					return mappingErrorf(c.Name, f.Name, "version field of kind %s", f.Kind)
				}
			}
		}
	} else {
		if cfg.table != "" || cfg.discCol != "" {
			return mappingErrorf(c.Name, "", "table and discriminator column are set on the hierarchy root only")
		}
		if cfg.version != nil {
			return mappingErrorf(c.Name, "", "version strategy is set on the hierarchy root only")
		}
	}
	c.DiscriminatorValue = cfg.disc
	return nil
}

// parseField builds field metadata from struct field and its orm tag.
func parseField(class string, sf reflect.StructField, tag string) (f *FieldMetaData, gen *IDStrategy, err error) {
	f = &FieldMetaData{
		Name:     sf.Name,
		goIndex:  sf.Index,
		goType:   sf.Type,
		Nullable: true,
	}

	tagv := strings.Split(tag, ",")
	f.Column = strings.TrimSpace(tagv[0])
	notnull, nullable := false, false
	for _, opt := range tagv[1:] {
		opt = strings.TrimSpace(opt)
		key, value := opt, ""
		if i := strings.IndexByte(opt, '='); i >= 0 {
			key, value = opt[:i], opt[i+1:]
		}
		switch key {
		case "pk":
			f.PK = true
		case "generated":
			s, err := ParseIDStrategy(value)
			if err != nil {
				return nil, nil, &MappingError{class, sf.Name, err}
			}
			gen = &s
		case "version":
			f.Version = true
		case "notnull":
			notnull = true
		case "nullable":
			nullable = true
		case "cascade":
			c, err := ParseCascade(value)
			if err != nil {
				return nil, nil, &MappingError{class, sf.Name, err}
			}
			f.Cascade |= c
		case "mappedby":
			f.MappedBy = value
		case "target":
			f.Target = value
		case "lazy":
			f.Lazy = true
		case "":
			// trailing comma
		default:
			return nil, nil, mappingErrorf(class, sf.Name, "unknown tag option %q", key)
		}
	}
	if notnull && nullable {
		return nil, nil, mappingErrorf(class, sf.Name, "both notnull and nullable")
	}

	t := sf.Type
	switch {
	case t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct && t.Elem() != timeType:
		f.Strategy = StrategyToOne
		if f.Column == "" {
			f.Column = snake(sf.Name) + "_id"
		}

	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Ptr && t.Elem().Elem().Kind() == reflect.Struct:
		f.Strategy = StrategyToMany
		f.Column = ""
		f.Nullable = false

	default:
		kind, ok := KindOfType(t)
		if !ok {
			return nil, nil, mappingErrorf(class, sf.Name, "unsupported field type %s", t)
		}
		f.Strategy = StrategyBasic
		f.Kind = kind
		if f.Column == "" {
			f.Column = snake(sf.Name)
		}
	}

	if f.MappedBy != "" && f.Strategy != StrategyToMany {
		return nil, nil, mappingErrorf(class, sf.Name, "mappedby on %s field", f.Strategy)
	}
	if f.Strategy != StrategyBasic && (f.PK || f.Version) {
		return nil, nil, mappingErrorf(class, sf.Name, "relation cannot be identity or version")
	}
	if f.Cascade != 0 && !f.Strategy.Relation() {
		return nil, nil, mappingErrorf(class, sf.Name, "cascade on %s field", f.Strategy)
	}

	if notnull || f.PK || f.Version {
		f.Nullable = false
	}
	if f.Strategy == StrategyBasic && !nullable && !notnull && !f.PK {
		// Go values are never NULL; keep columns nullable only for
		// types that have a natural NULL.
		f.Nullable = f.Kind == KindBytes
	}
	return f, gen, nil
}

// hasOrmTags returns whether struct type t has any field with an orm tag.
func hasOrmTags(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		if _, ok := t.Field(i).Tag.Lookup("orm"); ok {
			return true
		}
	}
	return false
}

// snake converts CamelCase to snake_case: DeptID -> dept_id, HTTPServer -> http_server.
func snake(s string) string {
	rs := []rune(s)
	b := strings.Builder{}
	for i, r := range rs {
		if unicode.IsUpper(r) {
			if i > 0 && rs[i-1] != '_' &&
				(unicode.IsLower(rs[i-1]) || (i+1 < len(rs) && unicode.IsLower(rs[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
