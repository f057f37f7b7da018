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
// declarative class descriptors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ClassSpec declares a class without Go struct type.
//
// Instances of such classes cannot be materialized as Go objects; the
// classes are used by tools that only need the mapping: DDL generation,
// query translation, cache inspection.
type ClassSpec struct {
	Name                string      `toml:"name"`
	Extends             string      `toml:"extends"`
	Table               string      `toml:"table"`
	Discriminator       string      `toml:"discriminator"`
	DiscriminatorColumn string      `toml:"discriminator_column"`
	IDStrategy          string      `toml:"id_strategy"`
	VersionStrategy     string      `toml:"version_strategy"`
	Uncached            bool        `toml:"uncached"`
	Fields              []FieldSpec `toml:"field"`
}

// FieldSpec declares one field of a ClassSpec.
//
// A field with Target is a to-one relation, or to-many if MappedBy is also set.
type FieldSpec struct {
	Name     string `toml:"name"`
	Column   string `toml:"column"`
	Kind     string `toml:"kind"`
	PK       bool   `toml:"pk"`
	Version  bool   `toml:"version"`
	NotNull  bool   `toml:"notnull"`
	Target   string `toml:"target"`
	MappedBy string `toml:"mappedby"`
	Cascade  string `toml:"cascade"`
	Lazy     bool   `toml:"lazy"`
}

// Mapping is a set of class declarations, e.g. a mapping file.
type Mapping struct {
	Classes []ClassSpec `toml:"class"`
}

// DecodeMapping decodes TOML text with [[class]] tables.
//
//	[[class]]
//	name = "Employee"
//	table = "EMP"
//	id_strategy = "sequence"
//	version_strategy = "number"
//
//	  [[class.field]]
//	  name = "ID"
//	  kind = "long"
//	  pk = true
//
// Unknown keys are an error.
func DecodeMapping(text string) (*Mapping, error) {
	m := &Mapping{}
	md, err := toml.Decode(text, m)
	if err != nil {
		return nil, fmt.Errorf("mapping: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keyv := make([]string, len(undec))
		for i, k := range undec {
			keyv[i] = k.String()
		}
		return nil, fmt.Errorf("mapping: unknown keys: %s", strings.Join(keyv, ", "))
	}
	return m, nil
}

// Define adds descriptor-only class declared by spec.
//
// Superclass named by Extends must be already defined.
func (r *Repository) Define(spec ClassSpec) (*ClassMetaData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Name == "" {
		return nil, &MappingError{Err: errors.New("class without name")}
	}
	c := &ClassMetaData{
		Name:      spec.Name,
		Cacheable: !spec.Uncached,
	}
	if spec.Extends != "" {
		c.Super = r.byName[spec.Extends]
		if c.Super == nil {
			return nil, mappingErrorf(c.Name, "", "superclass %s not defined", spec.Extends)
		}
	}

	cfg := classConfig{
		name:    spec.Name,
		table:   spec.Table,
		disc:    spec.Discriminator,
		discCol: spec.DiscriminatorColumn,
	}
	if spec.VersionStrategy != "" {
		vs, err := ParseVersionStrategy(spec.VersionStrategy)
		if err != nil {
			return nil, &MappingError{c.Name, "", err}
		}
		cfg.version = &vs
	}
	idStrategy := IDAssigned
	if spec.IDStrategy != "" {
		s, err := ParseIDStrategy(spec.IDStrategy)
		if err != nil {
			return nil, &MappingError{c.Name, "", err}
		}
		idStrategy = s
	}

	for _, fs := range spec.Fields {
		f, err := fs.build(c.Name)
		if err != nil {
			return nil, err
		}
		c.declared = append(c.declared, f)
	}

	if err := c.configure(&cfg, idStrategy); err != nil {
		return nil, err
	}
	if err := r.add(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (fs *FieldSpec) build(class string) (*FieldMetaData, error) {
	if fs.Name == "" {
		return nil, mappingErrorf(class, "", "field without name")
	}
	f := &FieldMetaData{
		Name:     fs.Name,
		Column:   fs.Column,
		PK:       fs.PK,
		Version:  fs.Version,
		Target:   fs.Target,
		MappedBy: fs.MappedBy,
		Lazy:     fs.Lazy,
		Nullable: !(fs.NotNull || fs.PK || fs.Version),
	}
	cascade, err := ParseCascade(fs.Cascade)
	if err != nil {
		return nil, &MappingError{class, fs.Name, err}
	}
	f.Cascade = cascade

	switch {
	case fs.Target != "" && fs.MappedBy != "":
		f.Strategy = StrategyToMany
		f.Column = ""
		f.Nullable = false
	case fs.Target != "":
		f.Strategy = StrategyToOne
		if f.Column == "" {
			f.Column = snake(fs.Name) + "_id"
		}
	default:
		if fs.MappedBy != "" {
			return nil, mappingErrorf(class, fs.Name, "mappedby without target")
		}
		if cascade != 0 {
			return nil, mappingErrorf(class, fs.Name, "cascade on basic field")
		}
		kind, err := ParseKind(fs.Kind)
		if err != nil {
			return nil, &MappingError{class, fs.Name, err}
		}
		f.Strategy = StrategyBasic
		f.Kind = kind
		if f.Column == "" {
			f.Column = snake(fs.Name)
		}
	}
	if f.Strategy != StrategyBasic && (f.PK || f.Version) {
		return nil, mappingErrorf(class, fs.Name, "relation cannot be identity or version")
	}
	return f, nil
}

// Load defines all classes of m, in order, and resolves the repository.
func (r *Repository) Load(m *Mapping) error {
	for _, spec := range m.Classes {
		if _, err := r.Define(spec); err != nil {
			return err
		}
	}
	return r.Resolve()
}

// Spec returns declarative form of class c.
//
// Define(c.Spec()) in another repository yields equivalent descriptor-only class.
func (c *ClassMetaData) Spec() ClassSpec {
	spec := ClassSpec{
		Name:          c.Name,
		Discriminator: c.DiscriminatorValue,
		Uncached:      !c.Cacheable,
	}
	if c.Super != nil {
		spec.Extends = c.Super.Name
	} else {
		spec.Table = c.Table
		if c.explicitDiscriminator {
			spec.DiscriminatorColumn = c.DiscriminatorColumn
		}
		spec.IDStrategy = c.IDStrategy.String()
		spec.VersionStrategy = c.VersionStrategy.String()
	}
	for _, f := range c.declared {
		fs := FieldSpec{
			Name:     f.Name,
			Column:   f.Column,
			PK:       f.PK,
			Version:  f.Version,
			NotNull:  !f.Nullable && f.Strategy != StrategyToMany,
			Target:   f.Target,
			MappedBy: f.MappedBy,
			Lazy:     f.Lazy,
		}
		if f.Cascade != 0 {
			fs.Cascade = f.Cascade.String()
		}
		if f.Strategy == StrategyBasic {
			fs.Kind = f.Kind.String()
		}
		spec.Fields = append(spec.Fields, fs)
	}
	return spec
}
