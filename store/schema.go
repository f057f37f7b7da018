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

package store
// DDL derived from metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/meta"
)

// SequenceTable is the table numeric identities are allocated from.
//
// It has one row per hierarchy root using the sequence strategy.
const SequenceTable = "ORM_SEQUENCE"

// SchemaOptions control DDL generation.
type SchemaOptions struct {
	// Deferrable declares foreign keys DEFERRABLE INITIALLY DEFERRED, if
	// the dialect supports deferred constraints.
	Deferrable bool

	// IfNotExists makes CREATE TABLE statements not fail on existing tables.
	IfNotExists bool
}

// table is one table of the schema: the table of a hierarchy root.
type table struct {
	root *meta.ClassMetaData
	fks  []*meta.FieldMetaData
}

// tables returns tables of all resolved hierarchies of repo, ordered so that
// referenced tables come before referencing ones where possible.
func tables(repo *meta.Repository) ([]*table, error) {
	var tabv []*table
	byName := map[string]int64{}
	for _, c := range repo.Classes() {
		if c.Super != nil {
			continue
		}
		if !c.Resolved() {
			return nil, fmt.Errorf("class %s is not resolved", c.Name)
		}
		if _, dup := byName[c.Table]; dup {
			return nil, fmt.Errorf("table %s is mapped by several hierarchies", c.Table)
		}
		byName[c.Table] = int64(len(tabv))
		t := &table{root: c}
		for _, f := range c.TableFields() {
			if f.Strategy == meta.StrategyToOne {
				t.fks = append(t.fks, f)
			}
		}
		tabv = append(tabv, t)
	}

	// referenced -> referencing
	g := simple.NewDirectedGraph()
	for i := range tabv {
		g.AddNode(simple.Node(i))
	}
	for i, t := range tabv {
		for _, f := range t.fks {
			j := byName[f.TargetClass().Root().Table]
			if j == int64(i) || g.HasEdgeFromTo(j, int64(i)) {
				continue
			}
			g.SetEdge(g.NewEdge(g.Node(j), g.Node(int64(i))))
		}
	}
	nodev, err := sortWithCycles(g)
	if err != nil {
		return nil, err
	}
	ordered := make([]*table, len(nodev))
	for i, n := range nodev {
		ordered[i] = tabv[n.ID()]
	}
	return ordered, nil
}

// sortWithCycles sorts g topologically, in lexical order of node IDs among
// independent nodes. Members of a cycle are put at the cycle's position.
func sortWithCycles(g graph.Directed) ([]graph.Node, error) {
	sorted, err := topo.SortStabilized(g, nil)
	if err == nil {
		return sorted, nil
	}
	var cycles topo.Unorderable
	if !errors.As(err, &cycles) {
		return nil, err
	}
	var v []graph.Node
	k := 0
	for _, n := range sorted {
		if n != nil {
			v = append(v, n)
			continue
		}
		v = append(v, cycles[k]...)
		k++
	}
	return v, nil
}

// Schema returns statements creating tables for all classes of repo.
//
// Every hierarchy is stored in the table of its root. Columns of fields
// declared by subclasses are nullable. The sequence table is created if
// any class allocates identities from it.
func Schema(repo *meta.Repository, d Dialect, opt SchemaOptions) (stmtv []string, err error) {
	defer xerr.Context(&err, "schema")

	tabv, err := tables(repo)
	if err != nil {
		return nil, err
	}

	deferrable := ""
	if opt.Deferrable && d.DeferredConstraints() {
		deferrable = " DEFERRABLE INITIALLY DEFERRED"
	}
	create := "CREATE TABLE "
	if opt.IfNotExists {
		create += "IF NOT EXISTS "
	}

	var alterv []string
	sequence := false
	for _, t := range tabv {
		root := t.root
		sequence = sequence || root.IDStrategy == meta.IDSequence

		var linev []string
		for _, f := range root.TableFields() {
			line := f.Column + " " + d.ColumnType(f.Kind)
			switch {
			case f.PK:
				line += " NOT NULL PRIMARY KEY"
			case !f.Nullable && f.Declarer == root:
				line += " NOT NULL"
			}
			linev = append(linev, line)
		}
		if root.HasDiscriminator() {
			linev = append(linev, root.DiscriminatorColumn+" "+d.ColumnType(meta.KindString)+" NOT NULL")
		}

		for _, f := range t.fks {
			target := f.TargetClass().Root()
			fk := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)%s",
				f.Column, target.Table, target.ID.Column, deferrable)
			if d.InlineForeignKeys() {
				linev = append(linev, fk)
			} else {
				alterv = append(alterv, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
					root.Table, fkName(root.Table, f.Column), fk))
			}
		}

		stmtv = append(stmtv, create+root.Table+" (\n\t"+strings.Join(linev, ",\n\t")+"\n)")
	}

	if sequence {
		stmtv = append(stmtv, fmt.Sprintf("%s%s (\n\tNAME %s NOT NULL PRIMARY KEY,\n\tNEXT_VALUE %s NOT NULL\n)",
			create, SequenceTable, d.ColumnType(meta.KindString), d.ColumnType(meta.KindInt64)))
	}
	return append(stmtv, alterv...), nil
}

// DropSchema returns statements dropping tables created by Schema, referencing tables first.
func DropSchema(repo *meta.Repository, d Dialect) ([]string, error) {
	tabv, err := tables(repo)
	if err != nil {
		return nil, err
	}
	var stmtv []string
	sequence := false
	for i := len(tabv) - 1; i >= 0; i-- {
		stmtv = append(stmtv, "DROP TABLE "+tabv[i].root.Table)
		sequence = sequence || tabv[i].root.IDStrategy == meta.IDSequence
	}
	if sequence {
		stmtv = append(stmtv, "DROP TABLE "+SequenceTable)
	}
	return stmtv, nil
}

func fkName(table, column string) string {
	return strings.ToLower("fk_" + table + "_" + column)
}

// CreateSchema creates tables for all classes of repo in st, in one transaction.
func CreateSchema(ctx context.Context, st Store, repo *meta.Repository, opt SchemaOptions) (err error) {
	defer xerr.Contextf(&err, "%s: create schema", st.URL())

	stmtv, err := Schema(repo, st.Dialect(), opt)
	if err != nil {
		return err
	}
	tx, err := st.Begin(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range stmtv {
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return xerr.Merge(err, tx.Rollback(ctx))
		}
	}
	return tx.Commit(ctx)
}
