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
// SQL dialects

import (
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lab.nexedi.com/nexedi/persist/meta"
)

// Dialect renders what differs between relational databases.
type Dialect interface {
	Name() string

	// Placeholder returns marker of n-th (1-based) statement parameter.
	Placeholder(n int) string

	// Literal renders canonical column value v as SQL literal.
	Literal(v interface{}) string

	// Limit appends pagination to query q; limit < 0 means no limit.
	Limit(q string, offset, limit int) string

	// OptimizeFor appends a hint that only the first n rows will be read; n <= 0 means no hint.
	OptimizeFor(q string, n int) string

	// ColumnType returns column type for values of kind k.
	ColumnType(k meta.ValueKind) string

	// Func renders scalar function call with already rendered arguments.
	Func(name string, argv []string) string

	// DeferredConstraints tells whether foreign keys can be checked at commit.
	DeferredConstraints() bool

	// InlineForeignKeys tells whether foreign keys must be declared
	// inside CREATE TABLE instead of with ALTER TABLE.
	InlineForeignKeys() bool
}

// sqlDialect is Dialect driven by a table of per-database differences.
type sqlDialect struct {
	name     string
	dollar   bool // $n markers instead of ?
	types    map[meta.ValueKind]string
	boolLit  [2]string // false, true
	bytesLit func(b []byte) string
	timeLit  func(t time.Time) string
	limit    func(q string, offset, limit int) string
	optimize func(q string, n int) string
	funcs    map[string]func(argv []string) string
	deferred bool
	inlineFK bool
}

func (d *sqlDialect) Name() string              { return d.name }
func (d *sqlDialect) DeferredConstraints() bool { return d.deferred }
func (d *sqlDialect) InlineForeignKeys() bool   { return d.inlineFK }
func (d *sqlDialect) String() string            { return d.name }

func (d *sqlDialect) Placeholder(n int) string {
	if d.dollar {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d *sqlDialect) ColumnType(k meta.ValueKind) string {
	t, ok := d.types[k]
	if !ok {
		panic(fmt.Sprintf("store: %s: no column type for %s", d.name, k))
	}
	return t
}

func (d *sqlDialect) Literal(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return "NULL"
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return d.boolLit[1]
		}
		return d.boolLit[0]
	case []byte:
		return d.bytesLit(v)
	case time.Time:
		return d.timeLit(v)
	}
	panic(fmt.Sprintf("store: %s: literal of %T", d.name, v))
}

func (d *sqlDialect) Limit(q string, offset, limit int) string {
	if offset <= 0 && limit < 0 {
		return q
	}
	if offset < 0 {
		offset = 0
	}
	return d.limit(q, offset, limit)
}

func (d *sqlDialect) OptimizeFor(q string, n int) string {
	if n <= 0 || d.optimize == nil {
		return q
	}
	return d.optimize(q, n)
}

func (d *sqlDialect) Func(name string, argv []string) string {
	if f, ok := d.funcs[name]; ok {
		return f(argv)
	}
	if f, ok := commonFuncs[name]; ok {
		return f(argv)
	}
	return name + "(" + strings.Join(argv, ", ") + ")"
}

var commonFuncs = map[string]func(argv []string) string{
	"CONCAT":            func(argv []string) string { return "(" + strings.Join(argv, " || ") + ")" },
	"SUBSTRING":         func(argv []string) string { return "SUBSTR(" + strings.Join(argv, ", ") + ")" },
	"CURRENT_DATE":      func([]string) string { return "CURRENT_DATE" },
	"CURRENT_TIME":      func([]string) string { return "CURRENT_TIME" },
	"CURRENT_TIMESTAMP": func([]string) string { return "CURRENT_TIMESTAMP" },
}

func limitOffset(q string, offset, limit int) string {
	if limit >= 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}
	if offset > 0 {
		q += " OFFSET " + strconv.Itoa(offset)
	}
	return q
}

const timeLiteralLayout = "2006-01-02 15:04:05.999999"

var sqliteDialect = &sqlDialect{
	name: "sqlite",
	types: map[meta.ValueKind]string{
		meta.KindInt64:   "INTEGER",
		meta.KindFloat64: "REAL",
		meta.KindString:  "TEXT",
		meta.KindBool:    "BOOLEAN",
		meta.KindBytes:   "BLOB",
		meta.KindTime:    "TIMESTAMP",
	},
	boolLit:  [2]string{"0", "1"},
	bytesLit: func(b []byte) string { return "X'" + hex.EncodeToString(b) + "'" },
	// the form the driver writes time.Time parameters in
	timeLit: func(t time.Time) string {
		return "'" + t.Format("2006-01-02 15:04:05.999999999-07:00") + "'"
	},
	limit: func(q string, offset, limit int) string {
		// OFFSET needs LIMIT
		if limit < 0 {
			return q + " LIMIT -1 OFFSET " + strconv.Itoa(offset)
		}
		return limitOffset(q, offset, limit)
	},
	funcs: map[string]func(argv []string) string{
		"MOD":    func(argv []string) string { return "(" + argv[0] + " % " + argv[1] + ")" },
		"LOCATE": func(argv []string) string { return "INSTR(" + argv[1] + ", " + argv[0] + ")" },
	},
	deferred: true,
	inlineFK: true,
}

var postgresDialect = &sqlDialect{
	name:   "postgres",
	dollar: true,
	types: map[meta.ValueKind]string{
		meta.KindInt64:   "BIGINT",
		meta.KindFloat64: "DOUBLE PRECISION",
		meta.KindString:  "TEXT",
		meta.KindBool:    "BOOLEAN",
		meta.KindBytes:   "BYTEA",
		meta.KindTime:    "TIMESTAMPTZ",
	},
	boolLit:  [2]string{"FALSE", "TRUE"},
	bytesLit: func(b []byte) string { return `'\x` + hex.EncodeToString(b) + "'::BYTEA" },
	timeLit: func(t time.Time) string {
		return "TIMESTAMPTZ '" + t.UTC().Format(timeLiteralLayout) + "+00'"
	},
	limit: limitOffset,
	funcs: map[string]func(argv []string) string{
		"LOCATE": func(argv []string) string { return "STRPOS(" + argv[1] + ", " + argv[0] + ")" },
	},
	deferred: true,
}

// db2 is render-only: there is no driver for it.
var db2Dialect = &sqlDialect{
	name: "db2",
	types: map[meta.ValueKind]string{
		meta.KindInt64:   "BIGINT",
		meta.KindFloat64: "DOUBLE",
		meta.KindString:  "VARCHAR(254)",
		meta.KindBool:    "SMALLINT",
		meta.KindBytes:   "BLOB",
		meta.KindTime:    "TIMESTAMP",
	},
	boolLit:  [2]string{"0", "1"},
	bytesLit: func(b []byte) string { return "BLOB(X'" + hex.EncodeToString(b) + "')" },
	timeLit: func(t time.Time) string {
		return "TIMESTAMP '" + t.UTC().Format(timeLiteralLayout) + "'"
	},
	limit: func(q string, offset, limit int) string {
		if offset > 0 {
			q += " OFFSET " + strconv.Itoa(offset) + " ROWS"
		}
		if limit >= 0 {
			q += " FETCH FIRST " + strconv.Itoa(limit) + " ROWS ONLY"
		}
		return q
	},
	optimize: func(q string, n int) string {
		return q + " OPTIMIZE FOR " + strconv.Itoa(n) + " ROWS"
	},
	funcs: map[string]func(argv []string) string{
		"CONCAT": func(argv []string) string {
			// CONCAT is binary on DB2
			s := argv[0]
			for _, a := range argv[1:] {
				s = "CONCAT(" + s + ", " + a + ")"
			}
			return s
		},
	},
}

var (
	dialectMu       sync.RWMutex
	dialectRegistry = map[string]Dialect{}
)

// RegisterDialect registers dialect d under d.Name().
func RegisterDialect(d Dialect) {
	dialectMu.Lock()
	defer dialectMu.Unlock()
	if _, already := dialectRegistry[d.Name()]; already {
		panic(fmt.Errorf("store: dialect %q was already registered", d.Name()))
	}
	dialectRegistry[d.Name()] = d
}

// LookupDialect returns dialect registered under name.
func LookupDialect(name string) (Dialect, error) {
	dialectMu.RLock()
	defer dialectMu.RUnlock()
	d, ok := dialectRegistry[name]
	if !ok {
		return nil, fmt.Errorf("store: unknown dialect %q", name)
	}
	return d, nil
}

// Dialects returns names of all registered dialects.
func Dialects() []string {
	dialectMu.RLock()
	defer dialectMu.RUnlock()
	var v []string
	for name := range dialectRegistry {
		v = append(v, name)
	}
	sort.Strings(v)
	return v
}

func init() {
	RegisterDialect(sqliteDialect)
	RegisterDialect(postgresDialect)
	RegisterDialect(db2Dialect)
}

// Sqlite, Postgres and DB2 return the built-in dialects.
func Sqlite() Dialect   { return sqliteDialect }
func Postgres() Dialect { return postgresDialect }
func DB2() Dialect      { return db2Dialect }
