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

// Package store provides access to relational stores.
//
// A Store is opened by URL; drivers register their URL scheme with
// RegisterDriver. Users import the driver packages they need, e.g.
//
//	import _ "lab.nexedi.com/nexedi/persist/store/sqlite"
//
//	st, err := store.Open(ctx, "sqlite:///var/lib/app.db", nil)
//
// Statements are written with positional markers rendered by the store's
// Dialect. Values passed to and returned from a store are the canonical
// column values of package meta: int64, float64, string, bool, []byte,
// time.Time or nil; drivers may return other representations which the
// mapping layer coerces.
//
// The package also derives DDL from a metadata repository (see Schema).
package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Store is a relational store.
//
// It is safe to use from multiple goroutines simultaneously.
type Store interface {
	// URL returns URL the store was opened via.
	URL() string

	// Dialect returns SQL dialect of the store.
	Dialect() Dialect

	// Query runs a read-only statement outside of any transaction.
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)

	// Begin starts a store transaction.
	Begin(ctx context.Context) (Tx, error)

	Close() error
}

// Tx is a store transaction.
//
// It must not be used from several goroutines simultaneously.
type Tx interface {
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)

	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)

	// ExecBatch runs one statement for every argument set and returns
	// the numbers of affected rows. It stops at first error.
	ExecBatch(ctx context.Context, sql string, argv [][]interface{}) ([]int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Rows is the result of a query.
type Rows interface {
	Columns() []string
	Next() bool
	// Values returns values of the current row.
	Values() ([]interface{}, error)
	Err() error
	Close() error
}

// OpError is the error returned by store operations.
type OpError struct {
	URL  string      // URL of the store
	Op   string      // operation that failed
	Args interface{} // operation arguments, if any
	Err  error       // actual error that occurred during the operation
}

func (e *OpError) Error() string {
	s := e.URL + ": " + e.Op
	if e.Args != nil {
		s += fmt.Sprintf(" %v", e.Args)
	}
	return s + ": " + e.Err.Error()
}

// Cause returns the underlying error; it is used by github.com/pkg/errors.Cause.
func (e *OpError) Cause() error  { return e.Err }
func (e *OpError) Unwrap() error { return e.Err }

// OpenOptions describes options for Open.
type OpenOptions struct {
	// MaxConns limits the number of connections a driver pool keeps; 0 = driver default.
	MaxConns int
}

// DriverOpener is a function to open a store driver.
type DriverOpener func(ctx context.Context, u *url.URL, opt *OpenOptions) (Store, error)

var (
	driverMu       sync.RWMutex
	driverRegistry = map[string]DriverOpener{} // scheme -> opener
)

// RegisterDriver registers opener to be used for URLs with scheme.
func RegisterDriver(scheme string, opener DriverOpener) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if _, already := driverRegistry[scheme]; already {
		panic(fmt.Errorf("store: URL scheme %q was already registered", scheme))
	}
	driverRegistry[scheme] = opener
}

// AvailableDrivers returns URL schemes of all registered drivers.
func AvailableDrivers() []string {
	driverMu.RLock()
	defer driverMu.RUnlock()
	var v []string
	for scheme := range driverRegistry {
		v = append(v, scheme)
	}
	sort.Strings(v)
	return v
}

// Open opens store by URL.
//
// Only URL schemes of registered drivers are handled. A URL without scheme
// is taken as path of a sqlite database.
func Open(ctx context.Context, storeURL string, opt *OpenOptions) (Store, error) {
	if !strings.Contains(storeURL, "://") {
		storeURL = "sqlite://" + storeURL
	}
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, err
	}
	if opt == nil {
		opt = &OpenOptions{}
	}

	driverMu.RLock()
	opener, ok := driverRegistry[u.Scheme]
	driverMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: URL scheme \"%s://\" not supported", u.Scheme)
	}
	return opener(ctx, u, opt)
}

// Collect reads all rows of r and closes it.
func Collect(r Rows) (rowv [][]interface{}, err error) {
	defer func() {
		if e := r.Close(); err == nil {
			err = e
		}
	}()
	for r.Next() {
		row, err := r.Values()
		if err != nil {
			return nil, err
		}
		rowv = append(rowv, row)
	}
	return rowv, r.Err()
}
