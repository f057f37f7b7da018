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
// tracing of issued statements

import (
	"context"
)

// Event describes one statement issued to a store.
type Event struct {
	Op   string          // query, exec, batch, commit, rollback
	SQL  string
	Argv [][]interface{} // one argument set per executed statement
}

// Trace returns Store that calls hook for every statement issued via it
// before passing the statement to st.
func Trace(st Store, hook func(Event)) Store {
	return &traceStore{Store: st, hook: hook}
}

type traceStore struct {
	Store
	hook func(Event)
}

func (s *traceStore) Query(ctx context.Context, q string, args ...interface{}) (Rows, error) {
	s.hook(Event{Op: "query", SQL: q, Argv: [][]interface{}{args}})
	return s.Store.Query(ctx, q, args...)
}

func (s *traceStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &traceTx{Tx: tx, hook: s.hook}, nil
}

type traceTx struct {
	Tx
	hook func(Event)
}

func (t *traceTx) Query(ctx context.Context, q string, args ...interface{}) (Rows, error) {
	t.hook(Event{Op: "query", SQL: q, Argv: [][]interface{}{args}})
	return t.Tx.Query(ctx, q, args...)
}

func (t *traceTx) Exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	t.hook(Event{Op: "exec", SQL: q, Argv: [][]interface{}{args}})
	return t.Tx.Exec(ctx, q, args...)
}

func (t *traceTx) ExecBatch(ctx context.Context, q string, argv [][]interface{}) ([]int64, error) {
	t.hook(Event{Op: "batch", SQL: q, Argv: argv})
	return t.Tx.ExecBatch(ctx, q, argv)
}

func (t *traceTx) Commit(ctx context.Context) error {
	t.hook(Event{Op: "commit"})
	return t.Tx.Commit(ctx)
}

func (t *traceTx) Rollback(ctx context.Context) error {
	t.hook(Event{Op: "rollback"})
	return t.Tx.Rollback(ctx)
}
