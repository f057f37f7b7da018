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
// Store over database/sql

import (
	"context"
	"database/sql"
)

// SQLStore is Store over a database/sql connection pool.
type SQLStore struct {
	db      *sql.DB
	url     string
	dialect Dialect
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore returns Store that runs statements on db.
//
// The store owns db: Close closes it.
func NewSQLStore(db *sql.DB, url string, d Dialect) *SQLStore {
	return &SQLStore{db: db, url: url, dialect: d}
}

func (s *SQLStore) URL() string      { return s.url }
func (s *SQLStore) Dialect() Dialect { return s.dialect }
func (s *SQLStore) DB() *sql.DB      { return s.db }

// err turns err into OpError about s.op(args).
func (s *SQLStore) err(op string, args interface{}, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{URL: s.url, Op: op, Args: args, Err: err}
}

func (s *SQLStore) Query(ctx context.Context, q string, args ...interface{}) (Rows, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.err("query", q, err)
	}
	return &sqlRows{rows: rows, s: s, q: q}, nil
}

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.err("begin", nil, err)
	}
	return &sqlTx{tx: tx, s: s}, nil
}

func (s *SQLStore) Close() error {
	return s.err("close", nil, s.db.Close())
}

// sqlTx is Tx over sql.Tx.
type sqlTx struct {
	tx *sql.Tx
	s  *SQLStore
}

func (t *sqlTx) Query(ctx context.Context, q string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, t.s.err("query", q, err)
	}
	return &sqlRows{rows: rows, s: t.s, q: q}, nil
}

func (t *sqlTx) Exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, t.s.err("exec", q, err)
	}
	n, err := res.RowsAffected()
	return n, t.s.err("exec", q, err)
}

// ExecBatch prepares q once and runs it with every argument set.
func (t *sqlTx) ExecBatch(ctx context.Context, q string, argv [][]interface{}) (_ []int64, err error) {
	if len(argv) == 1 {
		n, err := t.Exec(ctx, q, argv[0]...)
		return []int64{n}, err
	}

	stmt, err := t.tx.PrepareContext(ctx, q)
	if err != nil {
		return nil, t.s.err("prepare", q, err)
	}
	defer func() {
		if e := stmt.Close(); err == nil {
			err = t.s.err("prepare", q, e)
		}
	}()

	nv := make([]int64, 0, len(argv))
	for _, args := range argv {
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return nv, t.s.err("exec", q, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nv, t.s.err("exec", q, err)
		}
		nv = append(nv, n)
	}
	return nv, nil
}

func (t *sqlTx) Commit(context.Context) error {
	return t.s.err("commit", nil, t.tx.Commit())
}

func (t *sqlTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		err = nil
	}
	return t.s.err("rollback", nil, err)
}

// sqlRows is Rows over sql.Rows.
type sqlRows struct {
	rows *sql.Rows
	s    *SQLStore
	q    string
	cols []string
}

func (r *sqlRows) Columns() []string {
	if r.cols == nil {
		r.cols, _ = r.rows.Columns()
	}
	return r.cols
}

func (r *sqlRows) Next() bool { return r.rows.Next() }

func (r *sqlRows) Values() ([]interface{}, error) {
	n := len(r.Columns())
	valv := make([]interface{}, n)
	ptrv := make([]interface{}, n)
	for i := range valv {
		ptrv[i] = &valv[i]
	}
	if err := r.rows.Scan(ptrv...); err != nil {
		return nil, r.s.err("scan", r.q, err)
	}
	return valv, nil
}

func (r *sqlRows) Err() error   { return r.s.err("query", r.q, r.rows.Err()) }
func (r *sqlRows) Close() error { return r.s.err("query", r.q, r.rows.Close()) }
