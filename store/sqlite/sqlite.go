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

// Package sqlite provides store driver for SQLite databases.
//
// URL is sqlite://<path>, e.g. sqlite:///var/lib/app.db for absolute path or
// sqlite://app.db for path relative to the current directory. The database is
// opened with foreign keys enforced and in WAL mode, so that autocommit reads
// are not blocked by a writing transaction.
package sqlite

import (
	"context"
	"database/sql"
	"net/url"

	_ "modernc.org/sqlite"

	"lab.nexedi.com/nexedi/persist/store"
)

// dsnParams are appended to every database path.
const dsnParams = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"

// Open opens SQLite database at path.
func Open(ctx context.Context, path string, opt *store.OpenOptions) (*store.SQLStore, error) {
	u := "sqlite://" + path
	db, err := sql.Open("sqlite", "file:"+path+"?"+dsnParams)
	if err != nil {
		return nil, &store.OpError{URL: u, Op: "open", Err: err}
	}
	if opt != nil && opt.MaxConns > 0 {
		db.SetMaxOpenConns(opt.MaxConns)
	}

	// check we can actually access db
	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, &store.OpError{URL: u, Op: "open", Err: err}
	}
	return store.NewSQLStore(db, u, store.Sqlite()), nil
}

func openURL(ctx context.Context, u *url.URL, opt *store.OpenOptions) (store.Store, error) {
	path := u.Host + u.Path
	return Open(ctx, path, opt)
}

func init() {
	store.RegisterDriver("sqlite", openURL)
}
