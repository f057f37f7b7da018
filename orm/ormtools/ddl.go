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


// Ormddl - print or apply schema of a mapping

package ormtools

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/store"
)

// DDL prints statements creating, or dropping if drop, tables of repo in dialect d.
//
// Every statement is terminated by ";" and an empty line.
func DDL(w io.Writer, repo *meta.Repository, d store.Dialect, opt store.SchemaOptions, drop bool) (err error) {
	defer xerr.Contextf(&err, "ddl %s", d.Name())

	var stmtv []string
	if drop {
		stmtv, err = store.DropSchema(repo, d)
	} else {
		stmtv, err = store.Schema(repo, d, opt)
	}
	if err != nil {
		return err
	}
	for _, stmt := range stmtv {
		if _, err := fmt.Fprintf(w, "%s;\n\n", stmt); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------

const ddlSummary = "print or apply schema of a mapping"

func ddlUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: orm ddl [OPTIONS] <mapping> [<store>]
Print statements creating tables of a mapping.

<mapping> is a mapping file (see 'orm help mapping'). If <store> URL is
given, the schema is created there instead, and the dialect is the one of
the store.

Options:

    -dialect D      SQL dialect of printed statements (default sqlite)
    -deferrable     declare foreign keys checked at commit
    -drop           print statements dropping the tables
    -h  --help      show this help
`)
}

func ddlMain(argv []string) {
	dialect := "sqlite"
	opt := store.SchemaOptions{}
	drop := false
	flags := flag.FlagSet{Usage: func() { ddlUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.StringVar(&dialect, "dialect", dialect, "SQL dialect")
	flags.BoolVar(&opt.Deferrable, "deferrable", opt.Deferrable, "deferrable foreign keys")
	flags.BoolVar(&drop, "drop", drop, "drop tables")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 1 || len(argv) > 2 {
		flags.Usage()
		prog.Exit(2)
	}

	repo, err := LoadMapping(argv[0])
	if err != nil {
		prog.Fatal(err)
	}
	defer repo.Release()

	if len(argv) == 2 {
		if drop {
			prog.Fatal("-drop cannot be applied to a store")
		}
		err = createSchema(context.Background(), argv[1], repo, opt)
	} else {
		var d store.Dialect
		d, err = store.LookupDialect(dialect)
		if err == nil {
			err = DDL(os.Stdout, repo, d, opt, drop)
		}
	}
	if err != nil {
		prog.Fatal(err)
	}
}

func createSchema(ctx context.Context, storeURL string, repo *meta.Repository, opt store.SchemaOptions) (err error) {
	st, err := store.Open(ctx, storeURL, nil)
	if err != nil {
		return err
	}
	defer func() {
		err = xerr.First(err, st.Close())
	}()
	return store.CreateSchema(ctx, st, repo, opt)
}
