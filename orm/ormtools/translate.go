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


// Ormtranslate - translate JPQL query to SQL

package ormtools

import (
	"flag"
	"fmt"
	"io"
	"os"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/query"
	"lab.nexedi.com/nexedi/persist/store"
)

// Translate prints SQL query q is translated to for dialect d, followed by
// one line per statement parameter:
//
//	-- <n>: :<name> | ?<pos> | <literal>
//
// Rows [first, first+max) are selected; max < 0 means all rows.
func Translate(w io.Writer, repo *meta.Repository, d store.Dialect, q string, opt query.Options, first, max int) error {
	cq, err := query.CompileText(q, repo, d, opt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s\n", cq.SQLFor(first, max)); err != nil {
		return err
	}
	for i, p := range cq.Params {
		var what string
		switch {
		case p.Literal:
			what = fmt.Sprintf("%#v", p.Value)
		case p.Name != "":
			what = ":" + p.Name
		default:
			what = fmt.Sprintf("?%d", p.Pos)
		}
		if _, err := fmt.Fprintf(w, "-- %d: %s\n", i+1, what); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------

const translateSummary = "translate JPQL query to SQL"

func translateUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: orm translate [OPTIONS] <mapping> <query>
Translate JPQL query over classes of a mapping to SQL.

<mapping> is a mapping file (see 'orm help mapping').

Options:

    -dialect D      SQL dialect (default sqlite)
    -inline         render literals into SQL instead of binding them
    -first N        skip first N rows
    -max N          select at most N rows
    -h  --help      show this help
`)
}

func translateMain(argv []string) {
	dialect := "sqlite"
	opt := query.Options{}
	first, max := 0, -1
	flags := flag.FlagSet{Usage: func() { translateUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.StringVar(&dialect, "dialect", dialect, "SQL dialect")
	flags.BoolVar(&opt.InlineLiterals, "inline", opt.InlineLiterals, "inline literals")
	flags.IntVar(&first, "first", first, "skip first N rows")
	flags.IntVar(&max, "max", max, "select at most N rows")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) != 2 {
		flags.Usage()
		prog.Exit(2)
	}

	d, err := store.LookupDialect(dialect)
	if err != nil {
		prog.Fatal(err)
	}
	repo, err := LoadMapping(argv[0])
	if err != nil {
		prog.Fatal(err)
	}
	defer repo.Release()

	err = Translate(os.Stdout, repo, d, argv[1], opt, first, max)
	if err != nil {
		prog.Fatal(err)
	}
}
