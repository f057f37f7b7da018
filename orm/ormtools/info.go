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


// Orminfo - print classes of a mapping

package ormtools

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/nexedi/persist/meta"
)

// Info prints classes of repo with their declared fields.
//
// One line per class
//
//	class <name> [extends <super>] [table=<table> id=<strategy> version=<strategy>] [discriminator=<column>:<value>] [uncached]
//
// is followed by one tab-indented line per declared field
//
//	<name> <column> <kind> [<flag> ...]
func Info(w io.Writer, repo *meta.Repository) error {
	emitf := func(format string, argv ...interface{}) error {
		_, err := fmt.Fprintf(w, format, argv...)
		return err
	}

	for _, c := range repo.Classes() {
		line := []string{"class", c.Name}
		if c.Super != nil {
			line = append(line, "extends", c.Super.Name)
		} else {
			line = append(line, "table="+c.Table, "id="+c.IDStrategy.String(), "version="+c.VersionStrategy.String())
		}
		if c.Root().HasDiscriminator() {
			line = append(line, "discriminator="+c.Root().DiscriminatorColumn+":"+c.DiscriminatorValue)
		}
		if !c.Cacheable {
			line = append(line, "uncached")
		}
		if err := emitf("%s\n", strings.Join(line, " ")); err != nil {
			return err
		}

		for _, f := range c.Declared() {
			if err := emitf("\t%s\n", fieldInfo(f)); err != nil {
				return err
			}
		}
	}
	return nil
}

func fieldInfo(f *meta.FieldMetaData) string {
	column := f.Column
	if column == "" {
		column = "-"
	}
	line := []string{f.Name, column}
	switch f.Strategy {
	case meta.StrategyBasic:
		line = append(line, f.Kind.String())
	default:
		line = append(line, f.Strategy.String(), f.Target)
	}

	switch {
	case f.PK:
		line = append(line, "pk")
	case f.Version:
		line = append(line, "version")
	case f.Column != "" && !f.Nullable:
		line = append(line, "notnull")
	}
	if f.MappedBy != "" {
		line = append(line, "mappedby="+f.MappedBy)
	}
	if f.Lazy {
		line = append(line, "lazy")
	}
	if f.Cascade != 0 {
		line = append(line, "cascade="+f.Cascade.String())
	}
	return strings.Join(line, " ")
}

// ----------------------------------------

const infoSummary = "print classes of a mapping"

func infoUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: orm info [OPTIONS] <mapping>
Print classes of a mapping with their tables, strategies and fields.

<mapping> is a mapping file (see 'orm help mapping').

Options:

    -h  --help      show this help
`)
}

func infoMain(argv []string) {
	flags := flag.FlagSet{Usage: func() { infoUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) != 1 {
		flags.Usage()
		prog.Exit(2)
	}

	repo, err := LoadMapping(argv[0])
	if err != nil {
		prog.Fatal(err)
	}
	defer repo.Release()

	err = Info(os.Stdout, repo)
	if err != nil {
		prog.Fatal(err)
	}
}
