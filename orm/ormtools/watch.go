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


// Ormwatch - watch remote commit events

package ormtools

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/remote"
)

// Watch subscribes to remote-commit provider url and prints received
// commit events to w until ctx is canceled:
//
//	# watching <url>
//	commit <rev> <source> <class>...
//	+ <id>		(verbose)
//	~ <id>
//	- <id>
func Watch(ctx context.Context, url string, w io.Writer, verbose bool) (err error) {
	defer xerr.Contextf(&err, "watch %s", url)

	evq := make(chan *remote.CommitEvent)
	p, err := remote.Open(ctx, url, &remote.OpenOptions{
		Source:  "watch-" + uuid.NewString(),
		Notifyq: evq,
	})
	if err != nil {
		return err
	}
	defer func() {
		__ := p.Close()
		if err == nil {
			err = __
		}
	}()

	if _, err := fmt.Fprintf(w, "# watching %s\n", url); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-evq:
			err := watchPrint(w, ev, verbose)
			if err != nil {
				return err
			}
		}
	}
}

func watchPrint(w io.Writer, ev *remote.CommitEvent, verbose bool) error {
	line := fmt.Sprintf("commit %s %s %s\n", ev.Rev, ev.Source, strings.Join(ev.Classes, " "))
	if verbose {
		for _, id := range ev.Added {
			line += "+ " + id.String() + "\n"
		}
		for _, id := range ev.Updated {
			line += "~ " + id.String() + "\n"
		}
		for _, id := range ev.Deleted {
			line += "- " + id.String() + "\n"
		}
		line += "\n"
	}
	_, err := io.WriteString(w, line)
	return err
}

// ----------------------------------------

const watchSummary = "watch remote commit events"

func watchUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: orm watch [OPTIONS] <remote-url>
Watch commit events broadcast by persistence units over a remote-commit
provider (see 'orm help remote').

Options:

    -v      print identities of changed instances
    -h --help       this help text.
`)
}

func watchMain(argv []string) {
	verbose := false
	flags := flag.FlagSet{Usage: func() { watchUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.BoolVar(&verbose, "v", verbose, "verbose mode")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) != 1 {
		flags.Usage()
		prog.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := Watch(ctx, argv[0], os.Stdout, verbose)
	if err != nil && ctx.Err() == nil {
		prog.Fatal(err)
	}
}
