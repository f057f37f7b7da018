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


// Package ormtools provides the subcommands of the orm utility.
package ormtools

import (
	"fmt"
	"os"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/nexedi/persist/meta"
)

var commands = prog.CommandRegistry{
	// NOTE the order commands are listed here is the order how they will appear in help
	{Name: "info", Summary: infoSummary, Usage: infoUsage, Main: infoMain},
	{Name: "ddl", Summary: ddlSummary, Usage: ddlUsage, Main: ddlMain},
	{Name: "translate", Summary: translateSummary, Usage: translateUsage, Main: translateMain},
	{Name: "watch", Summary: watchSummary, Usage: watchUsage, Main: watchMain},
	{Name: "relay", Summary: relaySummary, Usage: relayUsage, Main: relayMain},
}

const helpMapping = `Commands that need class metadata read it from a mapping file: TOML
with one [[class]] table per persistent class, superclasses first.

	[[class]]
	name = "Emp"
	table = "EMP"
	id_strategy = "sequence"        # assigned | sequence | uuid
	version_strategy = "number"     # none | number | timestamp

	  [[class.field]]
	  name = "ID"
	  kind = "long"
	  pk = true

	  [[class.field]]
	  name = "Dept"
	  target = "Dept"               # to-one relation, column dept_id
	  notnull = true

	[[class]]
	name = "Manager"
	extends = "Emp"

Field kinds are long, double, string, bool, bytes and time.
`

const helpRemote = `Remote-commit providers propagate commits of one process to caches of
the others. A provider is specified by URL:

- local://<bus>                          processes of one Go program (tests)
- tcp://<listen>?peers=<host:port>,...   direct TCP to every peer
- tcp://<listen>?discovery=k8s&...       peers found among Kubernetes pods
- redis://<host>:<port>/<db>?channel=..  redis pub/sub
- file:///<spool>[?retain=10m]           spool directory on a shared volume

'orm relay' runs a TCP hub that forwards every event it receives to its
peers, so that units need to know only the relay address.
`

var helpTopics = prog.HelpRegistry{
	{Name: "mapping", Summary: "specifying class metadata", Text: helpMapping},
	{Name: "remote", Summary: "specifying remote-commit provider", Text: helpRemote},
}

// Prog is the orm utility.
var Prog = prog.MainProg{
	Name:       "orm",
	Summary:    "Orm is a tool for inspecting object-relational mappings and their commit traffic",
	Commands:   commands,
	HelpTopics: helpTopics,
}

// LoadMapping returns repository with classes of mapping file path.
func LoadMapping(path string) (*meta.Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := meta.DecodeMapping(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	repo := meta.NewRepository()
	if err := repo.Load(m); err != nil {
		repo.Release()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return repo, nil
}
