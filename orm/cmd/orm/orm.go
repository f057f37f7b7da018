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


// Orm is a driver program for invoking ormtools subcommands.
package main

import (
	"lab.nexedi.com/nexedi/persist/orm/ormtools"

	_ "lab.nexedi.com/nexedi/persist/remote/filebus"
	_ "lab.nexedi.com/nexedi/persist/remote/k8s"
	_ "lab.nexedi.com/nexedi/persist/remote/redisbus"
	_ "lab.nexedi.com/nexedi/persist/remote/tcp"
	_ "lab.nexedi.com/nexedi/persist/store/postgres"
	_ "lab.nexedi.com/nexedi/persist/store/sqlite"
)

func main() {
	ormtools.Prog.Main()
}
