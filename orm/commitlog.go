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

package orm
// commit log of the persistence unit

import (
	"sync"
	"time"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
)

// defaultLogRetain is how long the commit log remembers changes.
//
// Cached snapshots and query results older than that are treated as stale.
const defaultLogRetain = 10 * time.Minute

// commitLog records which classes and instances were changed at which
// revision, by local commits and by commits of other processes.
//
// Revisions of the log are local: every recorded event gets the next tid
// of the factory clock, which observes revisions of received events. A
// read started at Head() is thus older than every change recorded later.
type commitLog struct {
	mu      sync.RWMutex
	clock   *remote.Clock
	classes *ΔTail[string]
	ids     *ΔTail[meta.ID]
	retain  time.Duration
}

func newCommitLog(retain time.Duration) *commitLog {
	if retain <= 0 {
		retain = defaultLogRetain
	}
	clock := remote.NewClock()
	at := clock.Next()
	return &commitLog{
		clock:   clock,
		classes: NewΔTail[string](at),
		ids:     NewΔTail[meta.ID](at),
		retain:  retain,
	}
}

// Head returns revision of the last recorded change.
func (l *commitLog) Head() remote.Tid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ids.Head()
}

// Record appends ev to the log and returns local revision assigned to it.
//
// Events of other processes pass their revision to the clock first so that
// later local commits get greater revisions.
func (l *commitLog) Record(ev *remote.CommitEvent) remote.Tid {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Rev != 0 {
		l.clock.Observe(ev.Rev)
	}
	rev := l.clock.Next()
	l.classes.Append(rev, ev.Classes)
	l.ids.Append(rev, ev.IDs())

	cut := remote.TidFromTime(rev.Time().Add(-l.retain))
	l.classes.ForgetPast(cut)
	l.ids.ForgetPast(cut)
	return rev
}

// NextRev returns revision for a local commit event.
func (l *commitLog) NextRev() remote.Tid {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Next()
}

// IDChangedSince returns whether id might have been changed after rev.
func (l *commitLog) IDChangedSince(id meta.ID, rev remote.Tid) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ids.ChangedSince(id, rev)
}

// ClassChangedSince returns whether an instance of class hierarchy root might
// have been changed after rev.
func (l *commitLog) ClassChangedSince(root string, rev remote.Tid) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.classes.ChangedSince(root, rev)
}

// LastRevOf returns revision of the last recorded change to class root.
func (l *commitLog) LastRevOf(root string) remote.Tid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rev, _ := l.classes.LastRevOf(root)
	return rev
}
