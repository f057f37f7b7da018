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

import (
	"fmt"

	"lab.nexedi.com/nexedi/persist/remote"
)

// ΔTail represents tail of revisional changes.
//
// It semantically consists of
//
//	[](rev↑, []id)		; rev ∈ (tail, head]
//
// and index
//
//	{} id -> max(rev: rev changed id)
//
// where id is what has been changed, e.g. identity of an instance or name
// of a class.
//
// ΔTail is not safe for concurrent use; commitLog serializes access.
type ΔTail[K comparable] struct {
	head  remote.Tid
	tail  remote.Tid
	tailv []δRevEntry[K]

	lastRevOf map[K]remote.Tid // index for LastRevOf queries
}

// δRevEntry represents what have been changed in one revision.
type δRevEntry[K comparable] struct {
	rev     remote.Tid
	changev []K
}

// NewΔTail creates new ΔTail covering changes after at.
func NewΔTail[K comparable](at remote.Tid) *ΔTail[K] {
	return &ΔTail[K]{head: at, tail: at, lastRevOf: make(map[K]remote.Tid)}
}

// Len returns number of revisions in the tail.
func (δtail *ΔTail[K]) Len() int { return len(δtail.tailv) }

// Head returns newest revision δtail covers.
func (δtail *ΔTail[K]) Head() remote.Tid { return δtail.head }

// Tail returns revision since which δtail has history coverage.
//
// Changes in (tail, head] are known.
func (δtail *ΔTail[K]) Tail() remote.Tid { return δtail.tail }

// SliceByRev returns δtail entries with .rev ∈ (low, high].
//
// it must be called with tail ≤ low ≤ high ≤ head.
// the caller must not modify returned slice.
func (δtail *ΔTail[K]) SliceByRev(low, high remote.Tid) /*readonly*/ []δRevEntry[K] {
	if !(δtail.tail <= low && low <= high && high <= δtail.head) {
		panic(fmt.Sprintf("δtail.Slice: (%s, %s] invalid; tail..head = %s..%s", low, high, δtail.tail, δtail.head))
	}
	tailv := δtail.tailv

	// find max j : [j].rev ≤ high
	j := len(tailv) - 1
	for ; j >= 0 && tailv[j].rev > high; j-- {
	}
	// find min i : [i].rev > low
	i := j
	for ; i >= 0 && tailv[i].rev > low; i-- {
	}
	i++
	return tailv[i : j+1]
}

// Append appends to δtail information about what have been changed in next revision.
//
// rev must be ↑.
func (δtail *ΔTail[K]) Append(rev remote.Tid, changev []K) {
	if δtail.head >= rev {
		panic(fmt.Sprintf("δtail.Append: rev not ↑: %s -> %s", δtail.head, rev))
	}
	δtail.head = rev
	δtail.tailv = append(δtail.tailv, δRevEntry[K]{rev, changev})
	for _, id := range changev {
		δtail.lastRevOf[id] = rev
	}
}

// ForgetPast discards all δtail entries with rev ≤ revCut.
func (δtail *ΔTail[K]) ForgetPast(revCut remote.Tid) {
	if revCut > δtail.head {
		revCut = δtail.head
	}
	if revCut <= δtail.tail {
		return
	}
	icut := 0
	for i, δ := range δtail.tailv {
		if δ.rev > revCut {
			break
		}
		icut = i + 1

		// if forgotten revision was last for id, update lastRevOf index
		for _, id := range δ.changev {
			if δtail.lastRevOf[id] == δ.rev {
				delete(δtail.lastRevOf, id)
			}
		}
	}

	// tailv = tailv[icut:] without keeping underlying storage after forget
	tailv := make([]δRevEntry[K], len(δtail.tailv)-icut)
	copy(tailv, δtail.tailv[icut:])
	δtail.tailv = tailv
	δtail.tail = revCut
}

// LastRevOf returns last revision that changed id.
//
// exact=false tells that id was not changed in (tail, head]; tail is
// returned then as the upper bound.
func (δtail *ΔTail[K]) LastRevOf(id K) (_ remote.Tid, exact bool) {
	rev, ok := δtail.lastRevOf[id]
	if !ok {
		return δtail.tail, false
	}
	return rev, true
}

// ChangedSince returns whether id might have been changed after rev.
//
// It is exact for rev ∈ [tail, head] and conservatively true for rev < tail.
func (δtail *ΔTail[K]) ChangedSince(id K, rev remote.Tid) bool {
	if rev < δtail.tail {
		return true
	}
	last, exact := δtail.LastRevOf(id)
	return exact && last > rev
}
