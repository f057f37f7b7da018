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
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
)

func TestΔTail(t *testing.T) {
	δtail := NewΔTail[string](3)

	// R is syntactic sugar to create 1 δRevEntry
	R := func(rev remote.Tid, changev ...string) δRevEntry[string] {
		return δRevEntry[string]{rev, changev}
	}

	// δCheck verifies that δtail state corresponds to tail..head and tailv
	δCheck := func(tail, head remote.Tid, tailv ...δRevEntry[string]) {
		t.Helper()
		if l := δtail.Len(); l != len(tailv) {
			t.Fatalf("Len() -> %d  ; want %d", l, len(tailv))
		}
		if h := δtail.Head(); h != head {
			t.Fatalf("Head() -> %s  ; want %s", h, head)
		}
		if tt := δtail.Tail(); tt != tail {
			t.Fatalf("Tail() -> %s  ; want %s", tt, tail)
		}
		have := δtail.SliceByRev(tail, head)
		if !(len(have) == 0 && len(tailv) == 0) && !reflect.DeepEqual(have, tailv) {
			t.Fatalf("tailv:\nhave: %v\nwant: %v", have, tailv)
		}
	}

	δCheck(3, 3)
	δtail.Append(5, []string{"a", "b"})
	δtail.Append(7, []string{"b"})
	δtail.Append(9, []string{"c"})
	δCheck(3, 9, R(5, "a", "b"), R(7, "b"), R(9, "c"))

	assert.Equal(t, []δRevEntry[string]{R(7, "b")}, δtail.SliceByRev(5, 8))
	assert.Equal(t, []δRevEntry[string]{R(5, "a", "b"), R(7, "b")}, δtail.SliceByRev(4, 7))
	assert.Empty(t, δtail.SliceByRev(9, 9))
	assert.Panics(t, func() { δtail.SliceByRev(2, 9) })
	assert.Panics(t, func() { δtail.SliceByRev(3, 10) })

	for _, tt := range []struct {
		id    string
		rev   remote.Tid
		exact bool
	}{
		{"a", 5, true},
		{"b", 7, true},
		{"c", 9, true},
		{"d", 3, false},
	} {
		rev, exact := δtail.LastRevOf(tt.id)
		if rev != tt.rev || exact != tt.exact {
			t.Errorf("LastRevOf(%s) -> %s, %v  ; want %s, %v", tt.id, rev, exact, tt.rev, tt.exact)
		}
	}

	assert.True(t, δtail.ChangedSince("a", 4))
	assert.False(t, δtail.ChangedSince("a", 5))
	assert.True(t, δtail.ChangedSince("b", 5))
	assert.False(t, δtail.ChangedSince("d", 3))
	// past the tail nothing is known
	assert.True(t, δtail.ChangedSince("d", 2))

	δtail.ForgetPast(6)
	δCheck(6, 9, R(7, "b"), R(9, "c"))
	rev, exact := δtail.LastRevOf("a")
	assert.Equal(t, remote.Tid(6), rev)
	assert.False(t, exact)
	assert.True(t, δtail.ChangedSince("a", 5))
	assert.False(t, δtail.ChangedSince("a", 6))

	// forgetting beyond head stops at head
	δtail.ForgetPast(100)
	δCheck(9, 9)
	δtail.ForgetPast(4)
	δCheck(9, 9)

	assert.Panics(t, func() { δtail.Append(9, []string{"x"}) })
	δtail.Append(10, nil)
	δCheck(9, 10, R(10))
}

func TestCommitLog(t *testing.T) {
	l := newCommitLog(0)
	assert.Equal(t, defaultLogRetain, l.retain)
	h0 := l.Head()

	emp1 := meta.LongID("Emp", 1)
	emp2 := meta.LongID("Emp", 2)
	rev := l.Record(&remote.CommitEvent{Classes: []string{"Emp"}, Updated: []meta.ID{emp1}})
	assert.True(t, rev > h0)
	assert.Equal(t, rev, l.Head())
	assert.Equal(t, rev, l.LastRevOf("Emp"))

	assert.True(t, l.IDChangedSince(emp1, h0))
	assert.False(t, l.IDChangedSince(emp1, rev))
	assert.False(t, l.IDChangedSince(emp2, h0))
	assert.True(t, l.ClassChangedSince("Emp", h0))
	assert.False(t, l.ClassChangedSince("Dept", h0))

	// revisions of other units move the clock forward
	far := rev + 1<<20
	rev2 := l.Record(&remote.CommitEvent{Rev: far, Classes: []string{"Dept"}, Deleted: []meta.ID{meta.LongID("Dept", 3)}})
	assert.True(t, rev2 > far)
	assert.True(t, l.NextRev() > rev2)
	assert.True(t, l.ClassChangedSince("Dept", rev))
	assert.True(t, l.IDChangedSince(meta.LongID("Dept", 3), rev))
	assert.False(t, l.IDChangedSince(emp1, rev))
}
