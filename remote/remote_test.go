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

package remote

import (
	"context"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/nexedi/persist/meta"
)

func TestTidTime(t *testing.T) {
	for _, tt := range []struct {
		tid     Tid
		timeStr string
	}{
		{0x0000000000000000, "1900-01-01 00:00:00.000000"},
		{0x0285cbac258bf266, "1979-01-03 21:00:08.800000"},
		{0x0285cbad27ae14e6, "1979-01-03 21:01:09.300001"},
		{0x037969f722a53488, "2008-10-24 05:11:08.120000"},
		{0x03b84285d71c57dd, "2016-07-01 09:41:50.416574"},
	} {
		tm := tt.tid.Time()
		if s := tm.Format("2006-01-02 15:04:05.000000"); s != tt.timeStr {
			t.Errorf("%v: time = %q  ; want %q", tt.tid, s, tt.timeStr)
		}
		if back := TidFromTime(tm).Time(); !back.Equal(tm) {
			t.Errorf("%v: TidFromTime(%s).Time() = %s", tt.tid, tm, back)
		}
	}

	t0 := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.FixedZone("x", 3*3600))
	assert.True(t, TidFromTime(t0).Time().Equal(t0))
	assert.True(t, TidFromTime(t0) < TidFromTime(t0.Add(time.Microsecond)))
}

func TestParseTid(t *testing.T) {
	tid, err := ParseTid("0285cbac258bf266")
	require.NoError(t, err)
	assert.Equal(t, Tid(0x0285cbac258bf266), tid)
	assert.Equal(t, "0285cbac258bf266", tid.String())

	for _, s := range []string{"", "0285cbac258bf26", "0285cbac258bf26z"} {
		_, err := ParseTid(s)
		assert.Error(t, err, s)
	}

	lo, hi, err := ParseTidRange("..0285cbac258bf266")
	require.NoError(t, err)
	assert.Equal(t, Tid(0), lo)
	assert.Equal(t, tid, hi)
	lo, hi, err = ParseTidRange("0285cbac258bf266..")
	require.NoError(t, err)
	assert.Equal(t, tid, lo)
	assert.Equal(t, TidMax, hi)
	_, _, err = ParseTidRange("0285cbac258bf266")
	assert.Error(t, err)
}

func TestClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Clock{now: func() time.Time { return now }}
	t1 := c.Next()
	t2 := c.Next()
	assert.Equal(t, TidFromTime(now), t1)
	assert.Equal(t, t1+1, t2)

	c.Observe(t2 + 100)
	assert.Equal(t, t2+101, c.Next())

	now = now.Add(time.Hour)
	assert.Equal(t, TidFromTime(now), c.Next())
}

func testEvent() *CommitEvent {
	return &CommitEvent{
		Source:  "unit-a",
		Rev:     0x03b84285d71c57dd,
		Classes: []string{"Emp", "Dept"},
		Added:   []meta.ID{meta.LongID("Emp", 1)},
		Updated: []meta.ID{meta.LongID("Dept", 7), meta.StringID("Tag", "go:lang")},
		Deleted: []meta.ID{meta.LongID("Emp", -3)},
	}
}

func TestEventCodec(t *testing.T) {
	ev := testEvent()
	data, err := ev.Encode()
	require.NoError(t, err)
	ev2, err := DecodeEvent(data)
	require.NoError(t, err)
	if diff := pretty.Compare(ev2, ev); diff != "" {
		t.Errorf("decode: (-have +want)\n%s", diff)
	}
	assert.Equal(t, ev.IDs(), ev2.IDs())
	assert.Len(t, ev.IDs(), 4)
	assert.False(t, ev.Empty())
	assert.True(t, (&CommitEvent{Classes: []string{"x"}}).Empty())

	_, err = DecodeEvent([]byte{0xc1})
	assert.Error(t, err)
}

func recv(t *testing.T, q <-chan *CommitEvent) *CommitEvent {
	t.Helper()
	select {
	case ev := <-q:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for commit event")
		return nil
	}
}

func noRecv(t *testing.T, q <-chan *CommitEvent) {
	t.Helper()
	select {
	case ev := <-q:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBus(t *testing.T) {
	ctx := context.Background()
	qa := make(chan *CommitEvent, 4)
	qb := make(chan *CommitEvent, 4)
	pa, err := Open(ctx, "local://bus1", &OpenOptions{Source: "unit-a", Notifyq: qa})
	require.NoError(t, err)
	pb, err := Open(ctx, "local://bus1", &OpenOptions{Source: "unit-b", Notifyq: qb})
	require.NoError(t, err)
	pc, err := Open(ctx, "local://bus2", &OpenOptions{Source: "unit-c"})
	require.NoError(t, err)
	assert.Equal(t, "local://bus1", pa.URL())

	ev := testEvent()
	require.NoError(t, pa.Broadcast(ctx, ev))
	got := recv(t, qb)
	assert.Equal(t, ev.Rev, got.Rev)
	assert.Equal(t, ev.Updated, got.Updated)
	noRecv(t, qa)

	// pc is on another bus and discards what it receives
	require.NoError(t, pc.Broadcast(ctx, ev))
	noRecv(t, qa)
	noRecv(t, qb)

	require.NoError(t, pb.Close())
	require.NoError(t, pa.Broadcast(ctx, ev))
	require.NoError(t, pa.Close())
	require.NoError(t, pc.Close())
}

func TestReceiver(t *testing.T) {
	q := make(chan *CommitEvent, 1)
	rx := NewReceiver(&OpenOptions{Source: "me", Notifyq: q})
	assert.False(t, rx.Deliver(&CommitEvent{Source: "me"}))
	assert.True(t, rx.Deliver(&CommitEvent{Source: "other"}))

	// queue full: Deliver blocks until shutdown
	done := make(chan bool)
	go func() { done <- rx.Deliver(&CommitEvent{Source: "other"}) }()
	rx.Shutdown()
	assert.False(t, <-done)
	rx.Shutdown()

	assert.False(t, NewReceiver(&OpenOptions{}).Deliver(&CommitEvent{Source: "x"}))
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), "nosuch://x", nil)
	assert.EqualError(t, err, `remote: URL scheme "nosuch://" not supported`)
	assert.Contains(t, AvailableProviders(), "local")

	peers, err := StaticPeers{"a:1"}.Peers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1"}, peers)
}
