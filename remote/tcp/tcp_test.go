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

package tcp

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
)

func TestFrame(t *testing.T) {
	ev := &remote.CommitEvent{Source: "a", Rev: 7, Classes: []string{"Emp"},
		Updated: []meta.ID{meta.LongID("Emp", 1)}}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, ev))
	require.NoError(t, WriteFrame(&buf, ev))
	for i := 0; i < 2; i++ {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, ev.Updated, got.Updated)
	}
	_, err := ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, 1}))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	_, err = ReadFrame(bytes.NewReader([]byte{0xff, 0, 0, 0}))
	assert.ErrorContains(t, err, "frame too large")
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

func TestPeers(t *testing.T) {
	ctx := context.Background()
	l1, l2 := listen(t), listen(t)
	q1 := make(chan *remote.CommitEvent, 4)
	q2 := make(chan *remote.CommitEvent, 4)
	p1 := New(l1, remote.StaticPeers{l2.Addr().String()}, &remote.OpenOptions{Source: "one", Notifyq: q1})
	p2 := New(l2, remote.StaticPeers{l1.Addr().String()}, &remote.OpenOptions{Source: "two", Notifyq: q2})

	for i := 1; i <= 3; i++ {
		ev := &remote.CommitEvent{Source: "one", Rev: remote.Tid(i), Deleted: []meta.ID{meta.LongID("Emp", int64(i))}}
		require.NoError(t, p1.Broadcast(ctx, ev))
		select {
		case got := <-q2:
			assert.Equal(t, remote.Tid(i), got.Rev)
			assert.Equal(t, ev.Deleted, got.Deleted)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout")
		}
	}

	// an event relayed back to its source is not delivered there
	require.NoError(t, p2.Broadcast(ctx, &remote.CommitEvent{Source: "one", Rev: 10}))
	require.NoError(t, p2.Broadcast(ctx, &remote.CommitEvent{Source: "two", Rev: 11}))
	select {
	case got := <-q1:
		assert.Equal(t, remote.Tid(11), got.Rev)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}

	require.NoError(t, p2.Close())
	require.NoError(t, p1.Close())
	assert.Error(t, p1.Broadcast(ctx, &remote.CommitEvent{Source: "one", Rev: 12}))
}

func TestOpenURL(t *testing.T) {
	ctx := context.Background()
	_, err := remote.Open(ctx, "tcp://127.0.0.1:0?peers=a:1&discovery=k8s", nil)
	assert.ErrorContains(t, err, "mutually exclusive")

	p, err := remote.Open(ctx, "tcp://127.0.0.1:0", nil)
	require.NoError(t, err)
	// no peers: nothing to send to
	assert.NoError(t, p.Broadcast(ctx, &remote.CommitEvent{Rev: 1}))
	assert.NoError(t, p.Close())
}
