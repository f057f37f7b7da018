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

package filebus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
)

func TestSpool(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// stale events from before Open are not delivered
	old := &remote.CommitEvent{Source: "x", Rev: 1}
	data, err := old.Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000000000000001-1-1.ev"), data, 0o666))

	qa := make(chan *remote.CommitEvent, 4)
	qb := make(chan *remote.CommitEvent, 4)
	pa, err := Open(dir, time.Hour, &remote.OpenOptions{Source: "a", Notifyq: qa})
	require.NoError(t, err)
	defer pa.Close()
	pb, err := remote.Open(ctx, "file://"+dir, &remote.OpenOptions{Source: "b", Notifyq: qb})
	require.NoError(t, err)
	defer pb.Close()

	ev := &remote.CommitEvent{Source: "a", Rev: remote.NewClock().Next(),
		Classes: []string{"Emp"}, Added: []meta.ID{meta.LongID("Emp", 5)}}
	require.NoError(t, pa.Broadcast(ctx, ev))

	select {
	case got := <-qb:
		assert.Equal(t, ev.Rev, got.Rev)
		assert.Equal(t, ev.Added, got.Added)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	select {
	case got := <-qa:
		t.Fatalf("own event delivered: %s", got)
	case <-time.After(1500 * time.Millisecond): // past one rescan
	}

	// the stale event is older than retain and got removed by broadcast
	_, err = os.Stat(filepath.Join(dir, "0000000000000001-1-1.ev"))
	assert.True(t, os.IsNotExist(err))
}

func TestBadRetain(t *testing.T) {
	_, err := remote.Open(context.Background(), "file://"+t.TempDir()+"?retain=zzz", nil)
	assert.Error(t, err)
}
