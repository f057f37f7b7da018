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

package redisbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
)

// PERSIST_TEST_REDIS is URL of redis server to test against, e.g. redis://localhost:6379/0.
func redisURL(t *testing.T) string {
	u := os.Getenv("PERSIST_TEST_REDIS")
	if u == "" {
		t.Skip("PERSIST_TEST_REDIS not set")
	}
	return u
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	u := redisURL(t) + "?channel=persist.test." + t.Name()

	qa := make(chan *remote.CommitEvent, 4)
	qb := make(chan *remote.CommitEvent, 4)
	pa, err := remote.Open(ctx, u, &remote.OpenOptions{Source: "a", Notifyq: qa})
	require.NoError(t, err)
	defer pa.Close()
	pb, err := remote.Open(ctx, u, &remote.OpenOptions{Source: "b", Notifyq: qb})
	require.NoError(t, err)
	defer pb.Close()

	ev := &remote.CommitEvent{Source: "a", Rev: 42, Updated: []meta.ID{meta.StringID("Tag", "x")}}
	require.NoError(t, pa.Broadcast(ctx, ev))
	select {
	case got := <-qb:
		assert.Equal(t, ev.Updated, got.Updated)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	select {
	case got := <-qa:
		t.Fatalf("own event delivered: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}
