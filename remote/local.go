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
// in-process bus

import (
	"context"
	"net/url"
	"sync"
)

// bus connects providers opened with the same local://name.
type bus struct {
	mu      sync.Mutex
	members map[*localProvider]struct{}
}

var (
	busMu  sync.Mutex
	busTab = map[string]*bus{}
)

type localProvider struct {
	url  string
	name string
	bus  *bus
	rx   *Receiver
}

func openLocal(ctx context.Context, u *url.URL, opt *OpenOptions) (Provider, error) {
	name := u.Host + u.Path

	busMu.Lock()
	defer busMu.Unlock()
	b := busTab[name]
	if b == nil {
		b = &bus{members: map[*localProvider]struct{}{}}
		busTab[name] = b
	}

	p := &localProvider{url: u.String(), name: name, bus: b, rx: NewReceiver(opt)}
	b.mu.Lock()
	b.members[p] = struct{}{}
	b.mu.Unlock()
	return p, nil
}

func (p *localProvider) URL() string { return p.url }

// Broadcast delivers a copy of ev to every other member, in the caller's goroutine.
func (p *localProvider) Broadcast(ctx context.Context, ev *CommitEvent) error {
	// go through the wire form: members must not share slices with the sender
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	p.bus.mu.Lock()
	var peers []*localProvider
	for m := range p.bus.members {
		if m != p {
			peers = append(peers, m)
		}
	}
	p.bus.mu.Unlock()

	for _, m := range peers {
		evm, err := DecodeEvent(data)
		if err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			m.rx.Deliver(evm)
			close(done)
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
	return nil
}

func (p *localProvider) Close() error {
	p.rx.Shutdown()

	busMu.Lock()
	defer busMu.Unlock()
	p.bus.mu.Lock()
	delete(p.bus.members, p)
	if len(p.bus.members) == 0 && busTab[p.name] == p.bus {
		delete(busTab, p.name)
	}
	p.bus.mu.Unlock()
	return nil
}

func init() {
	RegisterProvider("local", openLocal)
}
