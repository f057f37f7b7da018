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

// Package redisbus provides remote-commit transport over redis pub/sub.
//
//	redis://[:password@]host:port/db?channel=<name>
//
// Events are published msgpack-encoded on the channel (default
// "persist.commits"); every subscriber except the publisher applies them.
package redisbus

import (
	"context"
	"net/url"
	"sync"

	"github.com/redis/go-redis/v9"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/remote"
)

// DefaultChannel is the channel used when URL does not name one.
const DefaultChannel = "persist.commits"

// Provider is redis pub/sub remote-commit provider.
type Provider struct {
	url     string
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	rx      *remote.Receiver
	wg      sync.WaitGroup
}

func openURL(ctx context.Context, u *url.URL, opt *remote.OpenOptions) (_ remote.Provider, err error) {
	defer xerr.Contextf(&err, "redisbus: open %s", u.Redacted())

	// channel is ours, not a redis client option
	q := u.Query()
	channel := q.Get("channel")
	if channel == "" {
		channel = DefaultChannel
	}
	q.Del("channel")
	ru := *u
	ru.RawQuery = q.Encode()

	ropt, err := redis.ParseURL(ru.String())
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(ropt)
	p, err := New(ctx, client, channel, opt)
	if err != nil {
		client.Close()
		return nil, err
	}
	p.url = u.Redacted()
	return p, nil
}

// New returns provider publishing on channel through client.
//
// The provider owns client and closes it on Close.
func New(ctx context.Context, client *redis.Client, channel string, opt *remote.OpenOptions) (*Provider, error) {
	pubsub := client.Subscribe(ctx, channel)
	// wait for subscription confirmation so that no event published
	// after New returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	p := &Provider{
		url:     "redis://" + client.Options().Addr + "?channel=" + url.QueryEscape(channel),
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		rx:      remote.NewReceiver(opt),
	}
	p.wg.Add(1)
	go p.recv()
	return p, nil
}

func (p *Provider) URL() string { return p.url }

func (p *Provider) recv() {
	defer p.wg.Done()
	ctx := context.Background()
	for msg := range p.pubsub.Channel() {
		ev, err := remote.DecodeEvent([]byte(msg.Payload))
		if err != nil {
			log.Warningf(ctx, "%s: %s", p.url, err)
			continue
		}
		p.rx.Deliver(ev)
	}
}

func (p *Provider) Broadcast(ctx context.Context, ev *remote.CommitEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

func (p *Provider) Close() error {
	p.rx.Shutdown()
	err := p.pubsub.Close()
	p.wg.Wait()
	return xerr.First(err, p.client.Close())
}

func init() {
	remote.RegisterProvider("redis", openURL)
}
