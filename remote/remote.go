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

// Package remote propagates commit events between processes sharing one
// database, so that their caches drop what other processes changed.
//
// A remote-commit provider is opened by URL; the scheme selects the
// transport:
//
//	local://name                       in-process bus (tests, several units in one process)
//	tcp://listen?peers=h1:p,h2:p       TCP peer-to-peer
//	tcp://listen?discovery=k8s&...     TCP with peers found by a discovery plugin
//	redis://host:port/db?channel=c     redis pub/sub
//	file:///spool/dir                  spool directory shared by the processes
//
// Transports register themselves with RegisterProvider; users import them
// for side effects. Events received from peers are sent to
// OpenOptions.Notifyq; events whose Source is the provider's own source are
// never delivered back.
package remote

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"lab.nexedi.com/nexedi/persist/internal/metrics"
)

// Provider broadcasts commit events to peer processes.
type Provider interface {
	// URL returns URL the provider was opened with.
	URL() string

	// Broadcast sends ev to all peers.
	Broadcast(ctx context.Context, ev *CommitEvent) error

	// Close stops receiving and releases provider resources.
	Close() error
}

// OpenOptions describes options for Open.
type OpenOptions struct {
	// Source identifies the opening persistence unit. Received events
	// carrying this Source are dropped.
	Source string

	// Notifyq receives events broadcast by peers. It is never closed by
	// the provider. nil means received events are discarded.
	Notifyq chan<- *CommitEvent

	// Timeout bounds one Broadcast. 0 means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout is the default bound on one broadcast.
const DefaultTimeout = 5 * time.Second

// ProviderOpener is a function to open a provider.
type ProviderOpener func(ctx context.Context, u *url.URL, opt *OpenOptions) (Provider, error)

var (
	regMu            sync.Mutex
	providerRegistry = map[string]ProviderOpener{}
)

// RegisterProvider registers opener to be used for URLs with scheme.
func RegisterProvider(scheme string, opener ProviderOpener) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, already := providerRegistry[scheme]; already {
		panic(fmt.Errorf("remote: URL scheme %q was already registered", scheme))
	}
	providerRegistry[scheme] = opener
}

// AvailableProviders returns registered URL schemes, sorted.
func AvailableProviders() []string {
	regMu.Lock()
	defer regMu.Unlock()
	var v []string
	for scheme := range providerRegistry {
		v = append(v, scheme)
	}
	sort.Strings(v)
	return v
}

// Open opens remote-commit provider by URL.
func Open(ctx context.Context, providerURL string, opt *OpenOptions) (Provider, error) {
	u, err := url.Parse(providerURL)
	if err != nil {
		return nil, err
	}
	regMu.Lock()
	opener, ok := providerRegistry[u.Scheme]
	regMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("remote: URL scheme \"%s://\" not supported", u.Scheme)
	}
	if opt == nil {
		opt = &OpenOptions{}
	}
	p, err := opener(ctx, u, opt)
	if err != nil {
		return nil, err
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &provider{Provider: p, timeout: timeout}, nil
}

// provider bounds and counts broadcasts of a transport.
type provider struct {
	Provider
	timeout time.Duration
}

func (p *provider) Broadcast(ctx context.Context, ev *CommitEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.Provider.Broadcast(ctx, ev)
	if err != nil {
		metrics.RemoteEvents.WithLabelValues("dropped").Inc()
		return fmt.Errorf("%s: broadcast %s: %w", p.URL(), ev.Rev, err)
	}
	metrics.RemoteEvents.WithLabelValues("sent").Inc()
	return nil
}

// Receiver delivers events received by a transport to OpenOptions.Notifyq.
//
// Transports create one Receiver per opened provider and call Shutdown
// from Close.
type Receiver struct {
	source   string
	notifyq  chan<- *CommitEvent
	down     chan struct{}
	downOnce sync.Once
}

// NewReceiver returns receiver for provider opened with opt.
func NewReceiver(opt *OpenOptions) *Receiver {
	return &Receiver{
		source:  opt.Source,
		notifyq: opt.Notifyq,
		down:    make(chan struct{}),
	}
}

// Source returns source of the owning unit.
func (r *Receiver) Source() string { return r.source }

// Deliver passes ev to the notification queue unless ev is our own.
//
// It blocks until the queue accepts ev or the receiver is shut down, and
// reports whether ev was delivered.
func (r *Receiver) Deliver(ev *CommitEvent) bool {
	if ev.Source == r.source && r.source != "" {
		return false
	}
	if r.notifyq == nil {
		metrics.RemoteEvents.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case <-r.down:
		metrics.RemoteEvents.WithLabelValues("dropped").Inc()
		return false
	case r.notifyq <- ev:
		metrics.RemoteEvents.WithLabelValues("received").Inc()
		return true
	}
}

// Down is ready after Shutdown.
func (r *Receiver) Down() <-chan struct{} { return r.down }

// Shutdown makes Deliver return immediately from now on.
func (r *Receiver) Shutdown() {
	r.downOnce.Do(func() { close(r.down) })
}

// Discovery finds peer addresses.
type Discovery interface {
	// Peers returns current peer addresses as host:port.
	Peers(ctx context.Context) ([]string, error)
}

// DiscoveryOpener creates discovery from parameters of the provider URL.
type DiscoveryOpener func(ctx context.Context, params url.Values) (Discovery, error)

var discoveryRegistry = map[string]DiscoveryOpener{}

// RegisterDiscovery registers discovery plugin under name.
func RegisterDiscovery(name string, opener DiscoveryOpener) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, already := discoveryRegistry[name]; already {
		panic(fmt.Errorf("remote: discovery %q was already registered", name))
	}
	discoveryRegistry[name] = opener
}

// OpenDiscovery opens discovery plugin name with params.
func OpenDiscovery(ctx context.Context, name string, params url.Values) (Discovery, error) {
	regMu.Lock()
	opener, ok := discoveryRegistry[name]
	regMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("remote: discovery %q not supported", name)
	}
	return opener(ctx, params)
}

// StaticPeers is discovery over fixed addresses.
type StaticPeers []string

func (s StaticPeers) Peers(context.Context) ([]string, error) { return s, nil }
