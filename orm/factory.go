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
// persistence unit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/cache"
	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/internal/metrics"
	"lab.nexedi.com/nexedi/persist/internal/task"
	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/query"
	"lab.nexedi.com/nexedi/persist/remote"
	"lab.nexedi.com/nexedi/persist/store"
)

const (
	compiledCacheSize = 256 // compiled queries kept per factory
	maxBroadcasts     = 16  // broadcasts in flight; more are dropped
)

// Factory is a persistence unit: the store, metadata and what brokers
// opened from it share.
//
// Factory is safe for concurrent use by multiple goroutines.
type Factory struct {
	cfg       Config
	repo      *meta.Repository
	st        store.Store
	ownsStore bool
	source    string // identifies this unit in commit events

	dataCache  cache.DataCache   // nil if disabled
	queryCache *cache.QueryCache // nil if disabled
	evictor    *cache.Scheduler

	log      *commitLog
	loads    singleflight.Group
	compiled *lru.Cache[string, *query.Compiled]

	remote     remote.Provider // nil if not configured
	notifyq    chan *remote.CommitEvent
	broadcasts errgroup.Group

	seqMu sync.Mutex
	seqs  map[string]*seqBlock // sequence blocks by hierarchy root

	listenMu  sync.RWMutex
	listeners []Listener

	down     chan struct{}
	downOnce sync.Once
	serveWg  sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// Open opens store by cfg.Store and returns factory over it.
//
// The store is closed when the factory is closed.
func Open(ctx context.Context, cfg *Config, repo *meta.Repository) (_ *Factory, err error) {
	defer task.Running(&ctx, "orm: open")(&err)

	if cfg == nil || cfg.Store == "" {
		return nil, &ConfigError{fmt.Errorf("store URL not set")}
	}
	st, err := store.Open(ctx, cfg.Store, nil)
	if err != nil {
		return nil, err
	}
	f, err := NewFactory(ctx, st, repo, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	f.ownsStore = true
	return f, nil
}

// NewFactory returns factory over opened store st.
//
// cfg can be nil for defaults; cfg.Store is ignored. The factory holds a
// reference to repo until Close.
func NewFactory(ctx context.Context, st store.Store, repo *meta.Repository, cfg *Config) (_ *Factory, err error) {
	defer xerr.Context(&err, "orm: new factory")

	f := &Factory{
		repo:    repo,
		st:      st,
		source:  uuid.NewString(),
		seqs:    map[string]*seqBlock{},
		notifyq: make(chan *remote.CommitEvent, 64),
		down:    make(chan struct{}),
	}
	if cfg != nil {
		f.cfg = *cfg
	}
	if err := f.cfg.validate(); err != nil {
		return nil, err
	}
	if err := repo.Resolve(); err != nil {
		return nil, &ConfigError{err}
	}
	f.log = newCommitLog(f.cfg.CommitLogRetain.Duration)
	f.compiled, _ = lru.New[string, *query.Compiled](compiledCacheSize)
	f.broadcasts.SetLimit(maxBroadcasts)

	// everything opened below is released by Close
	f.repo.Acquire()
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	f.dataCache, err = openDataCache(ctx, &f.cfg.DataCache, repo)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("data cache: %w", err)}
	}
	if f.dataCache != nil && f.cfg.DataCache.EvictEvery.Duration > 0 {
		f.evictor = cache.NewScheduler(f.dataCache, f.cfg.DataCache.EvictEvery.Duration)
	}
	f.queryCache, err = openQueryCache(ctx, &f.cfg.QueryCache)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("query cache: %w", err)}
	}

	if u := f.cfg.Remote.URL; u != "" {
		f.remote, err = remote.Open(ctx, u, &remote.OpenOptions{
			Source:  f.source,
			Notifyq: f.notifyq,
			Timeout: f.cfg.Remote.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		f.serveWg.Add(1)
		go f.serve()
	}

	log.Infof(ctx, "orm: unit %s over %s", f.source, st.URL())
	return f, nil
}

// Repository returns metadata repository of the unit.
func (f *Factory) Repository() *meta.Repository { return f.repo }

// Store returns store of the unit.
func (f *Factory) Store() store.Store { return f.st }

// Config returns configuration of the unit with defaults filled.
func (f *Factory) Config() Config { return f.cfg }

// Source returns identifier of the unit in commit events.
func (f *Factory) Source() string { return f.source }

// DataCache returns the data cache, or nil.
func (f *Factory) DataCache() cache.DataCache { return f.dataCache }

// QueryCache returns the query cache, or nil.
func (f *Factory) QueryCache() *cache.QueryCache { return f.queryCache }

// Head returns revision of the last commit the unit knows of.
func (f *Factory) Head() remote.Tid { return f.log.Head() }

// AddListener registers l to be called for life-cycle events of instances
// of all brokers of f.
func (f *Factory) AddListener(l Listener) {
	f.listenMu.Lock()
	defer f.listenMu.Unlock()
	f.listeners = append(f.listeners, l)
}

// NewBroker returns new broker over f.
func (f *Factory) NewBroker() *Broker {
	return newBroker(f)
}

// Close releases resources of the unit.
//
// Brokers of f must not be used after Close.
func (f *Factory) Close() error {
	f.closeMu.Lock()
	if f.closed {
		f.closeMu.Unlock()
		return nil
	}
	f.closed = true
	f.closeMu.Unlock()

	var errv xerr.Errorv
	f.downOnce.Do(func() { close(f.down) })
	if f.remote != nil {
		errv.Appendif(f.remote.Close())
	}
	f.serveWg.Wait()
	errv.Appendif(f.broadcasts.Wait())
	if f.evictor != nil {
		f.evictor.Stop()
	}
	if f.dataCache != nil {
		errv.Appendif(f.dataCache.Close())
	}
	if f.ownsStore {
		errv.Appendif(f.st.Close())
	}
	f.repo.Release()

	err := errv.Err()
	if err != nil {
		err = fmt.Errorf("orm: close: %w", err)
	}
	return err
}

// serve applies commit events received from other units.
func (f *Factory) serve() {
	defer f.serveWg.Done()
	ctx := context.Background()
	for {
		select {
		case <-f.down:
			return
		case ev := <-f.notifyq:
			if log.V(1) {
				log.Infof(ctx, "orm: remote commit %s from %s: %v", ev.Rev, ev.Source, ev.IDs())
			}
			f.invalidate(ctx, ev)
		}
	}
}

// publish makes a local commit known to the caches and to other units.
func (f *Factory) publish(ctx context.Context, ev *remote.CommitEvent) {
	ev.Source = f.source
	ev.Rev = f.log.NextRev()
	f.invalidate(ctx, ev)

	if f.remote == nil {
		return
	}
	ok := f.broadcasts.TryGo(func() error {
		// commit does not wait for broadcast; Broadcast is bounded by timeout
		err := f.remote.Broadcast(context.Background(), ev)
		if err != nil {
			log.Warning(ctx, err)
		}
		return nil
	})
	if !ok {
		metrics.RemoteEvents.WithLabelValues("dropped").Inc()
		log.Warningf(ctx, "orm: too many broadcasts in flight; commit %s not broadcast", ev.Rev)
	}
}

// invalidate records ev in the commit log and drops what it changed from
// the caches.
//
// The log is updated first: a load racing with invalidate either sees its
// read outdated by the log or has its result evicted here.
func (f *Factory) invalidate(ctx context.Context, ev *remote.CommitEvent) {
	f.log.Record(ev)
	if f.dataCache != nil {
		if idv := ev.IDs(); len(idv) > 0 {
			if err := f.dataCache.Evict(ctx, idv...); err != nil {
				f.cacheError(ctx, "evict", err)
			}
		}
	}
	if f.queryCache != nil && len(ev.Classes) > 0 {
		f.queryCache.Invalidate(ev.Classes...)
	}
}

func (f *Factory) cacheError(ctx context.Context, op string, err error) {
	metrics.CacheErrors.WithLabelValues("data", op).Inc()
	log.Warningf(ctx, "orm: data cache %s: %s", op, err)
}

// cacheGet returns cached state of id, or nil.
func (f *Factory) cacheGet(ctx context.Context, id meta.ID) *cache.Data {
	if f.dataCache == nil {
		return nil
	}
	d, err := f.dataCache.Get(ctx, id)
	switch {
	case err != nil:
		f.cacheError(ctx, "get", err)
		return nil
	case d == nil:
		metrics.CacheAccess.WithLabelValues("data", "miss").Inc()
		return nil
	case f.log.IDChangedSince(id, d.Rev):
		metrics.CacheAccess.WithLabelValues("data", "stale").Inc()
		f.cacheEvict(ctx, id)
		return nil
	}
	metrics.CacheAccess.WithLabelValues("data", "hit").Inc()
	return d
}

// cachePut stores d unless its class is not cacheable or it was read
// before a change to it was recorded.
func (f *Factory) cachePut(ctx context.Context, d *cache.Data) {
	if f.dataCache == nil {
		return
	}
	class, err := f.repo.Class(d.Class)
	if err != nil || !class.Cacheable || f.log.IDChangedSince(d.ID, d.Rev) {
		return
	}
	if err := f.dataCache.Put(ctx, d); err != nil {
		f.cacheError(ctx, "put", err)
	}
}

func (f *Factory) cacheEvict(ctx context.Context, idv ...meta.ID) {
	if f.dataCache == nil {
		return
	}
	if err := f.dataCache.Evict(ctx, idv...); err != nil {
		f.cacheError(ctx, "evict", err)
	}
}

// EvictAll clears the data and query caches.
func (f *Factory) EvictAll(ctx context.Context) error {
	if f.queryCache != nil {
		f.queryCache.Clear()
	}
	if f.dataCache == nil {
		return nil
	}
	return f.dataCache.Clear(ctx)
}

// compile returns q translated for the store dialect.
func (f *Factory) compile(q string) (*query.Compiled, error) {
	if cq, ok := f.compiled.Get(q); ok {
		return cq, nil
	}
	cq, err := query.CompileText(q, f.repo, f.st.Dialect(), query.Options{InlineLiterals: f.cfg.InlineLiterals})
	if err != nil {
		return nil, err
	}
	f.compiled.Add(q, cq)
	return cq, nil
}

// Translate returns SQL query q is translated to.
func (f *Factory) Translate(q string) (string, error) {
	cq, err := f.compile(q)
	if err != nil {
		return "", &UserError{Op: "translate", Err: err}
	}
	return cq.SQL, nil
}

// sinceStart is used for logging durations.
func sinceStart(t0 time.Time) time.Duration { return time.Since(t0).Round(time.Microsecond) }
