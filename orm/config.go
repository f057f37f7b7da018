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
// configuration of a persistence unit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"lab.nexedi.com/nexedi/persist/cache"
	"lab.nexedi.com/nexedi/persist/cache/rediscache"
	"lab.nexedi.com/nexedi/persist/meta"
)

// Config is configuration of a persistence unit.
//
// It is usually decoded from TOML:
//
//	store = "sqlite:///var/lib/app.db"
//	not_found = "error"
//	flush_before_queries = true
//
//	[data_cache]
//	plugin = "lru"
//	size = 10000
//	ttl = "10m"
//	evict_every = "1h"
//
//	[query_cache]
//	plugin = "lru"
//	size = 1000
//
//	[remote]
//	url = "tcp://:7000?peers=10.0.0.2:7000"
//	timeout = "2s"
type Config struct {
	Store string `toml:"store"` // store URL

	DataCache  CacheConfig  `toml:"data_cache"`
	QueryCache CacheConfig  `toml:"query_cache"`
	Remote     RemoteConfig `toml:"remote"`

	// NotFound is what Find returns for missing instances: "nil" (default) or "error".
	NotFound string `toml:"not_found"`

	// RestoreState is what rollback does to instances changed in the
	// transaction: "all" (default) restores their fields, "none" makes
	// them hollow.
	RestoreState string `toml:"restore_state"`

	// RetainState keeps committed instances loaded; otherwise they
	// become hollow. Default true.
	RetainState *bool `toml:"retain_state"`

	// DetachOnCommit detaches all instances of a broker after commit.
	DetachOnCommit bool `toml:"detach_on_commit"`

	// FlushBeforeQueries flushes changes to instances of queried classes
	// before running a query. Default true.
	FlushBeforeQueries *bool `toml:"flush_before_queries"`

	// DeferConstraints executes cycles of non-nullable foreign keys as
	// they are, relying on constraints checked at commit. Schema must be
	// created with deferrable foreign keys; the dialect must support them.
	DeferConstraints bool `toml:"defer_constraints"`

	// InlineLiterals renders query literals into SQL instead of binding them.
	InlineLiterals bool `toml:"inline_literals"`

	// SequenceAllocation is how many identities one sequence round-trip
	// reserves. Default 50.
	SequenceAllocation int `toml:"sequence_allocation"`

	// CommitLogRetain is how long the commit log remembers changes.
	CommitLogRetain Duration `toml:"commit_log_retain"`
}

// CacheConfig configures a data or query cache.
type CacheConfig struct {
	Plugin     string   `toml:"plugin"`      // registered plugin name; "" = none
	Size       int      `toml:"size"`        // max entries of in-process caches
	TTL        Duration `toml:"ttl"`         // entry lifetime; 0 = unlimited
	EvictEvery Duration `toml:"evict_every"` // clear the cache periodically; data cache only
	URL        string   `toml:"url"`         // server of out-of-process caches
	Prefix     string   `toml:"prefix"`      // key prefix of out-of-process caches
}

// RemoteConfig configures remote-commit provider.
type RemoteConfig struct {
	URL     string   `toml:"url"` // provider URL; "" = no remote commits
	Timeout Duration `toml:"timeout"`
}

// Duration is time.Duration decoded from text like "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const (
	// not_found policies
	NotFoundIsNil   = "nil"
	NotFoundIsError = "error"

	// restore_state policies
	RestoreAll  = "all"
	RestoreNone = "none"

	defaultSequenceAllocation = 50
)

// ParseConfig decodes TOML text into Config.
//
// Keys that Config does not have are an error.
func ParseConfig(text string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, &ConfigError{err}
	}
	if err := undecoded(md); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

// LoadConfig reads Config from TOML file.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, &ConfigError{err}
	}
	if err := undecoded(md); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func undecoded(md toml.MetaData) error {
	keyv := md.Undecoded()
	if len(keyv) == 0 {
		return nil
	}
	var sv []string
	for _, k := range keyv {
		sv = append(sv, k.String())
	}
	return &ConfigError{fmt.Errorf("unknown keys: %s", strings.Join(sv, ", "))}
}

// validate checks cfg and fills defaults.
func (cfg *Config) validate() error {
	switch cfg.NotFound {
	case "":
		cfg.NotFound = NotFoundIsNil
	case NotFoundIsNil, NotFoundIsError:
	default:
		return &ConfigError{fmt.Errorf("not_found: invalid policy %q", cfg.NotFound)}
	}
	switch cfg.RestoreState {
	case "":
		cfg.RestoreState = RestoreAll
	case RestoreAll, RestoreNone:
	default:
		return &ConfigError{fmt.Errorf("restore_state: invalid policy %q", cfg.RestoreState)}
	}
	if cfg.RetainState == nil {
		yes := true
		cfg.RetainState = &yes
	}
	if cfg.FlushBeforeQueries == nil {
		yes := true
		cfg.FlushBeforeQueries = &yes
	}
	if cfg.SequenceAllocation <= 0 {
		cfg.SequenceAllocation = defaultSequenceAllocation
	}
	for _, c := range []struct {
		what   string
		plugin string
		known  func(string) bool
	}{
		{"data_cache", cfg.DataCache.Plugin, isDataCache},
		{"query_cache", cfg.QueryCache.Plugin, isQueryCache},
	} {
		if c.plugin != "" && !c.known(c.plugin) {
			return &ConfigError{fmt.Errorf("%s: unknown plugin %q", c.what, c.plugin)}
		}
	}
	return nil
}

// ---- plugins ----

// DataCacheOpener opens data cache plugin.
type DataCacheOpener func(ctx context.Context, cfg *CacheConfig, repo *meta.Repository) (cache.DataCache, error)

// QueryCacheOpener opens query cache plugin.
type QueryCacheOpener func(ctx context.Context, cfg *CacheConfig) (*cache.QueryCache, error)

var (
	pluginMu      sync.RWMutex
	dataCacheTab  = map[string]DataCacheOpener{}
	queryCacheTab = map[string]QueryCacheOpener{}
)

// RegisterDataCache registers data cache plugin under name.
func RegisterDataCache(name string, opener DataCacheOpener) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	if _, already := dataCacheTab[name]; already {
		panic(fmt.Errorf("orm: data cache %q was already registered", name))
	}
	dataCacheTab[name] = opener
}

// RegisterQueryCache registers query cache plugin under name.
func RegisterQueryCache(name string, opener QueryCacheOpener) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	if _, already := queryCacheTab[name]; already {
		panic(fmt.Errorf("orm: query cache %q was already registered", name))
	}
	queryCacheTab[name] = opener
}

// DataCaches returns names of registered data cache plugins.
func DataCaches() []string {
	pluginMu.RLock()
	defer pluginMu.RUnlock()
	var v []string
	for name := range dataCacheTab {
		v = append(v, name)
	}
	sort.Strings(v)
	return v
}

func isDataCache(name string) bool {
	pluginMu.RLock()
	defer pluginMu.RUnlock()
	_, ok := dataCacheTab[name]
	return ok
}

func isQueryCache(name string) bool {
	pluginMu.RLock()
	defer pluginMu.RUnlock()
	_, ok := queryCacheTab[name]
	return ok
}

func openDataCache(ctx context.Context, cfg *CacheConfig, repo *meta.Repository) (cache.DataCache, error) {
	if cfg.Plugin == "" {
		return nil, nil
	}
	pluginMu.RLock()
	opener := dataCacheTab[cfg.Plugin]
	pluginMu.RUnlock()
	return opener(ctx, cfg, repo)
}

func openQueryCache(ctx context.Context, cfg *CacheConfig) (*cache.QueryCache, error) {
	if cfg.Plugin == "" {
		return nil, nil
	}
	pluginMu.RLock()
	opener := queryCacheTab[cfg.Plugin]
	pluginMu.RUnlock()
	return opener(ctx, cfg)
}

func init() {
	RegisterDataCache("none", func(context.Context, *CacheConfig, *meta.Repository) (cache.DataCache, error) {
		return nil, nil
	})
	RegisterDataCache("lru", func(_ context.Context, cfg *CacheConfig, _ *meta.Repository) (cache.DataCache, error) {
		return cache.NewLRU(cfg.Size, cfg.TTL.Duration), nil
	})
	RegisterDataCache("redis", func(ctx context.Context, cfg *CacheConfig, repo *meta.Repository) (cache.DataCache, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis data cache needs url")
		}
		return rediscache.Open(ctx, cfg.URL, repo, rediscache.Options{Prefix: cfg.Prefix, TTL: cfg.TTL.Duration})
	})

	RegisterQueryCache("none", func(context.Context, *CacheConfig) (*cache.QueryCache, error) {
		return nil, nil
	})
	RegisterQueryCache("lru", func(_ context.Context, cfg *CacheConfig) (*cache.QueryCache, error) {
		return cache.NewQueryCache(cfg.Size, cfg.TTL.Duration), nil
	})
}
