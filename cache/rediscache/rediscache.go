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

// Package rediscache provides data cache kept in redis and shared by
// processes using one database.
//
// Snapshots are stored msgpack-encoded (see cache.EncodeData) under keys
// <prefix><id>, e.g. "persist:Emp:17". Encodings longer than
// CompressAbove are zlib-compressed.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/cache"
	"lab.nexedi.com/nexedi/persist/internal/xzlib"
	"lab.nexedi.com/nexedi/persist/meta"
)

// DefaultPrefix is the default key prefix.
const DefaultPrefix = "persist:"

// CompressAbove is the size of encoded snapshot above which it is compressed.
const CompressAbove = 512

// Options describes options for New and Open.
type Options struct {
	Prefix string        // key prefix; "" means DefaultPrefix
	TTL    time.Duration // expiration of entries; 0 means none
}

// Cache is data cache in redis.
type Cache struct {
	client *redis.Client
	repo   *meta.Repository
	prefix string
	ttl    time.Duration
}

var _ cache.DataCache = (*Cache)(nil)

// New returns data cache over client decoding snapshots by classes of repo.
//
// The cache owns client and closes it on Close.
func New(client *redis.Client, repo *meta.Repository, opt Options) *Cache {
	prefix := opt.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{client: client, repo: repo, prefix: prefix, ttl: opt.TTL}
}

// Open connects to redis at redisURL, e.g. redis://localhost:6379/0.
func Open(ctx context.Context, redisURL string, repo *meta.Repository, opt Options) (_ *Cache, err error) {
	defer xerr.Contextf(&err, "rediscache: open")

	ropt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(ropt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return New(client, repo, opt), nil
}

func (c *Cache) key(id meta.ID) string { return c.prefix + id.String() }

func (c *Cache) Get(ctx context.Context, id meta.ID) (_ *cache.Data, err error) {
	defer xerr.Contextf(&err, "rediscache: get %s", id)

	b, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b, err = xzlib.Unpack(b)
	if err != nil {
		return nil, err
	}
	return cache.DecodeData(b, c.repo)
}

func (c *Cache) Put(ctx context.Context, dv ...*cache.Data) (err error) {
	defer xerr.Context(&err, "rediscache: put")

	pipe := c.client.Pipeline()
	for _, d := range dv {
		b, err := cache.EncodeData(d)
		if err != nil {
			return err
		}
		pipe.Set(ctx, c.key(d.ID), xzlib.Pack(b, CompressAbove), c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Cache) Evict(ctx context.Context, idv ...meta.ID) (err error) {
	defer xerr.Context(&err, "rediscache: evict")
	if len(idv) == 0 {
		return nil
	}
	keyv := make([]string, len(idv))
	for i, id := range idv {
		keyv[i] = c.key(id)
	}
	return c.client.Del(ctx, keyv...).Err()
}

// Clear removes all entries under the cache prefix.
func (c *Cache) Clear(ctx context.Context) (err error) {
	defer xerr.Context(&err, "rediscache: clear")

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keyv []string
	for iter.Next(ctx) {
		keyv = append(keyv, iter.Val())
		if len(keyv) == 100 {
			if err := c.client.Del(ctx, keyv...).Err(); err != nil {
				return err
			}
			keyv = keyv[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keyv) > 0 {
		return c.client.Del(ctx, keyv...).Err()
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
