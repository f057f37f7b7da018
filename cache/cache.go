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

// Package cache provides second-level caches shared by the brokers of one
// persistence unit.
//
// The data cache keeps dehydrated snapshots of instance state keyed by
// identity: column values, version and the revision they were read at.
// It never holds live objects. The query cache keeps results of queries
// with entities replaced by their identities, together with the classes
// each query touched, so that a commit to one of those classes drops it.
//
// Snapshots stored out of process (see package rediscache) are encoded
// with EncodeData.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/shamaton/msgpack"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/remote"
)

// Data is cached state of one instance.
//
// Data is shared by whoever reads it from the cache and must not be
// modified after Put.
type Data struct {
	ID      meta.ID
	Class   string        // concrete class
	Version interface{}   // nil if the class is not versioned
	Values  []interface{} // canonical column values by field Index; nil for to-many fields
	Rev     remote.Tid    // revision the state was read at
}

func (d *Data) String() string {
	return fmt.Sprintf("%s(%s) @%s", d.ID, d.Class, d.Rev)
}

// DataCache is a cache of instance state.
//
// Get returns (nil, nil) on a miss. Implementations are safe for concurrent
// use. Errors tell that the cache could not be used; callers treat them as
// misses.
type DataCache interface {
	Get(ctx context.Context, id meta.ID) (*Data, error)
	Put(ctx context.Context, dv ...*Data) error
	Evict(ctx context.Context, idv ...meta.ID) error
	Clear(ctx context.Context) error
	Close() error
}

// wireData is msgpack representation of Data.
type wireData struct {
	I string
	C string
	W interface{}
	V []interface{}
	R uint64
}

// wireValue converts canonical value to a form msgpack round-trips.
// Times travel as RFC 3339 text and are restored by kind on decode.
func wireValue(v interface{}) interface{} {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339Nano)
	}
	return v
}

// EncodeData returns wire form of d.
func EncodeData(d *Data) ([]byte, error) {
	w := wireData{
		I: d.ID.String(),
		C: d.Class,
		W: wireValue(d.Version),
		V: make([]interface{}, len(d.Values)),
		R: uint64(d.Rev),
	}
	for i, v := range d.Values {
		w.V[i] = wireValue(v)
	}
	return msgpack.Encode(&w)
}

// DecodeData decodes wire form produced by EncodeData.
//
// Values are converted back to canonical representation by the kinds of
// fields of the class as registered in repo.
func DecodeData(b []byte, repo *meta.Repository) (_ *Data, err error) {
	var w wireData
	if err := msgpack.Decode(b, &w); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			err = fmt.Errorf("decode snapshot %s: %w", w.I, err)
		}
	}()

	id, err := meta.ParseID(w.I)
	if err != nil {
		return nil, err
	}
	class, err := repo.Class(w.C)
	if err != nil {
		return nil, err
	}
	if len(w.V) != len(class.Fields) {
		return nil, fmt.Errorf("%d values for %d fields of %s", len(w.V), len(class.Fields), class)
	}

	d := &Data{ID: id, Class: class.Name, Rev: remote.Tid(w.R), Values: make([]interface{}, len(w.V))}
	for _, f := range class.Fields {
		if d.Values[f.Index], err = f.Kind.Coerce(w.V[f.Index]); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
	}
	if d.Version, err = class.Root().VersionStrategy.Kind().Coerce(w.W); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	return d, nil
}
