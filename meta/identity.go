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

package meta

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// KeyKind tells which kind of key an ID carries.
type KeyKind uint8

const (
	KeyNone   KeyKind = iota // zero ID
	KeyLong                  // int64 key
	KeyString                // string key
)

// ID identifies a persistent instance within a persistence unit.
//
// It is a value type: two IDs are equal iff they have the same class and key,
// so ID can be used directly as a map key. Class is the name of the root of
// the inheritance hierarchy, so that a Manager and an Employee with the same
// key are the same instance.
type ID struct {
	Class string
	kind  KeyKind
	n     int64
	s     string
}

// LongID returns ID with numeric key.
func LongID(class string, n int64) ID {
	return ID{Class: class, kind: KeyLong, n: n}
}

// StringID returns ID with string key.
func StringID(class string, s string) ID {
	return ID{Class: class, kind: KeyString, s: s}
}

// NewID returns ID for key which must be a Go integer or string.
func NewID(class string, key interface{}) (ID, error) {
	switch k := key.(type) {
	case string:
		return StringID(class, k), nil
	case []byte:
		return StringID(class, string(k)), nil
	case nil:
		return ID{}, fmt.Errorf("id %s: nil key", class)
	}

	v := reflect.ValueOf(key)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return LongID(class, v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return LongID(class, int64(v.Uint())), nil
	case reflect.String:
		return StringID(class, v.String()), nil
	}
	return ID{}, fmt.Errorf("id %s: key of unsupported type %T", class, key)
}

// ParseID parses text produced by ID.String.
func ParseID(s string) (ID, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return ID{}, fmt.Errorf("id %q: invalid syntax", s)
	}
	class, key := s[:i], s[i+1:]
	if strings.HasPrefix(key, `"`) {
		k, err := strconv.Unquote(key)
		if err != nil {
			return ID{}, fmt.Errorf("id %q: %s", s, err)
		}
		return StringID(class, k), nil
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("id %q: %s", s, err)
	}
	return LongID(class, n), nil
}

func (id ID) Kind() KeyKind { return id.kind }
func (id ID) IsZero() bool  { return id.kind == KeyNone }

// Long returns numeric key of id. It is 0 for string-keyed ids.
func (id ID) Long() int64 { return id.n }

// Str returns string key of id. It is "" for long-keyed ids.
func (id ID) Str() string { return id.s }

// Key returns the key as int64, string or nil for zero id.
func (id ID) Key() interface{} {
	switch id.kind {
	case KeyLong:
		return id.n
	case KeyString:
		return id.s
	}
	return nil
}

// String returns text form of id, e.g. `Employee:17` or `Tag:"go"`.
func (id ID) String() string {
	switch id.kind {
	case KeyLong:
		return id.Class + ":" + strconv.FormatInt(id.n, 10)
	case KeyString:
		return id.Class + ":" + strconv.Quote(id.s)
	}
	return id.Class + ":ø"
}
