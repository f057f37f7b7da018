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
// mapping of field values to columns

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ValueKind is the kind of a column value.
//
// Every kind has one canonical Go representation which is what snapshots,
// caches and identities hold:
//
//	KindInt64   int64
//	KindFloat64 float64
//	KindString  string
//	KindBool    bool
//	KindBytes   []byte
//	KindTime    time.Time
type ValueKind uint8

const (
	KindNone ValueKind = iota // field has no column (to-many)
	KindInt64
	KindFloat64
	KindString
	KindBool
	KindBytes
	KindTime
)

// kindTab is the value-handler table, indexed by ValueKind.
var kindTab = [...]struct {
	name   string
	coerce func(v interface{}) (interface{}, error)
}{
	KindNone:    {"none", func(v interface{}) (interface{}, error) { return nil, nil }},
	KindInt64:   {"int64", toInt64},
	KindFloat64: {"float64", toFloat64},
	KindString:  {"string", toString},
	KindBool:    {"bool", toBool},
	KindBytes:   {"bytes", toBytes},
	KindTime:    {"time", toTime},
}

func (k ValueKind) String() string {
	if int(k) < len(kindTab) {
		return kindTab[k].name
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind parses text form of ValueKind.
func ParseKind(s string) (ValueKind, error) {
	switch s {
	case "long", "int", "int64":
		return KindInt64, nil
	case "double", "float", "float64":
		return KindFloat64, nil
	}
	for i, kt := range kindTab {
		if kt.name == s && i != int(KindNone) {
			return ValueKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown value kind %q", s)
}

// CoercionError is returned when a column value cannot be converted to the
// kind or Go type of a field.
type CoercionError struct {
	Kind  ValueKind
	Value interface{}
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("cannot convert %T(%v) to %s", e.Value, e.Value, e.Kind)
}

// Coerce converts v, as returned by a store driver or decoded from a
// snapshot, to the canonical representation of kind k. nil stays nil.
func (k ValueKind) Coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if int(k) >= len(kindTab) {
		return nil, &CoercionError{k, v}
	}
	x, err := kindTab[k].coerce(v)
	if err != nil {
		return nil, &CoercionError{k, v}
	}
	return x, nil
}

var errCoerce = fmt.Errorf("coerce")

func toInt64(v interface{}) (interface{}, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, errCoerce
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
			return nil, errCoerce
		}
		return int64(f), nil
	case reflect.Bool:
		if rv.Bool() {
			return int64(1), nil
		}
		return int64(0), nil
	case reflect.String:
		return strconv.ParseInt(strings.TrimSpace(rv.String()), 10, 64)
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return strconv.ParseInt(string(b), 10, 64)
		}
	}
	return nil, errCoerce
}

func toFloat64(v interface{}) (interface{}, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.String:
		return strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return strconv.ParseFloat(string(b), 64)
		}
	}
	return nil, errCoerce
}

func toString(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	}
	return nil, errCoerce
}

func toBool(v interface{}) (interface{}, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0, nil
	case reflect.String:
		return strconv.ParseBool(strings.TrimSpace(rv.String()))
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return strconv.ParseBool(string(b))
		}
	}
	return nil, errCoerce
}

func toBytes(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case []byte:
		return bytes.Clone(v), nil
	case string:
		return []byte(v), nil
	}
	return nil, errCoerce
}

// timeLayouts are the layouts text timestamps are parsed with.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case time.Time:
		return v, nil
	case []byte:
		return toTime(string(v))
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
	}
	return nil, errCoerce
}

// KindOfType returns the value kind a Go type is stored as.
func KindOfType(t reflect.Type) (ValueKind, bool) {
	if t == timeType {
		return KindTime, true
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindInt64, true
	case reflect.Float32, reflect.Float64:
		return KindFloat64, true
	case reflect.String:
		return KindString, true
	case reflect.Bool:
		return KindBool, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes, true
		}
	}
	return KindNone, false
}

var timeType = reflect.TypeOf(time.Time{})


// FieldStrategy is the closed set of ways a field is mapped.
type FieldStrategy uint8

const (
	StrategyBasic  FieldStrategy = iota // one column holding the value
	StrategyToOne                       // foreign key column holding key of the target
	StrategyToMany                      // inverse side of target's to-one; no column
)

// strategyTab is the field-strategy table, indexed by FieldStrategy.
var strategyTab = [...]struct {
	name      string
	hasColumn bool
	relation  bool
}{
	StrategyBasic:  {"basic", true, false},
	StrategyToOne:  {"to-one", true, true},
	StrategyToMany: {"to-many", false, true},
}

func (s FieldStrategy) String() string  { return strategyTab[s].name }
func (s FieldStrategy) HasColumn() bool { return strategyTab[s].hasColumn }
func (s FieldStrategy) Relation() bool  { return strategyTab[s].relation }


// VersionStrategy is the closed set of ways a version column evolves.
type VersionStrategy uint8

const (
	VersionNone      VersionStrategy = iota // no optimistic version check
	VersionNumber                           // int64 incremented on every update
	VersionTimestamp                        // time of the last update
)

// versionTab is the version-strategy table, indexed by VersionStrategy.
var versionTab = [...]struct {
	name    string
	kind    ValueKind
	initial func(now time.Time) interface{}
	next    func(cur interface{}, now time.Time) interface{}
}{
	VersionNone: {"none", KindNone,
		func(time.Time) interface{} { return nil },
		func(interface{}, time.Time) interface{} { return nil },
	},
	VersionNumber: {"number", KindInt64,
		func(time.Time) interface{} { return int64(1) },
		func(cur interface{}, _ time.Time) interface{} {
			n, _ := cur.(int64)
			return n + 1
		},
	},
	VersionTimestamp: {"timestamp", KindTime,
		func(now time.Time) interface{} { return stamp(now) },
		func(cur interface{}, now time.Time) interface{} {
			t := stamp(now)
			// ↑ even if clock did not advance
			if prev, ok := cur.(time.Time); ok && !t.After(prev) {
				t = prev.Add(time.Microsecond)
			}
			return t
		},
	},
}

// stamp truncates t to the precision every supported store keeps.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (s VersionStrategy) String() string { return versionTab[s].name }

// Kind returns value kind of version column under strategy s.
func (s VersionStrategy) Kind() ValueKind { return versionTab[s].kind }

// Initial returns version of newly inserted row.
func (s VersionStrategy) Initial(now time.Time) interface{} { return versionTab[s].initial(now) }

// Next returns version of a row updated from version cur.
func (s VersionStrategy) Next(cur interface{}, now time.Time) interface{} {
	return versionTab[s].next(cur, now)
}

// ParseVersionStrategy parses text form of VersionStrategy.
func ParseVersionStrategy(s string) (VersionStrategy, error) {
	for i, vt := range versionTab {
		if vt.name == s {
			return VersionStrategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown version strategy %q", s)
}


// ToColumn converts field value fv to canonical column value.
//
// For to-one fields it returns the key of the referenced instance, or nil.
// For to-many fields it returns nil.
func (f *FieldMetaData) ToColumn(fv reflect.Value) (interface{}, error) {
	switch f.Strategy {
	case StrategyToMany:
		return nil, nil

	case StrategyToOne:
		if fv.IsNil() {
			return nil, nil
		}
		target := f.target
		if target == nil {
			return nil, fmt.Errorf("%s: relation not resolved", f)
		}
		kv := target.Root().ID
		key := fv.Elem().FieldByIndex(target.ID.goIndex)
		return kv.ToColumn(key)
	}

	switch fv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return f.Kind.Coerce(fv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return f.Kind.Coerce(fv.Uint())
	case reflect.Float32, reflect.Float64:
		return f.Kind.Coerce(fv.Float())
	case reflect.String:
		return f.Kind.Coerce(fv.String())
	case reflect.Bool:
		return f.Kind.Coerce(fv.Bool())
	case reflect.Slice:
		if fv.IsNil() {
			return nil, nil
		}
		return f.Kind.Coerce(fv.Bytes())
	}
	return f.Kind.Coerce(fv.Interface())
}

// FromColumn stores column value col into basic field fv.
//
// nil sets the zero value.
func (f *FieldMetaData) FromColumn(col interface{}, fv reflect.Value) error {
	if f.Strategy != StrategyBasic {
		return fmt.Errorf("%s: FromColumn on %s field", f, f.Strategy)
	}
	x, err := f.Kind.Coerce(col)
	if err != nil {
		return err
	}
	if x == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}

	bad := func() error { return &CoercionError{f.Kind, col} }
	switch fv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := x.(int64)
		if fv.OverflowInt(n) {
			return bad()
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := x.(int64)
		if n < 0 || fv.OverflowUint(uint64(n)) {
			return bad()
		}
		fv.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		fv.SetFloat(x.(float64))
	case reflect.String:
		fv.SetString(x.(string))
	case reflect.Bool:
		fv.SetBool(x.(bool))
	case reflect.Slice:
		fv.SetBytes(x.([]byte))
	default:
		xv := reflect.ValueOf(x)
		if !xv.Type().AssignableTo(fv.Type()) {
			return bad()
		}
		fv.Set(xv)
	}
	return nil
}

// Equal returns whether two canonical column values are equal.
func Equal(a, b interface{}) bool {
	switch a := a.(type) {
	case []byte:
		b, ok := b.([]byte)
		return ok && bytes.Equal(a, b)
	case time.Time:
		b, ok := b.(time.Time)
		return ok && a.Equal(b)
	}
	return a == b
}
