// Copyright (C) 2017-2026  Nexedi SA and Contributors.
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
// revisions

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"lab.nexedi.com/kirr/go123/xfmt"
	"lab.nexedi.com/kirr/go123/xstrings"
)

// Tid is a commit revision.
//
// It is derived from commit time so that revisions of different processes
// sharing one database are comparable: the high 32 bits count minutes
// since 1900, the low 32 bits the fraction of the minute.
type Tid uint64

const TidMax Tid = 1<<63 - 1 // 0x7fffffffffffffff

// Valid returns whether tid is in valid transaction identifiers range.
func (tid Tid) Valid() bool {
	return tid <= TidMax
}

// String converts tid to 16-character hex string, e.g. 0285cbac258bf266.
func (tid Tid) String() string {
	return string(xfmt.AppendHex016(nil, uint64(tid)))
}

// ParseTid parses tid from string produced by Tid.String.
func ParseTid(s string) (Tid, error) {
	var b [8]byte
	if len(s) != 16 {
		return 0, fmt.Errorf("tid %q invalid", s)
	}
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return 0, fmt.Errorf("tid %q invalid", s)
	}
	var x uint64
	for _, c := range b {
		x = x<<8 | uint64(c)
	}
	return Tid(x), nil
}

// ParseTidRange parses "<tidmin>..<tidmax>"; empty bounds default to 0 and TidMax.
func ParseTidRange(s string) (tidMin, tidMax Tid, err error) {
	s1, s2, err := xstrings.Split2(s, "..")
	if err != nil {
		return 0, 0, fmt.Errorf("tid range %q invalid", s)
	}
	tidMax = TidMax
	if s1 != "" {
		tidMin, err = ParseTid(s1)
		if err != nil {
			return 0, 0, fmt.Errorf("tid range %q invalid", s)
		}
	}
	if s2 != "" {
		tidMax, err = ParseTid(s2)
		if err != nil {
			return 0, 0, fmt.Errorf("tid range %q invalid", s)
		}
	}
	return tidMin, tidMax, nil
}

// Time converts tid to time, rounded to microsecond.
func (tid Tid) Time() time.Time {
	a := uint64(tid) >> 32
	b := uint64(tid) & (1<<32 - 1)
	min := a % 60
	hour := a / 60 % 24
	day := a/(60*24)%31 + 1
	month := a/(60*24*31)%12 + 1
	year := a/(60*24*31*12) + 1900
	sec := b * 60 / (1 << 32)
	nsec := (b*60 - (sec << 32)) * 1e9 / (1 << 32)

	t := time.Date(int(year), time.Month(month), int(day),
		int(hour), int(min), int(sec), int(nsec), time.UTC)
	return t.Round(time.Microsecond)
}

// TidFromTime returns tid corresponding to time t.
func TidFromTime(t time.Time) Tid {
	t = t.UTC()
	a := ((uint64(t.Year()-1900)*12+uint64(t.Month()-1))*31+uint64(t.Day()-1))*24 + uint64(t.Hour())
	a = a*60 + uint64(t.Minute())

	// b = ns·2³² / 60s
	ns := uint64(t.Second())*1e9 + uint64(t.Nanosecond())
	hi, lo := bits.Mul64(ns, 1<<32)
	b, _ := bits.Div64(hi, lo, 60e9)
	return Tid(a<<32 | b)
}

// Clock hands out strictly increasing tids following wall time.
type Clock struct {
	mu   sync.Mutex
	last Tid
	now  func() time.Time
}

// NewClock returns clock over time.Now.
func NewClock() *Clock { return &Clock{now: time.Now} }

// Next returns next tid: the tid of current time, or last+1 if time did
// not advance enough.
func (c *Clock) Next() Tid {
	c.mu.Lock()
	defer c.mu.Unlock()
	tid := TidFromTime(c.now())
	if tid <= c.last {
		tid = c.last + 1
	}
	c.last = tid
	return tid
}

// Observe makes c hand out tids greater than tid, e.g. one received from
// another process.
func (c *Clock) Observe(tid Tid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tid > c.last {
		c.last = tid
	}
}
