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


// Package xzlib compresses encoded snapshots kept in shared caches.
//
// Pack prefixes data with one tag byte telling whether what follows is
// zlib-compressed; Unpack reverses it. Small values are left as is.
package xzlib

import (
	"bytes"
	"compress/zlib"
	"fmt"

	"github.com/DataDog/czlib"
)

const (
	tagRaw  byte = 'r'
	tagZlib byte = 'z'
)

// Compress compresses data according to zlib encoding.
//
// default level and dictionary are used.
func Compress(data []byte) (zdata []byte) {
	var b bytes.Buffer
	w := zlib.NewWriter(&b)
	_, err := w.Write(data)
	if err != nil {
		panic(err) // bytes.Buffer.Write never return error
	}
	err = w.Close()
	if err != nil {
		panic(err) // ----//----
	}
	return b.Bytes()
}

// Decompress decompresses data according to zlib encoding.
func Decompress(zdata []byte) (data []byte, err error) {
	return czlib.Decompress(zdata)
}

// Pack returns tagged data, compressed if it is longer than threshold and
// compression makes it smaller.
func Pack(data []byte, threshold int) []byte {
	if len(data) > threshold {
		zdata := Compress(data)
		if len(zdata) < len(data) {
			return append([]byte{tagZlib}, zdata...)
		}
	}
	return append([]byte{tagRaw}, data...)
}

// Unpack returns data packed by Pack.
func Unpack(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("xzlib: empty value")
	}
	switch b[0] {
	case tagRaw:
		return b[1:], nil
	case tagZlib:
		return Decompress(b[1:])
	}
	return nil, fmt.Errorf("xzlib: unknown tag %q", b[0])
}
