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

package remote
// commit events and their wire form

import (
	"fmt"

	"github.com/shamaton/msgpack"

	"lab.nexedi.com/nexedi/persist/meta"
)

// CommitEvent tells what one committed transaction changed.
type CommitEvent struct {
	Source  string   // id of the committing persistence unit
	Rev     Tid      // commit revision
	Classes []string // names of classes of changed instances
	Added   []meta.ID
	Updated []meta.ID
	Deleted []meta.ID
}

// IDs returns identities of all changed instances.
func (e *CommitEvent) IDs() []meta.ID {
	idv := make([]meta.ID, 0, len(e.Added)+len(e.Updated)+len(e.Deleted))
	idv = append(idv, e.Added...)
	idv = append(idv, e.Updated...)
	return append(idv, e.Deleted...)
}

// Empty returns whether e carries no change.
func (e *CommitEvent) Empty() bool {
	return len(e.Added)+len(e.Updated)+len(e.Deleted) == 0
}

func (e *CommitEvent) String() string {
	return fmt.Sprintf("%s @%s: +%d ~%d -%d %v", e.Source, e.Rev,
		len(e.Added), len(e.Updated), len(e.Deleted), e.Classes)
}

// wireEvent is msgpack representation of CommitEvent.
type wireEvent struct {
	S string
	R uint64
	C []string
	A []string
	U []string
	D []string
}

func idStrings(idv []meta.ID) []string {
	sv := make([]string, len(idv))
	for i, id := range idv {
		sv[i] = id.String()
	}
	return sv
}

func parseIDs(sv []string) ([]meta.ID, error) {
	if len(sv) == 0 {
		return nil, nil
	}
	idv := make([]meta.ID, len(sv))
	for i, s := range sv {
		id, err := meta.ParseID(s)
		if err != nil {
			return nil, err
		}
		idv[i] = id
	}
	return idv, nil
}

// Encode returns wire form of e.
func (e *CommitEvent) Encode() ([]byte, error) {
	return msgpack.Encode(&wireEvent{
		S: e.Source,
		R: uint64(e.Rev),
		C: e.Classes,
		A: idStrings(e.Added),
		U: idStrings(e.Updated),
		D: idStrings(e.Deleted),
	})
}

// DecodeEvent decodes wire form produced by CommitEvent.Encode.
func DecodeEvent(data []byte) (_ *CommitEvent, err error) {
	var w wireEvent
	if err := msgpack.Decode(data, &w); err != nil {
		return nil, fmt.Errorf("decode commit event: %w", err)
	}
	e := &CommitEvent{Source: w.S, Rev: Tid(w.R), Classes: w.C}
	if e.Added, err = parseIDs(w.A); err != nil {
		return nil, fmt.Errorf("decode commit event: %w", err)
	}
	if e.Updated, err = parseIDs(w.U); err != nil {
		return nil, fmt.Errorf("decode commit event: %w", err)
	}
	if e.Deleted, err = parseIDs(w.D); err != nil {
		return nil, fmt.Errorf("decode commit event: %w", err)
	}
	return e, nil
}
