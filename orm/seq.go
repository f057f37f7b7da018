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
// identity generation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/meta"
	"lab.nexedi.com/nexedi/persist/store"
)

// seqBlock is a range [next, limit) of reserved sequence values.
type seqBlock struct {
	next, limit int64
}

func (s *seqBlock) take() (int64, bool) {
	if s == nil || s.next >= s.limit {
		return 0, false
	}
	n := s.next
	s.next++
	return n, true
}

const seqRetries = 10

// reserve reserves n values of sequence name in tx and returns the first.
func reserve(ctx context.Context, tx store.Tx, d store.Dialect, name string, n int) (_ int64, err error) {
	defer xerr.Contextf(&err, "sequence %s", name)

	sel := fmt.Sprintf("SELECT NEXT_VALUE FROM %s WHERE NAME = %s", store.SequenceTable, d.Placeholder(1))
	ins := fmt.Sprintf("INSERT INTO %s (NAME, NEXT_VALUE) VALUES (%s, %s)", store.SequenceTable, d.Placeholder(1), d.Placeholder(2))
	upd := fmt.Sprintf("UPDATE %s SET NEXT_VALUE = %s WHERE NAME = %s AND NEXT_VALUE = %s",
		store.SequenceTable, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))

	for i := 0; i < seqRetries; i++ {
		rows, err := tx.Query(ctx, sel, name)
		if err != nil {
			return 0, err
		}
		rowv, err := store.Collect(rows)
		if err != nil {
			return 0, err
		}
		if len(rowv) == 0 {
			_, err := tx.Exec(ctx, ins, name, int64(1+n))
			if err != nil {
				return 0, err
			}
			return 1, nil
		}
		cur, err := meta.KindInt64.Coerce(rowv[0][0])
		if err != nil {
			return 0, err
		}
		next := cur.(int64)
		done, err := tx.Exec(ctx, upd, next+int64(n), name, next)
		if err != nil {
			return 0, err
		}
		if done == 1 {
			return next, nil
		}
		// raced with another allocator
	}
	return 0, fmt.Errorf("could not reserve values after %d attempts", seqRetries)
}

// nextSequence returns next value of the sequence of hierarchy root.
//
// Blocks reserved inside the broker store transaction belong to the broker
// and go away with the transaction if it rolls back; otherwise the block
// is reserved in a transaction of its own and shared by the factory.
func (b *Broker) nextSequence(ctx context.Context, root *meta.ClassMetaData) (int64, error) {
	f := b.f
	alloc := f.cfg.SequenceAllocation

	if b.tx != nil {
		if n, ok := b.seqs[root.Name].take(); ok {
			return n, nil
		}
		first, err := reserve(ctx, b.tx, f.st.Dialect(), root.Name, alloc)
		if err != nil {
			return 0, &StoreError{"allocate identity", err}
		}
		blk := &seqBlock{next: first, limit: first + int64(alloc)}
		b.seqs[root.Name] = blk
		n, _ := blk.take()
		return n, nil
	}

	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	if n, ok := f.seqs[root.Name].take(); ok {
		return n, nil
	}
	first, err := f.reserve(ctx, root.Name, alloc)
	if err != nil {
		return 0, &StoreError{"allocate identity", err}
	}
	blk := &seqBlock{next: first, limit: first + int64(alloc)}
	f.seqs[root.Name] = blk
	n, _ := blk.take()
	return n, nil
}

// reserve reserves n values of sequence name in a store transaction of its own.
func (f *Factory) reserve(ctx context.Context, name string, n int) (_ int64, err error) {
	tx, err := f.st.Begin(ctx)
	if err != nil {
		return 0, err
	}
	first, err := reserve(ctx, tx, f.st.Dialect(), name, n)
	if err != nil {
		tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return first, nil
}

// assignID generates identity of new instance sm if its class generates
// identities and the key is not set yet.
func (b *Broker) assignID(ctx context.Context, sm *StateManager) error {
	class := sm.class
	idf := class.ID
	fv := sm.field(idf)
	if !fv.IsZero() {
		return nil
	}

	var key interface{}
	switch class.Root().IDStrategy {
	case meta.IDSequence:
		n, err := b.nextSequence(ctx, class.Root())
		if err != nil {
			return err
		}
		key = n
	case meta.IDUUID:
		key = uuid.NewString()
	default:
		return nil
	}
	if err := idf.FromColumn(key, fv); err != nil {
		return &ConfigError{fmt.Errorf("%s: generated key: %w", idf, err)}
	}
	return nil
}
