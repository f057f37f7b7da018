// Copyright (C) 2018-2026  Nexedi SA and Contributors.
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

package transaction

import (
	"context"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"
)

// transaction implements Transaction.
type transaction struct {
	mu     sync.Mutex
	status Status
	doomed bool
	datav  []DataManager
	syncv  []Synchronizer

	description string
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	t := ctx.Value(ctxKey{})
	if t == nil {
		return nil
	}
	return t.(*transaction)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New.
func newTxn(ctx context.Context) (Transaction, context.Context) {
	// a completed transaction can be followed by a new one
	if t := getTxn(ctx); t != nil && t.Status() == Active {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{status: Active}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.status == Active && txn.doomed {
		return Doomed
	}
	return txn.status
}

// Doom implements Transaction.
func (txn *transaction) Doom() {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.status == Active {
		txn.doomed = true
	}
}

// IsDoomed implements Transaction.
func (txn *transaction) IsDoomed() bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.doomed
}

// begin switches transaction into completing status and extracts datav/syncv.
func (txn *transaction) begin(who string, status Status) (datav []DataManager, syncv []Synchronizer, doomed bool) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting(who)
	txn.status = status
	datav = txn.datav; txn.datav = nil
	syncv = txn.syncv; txn.syncv = nil
	return datav, syncv, txn.doomed
}

func (txn *transaction) setStatus(status Status) {
	txn.mu.Lock()
	txn.status = status
	txn.mu.Unlock()
}

// Commit implements Transaction.
//
// Data managers are driven sequentially, in the order they joined, so that
// the statements they issue are deterministic.
func (txn *transaction) Commit(ctx context.Context) (err error) {
	defer xerr.Context(&err, "transaction: commit")

	txn.mu.Lock()
	doomed := txn.doomed
	txn.mu.Unlock()
	if doomed {
		aerr := txn.Abort(ctx)
		return xerr.First(ErrDoomed, aerr)
	}

	datav, syncv, _ := txn.begin("commit", Committing)

	fail := func(err error, tpc bool) error {
		txn.setStatus(Aborting)
		if tpc {
			for _, dm := range datav {
				dm.TPCAbort(ctx, txn)
			}
		} else {
			for _, dm := range datav {
				err = xerr.First(err, dm.Abort(ctx, txn))
			}
		}
		txn.setStatus(Aborted)
		txn.afterCompletion(ctx, syncv)
		return err
	}

	for _, sync := range syncv {
		if err := sync.BeforeCompletion(ctx, txn); err != nil {
			return fail(err, false)
		}
	}

	for _, dm := range datav {
		if err := dm.TPCBegin(ctx, txn); err != nil {
			return fail(err, true)
		}
	}
	for _, dm := range datav {
		if err := dm.Commit(ctx, txn); err != nil {
			return fail(err, true)
		}
	}
	for _, dm := range datav {
		if err := dm.TPCVote(ctx, txn); err != nil {
			return fail(err, true)
		}
	}

	ev := xerr.Errorv{}
	for _, dm := range datav {
		ev.Appendif(dm.TPCFinish(ctx, txn))
	}
	if err := ev.Err(); err != nil {
		txn.setStatus(CommitFailed)
		txn.afterCompletion(ctx, syncv)
		return err
	}

	txn.setStatus(Committed)
	txn.afterCompletion(ctx, syncv)
	return nil
}

// Abort implements Transaction.
func (txn *transaction) Abort(ctx context.Context) (err error) {
	defer xerr.Context(&err, "transaction: abort")

	datav, syncv, _ := txn.begin("abort", Aborting)

	// sync.BeforeCompletion; errors do not prevent the abort
	ev := xerr.Errorv{}
	errv := make([]error, len(syncv))
	wg := sync.WaitGroup{}
	for i := range syncv {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errv[i] = syncv[i].BeforeCompletion(ctx, txn)
		}()
	}
	wg.Wait()
	for _, err := range errv {
		ev.Appendif(err)
	}

	// data.Abort
	errv = make([]error, len(datav))
	for i := range datav {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errv[i] = datav[i].Abort(ctx, txn)
		}()
	}
	wg.Wait()
	for _, err := range errv {
		ev.Appendif(err)
	}

	txn.setStatus(Aborted)
	txn.afterCompletion(ctx, syncv)
	return ev.Err()
}

// afterCompletion notifies syncv in parallel and waits for them.
func (txn *transaction) afterCompletion(ctx context.Context, syncv []Synchronizer) {
	wg := sync.WaitGroup{}
	for _, sync := range syncv {
		sync := sync
		wg.Add(1)
		go func() {
			defer wg.Done()
			sync.AfterCompletion(ctx, txn)
		}()
	}
	wg.Wait()
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("join")

	for _, dm2 := range txn.datav {
		if dm2 == dm {
			return
		}
	}
	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("register sync")

	for _, sync2 := range txn.syncv {
		if sync2 == sync {
			return
		}
	}
	txn.syncv = append(txn.syncv, sync)
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// and panics if the assert fails.
// must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active:
		// ok; doomed transactions are still Active until aborted
	default:
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// ---- meta ----

func (txn *transaction) Description() string {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.description
}

func (txn *transaction) SetDescription(text string) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.description = text
}
