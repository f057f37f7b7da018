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
// error taxonomy

import (
	"fmt"

	"github.com/pkg/errors"

	"lab.nexedi.com/nexedi/persist/meta"
)

// UserError is returned when the application misuses the API, e.g.
// persists an instance managed by another broker.
type UserError struct {
	Op  string // operation, e.g. "persist"
	Obj string // instance the operation was called on, if any
	Err error
}

func (e *UserError) Error() string {
	s := "orm: " + e.Op
	if e.Obj != "" {
		s += " " + e.Obj
	}
	return s + ": " + e.Err.Error()
}

func (e *UserError) Cause() error  { return e.Err }
func (e *UserError) Unwrap() error { return e.Err }

// OptimisticLockError is returned when a row was changed or removed by
// someone else since it was read: an UPDATE or DELETE matched no row of
// the expected version, or a merged detached instance is stale.
type OptimisticLockError struct {
	ID      meta.ID
	Version interface{} // version the change was based on
}

func (e *OptimisticLockError) Error() string {
	if e.Version == nil {
		return fmt.Sprintf("orm: %s was concurrently changed or removed", e.ID)
	}
	return fmt.Sprintf("orm: %s was concurrently changed or removed (expected version %v)", e.ID, e.Version)
}

// StoreError is returned when the store fails or rejects a statement,
// including constraint violations and values that cannot be converted to
// fields.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "orm: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Cause() error  { return e.Err }
func (e *StoreError) Unwrap() error { return e.Err }

// RollbackError is returned by Commit when the transaction did not commit.
//
// Err tells why; it is e.g. *OptimisticLockError or *StoreError.
type RollbackError struct {
	Err error
}

func (e *RollbackError) Error() string { return "orm: transaction rolled back: " + e.Err.Error() }
func (e *RollbackError) Cause() error  { return e.Err }
func (e *RollbackError) Unwrap() error { return e.Err }

// ConfigError is returned for invalid configuration or mapping that
// cannot work, e.g. a cycle of non-nullable foreign keys.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "orm: configuration: " + e.Err.Error() }
func (e *ConfigError) Cause() error  { return e.Err }
func (e *ConfigError) Unwrap() error { return e.Err }

// NotFoundError is returned for missing instances when the factory is
// configured with NotFound = "error", and when a hollow instance cannot be
// activated because its row is gone.
type NotFoundError struct {
	Class string
	Key   interface{}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("orm: %s %v not found", e.Class, e.Key)
}

func userErrorf(op string, obj interface{}, format string, argv ...interface{}) error {
	e := &UserError{Op: op, Err: errors.Errorf(format, argv...)}
	if obj != nil {
		e.Obj = describe(obj)
	}
	return e
}

func errorf(format string, argv ...interface{}) error {
	return errors.Errorf(format, argv...)
}
