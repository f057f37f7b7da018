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
// life-cycle callbacks

import (
	"context"
	"fmt"
)

// Event is a life-cycle event of an instance.
type Event int

const (
	PrePersist  Event = iota // Persist, before the instance becomes managed
	PostPersist              // after its row was inserted
	PreUpdate                // at flush, before its row is updated
	PostUpdate               // after its row was updated
	PreRemove                // Remove, before the instance is marked deleted
	PostRemove               // after its row was deleted
	PostLoad                 // after its fields were loaded
)

var eventNames = [...]string{
	PrePersist:  "pre-persist",
	PostPersist: "post-persist",
	PreUpdate:   "pre-update",
	PostUpdate:  "post-update",
	PreRemove:   "pre-remove",
	PostRemove:  "post-remove",
	PostLoad:    "post-load",
}

func (e Event) String() string {
	if 0 <= e && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", e)
}

// Listener is called for life-cycle events of instances.
//
// An error returned from a Pre* event aborts the operation; from a Post*
// event it fails the flush or load that fired it.
type Listener func(ctx context.Context, ev Event, obj interface{}) error

// Entities receive their own events by implementing the methods below.
type (
	prePersister  interface{ PrePersist(ctx context.Context) error }
	postPersister interface{ PostPersist(ctx context.Context) error }
	preUpdater    interface{ PreUpdate(ctx context.Context) error }
	postUpdater   interface{ PostUpdate(ctx context.Context) error }
	preRemover    interface{ PreRemove(ctx context.Context) error }
	postRemover   interface{ PostRemove(ctx context.Context) error }
	postLoader    interface{ PostLoad(ctx context.Context) error }
)

// fire delivers ev about obj to factory listeners, in registration order,
// and then to obj itself.
func (b *Broker) fire(ctx context.Context, ev Event, obj interface{}) error {
	f := b.f
	f.listenMu.RLock()
	lv := f.listeners
	f.listenMu.RUnlock()

	for _, l := range lv {
		if err := l(ctx, ev, obj); err != nil {
			return fmt.Errorf("%s %s: %w", ev, describe(obj), err)
		}
	}

	var err error
	switch ev {
	case PrePersist:
		if x, ok := obj.(prePersister); ok {
			err = x.PrePersist(ctx)
		}
	case PostPersist:
		if x, ok := obj.(postPersister); ok {
			err = x.PostPersist(ctx)
		}
	case PreUpdate:
		if x, ok := obj.(preUpdater); ok {
			err = x.PreUpdate(ctx)
		}
	case PostUpdate:
		if x, ok := obj.(postUpdater); ok {
			err = x.PostUpdate(ctx)
		}
	case PreRemove:
		if x, ok := obj.(preRemover); ok {
			err = x.PreRemove(ctx)
		}
	case PostRemove:
		if x, ok := obj.(postRemover); ok {
			err = x.PostRemove(ctx)
		}
	case PostLoad:
		if x, ok := obj.(postLoader); ok {
			err = x.PostLoad(ctx)
		}
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", ev, describe(obj), err)
	}
	return nil
}
