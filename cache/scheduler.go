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

package cache
// periodic eviction

import (
	"context"
	"sync"
	"time"

	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/internal/metrics"
)

// Scheduler clears a data cache every interval.
//
// It touches only the cache, never broker state.
type Scheduler struct {
	cache    DataCache
	every    time.Duration
	down     chan struct{}
	downOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	runs int // number of clears done
}

// NewScheduler starts clearing c every interval.
func NewScheduler(c DataCache, every time.Duration) *Scheduler {
	s := &Scheduler{cache: c, every: every, down: make(chan struct{})}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ctx := context.Background()
	tick := time.NewTicker(s.every)
	defer tick.Stop()
	for {
		select {
		case <-s.down:
			return
		case <-tick.C:
		}

		if err := s.cache.Clear(ctx); err != nil {
			log.Warningf(ctx, "cache: scheduled eviction: %s", err)
			metrics.CacheErrors.WithLabelValues("data", "clear").Inc()
			continue
		}
		if log.V(1) {
			log.Infof(ctx, "cache: scheduled eviction done")
		}
		s.mu.Lock()
		s.runs++
		s.mu.Unlock()
	}
}

// Runs returns how many times the cache was cleared.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Stop stops the scheduler and waits for it to finish.
func (s *Scheduler) Stop() {
	s.downOnce.Do(func() { close(s.down) })
	s.wg.Wait()
}
