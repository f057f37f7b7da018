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

// Package metrics holds prometheus collectors of the persistence engine.
//
// All collectors are registered on Registry, which is what `orm relay`
// serves on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the registry all collectors of this package are registered on.
var Registry = prometheus.NewRegistry()

var (
	// CacheAccess counts data/query cache lookups.
	//
	// labels: cache = data|query, result = hit|miss|stale
	CacheAccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "cache_access_total",
		Help:      "Second-level cache lookups by cache and result.",
	}, []string{"cache", "result"})

	// CacheErrors counts cache failures that were degraded to store reads.
	CacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "cache_errors_total",
		Help:      "Cache operations that failed and were ignored.",
	}, []string{"cache", "op"})

	// Statements counts SQL statements issued by flushes.
	//
	// labels: op = insert|update|delete|postupdate
	Statements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "flush_statements_total",
		Help:      "Row statements executed by flush.",
	}, []string{"op"})

	// OptimisticFailures counts version check failures at flush.
	OptimisticFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "optimistic_lock_failures_total",
		Help:      "UPDATE/DELETE statements that matched no row of the expected version.",
	})

	// Commits counts transaction outcomes seen by brokers.
	//
	// labels: result = committed|rolledback
	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "commits_total",
		Help:      "Broker transaction completions by outcome.",
	}, []string{"result"})

	// FlushDuration observes wall time of flushes.
	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "persist",
		Name:      "flush_duration_seconds",
		Help:      "Time spent executing a flush against the store.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	// RemoteEvents counts commit events crossing the remote-commit provider.
	//
	// labels: direction = sent|received|dropped
	RemoteEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "remote_events_total",
		Help:      "Commit events broadcast to or received from other processes.",
	}, []string{"direction"})
)

func init() {
	Registry.MustRegister(
		CacheAccess,
		CacheErrors,
		Statements,
		OptimisticFailures,
		Commits,
		FlushDuration,
		RemoteEvents,
	)
}
