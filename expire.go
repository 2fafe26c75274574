// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var expiryLogger = loggo.GetLogger("deltacache.expiry")

// ExpireConfig holds the dependencies of an ExpireAfter stage.
type ExpireConfig[K comparable, V any] struct {
	// Source is the upstream change-set stream.
	Source Source[K, V]

	// LifetimeOf returns an item's lifespan. Returning ok=false or a
	// non-positive duration means the item never expires.
	LifetimeOf func(V) (time.Duration, bool)

	// Clock schedules the per-item timers.
	Clock clock.Clock
}

// Validate returns an error if the config cannot run an ExpireAfter
// stage.
func (config ExpireConfig[K, V]) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if config.LifetimeOf == nil {
		return errors.NotValidf("nil LifetimeOf")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// ExpireAfter passes src through unchanged while scheduling a one-shot
// timer per entry according to LifetimeOf. When a timer fires and the
// entry has not since been updated, refreshed or removed, the stage
// synthesizes a single-entry Remove batch downstream. Add, Update and
// Refresh all reschedule (the expiry-relevant attributes may have
// changed); Remove cancels. Teardown cancels every outstanding timer.
func ExpireAfter[K comparable, V any](config ExpireConfig[K, V]) (Source[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		stage := &expireStage[K, V]{
			config:  config,
			down:    down,
			entries: make(map[K]*expiringEntry[V]),
		}
		unsub := config.Source.Subscribe(stage)
		return func() {
			unsub()
			stage.teardown()
		}
	}), nil
}

type expiringEntry[V any] struct {
	value V
	gen   uint64
	timer clock.Timer
}

type expireStage[K comparable, V any] struct {
	config ExpireConfig[K, V]
	down   Subscriber[K, V]

	// mu guards the entry table: timer callbacks run on a
	// scheduler-provided goroutine, concurrently with upstream edits.
	mu      sync.Mutex
	closed  bool
	gen     uint64
	entries map[K]*expiringEntry[V]
}

// OnChanges is part of the Subscriber interface.
func (e *expireStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(e.down, "expire-after", func() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		for _, ch := range batch {
			switch ch.Reason {
			case Add, Update, Refresh:
				e.schedule(ch.Key, ch.Current)
			case Remove:
				e.discard(ch.Key)
			}
		}
		e.mu.Unlock()

		e.down.OnChanges(batch)
	})
}

// schedule cancels any live timer for key and arms a new one if the
// value carries a positive lifespan. Called with mu held.
func (e *expireStage[K, V]) schedule(key K, value V) {
	if entry, ok := e.entries[key]; ok && entry.timer != nil {
		entry.timer.Stop()
	}
	e.gen++
	entry := &expiringEntry[V]{value: value, gen: e.gen}
	e.entries[key] = entry

	lifespan, ok := e.config.LifetimeOf(value)
	if !ok || lifespan <= 0 {
		return
	}
	gen := entry.gen
	entry.timer = e.config.Clock.AfterFunc(lifespan, func() {
		e.expire(key, gen)
	})
	expiryLogger.Tracef("scheduled expiry in %s", lifespan)
}

// discard forgets the entry and its timer. Called with mu held.
func (e *expireStage[K, V]) discard(key K) {
	entry, ok := e.entries[key]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(e.entries, key)
}

// expire runs on the timer goroutine. The generation check makes a
// stale firing a no-op: the entry may have been rescheduled or removed
// between the firing and the lock acquisition.
func (e *expireStage[K, V]) expire(key K, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	entry, ok := e.entries[key]
	if !ok || entry.gen != gen {
		return
	}
	delete(e.entries, key)
	emit(e.down, ChangeSet[K, V]{Removed(key, entry.value)})
}

func (e *expireStage[K, V]) teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, entry := range e.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	e.entries = nil
}

// OnError is part of the Subscriber interface.
func (e *expireStage[K, V]) OnError(err error) {
	e.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (e *expireStage[K, V]) OnCompleted() {
	e.teardown()
	e.down.OnCompleted()
}
