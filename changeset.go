// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"fmt"

	"github.com/juju/collections/transform"
)

// Reason records why a change was raised.
type Reason int8

const (
	// Add introduces a key that was not previously present.
	Add Reason = iota
	// Update replaces the value held against an existing key.
	Update
	// Remove deletes a key and its value.
	Remove
	// Refresh signals re-evaluation of an existing value whose key and
	// identity are unchanged.
	Refresh
	// Moved indicates a positional change only. It is raised by
	// ordered views, never by the cache itself.
	Moved
)

// String is part of the Stringer interface.
func (r Reason) String() string {
	switch r {
	case Add:
		return "add"
	case Update:
		return "update"
	case Remove:
		return "remove"
	case Refresh:
		return "refresh"
	case Moved:
		return "moved"
	default:
		return fmt.Sprintf("unknown reason %d", int(r))
	}
}

// Change describes one delta applied to a keyed collection.
type Change[K comparable, V any] struct {
	// Reason records why the change was raised.
	Reason Reason

	// Key identifies the entry the change applies to.
	Key K

	// Current is the value after the change. For Remove it holds the
	// value that was taken out of the collection.
	Current V

	// Previous holds the superseded value. It is non-nil if and only
	// if Reason is Update or Remove and a prior value existed.
	Previous *V
}

// Added returns an Add change for the given entry.
func Added[K comparable, V any](key K, value V) Change[K, V] {
	return Change[K, V]{Reason: Add, Key: key, Current: value}
}

// Updated returns an Update change superseding previous with current.
func Updated[K comparable, V any](key K, current, previous V) Change[K, V] {
	return Change[K, V]{Reason: Update, Key: key, Current: current, Previous: &previous}
}

// Removed returns a Remove change for an entry that held value.
func Removed[K comparable, V any](key K, value V) Change[K, V] {
	return Change[K, V]{Reason: Remove, Key: key, Current: value, Previous: &value}
}

// Refreshed returns a Refresh change carrying the entry's current value.
func Refreshed[K comparable, V any](key K, value V) Change[K, V] {
	return Change[K, V]{Reason: Refresh, Key: key, Current: value}
}

// ChangeSet is the ordered batch of changes produced by one edit cycle
// or one pass through an operator stage. Within a batch, later entries
// for the same key logically supersede earlier ones; stages that must
// consolidate (see EnsureUniqueKeys) rely on that ordering. Stages
// never deliver an empty batch downstream.
type ChangeSet[K comparable, V any] []Change[K, V]

// Count returns the number of changes in the batch.
func (cs ChangeSet[K, V]) Count() int {
	return len(cs)
}

// Adds returns the number of Add changes in the batch.
func (cs ChangeSet[K, V]) Adds() int { return cs.count(Add) }

// Updates returns the number of Update changes in the batch.
func (cs ChangeSet[K, V]) Updates() int { return cs.count(Update) }

// Removes returns the number of Remove changes in the batch.
func (cs ChangeSet[K, V]) Removes() int { return cs.count(Remove) }

// Refreshes returns the number of Refresh changes in the batch.
func (cs ChangeSet[K, V]) Refreshes() int { return cs.count(Refresh) }

// Moves returns the number of Moved changes in the batch.
func (cs ChangeSet[K, V]) Moves() int { return cs.count(Moved) }

func (cs ChangeSet[K, V]) count(r Reason) int {
	n := 0
	for _, ch := range cs {
		if ch.Reason == r {
			n++
		}
	}
	return n
}

// Keys returns the key of every change in batch order. Keys may repeat
// if the producer has not been consolidated with EnsureUniqueKeys.
func (cs ChangeSet[K, V]) Keys() []K {
	return transform.Slice(cs, func(ch Change[K, V]) K { return ch.Key })
}
