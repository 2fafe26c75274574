// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"fmt"

	"github.com/juju/errors"
)

// ListReason records why a positional change was raised.
type ListReason int8

const (
	// InsertAt introduces a value at an index, shifting later values
	// one position right.
	InsertAt ListReason = iota
	// RemoveAt deletes the value at an index, shifting later values
	// one position left.
	RemoveAt
	// ReplaceAt substitutes the value at an index in place.
	ReplaceAt
	// MoveTo relocates the value at PrevIndex to Index.
	MoveTo
)

// String is part of the Stringer interface.
func (r ListReason) String() string {
	switch r {
	case InsertAt:
		return "insert"
	case RemoveAt:
		return "remove"
	case ReplaceAt:
		return "replace"
	case MoveTo:
		return "move"
	default:
		return fmt.Sprintf("unknown list reason %d", int(r))
	}
}

// ListChange describes one delta applied to an ordered sequence.
// Changes within a set apply sequentially: each index is relative to
// the sequence state produced by the changes before it.
type ListChange[V any] struct {
	// Reason records why the change was raised.
	Reason ListReason

	// Index is the position the change applies to; for MoveTo it is
	// the destination.
	Index int

	// PrevIndex is the origin position of a MoveTo; zero otherwise.
	PrevIndex int

	// Value is the value inserted, replaced in, moved, or removed.
	Value V

	// Previous is the superseded value; non-nil only for ReplaceAt.
	Previous *V
}

// ListChangeSet is the ordered batch of positional changes produced by
// one pass through an ordered view.
type ListChangeSet[V any] []ListChange[V]

// Count returns the number of changes in the batch.
func (cs ListChangeSet[V]) Count() int {
	return len(cs)
}

// Moves returns the number of MoveTo changes in the batch.
func (cs ListChangeSet[V]) Moves() int {
	n := 0
	for _, ch := range cs {
		if ch.Reason == MoveTo {
			n++
		}
	}
	return n
}

// ListSubscriber consumes an ordered stream of positional change sets.
// The error and completion contracts match Subscriber.
type ListSubscriber[V any] interface {
	OnChanges(ListChangeSet[V])
	OnError(error)
	OnCompleted()
}

// ListSource is anything that emits positional change sets.
type ListSource[V any] interface {
	Subscribe(ListSubscriber[V]) func()
}

// emitList mirrors emit for positional batches.
func emitList[V any](down ListSubscriber[V], cs ListChangeSet[V]) {
	if len(cs) == 0 {
		return
	}
	down.OnChanges(cs)
}

// guardList mirrors guard for stages with positional output.
func guardList[V any](down ListSubscriber[V], stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.Errorf("%v", r)
			}
			logger.Tracef("%s stage fault: %v", stage, err)
			down.OnError(errors.Annotatef(err, "%s stage", stage))
		}
	}()
	fn()
}
