// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("deltacache")

// Subscriber consumes an ordered stream of change sets.
//
// OnError carries a resumable fault: the stage that raised it keeps
// delivering subsequent batches, so implementations must not treat the
// stream as ended. OnCompleted is delivered at most once, after which
// no further batches arrive.
type Subscriber[K comparable, V any] interface {
	OnChanges(ChangeSet[K, V])
	OnError(error)
	OnCompleted()
}

// Source is anything that emits change sets. Subscribe returns a
// function that tears the subscription down, along with any state the
// stage holds on the subscriber's behalf (timers, per-item
// subscriptions, side tables).
type Source[K comparable, V any] interface {
	Subscribe(Subscriber[K, V]) func()
}

// SourceFunc adapts a subscribe function to the Source interface.
type SourceFunc[K comparable, V any] func(Subscriber[K, V]) func()

// Subscribe is part of the Source interface.
func (f SourceFunc[K, V]) Subscribe(s Subscriber[K, V]) func() {
	return f(s)
}

// Sink adapts plain functions to the Subscriber interface for terminal
// consumers. Nil fields are skipped.
type Sink[K comparable, V any] struct {
	Changes   func(ChangeSet[K, V])
	Error     func(error)
	Completed func()
}

// OnChanges is part of the Subscriber interface.
func (s *Sink[K, V]) OnChanges(cs ChangeSet[K, V]) {
	if s.Changes != nil {
		s.Changes(cs)
	}
}

// OnError is part of the Subscriber interface.
func (s *Sink[K, V]) OnError(err error) {
	if s.Error != nil {
		s.Error(err)
	}
}

// OnCompleted is part of the Subscriber interface.
func (s *Sink[K, V]) OnCompleted() {
	if s.Completed != nil {
		s.Completed()
	}
}

// emit delivers a batch downstream unless it is empty. Stages must
// route every delivery through here to preserve the no-empty-batch
// contract.
func emit[K comparable, V any](down Subscriber[K, V], cs ChangeSet[K, V]) {
	if len(cs) == 0 {
		return
	}
	down.OnChanges(cs)
}

// guard runs one stage's per-batch logic, converting a panic in that
// logic into a resumable downstream error so the pipeline keeps
// producing further batches. Upstream errors are not routed through
// here; they are forwarded untouched.
func guard[K comparable, V any](down Subscriber[K, V], stage string, fn func()) {
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
