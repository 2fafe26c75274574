// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var resourceLogger = loggo.GetLogger("deltacache.resource")

// DisposeMany passes src through unchanged while taking ownership of
// each tracked value's cleanup: dispose is invoked on the superseded
// value when an entry is updated, on the removed value, and on every
// value still tracked at teardown. Refresh never disposes: the value's
// identity is unchanged. Panics raised by dispose are swallowed and
// logged; cleanup failure must not fault the pipeline or prevent the
// teardown of sibling values.
func DisposeMany[K comparable, V any](src Source[K, V], dispose func(V)) (Source[K, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if dispose == nil {
		return nil, errors.NotValidf("nil dispose function")
	}
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		stage := &disposeStage[K, V]{
			down:    down,
			dispose: dispose,
			tracked: make(map[K]V),
		}
		unsub := src.Subscribe(stage)
		return func() {
			unsub()
			stage.disposeAll()
		}
	}), nil
}

type disposeStage[K comparable, V any] struct {
	down    Subscriber[K, V]
	dispose func(V)
	tracked map[K]V
}

// OnChanges is part of the Subscriber interface.
func (d *disposeStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	for _, ch := range batch {
		switch ch.Reason {
		case Add:
			d.tracked[ch.Key] = ch.Current
		case Update:
			if old, ok := d.tracked[ch.Key]; ok {
				d.disposeOne(old)
			}
			d.tracked[ch.Key] = ch.Current
		case Remove:
			if old, ok := d.tracked[ch.Key]; ok {
				d.disposeOne(old)
				delete(d.tracked, ch.Key)
			}
		}
	}
	d.down.OnChanges(batch)
}

func (d *disposeStage[K, V]) disposeOne(value V) {
	defer func() {
		if r := recover(); r != nil {
			resourceLogger.Warningf("swallowing dispose fault: %v", r)
		}
	}()
	d.dispose(value)
}

func (d *disposeStage[K, V]) disposeAll() {
	for _, value := range d.tracked {
		d.disposeOne(value)
	}
	d.tracked = make(map[K]V)
}

// OnError is part of the Subscriber interface.
func (d *disposeStage[K, V]) OnError(err error) {
	d.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (d *disposeStage[K, V]) OnCompleted() {
	d.disposeAll()
	d.down.OnCompleted()
}

// SubscribeMany passes src through unchanged while maintaining one
// subscription per tracked entry, created by applying attach to the
// entry. The subscription is renewed on Update (the value's identity
// changed) and left alone on Refresh (it did not). The cancel function
// returned by attach is invoked on Remove and at teardown; panics from
// it are swallowed and logged.
func SubscribeMany[K comparable, V any](src Source[K, V], attach func(K, V) (cancel func())) (Source[K, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if attach == nil {
		return nil, errors.NotValidf("nil attach function")
	}
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		stage := &subscribeManyStage[K, V]{
			down:   down,
			attach: attach,
			subs:   make(map[K]func()),
		}
		unsub := src.Subscribe(stage)
		return func() {
			unsub()
			stage.cancelAll()
		}
	}), nil
}

type subscribeManyStage[K comparable, V any] struct {
	down   Subscriber[K, V]
	attach func(K, V) func()
	subs   map[K]func()
}

// OnChanges is part of the Subscriber interface.
func (s *subscribeManyStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(s.down, "subscribe-many", func() {
		for _, ch := range batch {
			switch ch.Reason {
			case Add:
				s.subs[ch.Key] = s.attach(ch.Key, ch.Current)
			case Update:
				if cancel, ok := s.subs[ch.Key]; ok {
					s.cancelOne(cancel)
				}
				s.subs[ch.Key] = s.attach(ch.Key, ch.Current)
			case Remove:
				if cancel, ok := s.subs[ch.Key]; ok {
					s.cancelOne(cancel)
					delete(s.subs, ch.Key)
				}
			}
		}
		s.down.OnChanges(batch)
	})
}

func (s *subscribeManyStage[K, V]) cancelOne(cancel func()) {
	defer func() {
		if r := recover(); r != nil {
			resourceLogger.Warningf("swallowing unsubscribe fault: %v", r)
		}
	}()
	cancel()
}

func (s *subscribeManyStage[K, V]) cancelAll() {
	for _, cancel := range s.subs {
		s.cancelOne(cancel)
	}
	s.subs = make(map[K]func())
}

// OnError is part of the Subscriber interface.
func (s *subscribeManyStage[K, V]) OnError(err error) {
	s.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (s *subscribeManyStage[K, V]) OnCompleted() {
	s.cancelAll()
	s.down.OnCompleted()
}
