// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"sync"

	"github.com/juju/errors"
)

// Filter projects src down to the entries whose value satisfies pred.
// The stage keeps a per-key inclusion table so that updates crossing
// the predicate boundary are translated correctly: an update that
// brings an excluded entry inside the predicate is emitted as Add, and
// one that takes an included entry outside it is emitted as Remove.
func Filter[K comparable, V any](src Source[K, V], pred func(V) bool) (Source[K, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if pred == nil {
		return nil, errors.NotValidf("nil predicate")
	}
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		stage := &filterStage[K, V]{
			down:     down,
			pred:     pred,
			included: make(map[K]V),
		}
		return src.Subscribe(stage)
	}), nil
}

type filterStage[K comparable, V any] struct {
	down     Subscriber[K, V]
	pred     func(V) bool
	included map[K]V
}

// OnChanges is part of the Subscriber interface.
func (f *filterStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(f.down, "filter", func() {
		var out ChangeSet[K, V]
		for _, ch := range batch {
			prev, in := f.included[ch.Key]
			switch ch.Reason {
			case Add:
				if f.pred(ch.Current) {
					f.included[ch.Key] = ch.Current
					out = append(out, Added(ch.Key, ch.Current))
				}
			case Update, Refresh:
				// Refresh re-evaluates the predicate too: the value's
				// filter-relevant attributes may have changed in place.
				want := f.pred(ch.Current)
				switch {
				case in && want:
					f.included[ch.Key] = ch.Current
					if ch.Reason == Refresh {
						out = append(out, Refreshed(ch.Key, ch.Current))
					} else {
						out = append(out, Updated(ch.Key, ch.Current, prev))
					}
				case in && !want:
					delete(f.included, ch.Key)
					out = append(out, Removed(ch.Key, prev))
				case !in && want:
					f.included[ch.Key] = ch.Current
					out = append(out, Added(ch.Key, ch.Current))
				}
			case Remove:
				if in {
					delete(f.included, ch.Key)
					out = append(out, Removed(ch.Key, prev))
				}
			}
		}
		emit(f.down, out)
	})
}

// OnError is part of the Subscriber interface.
func (f *filterStage[K, V]) OnError(err error) {
	f.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (f *filterStage[K, V]) OnCompleted() {
	f.down.OnCompleted()
}

// ObserveBool attaches to an item's private notification stream. The
// set callback reports the item's latest inclusion state; the returned
// function cancels the attachment. Implementations may invoke set from
// any goroutine, but not synchronously from within the observe call
// itself.
type ObserveBool[K comparable, V any] func(key K, value V, set func(bool)) (cancel func())

// FilterOnObservable filters src by a per-item boolean stream rather
// than a static predicate. An entry joins the filtered view only when
// its stream reports true, and leaves it when the stream reports false
// or the entry is removed upstream. The attachment is renewed on every
// Update (the value's identity changed) and cancelled on Remove and on
// stage teardown.
func FilterOnObservable[K comparable, V any](src Source[K, V], observe ObserveBool[K, V]) (Source[K, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if observe == nil {
		return nil, errors.NotValidf("nil observe function")
	}
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		stage := &observableFilterStage[K, V]{
			down:     down,
			observe:  observe,
			latest:   make(map[K]V),
			included: make(map[K]V),
			cancels:  make(map[K]func()),
		}
		unsub := src.Subscribe(stage)
		return func() {
			unsub()
			stage.teardown()
		}
	}), nil
}

type observableFilterStage[K comparable, V any] struct {
	down    Subscriber[K, V]
	observe ObserveBool[K, V]

	// mu guards the tables below: inclusion signals arrive on whatever
	// goroutine the item's notifier uses, concurrently with upstream
	// deliveries.
	mu       sync.Mutex
	closed   bool
	latest   map[K]V
	included map[K]V
	cancels  map[K]func()
}

// OnChanges is part of the Subscriber interface.
func (f *observableFilterStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(f.down, "filter-on-observable", func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			return
		}
		var out ChangeSet[K, V]
		for _, ch := range batch {
			key := ch.Key
			switch ch.Reason {
			case Add, Update:
				if cancel, ok := f.cancels[key]; ok {
					cancel()
				}
				f.latest[key] = ch.Current
				if prev, in := f.included[key]; in {
					f.included[key] = ch.Current
					if ch.Reason == Update {
						out = append(out, Updated(key, ch.Current, prev))
					}
				}
				f.cancels[key] = f.observe(key, ch.Current, func(in bool) {
					f.setIncluded(key, in)
				})
			case Refresh:
				f.latest[key] = ch.Current
				if _, in := f.included[key]; in {
					f.included[key] = ch.Current
					out = append(out, Refreshed(key, ch.Current))
				}
			case Remove:
				if cancel, ok := f.cancels[key]; ok {
					cancel()
					delete(f.cancels, key)
				}
				delete(f.latest, key)
				if prev, in := f.included[key]; in {
					delete(f.included, key)
					out = append(out, Removed(key, prev))
				}
			}
		}
		emit(f.down, out)
	})
}

// setIncluded applies one inclusion signal for a key. Signals for keys
// no longer tracked are dropped: the attachment may race its own
// cancellation.
func (f *observableFilterStage[K, V]) setIncluded(key K, in bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	value, tracked := f.latest[key]
	if !tracked {
		return
	}
	prev, was := f.included[key]
	switch {
	case in && !was:
		f.included[key] = value
		emit(f.down, ChangeSet[K, V]{Added(key, value)})
	case !in && was:
		delete(f.included, key)
		emit(f.down, ChangeSet[K, V]{Removed(key, prev)})
	}
}

func (f *observableFilterStage[K, V]) teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, cancel := range f.cancels {
		cancel()
	}
	f.cancels = nil
	f.latest = nil
	f.included = nil
}

// OnError is part of the Subscriber interface.
func (f *observableFilterStage[K, V]) OnError(err error) {
	f.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (f *observableFilterStage[K, V]) OnCompleted() {
	f.teardown()
	f.down.OnCompleted()
}
