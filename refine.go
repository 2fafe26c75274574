// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"github.com/juju/errors"
)

// IncludeUpdateWhen drops Update entries whose (current, previous)
// pair fails the supplied predicate. Add, Remove and Refresh entries
// always pass through, as does an Update that carries no previous
// value. A batch that nets to empty is dropped entirely.
func IncludeUpdateWhen[K comparable, V any](src Source[K, V], include func(current, previous V) bool) (Source[K, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if include == nil {
		return nil, errors.NotValidf("nil include function")
	}
	return refine(src, "include-update-when", func(ch Change[K, V]) bool {
		if ch.Reason != Update || ch.Previous == nil {
			return true
		}
		return include(ch.Current, *ch.Previous)
	}), nil
}

// SuppressRefresh drops all Refresh entries unconditionally, and drops
// any batch that nets to empty.
func SuppressRefresh[K comparable, V any](src Source[K, V]) (Source[K, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	return refine(src, "suppress-refresh", func(ch Change[K, V]) bool {
		return ch.Reason != Refresh
	}), nil
}

// refine builds a stateless per-batch entry filter.
func refine[K comparable, V any](src Source[K, V], name string, keep func(Change[K, V]) bool) Source[K, V] {
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		return src.Subscribe(&refineStage[K, V]{down: down, name: name, keep: keep})
	})
}

type refineStage[K comparable, V any] struct {
	down Subscriber[K, V]
	name string
	keep func(Change[K, V]) bool
}

// OnChanges is part of the Subscriber interface.
func (r *refineStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(r.down, r.name, func() {
		var out ChangeSet[K, V]
		for _, ch := range batch {
			if r.keep(ch) {
				out = append(out, ch)
			}
		}
		emit(r.down, out)
	})
}

// OnError is part of the Subscriber interface.
func (r *refineStage[K, V]) OnError(err error) {
	r.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (r *refineStage[K, V]) OnCompleted() {
	r.down.OnCompleted()
}
