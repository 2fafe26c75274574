// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"github.com/juju/errors"
)

// Transform projects every value in src through mapFn, preserving keys
// and reasons. The stage caches each projected value so that the
// Previous attached to downstream updates and removes is exactly the
// value previously emitted, even when mapFn is not pure. Refresh
// re-emits the cached projection without re-invoking mapFn.
func Transform[K comparable, V, R any](src Source[K, V], mapFn func(V) R) (Source[K, R], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if mapFn == nil {
		return nil, errors.NotValidf("nil map function")
	}
	return SourceFunc[K, R](func(down Subscriber[K, R]) func() {
		stage := &transformStage[K, V, R]{
			down:    down,
			mapFn:   mapFn,
			current: make(map[K]R),
		}
		return src.Subscribe(stage)
	}), nil
}

type transformStage[K comparable, V, R any] struct {
	down    Subscriber[K, R]
	mapFn   func(V) R
	current map[K]R
}

// OnChanges is part of the Subscriber interface.
func (t *transformStage[K, V, R]) OnChanges(batch ChangeSet[K, V]) {
	guard(t.down, "transform", func() {
		var out ChangeSet[K, R]
		for _, ch := range batch {
			key := ch.Key
			switch ch.Reason {
			case Add:
				r := t.mapFn(ch.Current)
				t.current[key] = r
				out = append(out, Added(key, r))
			case Update:
				r := t.mapFn(ch.Current)
				prev, known := t.current[key]
				t.current[key] = r
				if known {
					out = append(out, Updated(key, r, prev))
				} else {
					out = append(out, Added(key, r))
				}
			case Refresh:
				if r, known := t.current[key]; known {
					out = append(out, Refreshed(key, r))
				}
			case Remove:
				if prev, known := t.current[key]; known {
					delete(t.current, key)
					out = append(out, Removed(key, prev))
				}
			}
		}
		emit(t.down, out)
	})
}

// OnError is part of the Subscriber interface.
func (t *transformStage[K, V, R]) OnError(err error) {
	t.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (t *transformStage[K, V, R]) OnCompleted() {
	t.down.OnCompleted()
}

// TransformMany expands every value in src into zero or more child
// values, each re-keyed by childKeyOf, producing a flattened stream.
// On Update and Refresh the expansion is recomputed and diffed against
// the previous expansion for that parent: vanished children are
// removed, new ones added, and retained child keys are re-emitted as
// Update (the child value may have changed with its parent). Child
// keys are expected to be unique across parents; a duplicate is
// emitted as Update, with the newest parent's child winning.
func TransformMany[K, KR comparable, V, R any](
	src Source[K, V],
	expand func(V) []R,
	childKeyOf func(R) KR,
) (Source[KR, R], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if expand == nil {
		return nil, errors.NotValidf("nil expand function")
	}
	if childKeyOf == nil {
		return nil, errors.NotValidf("nil child key function")
	}
	return SourceFunc[KR, R](func(down Subscriber[KR, R]) func() {
		stage := &transformManyStage[K, KR, V, R]{
			down:       down,
			expand:     expand,
			childKeyOf: childKeyOf,
			byParent:   make(map[K]map[KR]R),
			children:   make(map[KR]R),
		}
		return src.Subscribe(stage)
	}), nil
}

type transformManyStage[K, KR comparable, V, R any] struct {
	down       Subscriber[KR, R]
	expand     func(V) []R
	childKeyOf func(R) KR

	byParent map[K]map[KR]R
	children map[KR]R
}

// OnChanges is part of the Subscriber interface.
func (t *transformManyStage[K, KR, V, R]) OnChanges(batch ChangeSet[K, V]) {
	guard(t.down, "transform-many", func() {
		var out ChangeSet[KR, R]
		for _, ch := range batch {
			switch ch.Reason {
			case Add, Update, Refresh:
				out = t.reconcile(ch.Key, ch.Current, out)
			case Remove:
				for ck, cv := range t.byParent[ch.Key] {
					delete(t.children, ck)
					out = append(out, Removed(ck, cv))
				}
				delete(t.byParent, ch.Key)
			}
		}
		emit(t.down, out)
	})
}

// reconcile diffs the parent's new expansion against the one held in
// the per-parent table, emitting only the affected children.
func (t *transformManyStage[K, KR, V, R]) reconcile(parent K, value V, out ChangeSet[KR, R]) ChangeSet[KR, R] {
	old := t.byParent[parent]
	next := make(map[KR]R)
	for _, child := range t.expand(value) {
		ck := t.childKeyOf(child)
		next[ck] = child
		if prev, known := t.children[ck]; known {
			out = append(out, Updated(ck, child, prev))
		} else {
			out = append(out, Added(ck, child))
		}
		t.children[ck] = child
	}
	for ck, cv := range old {
		if _, kept := next[ck]; kept {
			continue
		}
		delete(t.children, ck)
		out = append(out, Removed(ck, cv))
	}
	t.byParent[parent] = next
	return out
}

// OnError is part of the Subscriber interface.
func (t *transformManyStage[K, KR, V, R]) OnError(err error) {
	t.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (t *transformManyStage[K, KR, V, R]) OnCompleted() {
	t.down.OnCompleted()
}

// ChangeKey re-keys src using a new key selector. When an Update or
// Refresh causes a value's derived key to differ from the one it was
// last published under, the stage emits a Remove for the old key
// followed by an Add for the new one.
func ChangeKey[K, KN comparable, V any](src Source[K, V], keyOf func(V) KN) (Source[KN, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if keyOf == nil {
		return nil, errors.NotValidf("nil key function")
	}
	return SourceFunc[KN, V](func(down Subscriber[KN, V]) func() {
		stage := &changeKeyStage[K, KN, V]{
			down:    down,
			keyOf:   keyOf,
			mapping: make(map[K]KN),
			values:  make(map[KN]V),
		}
		return src.Subscribe(stage)
	}), nil
}

type changeKeyStage[K, KN comparable, V any] struct {
	down  Subscriber[KN, V]
	keyOf func(V) KN

	// mapping records the derived key each upstream key was last
	// published under, so a key change can retract the old entry.
	mapping map[K]KN
	values  map[KN]V
}

// OnChanges is part of the Subscriber interface.
func (t *changeKeyStage[K, KN, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(t.down, "change-key", func() {
		var out ChangeSet[KN, V]
		for _, ch := range batch {
			switch ch.Reason {
			case Add:
				out = t.place(ch.Key, ch.Current, out)
			case Update, Refresh:
				old, known := t.mapping[ch.Key]
				nk := t.keyOf(ch.Current)
				if known && nk == old {
					prev := t.values[nk]
					t.values[nk] = ch.Current
					if ch.Reason == Refresh {
						out = append(out, Refreshed(nk, ch.Current))
					} else {
						out = append(out, Updated(nk, ch.Current, prev))
					}
					continue
				}
				if known {
					out = append(out, Removed(old, t.values[old]))
					delete(t.values, old)
				}
				out = t.place(ch.Key, ch.Current, out)
			case Remove:
				old, known := t.mapping[ch.Key]
				if !known {
					continue
				}
				out = append(out, Removed(old, t.values[old]))
				delete(t.values, old)
				delete(t.mapping, ch.Key)
			}
		}
		emit(t.down, out)
	})
}

func (t *changeKeyStage[K, KN, V]) place(key K, value V, out ChangeSet[KN, V]) ChangeSet[KN, V] {
	nk := t.keyOf(value)
	if prev, taken := t.values[nk]; taken {
		out = append(out, Updated(nk, value, prev))
	} else {
		out = append(out, Added(nk, value))
	}
	t.mapping[key] = nk
	t.values[nk] = value
	return out
}

// OnError is part of the Subscriber interface.
func (t *changeKeyStage[K, KN, V]) OnError(err error) {
	t.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (t *changeKeyStage[K, KN, V]) OnCompleted() {
	t.down.OnCompleted()
}
