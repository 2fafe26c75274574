// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"sort"
	"sync"

	"github.com/juju/errors"
)

// SortConfig holds the dependencies of a Sort stage.
type SortConfig[V any] struct {
	// Compare orders two values. It may return 0 for unrelated values
	// that share a sort key; the stage resolves such ties by key
	// identity, so duplicate sort keys are fine.
	Compare func(a, b V) int

	// BinarySearch selects binary insertion and lookup over a linear
	// scan. Worth it for large sequences, a wash for small ones.
	BinarySearch bool
}

// Validate returns an error if the config cannot run a Sort stage.
func (config SortConfig[V]) Validate() error {
	if config.Compare == nil {
		return errors.NotValidf("nil Compare")
	}
	return nil
}

// Sort maintains, per subscription, an ordered sequence kept
// incrementally consistent with the comparer, and emits positional
// change sets describing every adjustment. Adds insert at the computed
// index; updates remove the old value and insert the new one (emitted
// as an in-place replace when the index is unchanged); refreshes force
// a full resort, since the sort key may have changed without notice.
// SetCompare swaps the comparer at runtime, also forcing a resort.
func Sort[K comparable, V any](src Source[K, V], config SortConfig[V]) (*Sorted[K, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Sorted[K, V]{
		src:     src,
		binary:  config.BinarySearch,
		compare: config.Compare,
		views:   make(map[*sortedView[K, V]]struct{}),
	}, nil
}

// Sorted is the ordered view produced by Sort. It implements
// ListSource.
type Sorted[K comparable, V any] struct {
	src    Source[K, V]
	binary bool

	mu      sync.Mutex
	compare func(a, b V) int
	views   map[*sortedView[K, V]]struct{}
}

// Subscribe is part of the ListSource interface.
func (s *Sorted[K, V]) Subscribe(down ListSubscriber[V]) func() {
	view := &sortedView[K, V]{owner: s, down: down}
	s.mu.Lock()
	s.views[view] = struct{}{}
	s.mu.Unlock()

	unsub := s.src.Subscribe(view)
	return func() {
		s.mu.Lock()
		delete(s.views, view)
		s.mu.Unlock()
		unsub()
	}
}

// SetCompare installs a new comparer, triggering a full resort of
// every active subscription. Each emits the whole reordering as one
// move-only change set.
func (s *Sorted[K, V]) SetCompare(cmp func(a, b V) int) error {
	if cmp == nil {
		return errors.NotValidf("nil comparer")
	}
	s.mu.Lock()
	s.compare = cmp
	views := make([]*sortedView[K, V], 0, len(s.views))
	for view := range s.views {
		views = append(views, view)
	}
	s.mu.Unlock()

	for _, view := range views {
		view.resort(cmp)
	}
	return nil
}

func (s *Sorted[K, V]) currentCompare() func(a, b V) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compare
}

type sortedEntry[K comparable, V any] struct {
	key   K
	value V
}

// sortedView is one subscription's ordered sequence.
type sortedView[K comparable, V any] struct {
	owner *Sorted[K, V]
	down  ListSubscriber[V]

	// mu guards entries against a comparer swap racing an upstream
	// delivery.
	mu      sync.Mutex
	entries []sortedEntry[K, V]
}

// OnChanges is part of the Subscriber interface.
func (v *sortedView[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guardList(v.down, "sort", func() {
		cmp := v.owner.currentCompare()

		v.mu.Lock()
		var out ListChangeSet[V]
		needResort := false
		for _, ch := range batch {
			switch ch.Reason {
			case Add:
				idx := v.insertIndex(cmp, ch.Current)
				v.insert(idx, sortedEntry[K, V]{key: ch.Key, value: ch.Current})
				out = append(out, ListChange[V]{Reason: InsertAt, Index: idx, Value: ch.Current})
			case Update:
				was := ch.Current
				if ch.Previous != nil {
					was = *ch.Previous
				}
				oldIdx := v.lookup(cmp, ch.Key, was)
				if oldIdx < 0 {
					idx := v.insertIndex(cmp, ch.Current)
					v.insert(idx, sortedEntry[K, V]{key: ch.Key, value: ch.Current})
					out = append(out, ListChange[V]{Reason: InsertAt, Index: idx, Value: ch.Current})
					continue
				}
				prev := v.entries[oldIdx].value
				v.removeAt(oldIdx)
				newIdx := v.insertIndex(cmp, ch.Current)
				v.insert(newIdx, sortedEntry[K, V]{key: ch.Key, value: ch.Current})
				if newIdx == oldIdx {
					out = append(out, ListChange[V]{Reason: ReplaceAt, Index: newIdx, Value: ch.Current, Previous: &prev})
				} else {
					out = append(out, ListChange[V]{Reason: RemoveAt, Index: oldIdx, Value: prev})
					out = append(out, ListChange[V]{Reason: InsertAt, Index: newIdx, Value: ch.Current})
				}
			case Remove:
				idx := v.lookup(cmp, ch.Key, ch.Current)
				if idx < 0 {
					continue
				}
				prev := v.entries[idx].value
				v.removeAt(idx)
				out = append(out, ListChange[V]{Reason: RemoveAt, Index: idx, Value: prev})
			case Refresh:
				// The sort key may have changed in place, so an
				// incremental fix-up cannot be trusted.
				for i := range v.entries {
					if v.entries[i].key == ch.Key {
						v.entries[i].value = ch.Current
						break
					}
				}
				needResort = true
			}
		}
		if needResort {
			out = append(out, v.resortLocked(cmp)...)
		}
		v.mu.Unlock()

		emitList(v.down, out)
	})
}

// insertIndex returns the index at which value sorts, after any equal
// values already present.
func (v *sortedView[K, V]) insertIndex(cmp func(a, b V) int, value V) int {
	if v.owner.binary {
		return sort.Search(len(v.entries), func(i int) bool {
			return cmp(v.entries[i].value, value) > 0
		})
	}
	for i := range v.entries {
		if cmp(v.entries[i].value, value) > 0 {
			return i
		}
	}
	return len(v.entries)
}

// lookup locates the entry for key, or -1. In binary mode it narrows
// to the comparer-equal range around value, then resolves ties by
// scanning left and then right of the found midpoint for the matching
// key. If the stored value no longer sorts where the comparer says it
// should, it falls back to a linear scan.
func (v *sortedView[K, V]) lookup(cmp func(a, b V) int, key K, value V) int {
	if !v.owner.binary {
		return v.linearByKey(key)
	}
	lo, hi := 0, len(v.entries)-1
	mid := -1
	for lo <= hi {
		m := (lo + hi) / 2
		switch c := cmp(v.entries[m].value, value); {
		case c < 0:
			lo = m + 1
		case c > 0:
			hi = m - 1
		default:
			mid = m
			lo = hi + 1
		}
	}
	if mid < 0 {
		return v.linearByKey(key)
	}
	for i := mid; i >= 0 && cmp(v.entries[i].value, value) == 0; i-- {
		if v.entries[i].key == key {
			return i
		}
	}
	for i := mid + 1; i < len(v.entries) && cmp(v.entries[i].value, value) == 0; i++ {
		if v.entries[i].key == key {
			return i
		}
	}
	return v.linearByKey(key)
}

func (v *sortedView[K, V]) linearByKey(key K) int {
	for i := range v.entries {
		if v.entries[i].key == key {
			return i
		}
	}
	return -1
}

func (v *sortedView[K, V]) insert(idx int, entry sortedEntry[K, V]) {
	v.entries = append(v.entries, sortedEntry[K, V]{})
	copy(v.entries[idx+1:], v.entries[idx:])
	v.entries[idx] = entry
}

func (v *sortedView[K, V]) removeAt(idx int) {
	v.entries = append(v.entries[:idx], v.entries[idx+1:]...)
}

// resort re-sorts the whole sequence with cmp and emits the
// reordering as one move-only change set.
func (v *sortedView[K, V]) resort(cmp func(a, b V) int) {
	guardList(v.down, "sort", func() {
		v.mu.Lock()
		out := v.resortLocked(cmp)
		v.mu.Unlock()
		emitList(v.down, out)
	})
}

// resortLocked sorts entries stably and returns the MoveTo changes
// that transform the old order into the new one. Called with mu held.
func (v *sortedView[K, V]) resortLocked(cmp func(a, b V) int) ListChangeSet[V] {
	target := make([]sortedEntry[K, V], len(v.entries))
	copy(target, v.entries)
	sort.SliceStable(target, func(i, j int) bool {
		return cmp(target[i].value, target[j].value) < 0
	})

	var out ListChangeSet[V]
	for i := range target {
		if v.entries[i].key == target[i].key {
			continue
		}
		j := i + 1
		for ; j < len(v.entries); j++ {
			if v.entries[j].key == target[i].key {
				break
			}
		}
		entry := v.entries[j]
		v.removeAt(j)
		v.insert(i, entry)
		out = append(out, ListChange[V]{Reason: MoveTo, Index: i, PrevIndex: j, Value: entry.value})
	}
	return out
}

// OnError is part of the Subscriber interface.
func (v *sortedView[K, V]) OnError(err error) {
	v.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (v *sortedView[K, V]) OnCompleted() {
	v.down.OnCompleted()
}
