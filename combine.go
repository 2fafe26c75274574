// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"sync"

	"github.com/juju/errors"
)

// Combine merges independently edited sources into one keyed stream
// under a most-recently-observed ownership rule. An Add or Update from
// any source is forwarded as Add on first sight of the key, or Update
// thereafter, transferring ownership to that source. A Remove or
// Refresh is honoured only when it originates from the key's current
// owner; from any other source it is dropped, the key being still
// alive via its owner. Errors from every source are forwarded; the
// merged stream completes once all sources have completed. There is no
// cross-source ordering guarantee beyond most-recent-observed-wins.
func Combine[K comparable, V any](sources ...Source[K, V]) (Source[K, V], error) {
	if len(sources) == 0 {
		return nil, errors.NotValidf("no sources")
	}
	for _, src := range sources {
		if src == nil {
			return nil, errors.NotValidf("nil source")
		}
	}
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		stage := &combineStage[K, V]{
			down:      down,
			remaining: len(sources),
			owned:     make(map[K]ownedEntry[V]),
		}
		unsubs := make([]func(), len(sources))
		for i, src := range sources {
			unsubs[i] = src.Subscribe(&combineInlet[K, V]{stage: stage, source: i})
		}
		return func() {
			for _, unsub := range unsubs {
				unsub()
			}
		}
	}), nil
}

type ownedEntry[V any] struct {
	source int
	value  V
}

type combineStage[K comparable, V any] struct {
	down Subscriber[K, V]

	// mu guards the ownership table: sources may deliver on different
	// goroutines.
	mu        sync.Mutex
	remaining int
	owned     map[K]ownedEntry[V]
}

// combineInlet is the subscriber attached to one source, carrying the
// source's index so ownership can be attributed.
type combineInlet[K comparable, V any] struct {
	stage  *combineStage[K, V]
	source int
}

// OnChanges is part of the Subscriber interface.
func (in *combineInlet[K, V]) OnChanges(batch ChangeSet[K, V]) {
	s := in.stage
	guard(s.down, "combine", func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		var out ChangeSet[K, V]
		for _, ch := range batch {
			key := ch.Key
			entry, known := s.owned[key]
			switch ch.Reason {
			case Add, Update:
				if known {
					out = append(out, Updated(key, ch.Current, entry.value))
				} else {
					out = append(out, Added(key, ch.Current))
				}
				s.owned[key] = ownedEntry[V]{source: in.source, value: ch.Current}
			case Remove:
				if !known || entry.source != in.source {
					continue
				}
				delete(s.owned, key)
				out = append(out, Removed(key, entry.value))
			case Refresh:
				if !known || entry.source != in.source {
					continue
				}
				s.owned[key] = ownedEntry[V]{source: in.source, value: ch.Current}
				out = append(out, Refreshed(key, ch.Current))
			}
		}
		emit(s.down, out)
	})
}

// OnError is part of the Subscriber interface.
func (in *combineInlet[K, V]) OnError(err error) {
	in.stage.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (in *combineInlet[K, V]) OnCompleted() {
	s := in.stage
	s.mu.Lock()
	s.remaining--
	done := s.remaining == 0
	s.mu.Unlock()
	if done {
		s.down.OnCompleted()
	}
}
