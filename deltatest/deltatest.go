// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package deltatest provides test doubles for asserting against
// change-set streams.
package deltatest

import (
	"sync"

	"github.com/juju/deltacache"
)

// Recorder implements deltacache.Subscriber, capturing everything a
// stream delivers so tests can assert on it. It is safe for
// concurrent delivery (timer stages deliver from their own
// goroutines).
type Recorder[K comparable, V any] struct {
	mu        sync.Mutex
	batches   []deltacache.ChangeSet[K, V]
	errs      []error
	completed int
}

// NewRecorder returns an empty Recorder.
func NewRecorder[K comparable, V any]() *Recorder[K, V] {
	return &Recorder[K, V]{}
}

// OnChanges is part of the deltacache.Subscriber interface.
func (r *Recorder[K, V]) OnChanges(cs deltacache.ChangeSet[K, V]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, cs)
}

// OnError is part of the deltacache.Subscriber interface.
func (r *Recorder[K, V]) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// OnCompleted is part of the deltacache.Subscriber interface.
func (r *Recorder[K, V]) OnCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

// Batches returns a copy of every delivered batch, in order.
func (r *Recorder[K, V]) Batches() []deltacache.ChangeSet[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deltacache.ChangeSet[K, V](nil), r.batches...)
}

// All returns every delivered change flattened into one set, in
// delivery order.
func (r *Recorder[K, V]) All() deltacache.ChangeSet[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out deltacache.ChangeSet[K, V]
	for _, batch := range r.batches {
		out = append(out, batch...)
	}
	return out
}

// Last returns the most recently delivered batch, or nil.
func (r *Recorder[K, V]) Last() deltacache.ChangeSet[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}

// Errors returns every error delivered so far.
func (r *Recorder[K, V]) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Completions returns how many times OnCompleted was delivered.
func (r *Recorder[K, V]) Completions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Replay interprets every recorded batch in order and returns the net
// keyed contents, the way a downstream mirror of the stream would.
func (r *Recorder[K, V]) Replay() map[K]V {
	out := make(map[K]V)
	for _, ch := range r.All() {
		switch ch.Reason {
		case deltacache.Add, deltacache.Update, deltacache.Refresh:
			out[ch.Key] = ch.Current
		case deltacache.Remove:
			delete(out, ch.Key)
		}
	}
	return out
}

// ListRecorder implements deltacache.ListSubscriber, capturing
// positional change sets.
type ListRecorder[V any] struct {
	mu        sync.Mutex
	batches   []deltacache.ListChangeSet[V]
	errs      []error
	completed int
}

// NewListRecorder returns an empty ListRecorder.
func NewListRecorder[V any]() *ListRecorder[V] {
	return &ListRecorder[V]{}
}

// OnChanges is part of the deltacache.ListSubscriber interface.
func (r *ListRecorder[V]) OnChanges(cs deltacache.ListChangeSet[V]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, cs)
}

// OnError is part of the deltacache.ListSubscriber interface.
func (r *ListRecorder[V]) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// OnCompleted is part of the deltacache.ListSubscriber interface.
func (r *ListRecorder[V]) OnCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

// Batches returns a copy of every delivered batch, in order.
func (r *ListRecorder[V]) Batches() []deltacache.ListChangeSet[V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deltacache.ListChangeSet[V](nil), r.batches...)
}

// Errors returns every error delivered so far.
func (r *ListRecorder[V]) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Apply replays every recorded positional change into a slice,
// yielding the ordered sequence a downstream mirror would hold.
func (r *ListRecorder[V]) Apply() []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	var seq []V
	for _, batch := range r.batches {
		for _, ch := range batch {
			switch ch.Reason {
			case deltacache.InsertAt:
				seq = append(seq, ch.Value)
				copy(seq[ch.Index+1:], seq[ch.Index:])
				seq[ch.Index] = ch.Value
			case deltacache.RemoveAt:
				seq = append(seq[:ch.Index], seq[ch.Index+1:]...)
			case deltacache.ReplaceAt:
				seq[ch.Index] = ch.Value
			case deltacache.MoveTo:
				v := seq[ch.PrevIndex]
				seq = append(seq[:ch.PrevIndex], seq[ch.PrevIndex+1:]...)
				seq = append(seq, v)
				copy(seq[ch.Index+1:], seq[ch.Index:])
				seq[ch.Index] = v
			}
		}
	}
	return seq
}
