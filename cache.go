// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

var _ worker.Worker = (*Cache[string, any])(nil)

// ErrCacheClosed is returned by any mutating operation invoked after
// the cache has been killed.
const ErrCacheClosed = errors.ConstError("cache closed")

// Cache is a keyed, in-memory collection that publishes every mutation
// as a ChangeSet. It implements worker.Worker: Kill completes every
// subscriber and seals the store, Wait blocks until teardown is done.
//
// All edits are totally ordered relative to the cache's subscribers;
// delivery happens synchronously on the editing goroutine, and a new
// edit cannot begin until the previous batch has been fully delivered.
// Subscribers must not edit the cache or open new subscriptions from
// inside a delivery callback.
type Cache[K comparable, V any] struct {
	tomb  tomb.Tomb
	keyOf func(V) K

	// editMu serialises mutation and delivery, giving the
	// single-writer-at-a-time ordering guarantee.
	editMu sync.Mutex

	// regMu guards the item map and the subscriber registries. It is
	// never held across a subscriber callback.
	regMu   sync.Mutex
	items   map[K]V
	sealed  bool
	conns   []*connSub[K, V]
	watches []*watchSub[K, V]
	counts  []*countSub
}

type connSub[K comparable, V any] struct {
	sub  Subscriber[K, V]
	gone bool
}

type watchSub[K comparable, V any] struct {
	key  K
	sub  Subscriber[K, V]
	gone bool
}

type countSub struct {
	fn   func(int)
	gone bool
}

// New returns an empty cache whose entries are keyed by the supplied
// function. The function must be pure with respect to the key: calling
// it twice on the same value must yield the same key.
func New[K comparable, V any](keyOf func(V) K) (*Cache[K, V], error) {
	if keyOf == nil {
		return nil, errors.NotValidf("nil key function")
	}
	c := &Cache[K, V]{
		keyOf: keyOf,
		items: make(map[K]V),
	}
	c.tomb.Go(func() error {
		<-c.tomb.Dying()
		c.seal()
		return nil
	})
	return c, nil
}

// Kill is part of the worker.Worker interface. It completes all
// subscribers, releases the store, and causes every subsequent
// mutation to fail with ErrCacheClosed.
func (c *Cache[K, V]) Kill() {
	c.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Cache[K, V]) Wait() error {
	return c.tomb.Wait()
}

// seal runs once, when the cache is killed. The watch contract says
// every watcher completes exactly once, so completion happens here and
// nowhere else.
func (c *Cache[K, V]) seal() {
	c.editMu.Lock()
	defer c.editMu.Unlock()

	c.regMu.Lock()
	c.sealed = true
	conns := c.conns
	watches := c.watches
	c.items = nil
	c.conns = nil
	c.watches = nil
	c.counts = nil
	c.regMu.Unlock()

	for _, s := range conns {
		s.sub.OnCompleted()
	}
	for _, w := range watches {
		w.sub.OnCompleted()
	}
}

func (c *Cache[K, V]) checkOpen() error {
	if c.tomb.Err() != tomb.ErrStillAlive {
		return ErrCacheClosed
	}
	c.regMu.Lock()
	sealed := c.sealed
	c.regMu.Unlock()
	if sealed {
		return ErrCacheClosed
	}
	return nil
}

// Edit batches an arbitrary sequence of mutations into one coalesced
// ChangeSet, preserving per-key order of occurrence. The batch is
// delivered once, after fn returns.
func (c *Cache[K, V]) Edit(fn func(*Editor[K, V])) error {
	if fn == nil {
		return errors.NotValidf("nil edit function")
	}
	c.editMu.Lock()
	defer c.editMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return errors.Trace(err)
	}
	ed := &Editor[K, V]{cache: c}
	fn(ed)
	c.publish(ed.batch)
	return nil
}

// AddOrUpdate inserts the given items, or replaces the values already
// held against their keys, in a single batch.
func (c *Cache[K, V]) AddOrUpdate(items ...V) error {
	return c.Edit(func(ed *Editor[K, V]) {
		ed.AddOrUpdate(items...)
	})
}

// Remove deletes the entries held against the given keys. Keys that
// are not present are ignored and produce no emission.
func (c *Cache[K, V]) Remove(keys ...K) error {
	return c.Edit(func(ed *Editor[K, V]) {
		ed.Remove(keys...)
	})
}

// Clear removes every entry in a single batch.
func (c *Cache[K, V]) Clear() error {
	return c.Edit(func(ed *Editor[K, V]) {
		ed.Clear()
	})
}

// Refresh raises a Refresh change for each of the given keys that is
// present, signalling re-evaluation without structural change.
func (c *Cache[K, V]) Refresh(keys ...K) error {
	return c.Edit(func(ed *Editor[K, V]) {
		ed.Refresh(keys...)
	})
}

// publish delivers a finished batch. Called with editMu held.
func (c *Cache[K, V]) publish(batch ChangeSet[K, V]) {
	if len(batch) == 0 {
		return
	}

	c.regMu.Lock()
	size := len(c.items)
	conns := append([]*connSub[K, V](nil), c.conns...)
	watches := append([]*watchSub[K, V](nil), c.watches...)
	counts := append([]*countSub(nil), c.counts...)
	c.regMu.Unlock()

	logger.Tracef("publishing batch of %d (adds %d updates %d removes %d refreshes %d)",
		batch.Count(), batch.Adds(), batch.Updates(), batch.Removes(), batch.Refreshes())

	for _, s := range conns {
		if c.subGone(&s.gone) {
			continue
		}
		s.sub.OnChanges(batch)
	}
	for _, w := range watches {
		if c.subGone(&w.gone) {
			continue
		}
		for _, ch := range batch {
			if ch.Key == w.key {
				w.sub.OnChanges(ChangeSet[K, V]{ch})
			}
		}
	}
	for _, cs := range counts {
		if c.subGone(&cs.gone) {
			continue
		}
		cs.fn(size)
	}
}

func (c *Cache[K, V]) subGone(flag *bool) bool {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return *flag
}

// connectOptions collects the optional behaviours of Connect.
type connectOptions struct {
	skipInitial bool
}

// ConnectOption customises the stream returned by Connect.
type ConnectOption func(*connectOptions)

// WithoutInitial suppresses the synthetic Add batch describing the
// cache's current contents that a new subscriber otherwise receives.
func WithoutInitial() ConnectOption {
	return func(o *connectOptions) {
		o.skipInitial = true
	}
}

// Connect returns the stream of every batch published after the
// subscription is made. Unless WithoutInitial is given, a subscriber
// to a non-empty cache first receives a synthetic Add batch describing
// the current contents; a cache that is empty at subscribe time sends
// nothing until the first edit.
func (c *Cache[K, V]) Connect(options ...ConnectOption) Source[K, V] {
	var opts connectOptions
	for _, opt := range options {
		opt(&opts)
	}
	return SourceFunc[K, V](func(sub Subscriber[K, V]) func() {
		c.editMu.Lock()
		defer c.editMu.Unlock()

		c.regMu.Lock()
		if c.sealed {
			c.regMu.Unlock()
			sub.OnCompleted()
			return func() {}
		}
		var initial ChangeSet[K, V]
		if !opts.skipInitial {
			for k, v := range c.items {
				initial = append(initial, Added(k, v))
			}
		}
		entry := &connSub[K, V]{sub: sub}
		c.conns = append(c.conns, entry)
		c.regMu.Unlock()

		emit(sub, initial)
		return func() {
			c.regMu.Lock()
			defer c.regMu.Unlock()
			entry.gone = true
			for i, s := range c.conns {
				if s == entry {
					c.conns = append(c.conns[:i], c.conns[i+1:]...)
					break
				}
			}
		}
	})
}

// Watch returns a stream carrying only the changes made to the given
// key, one change per delivered set. It never emits for other keys,
// and it completes exactly once, when the cache is killed.
func (c *Cache[K, V]) Watch(key K) Source[K, V] {
	return SourceFunc[K, V](func(sub Subscriber[K, V]) func() {
		c.regMu.Lock()
		if c.sealed {
			c.regMu.Unlock()
			sub.OnCompleted()
			return func() {}
		}
		entry := &watchSub[K, V]{key: key, sub: sub}
		c.watches = append(c.watches, entry)
		c.regMu.Unlock()

		return func() {
			c.regMu.Lock()
			defer c.regMu.Unlock()
			entry.gone = true
			for i, w := range c.watches {
				if w == entry {
					c.watches = append(c.watches[:i], c.watches[i+1:]...)
					break
				}
			}
		}
	})
}

// CountChanged invokes fn with the cache's size immediately and then
// after every delivered batch, including batches that leave the size
// numerically unchanged. It returns the subscription teardown.
func (c *Cache[K, V]) CountChanged(fn func(int)) (func(), error) {
	if fn == nil {
		return nil, errors.NotValidf("nil count function")
	}
	c.editMu.Lock()

	c.regMu.Lock()
	if c.sealed {
		c.regMu.Unlock()
		c.editMu.Unlock()
		return func() {}, nil
	}
	entry := &countSub{fn: fn}
	c.counts = append(c.counts, entry)
	size := len(c.items)
	c.regMu.Unlock()

	fn(size)
	c.editMu.Unlock()

	return func() {
		c.regMu.Lock()
		defer c.regMu.Unlock()
		entry.gone = true
		for i, cs := range c.counts {
			if cs == entry {
				c.counts = append(c.counts[:i], c.counts[i+1:]...)
				break
			}
		}
	}, nil
}

// Preview returns an instantaneous snapshot copy of the contents.
func (c *Cache[K, V]) Preview() map[K]V {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	out := make(map[K]V, len(c.items))
	for k, v := range c.items {
		out[k] = v
	}
	return out
}

// Lookup returns the value held against key, if any.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// Len returns the number of entries currently held.
func (c *Cache[K, V]) Len() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.items)
}

// Editor batches mutations applied inside a single Edit call. It is
// only valid for the duration of that call.
type Editor[K comparable, V any] struct {
	cache *Cache[K, V]
	batch ChangeSet[K, V]
}

// AddOrUpdate inserts items, or replaces the values already held
// against their keys.
func (ed *Editor[K, V]) AddOrUpdate(items ...V) {
	c := ed.cache
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for _, item := range items {
		key := c.keyOf(item)
		if old, ok := c.items[key]; ok {
			ed.batch = append(ed.batch, Updated(key, item, old))
		} else {
			ed.batch = append(ed.batch, Added(key, item))
		}
		c.items[key] = item
	}
}

// Remove deletes the entries held against keys; absent keys are
// ignored and produce no change entries.
func (ed *Editor[K, V]) Remove(keys ...K) {
	c := ed.cache
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for _, key := range keys {
		old, ok := c.items[key]
		if !ok {
			continue
		}
		delete(c.items, key)
		ed.batch = append(ed.batch, Removed(key, old))
	}
}

// Clear removes every entry.
func (ed *Editor[K, V]) Clear() {
	c := ed.cache
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for key, old := range c.items {
		ed.batch = append(ed.batch, Removed(key, old))
	}
	c.items = make(map[K]V)
}

// Refresh raises Refresh entries for the given keys where present.
func (ed *Editor[K, V]) Refresh(keys ...K) {
	c := ed.cache
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for _, key := range keys {
		if v, ok := c.items[key]; ok {
			ed.batch = append(ed.batch, Refreshed(key, v))
		}
	}
}

// Lookup returns the value currently held against key, reflecting any
// mutations already applied earlier in this edit.
func (ed *Editor[K, V]) Lookup(key K) (V, bool) {
	c := ed.cache
	c.regMu.Lock()
	defer c.regMu.Unlock()
	v, ok := c.items[key]
	return v, ok
}
