// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache_test

import (
	"sync"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/deltacache"
	"github.com/juju/deltacache/deltatest"
)

type FilterSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&FilterSuite{})

func (s *FilterSuite) TestValidate(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	_, err := deltacache.Filter[string, device](nil, func(device) bool { return true })
	c.Check(err, gc.ErrorMatches, "nil source not valid")
	_, err = deltacache.Filter(cache.Connect(), nil)
	c.Check(err, gc.ErrorMatches, "nil predicate not valid")
}

func (s *FilterSuite) TestPredicateTransitions(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	filtered, err := deltacache.Filter(cache.Connect(), func(d device) bool {
		return d.rank > 0
	})
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, device]()
	defer filtered.Subscribe(rec)()

	// Excluded on add: nothing comes out.
	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 0}), jc.ErrorIsNil)
	c.Check(rec.Batches(), gc.HasLen, 0)

	// Excluded -> included: emitted as Add.
	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 5}), jc.ErrorIsNil)
	all := rec.All()
	c.Assert(all, gc.HasLen, 1)
	c.Check(all[0].Reason, gc.Equals, deltacache.Add)

	// Included -> included: plain Update.
	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 6}), jc.ErrorIsNil)
	all = rec.All()
	c.Assert(all, gc.HasLen, 2)
	c.Check(all[1].Reason, gc.Equals, deltacache.Update)
	c.Assert(all[1].Previous, gc.NotNil)
	c.Check(all[1].Previous.rank, gc.Equals, 5)

	// Included -> excluded: emitted as Remove.
	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 0}), jc.ErrorIsNil)
	all = rec.All()
	c.Assert(all, gc.HasLen, 3)
	c.Check(all[2].Reason, gc.Equals, deltacache.Remove)

	c.Check(rec.Replay(), gc.HasLen, 0)
}

func (s *FilterSuite) TestRefreshReevaluates(c *gc.C) {
	// The predicate consults state outside the value, so a Refresh can
	// flip inclusion without a structural upstream change.
	allowed := true
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	filtered, err := deltacache.Filter(cache.Connect(), func(d device) bool {
		return allowed
	})
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, device]()
	defer filtered.Subscribe(rec)()

	c.Assert(cache.AddOrUpdate(device{id: "a"}), jc.ErrorIsNil)

	allowed = false
	c.Assert(cache.Refresh("a"), jc.ErrorIsNil)
	all := rec.All()
	c.Assert(all, gc.HasLen, 2)
	c.Check(all[1].Reason, gc.Equals, deltacache.Remove)

	allowed = true
	c.Assert(cache.Refresh("a"), jc.ErrorIsNil)
	all = rec.All()
	c.Assert(all, gc.HasLen, 3)
	c.Check(all[2].Reason, gc.Equals, deltacache.Add)
}

func (s *FilterSuite) TestRemoveOfExcludedEntryEmitsNothing(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	filtered, err := deltacache.Filter(cache.Connect(), func(d device) bool {
		return d.rank > 0
	})
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, device]()
	defer filtered.Subscribe(rec)()

	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 0}), jc.ErrorIsNil)
	c.Assert(cache.Remove("a"), jc.ErrorIsNil)
	c.Check(rec.Batches(), gc.HasLen, 0)
}

// inclusionHub hands out per-key inclusion setters, standing in for
// the per-item event streams of real models.
type inclusionHub struct {
	mu    sync.Mutex
	sinks map[string]func(bool)
}

func newInclusionHub() *inclusionHub {
	return &inclusionHub{sinks: make(map[string]func(bool))}
}

func (h *inclusionHub) observe(key string, _ device, set func(bool)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[key] = set
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.sinks, key)
	}
}

func (h *inclusionHub) set(key string, in bool) {
	h.mu.Lock()
	sink := h.sinks[key]
	h.mu.Unlock()
	if sink != nil {
		sink(in)
	}
}

func (h *inclusionHub) observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

func (s *FilterSuite) TestFilterOnObservable(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	hub := newInclusionHub()
	filtered, err := deltacache.FilterOnObservable(cache.Connect(), hub.observe)
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, device]()
	unsub := filtered.Subscribe(rec)

	// Entries stay out of the view until their stream reports true.
	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 1}), jc.ErrorIsNil)
	c.Check(rec.Batches(), gc.HasLen, 0)
	c.Check(hub.observers(), gc.Equals, 1)

	hub.set("a", true)
	all := rec.All()
	c.Assert(all, gc.HasLen, 1)
	c.Check(all[0].Reason, gc.Equals, deltacache.Add)

	// Repeated true is idempotent.
	hub.set("a", true)
	c.Check(rec.All(), gc.HasLen, 1)

	hub.set("a", false)
	all = rec.All()
	c.Assert(all, gc.HasLen, 2)
	c.Check(all[1].Reason, gc.Equals, deltacache.Remove)

	// Upstream removal cancels the attachment.
	c.Assert(cache.Remove("a"), jc.ErrorIsNil)
	c.Check(hub.observers(), gc.Equals, 0)

	unsub()
}

func (s *FilterSuite) TestFilterOnObservableUpdateWhileIncluded(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	hub := newInclusionHub()
	filtered, err := deltacache.FilterOnObservable(cache.Connect(), hub.observe)
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, device]()
	defer filtered.Subscribe(rec)()

	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 1}), jc.ErrorIsNil)
	hub.set("a", true)

	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 2}), jc.ErrorIsNil)
	all := rec.All()
	c.Assert(all, gc.HasLen, 2)
	c.Check(all[1].Reason, gc.Equals, deltacache.Update)
	c.Check(all[1].Current.rank, gc.Equals, 2)
	c.Assert(all[1].Previous, gc.NotNil)
	c.Check(all[1].Previous.rank, gc.Equals, 1)
}

func (s *FilterSuite) TestFilterOnObservableTeardownCancelsAll(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	hub := newInclusionHub()
	filtered, err := deltacache.FilterOnObservable(cache.Connect(), hub.observe)
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, device]()
	unsub := filtered.Subscribe(rec)

	c.Assert(cache.AddOrUpdate(device{id: "a"}, device{id: "b"}), jc.ErrorIsNil)
	c.Check(hub.observers(), gc.Equals, 2)

	unsub()
	c.Check(hub.observers(), gc.Equals, 0)

	// Late signals after teardown are dropped.
	hub.set("a", true)
	c.Check(rec.Batches(), gc.HasLen, 0)
}
