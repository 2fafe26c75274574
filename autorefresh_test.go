// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache_test

import (
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/deltacache"
	"github.com/juju/deltacache/deltatest"
)

type AutoRefreshSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&AutoRefreshSuite{})

// changeHub is a hand-cranked notification source. Attachments are
// recorded per key; fire invokes the live ones outside the hub lock.
type changeHub struct {
	mu       sync.Mutex
	attached int
	sinks    map[string]func()
}

func newChangeHub() *changeHub {
	return &changeHub{sinks: make(map[string]func())}
}

func (h *changeHub) notify(key string, _ device, changed func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attached++
	h.sinks[key] = changed
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.sinks, key)
	}
}

func (h *changeHub) fire(key string) {
	h.mu.Lock()
	sink := h.sinks[key]
	h.mu.Unlock()
	if sink != nil {
		sink()
	}
}

func (h *changeHub) live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

func (h *changeHub) attaches() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached
}

func (s *AutoRefreshSuite) TestValidate(c *gc.C) {
	cache := newDeviceCache(c)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, cache) })
	hub := newChangeHub()

	_, err := deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Notify: hub.notify,
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source: cache.Connect(),
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source:      cache.Connect(),
		Notify:      hub.notify,
		QuietPeriod: -time.Second,
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source:      cache.Connect(),
		Notify:      hub.notify,
		QuietPeriod: time.Second,
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *AutoRefreshSuite) TestImmediateRefresh(c *gc.C) {
	cache := newDeviceCache(c)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, cache) })
	hub := newChangeHub()

	refreshing, err := deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source: cache.Connect(),
		Notify: hub.notify,
	})
	c.Assert(err, gc.IsNil)
	rec := deltatest.NewRecorder[string, device]()
	refreshing.Subscribe(rec)

	err = cache.AddOrUpdate(device{id: "a", rank: 1})
	c.Assert(err, gc.IsNil)
	c.Assert(hub.live(), gc.Equals, 1)

	hub.fire("a")
	hub.fire("a")

	all := rec.All()
	c.Check(all.Adds(), gc.Equals, 1)
	c.Check(all.Refreshes(), gc.Equals, 2)
	c.Check(rec.Last()[0].Current.rank, gc.Equals, 1)
}

func (s *AutoRefreshSuite) TestQuietPeriodCollapses(c *gc.C) {
	cache := newDeviceCache(c)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, cache) })
	hub := newChangeHub()
	clk := testclock.NewClock(time.Now())

	refreshing, err := deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source:      cache.Connect(),
		Notify:      hub.notify,
		QuietPeriod: 100 * time.Millisecond,
		Clock:       clk,
	})
	c.Assert(err, gc.IsNil)
	rec := deltatest.NewRecorder[string, device]()
	refreshing.Subscribe(rec)

	err = cache.AddOrUpdate(device{id: "a", rank: 1})
	c.Assert(err, gc.IsNil)

	hub.fire("a")
	hub.fire("a")
	hub.fire("a")
	c.Check(rec.All().Refreshes(), gc.Equals, 0)

	// The value changes while the window is open; the collapsed
	// Refresh carries the latest one.
	err = cache.AddOrUpdate(device{id: "a", rank: 2})
	c.Assert(err, gc.IsNil)

	err = clk.WaitAdvance(100*time.Millisecond, testing.LongWait, 1)
	c.Assert(err, gc.IsNil)
	waitUntil(c, func() bool { return rec.All().Refreshes() == 1 })
	c.Check(rec.Last()[0].Current.rank, gc.Equals, 2)
}

func (s *AutoRefreshSuite) TestRemoveCancelsWindow(c *gc.C) {
	cache := newDeviceCache(c)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, cache) })
	hub := newChangeHub()
	clk := testclock.NewClock(time.Now())

	refreshing, err := deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source:      cache.Connect(),
		Notify:      hub.notify,
		QuietPeriod: 100 * time.Millisecond,
		Clock:       clk,
	})
	c.Assert(err, gc.IsNil)
	rec := deltatest.NewRecorder[string, device]()
	refreshing.Subscribe(rec)

	err = cache.AddOrUpdate(device{id: "a"})
	c.Assert(err, gc.IsNil)
	hub.fire("a")
	err = cache.Remove("a")
	c.Assert(err, gc.IsNil)
	c.Check(hub.live(), gc.Equals, 0)

	err = clk.WaitAdvance(time.Hour, testing.LongWait, 0)
	c.Assert(err, gc.IsNil)
	time.Sleep(testing.ShortWait)
	c.Check(rec.All().Refreshes(), gc.Equals, 0)
}

func (s *AutoRefreshSuite) TestUpdateReattaches(c *gc.C) {
	cache := newDeviceCache(c)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, cache) })
	hub := newChangeHub()

	refreshing, err := deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source: cache.Connect(),
		Notify: hub.notify,
	})
	c.Assert(err, gc.IsNil)
	rec := deltatest.NewRecorder[string, device]()
	refreshing.Subscribe(rec)

	err = cache.AddOrUpdate(device{id: "a", rank: 1})
	c.Assert(err, gc.IsNil)
	err = cache.AddOrUpdate(device{id: "a", rank: 2})
	c.Assert(err, gc.IsNil)

	c.Check(hub.attaches(), gc.Equals, 2)
	c.Check(hub.live(), gc.Equals, 1)

	hub.fire("a")
	c.Check(rec.Last()[0].Current.rank, gc.Equals, 2)
}

func (s *AutoRefreshSuite) TestUnsubscribeCancelsAttachments(c *gc.C) {
	cache := newDeviceCache(c)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, cache) })
	hub := newChangeHub()

	refreshing, err := deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source: cache.Connect(),
		Notify: hub.notify,
	})
	c.Assert(err, gc.IsNil)
	rec := deltatest.NewRecorder[string, device]()
	unsub := refreshing.Subscribe(rec)

	err = cache.AddOrUpdate(device{id: "a"})
	c.Assert(err, gc.IsNil)
	err = cache.AddOrUpdate(device{id: "b"})
	c.Assert(err, gc.IsNil)
	c.Assert(hub.live(), gc.Equals, 2)

	unsub()
	c.Check(hub.live(), gc.Equals, 0)

	// Late firings from stale sinks are dropped.
	hub.fire("a")
	c.Check(rec.All().Refreshes(), gc.Equals, 0)
}

func (s *AutoRefreshSuite) TestHubNotifier(c *gc.C) {
	cache := newDeviceCache(c)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, cache) })

	hub := pubsub.NewSimpleHub(nil)
	notifier, err := deltacache.NewHubNotifier[string, device](hub, func(key string) string {
		return "device." + key
	})
	c.Assert(err, gc.IsNil)

	refreshing, err := deltacache.AutoRefresh(deltacache.AutoRefreshConfig[string, device]{
		Source: cache.Connect(),
		Notify: notifier.Notify,
	})
	c.Assert(err, gc.IsNil)
	rec := deltatest.NewRecorder[string, device]()
	refreshing.Subscribe(rec)

	err = cache.AddOrUpdate(device{id: "a", rank: 7})
	c.Assert(err, gc.IsNil)

	select {
	case <-notifier.Changed("a"):
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for hub delivery")
	}

	c.Assert(rec.All().Refreshes(), gc.Equals, 1)
	c.Check(rec.Last()[0].Current.rank, gc.Equals, 7)

	// Unknown keys have no attachments; nothing is synthesized.
	select {
	case <-notifier.Changed("ghost"):
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for hub delivery")
	}
	c.Check(rec.All().Refreshes(), gc.Equals, 1)
}

func (s *AutoRefreshSuite) TestHubNotifierValidates(c *gc.C) {
	_, err := deltacache.NewHubNotifier[string, device](nil, func(string) string { return "" })
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = deltacache.NewHubNotifier[string, device](pubsub.NewSimpleHub(nil), nil)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}
