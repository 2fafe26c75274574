// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache_test

import (
	"fmt"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/deltacache"
	"github.com/juju/deltacache/deltatest"
)

type TransformSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&TransformSuite{})

func (s *TransformSuite) TestTransform(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	labels, err := deltacache.Transform(cache.Connect(), func(d device) string {
		return fmt.Sprintf("%s/%d", d.id, d.rank)
	})
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, string]()
	defer labels.Subscribe(rec)()

	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 1}), jc.ErrorIsNil)
	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 2}), jc.ErrorIsNil)
	c.Assert(cache.Refresh("a"), jc.ErrorIsNil)
	c.Assert(cache.Remove("a"), jc.ErrorIsNil)

	all := rec.All()
	c.Assert(all, gc.HasLen, 4)
	c.Check(all[0].Reason, gc.Equals, deltacache.Add)
	c.Check(all[0].Current, gc.Equals, "a/1")
	c.Check(all[1].Reason, gc.Equals, deltacache.Update)
	c.Check(all[1].Current, gc.Equals, "a/2")
	c.Assert(all[1].Previous, gc.NotNil)
	c.Check(*all[1].Previous, gc.Equals, "a/1")
	c.Check(all[2].Reason, gc.Equals, deltacache.Refresh)
	c.Check(all[2].Current, gc.Equals, "a/2")
	c.Check(all[3].Reason, gc.Equals, deltacache.Remove)
	c.Assert(all[3].Previous, gc.NotNil)
	c.Check(*all[3].Previous, gc.Equals, "a/2")
}

func (s *TransformSuite) TestTransformFaultIsResumable(c *gc.C) {
	src := &pusher[string, device]{}
	mapped, err := deltacache.Transform(src, func(d device) string {
		if d.rank < 0 {
			panic("negative rank")
		}
		return d.id
	})
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, string]()
	defer mapped.Subscribe(rec)()

	src.push(deltacache.ChangeSet[string, device]{
		deltacache.Added("bad", device{id: "bad", rank: -1}),
	})
	errs := rec.Errors()
	c.Assert(errs, gc.HasLen, 1)
	c.Check(errs[0], gc.ErrorMatches, "transform stage: negative rank")

	// The pipeline keeps producing after the fault.
	src.push(deltacache.ChangeSet[string, device]{
		deltacache.Added("good", device{id: "good", rank: 1}),
	})
	all := rec.All()
	c.Assert(all, gc.HasLen, 1)
	c.Check(all[0].Key, gc.Equals, "good")
}

func (s *TransformSuite) TestTransformMany(c *gc.C) {
	type port struct {
		name   string
		device string
	}
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	ports, err := deltacache.TransformMany(cache.Connect(),
		func(d device) []port {
			out := make([]port, d.rank)
			for i := range out {
				out[i] = port{name: fmt.Sprintf("%s:%d", d.id, i), device: d.id}
			}
			return out
		},
		func(p port) string { return p.name },
	)
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, port]()
	defer ports.Subscribe(rec)()

	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 2}), jc.ErrorIsNil)
	contents := rec.Replay()
	c.Check(contents, gc.HasLen, 2)

	// Shrinking the expansion removes the vanished children.
	c.Assert(cache.AddOrUpdate(device{id: "a", rank: 1}), jc.ErrorIsNil)
	contents = rec.Replay()
	c.Assert(contents, gc.HasLen, 1)
	_, ok := contents["a:0"]
	c.Check(ok, jc.IsTrue)

	// Removing the parent removes the rest.
	c.Assert(cache.Remove("a"), jc.ErrorIsNil)
	c.Check(rec.Replay(), gc.HasLen, 0)
}

func (s *TransformSuite) TestChangeKey(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	byRack, err := deltacache.ChangeKey(cache.Connect(), func(d device) string {
		return d.rack
	})
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, device]()
	defer byRack.Subscribe(rec)()

	c.Assert(cache.AddOrUpdate(device{id: "a", rack: "r1"}), jc.ErrorIsNil)
	all := rec.All()
	c.Assert(all, gc.HasLen, 1)
	c.Check(all[0].Key, gc.Equals, "r1")
	c.Check(all[0].Reason, gc.Equals, deltacache.Add)

	// Same derived key: a plain update.
	c.Assert(cache.AddOrUpdate(device{id: "a", rack: "r1", rank: 2}), jc.ErrorIsNil)
	all = rec.All()
	c.Assert(all, gc.HasLen, 2)
	c.Check(all[1].Key, gc.Equals, "r1")
	c.Check(all[1].Reason, gc.Equals, deltacache.Update)

	// Derived key change retracts the old entry first.
	c.Assert(cache.AddOrUpdate(device{id: "a", rack: "r2", rank: 2}), jc.ErrorIsNil)
	all = rec.All()
	c.Assert(all, gc.HasLen, 4)
	c.Check(all[2].Reason, gc.Equals, deltacache.Remove)
	c.Check(all[2].Key, gc.Equals, "r1")
	c.Check(all[3].Reason, gc.Equals, deltacache.Add)
	c.Check(all[3].Key, gc.Equals, "r2")

	contents := rec.Replay()
	c.Assert(contents, gc.HasLen, 1)
	c.Check(contents["r2"].id, gc.Equals, "a")
}

func (s *TransformSuite) TestChangeKeyRemove(c *gc.C) {
	cache := newDeviceCache(c)
	defer workertest.CleanKill(c, cache)

	byRack, err := deltacache.ChangeKey(cache.Connect(), func(d device) string {
		return d.rack
	})
	c.Assert(err, jc.ErrorIsNil)

	rec := deltatest.NewRecorder[string, device]()
	defer byRack.Subscribe(rec)()

	c.Assert(cache.AddOrUpdate(device{id: "a", rack: "r1"}), jc.ErrorIsNil)
	c.Assert(cache.Remove("a"), jc.ErrorIsNil)

	all := rec.All()
	c.Assert(all, gc.HasLen, 2)
	c.Check(all[1].Reason, gc.Equals, deltacache.Remove)
	c.Check(all[1].Key, gc.Equals, "r1")
}
