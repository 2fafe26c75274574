// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package deltacache provides an in-memory keyed collection that
// publishes every mutation as a stream of change sets rather than
// exposing snapshots. Consumers build pipelines of operator stages
// (filter, transform, sort, expire, combine and friends) that each
// consume one change-set stream and incrementally produce another,
// without ever re-scanning the whole collection.
//
// Delivery is push based and synchronous: a stage's callbacks run on
// whatever goroutine performed the upstream edit. Only the timer
// driven stages (ExpireAfter, AutoRefresh) ever touch their state from
// another goroutine, and they do so under a stage-local lock. All
// timer driven stages take a clock.Clock so tests can drive virtual
// time with testclock.
package deltacache
