// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
)

// HubNotifier bridges a pubsub hub into the per-item notification
// contracts used by AutoRefresh and FilterOnObservable. Each item owns
// a topic derived from its key; publishing to that topic (via Changed)
// fires every attachment currently held against the key. Hub delivery
// is asynchronous, so firings reach the stages on the hub's goroutines,
// never synchronously from inside Changed.
type HubNotifier[K comparable, V any] struct {
	hub     *pubsub.SimpleHub
	topicOf func(K) string
}

// NewHubNotifier returns a notifier publishing through hub, with item
// topics derived by topicOf.
func NewHubNotifier[K comparable, V any](hub *pubsub.SimpleHub, topicOf func(K) string) (*HubNotifier[K, V], error) {
	if hub == nil {
		return nil, errors.NotValidf("nil hub")
	}
	if topicOf == nil {
		return nil, errors.NotValidf("nil topic function")
	}
	return &HubNotifier[K, V]{hub: hub, topicOf: topicOf}, nil
}

// Notify implements the AutoRefresh attachment contract.
func (n *HubNotifier[K, V]) Notify(key K, _ V, changed func()) func() {
	return n.hub.Subscribe(n.topicOf(key), func(string, interface{}) {
		changed()
	})
}

// Changed announces that the item with the given key mutated in place.
// The returned channel closes once every attachment has handled the
// firing, which callers can use to synchronize.
func (n *HubNotifier[K, V]) Changed(key K) <-chan struct{} {
	wait := n.hub.Publish(n.topicOf(key), nil)
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	return done
}
