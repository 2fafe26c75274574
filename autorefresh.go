// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var refreshLogger = loggo.GetLogger("deltacache.autorefresh")

// Notify attaches to an item's private change notifications, invoking
// changed on every firing. The returned function cancels the
// attachment. Implementations may invoke changed from any goroutine,
// but not synchronously from within the Notify call itself.
type Notify[K comparable, V any] func(key K, value V, changed func()) (cancel func())

// AutoRefreshConfig holds the dependencies of an AutoRefresh stage.
type AutoRefreshConfig[K comparable, V any] struct {
	// Source is the upstream change-set stream.
	Source Source[K, V]

	// Notify attaches to each item's change notifications. It is
	// called on Add, called again on Update (the item's identity
	// changed), and its cancel invoked on Remove and on teardown.
	Notify Notify[K, V]

	// QuietPeriod, when positive, collapses notification bursts:
	// firings for a key inside the window produce one Refresh when the
	// window closes. Zero emits a Refresh per firing.
	QuietPeriod time.Duration

	// Clock schedules the quiet-period windows. Required when
	// QuietPeriod is positive.
	Clock clock.Clock
}

// Validate returns an error if the config cannot run an AutoRefresh
// stage.
func (config AutoRefreshConfig[K, V]) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if config.Notify == nil {
		return errors.NotValidf("nil Notify")
	}
	if config.QuietPeriod < 0 {
		return errors.NotValidf("negative QuietPeriod")
	}
	if config.QuietPeriod > 0 && config.Clock == nil {
		return errors.NotValidf("nil Clock with QuietPeriod")
	}
	return nil
}

// AutoRefresh passes src through unchanged while attaching to each
// item's change notifications and mapping every firing to a Refresh
// entry for that item's key. The stage keeps a side map of the latest
// known value per key, fed from the main stream, purely so synthesized
// Refresh entries carry the correct current value; the upstream cache
// remains the source of truth.
func AutoRefresh[K comparable, V any](config AutoRefreshConfig[K, V]) (Source[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		stage := &autoRefreshStage[K, V]{
			config:  config,
			down:    down,
			latest:  make(map[K]V),
			cancels: make(map[K]func()),
			windows: make(map[K]clock.Timer),
		}
		unsub := config.Source.Subscribe(stage)
		return func() {
			unsub()
			stage.teardown()
		}
	}), nil
}

type autoRefreshStage[K comparable, V any] struct {
	config AutoRefreshConfig[K, V]
	down   Subscriber[K, V]

	// mu guards the tables below against concurrent notification and
	// window-timer callbacks.
	mu      sync.Mutex
	closed  bool
	latest  map[K]V
	cancels map[K]func()
	windows map[K]clock.Timer
}

// OnChanges is part of the Subscriber interface.
func (a *autoRefreshStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(a.down, "auto-refresh", func() {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		for _, ch := range batch {
			key := ch.Key
			switch ch.Reason {
			case Add, Update:
				if cancel, ok := a.cancels[key]; ok {
					cancel()
				}
				a.latest[key] = ch.Current
				a.cancels[key] = a.config.Notify(key, ch.Current, func() {
					a.changed(key)
				})
			case Refresh:
				a.latest[key] = ch.Current
			case Remove:
				if cancel, ok := a.cancels[key]; ok {
					cancel()
					delete(a.cancels, key)
				}
				if timer, ok := a.windows[key]; ok {
					timer.Stop()
					delete(a.windows, key)
				}
				delete(a.latest, key)
			}
		}
		a.mu.Unlock()

		a.down.OnChanges(batch)
	})
}

// changed handles one notification firing for key.
func (a *autoRefreshStage[K, V]) changed(key K) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	value, tracked := a.latest[key]
	if !tracked {
		return
	}
	if a.config.QuietPeriod <= 0 {
		emit(a.down, ChangeSet[K, V]{Refreshed(key, value)})
		return
	}
	if _, open := a.windows[key]; open {
		// A window is already open; the Refresh it emits will carry
		// whatever value is latest when it closes.
		return
	}
	refreshLogger.Tracef("opening %s quiet window", a.config.QuietPeriod)
	a.windows[key] = a.config.Clock.AfterFunc(a.config.QuietPeriod, func() {
		a.closeWindow(key)
	})
}

// closeWindow runs on the timer goroutine when a quiet period ends.
func (a *autoRefreshStage[K, V]) closeWindow(key K) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if _, open := a.windows[key]; !open {
		return
	}
	delete(a.windows, key)
	value, tracked := a.latest[key]
	if !tracked {
		// The item went away while the window was open.
		return
	}
	emit(a.down, ChangeSet[K, V]{Refreshed(key, value)})
}

func (a *autoRefreshStage[K, V]) teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for _, cancel := range a.cancels {
		cancel()
	}
	for _, timer := range a.windows {
		timer.Stop()
	}
	a.cancels = nil
	a.windows = nil
	a.latest = nil
}

// OnError is part of the Subscriber interface.
func (a *autoRefreshStage[K, V]) OnError(err error) {
	a.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (a *autoRefreshStage[K, V]) OnCompleted() {
	a.teardown()
	a.down.OnCompleted()
}
