// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"github.com/juju/errors"
)

// EnsureUniqueKeys consolidates every delivered batch so that no key
// appears in it more than once, restoring the invariant an upstream
// producer of uncoalesced deltas may have broken. The net change per
// key is computed against the existence state the stage observed
// before the batch began, never against intermediate entries:
//
//   - several Add/Update entries for a key new in the batch collapse
//     to one Add carrying the last value;
//   - Add followed by Remove for a key new in the batch cancels out;
//   - a Refresh following a structural change in the same batch is
//     folded into it;
//   - an Update for a previously unknown key is reclassified as Add;
//   - Remove for a previously known key carries that prior value;
//   - a group of nothing but Refreshes collapses to one Refresh.
func EnsureUniqueKeys[K comparable, V any](src Source[K, V]) (Source[K, V], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	return SourceFunc[K, V](func(down Subscriber[K, V]) func() {
		stage := &uniqueStage[K, V]{
			down:  down,
			known: make(map[K]V),
		}
		return src.Subscribe(stage)
	}), nil
}

type uniqueStage[K comparable, V any] struct {
	down Subscriber[K, V]

	// known carries existence state across batches. It reflects the
	// world as of the end of the previous batch; per-entry running
	// state lives only inside OnChanges.
	known map[K]V
}

// OnChanges is part of the Subscriber interface.
func (u *uniqueStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(u.down, "ensure-unique-keys", func() {
		// Group entries by key, preserving first-seen key order.
		var order []K
		groups := make(map[K][]Change[K, V])
		for _, ch := range batch {
			if _, seen := groups[ch.Key]; !seen {
				order = append(order, ch.Key)
			}
			groups[ch.Key] = append(groups[ch.Key], ch)
		}

		var out ChangeSet[K, V]
		for _, key := range order {
			prior, existedBefore := u.known[key]

			// Replay the group to find the net end state.
			exists := existedBefore
			value := prior
			structural := false
			for _, ch := range groups[key] {
				switch ch.Reason {
				case Add, Update:
					exists = true
					value = ch.Current
					structural = true
				case Remove:
					exists = false
					structural = true
				case Refresh:
					value = ch.Current
				}
			}

			switch {
			case existedBefore && exists:
				if structural {
					out = append(out, Updated(key, value, prior))
				} else {
					out = append(out, Refreshed(key, value))
				}
				u.known[key] = value
			case existedBefore && !exists:
				out = append(out, Removed(key, prior))
				delete(u.known, key)
			case !existedBefore && exists:
				out = append(out, Added(key, value))
				u.known[key] = value
			default:
				// Added and removed within the batch: net nothing.
			}
		}
		emit(u.down, out)
	})
}

// OnError is part of the Subscriber interface.
func (u *uniqueStage[K, V]) OnError(err error) {
	u.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (u *uniqueStage[K, V]) OnCompleted() {
	u.down.OnCompleted()
}
