// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package deltacache

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var treeLogger = loggo.GetLogger("deltacache.tree")

// Node is the wrapper projected by TransformToTree. It is an immutable
// snapshot: the stage emits a fresh Node whenever the underlying
// item, parent edge or depth changes.
type Node[K comparable, V any] struct {
	// Key is the wrapped item's key.
	Key K

	// Item is the wrapped value.
	Item V

	// Depth is the node's distance from its root; roots are depth 0.
	Depth int

	// Parent is the key of the node's current parent; meaningful only
	// when HasParent is true.
	Parent K

	// HasParent reports whether the node is currently linked under a
	// parent. A node whose declared parent is absent is a root.
	HasParent bool

	// Children holds the keys of the node's current children, in no
	// particular order.
	Children []K
}

// TransformToTree projects src into a parent-child hierarchy. Each
// item declares its parent through parentOf (ok=false means the item
// is inherently a root). A node whose declared parent is not present
// becomes a root until the parent arrives, at which point it and its
// subtree are re-parented; symmetrically, removing a node re-roots its
// children. Updates re-evaluate the parent edge and relink only the
// affected node, recomputing depth down its subtree. A parent edge
// that would create a cycle is ignored and the node left a root.
func TransformToTree[K comparable, V any](src Source[K, V], parentOf func(V) (K, bool)) (Source[K, Node[K, V]], error) {
	if src == nil {
		return nil, errors.NotValidf("nil source")
	}
	if parentOf == nil {
		return nil, errors.NotValidf("nil parent function")
	}
	return SourceFunc[K, Node[K, V]](func(down Subscriber[K, Node[K, V]]) func() {
		stage := &treeStage[K, V]{
			down:     down,
			parentOf: parentOf,
			nodes:    make(map[K]*treeNode[K, V]),
			pending:  make(map[K]map[K]struct{}),
			emitted:  make(map[K]Node[K, V]),
		}
		return src.Subscribe(stage)
	}), nil
}

type treeNode[K comparable, V any] struct {
	item     V
	parent   K
	declared bool // parentOf reported a parent key
	linked   bool // that parent is present and this node hangs off it
	depth    int
	children map[K]struct{}
}

type treeStage[K comparable, V any] struct {
	down     Subscriber[K, Node[K, V]]
	parentOf func(V) (K, bool)

	nodes map[K]*treeNode[K, V]

	// pending indexes absent parent keys to the nodes waiting to hang
	// off them, so a late-arriving parent can adopt its orphans.
	pending map[K]map[K]struct{}

	// emitted retains the last published snapshot per key, supplying
	// Previous on downstream updates and removes.
	emitted map[K]Node[K, V]
}

// OnChanges is part of the Subscriber interface.
func (t *treeStage[K, V]) OnChanges(batch ChangeSet[K, V]) {
	guard(t.down, "transform-to-tree", func() {
		var out ChangeSet[K, Node[K, V]]
		for _, ch := range batch {
			switch ch.Reason {
			case Add:
				out = t.add(ch.Key, ch.Current, out)
			case Update:
				out = t.amend(ch.Key, ch.Current, Update, out)
			case Refresh:
				out = t.amend(ch.Key, ch.Current, Refresh, out)
			case Remove:
				out = t.remove(ch.Key, out)
			}
		}
		emit(t.down, out)
	})
}

func (t *treeStage[K, V]) add(key K, item V, out ChangeSet[K, Node[K, V]]) ChangeSet[K, Node[K, V]] {
	node := &treeNode[K, V]{item: item, children: make(map[K]struct{})}
	node.parent, node.declared = t.parentOf(item)
	t.nodes[key] = node
	t.link(key, node)

	out = t.publish(key, Add, out)
	if node.linked {
		out = t.publish(node.parent, Update, out)
	}

	// Adopt any orphans that have been waiting for this key.
	if waiting, ok := t.pending[key]; ok {
		delete(t.pending, key)
		for child := range waiting {
			cn := t.nodes[child]
			if t.isDescendant(child, key) {
				treeLogger.Warningf("ignoring parent edge that would create a cycle")
				continue
			}
			cn.linked = true
			node.children[child] = struct{}{}
			for _, moved := range t.redepth(child, node.depth+1) {
				out = t.publish(moved, Update, out)
			}
		}
		out = t.publish(key, Update, out)
	}
	return out
}

func (t *treeStage[K, V]) amend(key K, item V, reason Reason, out ChangeSet[K, Node[K, V]]) ChangeSet[K, Node[K, V]] {
	node, ok := t.nodes[key]
	if !ok {
		return t.add(key, item, out)
	}
	node.item = item

	parent, declared := t.parentOf(item)
	if declared == node.declared && (!declared || parent == node.parent) {
		// The parent edge is untouched; only the item changed.
		return t.publish(key, reason, out)
	}

	oldParent := t.unlink(key, node)
	node.parent, node.declared = parent, declared
	t.link(key, node)

	out = t.publish(key, Update, out)
	if oldParent != nil {
		out = t.publish(*oldParent, Update, out)
	}
	if node.linked {
		out = t.publish(node.parent, Update, out)
	}
	newDepth := 0
	if node.linked {
		newDepth = t.nodes[node.parent].depth + 1
	}
	for _, moved := range t.redepth(key, newDepth) {
		if moved != key {
			out = t.publish(moved, Update, out)
		}
	}
	return out
}

func (t *treeStage[K, V]) remove(key K, out ChangeSet[K, Node[K, V]]) ChangeSet[K, Node[K, V]] {
	node, ok := t.nodes[key]
	if !ok {
		return out
	}
	oldParent := t.unlink(key, node)
	delete(t.nodes, key)

	// The removed node's children fall back to being roots, parked
	// against the departed key in case it ever returns.
	for child := range node.children {
		cn := t.nodes[child]
		cn.linked = false
		t.park(key, child)
		for _, moved := range t.redepth(child, 0) {
			out = t.publish(moved, Update, out)
		}
	}

	prev, known := t.emitted[key]
	delete(t.emitted, key)
	if known {
		out = append(out, Removed(key, prev))
	}
	if oldParent != nil {
		out = t.publish(*oldParent, Update, out)
	}
	return out
}

// link hangs node off its declared parent if that parent is present,
// parks it as pending otherwise. Depth is set for the node itself
// only; callers walk the subtree when it matters.
func (t *treeStage[K, V]) link(key K, node *treeNode[K, V]) {
	if !node.declared {
		node.linked = false
		node.depth = 0
		return
	}
	parent, present := t.nodes[node.parent]
	if !present {
		node.linked = false
		node.depth = 0
		t.park(node.parent, key)
		return
	}
	if node.parent == key || t.isDescendant(key, node.parent) {
		treeLogger.Warningf("ignoring parent edge that would create a cycle")
		node.linked = false
		node.depth = 0
		return
	}
	node.linked = true
	node.depth = parent.depth + 1
	parent.children[key] = struct{}{}
}

// unlink detaches node from its parent or from the pending index,
// returning the parent key when an actual edge was severed.
func (t *treeStage[K, V]) unlink(key K, node *treeNode[K, V]) *K {
	if node.linked {
		parent := node.parent
		if pn, ok := t.nodes[parent]; ok {
			delete(pn.children, key)
		}
		node.linked = false
		return &parent
	}
	if node.declared {
		if waiting, ok := t.pending[node.parent]; ok {
			delete(waiting, key)
			if len(waiting) == 0 {
				delete(t.pending, node.parent)
			}
		}
	}
	return nil
}

func (t *treeStage[K, V]) park(parent, child K) {
	waiting, ok := t.pending[parent]
	if !ok {
		waiting = make(map[K]struct{})
		t.pending[parent] = waiting
	}
	waiting[child] = struct{}{}
}

// redepth walks the subtree rooted at key setting depths, returning
// every visited key in walk order (key first).
func (t *treeStage[K, V]) redepth(key K, depth int) []K {
	node := t.nodes[key]
	node.depth = depth
	visited := []K{key}
	for child := range node.children {
		visited = append(visited, t.redepth(child, depth+1)...)
	}
	return visited
}

// isDescendant reports whether other lies in the subtree rooted at key.
func (t *treeStage[K, V]) isDescendant(key, other K) bool {
	node, ok := t.nodes[key]
	if !ok {
		return false
	}
	for child := range node.children {
		if child == other || t.isDescendant(child, other) {
			return true
		}
	}
	return false
}

// publish appends a change carrying a fresh snapshot of key's node.
func (t *treeStage[K, V]) publish(key K, reason Reason, out ChangeSet[K, Node[K, V]]) ChangeSet[K, Node[K, V]] {
	node, ok := t.nodes[key]
	if !ok {
		return out
	}
	snap := Node[K, V]{
		Key:       key,
		Item:      node.item,
		Depth:     node.depth,
		HasParent: node.linked,
	}
	if node.linked {
		snap.Parent = node.parent
	}
	for child := range node.children {
		snap.Children = append(snap.Children, child)
	}

	prev, known := t.emitted[key]
	t.emitted[key] = snap
	switch {
	case !known:
		out = append(out, Added(key, snap))
	case reason == Refresh:
		out = append(out, Refreshed(key, snap))
	default:
		out = append(out, Updated(key, snap, prev))
	}
	return out
}

// OnError is part of the Subscriber interface.
func (t *treeStage[K, V]) OnError(err error) {
	t.down.OnError(err)
}

// OnCompleted is part of the Subscriber interface.
func (t *treeStage[K, V]) OnCompleted() {
	t.down.OnCompleted()
}
