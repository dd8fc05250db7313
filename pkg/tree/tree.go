// Package tree implements the per-database LSM tree : a
// red-black tree of nodes keyed by each node's minimum key. It routes
// point reads/writes to their owning node, walks forward/backward to
// neighboring nodes for range scans, and replaces nodes atomically
// under its own structural lock when a compact/branch task splits a
// node.
package tree

import (
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/schema"
)

// Tree is the structural index over a database's nodes. Structural
// changes (Insert/Remove/Replace) and routing both take the same
// lock — "per-database tree lock guards structural changes"
// plus "memory-index reads take only the tree's structural spinlock
// for the duration of a positioning step" apply the same guard to
// both.
type Tree struct {
	mu     sync.Mutex
	schema *schema.Schema
	rb     *redblacktree.Tree
}

// New returns an empty tree. The caller (pkg/engine, at database
// open) is responsible for bootstrap invariant — "the
// tree is never empty after open" — by inserting one empty root node
// whose MinKey covers the whole key space.
func New(s *schema.Schema) *Tree {
	cmp := func(a, b any) int { return s.CompareKey(a.([]byte), b.([]byte)) }
	return &Tree{schema: s, rb: redblacktree.NewWith(cmp)}
}

// Insert adds n to the tree, keyed by its MinKey.
func (t *Tree) Insert(n *node.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rb.Put(n.MinKey, n)
}

// Remove drops the node keyed by minKey.
func (t *Tree) Remove(minKey []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rb.Remove(minKey)
}

// Replace atomically swaps the node keyed by oldMinKey for
// replacements ("planner queues are removed-for-old, old
// is removed, new nodes are inserted, planner queues are populated").
// Registering replacements in the planner's queues is the caller's
// job, done under the same lock window as this call; Replace itself
// only owns the tree's own structure. A single replacement reseals a
// node in place; multiple replacements model a split.
func (t *Tree) Replace(oldMinKey []byte, replacements ...*node.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rb.Remove(oldMinKey)
	for _, n := range replacements {
		t.rb.Put(n.MinKey, n)
	}
}

// Route locates the node owning key: the node with the largest
// MinKey <= key ("locates the largest node whose minimum
// is ≤ K").
func (t *Tree) Route(key []byte) (*node.Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.rb.Floor(key)
	if !ok {
		return nil, false
	}
	return n.Value.(*node.Node), true
}

// Successor returns the node whose MinKey is the smallest strictly
// greater than minKey — the next node a forward range scan continues
// into once the current one is exhausted . minKey must
// already be a node's MinKey in the tree.
func (t *Tree) Successor(minKey []byte) (*node.Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.rb.Ceiling(minKey)
	if !ok {
		return nil, false
	}
	succ := successorNode(n)
	if succ == nil {
		return nil, false
	}
	return succ.Value.(*node.Node), true
}

// Predecessor returns the node whose MinKey is the largest strictly
// less than minKey — the reverse-scan symmetric of Successor. minKey
// must already be a node's
// MinKey in the tree.
func (t *Tree) Predecessor(minKey []byte) (*node.Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.rb.Floor(minKey)
	if !ok {
		return nil, false
	}
	pred := predecessorNode(n)
	if pred == nil {
		return nil, false
	}
	return pred.Value.(*node.Node), true
}

// First returns the node with the smallest MinKey, the entry point
// for a forward full-range scan.
func (t *Tree) First() (*node.Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.rb.Left()
	if n == nil {
		return nil, false
	}
	return n.Value.(*node.Node), true
}

// Last returns the node with the largest MinKey, the entry point for
// a reverse full-range scan.
func (t *Tree) Last() (*node.Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.rb.Right()
	if n == nil {
		return nil, false
	}
	return n.Value.(*node.Node), true
}

// Nodes returns every node currently in the tree, in ascending
// MinKey order — used by the planner to rebuild its queues and by
// snapshot/backup to walk the whole database.
func (t *Tree) Nodes() []*node.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes := make([]*node.Node, 0, t.rb.Size())
	for n := t.rb.Left(); n != nil; n = successorNode(n) {
		nodes = append(nodes, n.Value.(*node.Node))
	}
	return nodes
}

// Size returns the number of nodes in the tree.
func (t *Tree) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rb.Size()
}

// successorNode returns the in-order successor of n within its tree
// (same walk as pkg/memindex's cursor, applied to a tree of nodes
// instead of a tree of version chains).
func successorNode(n *redblacktree.Node) *redblacktree.Node {
	if n.Right != nil {
		n = n.Right
		for n.Left != nil {
			n = n.Left
		}
		return n
	}
	p := n.Parent
	for p != nil && n == p.Right {
		n = p
		p = p.Parent
	}
	return p
}

// predecessorNode returns the in-order predecessor of n within its
// tree.
func predecessorNode(n *redblacktree.Node) *redblacktree.Node {
	if n.Left != nil {
		n = n.Left
		for n.Right != nil {
			n = n.Right
		}
		return n
	}
	p := n.Parent
	for p != nil && n == p.Left {
		n = p
		p = p.Parent
	}
	return p
}
