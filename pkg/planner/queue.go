package planner

import (
	"container/heap"
	"sync"
)

// entry is one node's position in a priority queue.
type entry struct {
	nodeID uint64
	metric int64
	index  int
}

// pqHeap is a container/heap.Interface over entries, ordered by an
// injected comparator so the same implementation backs both the
// max-heaps (size, branch count) and the min-heap (temperature,
// coldest first) the planner needs.
type pqHeap struct {
	entries []*entry
	less    func(a, b int64) bool
}

func (h *pqHeap) Len() int { return len(h.entries) }
func (h *pqHeap) Less(i, j int) bool { return h.less(h.entries[i].metric, h.entries[j].metric) }
func (h *pqHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *pqHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *pqHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	return e
}

// Queue is one of a database's three per-node priority queues: each
// tree node appears in all three, and position updates are O(log N).
// Upsert/Remove use container/heap's Fix/Remove to keep
// that bound; Top is the scheduler's read side.
type Queue struct {
	mu    sync.Mutex
	h     *pqHeap
	index map[uint64]*entry
}

// newQueue builds a queue ordered by less — pass a>b for a max-heap
// (size, branch count) or a<b for a min-heap (temperature).
func newQueue(less func(a, b int64) bool) *Queue {
	return &Queue{h: &pqHeap{less: less}, index: make(map[uint64]*entry)}
}

// Upsert inserts nodeID at metric, or repositions it if already
// present.
func (q *Queue) Upsert(nodeID uint64, metric int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.index[nodeID]; ok {
		e.metric = metric
		heap.Fix(q.h, e.index)
		return
	}
	e := &entry{nodeID: nodeID, metric: metric}
	heap.Push(q.h, e)
	q.index[nodeID] = e
}

// Remove drops nodeID from the queue, if present.
func (q *Queue) Remove(nodeID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[nodeID]
	if !ok {
		return
	}
	heap.Remove(q.h, e.index)
	delete(q.index, nodeID)
}

// Top returns the best-ranked node for which skip reports false. The
// common case — the heap's own head qualifies — is O(1); only when
// the head is disqualified (already in flight, or ineligible by some
// other caller-supplied test) does Top fall back to a linear scan of
// the remaining entries, since a disqualified head is the exception
// rather than the rule in steady-state scheduling.
func (q *Queue) Top(skip func(nodeID uint64) bool) (uint64, int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h.entries) == 0 {
		return 0, 0, false
	}
	head := q.h.entries[0]
	if !skip(head.nodeID) {
		return head.nodeID, head.metric, true
	}

	var best *entry
	for _, e := range q.h.entries {
		if skip(e.nodeID) {
			continue
		}
		if best == nil || q.h.less(e.metric, best.metric) {
			best = e
		}
	}
	if best == nil {
		return 0, 0, false
	}
	return best.nodeID, best.metric, true
}

// Len reports the number of tracked nodes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h.entries)
}
