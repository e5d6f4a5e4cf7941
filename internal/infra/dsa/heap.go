// Package dsa holds small concurrent data structures used by the scheduler.
package dsa

import (
	"sync"
	"time"
)

// ─── Deadline Queue (Min-Heap) ──────────────────────────────────────────────
// Binary min-heap keyed by deadline. The expiry scheduler pushes every
// trade/auction deadline it learns about and sleeps until the earliest one.
//
// Operations:
//   Push:    O(log n), sift up
//   PopDue:  O(k log n), extracts every item at or before now
//   Next:    O(1)
//   Len:     O(1)
//
// Entries are hints only: a popped deadline triggers a sweep, and the sweep
// is idempotent, so duplicates and stale entries are harmless.

// Deadline is an element in the queue.
type Deadline struct {
	Kind string    // "trade" or "auction"
	ID   string    // Trade or auction id
	At   time.Time // When it closes
}

// DeadlineQueue is a thread-safe min-heap of deadlines.
type DeadlineQueue struct {
	mu   sync.Mutex
	heap []Deadline
	max  int // 0 = unbounded
}

// NewDeadlineQueue creates an empty queue. When max > 0, pushes beyond max
// items are dropped; the periodic sweep still catches them.
func NewDeadlineQueue(max int) *DeadlineQueue {
	return &DeadlineQueue{max: max}
}

// Push adds a deadline. It reports false if the queue is full.
func (q *DeadlineQueue) Push(d Deadline) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.max > 0 && len(q.heap) >= q.max {
		return false
	}
	q.heap = append(q.heap, d)
	q.siftUp(len(q.heap) - 1)
	return true
}

// PopDue removes and returns every deadline at or before now, earliest first.
func (q *DeadlineQueue) PopDue(now time.Time) []Deadline {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Deadline
	for len(q.heap) > 0 && !q.heap[0].At.After(now) {
		out = append(out, q.popLocked())
	}
	return out
}

// Next returns the earliest deadline without removing it.
func (q *DeadlineQueue) Next() (Deadline, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return Deadline{}, false
	}
	return q.heap[0], true
}

// Len returns the number of queued deadlines.
func (q *DeadlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *DeadlineQueue) popLocked() Deadline {
	top := q.heap[0]
	last := len(q.heap) - 1
	q.heap[0] = q.heap[last]
	q.heap = q.heap[:last]
	if len(q.heap) > 0 {
		q.siftDown(0)
	}
	return top
}

// less returns true if item i closes before item j.
func (q *DeadlineQueue) less(i, j int) bool {
	if !q.heap[i].At.Equal(q.heap[j].At) {
		return q.heap[i].At.Before(q.heap[j].At)
	}
	// Tie-break keeps ordering deterministic
	return q.heap[i].ID < q.heap[j].ID
}

// siftUp restores heap property after insertion.
func (q *DeadlineQueue) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if q.less(idx, parent) {
			q.heap[idx], q.heap[parent] = q.heap[parent], q.heap[idx]
			idx = parent
		} else {
			break
		}
	}
}

// siftDown restores heap property after extraction.
func (q *DeadlineQueue) siftDown(idx int) {
	n := len(q.heap)
	for {
		smallest := idx
		left := 2*idx + 1
		right := 2*idx + 2

		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		q.heap[idx], q.heap[smallest] = q.heap[smallest], q.heap[idx]
		idx = smallest
	}
}
