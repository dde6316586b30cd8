// Package queue implements the scheduler's four-tier, FIFO-within-tier
// priority queue, grounded on the teacher's scheduler.TaskQueue
// container/heap implementation but adapted from a single continuous
// aging score to strict tiers with a lexicographic tie-break.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/meridianlabs/swarmctl/graph"
)

// Item is one entry in the ready queue.
type Item struct {
	TaskID     string
	Priority   graph.Priority
	EnqueuedAt time.Time
	seq        int64 // FIFO tie-break within a tier, assigned on push
	index      int   // heap bookkeeping
}

type innerHeap []*Item

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority // Critical(0) before Low(3)
	}
	if h[i].seq != h[j].seq {
		return h[i].seq < h[j].seq // FIFO within tier
	}
	return h[i].TaskID < h[j].TaskID // lexicographic, deterministic
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe tier-FIFO priority queue of ready task ids.
type Queue struct {
	mu   sync.Mutex
	h    innerHeap
	next int64
}

// New constructs an empty queue.
func New() *Queue {
	q := &Queue{h: make(innerHeap, 0)}
	heap.Init(&q.h)
	return q
}

// Push inserts a task at the tail of its priority tier.
func (q *Queue) Push(taskID string, p graph.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &Item{TaskID: taskID, Priority: p, EnqueuedAt: time.Now(), seq: q.next}
	q.next++
	heap.Push(&q.h, item)
}

// PushFront reinserts a task at the head of its tier (used when the
// scheduler pops a task but finds no eligible worker, per spec §4.3
// step 3: "push the task back at the head of its tier").
func (q *Queue) PushFront(taskID string, p graph.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Head-of-tier: give it a sequence number lower than anything
	// currently queued at this priority, without disturbing ordering
	// relative to other tiers.
	item := &Item{TaskID: taskID, Priority: p, EnqueuedAt: time.Now(), seq: -q.next - 1}
	q.next++
	heap.Push(&q.h, item)
}

// Pop removes and returns the highest-priority, earliest-enqueued item.
// Returns nil if the queue is empty.
func (q *Queue) Pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Item)
}

// Peek returns the head item without removing it, or nil if empty.
func (q *Queue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// PromoteAged walks the queue and promotes any item that has waited
// longer than threshold by one priority tier, capped at Critical. This
// implements the anti-starvation aging rule from spec §4.3. Aging never
// demotes.
func (q *Queue) PromoteAged(threshold time.Duration, now time.Time) (promoted []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.h {
		if item.Priority == graph.PriorityCritical {
			continue
		}
		if now.Sub(item.EnqueuedAt) > threshold {
			item.Priority = item.Priority.Promote()
			promoted = append(promoted, item.TaskID)
		}
	}
	heap.Init(&q.h) // priorities changed in place; restore heap invariant
	return promoted
}

// Remove drops a specific task id from the queue, if present (used by
// Cancel). Returns true if it was found and removed.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.h {
		if item.TaskID == taskID {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}
