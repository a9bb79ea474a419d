package queue

import (
	"container/heap"
	"context"
	"sync"
)

// delivery is one in-flight queue message. The task row is the source of
// truth; a delivery is only a hint that a task may be ready, and the CAS
// pending→running transition decides which delivery actually runs.
type delivery struct {
	taskID   string
	priority int
	seq      uint64
}

// deliveryHeap orders deliveries by priority (higher first), then arrival.
type deliveryHeap []delivery

func (h deliveryHeap) Len() int { return len(h) }

func (h deliveryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deliveryHeap) Push(x any) { *h = append(*h, x.(delivery)) }

func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}

// deliveryQueue is the in-process at-least-once delivery channel: a priority
// heap with blocking pop. Priority is advisory only; with multiple workers
// there is no strict ordering across tasks.
type deliveryQueue struct {
	mu   sync.Mutex
	heap deliveryHeap
	seq  uint64
	wake chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{wake: make(chan struct{}, 1)}
}

// Push submits a delivery and wakes one waiting worker.
func (q *deliveryQueue) Push(taskID string, priority int) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, delivery{taskID: taskID, priority: priority, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop blocks until a delivery is available or the context is cancelled.
func (q *deliveryQueue) Pop(ctx context.Context) (delivery, bool) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			d := heap.Pop(&q.heap).(delivery)
			remaining := q.heap.Len()
			q.mu.Unlock()
			if remaining > 0 {
				// Re-signal so sibling workers see the rest of the backlog.
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			return d, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return delivery{}, false
		case <-q.wake:
		}
	}
}

// Len returns the number of queued deliveries.
func (q *deliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
