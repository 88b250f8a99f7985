package runner

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/os2datascanner/engine/internal/domain/events"
)

// ErrQueueClosed is returned by a closed PriorityQueue.
var ErrQueueClosed = errors.New("priority queue closed")

type entry struct {
	delivery events.Delivery
	seq      uint64
}

// deliveryHeap implements heap.Interface: higher priority first, then
// arrival order.
type deliveryHeap []entry

func (h deliveryHeap) Len() int { return len(h) }
func (h deliveryHeap) Less(i, j int) bool {
	if h[i].delivery.Priority != h[j].delivery.Priority {
		return h[i].delivery.Priority > h[j].delivery.Priority
	}
	return h[i].seq < h[j].seq
}
func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deliveryHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// PriorityQueue hands deliveries from the broker goroutines to the handling
// goroutine.
type PriorityQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  deliveryHeap
	seq    uint64
	closed bool
}

func NewPriorityQueue() *PriorityQueue {
	q := new(PriorityQueue)
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds d to the queue.
func (q *PriorityQueue) Push(d events.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	heap.Push(&q.items, entry{delivery: d, seq: q.seq})
	q.seq++
	q.cond.Signal()
	return nil
}

// Pop blocks until a delivery is available, ctx is done or the queue is
// closed.
func (q *PriorityQueue) Pop(ctx context.Context) (events.Delivery, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			return events.Delivery{}, err
		}
		if q.closed {
			return events.Delivery{}, ErrQueueClosed
		}
		q.cond.Wait()
	}
	return heap.Pop(&q.items).(entry).delivery, nil
}

// Len reports the number of waiting deliveries.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further pushes. Waiting deliveries can still be popped.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
