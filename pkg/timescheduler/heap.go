package timescheduler

import (
	"container/heap"
	"time"
)

// waiterEntry is one scheduled item, ordered by (deadline, seq) so ties
// resolve in the order they were scheduled (spec.md §4.8).
type waiterEntry struct {
	deadline  time.Time
	seq       uint64
	cancelled bool
	done      chan struct{}
	complete  func(observed time.Time)
	stopped   func()
}

type waiterQueue []*waiterEntry

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if !q[i].deadline.Equal(q[j].deadline) {
		return q[i].deadline.Before(q[j].deadline)
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *waiterQueue) Push(x any) { *q = append(*q, x.(*waiterEntry)) }

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

var _ heap.Interface = (*waiterQueue)(nil)
