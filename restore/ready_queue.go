// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import "sync"

// readyQueue is the FIFO of tables believed to be immediately dispatchable.
// A table appears at most once; the inReadyQueue flag on the descriptor is
// flipped under the descriptor's own mutex by the callers, never here, so
// enqueue/dequeue and the flag stay consistent (enqueue discipline: callers
// hold t.mu, check the flag, set it, then push).
type readyQueue struct {
	mu    sync.Mutex
	items []*tableMeta
}

func (q *readyQueue) push(t *tableMeta) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

// tryPop returns the oldest entry, or nil when the queue is empty. It never
// blocks; the dispatcher falls back to the table-list scan on nil.
func (q *readyQueue) tryPop() *tableMeta {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
