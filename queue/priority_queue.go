// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a min-heap ordered by deadline: package loop's
// timer wheel enqueues one entry per scheduled callback keyed by its
// absolute expiry (unix nanoseconds) and repeatedly pops whichever is
// due soonest.
package queue

import "container/heap"

// Entry is one scheduled callback, ordered by Deadline.
type Entry struct {
	Value    interface{}
	Deadline uint64
}

// DeadlineQueue is a min-heap of Entry ordered by Deadline.
type DeadlineQueue struct {
	heap []*Entry
}

// Less implements heap.Interface.
func (q DeadlineQueue) Less(i, j int) bool {
	return q.heap[i].Deadline < q.heap[j].Deadline
}

// Swap implements heap.Interface.
func (q DeadlineQueue) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements heap.Interface; use Enqueue, not this directly.
func (q *DeadlineQueue) Push(x interface{}) {
	q.heap = append(q.heap, x.(*Entry))
}

// Pop implements heap.Interface; use Dequeue, not this
// directly (this is the bare container/heap hook, called by
// heap.Push/heap.Pop to shrink the backing slice).
func (q *DeadlineQueue) Pop() interface{} {
	n := len(q.heap)
	e := q.heap[n-1]
	q.heap[n-1] = nil
	q.heap = q.heap[:n-1]
	return e
}

// Peek returns the soonest-due entry without removing it, or nil if the
// queue is empty.
func (q *DeadlineQueue) Peek() *Entry {
	if q.Len() == 0 {
		return nil
	}
	return q.heap[0]
}

// Enqueue schedules value to fire at deadline.
func (q *DeadlineQueue) Enqueue(deadline uint64, value interface{}) {
	heap.Push(q, &Entry{Value: value, Deadline: deadline})
}

// Dequeue removes and returns the soonest-due entry, or nil if the
// queue is empty.
func (q *DeadlineQueue) Dequeue() *Entry {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// Len returns the number of pending entries.
func (q *DeadlineQueue) Len() int {
	return len(q.heap)
}

// New creates an empty DeadlineQueue.
func New() *DeadlineQueue {
	q := &DeadlineQueue{heap: make([]*Entry, 0)}
	heap.Init(q)
	return q
}
