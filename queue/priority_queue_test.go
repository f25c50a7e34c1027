// priority_queue_test.go - Tests for the deadline-ordered queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
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

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeadlineQueueOrdersByDeadline(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	testEntries := []Entry{
		{Value: []byte("That books do not take the place of experience,"), Deadline: 0},
		{Value: []byte("and that learning is no substitute for genius,"), Deadline: 1},
		{Value: []byte("are two kindred phenomena;"), Deadline: 2},
		{Value: []byte("their common ground is that the abstract can never take the place of the perceptive."), Deadline: 3},
		{Value: []byte(" -- Arthur_Schopenhauer"), Deadline: 4},
	}

	q := New()
	for _, v := range testEntries {
		q.Enqueue(v.Deadline, v.Value)
	}
	require.Equal(len(testEntries), q.Len(), "Queue length (full)")

	for i, expected := range testEntries {
		require.Equal(len(testEntries)-i, q.Len(), "Queue length")

		peeked := q.Peek()
		require.Equal(expected.Deadline, peeked.Deadline, "Peek(): Deadline")

		ent := q.Dequeue()
		require.Equal(expected.Value, ent.Value, "Dequeue(): Value")
		require.Equal(expected.Deadline, ent.Deadline, "Dequeue(): Deadline")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.Dequeue(), "Dequeue() (empty)")
}

func TestDeadlineQueueDuplicateDeadline(t *testing.T) {
	t.Parallel()
	testEntries := []Entry{
		{Value: []byte("That books do not take the place of experience,"), Deadline: 1},
		{Value: []byte("and that learning is no substitute for genius,"), Deadline: 20},
		{Value: []byte("are two kindred phenomena;"), Deadline: 20},
	}

	q := New()
	for _, v := range testEntries {
		q.Enqueue(v.Deadline, v.Value)
	}
	require.Equal(t, 3, q.Len())

	for i, expected := range testEntries {
		require.Equal(t, len(testEntries)-i, q.Len(), "Queue length")

		peeked := q.Peek()
		require.Equal(t, expected.Deadline, peeked.Deadline, "Peek(): Deadline")

		ent := q.Dequeue()
		require.Equal(t, expected.Deadline, ent.Deadline, "Dequeue(): Deadline")
	}

	require.Equal(t, 0, q.Len(), "Queue length (empty)")
	require.Nil(t, q.Peek(), "Peek() (empty)")
	require.Nil(t, q.Dequeue(), "Dequeue() (empty)")
}

// TestDeadlineQueueMatchesTimerWheelUsage exercises Enqueue/Peek/Dequeue
// in the exact sequence loop.Loop's timer wheel uses: peek the soonest
// deadline, dequeue it once it is due, repeat.
func TestDeadlineQueueMatchesTimerWheelUsage(t *testing.T) {
	q := New()
	q.Enqueue(30, "third")
	q.Enqueue(10, "first")
	q.Enqueue(20, "second")

	var order []string
	for q.Len() > 0 {
		order = append(order, q.Peek().Value.(string))
		q.Dequeue()
	}
	require.Equal(t, []string{"first", "second", "third"}, order)
}
