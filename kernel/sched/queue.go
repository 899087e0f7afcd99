package sched

import "gopherkern/kernel/task"

// readyQueue is a FIFO of task handles. The links are stored in arrays
// indexed by handle so queue operations never allocate.
type readyQueue struct {
	head, tail task.Handle
	next, prev []task.Handle
	queued     []bool
	count      int
}

func (q *readyQueue) init(capacity int) {
	*q = readyQueue{
		head:   task.InvalidHandle,
		tail:   task.InvalidHandle,
		next:   make([]task.Handle, capacity),
		prev:   make([]task.Handle, capacity),
		queued: make([]bool, capacity),
	}
}

// push appends h to the tail of the queue.
func (q *readyQueue) push(h task.Handle) {
	if q.queued[h] {
		return
	}

	q.next[h], q.prev[h] = task.InvalidHandle, q.tail
	if q.tail == task.InvalidHandle {
		q.head = h
	} else {
		q.next[q.tail] = h
	}

	q.tail = h
	q.queued[h] = true
	q.count++
}

// pop removes and returns the head of the queue or task.InvalidHandle if
// the queue is empty.
func (q *readyQueue) pop() task.Handle {
	h := q.head
	if h != task.InvalidHandle {
		q.remove(h)
	}

	return h
}

// remove unlinks h if it is queued.
func (q *readyQueue) remove(h task.Handle) {
	if !q.queued[h] {
		return
	}

	if prev := q.prev[h]; prev == task.InvalidHandle {
		q.head = q.next[h]
	} else {
		q.next[prev] = q.next[h]
	}

	if next := q.next[h]; next == task.InvalidHandle {
		q.tail = q.prev[h]
	} else {
		q.prev[next] = q.prev[h]
	}

	q.queued[h] = false
	q.count--
}
