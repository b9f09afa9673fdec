// Implements the WaitQueue, which holds admitted requests waiting for KV
// capacity and a batch slot. Requests are enqueued on admission and consumed
// in First-Come-First-Served order at the start of each step.

package genai

import (
	"fmt"
	"strings"
)

// WaitQueue is a FIFO queue of requests waiting to be scheduled. Admission
// control keeps FCFS order: when the head cannot be scheduled, later
// requests do not jump past it.
type WaitQueue struct {
	queue []*Request
}

// Enqueue adds a request to the back of the wait queue.
func (wq *WaitQueue) Enqueue(r *Request) {
	wq.queue = append(wq.queue, r)
}

// Len returns the number of waiting requests.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the request at the front without removing it, or nil when the
// queue is empty.
func (wq *WaitQueue) Peek() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes and returns the request at the front of the queue.
func (wq *WaitQueue) Dequeue() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	head := wq.queue[0]
	wq.queue = wq.queue[1:]
	return head
}

// Remove deletes a request from any position; used when a queued request's
// handle is dropped before it was ever scheduled.
func (wq *WaitQueue) Remove(r *Request) bool {
	for i, queued := range wq.queue {
		if queued == r {
			wq.queue = append(wq.queue[:i], wq.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, r := range wq.queue {
		sb.WriteString(fmt.Sprint(r))
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
