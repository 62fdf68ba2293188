package pool

import "container/list"

// grant is what a waiter receives when it reaches the head of the queue:
// either a handle that moves straight from its previous owner to the
// waiter, or a freed slot the waiter must fill by opening a session.
type grant struct {
	h    *Handle
	open bool
}

// waiter is one blocked Lease call. ready has room for exactly one grant
// so the granting side never blocks while holding the pool lock. A closed
// ready channel means the pool shut down.
type waiter struct {
	ready chan grant
	elem  *list.Element
}

func newWaiter() *waiter {
	return &waiter{ready: make(chan grant, 1)}
}

// waitQueue is the FIFO of blocked leases. All methods require the pool
// mutex. Once a waiter has been popped (granted) remove reports false,
// which is how a timing-out waiter learns that a grant won the race and
// is sitting in its channel.
type waitQueue struct {
	l list.List
}

func (q *waitQueue) push(w *waiter) {
	w.elem = q.l.PushBack(w)
}

func (q *waitQueue) pop() *waiter {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	w := q.l.Remove(e).(*waiter)
	w.elem = nil
	return w
}

func (q *waitQueue) remove(w *waiter) bool {
	if w.elem == nil {
		return false
	}
	q.l.Remove(w.elem)
	w.elem = nil
	return true
}

// Len returns the number of queued waiters.
func (q *waitQueue) Len() int {
	return q.l.Len()
}
