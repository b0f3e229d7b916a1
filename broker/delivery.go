package broker

import (
	"sync"
	"time"
)

type completedDelivery struct {
	receipt DeliveryReceipt
	handler DeliveryHandler
}

// DeliveryQueue hands receipts from driver goroutines to the goroutine that
// calls Poll/Flush, so delivery callbacks never run concurrently with the
// control loop. Drivers call Track before handing a message to their client
// and Complete from the client's acknowledgement callback.
type DeliveryQueue struct {
	mu       sync.Mutex
	ready    []completedDelivery
	inFlight int
	notify   chan struct{}
}

// NewDeliveryQueue creates an empty queue
func NewDeliveryQueue() *DeliveryQueue {
	return &DeliveryQueue{notify: make(chan struct{}, 1)}
}

// Track counts one more outstanding message
func (q *DeliveryQueue) Track() {
	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()
}

// Untrack reverses Track for a message the client refused
func (q *DeliveryQueue) Untrack() {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.mu.Unlock()
}

// Complete queues a receipt for dispatch. Safe to call from any goroutine.
func (q *DeliveryQueue) Complete(receipt DeliveryReceipt, handler DeliveryHandler) {
	q.mu.Lock()
	q.ready = append(q.ready, completedDelivery{receipt: receipt, handler: handler})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// InFlight returns tracked messages whose callbacks have not been dispatched
func (q *DeliveryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Dispatch runs every ready callback. When none is ready and messages are
// outstanding it first waits up to timeout for one to complete.
func (q *DeliveryQueue) Dispatch(timeout time.Duration) int {
	q.mu.Lock()
	wait := len(q.ready) == 0 && q.inFlight > 0 && timeout > 0
	q.mu.Unlock()

	if wait {
		timer := time.NewTimer(timeout)
		select {
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}

	q.mu.Lock()
	ready := q.ready
	q.ready = nil
	q.inFlight -= len(ready)
	if q.inFlight < 0 {
		q.inFlight = 0
	}
	q.mu.Unlock()

	for _, d := range ready {
		if d.handler != nil {
			d.handler(d.receipt)
		}
	}
	return len(ready)
}

// Drain dispatches callbacks until nothing is outstanding or timeout elapses.
// Returns the number of messages still outstanding.
func (q *DeliveryQueue) Drain(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		q.Dispatch(0)
		remaining := q.InFlight()
		if remaining == 0 {
			return 0
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return remaining
		}
		q.Dispatch(wait)
	}
}
