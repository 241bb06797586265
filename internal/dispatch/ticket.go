package dispatch

import (
	"context"
	"sync"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

// Ticket tracks one enqueued operation.
type Ticket struct {
	op     v1alpha1.Operation
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	phase  v1alpha1.OperationPhase
	result v1alpha1.Result
}

func newTicket(op v1alpha1.Operation, cancel context.CancelFunc) *Ticket {
	return &Ticket{
		op:     op,
		cancel: cancel,
		done:   make(chan struct{}),
		phase:  v1alpha1.PhaseQueued,
	}
}

// Operation returns the operation the ticket tracks.
func (t *Ticket) Operation() v1alpha1.Operation { return t.op }

// Phase returns the current phase.
func (t *Ticket) Phase() v1alpha1.OperationPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// SetPhase implements status.Phased.
func (t *Ticket) SetPhase(p v1alpha1.OperationPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

// Cancel abandons the operation. A queued operation never reaches its
// adapter; a running one finishes as Cancelled without waiting for the
// vendor call.
func (t *Ticket) Cancel() { t.cancel() }

// Done is closed once the result is available.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the operation reaches a terminal phase and returns its
// result.
func (t *Ticket) Wait() v1alpha1.Result {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Ticket) finish(r v1alpha1.Result) {
	t.mu.Lock()
	t.result = r
	t.mu.Unlock()
	close(t.done)
}
