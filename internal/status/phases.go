// Package status implements the operation phase state machine used by the
// dispatch core.
//
//	Queued -> Dispatched -> Executing -> Completed
//	                    \            \-> Failed
//	                     \-> Failed
//	Queued | Dispatched | Executing -> Cancelled
//	Executing -> Dispatched (retry)
package status

import (
	"fmt"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

// Phased is anything that carries an operation phase.
type Phased interface {
	Phase() v1alpha1.OperationPhase
	SetPhase(v1alpha1.OperationPhase)
}

// TransitionToDispatched moves an operation out of the queue, or back from
// Executing when the attempt is being retried.
func TransitionToDispatched(p Phased) error {
	phase := p.Phase()
	if phase != v1alpha1.PhaseQueued && phase != v1alpha1.PhaseExecuting {
		return fmt.Errorf("cannot transition to Dispatched from phase %s", phase)
	}
	p.SetPhase(v1alpha1.PhaseDispatched)
	return nil
}

// TransitionToExecuting marks the adapter call as started.
func TransitionToExecuting(p Phased) error {
	if p.Phase() != v1alpha1.PhaseDispatched {
		return fmt.Errorf("cannot transition to Executing from phase %s", p.Phase())
	}
	p.SetPhase(v1alpha1.PhaseExecuting)
	return nil
}

// TransitionToCompleted marks a successful operation.
func TransitionToCompleted(p Phased) error {
	if p.Phase() != v1alpha1.PhaseExecuting {
		return fmt.Errorf("cannot transition to Completed from phase %s", p.Phase())
	}
	p.SetPhase(v1alpha1.PhaseCompleted)
	return nil
}

// TransitionToFailed marks a failed operation. Validation and connection
// failures happen before execution, so any non-terminal phase may fail.
func TransitionToFailed(p Phased) error {
	if IsTerminal(p.Phase()) {
		return fmt.Errorf("cannot transition to Failed from phase %s", p.Phase())
	}
	p.SetPhase(v1alpha1.PhaseFailed)
	return nil
}

// TransitionToCancelled marks an operation the caller abandoned.
func TransitionToCancelled(p Phased) error {
	if IsTerminal(p.Phase()) {
		return fmt.Errorf("cannot transition to Cancelled from phase %s", p.Phase())
	}
	p.SetPhase(v1alpha1.PhaseCancelled)
	return nil
}

// Finish moves p to the terminal phase matching the result kind.
func Finish(p Phased, r v1alpha1.Result) error {
	switch {
	case r.OK():
		return TransitionToCompleted(p)
	case r.ErrorKind() == v1alpha1.ErrCancelled:
		return TransitionToCancelled(p)
	default:
		return TransitionToFailed(p)
	}
}

// IsTerminal returns true if no further transition is possible.
func IsTerminal(phase v1alpha1.OperationPhase) bool {
	return phase == v1alpha1.PhaseCompleted || phase == v1alpha1.PhaseFailed || phase == v1alpha1.PhaseCancelled
}

// IsPending returns true while the operation has not reached the adapter.
func IsPending(phase v1alpha1.OperationPhase) bool {
	return phase == v1alpha1.PhaseQueued || phase == v1alpha1.PhaseDispatched
}
