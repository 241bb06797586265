package status

import (
	"testing"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

type fakeOp struct {
	phase v1alpha1.OperationPhase
}

func (f *fakeOp) Phase() v1alpha1.OperationPhase     { return f.phase }
func (f *fakeOp) SetPhase(p v1alpha1.OperationPhase) { f.phase = p }

func TestTransitions(t *testing.T) {
	tests := []struct {
		name       string
		transition func(Phased) error
		from       v1alpha1.OperationPhase
		want       v1alpha1.OperationPhase
		wantError  bool
	}{
		{name: "dispatch from queued", transition: TransitionToDispatched, from: v1alpha1.PhaseQueued, want: v1alpha1.PhaseDispatched},
		{name: "dispatch for retry", transition: TransitionToDispatched, from: v1alpha1.PhaseExecuting, want: v1alpha1.PhaseDispatched},
		{name: "dispatch from completed", transition: TransitionToDispatched, from: v1alpha1.PhaseCompleted, wantError: true},
		{name: "execute from dispatched", transition: TransitionToExecuting, from: v1alpha1.PhaseDispatched, want: v1alpha1.PhaseExecuting},
		{name: "execute from queued", transition: TransitionToExecuting, from: v1alpha1.PhaseQueued, wantError: true},
		{name: "complete from executing", transition: TransitionToCompleted, from: v1alpha1.PhaseExecuting, want: v1alpha1.PhaseCompleted},
		{name: "complete from dispatched", transition: TransitionToCompleted, from: v1alpha1.PhaseDispatched, wantError: true},
		{name: "fail from queued", transition: TransitionToFailed, from: v1alpha1.PhaseQueued, want: v1alpha1.PhaseFailed},
		{name: "fail from executing", transition: TransitionToFailed, from: v1alpha1.PhaseExecuting, want: v1alpha1.PhaseFailed},
		{name: "fail twice", transition: TransitionToFailed, from: v1alpha1.PhaseFailed, wantError: true},
		{name: "cancel queued", transition: TransitionToCancelled, from: v1alpha1.PhaseQueued, want: v1alpha1.PhaseCancelled},
		{name: "cancel completed", transition: TransitionToCancelled, from: v1alpha1.PhaseCompleted, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &fakeOp{phase: tt.from}

			err := tt.transition(op)

			if tt.wantError {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				// Phase should not change on error
				if op.phase != tt.from {
					t.Errorf("Phase should not change on error, got %s", op.phase)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if op.phase != tt.want {
				t.Errorf("Expected phase %s, got %s", tt.want, op.phase)
			}
		})
	}
}

func TestFinish(t *testing.T) {
	tests := []struct {
		name   string
		result v1alpha1.Result
		want   v1alpha1.OperationPhase
	}{
		{name: "success", result: v1alpha1.Success(), want: v1alpha1.PhaseCompleted},
		{name: "failure", result: v1alpha1.Fail(v1alpha1.ErrNotFound, "gone"), want: v1alpha1.PhaseFailed},
		{name: "cancelled", result: v1alpha1.Fail(v1alpha1.ErrCancelled, "caller gave up"), want: v1alpha1.PhaseCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &fakeOp{phase: v1alpha1.PhaseExecuting}
			if err := Finish(op, tt.result); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if op.phase != tt.want {
				t.Errorf("Expected phase %s, got %s", tt.want, op.phase)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		phase v1alpha1.OperationPhase
		want  bool
	}{
		{v1alpha1.PhaseQueued, false},
		{v1alpha1.PhaseDispatched, false},
		{v1alpha1.PhaseExecuting, false},
		{v1alpha1.PhaseCompleted, true},
		{v1alpha1.PhaseFailed, true},
		{v1alpha1.PhaseCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			if got := IsTerminal(tt.phase); got != tt.want {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.phase, got, tt.want)
			}
		})
	}
}

func TestIsPending(t *testing.T) {
	if !IsPending(v1alpha1.PhaseQueued) || !IsPending(v1alpha1.PhaseDispatched) {
		t.Error("Queued and Dispatched should be pending")
	}
	if IsPending(v1alpha1.PhaseExecuting) {
		t.Error("Executing should not be pending")
	}
}
