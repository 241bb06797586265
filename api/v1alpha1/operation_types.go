package v1alpha1

import (
	"fmt"
	"time"
)

// Verb is a uniform lifecycle operation.
type Verb string

const (
	VerbHostAdd     Verb = "host_add"
	VerbHostDel     Verb = "host_del"
	VerbHostStart   Verb = "host_start"
	VerbHostStop    Verb = "host_stop"
	VerbHostRestart Verb = "host_restart"
	VerbHostSearch  Verb = "host_search"

	VerbGuestAdd     Verb = "guest_add"
	VerbGuestDel     Verb = "guest_del"
	VerbGuestStart   Verb = "guest_start"
	VerbGuestStop    Verb = "guest_stop"
	VerbGuestSuspend Verb = "guest_suspend"
	VerbGuestResume  Verb = "guest_resume"
	VerbGuestSearch  Verb = "guest_search"
)

// AllVerbs lists the closed verb set.
var AllVerbs = []Verb{
	VerbHostAdd, VerbHostDel, VerbHostStart, VerbHostStop, VerbHostRestart, VerbHostSearch,
	VerbGuestAdd, VerbGuestDel, VerbGuestStart, VerbGuestStop, VerbGuestSuspend, VerbGuestResume, VerbGuestSearch,
}

// Operation is a single request to the dispatch core. It is consumed once
// and never persisted.
type Operation struct {
	// ID uniquely identifies the operation in logs and events.
	ID string `json:"id" yaml:"id"`

	// Kind is the backend kind the operation targets.
	Kind BackendKind `json:"kind" yaml:"kind"`

	// Backend names the backend instance. Optional when exactly one
	// instance of Kind is configured.
	// +optional
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// Verb is the lifecycle operation.
	Verb Verb `json:"verb" yaml:"verb"`

	// Target is the host or guest id. Empty for full searches.
	// +optional
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Params carries verb specific arguments.
	// +optional
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	// Timeout overrides the default deadline for the verb.
	// +optional
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ErrorKind is the uniform failure taxonomy.
type ErrorKind string

const (
	ErrConnectivity    ErrorKind = "Connectivity"
	ErrTimeout         ErrorKind = "Timeout"
	ErrUnsupported     ErrorKind = "Unsupported"
	ErrNotFound        ErrorKind = "NotFound"
	ErrAlreadyExists   ErrorKind = "AlreadyExists"
	ErrInvalidState    ErrorKind = "InvalidState"
	ErrParseError      ErrorKind = "ParseError"
	ErrTransient       ErrorKind = "Transient"
	ErrUnknown         ErrorKind = "Unknown"
	ErrCancelled       ErrorKind = "Cancelled"
	ErrInvalidArgument ErrorKind = "InvalidArgument"
)

// Retryable reports whether a caller may reasonably retry a failure of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTransient, ErrTimeout, ErrConnectivity:
		return true
	default:
		return false
	}
}

// Failure describes why an operation did not succeed. Message preserves the
// vendor's original text where one exists.
type Failure struct {
	Kind      ErrorKind `json:"kind" yaml:"kind"`
	Message   string    `json:"message" yaml:"message"`
	Retryable bool      `json:"retryable" yaml:"retryable"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Result is the tagged outcome of an operation: Success with an optional
// payload, or Failure.
type Result struct {
	// OperationID echoes Operation.ID.
	OperationID string `json:"operationID,omitempty" yaml:"operationID,omitempty"`

	// Verb echoes Operation.Verb.
	Verb Verb `json:"verb,omitempty" yaml:"verb,omitempty"`

	// Target echoes Operation.Target.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Backend is the resolved backend instance.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// Hosts is the host payload of a successful operation.
	Hosts []HostRecord `json:"hosts,omitempty" yaml:"hosts,omitempty"`

	// Guests is the guest payload of a successful operation.
	Guests []GuestRecord `json:"guests,omitempty" yaml:"guests,omitempty"`

	// Failure is set when the operation failed.
	Failure *Failure `json:"failure,omitempty" yaml:"failure,omitempty"`

	// Attempts counts adapter invocations made for the operation.
	Attempts int `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// OperationPhase is the lifecycle phase of an operation inside the dispatch core.
type OperationPhase string

const (
	// PhaseQueued means the operation is waiting for a worker slot or target lock.
	PhaseQueued OperationPhase = "Queued"
	// PhaseDispatched means the operation holds its slot and lock and is acquiring a connection.
	PhaseDispatched OperationPhase = "Dispatched"
	// PhaseExecuting means the adapter is running the operation.
	PhaseExecuting OperationPhase = "Executing"
	// PhaseCompleted means the operation succeeded.
	PhaseCompleted OperationPhase = "Completed"
	// PhaseFailed means the operation ended with a failure.
	PhaseFailed OperationPhase = "Failed"
	// PhaseCancelled means the caller cancelled the operation.
	PhaseCancelled OperationPhase = "Cancelled"
)

// SessionState is the lifecycle state of a pooled connection handle.
type SessionState string

const (
	SessionConnecting SessionState = "Connecting"
	SessionReady      SessionState = "Ready"
	SessionDegraded   SessionState = "Degraded"
	SessionClosed     SessionState = "Closed"
)
