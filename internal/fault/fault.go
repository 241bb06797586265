// Package fault classifies transport and vendor errors into the uniform
// ErrorKind taxonomy.
//
// Classification order: context errors, typed transport errors (SSH
// connection and command errors, Kubernetes API status errors, HTTP status
// carriers), network errors, then vendor message patterns. Anything left is
// Unknown with the original message preserved verbatim.
package fault

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/sshexec"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// exitCommandNotFound is the shell's exit status for a missing program.
const exitCommandNotFound = 127

// messagePatterns maps lower-cased vendor message fragments to kinds.
// The first match wins, so more specific fragments come first: "command
// not found" must be tested before "not found".
//
// A missing vendor tool means the backend endpoint is not set up to serve
// switchyard at all, which is reported as Connectivity.
var messagePatterns = []struct {
	fragment string
	kind     v1alpha1.ErrorKind
}{
	{"command not found", v1alpha1.ErrConnectivity},
	{"is not recognized as the name of a cmdlet", v1alpha1.ErrConnectivity},
	{"already exists", v1alpha1.ErrAlreadyExists},
	{"already in use", v1alpha1.ErrAlreadyExists},
	{"duplicate", v1alpha1.ErrAlreadyExists},
	{"vm_bad_power_state", v1alpha1.ErrInvalidState},
	{"invalid state", v1alpha1.ErrInvalidState},
	{"invalid power state", v1alpha1.ErrInvalidState},
	{"not in a valid state", v1alpha1.ErrInvalidState},
	{"cannot be performed", v1alpha1.ErrInvalidState},
	{"operation is not allowed", v1alpha1.ErrInvalidState},
	{"not supported", v1alpha1.ErrUnsupported},
	{"the uuid you supplied was invalid", v1alpha1.ErrNotFound},
	{"objectnotfound", v1alpha1.ErrNotFound},
	{"not found", v1alpha1.ErrNotFound},
	{"does not exist", v1alpha1.ErrNotFound},
	{"unable to find", v1alpha1.ErrNotFound},
	{"could not find", v1alpha1.ErrNotFound},
	{"no such", v1alpha1.ErrNotFound},
	{"timed out", v1alpha1.ErrTimeout},
	{"timeout", v1alpha1.ErrTimeout},
	{"temporarily unavailable", v1alpha1.ErrTransient},
	{"try again", v1alpha1.ErrTransient},
	{"resource busy", v1alpha1.ErrTransient},
	{"connection reset", v1alpha1.ErrTransient},
	{"broken pipe", v1alpha1.ErrTransient},
	{"could not connect", v1alpha1.ErrConnectivity},
	{"connection refused", v1alpha1.ErrConnectivity},
	{"unreachable", v1alpha1.ErrConnectivity},
	{"not connected", v1alpha1.ErrConnectivity},
	{"authentication failed", v1alpha1.ErrConnectivity},
	{"login failed", v1alpha1.ErrConnectivity},
}

// Classify maps err to a Failure. It returns nil for a nil error.
func Classify(err error) *v1alpha1.Failure {
	if err == nil {
		return nil
	}
	kind := Kind(err)
	return &v1alpha1.Failure{
		Kind:      kind,
		Message:   Message(err),
		Retryable: kind.Retryable(),
	}
}

// Result wraps err as a failed Result.
func Result(err error) v1alpha1.Result {
	return v1alpha1.Result{Failure: Classify(err)}
}

// Kind returns the ErrorKind for err.
func Kind(err error) v1alpha1.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return v1alpha1.ErrTimeout
	case errors.Is(err, context.Canceled):
		return v1alpha1.ErrCancelled
	}

	var failure *v1alpha1.Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}

	var connErr *sshexec.ConnectionError
	if errors.As(err, &connErr) {
		return v1alpha1.ErrConnectivity
	}

	var cmdErr *sshexec.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.ExitCode == exitCommandNotFound {
			return v1alpha1.ErrConnectivity
		}
		if kind, ok := FromMessage(cmdErr.Output()); ok {
			return kind
		}
		if cmdErr.ExitCode < 0 {
			// The session died without an exit status.
			return v1alpha1.ErrTransient
		}
		return v1alpha1.ErrUnknown
	}

	var statusErr apierrors.APIStatus
	if errors.As(err, &statusErr) {
		return fromKube(err)
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		return FromStatus(coder.StatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return v1alpha1.ErrTimeout
		}
		return v1alpha1.ErrConnectivity
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return v1alpha1.ErrTransient
	}

	if kind, ok := FromMessage(err.Error()); ok {
		return kind
	}
	return v1alpha1.ErrUnknown
}

// Message returns the most useful human readable text for err: the vendor
// output for command failures, the error text otherwise.
func Message(err error) string {
	var cmdErr *sshexec.CommandError
	if errors.As(err, &cmdErr) {
		if out := strings.TrimSpace(cmdErr.Output()); out != "" {
			return out
		}
	}
	var failure *v1alpha1.Failure
	if errors.As(err, &failure) {
		return failure.Message
	}
	return err.Error()
}

// FromMessage matches vendor output against known message fragments.
func FromMessage(msg string) (v1alpha1.ErrorKind, bool) {
	lower := strings.ToLower(msg)
	if lower == "" {
		return "", false
	}
	for _, p := range messagePatterns {
		if strings.Contains(lower, p.fragment) {
			return p.kind, true
		}
	}
	return "", false
}

// FromStatus maps an HTTP status code to a kind.
func FromStatus(code int) v1alpha1.ErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusProxyAuthRequired:
		return v1alpha1.ErrConnectivity
	case http.StatusNotFound:
		return v1alpha1.ErrNotFound
	case http.StatusConflict:
		return v1alpha1.ErrAlreadyExists
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return v1alpha1.ErrTimeout
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return v1alpha1.ErrTransient
	case http.StatusNotImplemented, http.StatusMethodNotAllowed:
		return v1alpha1.ErrUnsupported
	case http.StatusUnprocessableEntity, http.StatusPreconditionFailed:
		return v1alpha1.ErrInvalidState
	default:
		return v1alpha1.ErrUnknown
	}
}

func fromKube(err error) v1alpha1.ErrorKind {
	switch {
	case apierrors.IsNotFound(err):
		return v1alpha1.ErrNotFound
	case apierrors.IsAlreadyExists(err):
		return v1alpha1.ErrAlreadyExists
	case apierrors.IsConflict(err), apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsServerTimeout(err):
		return v1alpha1.ErrTransient
	case apierrors.IsTimeout(err):
		return v1alpha1.ErrTimeout
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return v1alpha1.ErrConnectivity
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return v1alpha1.ErrInvalidState
	case apierrors.IsMethodNotSupported(err):
		return v1alpha1.ErrUnsupported
	default:
		return v1alpha1.ErrUnknown
	}
}
