package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/sshexec"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("http %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestKind(t *testing.T) {
	vmGR := schema.GroupResource{Group: "kubevirt.io", Resource: "virtualmachines"}

	tests := []struct {
		name string
		err  error
		want v1alpha1.ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: v1alpha1.ErrTimeout},
		{name: "cancelled", err: context.Canceled, want: v1alpha1.ErrCancelled},
		{name: "ssh connection", err: &sshexec.ConnectionError{Host: "h", Err: errors.New("refused")}, want: v1alpha1.ErrConnectivity},
		{
			name: "xe invalid uuid",
			err:  &sshexec.CommandError{ExitCode: 1, Stderr: "The uuid you supplied was invalid."},
			want: v1alpha1.ErrNotFound,
		},
		{
			name: "powercli duplicate",
			err:  &sshexec.CommandError{ExitCode: 1, Stdout: "New-VM: The specified name 'web01' already exists."},
			want: v1alpha1.ErrAlreadyExists,
		},
		{
			name: "session lost",
			err:  &sshexec.CommandError{ExitCode: -1, Underlying: io.EOF},
			want: v1alpha1.ErrTransient,
		},
		{
			name: "command deadline",
			err:  &sshexec.CommandError{ExitCode: -1, Underlying: context.DeadlineExceeded},
			want: v1alpha1.ErrTimeout,
		},
		{
			name: "unrecognised exit",
			err:  &sshexec.CommandError{ExitCode: 3, Stderr: "kaboom"},
			want: v1alpha1.ErrUnknown,
		},
		{name: "kube not found", err: apierrors.NewNotFound(vmGR, "web01"), want: v1alpha1.ErrNotFound},
		{name: "kube exists", err: apierrors.NewAlreadyExists(vmGR, "web01"), want: v1alpha1.ErrAlreadyExists},
		{name: "kube conflict", err: apierrors.NewConflict(vmGR, "web01", errors.New("stale")), want: v1alpha1.ErrTransient},
		{name: "kube forbidden", err: apierrors.NewForbidden(vmGR, "web01", errors.New("rbac")), want: v1alpha1.ErrConnectivity},
		{name: "http 503", err: statusErr{code: 503}, want: v1alpha1.ErrTransient},
		{name: "http 401", err: statusErr{code: 401}, want: v1alpha1.ErrConnectivity},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("no route")}, want: v1alpha1.ErrConnectivity},
		{name: "eof", err: io.ErrUnexpectedEOF, want: v1alpha1.ErrTransient},
		{name: "failure passthrough", err: &v1alpha1.Failure{Kind: v1alpha1.ErrParseError}, want: v1alpha1.ErrParseError},
		{name: "plain", err: errors.New("something odd"), want: v1alpha1.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestClassify_PreservesVendorMessage(t *testing.T) {
	err := &sshexec.CommandError{Cmd: "ovirt-shell -E 'action vm web01 start'", ExitCode: 1, Stderr: "  error: status: 409 reason: Conflict detail: Cannot run VM. VM is running.  \n"}

	f := Classify(err)
	assert.Equal(t, "error: status: 409 reason: Conflict detail: Cannot run VM. VM is running.", f.Message)
	assert.False(t, f.Retryable)

	assert.Nil(t, Classify(nil))
}

func TestClassify_Retryable(t *testing.T) {
	assert.True(t, Classify(context.DeadlineExceeded).Retryable)
	assert.True(t, Classify(statusErr{code: 429}).Retryable)
	assert.False(t, Classify(statusErr{code: 404}).Retryable)
}

func TestResult(t *testing.T) {
	r := Result(statusErr{code: 409})
	assert.False(t, r.OK())
	assert.Equal(t, v1alpha1.ErrAlreadyExists, r.ErrorKind())
}

func TestFromMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want v1alpha1.ErrorKind
	}{
		{"Get-VM : VM with name 'web01' was not found", v1alpha1.ErrNotFound},
		{"bash: xe: command not found", v1alpha1.ErrConnectivity},
		{"sh: 1: ovirt-shell: command not found", v1alpha1.ErrConnectivity},
		{"Connect-VIServer : The term 'Connect-VIServer' is not recognized as the name of a cmdlet", v1alpha1.ErrConnectivity},
		{"The uuid you supplied was invalid.", v1alpha1.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			kind, ok := FromMessage(tt.msg)
			assert.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}

	_, ok := FromMessage("")
	assert.False(t, ok)
}

func TestKind_MissingVendorTool(t *testing.T) {
	err := &sshexec.CommandError{Cmd: "xe vm-list", ExitCode: 127, Stderr: "bash: xe: command not found"}
	assert.Equal(t, v1alpha1.ErrConnectivity, Kind(err))

	// Exit status 127 alone is enough.
	assert.Equal(t, v1alpha1.ErrConnectivity, Kind(&sshexec.CommandError{Cmd: "xe vm-list", ExitCode: 127}))
}
