package sshexec

import "fmt"

// CommandError describes a remote command that ran and exited non-zero,
// or that could not be started.
type CommandError struct {
	Cmd        string
	ExitCode   int
	Stdout     string
	Stderr     string
	Underlying error
}

// Error returns a string representation of the CommandError.
func (e *CommandError) Error() string {
	errMsg := fmt.Sprintf("command '%s' failed with exit code %d", e.Cmd, e.ExitCode)
	if out := e.Output(); out != "" {
		errMsg = fmt.Sprintf("%s: %s", errMsg, out)
	}
	if e.Underlying != nil {
		errMsg = fmt.Sprintf("%s (underlying error: %v)", errMsg, e.Underlying)
	}
	return errMsg
}

// Unwrap returns the underlying error for errors.Is and errors.As support.
func (e *CommandError) Unwrap() error {
	return e.Underlying
}

// Output returns stderr when present, otherwise stdout. Vendor tools are
// inconsistent about which stream carries the diagnostic.
func (e *CommandError) Output() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return e.Stdout
}

// ConnectionError represents a failure to establish or use a connection.
type ConnectionError struct {
	Host string
	Err  error
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to host %s: %v", e.Host, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As support.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
