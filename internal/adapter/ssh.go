package adapter

import (
	"context"
	"time"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/sshexec"
)

// Runner executes shell commands on a remote host. *sshexec.Client
// satisfies it.
type Runner interface {
	Conn
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)
}

// DialSSH connects to an SSH-driven backend. The backend option
// "connectTimeout" overrides the handshake timeout.
func DialSSH(ctx context.Context, backend *v1alpha1.Backend, secret Secret) (*sshexec.Client, error) {
	host, port, err := sshexec.ParseEndpoint(backend.Spec.Endpoint)
	if err != nil {
		return nil, err
	}

	cfg := sshexec.Config{
		Host:           host,
		Port:           port,
		User:           secret.Username,
		Password:       secret.Password,
		PrivateKey:     secret.PrivateKey,
		PrivateKeyPath: secret.PrivateKeyPath,
	}
	if cfg.User == "" {
		cfg.User = backend.Option("user", "root")
	}
	if d, err := time.ParseDuration(backend.Option("connectTimeout", "")); err == nil {
		cfg.Timeout = d
	}
	return sshexec.Dial(ctx, cfg)
}

// RunQuoted quotes args for a POSIX shell and runs them.
func RunQuoted(ctx context.Context, r Runner, args ...string) (string, error) {
	cmd, err := sshexec.Quote(args...)
	if err != nil {
		return "", &v1alpha1.Failure{Kind: v1alpha1.ErrInvalidArgument, Message: err.Error()}
	}
	stdout, _, err := r.Run(ctx, cmd)
	return stdout, err
}
