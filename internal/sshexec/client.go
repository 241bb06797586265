// Package sshexec runs vendor command-line tools on remote hosts over SSH.
//
// A Client wraps one authenticated *ssh.Client. Every call opens its own
// session, so one Client serves concurrent operations. Besides command
// execution the client uploads files over SFTP and tunnels connections to
// remote unix sockets (used for the libvirt RPC socket).
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"mvdan.cc/sh/v3/syntax"
)

const (
	// DefaultPort is used when the endpoint does not carry one.
	DefaultPort = 22

	// DefaultConnectTimeout bounds the TCP dial and SSH handshake.
	DefaultConnectTimeout = 30 * time.Second
)

// Config describes how to reach and authenticate to a remote host.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	PrivateKey      []byte
	PrivateKeyPath  string
	Timeout         time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// ParseEndpoint splits host[:port] into a host and port, defaulting the port.
func ParseEndpoint(endpoint string) (string, int, error) {
	if endpoint == "" {
		return "", 0, fmt.Errorf("endpoint is empty")
	}
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		// No port present
		return strings.Trim(endpoint, "[]"), DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in endpoint %q", endpoint)
	}
	return host, port, nil
}

// Client is a live SSH connection.
type Client struct {
	cfg    Config
	client *ssh.Client

	sftpMu     sync.Mutex
	sftpClient *sftp.Client
}

// Dial connects and authenticates to the remote host, honouring ctx for the
// TCP dial and the handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	auth, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, &ConnectionError{Host: cfg.Host, Err: fmt.Errorf("auth error: %w", err)}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Host: cfg.Host, Err: fmt.Errorf("dial failed: %w", err)}
	}

	// Bound the handshake by the context as well as the timeout.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Host: cfg.Host, Err: fmt.Errorf("handshake failed: %w", err)}
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{cfg: cfg, client: ssh.NewClient(ncc, chans, reqs)}, nil
}

// Host returns the remote host name.
func (c *Client) Host() string {
	return c.cfg.Host
}

// Ping sends an OpenSSH keepalive request and waits for the reply.
func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil {
		return &ConnectionError{Host: c.cfg.Host, Err: fmt.Errorf("not connected")}
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return &ConnectionError{Host: c.cfg.Host, Err: fmt.Errorf("keepalive failed: %w", err)}
		}
		return nil
	}
}

// Run executes cmd in a new session and returns its stdout and stderr.
//
// A non-zero exit yields a *CommandError carrying the exit code and both
// streams. When ctx ends first the remote process is sent SIGKILL and
// ctx.Err() is returned wrapped in a *CommandError.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	if c.client == nil {
		return "", "", &ConnectionError{Host: c.cfg.Host, Err: fmt.Errorf("not connected")}
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", "", &ConnectionError{Host: c.cfg.Host, Err: fmt.Errorf("failed to create session: %w", err)}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Start(cmd); err != nil {
		return "", "", &CommandError{Cmd: cmd, ExitCode: -1, Underlying: fmt.Errorf("failed to start command: %w", err)}
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		select {
		case <-doneCh:
		case <-time.After(1 * time.Second):
		}
		return stdoutBuf.String(), stderrBuf.String(), &CommandError{
			Cmd: cmd, ExitCode: -1, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), Underlying: ctx.Err(),
		}
	case err := <-doneCh:
		stdout, stderr := stdoutBuf.String(), stderrBuf.String()
		if err == nil {
			return stdout, stderr, nil
		}

		exitCode := -1
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitStatus()
		}
		return stdout, stderr, &CommandError{Cmd: cmd, ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Underlying: err}
	}
}

// WriteFile uploads content to path over SFTP, creating parent directories.
func (c *Client) WriteFile(ctx context.Context, dst string, content []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sc, err := c.sftp()
	if err != nil {
		return err
	}

	if dir := path.Dir(dst); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}

	f, err := sc.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", dst, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", dst, err)
	}
	if mode != 0 {
		if err := sc.Chmod(dst, mode); err != nil {
			return fmt.Errorf("failed to chmod remote file %s: %w", dst, err)
		}
	}
	return nil
}

// DialUnix opens a stream to a unix socket on the remote host.
func (c *Client) DialUnix(socketPath string) (net.Conn, error) {
	conn, err := c.client.Dial("unix", socketPath)
	if err != nil {
		return nil, &ConnectionError{Host: c.cfg.Host, Err: fmt.Errorf("failed to open %s: %w", socketPath, err)}
	}
	return conn, nil
}

// Close closes the SFTP subsystem and the SSH connection.
func (c *Client) Close() error {
	c.sftpMu.Lock()
	if c.sftpClient != nil {
		_ = c.sftpClient.Close()
		c.sftpClient = nil
	}
	c.sftpMu.Unlock()

	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close ssh connection to %s: %w", c.cfg.Host, err)
	}
	return nil
}

func (c *Client) sftp() (*sftp.Client, error) {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()

	if c.sftpClient != nil {
		return c.sftpClient, nil
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp subsystem on %s: %w", c.cfg.Host, err)
	}
	c.sftpClient = sc
	return sc, nil
}

func buildAuthMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key bytes: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if cfg.PrivateKeyPath != "" {
		keyFileBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file %s: %w", cfg.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyFileBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key from file %s: %w", cfg.PrivateKeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH authentication method provided (password or private key required for host %s)", cfg.Host)
	}
	return methods, nil
}

// Quote quotes each argument for a POSIX shell and joins them with spaces.
func Quote(args ...string) (string, error) {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		q, err := syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("cannot quote argument %q: %w", a, err)
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " "), nil
}
