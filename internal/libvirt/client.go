package libvirt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// DefaultSocket is the qemu:///system RPC socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"

	// DefaultTimeout bounds dialing the local socket.
	DefaultTimeout = 5 * time.Second
)

// Tunnel opens streams to unix sockets on the hypervisor.
// *sshexec.Client satisfies it.
type Tunnel interface {
	DialUnix(socketPath string) (net.Conn, error)
}

// tunnelDialer adapts a Tunnel to go-libvirt's socket.Dialer.
type tunnelDialer struct {
	tunnel Tunnel
	socket string
}

func (d tunnelDialer) Dial() (net.Conn, error) {
	return d.tunnel.DialUnix(d.socket)
}

// Client is one libvirt RPC connection.
type Client struct {
	libvirt *libvirt.Libvirt
	// transport is closed after the RPC connection, e.g. the SSH tunnel.
	transport io.Closer
}

// Connect performs the RPC handshake over dialer.
func Connect(dialer socket.Dialer) (*Client, error) {
	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	return &Client{libvirt: l}, nil
}

// ConnectLocal connects to a libvirt daemon on this machine.
// An empty socketPath means DefaultSocket; a zero timeout means DefaultTimeout.
func ConnectLocal(socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	c, err := Connect(dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
	}
	return c, nil
}

// ConnectTunnel connects to the libvirt socket on a remote host through
// tunnel. When tunnel is also an io.Closer the client owns it and closes it
// on Close.
func ConnectTunnel(tunnel Tunnel, socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	c, err := Connect(tunnelDialer{tunnel: tunnel, socket: socketPath})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
	}
	if closer, ok := tunnel.(io.Closer); ok {
		c.transport = closer
	}
	return c, nil
}

// ConnectWithContext runs connect and gives up when ctx ends first. A
// connection that completes after ctx ended is closed.
func ConnectWithContext(ctx context.Context, connect func() (*Client, error)) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := connect()
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and the transport beneath it.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	var errs []error
	if c.libvirt != nil {
		if err := c.libvirt.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("failed to disconnect from libvirt: %w", err))
		}
		c.libvirt = nil
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		c.transport = nil
	}
	return errors.Join(errs...)
}

// Libvirt returns the underlying go-libvirt client for direct API access.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Ping verifies the connection is still alive by asking for the library
// version. It returns when ctx ends even if the RPC is still outstanding.
func (c *Client) Ping(ctx context.Context) error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.libvirt.ConnectGetLibVersion()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("libvirt connection is dead: %w", err)
		}
		return nil
	}
}
