package sshexec

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		host     string
		port     int
		wantErr  bool
	}{
		{name: "host only", endpoint: "xen01.lab", host: "xen01.lab", port: 22},
		{name: "host and port", endpoint: "xen01.lab:2222", host: "xen01.lab", port: 2222},
		{name: "ipv6 with port", endpoint: "[fe80::1]:22", host: "fe80::1", port: 22},
		{name: "bad port", endpoint: "xen01.lab:http", wantErr: true},
		{name: "empty", endpoint: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := ParseEndpoint(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestQuote(t *testing.T) {
	got, err := Quote("xe", "vm-start", "it's mine")
	require.NoError(t, err)
	assert.Contains(t, got, "xe vm-start ")
	assert.NotContains(t, got, " it's mine", "argument with a quote must be escaped")

	_, err = Quote("bad\x00arg")
	assert.Error(t, err)
}

func TestCommandError(t *testing.T) {
	underlying := fmt.Errorf("exit status 1")
	err := &CommandError{Cmd: "xe vm-list", ExitCode: 1, Stderr: "The uuid you supplied was invalid.", Underlying: underlying}

	assert.Contains(t, err.Error(), "exit code 1")
	assert.Equal(t, "The uuid you supplied was invalid.", err.Output())
	assert.True(t, errors.Is(err, underlying))

	noStderr := &CommandError{Stdout: "error: not found"}
	assert.Equal(t, "error: not found", noStderr.Output())
}

func TestConnectionError(t *testing.T) {
	err := &ConnectionError{Host: "hv01", Err: context.DeadlineExceeded}
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "hv01")
}

func TestBuildAuthMethods(t *testing.T) {
	_, err := buildAuthMethods(Config{Host: "hv01"})
	assert.Error(t, err, "no credentials must be rejected")

	methods, err := buildAuthMethods(Config{Host: "hv01", Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	_, err = buildAuthMethods(Config{Host: "hv01", PrivateKey: []byte("not a key")})
	assert.Error(t, err)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, Config{Host: "127.0.0.1", Port: 1, User: "root", Password: "x"})
	require.Error(t, err)
	var connErr *ConnectionError
	assert.True(t, errors.As(err, &connErr))
}
