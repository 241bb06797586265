package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
)

type mockConn struct {
	pingErr error
	closed  atomic.Bool
}

func (c *mockConn) Ping(ctx context.Context) error { return c.pingErr }
func (c *mockConn) Close() error {
	c.closed.Store(true)
	return nil
}

type mockAdapter struct {
	dialFunc func(ctx context.Context, b *v1alpha1.Backend, s adapter.Secret) (adapter.Conn, error)

	mu    sync.Mutex
	dials []adapter.Secret
}

func (a *mockAdapter) Kind() v1alpha1.BackendKind         { return v1alpha1.BackendXEN }
func (a *mockAdapter) Supports(verb v1alpha1.Verb) bool    { return true }
func (a *mockAdapter) Dial(ctx context.Context, b *v1alpha1.Backend, s adapter.Secret) (adapter.Conn, error) {
	a.mu.Lock()
	a.dials = append(a.dials, s)
	a.mu.Unlock()
	return a.dialFunc(ctx, b, s)
}
func (a *mockAdapter) Execute(ctx context.Context, c adapter.Conn, op v1alpha1.Operation) v1alpha1.Result {
	return v1alpha1.Success()
}

func (a *mockAdapter) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dials)
}

type mockCreds map[string]adapter.Secret

func (m mockCreds) Resolve(ref string) (adapter.Secret, error) {
	s, ok := m[ref]
	if !ok {
		return adapter.Secret{}, errors.New("unknown credential")
	}
	return s, nil
}

func testBackend() *v1alpha1.Backend {
	return &v1alpha1.Backend{
		ObjectMeta: v1alpha1.ObjectMeta{Name: "xen-lab"},
		Spec:       v1alpha1.BackendSpec{Kind: v1alpha1.BackendXEN, Endpoint: "xen01.lab", CredentialRef: "root"},
	}
}

func newTestManager(a *mockAdapter) (*Manager, *[]time.Duration) {
	m := NewManager(adapter.NewRegistry(a), mockCreds{"root": {Username: "root", Password: "pw"}}, DefaultOptions())
	var sleeps []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return m, &sleeps
}

func TestAcquire_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	a := &mockAdapter{dialFunc: func(ctx context.Context, b *v1alpha1.Backend, s adapter.Secret) (adapter.Conn, error) {
		<-release
		return &mockConn{}, nil
	}}
	m, _ := newTestManager(a)

	const callers = 8
	var wg sync.WaitGroup
	leases := make([]*Lease, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := m.Acquire(context.Background(), testBackend())
			assert.NoError(t, err)
			leases[i] = l
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, a.dialCount())
	for _, l := range leases {
		require.NotNil(t, l)
		assert.Same(t, leases[0].Handle, l.Handle)
		assert.Same(t, leases[0].Conn(), l.Conn())
	}
	assert.Equal(t, callers, leases[0].Borrows())
	assert.Equal(t, v1alpha1.SessionReady, leases[0].State())
	assert.Equal(t, "root", a.dials[0].Username)
}

func TestAcquire_ReusesReadyHandle(t *testing.T) {
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		return &mockConn{}, nil
	}}
	m, _ := newTestManager(a)

	h1, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)
	m.Release(h1)
	h2, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)

	assert.Same(t, h1.Handle, h2.Handle)
	assert.Equal(t, 1, a.dialCount())
	assert.Equal(t, 1, h2.Borrows())
}

func TestAcquire_ClosesAfterAttemptLimit(t *testing.T) {
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		return nil, errors.New("connection refused")
	}}
	m, sleeps := newTestManager(a)

	_, err := m.Acquire(context.Background(), testBackend())
	require.Error(t, err)

	var f *v1alpha1.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, v1alpha1.ErrConnectivity, f.Kind)
	assert.Contains(t, f.Message, "connection refused")
	assert.Equal(t, 5, a.dialCount())

	// Delays double from one second with up to 10% jitter.
	require.Len(t, *sleeps, 4)
	for i, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		assert.GreaterOrEqual(t, (*sleeps)[i], base)
		assert.LessOrEqual(t, (*sleeps)[i], base+base/10)
	}

	handles := m.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, v1alpha1.SessionClosed, handles[0].State())

	// A later acquire starts a fresh handle.
	a.dialFunc = func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		return &mockConn{}, nil
	}
	h, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)
	assert.NotSame(t, handles[0], h.Handle)
	assert.Equal(t, v1alpha1.SessionReady, h.State())
}

func TestAcquire_UnknownCredential(t *testing.T) {
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		return &mockConn{}, nil
	}}
	m, _ := newTestManager(a)
	b := testBackend()
	b.Spec.CredentialRef = "missing"

	_, err := m.Acquire(context.Background(), b)
	require.Error(t, err)
	assert.Zero(t, a.dialCount())
}

func TestMarkDegraded_Reconnects(t *testing.T) {
	var conns []*mockConn
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		c := &mockConn{}
		conns = append(conns, c)
		return c, nil
	}}
	m, _ := newTestManager(a)

	h, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)
	m.Release(h)

	m.MarkDegraded(h, errors.New("broken pipe"))
	assert.Equal(t, v1alpha1.SessionDegraded, h.State())
	assert.Nil(t, h.Handle.Conn())
	assert.True(t, conns[0].closed.Load())

	h2, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)
	assert.Same(t, h.Handle, h2.Handle, "a degraded handle reconnects in place")
	assert.Equal(t, v1alpha1.SessionReady, h2.State())
	assert.Equal(t, 2, a.dialCount())
}

func TestHealthcheck(t *testing.T) {
	conn := &mockConn{}
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		return conn, nil
	}}
	m, _ := newTestManager(a)
	h, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)

	assert.True(t, m.Healthcheck(context.Background(), h.Handle))
	assert.Equal(t, 1, h.Borrows(), "the ping's own lease is returned")

	conn.pingErr = errors.New("keepalive failed")
	m.checkAll(context.Background())
	assert.Equal(t, v1alpha1.SessionDegraded, h.State())
	assert.False(t, m.Healthcheck(context.Background(), h.Handle))
	assert.False(t, conn.closed.Load(), "h still holds the connection")

	m.Release(h)
	assert.True(t, conn.closed.Load())
}

func TestClose(t *testing.T) {
	conn := &mockConn{}
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		return conn, nil
	}}
	m, _ := newTestManager(a)
	h, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)

	m.Release(h)

	require.NoError(t, m.Close())
	assert.Equal(t, v1alpha1.SessionClosed, h.State())
	assert.True(t, conn.closed.Load())
	assert.Empty(t, m.Handles())
}

func TestMarkDegraded_BorrowedConnStaysOpen(t *testing.T) {
	var mu sync.Mutex
	var conns []*mockConn
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		c := &mockConn{}
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}}
	m, _ := newTestManager(a)

	slow, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)
	failing, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)
	require.Same(t, slow.Conn(), failing.Conn())

	m.MarkDegraded(failing, errors.New("broken pipe"))
	m.Release(failing)
	assert.Equal(t, v1alpha1.SessionDegraded, slow.State())
	assert.False(t, conns[0].closed.Load(), "a connection still leased must not be closed")
	assert.Same(t, conns[0], slow.Conn())

	// The next acquire reconnects while slow still runs on the old conn.
	fresh, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)
	assert.NotSame(t, slow.Conn(), fresh.Conn())
	assert.False(t, conns[0].closed.Load())

	m.Release(slow)
	assert.True(t, conns[0].closed.Load())
	assert.False(t, conns[1].closed.Load())
	assert.Equal(t, 1, fresh.Borrows())

	// A failure seen on the retired conn does not degrade its replacement.
	m.MarkDegraded(slow, errors.New("late timeout"))
	assert.Equal(t, v1alpha1.SessionReady, fresh.State())
	m.Release(fresh)
}

func TestRelease_Twice(t *testing.T) {
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		return &mockConn{}, nil
	}}
	m, _ := newTestManager(a)

	l1, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)
	l2, err := m.Acquire(context.Background(), testBackend())
	require.NoError(t, err)

	m.Release(l1)
	m.Release(l1)
	assert.Equal(t, 1, l2.Borrows())
}

func TestAcquire_ConcurrentDegrade(t *testing.T) {
	a := &mockAdapter{dialFunc: func(context.Context, *v1alpha1.Backend, adapter.Secret) (adapter.Conn, error) {
		return &mockConn{}, nil
	}}
	m, _ := newTestManager(a)

	var wg sync.WaitGroup
	var closedInUse atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l, err := m.Acquire(context.Background(), testBackend())
				if err != nil {
					continue
				}
				if i%4 == 0 {
					m.MarkDegraded(l, errors.New("reset by peer"))
				}
				if l.Conn().(*mockConn).closed.Load() {
					closedInUse.Add(1)
				}
				m.Release(l)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, closedInUse.Load())
	for _, h := range m.Handles() {
		assert.Zero(t, h.Borrows())
	}
}

func TestAcquire_JoinerOutlivesFirstCaller(t *testing.T) {
	release := make(chan struct{})
	a := &mockAdapter{dialFunc: func(ctx context.Context, b *v1alpha1.Backend, s adapter.Secret) (adapter.Conn, error) {
		select {
		case <-release:
			return &mockConn{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	m, _ := newTestManager(a)

	firstCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(firstCtx, testBackend())
		firstErr <- err
	}()

	joinerCtx, cancelJoiner := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelJoiner()
	joined := make(chan *Lease, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		l, err := m.Acquire(joinerCtx, testBackend())
		assert.NoError(t, err)
		joined <- l
	}()

	assert.ErrorIs(t, <-firstErr, context.DeadlineExceeded)
	time.Sleep(10 * time.Millisecond)
	close(release)

	l := <-joined
	require.NotNil(t, l)
	assert.Equal(t, v1alpha1.SessionReady, l.State())
	assert.Equal(t, 1, a.dialCount())
	assert.Equal(t, 1, l.Borrows())
}

func TestAcquire_ConnectTimeout(t *testing.T) {
	a := &mockAdapter{dialFunc: func(ctx context.Context, b *v1alpha1.Backend, s adapter.Secret) (adapter.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	opts := DefaultOptions()
	opts.ConnectTimeout = 10 * time.Millisecond
	m := NewManager(adapter.NewRegistry(a), mockCreds{"root": {Username: "root"}}, opts)

	_, err := m.Acquire(context.Background(), testBackend())
	var f *v1alpha1.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, v1alpha1.ErrTimeout, f.Kind)
	assert.Equal(t, 1, a.dialCount())
}

func TestHandleTransitions(t *testing.T) {
	tests := []struct {
		from    v1alpha1.SessionState
		to      v1alpha1.SessionState
		wantErr bool
	}{
		{v1alpha1.SessionConnecting, v1alpha1.SessionReady, false},
		{v1alpha1.SessionConnecting, v1alpha1.SessionDegraded, true},
		{v1alpha1.SessionReady, v1alpha1.SessionDegraded, false},
		{v1alpha1.SessionReady, v1alpha1.SessionConnecting, true},
		{v1alpha1.SessionDegraded, v1alpha1.SessionConnecting, false},
		{v1alpha1.SessionClosed, v1alpha1.SessionConnecting, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			h := newHandle(testBackend(), "k")
			h.state = tt.from
			err := h.transitionLocked(tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tt.from, h.state)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.to, h.state)
		})
	}
}
