// Package session owns pooled connections to backend instances.
//
// The Manager keeps one Handle per backend instance, dials through the
// adapter of the backend's kind, reconnects degraded handles with
// exponential backoff and runs a background health loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/fault"
	"github.com/jbweber/switchyard/internal/logger"
)

// CredentialStore resolves opaque credential references to secret material.
type CredentialStore interface {
	Resolve(ref string) (adapter.Secret, error)
}

// AdapterSource looks up the adapter that dials a backend kind.
type AdapterSource interface {
	Get(kind v1alpha1.BackendKind) (adapter.Adapter, error)
}

// Options tunes connection behaviour.
type Options struct {
	// BaseDelay is the first reconnect delay.
	BaseDelay time.Duration
	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failed dial.
	Factor float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
	// AttemptLimit is the number of dials before a handle is Closed.
	AttemptLimit int
	// HealthInterval is how often Ready handles are pinged by Start.
	HealthInterval time.Duration
	// HealthTimeout bounds one ping.
	HealthTimeout time.Duration
	// ConnectTimeout bounds one connect cycle, all dial attempts included.
	// The cycle is shared by every caller waiting on it, so it does not end
	// with any one caller's context.
	ConnectTimeout time.Duration
}

// DefaultOptions returns the standard reconnect policy.
func DefaultOptions() Options {
	return Options{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Factor:         2,
		Jitter:         0.1,
		AttemptLimit:   5,
		HealthInterval: 30 * time.Second,
		HealthTimeout:  10 * time.Second,
		ConnectTimeout: 2 * time.Minute,
	}
}

func (o Options) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: o.BaseDelay,
		Factor:   o.Factor,
		Jitter:   o.Jitter,
		Steps:    o.AttemptLimit,
		Cap:      o.MaxDelay,
	}
}

// Manager pools handles keyed by backend instance, endpoint and credential.
type Manager struct {
	adapters AdapterSource
	creds    CredentialStore
	opts     Options
	log      *logger.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	group   singleflight.Group

	// sleep waits between dial attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager.
func NewManager(adapters AdapterSource, creds CredentialStore, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.AttemptLimit <= 0 {
		opts.AttemptLimit = defaults.AttemptLimit
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaults.MaxDelay
	}
	if opts.Factor < 1 {
		opts.Factor = defaults.Factor
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaults.HealthInterval
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaults.HealthTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	return &Manager{
		adapters: adapters,
		creds:    creds,
		opts:     opts,
		log:      logger.Get().Named("session"),
		handles:  make(map[string]*Handle),
		sleep:    sleepContext,
	}
}

// Acquire leases a Ready handle for backend, dialing when needed.
// Concurrent acquires for the same backend share one connect cycle, which
// runs under ConnectTimeout rather than any caller's context; each caller
// stops waiting when its own ctx ends. Every successful Acquire must be
// paired with Release.
func (m *Manager) Acquire(ctx context.Context, backend *v1alpha1.Backend) (*Lease, error) {
	key := backend.PoolKey()

	m.mu.Lock()
	if h, ok := m.handles[key]; ok {
		if l, ok := h.lease(); ok {
			m.mu.Unlock()
			return l, nil
		}
	}
	m.mu.Unlock()

	ch := m.group.DoChan(key, func() (interface{}, error) {
		connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ConnectTimeout)
		defer cancel()
		return m.connect(connectCtx, backend, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			m.log.Debugw("joined in-flight connect", "backend", backend.Name)
		}
		h := r.Val.(*Handle)
		l, ok := h.lease()
		if !ok {
			return nil, &v1alpha1.Failure{
				Kind:      v1alpha1.ErrConnectivity,
				Message:   fmt.Sprintf("connection to %s was lost before use: %s", backend.Name, fault.Message(h.LastError())),
				Retryable: true,
			}
		}
		return l, nil
	}
}

// Release returns a lease taken by Acquire. Releasing twice is a no-op.
func (m *Manager) Release(l *Lease) {
	if l == nil {
		return
	}
	if conn := l.Handle.release(l); conn != nil {
		m.closeConn(l.Handle, conn)
	}
}

func (m *Manager) connect(ctx context.Context, backend *v1alpha1.Backend, key string) (*Handle, error) {
	m.mu.Lock()
	h, ok := m.handles[key]
	if !ok || h.State() == v1alpha1.SessionClosed {
		h = newHandle(backend, key)
		m.handles[key] = h
	}
	m.mu.Unlock()

	h.mu.Lock()
	switch h.state {
	case v1alpha1.SessionReady:
		h.mu.Unlock()
		return h, nil
	case v1alpha1.SessionDegraded:
		if err := h.transitionLocked(v1alpha1.SessionConnecting); err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}
	h.attempts = 0
	h.mu.Unlock()

	a, err := m.adapters.Get(backend.Spec.Kind)
	if err != nil {
		m.closeHandle(h, err)
		return nil, &v1alpha1.Failure{Kind: v1alpha1.ErrUnsupported, Message: err.Error()}
	}

	secret, err := m.resolve(backend)
	if err != nil {
		m.closeHandle(h, err)
		return nil, &v1alpha1.Failure{Kind: v1alpha1.ErrConnectivity, Message: err.Error()}
	}

	log := m.log.With("backend", backend.Name, "kind", backend.Spec.Kind, "endpoint", backend.Spec.Endpoint)
	backoff := m.opts.backoff()
	var lastErr error
	for attempt := 1; attempt <= m.opts.AttemptLimit; attempt++ {
		h.mu.Lock()
		h.attempts = attempt
		h.mu.Unlock()

		conn, err := a.Dial(ctx, backend, secret)
		if err == nil {
			if err := h.setReady(conn); err != nil {
				_ = conn.Close()
				return nil, err
			}
			log.Infow("connected", "attempt", attempt)
			return h, nil
		}

		lastErr = err
		log.Warnw("dial failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil || attempt == m.opts.AttemptLimit {
			break
		}
		if err := m.sleep(ctx, backoff.Step()); err != nil {
			break
		}
	}

	m.closeHandle(h, lastErr)
	kind := v1alpha1.ErrConnectivity
	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = v1alpha1.ErrTimeout
	}
	return nil, &v1alpha1.Failure{
		Kind:      kind,
		Message:   fmt.Sprintf("failed to connect to %s after %d attempts: %s", backend.Name, h.Attempts(), fault.Message(lastErr)),
		Retryable: kind.Retryable(),
	}
}

func (m *Manager) resolve(backend *v1alpha1.Backend) (adapter.Secret, error) {
	if backend.Spec.CredentialRef == "" || m.creds == nil {
		return adapter.Secret{}, nil
	}
	secret, err := m.creds.Resolve(backend.Spec.CredentialRef)
	if err != nil {
		return adapter.Secret{}, fmt.Errorf("failed to resolve credential %q: %w", backend.Spec.CredentialRef, err)
	}
	return secret, nil
}

// Healthcheck pings the handle's connection. A failed ping degrades the handle.
func (m *Manager) Healthcheck(ctx context.Context, h *Handle) bool {
	l, ok := h.lease()
	if !ok {
		return false
	}
	defer m.Release(l)
	if err := l.Conn().Ping(ctx); err != nil {
		m.MarkDegraded(l, err)
		return false
	}
	return true
}

// MarkDegraded degrades the handle behind l so the next Acquire reconnects.
// It does nothing when the handle already moved past l's connection. The
// connection is closed once no lease holds it.
func (m *Manager) MarkDegraded(l *Lease, cause error) {
	h := l.Handle
	h.mu.Lock()
	if h.state != v1alpha1.SessionReady || h.conn != l.pc {
		h.mu.Unlock()
		return
	}
	_ = h.transitionLocked(v1alpha1.SessionDegraded)
	h.lastErr = cause
	conn := h.retireLocked()
	h.mu.Unlock()

	m.log.Warnw("handle degraded", "backend", h.backend.Name, "error", cause)
	if conn != nil {
		m.closeConn(h, conn)
	}
}

func (m *Manager) closeConn(h *Handle, conn adapter.Conn) {
	if err := conn.Close(); err != nil {
		m.log.Debugw("failed to close retired connection", "backend", h.backend.Name, "error", err)
	}
}

func (m *Manager) closeHandle(h *Handle, cause error) error {
	h.mu.Lock()
	if h.state == v1alpha1.SessionClosed {
		h.mu.Unlock()
		return nil
	}
	_ = h.transitionLocked(v1alpha1.SessionClosed)
	if cause != nil {
		h.lastErr = cause
	}
	conn := h.retireLocked()
	h.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection to %s: %w", h.backend.Name, err)
	}
	return nil
}

// Handles returns a snapshot of pooled handles.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// Start runs the health loop until ctx ends. Ready handles are pinged every
// HealthInterval and degraded when the ping fails.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	for _, h := range m.Handles() {
		if h.State() != v1alpha1.SessionReady {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
		ok := m.Healthcheck(pingCtx, h)
		cancel()
		if !ok {
			m.log.Infow("health check failed", "backend", h.backend.Name)
		}
	}
}

// Close closes every handle and empties the pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	var result *multierror.Error
	for _, h := range handles {
		if err := m.closeHandle(h, nil); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
