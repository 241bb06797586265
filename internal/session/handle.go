package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
)

// validTransitions lists the states each state may move to.
var validTransitions = map[v1alpha1.SessionState][]v1alpha1.SessionState{
	v1alpha1.SessionConnecting: {v1alpha1.SessionReady, v1alpha1.SessionClosed},
	v1alpha1.SessionReady:      {v1alpha1.SessionDegraded, v1alpha1.SessionClosed},
	v1alpha1.SessionDegraded:   {v1alpha1.SessionConnecting, v1alpha1.SessionClosed},
}

// pooledConn is one dialed connection and the leases holding it. A retired
// connection is closed when its last lease is released.
type pooledConn struct {
	adapter.Conn
	borrows int
	retired bool
}

// Lease is one borrow of a Ready handle. The connection it carries stays
// open until the lease is released, even when the handle degrades and
// reconnects in the meantime.
type Lease struct {
	*Handle
	pc       *pooledConn
	released bool
}

// Conn returns the connection borrowed by the lease.
func (l *Lease) Conn() adapter.Conn { return l.pc.Conn }

// Handle is a pooled connection to one backend instance.
type Handle struct {
	backend *v1alpha1.Backend
	key     string

	mu          sync.Mutex
	state       v1alpha1.SessionState
	conn        *pooledConn
	borrows     int
	attempts    int
	lastErr     error
	connectedAt time.Time
}

func newHandle(backend *v1alpha1.Backend, key string) *Handle {
	return &Handle{backend: backend, key: key, state: v1alpha1.SessionConnecting}
}

// Backend returns the backend instance the handle connects to.
func (h *Handle) Backend() *v1alpha1.Backend { return h.backend }

// Key returns the pool key.
func (h *Handle) Key() string { return h.key }

// State returns the current state.
func (h *Handle) State() v1alpha1.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Conn returns the live connection, or nil when the handle is not Ready.
func (h *Handle) Conn() adapter.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != v1alpha1.SessionReady || h.conn == nil {
		return nil
	}
	return h.conn.Conn
}

// Borrows returns the number of outstanding leases.
func (h *Handle) Borrows() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.borrows
}

// Attempts returns the number of dials made by the last connect cycle.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// LastError returns the most recent dial or health error.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// ConnectedAt returns when the handle last became Ready.
func (h *Handle) ConnectedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectedAt
}

// transitionLocked moves the handle to state. Callers hold h.mu.
func (h *Handle) transitionLocked(to v1alpha1.SessionState) error {
	for _, allowed := range validTransitions[h.state] {
		if allowed == to {
			h.state = to
			return nil
		}
	}
	return fmt.Errorf("cannot transition handle %s from %s to %s", h.backend.Name, h.state, to)
}

func (h *Handle) setReady(conn adapter.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.transitionLocked(v1alpha1.SessionReady); err != nil {
		return err
	}
	h.conn = &pooledConn{Conn: conn}
	h.lastErr = nil
	h.connectedAt = time.Now()
	return nil
}

// retireLocked detaches the live connection. It is returned for closing
// outside the lock unless leases still hold it, in which case the last
// release closes it. Callers hold h.mu.
func (h *Handle) retireLocked() adapter.Conn {
	pc := h.conn
	h.conn = nil
	if pc == nil {
		return nil
	}
	pc.retired = true
	if pc.borrows > 0 {
		return nil
	}
	return pc.Conn
}

// lease borrows the live connection, failing when the handle is not Ready.
func (h *Handle) lease() (*Lease, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != v1alpha1.SessionReady || h.conn == nil {
		return nil, false
	}
	h.conn.borrows++
	h.borrows++
	return &Lease{Handle: h, pc: h.conn}, true
}

// release returns l's borrow and hands back its connection when l was the
// last lease on a retired connection.
func (h *Handle) release(l *Lease) adapter.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	l.pc.borrows--
	h.borrows--
	if l.pc.retired && l.pc.borrows == 0 {
		return l.pc.Conn
	}
	return nil
}
