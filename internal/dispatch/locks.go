package dispatch

import (
	"context"
	"sync"
)

// targetLock is a context-aware mutex shared by everyone contending for one
// target. refs counts holders plus waiters.
type targetLock struct {
	ch   chan struct{}
	refs int
}

// lockTable serializes operations per target key. Entries are created on
// first use and removed when the last holder or waiter leaves.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*targetLock
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*targetLock)}
}

// acquire blocks until the lock for key is held or ctx ends. The returned
// func releases the lock and must be called exactly once.
func (t *lockTable) acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	l, ok := t.entries[key]
	if !ok {
		l = &targetLock{ch: make(chan struct{}, 1)}
		t.entries[key] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				t.leave(key, l)
			})
		}, nil
	case <-ctx.Done():
		t.leave(key, l)
		return nil, ctx.Err()
	}
}

func (t *lockTable) leave(key string, l *targetLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.entries, key)
	}
}

// size returns the number of live entries.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
