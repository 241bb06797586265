// Package inventory caches host and guest listings per backend instance.
//
// Listings are read through the dispatch core: a miss submits a full
// search, and every full search that completes through the dispatcher
// refreshes the cache. Mutations, in-flight cancellations and timed-out
// mutations invalidate the backend's entries. The cache is for listing
// only; add/del existence checks always query the backend.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/dispatch"
	"github.com/jbweber/switchyard/internal/logger"
)

// DefaultTTL is how long a listing is served before it is refetched.
const DefaultTTL = 30 * time.Second

// Dispatcher is the part of the dispatch core the cache reads through.
type Dispatcher interface {
	Submit(ctx context.Context, op v1alpha1.Operation) v1alpha1.Result
	Backends() []*v1alpha1.Backend
}

// Records is a filtered listing from one backend.
type Records struct {
	Backend string                 `json:"backend" yaml:"backend"`
	Hosts   []v1alpha1.HostRecord  `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Guests  []v1alpha1.GuestRecord `json:"guests,omitempty" yaml:"guests,omitempty"`
	// FetchedAt is when the underlying search started.
	FetchedAt time.Time `json:"fetchedAt" yaml:"fetchedAt"`
	// Cached is true when no search ran for this call.
	Cached bool `json:"cached" yaml:"cached"`
}

type key struct {
	backend string
	kind    v1alpha1.RecordKind
}

func (k key) String() string { return k.backend + "/" + string(k.kind) }

type entry struct {
	hosts     []v1alpha1.HostRecord
	guests    []v1alpha1.GuestRecord
	fetchedAt time.Time
	expires   time.Time
}

// Cache is a read-through TTL cache of full listings.
type Cache struct {
	dispatcher Dispatcher
	ttl        time.Duration
	log        *logger.Logger
	now        func() time.Time

	mu          sync.Mutex
	entries     map[key]entry
	invalidated map[string]time.Time
	group       singleflight.Group
}

// New creates a Cache. A non-positive ttl uses DefaultTTL.
func New(d Dispatcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		dispatcher:  d,
		ttl:         ttl,
		log:         logger.Get().Named("inventory"),
		now:         time.Now,
		entries:     make(map[key]entry),
		invalidated: make(map[string]time.Time),
	}
}

// Get returns the filtered listing of kind records on backend, searching
// the backend when the cached listing is missing or expired. Concurrent
// misses for the same listing share one search.
func (c *Cache) Get(ctx context.Context, backend string, kind v1alpha1.RecordKind, filter v1alpha1.Filter) (Records, error) {
	k := key{backend: backend, kind: kind}
	if e, ok := c.lookup(k); ok {
		return filtered(backend, e, filter, true), nil
	}

	v, err, _ := c.group.Do(k.String(), func() (interface{}, error) {
		if e, ok := c.lookup(k); ok {
			return e, nil
		}
		return c.fetch(ctx, k)
	})
	if err != nil {
		return Records{}, err
	}
	return filtered(backend, v.(entry), filter, false), nil
}

// Refresh drops the cached listing and fetches it again.
func (c *Cache) Refresh(ctx context.Context, backend string, kind v1alpha1.RecordKind, filter v1alpha1.Filter) (Records, error) {
	k := key{backend: backend, kind: kind}
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
	return c.Get(ctx, backend, kind, filter)
}

// GetAll runs Get against every configured backend in parallel. Backends
// that fail are reported in the returned map and left out of the listing.
func (c *Cache) GetAll(ctx context.Context, kind v1alpha1.RecordKind, filter v1alpha1.Filter, refresh bool) ([]Records, map[string]error) {
	return c.List(ctx, "", kind, filter, refresh)
}

// List is GetAll restricted to backends of backendKind. An empty
// backendKind selects every backend.
func (c *Cache) List(ctx context.Context, backendKind v1alpha1.BackendKind, kind v1alpha1.RecordKind, filter v1alpha1.Filter, refresh bool) ([]Records, map[string]error) {
	var backends []*v1alpha1.Backend
	for _, b := range c.dispatcher.Backends() {
		if backendKind == "" || b.Spec.Kind == backendKind {
			backends = append(backends, b)
		}
	}
	out := make([]Records, len(backends))
	errs := make([]error, len(backends))

	var g errgroup.Group
	for i, b := range backends {
		i, name := i, b.Name
		g.Go(func() error {
			get := c.Get
			if refresh {
				get = c.Refresh
			}
			out[i], errs[i] = get(ctx, name, kind, filter)
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]error)
	records := make([]Records, 0, len(backends))
	for i, b := range backends {
		if errs[i] != nil {
			failed[b.Name] = errs[i]
			continue
		}
		records = append(records, out[i])
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Backend < records[j].Backend })
	return records, failed
}

func (c *Cache) lookup(k key) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok || !c.now().Before(e.expires) {
		return entry{}, false
	}
	return e, true
}

func (c *Cache) fetch(ctx context.Context, k key) (entry, error) {
	b, ok := c.backend(k.backend)
	if !ok {
		return entry{}, fmt.Errorf("unknown backend %q", k.backend)
	}
	op := v1alpha1.NewOperation(b.Spec.Kind, v1alpha1.SearchVerb(k.kind), "")
	op.Backend = k.backend

	start := c.now()
	res := c.dispatcher.Submit(ctx, op)
	if !res.OK() {
		return entry{}, res.Err()
	}
	e := entry{hosts: res.Hosts, guests: res.Guests, fetchedAt: start, expires: start.Add(c.ttl)}
	c.store(k, e)
	return e, nil
}

func (c *Cache) backend(name string) (*v1alpha1.Backend, bool) {
	for _, b := range c.dispatcher.Backends() {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// store keeps e unless the backend was invalidated after the search that
// produced it started.
func (c *Cache) store(k key, e entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inv, ok := c.invalidated[k.backend]; ok && e.fetchedAt.Before(inv) {
		return false
	}
	if cur, ok := c.entries[k]; ok && cur.fetchedAt.After(e.fetchedAt) {
		return false
	}
	c.entries[k] = e
	return true
}

// Invalidate drops every listing of backend. A search already in flight
// will not repopulate it.
func (c *Cache) Invalidate(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.backend == backend {
			delete(c.entries, k)
		}
	}
	c.invalidated[backend] = c.now()
	c.log.Debugw("invalidated", "backend", backend)
}

// Len returns the number of cached listings, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Observe implements dispatch.Observer.
func (c *Cache) Observe(e dispatch.Event) {
	op := e.Operation
	switch e.Type {
	case dispatch.EventCompleted:
		if op.Verb.IsMutating() {
			c.Invalidate(op.Backend)
			return
		}
		if op.Target == "" {
			start := c.now().Add(-e.Duration)
			k := key{backend: op.Backend, kind: op.Verb.RecordKind()}
			c.store(k, entry{hosts: e.Result.Hosts, guests: e.Result.Guests, fetchedAt: start, expires: start.Add(c.ttl)})
		}
	case dispatch.EventCancelled:
		if e.Phase == v1alpha1.PhaseDispatched || e.Phase == v1alpha1.PhaseExecuting {
			c.Invalidate(op.Backend)
		}
	case dispatch.EventFailed:
		if op.Verb.IsMutating() && e.Result.ErrorKind() == v1alpha1.ErrTimeout {
			c.Invalidate(op.Backend)
		}
	}
}

// Start sweeps expired listings every interval until ctx ends.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.deleteExpired()
		}
	}
}

func (c *Cache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	// A search may run for up to the host verb timeout, so invalidation
	// marks outlive it.
	for b, t := range c.invalidated {
		if now.Sub(t) > c.ttl+v1alpha1.DefaultHostTimeout {
			delete(c.invalidated, b)
		}
	}
	return n
}

func filtered(backend string, e entry, f v1alpha1.Filter, cached bool) Records {
	r := Records{Backend: backend, FetchedAt: e.fetchedAt, Cached: cached}
	for _, h := range e.hosts {
		if h.Matches(f) {
			r.Hosts = append(r.Hosts, h)
		}
	}
	for _, g := range e.guests {
		if g.Matches(f) {
			r.Guests = append(r.Guests, g)
		}
	}
	return r
}
