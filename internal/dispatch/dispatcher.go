// Package dispatch routes operations to backend adapters.
//
// Every operation passes the same pipeline: validation, backend resolution,
// the Unsupported check, the backend's rate limiter and worker slot, the
// per-target lock, a pooled connection, and the backend's circuit breaker.
// Transient failures are retried locally. The whole pipeline, queue wait
// included, is bounded by the operation timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/fault"
	"github.com/jbweber/switchyard/internal/logger"
	"github.com/jbweber/switchyard/internal/naming"
	"github.com/jbweber/switchyard/internal/session"
	"github.com/jbweber/switchyard/internal/status"
)

// Sessions hands out pooled connections. *session.Manager satisfies it.
type Sessions interface {
	Acquire(ctx context.Context, backend *v1alpha1.Backend) (*session.Lease, error)
	Release(l *session.Lease)
	MarkDegraded(l *session.Lease, cause error)
	Healthcheck(ctx context.Context, h *session.Handle) bool
}

// Options tunes retries and the circuit breaker.
type Options struct {
	// MaxRetries is how many times a Transient failure is retried after the
	// first attempt. Add verbs are never retried; their Transient failures
	// are returned as Retryable for the caller to decide.
	MaxRetries int
	// RetryBackoff spaces retries. Steps is ignored.
	RetryBackoff wait.Backoff
	// BreakerThreshold is the number of consecutive Connectivity failures
	// that open a backend's circuit.
	BreakerThreshold uint32
	// BreakerCooldown is how long an open circuit rejects operations before
	// letting one probe through.
	BreakerCooldown time.Duration
}

// DefaultOptions returns the standard dispatch policy.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		RetryBackoff: wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Cap:      5 * time.Second,
		},
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// backendState is the per-instance throttling and breaker state.
type backendState struct {
	backend *v1alpha1.Backend
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher is the dispatch core.
type Dispatcher struct {
	adapters session.AdapterSource
	sessions Sessions
	opts     Options
	log      *logger.Logger

	backends map[string]*backendState
	names    []string

	locks     *lockTable
	observers observers

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Dispatcher for the given backend inventory.
func New(backends []*v1alpha1.Backend, adapters session.AdapterSource, sessions Sessions, opts Options) (*Dispatcher, error) {
	defaults := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff.Duration <= 0 {
		opts.RetryBackoff = defaults.RetryBackoff
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = defaults.BreakerThreshold
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaults.BreakerCooldown
	}

	d := &Dispatcher{
		adapters: adapters,
		sessions: sessions,
		opts:     opts,
		log:      logger.Get().Named("dispatch"),
		backends: make(map[string]*backendState, len(backends)),
		locks:    newLockTable(),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, b := range backends {
		if b.Name == "" {
			return nil, fmt.Errorf("backend of kind %s has no name", b.Spec.Kind)
		}
		if _, dup := d.backends[b.Name]; dup {
			return nil, fmt.Errorf("duplicate backend %q", b.Name)
		}
		d.backends[b.Name] = d.newBackendState(b)
		d.names = append(d.names, b.Name)
	}
	sort.Strings(d.names)
	return d, nil
}

func (d *Dispatcher) newBackendState(b *v1alpha1.Backend) *backendState {
	limit := rate.Inf
	burst := 1
	if b.Spec.RateLimit > 0 {
		limit = rate.Limit(b.Spec.RateLimit)
		if b.Spec.RateLimit > 1 {
			burst = int(b.Spec.RateLimit)
		}
	}

	threshold := d.opts.BreakerThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.Name,
		MaxRequests: 1,
		Timeout:     d.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || fault.Kind(err) != v1alpha1.ErrConnectivity
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warnw("circuit state changed", "backend", name, "from", from.String(), "to", to.String())
		},
	})

	return &backendState{
		backend: b,
		limiter: rate.NewLimiter(limit, burst),
		slots:   semaphore.NewWeighted(int64(b.GetMaxSessions())),
		breaker: breaker,
	}
}

// AddObserver registers an observer for every subsequent event.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers.add(o)
}

// Backends returns the configured backends sorted by name.
func (d *Dispatcher) Backends() []*v1alpha1.Backend {
	out := make([]*v1alpha1.Backend, 0, len(d.names))
	for _, n := range d.names {
		out = append(out, d.backends[n].backend)
	}
	return out
}

// Backend returns the named backend.
func (d *Dispatcher) Backend(name string) (*v1alpha1.Backend, bool) {
	st, ok := d.backends[name]
	if !ok {
		return nil, false
	}
	return st.backend, true
}

// Submit runs op and blocks until it reaches a terminal phase.
func (d *Dispatcher) Submit(ctx context.Context, op v1alpha1.Operation) v1alpha1.Result {
	return d.Enqueue(ctx, op).Wait()
}

// Enqueue starts op in the background and returns its ticket.
func (d *Dispatcher) Enqueue(ctx context.Context, op v1alpha1.Operation) *Ticket {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(ctx)
	t := newTicket(op, cancel)
	d.observers.publish(Event{Type: EventSubmitted, Operation: op, Phase: v1alpha1.PhaseQueued})

	go func() {
		defer cancel()
		start := d.now()
		op, res := d.run(ctx, t)
		res.OperationID = op.ID
		res.Verb = op.Verb
		res.Target = op.Target
		res.Backend = op.Backend

		phase := t.Phase()
		if err := status.Finish(t, res); err != nil {
			d.log.Errorw("invalid phase transition", "op", op.ID, "error", err)
		}
		// Observers see the outcome before the caller does, so a cache
		// invalidated by this event is already stale when Wait returns.
		d.observers.publish(Event{
			Type:      terminalEvent(res),
			Operation: op,
			Result:    res,
			Phase:     phase,
			Attempt:   res.Attempts,
			Duration:  d.now().Sub(start),
		})
		t.finish(res)
	}()
	return t
}

func terminalEvent(r v1alpha1.Result) EventType {
	switch {
	case r.OK():
		return EventCompleted
	case r.ErrorKind() == v1alpha1.ErrCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}

// run executes the pipeline and returns the resolved operation with its result.
func (d *Dispatcher) run(ctx context.Context, t *Ticket) (v1alpha1.Operation, v1alpha1.Result) {
	op := t.op
	if res, ok := validate(op); !ok {
		return op, res
	}

	st, res, ok := d.resolve(op)
	if !ok {
		return op, res
	}
	op.Backend = st.backend.Name
	op.Kind = st.backend.Spec.Kind

	a, err := d.adapters.Get(op.Kind)
	if err != nil {
		return op, v1alpha1.Fail(v1alpha1.ErrUnsupported, "%v", err)
	}
	if !a.Supports(op.Verb) {
		return op, v1alpha1.Unsupported(op.Kind, op.Verb)
	}

	ctx, cancel := context.WithTimeout(ctx, op.EffectiveTimeout())
	defer cancel()

	if err := st.limiter.Wait(ctx); err != nil {
		return op, interrupted(ctx, op)
	}
	if err := st.slots.Acquire(ctx, 1); err != nil {
		return op, interrupted(ctx, op)
	}
	unlock := func() {}
	if op.Verb.IsMutating() {
		key := naming.TargetKey(op.Backend, string(op.Verb.RecordKind()), targetOf(op))
		if unlock, err = d.locks.acquire(ctx, key); err != nil {
			st.slots.Release(1)
			return op, interrupted(ctx, op)
		}
	}
	release := func() {
		unlock()
		st.slots.Release(1)
	}

	if err := status.TransitionToDispatched(t); err != nil {
		release()
		return op, v1alpha1.Fail(v1alpha1.ErrUnknown, "%v", err)
	}

	res, pending := d.attempts(ctx, t, st, a, op)
	if pending != nil {
		// The adapter outlived the deadline or was cancelled; keep the slot
		// and target lock until it returns.
		go func() {
			<-pending
			release()
		}()
	} else {
		release()
	}
	return op, res
}

func (d *Dispatcher) attempts(ctx context.Context, t *Ticket, st *backendState, a adapter.Adapter, op v1alpha1.Operation) (v1alpha1.Result, <-chan struct{}) {
	backoff := d.opts.RetryBackoff
	backoff.Steps = d.opts.MaxRetries + 1
	start := d.now()

	for attempt := 1; ; attempt++ {
		if attempt > 1 && t.Phase() == v1alpha1.PhaseExecuting {
			if err := status.TransitionToDispatched(t); err != nil {
				return v1alpha1.Fail(v1alpha1.ErrUnknown, "%v", err), nil
			}
		}

		res, pending := d.attempt(ctx, t, st, a, op)
		res.Attempts = attempt
		if pending != nil || res.ErrorKind() != v1alpha1.ErrTransient || attempt > d.opts.MaxRetries || op.Verb.IsAdd() {
			return res, pending
		}

		d.observers.publish(Event{
			Type:      EventRetry,
			Operation: op,
			Result:    res,
			Phase:     t.Phase(),
			Attempt:   attempt,
			Duration:  d.now().Sub(start),
		})
		if err := d.sleep(ctx, backoff.Step()); err != nil {
			r := interrupted(ctx, op)
			r.Attempts = attempt
			return r, nil
		}
	}
}

// attempt runs one adapter invocation through the backend's circuit breaker.
func (d *Dispatcher) attempt(ctx context.Context, t *Ticket, st *backendState, a adapter.Adapter, op v1alpha1.Operation) (v1alpha1.Result, <-chan struct{}) {
	var (
		res     v1alpha1.Result
		pending <-chan struct{}
	)
	_, err := st.breaker.Execute(func() (interface{}, error) {
		res, pending = d.invoke(ctx, t, st, a, op)
		return nil, res.Err()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return v1alpha1.Fail(v1alpha1.ErrConnectivity, "backend %s is unavailable: %v", st.backend.Name, err), nil
	}
	return res, pending
}

func (d *Dispatcher) invoke(ctx context.Context, t *Ticket, st *backendState, a adapter.Adapter, op v1alpha1.Operation) (v1alpha1.Result, <-chan struct{}) {
	l, err := d.sessions.Acquire(ctx, st.backend)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx, op), nil
		}
		return fault.Result(err), nil
	}
	if err := status.TransitionToExecuting(t); err != nil {
		d.sessions.Release(l)
		return v1alpha1.Fail(v1alpha1.ErrUnknown, "%v", err), nil
	}

	out := make(chan v1alpha1.Result, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer d.sessions.Release(l)
		out <- a.Execute(ctx, l.Conn(), op)
	}()

	select {
	case res := <-out:
		<-finished
		switch res.ErrorKind() {
		case v1alpha1.ErrConnectivity, v1alpha1.ErrTimeout:
			d.sessions.MarkDegraded(l, res.Err())
		}
		return res, nil
	case <-ctx.Done():
		res := interrupted(ctx, op)
		if res.ErrorKind() == v1alpha1.ErrTimeout {
			d.sessions.MarkDegraded(l, res.Err())
		}
		return res, finished
	}
}

func validate(op v1alpha1.Operation) (v1alpha1.Result, bool) {
	if _, err := v1alpha1.ParseVerb(string(op.Verb)); err != nil {
		return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "%v", err), false
	}
	if op.Kind == "" && op.Backend == "" {
		return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "operation names neither a backend kind nor a backend"), false
	}
	if op.Kind != "" {
		if _, err := v1alpha1.ParseBackendKind(string(op.Kind)); err != nil {
			return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "%v", err), false
		}
	}
	if op.Timeout < 0 {
		return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "timeout must not be negative"), false
	}
	if op.Verb.IsMutating() && targetOf(op) == "" {
		return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "%s requires a target", op.Verb), false
	}
	return v1alpha1.Result{}, true
}

// targetOf returns the id the operation serializes on. Add verbs may name
// the new record through the "name" param instead of the target.
func targetOf(op v1alpha1.Operation) string {
	switch op.Verb {
	case v1alpha1.VerbGuestAdd, v1alpha1.VerbHostAdd:
		return op.Name()
	}
	return op.Target
}

func (d *Dispatcher) resolve(op v1alpha1.Operation) (*backendState, v1alpha1.Result, bool) {
	if op.Backend != "" {
		st, ok := d.backends[op.Backend]
		if !ok {
			return nil, v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "unknown backend %q", op.Backend), false
		}
		if op.Kind != "" && st.backend.Spec.Kind != op.Kind {
			return nil, v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "backend %q is %s, not %s",
				op.Backend, st.backend.Spec.Kind.DisplayName(), op.Kind.DisplayName()), false
		}
		return st, v1alpha1.Result{}, true
	}

	var matches []*backendState
	for _, n := range d.names {
		if st := d.backends[n]; st.backend.Spec.Kind == op.Kind {
			matches = append(matches, st)
		}
	}
	switch len(matches) {
	case 0:
		return nil, v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "no %s backend is configured", op.Kind.DisplayName()), false
	case 1:
		return matches[0], v1alpha1.Result{}, true
	default:
		return nil, v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "%d %s backends are configured, name one",
			len(matches), op.Kind.DisplayName()), false
	}
}

// interrupted is the result for an operation whose context ended. Anything
// other than an explicit cancel is the operation deadline.
func interrupted(ctx context.Context, op v1alpha1.Operation) v1alpha1.Result {
	if errors.Is(ctx.Err(), context.Canceled) {
		return v1alpha1.Fail(v1alpha1.ErrCancelled, "%s %s was cancelled", op.Verb, op.Target)
	}
	return v1alpha1.Fail(v1alpha1.ErrTimeout, "%s %s did not finish within %s", op.Verb, op.Target, op.EffectiveTimeout())
}

// SearchAll runs the search verb for kind against every configured backend
// whose adapter supports it, in parallel. Results are ordered by backend
// name. The error is non-nil only when ctx ends first.
func (d *Dispatcher) SearchAll(ctx context.Context, kind v1alpha1.RecordKind) ([]v1alpha1.Result, error) {
	verb := v1alpha1.SearchVerb(kind)
	results := make([]v1alpha1.Result, len(d.names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range d.names {
		i, name := i, name
		g.Go(func() error {
			op := v1alpha1.NewOperation(d.backends[name].backend.Spec.Kind, verb, "")
			op.Backend = name
			res := d.Submit(gctx, op)
			results[i] = res
			if res.ErrorKind() == v1alpha1.ErrCancelled {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// TestConnection acquires a handle for the named backend and pings it.
func (d *Dispatcher) TestConnection(ctx context.Context, name string) (*session.Handle, error) {
	st, ok := d.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	l, err := d.sessions.Acquire(ctx, st.backend)
	if err != nil {
		return nil, err
	}
	defer d.sessions.Release(l)
	if !d.sessions.Healthcheck(ctx, l.Handle) {
		return l.Handle, fmt.Errorf("health check of %s failed: %w", name, l.LastError())
	}
	return l.Handle, nil
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
