package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/fault"
)

// DefaultPollInterval is how often live state is re-read while converging.
const DefaultPollInterval = 2 * time.Second

// restartSettlePolls is how many poll intervals a restarted host gets to
// leave On when Lifecycle.RestartSettle is unset.
const restartSettlePolls = 15

// GuestLookup reads the live guest. It returns nil and no error when the
// guest does not exist.
type GuestLookup func(ctx context.Context) (*v1alpha1.GuestRecord, error)

// GuestAction performs a vendor call against the current guest.
type GuestAction func(ctx context.Context, current v1alpha1.GuestRecord) error

// HostLookup reads the live host. It returns nil and no error when the host
// does not exist.
type HostLookup func(ctx context.Context) (*v1alpha1.HostRecord, error)

// HostAction performs a vendor call against the current host.
type HostAction func(ctx context.Context, current v1alpha1.HostRecord) error

// Lifecycle applies the idempotence and convergence policy around
// adapter-specific lookups and actions.
type Lifecycle struct {
	Kind         v1alpha1.BackendKind
	PollInterval time.Duration
	// RestartSettle bounds the wait for a restarted host to leave On. A
	// host that reboots between two polls is never seen down; once the
	// window passes it is taken as restarted.
	RestartSettle time.Duration
}

func (l Lifecycle) interval() time.Duration {
	if l.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return l.PollInterval
}

func (l Lifecycle) restartSettle() time.Duration {
	if l.RestartSettle > 0 {
		return l.RestartSettle
	}
	return restartSettlePolls * l.interval()
}

// DesiredGuestState returns the power state a guest power verb converges to.
func DesiredGuestState(verb v1alpha1.Verb) (v1alpha1.GuestPowerState, bool) {
	switch verb {
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestResume:
		return v1alpha1.GuestRunning, true
	case v1alpha1.VerbGuestStop:
		return v1alpha1.GuestStopped, true
	case v1alpha1.VerbGuestSuspend:
		return v1alpha1.GuestSuspended, true
	default:
		return "", false
	}
}

// guestPrecondition rejects transitions the platforms cannot perform.
func guestPrecondition(verb v1alpha1.Verb, current v1alpha1.GuestPowerState) error {
	switch {
	case verb == v1alpha1.VerbGuestSuspend && current == v1alpha1.GuestStopped:
		return fmt.Errorf("cannot suspend a stopped guest")
	case verb == v1alpha1.VerbGuestResume && current == v1alpha1.GuestStopped:
		return fmt.Errorf("cannot resume a stopped guest")
	case verb == v1alpha1.VerbGuestStart && current == v1alpha1.GuestSuspended:
		return fmt.Errorf("cannot start a suspended guest, resume it instead")
	}
	return nil
}

// GuestPower runs start, stop, suspend or resume.
//
// A guest already in the desired state yields Success without calling act.
// Otherwise act runs and the live state is polled until it matches.
func (l Lifecycle) GuestPower(ctx context.Context, op v1alpha1.Operation, lookup GuestLookup, act GuestAction) v1alpha1.Result {
	desired, ok := DesiredGuestState(op.Verb)
	if !ok {
		return v1alpha1.Unsupported(l.Kind, op.Verb)
	}

	current, err := lookup(ctx)
	if err != nil {
		return fault.Result(err)
	}
	if current == nil {
		return v1alpha1.Fail(v1alpha1.ErrNotFound, "guest %q not found", op.Target)
	}
	if current.Power == desired {
		return v1alpha1.GuestResult(*current)
	}
	if err := guestPrecondition(op.Verb, current.Power); err != nil {
		return v1alpha1.Fail(v1alpha1.ErrInvalidState, "guest %q is %s: %v", op.Target, current.Power, err)
	}

	if actErr := act(ctx, *current); actErr != nil {
		// The vendor may reject the call because another actor already got
		// the guest where we wanted it.
		if again, err := lookup(ctx); err == nil && again != nil && again.Power == desired {
			return v1alpha1.GuestResult(*again)
		}
		return fault.Result(actErr)
	}

	final, err := l.convergeGuest(ctx, lookup, func(g *v1alpha1.GuestRecord) bool {
		return g != nil && g.Power == desired
	})
	if err != nil {
		return l.convergeFailure(op, err, fmt.Sprintf("did not reach %s", desired))
	}
	return v1alpha1.GuestResult(*final)
}

// GuestAdd checks that no guest with the name exists, creates it and waits
// until it is visible.
func (l Lifecycle) GuestAdd(ctx context.Context, op v1alpha1.Operation, lookup GuestLookup, create func(ctx context.Context) error) v1alpha1.Result {
	existing, err := lookup(ctx)
	if err != nil {
		return fault.Result(err)
	}
	if existing != nil {
		return v1alpha1.Fail(v1alpha1.ErrAlreadyExists, "guest %q already exists", op.Name())
	}

	if err := create(ctx); err != nil {
		return fault.Result(err)
	}

	created, err := l.convergeGuest(ctx, lookup, func(g *v1alpha1.GuestRecord) bool { return g != nil })
	if err != nil {
		return l.convergeFailure(op, err, "is not visible")
	}
	return v1alpha1.GuestResult(*created)
}

// GuestDelete removes a guest. Deleting an absent guest succeeds.
func (l Lifecycle) GuestDelete(ctx context.Context, op v1alpha1.Operation, lookup GuestLookup, remove GuestAction) v1alpha1.Result {
	current, err := lookup(ctx)
	if err != nil {
		return fault.Result(err)
	}
	if current == nil {
		return v1alpha1.Success()
	}

	if err := remove(ctx, *current); err != nil {
		if again, lerr := lookup(ctx); lerr == nil && again == nil {
			return v1alpha1.Success()
		}
		return fault.Result(err)
	}

	if _, err := l.convergeGuest(ctx, lookup, func(g *v1alpha1.GuestRecord) bool { return g == nil }); err != nil {
		return l.convergeFailure(op, err, "is still present")
	}
	return v1alpha1.Success()
}

// HostPower runs host start, stop or restart. Start and stop are idempotent;
// restart always acts, waits for the host to go down and then waits for it
// to come back On.
func (l Lifecycle) HostPower(ctx context.Context, op v1alpha1.Operation, lookup HostLookup, act HostAction) v1alpha1.Result {
	var desired v1alpha1.HostPowerState
	switch op.Verb {
	case v1alpha1.VerbHostStart, v1alpha1.VerbHostRestart:
		desired = v1alpha1.HostOn
	case v1alpha1.VerbHostStop:
		desired = v1alpha1.HostOff
	default:
		return v1alpha1.Unsupported(l.Kind, op.Verb)
	}

	current, err := lookup(ctx)
	if err != nil {
		return fault.Result(err)
	}
	if current == nil {
		return v1alpha1.Fail(v1alpha1.ErrNotFound, "host %q not found", op.Target)
	}
	if op.Verb != v1alpha1.VerbHostRestart && current.Power == desired {
		return v1alpha1.HostResult(*current)
	}
	if op.Verb == v1alpha1.VerbHostRestart && current.Power == v1alpha1.HostOff {
		return v1alpha1.Fail(v1alpha1.ErrInvalidState, "host %q is Off, start it instead", op.Target)
	}

	if actErr := act(ctx, *current); actErr != nil {
		if op.Verb != v1alpha1.VerbHostRestart {
			if again, err := lookup(ctx); err == nil && again != nil && again.Power == desired {
				return v1alpha1.HostResult(*again)
			}
		}
		return fault.Result(actErr)
	}
	if op.Verb == v1alpha1.VerbHostRestart {
		return l.awaitRestart(ctx, op, lookup)
	}

	final, err := l.convergeHost(ctx, lookup, func(h *v1alpha1.HostRecord) bool {
		return h != nil && h.Power == desired
	})
	if err != nil {
		return l.convergeFailure(op, err, fmt.Sprintf("did not reach %s", desired))
	}
	return v1alpha1.HostResult(*final)
}

// awaitRestart polls a restarted host until it has left On and is On again.
// While it is down the vendor may fail lookups outright, as when the host
// is itself the endpoint, so connectivity failures count as down.
func (l Lifecycle) awaitRestart(ctx context.Context, op v1alpha1.Operation, lookup HostLookup) v1alpha1.Result {
	settleCtx, cancel := context.WithTimeout(ctx, l.restartSettle())
	err := wait.PollUntilContextCancel(settleCtx, l.interval(), true, func(ctx context.Context) (bool, error) {
		h, err := lookup(ctx)
		if err != nil {
			if hostUnreachable(err) {
				return true, nil
			}
			return false, err
		}
		return h == nil || h.Power != v1alpha1.HostOn, nil
	})
	cancel()
	if ctx.Err() != nil {
		return l.convergeFailure(op, ctx.Err(), "did not go down")
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fault.Result(err)
	}

	var last *v1alpha1.HostRecord
	err = wait.PollUntilContextCancel(ctx, l.interval(), true, func(ctx context.Context) (bool, error) {
		h, err := lookup(ctx)
		if err != nil {
			if hostUnreachable(err) {
				return false, nil
			}
			return false, err
		}
		last = h
		return h != nil && h.Power == v1alpha1.HostOn, nil
	})
	if err != nil {
		return l.convergeFailure(op, err, fmt.Sprintf("did not reach %s", v1alpha1.HostOn))
	}
	return v1alpha1.HostResult(*last)
}

func hostUnreachable(err error) bool {
	switch fault.Kind(err) {
	case v1alpha1.ErrConnectivity, v1alpha1.ErrTimeout, v1alpha1.ErrTransient:
		return true
	}
	return false
}

// HostAdd checks that the host is not yet registered, registers it and
// waits until it is visible.
func (l Lifecycle) HostAdd(ctx context.Context, op v1alpha1.Operation, lookup HostLookup, create func(ctx context.Context) error) v1alpha1.Result {
	existing, err := lookup(ctx)
	if err != nil {
		return fault.Result(err)
	}
	if existing != nil {
		return v1alpha1.Fail(v1alpha1.ErrAlreadyExists, "host %q already exists", op.Name())
	}
	if err := create(ctx); err != nil {
		return fault.Result(err)
	}
	added, err := l.convergeHost(ctx, lookup, func(h *v1alpha1.HostRecord) bool { return h != nil })
	if err != nil {
		return l.convergeFailure(op, err, "is not visible")
	}
	return v1alpha1.HostResult(*added)
}

// HostDelete removes a host. Removing an absent host succeeds.
func (l Lifecycle) HostDelete(ctx context.Context, op v1alpha1.Operation, lookup HostLookup, remove HostAction) v1alpha1.Result {
	current, err := lookup(ctx)
	if err != nil {
		return fault.Result(err)
	}
	if current == nil {
		return v1alpha1.Success()
	}
	if err := remove(ctx, *current); err != nil {
		return fault.Result(err)
	}
	if _, err := l.convergeHost(ctx, lookup, func(h *v1alpha1.HostRecord) bool { return h == nil }); err != nil {
		return l.convergeFailure(op, err, "is still present")
	}
	return v1alpha1.Success()
}

func (l Lifecycle) convergeGuest(ctx context.Context, lookup GuestLookup, done func(*v1alpha1.GuestRecord) bool) (*v1alpha1.GuestRecord, error) {
	var last *v1alpha1.GuestRecord
	err := wait.PollUntilContextCancel(ctx, l.interval(), true, func(ctx context.Context) (bool, error) {
		g, err := lookup(ctx)
		if err != nil {
			if fault.Kind(err) == v1alpha1.ErrTransient {
				return false, nil
			}
			return false, err
		}
		last = g
		return done(g), nil
	})
	return last, err
}

func (l Lifecycle) convergeHost(ctx context.Context, lookup HostLookup, done func(*v1alpha1.HostRecord) bool) (*v1alpha1.HostRecord, error) {
	var last *v1alpha1.HostRecord
	err := wait.PollUntilContextCancel(ctx, l.interval(), true, func(ctx context.Context) (bool, error) {
		h, err := lookup(ctx)
		if err != nil {
			if fault.Kind(err) == v1alpha1.ErrTransient {
				return false, nil
			}
			return false, err
		}
		last = h
		return done(h), nil
	})
	return last, err
}

func (l Lifecycle) convergeFailure(op v1alpha1.Operation, err error, what string) v1alpha1.Result {
	r := fault.Result(err)
	if r.ErrorKind() == v1alpha1.ErrTimeout {
		return v1alpha1.Fail(v1alpha1.ErrTimeout, "%s %q %s before the deadline", op.Verb.RecordKind(), op.Name(), what)
	}
	return r
}

// SearchGuests narrows a full listing to the operation target. A search with
// a target that matches nothing is NotFound.
func SearchGuests(op v1alpha1.Operation, all []v1alpha1.GuestRecord) v1alpha1.Result {
	if op.Target == "" {
		return v1alpha1.GuestResult(all...)
	}
	var out []v1alpha1.GuestRecord
	for _, g := range all {
		if g.ID == op.Target || g.Name == op.Target {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		return v1alpha1.Fail(v1alpha1.ErrNotFound, "guest %q not found", op.Target)
	}
	return v1alpha1.GuestResult(out...)
}

// SearchHosts narrows a full listing to the operation target.
func SearchHosts(op v1alpha1.Operation, all []v1alpha1.HostRecord) v1alpha1.Result {
	if op.Target == "" {
		return v1alpha1.HostResult(all...)
	}
	var out []v1alpha1.HostRecord
	for _, h := range all {
		if h.ID == op.Target || h.Name == op.Target {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return v1alpha1.Fail(v1alpha1.ErrNotFound, "host %q not found", op.Target)
	}
	return v1alpha1.HostResult(out...)
}

// FindGuest returns the guest whose id or name equals key, or nil.
func FindGuest(all []v1alpha1.GuestRecord, key string) *v1alpha1.GuestRecord {
	for i := range all {
		if all[i].ID == key || all[i].Name == key {
			g := all[i]
			return &g
		}
	}
	return nil
}

// FindHost returns the host whose id or name equals key, or nil.
func FindHost(all []v1alpha1.HostRecord, key string) *v1alpha1.HostRecord {
	for i := range all {
		if all[i].ID == key || all[i].Name == key {
			h := all[i]
			return &h
		}
	}
	return nil
}
