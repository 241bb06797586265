// Package xen drives XenServer and XCP-ng pools through the xe CLI on the
// pool master.
package xen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/fault"
)

const (
	vmParams   = "params=uuid,name-label,power-state,resident-on,networks"
	hostParams = "params=uuid,name-label,enabled,host-metrics-live,address"
)

var supported = adapter.NewVerbSet(adapter.GuestVerbs...).With(
	v1alpha1.VerbHostDel,
	v1alpha1.VerbHostStart,
	v1alpha1.VerbHostStop,
	v1alpha1.VerbHostRestart,
	v1alpha1.VerbHostSearch,
)

// Adapter implements adapter.Adapter for XEN.
type Adapter struct {
	lifecycle adapter.Lifecycle
	now       func() time.Time
}

// New creates a XEN adapter polling state at pollInterval.
func New(pollInterval time.Duration) *Adapter {
	return &Adapter{
		lifecycle: adapter.Lifecycle{Kind: v1alpha1.BackendXEN, PollInterval: pollInterval},
		now:       time.Now,
	}
}

// Kind implements adapter.Adapter.
func (a *Adapter) Kind() v1alpha1.BackendKind { return v1alpha1.BackendXEN }

// Supports implements adapter.Adapter. host_add is not offered: joining a
// pool is run from the joining host, not the master.
func (a *Adapter) Supports(verb v1alpha1.Verb) bool { return supported.Supports(verb) }

// Dial implements adapter.Adapter.
func (a *Adapter) Dial(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (adapter.Conn, error) {
	return adapter.DialSSH(ctx, backend, secret)
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, conn adapter.Conn, op v1alpha1.Operation) v1alpha1.Result {
	r, ok := conn.(adapter.Runner)
	if !ok {
		return adapter.WrongConn(a.Kind(), conn)
	}
	x := &xe{runner: r, backend: op.Backend, now: a.now}

	switch op.Verb {
	case v1alpha1.VerbGuestSearch:
		guests, err := x.listGuests(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchGuests(op, guests)
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestStop, v1alpha1.VerbGuestSuspend, v1alpha1.VerbGuestResume:
		return a.lifecycle.GuestPower(ctx, op, x.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return x.guestPower(ctx, op, g)
		})
	case v1alpha1.VerbGuestAdd:
		template := op.Param("template", "")
		if template == "" {
			return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "guest_add requires the template parameter")
		}
		return a.lifecycle.GuestAdd(ctx, op, x.guestLookup(op.Name()), func(ctx context.Context) error {
			return x.install(ctx, op, template)
		})
	case v1alpha1.VerbGuestDel:
		return a.lifecycle.GuestDelete(ctx, op, x.guestLookup(op.Target), x.uninstall)
	case v1alpha1.VerbHostSearch:
		hosts, err := x.listHosts(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchHosts(op, hosts)
	case v1alpha1.VerbHostStart, v1alpha1.VerbHostStop, v1alpha1.VerbHostRestart:
		return a.lifecycle.HostPower(ctx, op, x.hostLookup(op.Target), func(ctx context.Context, h v1alpha1.HostRecord) error {
			return x.hostPower(ctx, op.Verb, h)
		})
	case v1alpha1.VerbHostDel:
		return a.lifecycle.HostDelete(ctx, op, x.hostLookup(op.Target), func(ctx context.Context, h v1alpha1.HostRecord) error {
			_, err := x.run(ctx, "host-forget", "uuid="+h.ID, "--force")
			return err
		})
	default:
		return v1alpha1.Unsupported(a.Kind(), op.Verb)
	}
}

// xe binds one operation to a connection.
type xe struct {
	runner  adapter.Runner
	backend string
	now     func() time.Time
}

func (x *xe) run(ctx context.Context, args ...string) (string, error) {
	return adapter.RunQuoted(ctx, x.runner, append([]string{"xe"}, args...)...)
}

func (x *xe) listGuests(ctx context.Context) ([]v1alpha1.GuestRecord, error) {
	out, err := x.run(ctx, "vm-list", "is-control-domain=false", "is-a-snapshot=false", vmParams)
	if err != nil {
		return nil, err
	}
	records, err := adapter.ParseRecords(out)
	if err != nil {
		return nil, err
	}

	now := v1alpha1.NewTime(x.now())
	guests := make([]v1alpha1.GuestRecord, 0, len(records))
	for _, rec := range records {
		if rec["uuid"] == "" {
			continue
		}
		guests = append(guests, v1alpha1.GuestRecord{
			ID:            rec["uuid"],
			Name:          rec["name-label"],
			HostID:        hostRef(rec["resident-on"]),
			Power:         guestPower(rec["power-state"]),
			IP:            guestIP(rec["networks"]),
			UUID:          rec["uuid"],
			Kind:          v1alpha1.BackendXEN,
			Backend:       x.backend,
			LastRefreshed: now,
		})
	}
	return guests, nil
}

func (x *xe) listHosts(ctx context.Context) ([]v1alpha1.HostRecord, error) {
	out, err := x.run(ctx, "host-list", hostParams)
	if err != nil {
		return nil, err
	}
	records, err := adapter.ParseRecords(out)
	if err != nil {
		return nil, err
	}

	now := v1alpha1.NewTime(x.now())
	hosts := make([]v1alpha1.HostRecord, 0, len(records))
	for _, rec := range records {
		if rec["uuid"] == "" {
			continue
		}
		hosts = append(hosts, v1alpha1.HostRecord{
			ID:            rec["uuid"],
			Name:          rec["name-label"],
			Power:         hostPower(rec["enabled"], rec["host-metrics-live"]),
			IP:            rec["address"],
			Kind:          v1alpha1.BackendXEN,
			Backend:       x.backend,
			LastRefreshed: now,
		})
	}
	return hosts, nil
}

func (x *xe) guestLookup(key string) adapter.GuestLookup {
	return func(ctx context.Context) (*v1alpha1.GuestRecord, error) {
		guests, err := x.listGuests(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindGuest(guests, key), nil
	}
}

func (x *xe) hostLookup(key string) adapter.HostLookup {
	return func(ctx context.Context) (*v1alpha1.HostRecord, error) {
		hosts, err := x.listHosts(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindHost(hosts, key), nil
	}
}

func (x *xe) guestPower(ctx context.Context, op v1alpha1.Operation, g v1alpha1.GuestRecord) error {
	uuid := "uuid=" + g.ID
	var err error
	switch op.Verb {
	case v1alpha1.VerbGuestStart:
		_, err = x.run(ctx, "vm-start", uuid)
	case v1alpha1.VerbGuestStop:
		args := []string{"vm-shutdown", uuid}
		if op.ParamBool("force", false) {
			args = append(args, "force=true")
		}
		_, err = x.run(ctx, args...)
	case v1alpha1.VerbGuestSuspend:
		_, err = x.run(ctx, "vm-suspend", uuid)
	case v1alpha1.VerbGuestResume:
		// Paused and suspended guests both read as Suspended but resume differently.
		state, perr := x.run(ctx, "vm-param-get", uuid, "param-name=power-state")
		if perr != nil {
			return perr
		}
		if strings.TrimSpace(state) == "paused" {
			_, err = x.run(ctx, "vm-unpause", uuid)
		} else {
			_, err = x.run(ctx, "vm-resume", uuid)
		}
	default:
		return fmt.Errorf("unexpected verb %s", op.Verb)
	}
	return err
}

func (x *xe) install(ctx context.Context, op v1alpha1.Operation, template string) error {
	args := []string{"vm-install", "template=" + template, "new-name-label=" + op.Name()}
	if sr := op.Param("sr", ""); sr != "" {
		args = append(args, "sr-uuid="+sr)
	}
	out, err := x.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to install %s: %w", op.Name(), err)
	}
	uuid := strings.TrimSpace(out)
	if uuid == "" {
		return &v1alpha1.Failure{Kind: v1alpha1.ErrParseError, Message: "vm-install returned no uuid"}
	}
	if op.ParamBool("start", true) {
		if _, err := x.run(ctx, "vm-start", "uuid="+uuid); err != nil {
			return fmt.Errorf("failed to start %s: %w", op.Name(), err)
		}
	}
	return nil
}

func (x *xe) uninstall(ctx context.Context, g v1alpha1.GuestRecord) error {
	if g.Power != v1alpha1.GuestStopped {
		if _, err := x.run(ctx, "vm-shutdown", "uuid="+g.ID, "force=true"); err != nil {
			return fmt.Errorf("failed to shut down %s: %w", g.Name, err)
		}
	}
	_, err := x.run(ctx, "vm-uninstall", "uuid="+g.ID, "force=true")
	return err
}

func (x *xe) hostPower(ctx context.Context, verb v1alpha1.Verb, h v1alpha1.HostRecord) error {
	uuid := "uuid=" + h.ID
	switch verb {
	case v1alpha1.VerbHostStart:
		_, err := x.run(ctx, "host-power-on", uuid)
		return err
	case v1alpha1.VerbHostStop:
		if _, err := x.run(ctx, "host-disable", uuid); err != nil {
			return err
		}
		_, err := x.run(ctx, "host-shutdown", uuid)
		return err
	case v1alpha1.VerbHostRestart:
		if _, err := x.run(ctx, "host-disable", uuid); err != nil {
			return err
		}
		_, err := x.run(ctx, "host-reboot", uuid)
		return err
	default:
		return fmt.Errorf("unexpected verb %s", verb)
	}
}

func guestPower(state string) v1alpha1.GuestPowerState {
	switch strings.ToLower(state) {
	case "running":
		return v1alpha1.GuestRunning
	case "halted":
		return v1alpha1.GuestStopped
	case "suspended", "paused":
		return v1alpha1.GuestSuspended
	default:
		return v1alpha1.GuestUnknown
	}
}

func hostPower(enabled, live string) v1alpha1.HostPowerState {
	if live == "false" {
		return v1alpha1.HostOff
	}
	switch enabled {
	case "true":
		return v1alpha1.HostOn
	case "false":
		return v1alpha1.HostOff
	default:
		return v1alpha1.HostUnknown
	}
}

// guestIP picks the first IPv4 address from the networks map the guest
// agent reports, "0/ip: 10.0.0.5; 0/ipv4/0: 10.0.0.5; 0/ipv6/0: fe80::1".
func guestIP(networks string) string {
	var v6 string
	for _, entry := range strings.Split(networks, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch {
		case strings.HasSuffix(key, "/ip"), strings.Contains(key, "/ipv4/"):
			return value
		case strings.Contains(key, "/ipv6/") && v6 == "":
			v6 = value
		}
	}
	return v6
}

func hostRef(v string) string {
	if strings.HasPrefix(v, "<") {
		// "<not in database>" for halted guests.
		return ""
	}
	return v
}
