// Package libvirt drives a single libvirt/KVM hypervisor over the libvirt
// RPC protocol, tunnelled through SSH to the daemon's unix socket.
//
// Each backend instance is one hypervisor, so host verbs are limited to
// host_search. Guests created by guest_add get a qcow2 overlay on a base
// image, an optional cloud-init seed and autostart.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/fault"
	switchyardlibvirt "github.com/jbweber/switchyard/internal/libvirt"
	"github.com/jbweber/switchyard/internal/logger"
	"github.com/jbweber/switchyard/internal/metadata"
	"github.com/jbweber/switchyard/internal/naming"
	"github.com/jbweber/switchyard/internal/storage"
)

// Domain states (VIR_DOMAIN_*).
const (
	stateRunning     = 1
	stateBlocked     = 2
	statePaused      = 3
	stateShutdown    = 4
	stateShutoff     = 5
	stateCrashed     = 6
	statePMSuspended = 7
)

// DefaultShutdownGrace is how long guest_stop waits for an ACPI shutdown
// before destroying the domain.
const DefaultShutdownGrace = 30 * time.Second

var supported = adapter.NewVerbSet(adapter.GuestVerbs...).With(v1alpha1.VerbHostSearch)

// API is the slice of *libvirt.Libvirt the adapter uses.
type API interface {
	storage.LibvirtClient
	metadata.Client

	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) (rDomains []libvirt.Domain, rRet uint32, err error)
	ConnectGetHostname() (string, error)
	ConnectGetCapabilities() (string, error)
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainGetState(Dom libvirt.Domain, Flags uint32) (rState int32, rReason int32, err error)
	DomainInterfaceAddresses(Dom libvirt.Domain, Source uint32, Flags uint32) (rIfaces []libvirt.DomainInterface, err error)
	DomainCreate(Dom libvirt.Domain) error
	DomainShutdown(Dom libvirt.Domain) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainSuspend(Dom libvirt.Domain) error
	DomainResume(Dom libvirt.Domain) error
	DomainPmWakeup(Dom libvirt.Domain, Flags uint32) error
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainSetAutostart(Dom libvirt.Domain, Autostart int32) error
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error
}

// Conn is a libvirt connection handed out by the session manager.
type Conn struct {
	API
	client *switchyardlibvirt.Client
}

// NewConn wraps an API without an owned client. Ping asks for the hostname
// and Close is a no-op.
func NewConn(api API) *Conn {
	return &Conn{API: api}
}

// Ping implements adapter.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx)
	}
	_, err := c.API.ConnectGetHostname()
	return err
}

// Close implements adapter.Conn.
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Adapter implements adapter.Adapter for Libvirt.
type Adapter struct {
	lifecycle adapter.Lifecycle
	grace     time.Duration
	now       func() time.Time
	log       *logger.Logger
}

// New creates a Libvirt adapter polling state at pollInterval.
func New(pollInterval time.Duration) *Adapter {
	return &Adapter{
		lifecycle: adapter.Lifecycle{Kind: v1alpha1.BackendLibvirt, PollInterval: pollInterval},
		grace:     DefaultShutdownGrace,
		now:       time.Now,
		log:       logger.Get().Named("libvirt"),
	}
}

// Kind implements adapter.Adapter.
func (a *Adapter) Kind() v1alpha1.BackendKind { return v1alpha1.BackendLibvirt }

// Supports implements adapter.Adapter.
func (a *Adapter) Supports(verb v1alpha1.Verb) bool { return supported.Supports(verb) }

// Dial implements adapter.Adapter. An endpoint of the form unix:///path
// connects to a daemon on this machine; anything else is an SSH endpoint
// whose remote socket (option "socket") is tunnelled.
func (a *Adapter) Dial(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (adapter.Conn, error) {
	if path, ok := strings.CutPrefix(backend.Spec.Endpoint, "unix://"); ok {
		client, err := switchyardlibvirt.ConnectWithContext(ctx, func() (*switchyardlibvirt.Client, error) {
			return switchyardlibvirt.ConnectLocal(path, 0)
		})
		if err != nil {
			return nil, err
		}
		return &Conn{API: client.Libvirt(), client: client}, nil
	}

	ssh, err := adapter.DialSSH(ctx, backend, secret)
	if err != nil {
		return nil, err
	}
	socket := backend.Option("socket", switchyardlibvirt.DefaultSocket)
	client, err := switchyardlibvirt.ConnectWithContext(ctx, func() (*switchyardlibvirt.Client, error) {
		return switchyardlibvirt.ConnectTunnel(ssh, socket)
	})
	if err != nil {
		_ = ssh.Close()
		return nil, err
	}
	return &Conn{API: client.Libvirt(), client: client}, nil
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, conn adapter.Conn, op v1alpha1.Operation) v1alpha1.Result {
	c, ok := conn.(*Conn)
	if !ok {
		return adapter.WrongConn(a.Kind(), conn)
	}
	v := &virt{api: c.API, backend: op.Backend, now: a.now, grace: a.grace, log: a.log}

	switch op.Verb {
	case v1alpha1.VerbGuestSearch:
		guests, err := v.listGuests(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchGuests(op, guests)
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestStop, v1alpha1.VerbGuestSuspend, v1alpha1.VerbGuestResume:
		return a.lifecycle.GuestPower(ctx, op, v.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return v.guestPower(ctx, op, g)
		})
	case v1alpha1.VerbGuestAdd:
		req, err := newCreateRequest(op)
		if err != nil {
			return fault.Result(err)
		}
		return a.lifecycle.GuestAdd(ctx, op, v.guestLookup(req.name), func(ctx context.Context) error {
			return v.create(ctx, req)
		})
	case v1alpha1.VerbGuestDel:
		pool := op.Param("pool", "")
		return a.lifecycle.GuestDelete(ctx, op, v.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return v.remove(ctx, g, pool)
		})
	case v1alpha1.VerbHostSearch:
		host, err := v.host(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchHosts(op, []v1alpha1.HostRecord{host})
	default:
		return v1alpha1.Unsupported(a.Kind(), op.Verb)
	}
}

// virt binds one operation to a connection.
type virt struct {
	api     API
	backend string
	now     func() time.Time
	grace   time.Duration
	log     *logger.Logger
}

// guestPowerState maps a libvirt domain state.
func guestPowerState(state int32) v1alpha1.GuestPowerState {
	switch state {
	case stateRunning, stateBlocked:
		return v1alpha1.GuestRunning
	case statePaused, statePMSuspended:
		return v1alpha1.GuestSuspended
	case stateShutdown, stateShutoff, stateCrashed:
		return v1alpha1.GuestStopped
	default:
		return v1alpha1.GuestUnknown
	}
}

func (v *virt) host(ctx context.Context) (v1alpha1.HostRecord, error) {
	if err := ctx.Err(); err != nil {
		return v1alpha1.HostRecord{}, err
	}
	hostname, err := v.api.ConnectGetHostname()
	if err != nil {
		return v1alpha1.HostRecord{}, fmt.Errorf("failed to get hostname: %w", err)
	}

	id, hwUUID := hostname, ""
	if capsXML, err := v.api.ConnectGetCapabilities(); err == nil {
		if info, err := switchyardlibvirt.ParseCapabilities(capsXML); err == nil && info.UUID != "" {
			id, hwUUID = info.UUID, info.UUID
		}
	}

	return v1alpha1.HostRecord{
		ID:            id,
		Name:          hostname,
		Power:         v1alpha1.HostOn,
		UUID:          hwUUID,
		Kind:          v1alpha1.BackendLibvirt,
		Backend:       v.backend,
		LastRefreshed: v1alpha1.NewTime(v.now()),
	}, nil
}

func (v *virt) listGuests(ctx context.Context) ([]v1alpha1.GuestRecord, error) {
	host, err := v.host(ctx)
	if err != nil {
		return nil, err
	}

	// NeedResults 1 populates the slice; flags 0 lists active and inactive.
	domains, _, err := v.api.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	now := v1alpha1.NewTime(v.now())
	guests := make([]v1alpha1.GuestRecord, 0, len(domains))
	for _, dom := range domains {
		power := v1alpha1.GuestUnknown
		if state, _, err := v.api.DomainGetState(dom, 0); err == nil {
			power = guestPowerState(state)
		} else if libvirt.IsNotFound(err) {
			// Undefined between the listing and the state read.
			continue
		}
		id := uuid.UUID(dom.UUID).String()
		ip := ""
		if power == v1alpha1.GuestRunning {
			ip = v.guestIP(dom)
		}
		guests = append(guests, v1alpha1.GuestRecord{
			ID:            id,
			Name:          dom.Name,
			HostID:        host.ID,
			Power:         power,
			IP:            ip,
			UUID:          id,
			Kind:          v1alpha1.BackendLibvirt,
			Backend:       v.backend,
			LastRefreshed: now,
		})
	}
	return guests, nil
}

// guestIP returns the first address the host has seen for the guest.
// Guests on bridged static addresses hold no DHCP lease, so the ARP table
// is asked rather than the lease database. Failures leave the field empty.
func (v *virt) guestIP(dom libvirt.Domain) string {
	ifaces, err := v.api.DomainInterfaceAddresses(dom, uint32(libvirt.DomainInterfaceAddressesSrcArp), 0)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Addr != "" {
				return addr.Addr
			}
		}
	}
	return ""
}

func (v *virt) guestLookup(key string) adapter.GuestLookup {
	return func(ctx context.Context) (*v1alpha1.GuestRecord, error) {
		guests, err := v.listGuests(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindGuest(guests, key), nil
	}
}

func (v *virt) domain(g v1alpha1.GuestRecord) (libvirt.Domain, error) {
	dom, err := v.api.DomainLookupByName(g.Name)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to look up domain %s: %w", g.Name, err)
	}
	return dom, nil
}

func (v *virt) guestPower(ctx context.Context, op v1alpha1.Operation, g v1alpha1.GuestRecord) error {
	dom, err := v.domain(g)
	if err != nil {
		return err
	}

	switch op.Verb {
	case v1alpha1.VerbGuestStart:
		return v.api.DomainCreate(dom)
	case v1alpha1.VerbGuestStop:
		if op.ParamBool("force", false) {
			return v.api.DomainDestroy(dom)
		}
		grace := v.grace
		if d, err := time.ParseDuration(op.Param("grace", "")); err == nil {
			grace = d
		}
		return v.shutdown(ctx, dom, grace)
	case v1alpha1.VerbGuestSuspend:
		return v.api.DomainSuspend(dom)
	case v1alpha1.VerbGuestResume:
		state, _, err := v.api.DomainGetState(dom, 0)
		if err != nil {
			return err
		}
		if state == statePMSuspended {
			return v.api.DomainPmWakeup(dom, 0)
		}
		return v.api.DomainResume(dom)
	default:
		return fmt.Errorf("verb %s is not a power verb", op.Verb)
	}
}

// shutdownPoll bounds how often shutdown reads the domain state.
const shutdownPoll = 500 * time.Millisecond

// shutdown asks the guest to power off and destroys it when it has not
// done so within grace. The state is read before the first wait and again
// before destroying, so a guest that is already off is never destroyed.
func (v *virt) shutdown(ctx context.Context, dom libvirt.Domain, grace time.Duration) error {
	if v.shutOff(dom) {
		return nil
	}
	if err := v.api.DomainShutdown(dom); err != nil {
		if v.shutOff(dom) {
			return nil
		}
		v.log.Warnw("graceful shutdown failed, destroying", "domain", dom.Name, "error", err)
		return v.api.DomainDestroy(dom)
	}

	interval := shutdownPoll
	if grace > 0 && grace < interval {
		interval = grace
	}
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := wait.PollUntilContextCancel(graceCtx, interval, true, func(context.Context) (bool, error) {
		return v.shutOff(dom), nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if v.shutOff(dom) {
		return nil
	}
	v.log.Infow("graceful shutdown timed out, destroying", "domain", dom.Name, "grace", grace)
	return v.api.DomainDestroy(dom)
}

func (v *virt) shutOff(dom libvirt.Domain) bool {
	state, _, err := v.api.DomainGetState(dom, 0)
	if err != nil {
		v.log.Warnw("failed to check shutdown state", "domain", dom.Name, "error", err)
		return false
	}
	return guestPowerState(state) == v1alpha1.GuestStopped
}

// remove destroys and undefines the domain, then deletes its volumes.
// The provisioning record written by guest_add names the pool and volumes;
// without one, the names guest_add would have used are removed from pool
// (or the default guest pool). Volume cleanup is best-effort.
func (v *virt) remove(ctx context.Context, g v1alpha1.GuestRecord, pool string) error {
	dom, err := v.domain(g)
	if err != nil {
		return err
	}

	record, err := metadata.Load(v.api, dom)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		v.log.Debugw("failed to read provisioning metadata", "domain", dom.Name, "error", err)
	}
	if pool == "" {
		pool = storage.DefaultGuestPool
		if record != nil && record.Pool != "" {
			pool = record.Pool
		}
	}

	if g.Power != v1alpha1.GuestStopped {
		if err := v.api.DomainDestroy(dom); err != nil {
			v.log.Debugw("destroy before undefine failed", "domain", dom.Name, "error", err)
		}
	}

	if err := v.api.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
		return fmt.Errorf("failed to undefine domain %s: %w", dom.Name, err)
	}

	volumes := naming.GuestVolumes(g.Name)
	if record != nil && len(record.Volumes) > 0 {
		volumes = record.Volumes
	}
	deleted, err := storage.NewManager(v.api).DeleteVolumes(ctx, pool, volumes)
	if err != nil {
		v.log.Warnw("failed to delete some guest volumes", "domain", dom.Name, "pool", pool, "error", err)
	}
	v.log.Infow("guest removed", "domain", dom.Name, "pool", pool, "volumes", deleted)
	return nil
}
