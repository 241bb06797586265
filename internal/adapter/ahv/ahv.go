// Package ahv drives Nutanix AHV clusters through the Prism REST v2 API.
//
// Every mutating call returns a task that is polled to completion through
// /tasks/poll before the operation is considered done.
package ahv

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/fault"
)

var supported = adapter.NewVerbSet(adapter.GuestVerbs...).With(v1alpha1.VerbHostSearch)

// Adapter implements adapter.Adapter for AHV.
type Adapter struct {
	lifecycle adapter.Lifecycle
	now       func() time.Time
}

// New creates an AHV adapter.
func New(pollInterval time.Duration) *Adapter {
	return &Adapter{
		lifecycle: adapter.Lifecycle{Kind: v1alpha1.BackendAHV, PollInterval: pollInterval},
		now:       time.Now,
	}
}

// Kind implements adapter.Adapter.
func (a *Adapter) Kind() v1alpha1.BackendKind { return v1alpha1.BackendAHV }

// Supports implements adapter.Adapter.
func (a *Adapter) Supports(verb v1alpha1.Verb) bool { return supported.Supports(verb) }

// BaseURL turns a backend endpoint into the REST v2 base URL. A bare host
// gets https and the Prism port.
func BaseURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		base := strings.TrimRight(endpoint, "/")
		if !strings.Contains(base, "/api/") {
			base += APIPath
		}
		return base, nil
	}
	host, port := endpoint, strconv.Itoa(DefaultPort)
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		host, port = h, p
	}
	return "https://" + net.JoinHostPort(host, port) + APIPath, nil
}

// Dial implements adapter.Adapter.
func (a *Adapter) Dial(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (adapter.Conn, error) {
	base, err := BaseURL(backend.Spec.Endpoint)
	if err != nil {
		return nil, err
	}
	retries, err := strconv.Atoi(backend.Option("retries", strconv.Itoa(defaultRetries)))
	if err != nil {
		return nil, fmt.Errorf("invalid retries option: %w", err)
	}

	client := NewClient(base, secret.Username, secret.Password, ClientOptions{
		Insecure: backend.Option("insecure", "false") == "true",
		Retries:  retries,
	})
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, conn adapter.Conn, op v1alpha1.Operation) v1alpha1.Result {
	c, ok := conn.(*Client)
	if !ok {
		return adapter.WrongConn(a.Kind(), conn)
	}
	p := &prism{client: c, backend: op.Backend, now: a.now}

	switch op.Verb {
	case v1alpha1.VerbGuestSearch:
		guests, err := p.listGuests(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchGuests(op, guests)
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestStop, v1alpha1.VerbGuestSuspend, v1alpha1.VerbGuestResume:
		transition := powerTransition(op)
		return a.lifecycle.GuestPower(ctx, op, p.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return c.SetPowerState(ctx, g.ID, transition)
		})
	case v1alpha1.VerbGuestAdd:
		spec, err := vmSpec(op)
		if err != nil {
			return fault.Result(err)
		}
		return a.lifecycle.GuestAdd(ctx, op, p.guestLookup(op.Name()), func(ctx context.Context) error {
			return c.CreateVM(ctx, spec)
		})
	case v1alpha1.VerbGuestDel:
		return a.lifecycle.GuestDelete(ctx, op, p.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return c.DeleteVM(ctx, g.ID)
		})
	case v1alpha1.VerbHostSearch:
		hosts, err := p.listHosts(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchHosts(op, hosts)
	default:
		return v1alpha1.Unsupported(a.Kind(), op.Verb)
	}
}

// powerTransition maps a power verb to a set_power_state transition. Stop
// is a hard power off unless the graceful param asks for ACPI shutdown.
func powerTransition(op v1alpha1.Operation) string {
	switch op.Verb {
	case v1alpha1.VerbGuestStart:
		return "ON"
	case v1alpha1.VerbGuestStop:
		if op.ParamBool("graceful", false) {
			return "ACPI_SHUTDOWN"
		}
		return "OFF"
	case v1alpha1.VerbGuestSuspend:
		return "SUSPEND"
	case v1alpha1.VerbGuestResume:
		return "RESUME"
	}
	return ""
}

func guestPowerState(s string) v1alpha1.GuestPowerState {
	switch strings.ToLower(s) {
	case "on":
		return v1alpha1.GuestRunning
	case "off":
		return v1alpha1.GuestStopped
	case "suspended", "paused":
		return v1alpha1.GuestSuspended
	default:
		return v1alpha1.GuestUnknown
	}
}

func hostPowerState(state string) v1alpha1.HostPowerState {
	switch s := strings.ToUpper(state); {
	case s == "NORMAL":
		return v1alpha1.HostOn
	case strings.Contains(s, "MAINTENANCE"), s == "OFFLINE", s == "DOWN":
		return v1alpha1.HostOff
	default:
		return v1alpha1.HostUnknown
	}
}

type prism struct {
	client  *Client
	backend string
	now     func() time.Time
}

func (p *prism) listGuests(ctx context.Context) ([]v1alpha1.GuestRecord, error) {
	vms, err := p.client.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	now := v1alpha1.NewTime(p.now())
	guests := make([]v1alpha1.GuestRecord, 0, len(vms))
	for _, vm := range vms {
		id := vm.Get("uuid").String()
		if id == "" {
			continue
		}
		guests = append(guests, v1alpha1.GuestRecord{
			ID:            id,
			Name:          vm.Get("name").String(),
			HostID:        vm.Get("host_uuid").String(),
			Power:         guestPowerState(vm.Get("power_state").String()),
			IP:            vm.Get("vm_nics.#(ip_address!=\"\").ip_address").String(),
			UUID:          id,
			Kind:          v1alpha1.BackendAHV,
			Backend:       p.backend,
			LastRefreshed: now,
		})
	}
	return guests, nil
}

func (p *prism) listHosts(ctx context.Context) ([]v1alpha1.HostRecord, error) {
	hosts, err := p.client.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	now := v1alpha1.NewTime(p.now())
	out := make([]v1alpha1.HostRecord, 0, len(hosts))
	for _, h := range hosts {
		id := h.Get("uuid").String()
		if id == "" {
			continue
		}
		out = append(out, v1alpha1.HostRecord{
			ID:            id,
			Name:          h.Get("name").String(),
			Power:         hostPowerState(h.Get("state").String()),
			IP:            h.Get("hypervisor_address").String(),
			Cluster:       h.Get("cluster_uuid").String(),
			Kind:          v1alpha1.BackendAHV,
			Backend:       p.backend,
			LastRefreshed: now,
		})
	}
	return out, nil
}

func (p *prism) guestLookup(key string) adapter.GuestLookup {
	return func(ctx context.Context) (*v1alpha1.GuestRecord, error) {
		guests, err := p.listGuests(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindGuest(guests, key), nil
	}
}

func invalid(format string, args ...interface{}) error {
	return &v1alpha1.Failure{Kind: v1alpha1.ErrInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// vmSpec renders the create body: the VM clones the disk named by "image"
// (a vmdisk uuid) and, when "network" is set, gets one NIC on it.
func vmSpec(op v1alpha1.Operation) ([]byte, error) {
	name := op.Name()
	image := op.Param("image", "")
	memoryMB := op.ParamInt("memoryMB", 2048)
	cpus := op.ParamInt("cpus", 2)
	cores := op.ParamInt("coresPerCPU", 1)
	switch {
	case name == "":
		return nil, invalid("guest_add requires a name")
	case image == "":
		return nil, invalid("guest_add requires an image disk uuid")
	case memoryMB <= 0 || cpus <= 0 || cores <= 0:
		return nil, invalid("memoryMB, cpus and coresPerCPU must be positive")
	}

	disk, _ := sjson.SetBytes(nil, "vm_disk_clone.disk_address.vmdisk_uuid", image)
	disk, _ = sjson.SetBytes(disk, "disk_address.device_bus", op.Param("diskBus", "scsi"))
	if size := op.ParamInt("diskGB", 0); size > 0 {
		disk, _ = sjson.SetBytes(disk, "vm_disk_clone.minimum_size", int64(size)<<30)
	}

	body, _ := sjson.SetBytes(nil, "name", name)
	body, _ = sjson.SetBytes(body, "memory_mb", memoryMB)
	body, _ = sjson.SetBytes(body, "num_vcpus", cpus)
	body, _ = sjson.SetBytes(body, "num_cores_per_vcpu", cores)
	if desc := op.Param("description", ""); desc != "" {
		body, _ = sjson.SetBytes(body, "description", desc)
	}
	body, _ = sjson.SetRawBytes(body, "vm_disks", append(append([]byte("["), disk...), ']'))
	if network := op.Param("network", ""); network != "" {
		nic, _ := sjson.SetBytes(nil, "network_uuid", network)
		body, _ = sjson.SetRawBytes(body, "vm_nics", append(append([]byte("["), nic...), ']'))
	}

	if !gjson.ValidBytes(body) {
		return nil, invalid("failed to render VM spec")
	}
	return body, nil
}
