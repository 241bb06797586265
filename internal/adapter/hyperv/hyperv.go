// Package hyperv drives Microsoft Hyper-V hosts with PowerShell over the
// Windows OpenSSH server.
package hyperv

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/adapter/powershell"
	"github.com/jbweber/switchyard/internal/fault"
)

const (
	guestSelect = "Get-VM | Select-Object @{n='Id';e={$_.Id.ToString()}},Name,State,ComputerName," +
		"@{n='IP';e={@($_.NetworkAdapters.IPAddresses)[0]}}"
	hostSelect = "Get-VMHost | Select-Object ComputerName,Name,LogicalProcessorCount,MemoryCapacity," +
		"@{n='Uuid';e={(Get-CimInstance Win32_ComputerSystemProduct).UUID}}"
)

// Hyper-V VMState values.
const (
	stateRunning = 2
	stateOff     = 3
	stateSaved   = 6
	statePaused  = 9
)

var supported = adapter.NewVerbSet(adapter.GuestVerbs...).With(
	v1alpha1.VerbHostRestart,
	v1alpha1.VerbHostSearch,
)

// Adapter implements adapter.Adapter for Hyper-V.
type Adapter struct {
	lifecycle adapter.Lifecycle
	now       func() time.Time
}

// New creates a Hyper-V adapter.
func New(pollInterval time.Duration) *Adapter {
	return &Adapter{
		lifecycle: adapter.Lifecycle{Kind: v1alpha1.BackendHyperV, PollInterval: pollInterval},
		now:       time.Now,
	}
}

// Kind implements adapter.Adapter.
func (a *Adapter) Kind() v1alpha1.BackendKind { return v1alpha1.BackendHyperV }

// Supports implements adapter.Adapter.
func (a *Adapter) Supports(verb v1alpha1.Verb) bool { return supported.Supports(verb) }

// Dial implements adapter.Adapter. The login user defaults to Administrator.
func (a *Adapter) Dial(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (adapter.Conn, error) {
	if secret.Username == "" {
		secret.Username = backend.Option("user", "Administrator")
	}
	return adapter.DialSSH(ctx, backend, secret)
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, conn adapter.Conn, op v1alpha1.Operation) v1alpha1.Result {
	r, ok := conn.(adapter.Runner)
	if !ok {
		return adapter.WrongConn(a.Kind(), conn)
	}
	ps := &session{runner: r, exe: "powershell", backend: op.Backend, now: a.now}

	switch op.Verb {
	case v1alpha1.VerbGuestSearch:
		guests, err := ps.listGuests(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchGuests(op, guests)
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestStop, v1alpha1.VerbGuestSuspend, v1alpha1.VerbGuestResume:
		return a.lifecycle.GuestPower(ctx, op, ps.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return ps.exec(ctx, powerScript(op, g.ID))
		})
	case v1alpha1.VerbGuestAdd:
		return a.lifecycle.GuestAdd(ctx, op, ps.guestLookup(op.Name()), func(ctx context.Context) error {
			return ps.exec(ctx, newVMScript(op))
		})
	case v1alpha1.VerbGuestDel:
		return a.lifecycle.GuestDelete(ctx, op, ps.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			s := powershell.NewScript().Add("$vm = Get-VM -Id %s", powershell.Quote(g.ID))
			if g.Power != v1alpha1.GuestStopped {
				s.Add("Stop-VM -VM $vm -TurnOff -Force")
			}
			s.Add("Remove-VM -VM $vm -Force")
			return ps.exec(ctx, s)
		})
	case v1alpha1.VerbHostSearch:
		hosts, err := ps.listHosts(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchHosts(op, hosts)
	case v1alpha1.VerbHostRestart:
		return ps.restartHost(ctx, op)
	default:
		return v1alpha1.Unsupported(a.Kind(), op.Verb)
	}
}

func powerScript(op v1alpha1.Operation, id string) *powershell.Script {
	s := powershell.NewScript().Add("$vm = Get-VM -Id %s", powershell.Quote(id))
	switch op.Verb {
	case v1alpha1.VerbGuestStart:
		s.Add("Start-VM -VM $vm")
	case v1alpha1.VerbGuestStop:
		if op.ParamBool("force", false) {
			s.Add("Stop-VM -VM $vm -TurnOff -Force")
		} else {
			s.Add("Stop-VM -VM $vm -Force")
		}
	case v1alpha1.VerbGuestSuspend:
		s.Add("Suspend-VM -VM $vm")
	case v1alpha1.VerbGuestResume:
		// Saved guests come back with Start-VM, paused ones with Resume-VM.
		s.Add("if ($vm.State -eq 'Saved') { Start-VM -VM $vm } else { Resume-VM -VM $vm }")
	}
	return s
}

func newVMScript(op v1alpha1.Operation) *powershell.Script {
	memMB := op.ParamInt("memoryMB", 1024)
	gen := op.ParamInt("generation", 2)

	cmd := fmt.Sprintf("New-VM -Name %s -MemoryStartupBytes %dMB -Generation %d", powershell.Quote(op.Name()), memMB, gen)
	if vhd := op.Param("vhdPath", ""); vhd != "" {
		cmd += " -VHDPath " + powershell.Quote(vhd)
	} else {
		cmd += " -NoVHD"
	}
	if sw := op.Param("switch", ""); sw != "" {
		cmd += " -SwitchName " + powershell.Quote(sw)
	}

	s := powershell.NewScript().Add("$vm = %s", cmd)
	if cpus := op.ParamInt("cpus", 0); cpus > 0 {
		s.Add("Set-VMProcessor -VM $vm -Count %d", cpus)
	}
	if gen == 2 && !op.ParamBool("secureBoot", true) {
		s.Add("Set-VMFirmware -VM $vm -EnableSecureBoot Off")
	}
	if op.ParamBool("start", true) {
		s.Add("Start-VM -VM $vm")
	}
	return s
}

// session binds one operation to a connection.
type session struct {
	runner  adapter.Runner
	exe     string
	backend string
	now     func() time.Time
}

func (s *session) run(ctx context.Context, script *powershell.Script) (string, error) {
	stdout, _, err := s.runner.Run(ctx, powershell.Command(s.exe, script.String()))
	return stdout, err
}

func (s *session) exec(ctx context.Context, script *powershell.Script) error {
	_, err := s.run(ctx, script)
	return err
}

func (s *session) listGuests(ctx context.Context) ([]v1alpha1.GuestRecord, error) {
	out, err := s.run(ctx, powershell.NewScript().JSON(guestSelect))
	if err != nil {
		return nil, err
	}
	items, err := powershell.ParseList(out)
	if err != nil {
		return nil, err
	}

	now := v1alpha1.NewTime(s.now())
	guests := make([]v1alpha1.GuestRecord, 0, len(items))
	for _, item := range items {
		id := item.Get("Id").String()
		if id == "" {
			continue
		}
		guests = append(guests, v1alpha1.GuestRecord{
			ID:            id,
			Name:          item.Get("Name").String(),
			HostID:        item.Get("ComputerName").String(),
			Power:         guestPower(item),
			IP:            item.Get("IP").String(),
			Kind:          v1alpha1.BackendHyperV,
			Backend:       s.backend,
			LastRefreshed: now,
		})
	}
	return guests, nil
}

func (s *session) listHosts(ctx context.Context) ([]v1alpha1.HostRecord, error) {
	out, err := s.run(ctx, powershell.NewScript().JSON(hostSelect))
	if err != nil {
		return nil, err
	}
	items, err := powershell.ParseList(out)
	if err != nil {
		return nil, err
	}

	now := v1alpha1.NewTime(s.now())
	hosts := make([]v1alpha1.HostRecord, 0, len(items))
	for _, item := range items {
		name := item.Get("ComputerName").String()
		if name == "" {
			continue
		}
		hosts = append(hosts, v1alpha1.HostRecord{
			ID:   name,
			Name: name,
			// A host answering the query is powered on.
			Power:         v1alpha1.HostOn,
			UUID:          item.Get("Uuid").String(),
			Kind:          v1alpha1.BackendHyperV,
			Backend:       s.backend,
			LastRefreshed: now,
		})
	}
	return hosts, nil
}

func (s *session) guestLookup(key string) adapter.GuestLookup {
	return func(ctx context.Context) (*v1alpha1.GuestRecord, error) {
		guests, err := s.listGuests(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindGuest(guests, key), nil
	}
}

// restartHost reboots the host the session is connected to. The reboot takes
// the connection down with it, so convergence is not observed here: the
// result reports Restarting and the next operation reconnects.
func (s *session) restartHost(ctx context.Context, op v1alpha1.Operation) v1alpha1.Result {
	hosts, err := s.listHosts(ctx)
	if err != nil {
		return fault.Result(err)
	}
	h := adapter.FindHost(hosts, op.Target)
	if op.Target == "" && len(hosts) == 1 {
		h = &hosts[0]
	}
	if h == nil {
		return v1alpha1.Fail(v1alpha1.ErrNotFound, "host %q not found", op.Target)
	}

	if err := s.exec(ctx, powershell.NewScript().Add("Restart-Computer -Force")); err != nil {
		if fault.Kind(err) != v1alpha1.ErrTransient {
			return fault.Result(err)
		}
		// The session dropped because the host is already going down.
	}
	h.Power = v1alpha1.HostRestarting
	h.LastRefreshed = v1alpha1.NewTime(s.now())
	return v1alpha1.HostResult(*h)
}

func guestPower(item gjson.Result) v1alpha1.GuestPowerState {
	code, ok := powershell.StateCode(item, "State")
	if !ok {
		return stateName(item.Get("State").String())
	}
	switch code {
	case stateRunning:
		return v1alpha1.GuestRunning
	case stateOff:
		return v1alpha1.GuestStopped
	case stateSaved, statePaused:
		return v1alpha1.GuestSuspended
	default:
		return v1alpha1.GuestUnknown
	}
}

// stateName maps the string form emitted when enums are serialized by name.
func stateName(s string) v1alpha1.GuestPowerState {
	switch s {
	case "Running":
		return v1alpha1.GuestRunning
	case "Off":
		return v1alpha1.GuestStopped
	case "Saved", "Paused":
		return v1alpha1.GuestSuspended
	default:
		return v1alpha1.GuestUnknown
	}
}
