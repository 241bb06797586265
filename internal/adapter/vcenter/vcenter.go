// Package vcenter drives VMware vCenter with PowerCLI running under pwsh on
// an SSH-reachable jump host.
//
// Every script starts with Connect-VIServer; PowerCLI sessions do not
// survive between SSH sessions.
package vcenter

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
	guestSelect = "Get-VM | Select-Object Id,Name,PowerState,@{n='VMHost';e={$_.VMHost.Name}}," +
		"@{n='Uuid';e={$_.ExtensionData.Config.Uuid}},@{n='IP';e={@($_.Guest.IPAddress)[0]}}"
	hostSelect = "Get-VMHost | Select-Object Id,Name,@{n='PowerState';e={\"$($_.PowerState)\"}},@{n='ConnectionState';e={\"$($_.ConnectionState)\"}}," +
		"@{n='Uuid';e={$_.ExtensionData.Hardware.SystemInfo.Uuid}},@{n='Cluster';e={$_.Parent.Name}}," +
		"@{n='IP';e={@(Get-VMHostNetworkAdapter -VMHost $_ -VMKernel -ErrorAction SilentlyContinue)[0].IP}}"
)

// PowerCLI PowerState values for virtual machines.
const (
	poweredOff = 0
	poweredOn  = 1
	suspended  = 2
)

var supported = adapter.NewVerbSet(adapter.GuestVerbs...).With(
	v1alpha1.VerbHostAdd,
	v1alpha1.VerbHostDel,
	v1alpha1.VerbHostStart,
	v1alpha1.VerbHostStop,
	v1alpha1.VerbHostRestart,
	v1alpha1.VerbHostSearch,
)

// Conn is a jump host connection plus the vCenter login it replays.
type Conn struct {
	adapter.Runner
	exe     string
	connect string
}

// NewConn wraps runner. connect is the PowerCLI login statement.
func NewConn(runner adapter.Runner, exe, connect string) *Conn {
	return &Conn{Runner: runner, exe: exe, connect: connect}
}

// Adapter implements adapter.Adapter for vCenter.
type Adapter struct {
	lifecycle adapter.Lifecycle
	now       func() time.Time
}

// New creates a vCenter adapter.
func New(pollInterval time.Duration) *Adapter {
	return &Adapter{
		lifecycle: adapter.Lifecycle{Kind: v1alpha1.BackendVCenter, PollInterval: pollInterval},
		now:       time.Now,
	}
}

// Kind implements adapter.Adapter.
func (a *Adapter) Kind() v1alpha1.BackendKind { return v1alpha1.BackendVCenter }

// Supports implements adapter.Adapter.
func (a *Adapter) Supports(verb v1alpha1.Verb) bool { return supported.Supports(verb) }

// Dial connects to the jump host. The vCenter server comes from the "server"
// option; the vCenter user from "viUser" falling back to the secret's user,
// and the password from the secret's token falling back to its password.
func (a *Adapter) Dial(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (adapter.Conn, error) {
	server := backend.Option("server", "")
	if server == "" {
		return nil, &v1alpha1.Failure{Kind: v1alpha1.ErrInvalidArgument, Message: fmt.Sprintf("backend %s has no server option", backend.Name)}
	}

	client, err := adapter.DialSSH(ctx, backend, secret)
	if err != nil {
		return nil, err
	}
	return NewConn(client, backend.Option("pwsh", "pwsh"), connectStatement(backend, secret)), nil
}

func connectStatement(backend *v1alpha1.Backend, secret adapter.Secret) string {
	password := secret.Token
	if password == "" {
		password = secret.Password
	}
	stmt := fmt.Sprintf("Connect-VIServer -Server %s -Protocol https -User %s -Password %s | Out-Null",
		powershell.Quote(backend.Option("server", "")),
		powershell.Quote(backend.Option("viUser", secret.Username)),
		powershell.Quote(password))
	if backend.Option("insecure", "false") == "true" {
		stmt = "Set-PowerCLIConfiguration -InvalidCertificateAction Ignore -Scope Session -Confirm:$false | Out-Null; " + stmt
	}
	return stmt
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, conn adapter.Conn, op v1alpha1.Operation) v1alpha1.Result {
	c, ok := conn.(*Conn)
	if !ok {
		return adapter.WrongConn(a.Kind(), conn)
	}
	s := &session{conn: c, backend: op.Backend, now: a.now}

	switch op.Verb {
	case v1alpha1.VerbGuestSearch:
		guests, err := s.listGuests(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchGuests(op, guests)
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestStop, v1alpha1.VerbGuestSuspend, v1alpha1.VerbGuestResume:
		return a.lifecycle.GuestPower(ctx, op, s.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return s.exec(ctx, guestPowerScript(s.script(), op, g.ID))
		})
	case v1alpha1.VerbGuestAdd:
		if op.Param("host", "") == "" && op.Param("resourcePool", "") == "" {
			return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "guest_add requires the host or resourcePool parameter")
		}
		return a.lifecycle.GuestAdd(ctx, op, s.guestLookup(op.Name()), func(ctx context.Context) error {
			return s.exec(ctx, newVMScript(s.script(), op))
		})
	case v1alpha1.VerbGuestDel:
		return a.lifecycle.GuestDelete(ctx, op, s.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			script := s.script().Add("$vm = Get-VM -Id %s", powershell.Quote(g.ID))
			if g.Power != v1alpha1.GuestStopped {
				script.Add("Stop-VM -VM $vm -Kill -Confirm:$false | Out-Null")
			}
			script.Add("Remove-VM -VM $vm -DeletePermanently -Confirm:$false")
			return s.exec(ctx, script)
		})
	case v1alpha1.VerbHostSearch:
		hosts, err := s.listHosts(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchHosts(op, hosts)
	case v1alpha1.VerbHostAdd:
		location := op.Param("location", "")
		password := op.Param("password", "")
		if location == "" || password == "" {
			return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "host_add requires the location and password parameters")
		}
		return a.lifecycle.HostAdd(ctx, op, s.hostLookup(op.Name()), func(ctx context.Context) error {
			return s.exec(ctx, s.script().Add("Add-VMHost -Name %s -Location %s -User %s -Password %s -Force -Confirm:$false | Out-Null",
				powershell.Quote(op.Name()), powershell.Quote(location), powershell.Quote(op.Param("user", "root")), powershell.Quote(password)))
		})
	case v1alpha1.VerbHostDel:
		return a.lifecycle.HostDelete(ctx, op, s.hostLookup(op.Target), func(ctx context.Context, h v1alpha1.HostRecord) error {
			return s.exec(ctx, s.script().
				Add("$h = Get-VMHost -Id %s", powershell.Quote(h.ID)).
				Add("Set-VMHost -VMHost $h -State Disconnected -Confirm:$false | Out-Null").
				Add("Remove-VMHost -VMHost $h -Confirm:$false"))
		})
	case v1alpha1.VerbHostStart, v1alpha1.VerbHostStop, v1alpha1.VerbHostRestart:
		return a.lifecycle.HostPower(ctx, op, s.hostLookup(op.Target), func(ctx context.Context, h v1alpha1.HostRecord) error {
			return s.exec(ctx, hostPowerScript(s.script(), op.Verb, h.ID))
		})
	default:
		return v1alpha1.Unsupported(a.Kind(), op.Verb)
	}
}

func guestPowerScript(s *powershell.Script, op v1alpha1.Operation, id string) *powershell.Script {
	s.Add("$vm = Get-VM -Id %s", powershell.Quote(id))
	switch op.Verb {
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestResume:
		// PowerCLI resumes suspended guests with Start-VM.
		s.Add("Start-VM -VM $vm -Confirm:$false | Out-Null")
	case v1alpha1.VerbGuestStop:
		if op.ParamBool("graceful", false) {
			s.Add("Shutdown-VMGuest -VM $vm -Confirm:$false | Out-Null")
		} else {
			s.Add("Stop-VM -VM $vm -Kill -Confirm:$false | Out-Null")
		}
	case v1alpha1.VerbGuestSuspend:
		s.Add("Suspend-VM -VM $vm -Confirm:$false | Out-Null")
	}
	return s
}

func hostPowerScript(s *powershell.Script, verb v1alpha1.Verb, id string) *powershell.Script {
	s.Add("$h = Get-VMHost -Id %s", powershell.Quote(id))
	switch verb {
	case v1alpha1.VerbHostStart:
		s.Add("Start-VMHost -VMHost $h -Confirm:$false | Out-Null")
	case v1alpha1.VerbHostStop:
		s.Add("Stop-VMHost -VMHost $h -Force -Confirm:$false | Out-Null")
	case v1alpha1.VerbHostRestart:
		s.Add("Restart-VMHost -VMHost $h -Force -Confirm:$false | Out-Null")
	}
	return s
}

func newVMScript(s *powershell.Script, op v1alpha1.Operation) *powershell.Script {
	cmd := "New-VM -Name " + powershell.Quote(op.Name())
	if h := op.Param("host", ""); h != "" {
		cmd += " -VMHost " + powershell.Quote(h)
	}
	if rp := op.Param("resourcePool", ""); rp != "" {
		cmd += " -ResourcePool " + powershell.Quote(rp)
	}
	if ds := op.Param("datastore", ""); ds != "" {
		cmd += " -Datastore " + powershell.Quote(ds)
	}
	if tpl := op.Param("template", ""); tpl != "" {
		cmd += " -Template " + powershell.Quote(tpl)
	} else {
		cmd += fmt.Sprintf(" -MemoryMB %d -NumCpu %d -DiskGB %d",
			op.ParamInt("memoryMB", 1024), op.ParamInt("cpus", 1), op.ParamInt("diskGB", 16))
	}
	s.Add("$vm = %s -Confirm:$false", cmd)
	if op.ParamBool("start", true) {
		s.Add("Start-VM -VM $vm -Confirm:$false | Out-Null")
	}
	return s
}

// session binds one operation to a connection.
type session struct {
	conn    *Conn
	backend string
	now     func() time.Time
}

func (s *session) script() *powershell.Script {
	return powershell.NewScript().Add("%s", s.conn.connect)
}

func (s *session) run(ctx context.Context, script *powershell.Script) (string, error) {
	stdout, _, err := s.conn.Run(ctx, powershell.Command(s.conn.exe, script.String()))
	return stdout, err
}

func (s *session) exec(ctx context.Context, script *powershell.Script) error {
	_, err := s.run(ctx, script)
	return err
}

func (s *session) listGuests(ctx context.Context) ([]v1alpha1.GuestRecord, error) {
	out, err := s.run(ctx, s.script().JSON(guestSelect))
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
			HostID:        item.Get("VMHost").String(),
			Power:         guestPower(item),
			IP:            item.Get("IP").String(),
			UUID:          item.Get("Uuid").String(),
			Kind:          v1alpha1.BackendVCenter,
			Backend:       s.backend,
			LastRefreshed: now,
		})
	}
	return guests, nil
}

func (s *session) listHosts(ctx context.Context) ([]v1alpha1.HostRecord, error) {
	out, err := s.run(ctx, s.script().JSON(hostSelect))
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
		id := item.Get("Id").String()
		if id == "" {
			continue
		}
		hosts = append(hosts, v1alpha1.HostRecord{
			ID:            id,
			Name:          item.Get("Name").String(),
			Power:         hostPower(item.Get("PowerState").String(), item.Get("ConnectionState").String()),
			IP:            item.Get("IP").String(),
			UUID:          item.Get("Uuid").String(),
			Cluster:       item.Get("Cluster").String(),
			Kind:          v1alpha1.BackendVCenter,
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

func (s *session) hostLookup(key string) adapter.HostLookup {
	return func(ctx context.Context) (*v1alpha1.HostRecord, error) {
		hosts, err := s.listHosts(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindHost(hosts, key), nil
	}
}

func guestPower(item gjson.Result) v1alpha1.GuestPowerState {
	code, ok := powershell.StateCode(item, "PowerState")
	if !ok {
		switch item.Get("PowerState").String() {
		case "PoweredOn":
			return v1alpha1.GuestRunning
		case "PoweredOff":
			return v1alpha1.GuestStopped
		case "Suspended":
			return v1alpha1.GuestSuspended
		}
		return v1alpha1.GuestUnknown
	}
	switch code {
	case poweredOff:
		return v1alpha1.GuestStopped
	case poweredOn:
		return v1alpha1.GuestRunning
	case suspended:
		return v1alpha1.GuestSuspended
	default:
		return v1alpha1.GuestUnknown
	}
}

func hostPower(power, connection string) v1alpha1.HostPowerState {
	if connection == "Maintenance" {
		return v1alpha1.HostOff
	}
	switch power {
	case "PoweredOn":
		if connection == "NotResponding" {
			return v1alpha1.HostUnknown
		}
		return v1alpha1.HostOn
	case "PoweredOff", "Standby":
		return v1alpha1.HostOff
	default:
		return v1alpha1.HostUnknown
	}
}
