// Package rhevm drives Red Hat Virtualization (oVirt) managers through
// ovirt-shell on the engine host.
//
// Dial uploads an .ovirtshellrc holding the engine API credentials so every
// later invocation runs "ovirt-shell -c -E '<command>'" without prompting.
package rhevm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/fault"
	"github.com/jbweber/switchyard/internal/sshexec"
)

const (
	defaultRCPath    = "/root/.ovirtshellrc"
	defaultCAFile    = "/etc/pki/ovirt-engine/ca.pem"
	defaultAdminUser = "admin@internal"
)

var supported = adapter.NewVerbSet(adapter.GuestVerbs...).With(
	v1alpha1.VerbHostAdd,
	v1alpha1.VerbHostDel,
	v1alpha1.VerbHostStart,
	v1alpha1.VerbHostStop,
	v1alpha1.VerbHostRestart,
	v1alpha1.VerbHostSearch,
)

// Shell is the connection the adapter needs: remote commands plus file upload.
// *sshexec.Client satisfies it.
type Shell interface {
	adapter.Runner
	WriteFile(ctx context.Context, dst string, content []byte, mode os.FileMode) error
}

// Adapter implements adapter.Adapter for RHEVM.
type Adapter struct {
	lifecycle adapter.Lifecycle
	now       func() time.Time

	// dialFunc opens the SSH connection; replaced in tests.
	dialFunc func(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (Shell, error)
}

// New creates a RHEVM adapter.
func New(pollInterval time.Duration) *Adapter {
	return &Adapter{
		lifecycle: adapter.Lifecycle{Kind: v1alpha1.BackendRHEVM, PollInterval: pollInterval},
		now:       time.Now,
		dialFunc: func(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (Shell, error) {
			return adapter.DialSSH(ctx, backend, secret)
		},
	}
}

// Kind implements adapter.Adapter.
func (a *Adapter) Kind() v1alpha1.BackendKind { return v1alpha1.BackendRHEVM }

// Supports implements adapter.Adapter.
func (a *Adapter) Supports(verb v1alpha1.Verb) bool { return supported.Supports(verb) }

// Dial connects to the engine host and writes the shell configuration.
func (a *Adapter) Dial(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (adapter.Conn, error) {
	shell, err := a.dialFunc(ctx, backend, secret)
	if err != nil {
		return nil, err
	}

	rc := shellRC(backend, secret)
	if err := shell.WriteFile(ctx, backend.Option("rcPath", defaultRCPath), rc, 0o600); err != nil {
		_ = shell.Close()
		return nil, fmt.Errorf("failed to write ovirt-shell configuration: %w", err)
	}
	return shell, nil
}

// shellRC renders the .ovirtshellrc for the backend. The engine password is
// the secret's token when present, else its password.
func shellRC(backend *v1alpha1.Backend, secret adapter.Secret) []byte {
	password := secret.Token
	if password == "" {
		password = secret.Password
	}
	url := backend.Option("url", "")
	if url == "" {
		host, _, _ := sshexec.ParseEndpoint(backend.Spec.Endpoint)
		url = fmt.Sprintf("https://%s:443/ovirt-engine/api", host)
	}

	var b bytes.Buffer
	b.WriteString("[ovirt-shell]\n")
	fmt.Fprintf(&b, "username = %s\n", backend.Option("adminUser", defaultAdminUser))
	fmt.Fprintf(&b, "password = %s\n", password)
	fmt.Fprintf(&b, "ca_file = %s\n", backend.Option("caFile", defaultCAFile))
	fmt.Fprintf(&b, "url = %s\n", url)
	fmt.Fprintf(&b, "insecure = %s\n", pyBool(backend.Option("insecure", "false") == "true"))
	b.WriteString("no_paging = False\nfilter = False\ntimeout = -1\n")
	return b.Bytes()
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, conn adapter.Conn, op v1alpha1.Operation) v1alpha1.Result {
	r, ok := conn.(adapter.Runner)
	if !ok {
		return adapter.WrongConn(a.Kind(), conn)
	}
	s := &ovirt{runner: r, backend: op.Backend, now: a.now}

	switch op.Verb {
	case v1alpha1.VerbGuestSearch:
		guests, err := s.listGuests(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchGuests(op, guests)
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestStop, v1alpha1.VerbGuestSuspend, v1alpha1.VerbGuestResume:
		return a.lifecycle.GuestPower(ctx, op, s.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return s.action(ctx, "vm", g.Name, guestAction(op))
		})
	case v1alpha1.VerbGuestAdd:
		template := op.Param("template", "Blank")
		cluster := op.Param("cluster", "")
		if cluster == "" {
			return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "guest_add requires the cluster parameter")
		}
		return a.lifecycle.GuestAdd(ctx, op, s.guestLookup(op.Name()), func(ctx context.Context) error {
			if err := s.exec(ctx, "add", "vm", "--name", op.Name(), "--template-name", template, "--cluster-name", cluster); err != nil {
				return err
			}
			if op.ParamBool("start", true) {
				return s.action(ctx, "vm", op.Name(), "start")
			}
			return nil
		})
	case v1alpha1.VerbGuestDel:
		return a.lifecycle.GuestDelete(ctx, op, s.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			if g.Power != v1alpha1.GuestStopped {
				if err := s.action(ctx, "vm", g.Name, "stop"); err != nil {
					return err
				}
			}
			return s.exec(ctx, "remove", "vm", g.Name)
		})
	case v1alpha1.VerbHostSearch:
		hosts, err := s.listHosts(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchHosts(op, hosts)
	case v1alpha1.VerbHostAdd:
		address := op.Param("address", op.Name())
		cluster := op.Param("cluster", "")
		password := op.Param("rootPassword", "")
		if cluster == "" || password == "" {
			return v1alpha1.Fail(v1alpha1.ErrInvalidArgument, "host_add requires the cluster and rootPassword parameters")
		}
		return a.lifecycle.HostAdd(ctx, op, s.hostLookup(op.Name()), func(ctx context.Context) error {
			return s.exec(ctx, "add", "host", "--name", op.Name(), "--address", address, "--root_password", password, "--cluster-name", cluster)
		})
	case v1alpha1.VerbHostDel:
		return a.lifecycle.HostDelete(ctx, op, s.hostLookup(op.Target), func(ctx context.Context, h v1alpha1.HostRecord) error {
			if h.Power != v1alpha1.HostOff {
				if err := s.action(ctx, "host", h.Name, "deactivate"); err != nil {
					return err
				}
			}
			return s.exec(ctx, "remove", "host", h.Name)
		})
	case v1alpha1.VerbHostStart, v1alpha1.VerbHostStop, v1alpha1.VerbHostRestart:
		fence := strings.TrimPrefix(string(op.Verb), "host_")
		return a.lifecycle.HostPower(ctx, op, s.hostLookup(op.Target), func(ctx context.Context, h v1alpha1.HostRecord) error {
			return s.action(ctx, "host", h.Name, "fence", "--fence_type", fence)
		})
	default:
		return v1alpha1.Unsupported(a.Kind(), op.Verb)
	}
}

func guestAction(op v1alpha1.Operation) string {
	switch op.Verb {
	case v1alpha1.VerbGuestStop:
		if op.ParamBool("force", false) {
			return "stop"
		}
		return "shutdown"
	case v1alpha1.VerbGuestSuspend:
		return "suspend"
	default:
		// The engine resumes suspended guests with start.
		return "start"
	}
}

// ovirt binds one operation to a connection.
type ovirt struct {
	runner  adapter.Runner
	backend string
	now     func() time.Time
}

// run executes an ovirt-shell command and returns its output. ovirt-shell
// reports failures on stdout with exit status 0, so error lines are promoted
// to command errors.
func (s *ovirt) run(ctx context.Context, words ...string) (string, error) {
	inner := make([]string, len(words))
	for i, w := range words {
		inner[i] = shellWord(w)
	}
	command := strings.Join(inner, " ")

	out, err := adapter.RunQuoted(ctx, s.runner, "ovirt-shell", "-c", "-E", command)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "error:") {
			return "", &sshexec.CommandError{Cmd: command, ExitCode: 1, Stdout: strings.TrimSpace(out)}
		}
	}
	return out, nil
}

func (s *ovirt) exec(ctx context.Context, words ...string) error {
	_, err := s.run(ctx, words...)
	return err
}

func (s *ovirt) action(ctx context.Context, objectType, name, action string, extra ...string) error {
	return s.exec(ctx, append([]string{"action", objectType, name, action}, extra...)...)
}

// shellWord quotes a word for ovirt-shell's own parser.
func shellWord(w string) string {
	if strings.ContainsAny(w, " \t\"") {
		return `"` + strings.ReplaceAll(w, `"`, `\"`) + `"`
	}
	return w
}

func (s *ovirt) listGuests(ctx context.Context) ([]v1alpha1.GuestRecord, error) {
	out, err := s.run(ctx, "list", "vms", "--show-all")
	if err != nil {
		return nil, err
	}
	records, err := adapter.ParseRecords(out)
	if err != nil {
		return nil, err
	}

	now := v1alpha1.NewTime(s.now())
	guests := make([]v1alpha1.GuestRecord, 0, len(records))
	for _, rec := range records {
		if rec["id"] == "" {
			continue
		}
		guests = append(guests, v1alpha1.GuestRecord{
			ID:            rec["id"],
			Name:          rec["name"],
			HostID:        rec["host-id"],
			Power:         guestPower(rec["status-state"]),
			IP:            rec["guest_info-ips-ip-address"],
			UUID:          rec["id"],
			Kind:          v1alpha1.BackendRHEVM,
			Backend:       s.backend,
			LastRefreshed: now,
		})
	}
	return guests, nil
}

func (s *ovirt) listHosts(ctx context.Context) ([]v1alpha1.HostRecord, error) {
	out, err := s.run(ctx, "list", "hosts", "--show-all")
	if err != nil {
		return nil, err
	}
	records, err := adapter.ParseRecords(out)
	if err != nil {
		return nil, err
	}

	now := v1alpha1.NewTime(s.now())
	hosts := make([]v1alpha1.HostRecord, 0, len(records))
	for _, rec := range records {
		if rec["id"] == "" {
			continue
		}
		hosts = append(hosts, v1alpha1.HostRecord{
			ID:            rec["id"],
			Name:          rec["name"],
			Power:         hostPower(rec["status-state"]),
			IP:            rec["address"],
			UUID:          rec["hardware_information-uuid"],
			Cluster:       rec["cluster-id"],
			Kind:          v1alpha1.BackendRHEVM,
			Backend:       s.backend,
			LastRefreshed: now,
		})
	}
	return hosts, nil
}

func (s *ovirt) guestLookup(key string) adapter.GuestLookup {
	return func(ctx context.Context) (*v1alpha1.GuestRecord, error) {
		guests, err := s.listGuests(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindGuest(guests, key), nil
	}
}

func (s *ovirt) hostLookup(key string) adapter.HostLookup {
	return func(ctx context.Context) (*v1alpha1.HostRecord, error) {
		hosts, err := s.listHosts(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindHost(hosts, key), nil
	}
}

func guestPower(state string) v1alpha1.GuestPowerState {
	switch strings.ToLower(state) {
	case "up":
		return v1alpha1.GuestRunning
	case "down":
		return v1alpha1.GuestStopped
	case "suspended", "paused":
		return v1alpha1.GuestSuspended
	default:
		return v1alpha1.GuestUnknown
	}
}

func hostPower(state string) v1alpha1.HostPowerState {
	switch strings.ToLower(state) {
	case "up":
		return v1alpha1.HostOn
	case "down", "maintenance":
		return v1alpha1.HostOff
	case "reboot", "reboot_in_progress":
		return v1alpha1.HostRestarting
	default:
		return v1alpha1.HostUnknown
	}
}
