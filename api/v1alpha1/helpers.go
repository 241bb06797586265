package v1alpha1

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// GroupName is the API group for switchyard resources.
	GroupName = "switchyard.cofront.xyz"

	// Version is the API version.
	Version = "v1alpha1"

	// BackendResourceKind is the kind string for Backend resources.
	BackendResourceKind = "Backend"
)

const (
	// DefaultGuestTimeout bounds guest verbs when the operation sets no timeout.
	DefaultGuestTimeout = 60 * time.Second

	// DefaultHostTimeout bounds host verbs when the operation sets no timeout.
	DefaultHostTimeout = 120 * time.Second
)

// NewOperation creates an Operation with a fresh ID.
func NewOperation(kind BackendKind, verb Verb, target string) Operation {
	return Operation{
		ID:     uuid.New().String(),
		Kind:   kind,
		Verb:   verb,
		Target: target,
		Params: map[string]string{},
	}
}

// SetDefaultAPIVersion ensures the backend has the correct apiVersion and kind.
func SetDefaultAPIVersion(b *Backend) {
	if b.APIVersion == "" {
		b.APIVersion = GroupName + "/" + Version
	}
	if b.Kind == "" {
		b.Kind = BackendResourceKind
	}
}

// ParseVerb parses a verb. Both "guest_start" and "guest-start" are accepted.
func ParseVerb(s string) (Verb, error) {
	v := Verb(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range AllVerbs {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown verb: %q", s)
}

// IsHost reports whether the verb acts on hosts.
func (v Verb) IsHost() bool {
	return strings.HasPrefix(string(v), "host_")
}

// IsAdd reports whether the verb creates a record. Adds are not idempotent:
// a retried add may find the record half made by the failed attempt.
func (v Verb) IsAdd() bool {
	return v == VerbHostAdd || v == VerbGuestAdd
}

// IsSearch reports whether the verb is a read-only search.
func (v Verb) IsSearch() bool {
	return v == VerbHostSearch || v == VerbGuestSearch
}

// IsMutating reports whether the verb changes backend state.
func (v Verb) IsMutating() bool {
	return !v.IsSearch()
}

// RecordKind returns the record kind the verb acts on.
func (v Verb) RecordKind() RecordKind {
	if v.IsHost() {
		return RecordHost
	}
	return RecordGuest
}

// SearchVerb returns the search verb for a record kind.
func SearchVerb(kind RecordKind) Verb {
	if kind == RecordHost {
		return VerbHostSearch
	}
	return VerbGuestSearch
}

// DefaultTimeout returns the default deadline for the verb.
func (v Verb) DefaultTimeout() time.Duration {
	if v.IsHost() {
		return DefaultHostTimeout
	}
	return DefaultGuestTimeout
}

// EffectiveTimeout returns the operation timeout with default fallback.
func (op Operation) EffectiveTimeout() time.Duration {
	if op.Timeout > 0 {
		return op.Timeout
	}
	return op.Verb.DefaultTimeout()
}

// Param returns the named parameter or def when unset.
func (op Operation) Param(key, def string) string {
	if v, ok := op.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// ParamInt returns the named parameter as an integer or def when unset or malformed.
func (op Operation) ParamInt(key string, def int) int {
	v, ok := op.Params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// ParamBool returns the named parameter as a boolean or def when unset or malformed.
func (op Operation) ParamBool(key string, def bool) bool {
	v, ok := op.Params[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Name returns the name of the target for add verbs, falling back to the target id.
func (op Operation) Name() string {
	return op.Param("name", op.Target)
}

// OK reports whether the result is a Success.
func (r Result) OK() bool {
	return r.Failure == nil
}

// ErrorKind returns the failure kind, or the empty string on success.
func (r Result) ErrorKind() ErrorKind {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Kind
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Success returns an empty successful result.
func Success() Result {
	return Result{}
}

// HostResult returns a successful result carrying hosts.
func HostResult(hosts ...HostRecord) Result {
	if hosts == nil {
		hosts = []HostRecord{}
	}
	return Result{Hosts: hosts}
}

// GuestResult returns a successful result carrying guests.
func GuestResult(guests ...GuestRecord) Result {
	if guests == nil {
		guests = []GuestRecord{}
	}
	return Result{Guests: guests}
}

// Fail returns a failed result of the given kind.
func Fail(kind ErrorKind, format string, args ...interface{}) Result {
	return Result{Failure: &Failure{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind.Retryable(),
	}}
}

// Unsupported returns the Unsupported failure for a verb on a backend kind.
func Unsupported(kind BackendKind, verb Verb) Result {
	return Fail(ErrUnsupported, "%s does not support %s", kind.DisplayName(), verb)
}

// Filter narrows inventory listings.
type Filter struct {
	// Name matches a case-insensitive substring of the record id or name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Power matches the power state exactly.
	Power string `json:"power,omitempty" yaml:"power,omitempty"`
	// HostID matches the parent host of guests.
	HostID string `json:"hostID,omitempty" yaml:"hostID,omitempty"`
}

func (f Filter) matchesName(id, name string) bool {
	if f.Name == "" {
		return true
	}
	needle := strings.ToLower(f.Name)
	return strings.Contains(strings.ToLower(id), needle) || strings.Contains(strings.ToLower(name), needle)
}
