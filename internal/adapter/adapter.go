// Package adapter defines the contract every backend adapter implements and
// the shared lifecycle policy adapters use to stay idempotent.
//
// Adapters translate a uniform Operation into a vendor invocation and parse
// the vendor response back into a Result. Execute never returns a Go error:
// transport and vendor failures are classified into the ErrorKind taxonomy
// before they leave the adapter.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

// Conn is a live connection produced by an adapter's Dial. The connection
// manager owns it; adapters borrow it for the duration of one Execute.
type Conn interface {
	// Ping verifies the connection is usable.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Secret is the credential material a credential reference resolves to.
type Secret struct {
	Username       string
	Password       string
	PrivateKey     []byte
	PrivateKeyPath string
	Token          string
}

// Empty reports whether no credential material is present.
func (s Secret) Empty() bool {
	return s.Username == "" && s.Password == "" && len(s.PrivateKey) == 0 && s.PrivateKeyPath == "" && s.Token == ""
}

// Adapter drives one backend kind.
type Adapter interface {
	// Kind returns the backend kind this adapter drives.
	Kind() v1alpha1.BackendKind

	// Supports reports whether the verb is implemented. Unsupported verbs are
	// rejected before any connection is touched.
	Supports(verb v1alpha1.Verb) bool

	// Dial opens a connection to the backend instance.
	Dial(ctx context.Context, backend *v1alpha1.Backend, secret Secret) (Conn, error)

	// Execute runs the operation over conn.
	Execute(ctx context.Context, conn Conn, op v1alpha1.Operation) v1alpha1.Result
}

// Registry maps backend kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[v1alpha1.BackendKind]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[v1alpha1.BackendKind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind v1alpha1.BackendKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for backend kind %q", kind)
	}
	return a, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []v1alpha1.BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]v1alpha1.BackendKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// VerbSet is a Supports implementation backed by a set of verbs.
type VerbSet map[v1alpha1.Verb]bool

// NewVerbSet builds a VerbSet.
func NewVerbSet(verbs ...v1alpha1.Verb) VerbSet {
	s := make(VerbSet, len(verbs))
	for _, v := range verbs {
		s[v] = true
	}
	return s
}

// GuestVerbs is every guest verb.
var GuestVerbs = []v1alpha1.Verb{
	v1alpha1.VerbGuestAdd,
	v1alpha1.VerbGuestDel,
	v1alpha1.VerbGuestStart,
	v1alpha1.VerbGuestStop,
	v1alpha1.VerbGuestSuspend,
	v1alpha1.VerbGuestResume,
	v1alpha1.VerbGuestSearch,
}

// With returns a copy of s extended with verbs.
func (s VerbSet) With(verbs ...v1alpha1.Verb) VerbSet {
	out := make(VerbSet, len(s)+len(verbs))
	for v := range s {
		out[v] = true
	}
	for _, v := range verbs {
		out[v] = true
	}
	return out
}

// Supports reports whether verb is in the set.
func (s VerbSet) Supports(verb v1alpha1.Verb) bool {
	return s[verb]
}

// WrongConn is the result for a connection of an unexpected type.
func WrongConn(kind v1alpha1.BackendKind, conn Conn) v1alpha1.Result {
	return v1alpha1.Fail(v1alpha1.ErrConnectivity, "%s adapter received a %T connection", kind.DisplayName(), conn)
}
