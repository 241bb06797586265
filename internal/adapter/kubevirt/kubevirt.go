// Package kubevirt drives KubeVirt VirtualMachines through the Kubernetes API.
//
// Guests are VirtualMachine objects in one namespace per backend instance.
// Start and stop patch spec.runStrategy; suspend and resume go through the
// subresources.kubevirt.io pause and unpause endpoints. Hosts are cluster
// nodes and only support search.
package kubevirt

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
	"github.com/jbweber/switchyard/internal/fault"
)

const (
	// DefaultNamespace holds guests when the backend sets no namespace option.
	DefaultNamespace = "default"
	// DefaultAPIVersion is the KubeVirt API group version.
	DefaultAPIVersion = "kubevirt.io/v1"

	subresourceGroup = "subresources.kubevirt.io"
)

var supported = adapter.NewVerbSet(adapter.GuestVerbs...).With(v1alpha1.VerbHostSearch)

// Subresources calls VirtualMachineInstance subresource actions such as
// pause and unpause.
type Subresources interface {
	VMI(ctx context.Context, namespace, name, action string) error
}

// Conn is a Kubernetes API connection scoped to one namespace.
type Conn struct {
	dynamic      dynamic.Interface
	core         kubernetes.Interface
	subresources Subresources
	namespace    string
	vms          schema.GroupVersionResource
	vmis         schema.GroupVersionResource
}

// NewConn builds a Conn from existing clients.
func NewConn(dyn dynamic.Interface, core kubernetes.Interface, sub Subresources, namespace, apiVersion string) (*Conn, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid KubeVirt apiVersion %q: %w", apiVersion, err)
	}
	if gv.Group == "" {
		return nil, fmt.Errorf("invalid KubeVirt apiVersion %q: group is required", apiVersion)
	}
	return &Conn{
		dynamic:      dyn,
		core:         core,
		subresources: sub,
		namespace:    namespace,
		vms:          gv.WithResource("virtualmachines"),
		vmis:         gv.WithResource("virtualmachineinstances"),
	}, nil
}

// Ping asks the API server for its version, giving up when ctx ends.
func (c *Conn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	disco := c.core.Discovery()
	rc := disco.RESTClient()
	if rc == nil {
		// Fake discovery clients carry no REST client.
		_, err := disco.ServerVersion()
		return err
	}
	return rc.Get().AbsPath("/version").Do(ctx).Error()
}

// Close is a no-op; the clients hold no dedicated connection.
func (c *Conn) Close() error { return nil }

// restSubresources implements Subresources over a REST client.
type restSubresources struct {
	client  rest.Interface
	version string
}

func (s *restSubresources) VMI(ctx context.Context, namespace, name, action string) error {
	return s.client.Put().
		AbsPath("/apis", subresourceGroup, s.version, "namespaces", namespace, "virtualmachineinstances", name, action).
		Body([]byte("{}")).
		Do(ctx).
		Error()
}

// Adapter implements adapter.Adapter for KubeVirt.
type Adapter struct {
	lifecycle adapter.Lifecycle
}

// New creates a KubeVirt adapter.
func New(pollInterval time.Duration) *Adapter {
	return &Adapter{lifecycle: adapter.Lifecycle{Kind: v1alpha1.BackendKubeVirt, PollInterval: pollInterval}}
}

// Kind implements adapter.Adapter.
func (a *Adapter) Kind() v1alpha1.BackendKind { return v1alpha1.BackendKubeVirt }

// Supports implements adapter.Adapter.
func (a *Adapter) Supports(verb v1alpha1.Verb) bool { return supported.Supports(verb) }

// restConfig builds the client configuration. A kubeconfig option wins;
// otherwise the endpoint is the API server URL and the secret supplies a
// bearer token or basic auth.
func restConfig(backend *v1alpha1.Backend, secret adapter.Secret) (*rest.Config, error) {
	if path := backend.Option("kubeconfig", ""); path != "" {
		cfg, err := clientcmd.BuildConfigFromFlags(backend.Spec.Endpoint, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", path, err)
		}
		return cfg, nil
	}
	return &rest.Config{
		Host:        backend.Spec.Endpoint,
		BearerToken: secret.Token,
		Username:    secret.Username,
		Password:    secret.Password,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: backend.Option("insecure", "false") == "true",
		},
	}, nil
}

// Dial implements adapter.Adapter.
func (a *Adapter) Dial(ctx context.Context, backend *v1alpha1.Backend, secret adapter.Secret) (adapter.Conn, error) {
	cfg, err := restConfig(backend, secret)
	if err != nil {
		return nil, err
	}

	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	core, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create core client: %w", err)
	}

	apiVersion := backend.Option("apiVersion", DefaultAPIVersion)
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid KubeVirt apiVersion %q: %w", apiVersion, err)
	}

	subCfg := rest.CopyConfig(cfg)
	subCfg.GroupVersion = &schema.GroupVersion{Group: subresourceGroup, Version: gv.Version}
	subCfg.APIPath = "/apis"
	subCfg.NegotiatedSerializer = scheme.Codecs.WithoutConversion()
	subClient, err := rest.RESTClientFor(subCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create subresource client: %w", err)
	}

	conn, err := NewConn(dyn, core, &restSubresources{client: subClient, version: gv.Version},
		backend.Option("namespace", DefaultNamespace), apiVersion)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, conn adapter.Conn, op v1alpha1.Operation) v1alpha1.Result {
	c, ok := conn.(*Conn)
	if !ok {
		return adapter.WrongConn(a.Kind(), conn)
	}
	k := &kube{Conn: c, backend: op.Backend}

	switch op.Verb {
	case v1alpha1.VerbGuestSearch:
		guests, err := k.listGuests(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchGuests(op, guests)
	case v1alpha1.VerbGuestStart, v1alpha1.VerbGuestStop, v1alpha1.VerbGuestSuspend, v1alpha1.VerbGuestResume:
		return a.lifecycle.GuestPower(ctx, op, k.guestLookup(op.Target), func(ctx context.Context, g v1alpha1.GuestRecord) error {
			return k.guestPower(ctx, op.Verb, g)
		})
	case v1alpha1.VerbGuestAdd:
		vm, err := guestManifest(op, c.namespace, c.vms.GroupVersion().String())
		if err != nil {
			return fault.Result(err)
		}
		return a.lifecycle.GuestAdd(ctx, op, k.guestLookup(vm.GetName()), func(ctx context.Context) error {
			return k.create(ctx, vm)
		})
	case v1alpha1.VerbGuestDel:
		return a.lifecycle.GuestDelete(ctx, op, k.guestLookup(op.Target), k.remove)
	case v1alpha1.VerbHostSearch:
		hosts, err := k.listHosts(ctx)
		if err != nil {
			return fault.Result(err)
		}
		return adapter.SearchHosts(op, hosts)
	default:
		return v1alpha1.Unsupported(a.Kind(), op.Verb)
	}
}
