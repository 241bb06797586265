package v1alpha1

import (
	"fmt"
	"strings"
)

// BackendKind identifies a hypervisor platform family.
type BackendKind string

const (
	// BackendVCenter is VMware vCenter driven through PowerCLI.
	BackendVCenter BackendKind = "vcenter"
	// BackendHyperV is Microsoft Hyper-V driven through PowerShell.
	BackendHyperV BackendKind = "hyperv"
	// BackendRHEVM is Red Hat Virtualization driven through ovirt-shell.
	BackendRHEVM BackendKind = "rhevm"
	// BackendLibvirt is a libvirt daemon reached over its RPC protocol.
	BackendLibvirt BackendKind = "libvirt"
	// BackendXEN is XenServer/XCP-ng driven through the xe CLI.
	BackendXEN BackendKind = "xen"
	// BackendKubeVirt is KubeVirt on a Kubernetes cluster.
	BackendKubeVirt BackendKind = "kubevirt"
	// BackendAHV is Nutanix AHV driven through the Prism REST API.
	BackendAHV BackendKind = "ahv"
)

// AllBackendKinds lists every supported backend kind.
var AllBackendKinds = []BackendKind{
	BackendVCenter,
	BackendHyperV,
	BackendRHEVM,
	BackendLibvirt,
	BackendXEN,
	BackendKubeVirt,
	BackendAHV,
}

// ParseBackendKind parses a backend kind, case-insensitively.
func ParseBackendKind(s string) (BackendKind, error) {
	k := BackendKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllBackendKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown backend kind: %q", s)
}

// DisplayName returns the vendor spelling of the backend kind.
func (k BackendKind) DisplayName() string {
	switch k {
	case BackendVCenter:
		return "vCenter"
	case BackendHyperV:
		return "Hyper-V"
	case BackendRHEVM:
		return "RHEVM"
	case BackendLibvirt:
		return "Libvirt"
	case BackendXEN:
		return "XEN"
	case BackendKubeVirt:
		return "KubeVirt"
	case BackendAHV:
		return "AHV"
	default:
		return string(k)
	}
}

// Backend describes one backend instance in the inventory.
//
// Example:
//
//	apiVersion: switchyard.cofront.xyz/v1alpha1
//	kind: Backend
//	metadata:
//	  name: vc-lab
//	spec:
//	  kind: vcenter
//	  endpoint: pwsh-jump.lab:22
//	  credentialRef: vc-lab
//	  options:
//	    server: vcenter.lab
type Backend struct {
	// TypeMeta contains the API version and kind.
	TypeMeta `json:",inline" yaml:",inline"`

	// ObjectMeta contains the instance name.
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Spec defines how to reach the backend.
	Spec BackendSpec `json:"spec" yaml:"spec"`
}

// BackendSpec defines how to reach and drive a backend instance.
type BackendSpec struct {
	// Kind is the platform family of this instance.
	Kind BackendKind `json:"kind" yaml:"kind" validate:"required,backendkind"`

	// Endpoint is host[:port] for SSH-driven backends or a URL for API-driven ones.
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required"`

	// CredentialRef names the credential resolved by the credential store.
	// +optional
	CredentialRef string `json:"credentialRef,omitempty" yaml:"credentialRef,omitempty"`

	// MaxSessions bounds concurrent operations against this instance.
	// Defaults to 4.
	// +optional
	MaxSessions int `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty" validate:"gte=0,lte=64"`

	// RateLimit caps operations per second; zero disables limiting.
	// +optional
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty" validate:"gte=0"`

	// Options carries backend specific settings.
	// +optional
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// DefaultMaxSessions is the worker bound used when spec.maxSessions is unset.
const DefaultMaxSessions = 4

// Option returns the named option or def when unset.
func (b *Backend) Option(key, def string) string {
	if v, ok := b.Spec.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// GetMaxSessions returns the worker bound with default fallback.
func (b *Backend) GetMaxSessions() int {
	if b.Spec.MaxSessions <= 0 {
		return DefaultMaxSessions
	}
	return b.Spec.MaxSessions
}

// PoolKey identifies the connection this backend shares.
// Format: <name>|<kind>|<endpoint>|<credentialRef>
func (b *Backend) PoolKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", b.Name, b.Spec.Kind, b.Spec.Endpoint, b.Spec.CredentialRef)
}
