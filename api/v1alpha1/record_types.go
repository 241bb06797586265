package v1alpha1

// RecordKind selects host or guest inventory.
type RecordKind string

const (
	// RecordHost selects hypervisor hosts.
	RecordHost RecordKind = "host"
	// RecordGuest selects virtual machines.
	RecordGuest RecordKind = "guest"
)

// HostPowerState is the normalized power state of a hypervisor host.
type HostPowerState string

const (
	HostOn         HostPowerState = "On"
	HostOff        HostPowerState = "Off"
	HostRestarting HostPowerState = "Restarting"
	HostUnknown    HostPowerState = "Unknown"
)

// GuestPowerState is the normalized power state of a guest.
type GuestPowerState string

const (
	GuestRunning   GuestPowerState = "Running"
	GuestStopped   GuestPowerState = "Stopped"
	GuestSuspended GuestPowerState = "Suspended"
	GuestUnknown   GuestPowerState = "Unknown"
)

// HostRecord is a point-in-time snapshot of one hypervisor host.
// A new query replaces it; it is never mutated in place.
type HostRecord struct {
	// ID is the backend's identifier for the host.
	ID string `json:"id" yaml:"id"`

	// Name is the display name.
	Name string `json:"name" yaml:"name"`

	// Power is the normalized power state.
	Power HostPowerState `json:"power" yaml:"power"`

	// IP is the management address, empty when the backend does not expose one.
	// +optional
	IP string `json:"ip,omitempty" yaml:"ip,omitempty"`

	// UUID is the hardware (SMBIOS) UUID.
	// +optional
	UUID string `json:"uuid,omitempty" yaml:"uuid,omitempty"`

	// Cluster is the cluster or pool the host belongs to.
	// +optional
	Cluster string `json:"cluster,omitempty" yaml:"cluster,omitempty"`

	// Kind is the backend kind that produced the record.
	Kind BackendKind `json:"kind" yaml:"kind"`

	// Backend is the backend instance that produced the record.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// LastRefreshed is when the snapshot was taken.
	LastRefreshed Time `json:"lastRefreshed,omitempty" yaml:"lastRefreshed,omitempty"`
}

// GuestRecord is a point-in-time snapshot of one guest.
type GuestRecord struct {
	// ID is the backend's identifier for the guest.
	ID string `json:"id" yaml:"id"`

	// Name is the display name.
	Name string `json:"name" yaml:"name"`

	// HostID is the parent host, empty when the backend does not expose one.
	// +optional
	HostID string `json:"hostID,omitempty" yaml:"hostID,omitempty"`

	// Power is the normalized power state.
	Power GuestPowerState `json:"power" yaml:"power"`

	// IP is the first address reported by the guest agent or platform.
	// +optional
	IP string `json:"ip,omitempty" yaml:"ip,omitempty"`

	// UUID is the guest's BIOS UUID.
	// +optional
	UUID string `json:"uuid,omitempty" yaml:"uuid,omitempty"`

	// Kind is the backend kind that produced the record.
	Kind BackendKind `json:"kind" yaml:"kind"`

	// Backend is the backend instance that produced the record.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// LastRefreshed is when the snapshot was taken.
	LastRefreshed Time `json:"lastRefreshed,omitempty" yaml:"lastRefreshed,omitempty"`
}

// Matches reports whether the host record satisfies the filter.
func (h HostRecord) Matches(f Filter) bool {
	if f.Power != "" && string(h.Power) != f.Power {
		return false
	}
	return f.matchesName(h.ID, h.Name)
}

// Matches reports whether the guest record satisfies the filter.
func (g GuestRecord) Matches(f Filter) bool {
	if f.Power != "" && string(g.Power) != f.Power {
		return false
	}
	if f.HostID != "" && g.HostID != f.HostID {
		return false
	}
	return f.matchesName(g.ID, g.Name)
}
