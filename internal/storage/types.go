package storage

import "fmt"

// VolumeType represents the purpose of a storage volume.
type VolumeType string

const (
	VolumeTypeBoot      VolumeType = "boot"      // Guest boot disk
	VolumeTypeData      VolumeType = "data"      // Additional guest disk
	VolumeTypeCloudInit VolumeType = "cloudinit" // NoCloud seed ISO
)

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
)

// BackingVolume names a volume in another pool used as a qcow2 backing file.
type BackingVolume struct {
	Pool   string
	Volume string
}

// VolumeSpec specifies how to create a storage volume.
type VolumeSpec struct {
	Name       string
	Type       VolumeType
	Format     VolumeFormat
	CapacityGB uint64
	// Backing is optional. Only qcow2 volumes may have one.
	Backing *BackingVolume
}

// Validate checks if the volume spec is valid.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	if v.Type == "" {
		return fmt.Errorf("volume type is required")
	}
	switch v.Format {
	case VolumeFormatQCOW2, VolumeFormatRaw:
	case "":
		return fmt.Errorf("volume format is required")
	default:
		return fmt.Errorf("invalid volume format: %s (must be qcow2 or raw)", v.Format)
	}
	if v.CapacityGB == 0 && v.Type != VolumeTypeCloudInit {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	if v.Backing != nil {
		if v.Format != VolumeFormatQCOW2 {
			return fmt.Errorf("backing volumes are only supported for qcow2 format")
		}
		if v.Backing.Pool == "" || v.Backing.Volume == "" {
			return fmt.Errorf("backing volume needs both pool and volume")
		}
	}
	return nil
}

// VolumeInfo contains information about a storage volume.
type VolumeInfo struct {
	Name       string
	Path       string
	Pool       string
	Capacity   uint64 // bytes
	Allocation uint64 // bytes
}

// CapacityGB returns the volume capacity in GB.
func (v *VolumeInfo) CapacityGB() float64 {
	return float64(v.Capacity) / (1024 * 1024 * 1024)
}

// Default pool configuration on a libvirt host.
const (
	// DefaultGuestPool holds guest boot, data and seed volumes.
	DefaultGuestPool = "switchyard-guests"
	// DefaultGuestPoolPath is where DefaultGuestPool is created when missing.
	DefaultGuestPoolPath = "/var/lib/libvirt/images/switchyard"
	// DefaultImagePool holds base images guest_add clones from.
	DefaultImagePool = "default"
)
