package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// DomainSpec describes a guest to define.
type DomainSpec struct {
	Name      string
	MemoryMiB uint
	VCPUs     uint
	// CPUMode defaults to host-model.
	CPUMode string
	// Firmware is "efi" or "bios"; empty means efi.
	Firmware string

	// Pool holds every volume below.
	Pool        string
	BootVolume  string
	DataVolumes []DataVolume
	// SeedVolume is the cloud-init ISO, attached as a cdrom when set.
	SeedVolume string

	Interfaces []Interface
}

// DataVolume attaches an extra volume at a virtio device.
type DataVolume struct {
	Device string // vdb, vdc, ...
	Volume string
}

// Interface is one NIC. Exactly one of Bridge and Network is set.
type Interface struct {
	Bridge  string
	Network string
	// MAC and TapName are optional; libvirt assigns them when empty.
	MAC     string
	TapName string
}

// Validate checks the spec before rendering.
func (s *DomainSpec) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("domain name is required")
	case s.MemoryMiB == 0:
		return fmt.Errorf("memory must be greater than 0")
	case s.VCPUs == 0:
		return fmt.Errorf("vcpus must be greater than 0")
	case s.Pool == "" || s.BootVolume == "":
		return fmt.Errorf("boot volume and pool are required")
	}
	if s.Firmware != "" && s.Firmware != "efi" && s.Firmware != "bios" {
		return fmt.Errorf("firmware must be efi or bios, got %q", s.Firmware)
	}
	for i, iface := range s.Interfaces {
		if (iface.Bridge == "") == (iface.Network == "") {
			return fmt.Errorf("interface %d needs exactly one of bridge or network", i)
		}
	}
	return nil
}

func uintPtr(v uint) *uint { return &v }

func volumeDisk(pool, volume, dev, format string) libvirtxml.DomainDisk {
	return libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  format,
			Cache: "none",
		},
		Source: &libvirtxml.DomainDiskSource{
			Volume: &libvirtxml.DomainDiskSourceVolume{
				Pool:   pool,
				Volume: volume,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: dev,
			Bus: "virtio",
		},
	}
}

// GenerateDomainXML renders libvirt domain XML for spec.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid domain spec: %w", err)
	}

	cpuMode := spec.CPUMode
	if cpuMode == "" {
		cpuMode = "host-model"
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: spec.MemoryMiB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     spec.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: cpuMode,
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{Model: "virtio"},
			RNGs: []libvirtxml.DomainRNG{{
				Model: "virtio",
				Backend: &libvirtxml.DomainRNGBackend{
					Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
				},
			}},
		},
	}
	if spec.Firmware != "bios" {
		domain.OS.Firmware = "efi"
	}

	boot := volumeDisk(spec.Pool, spec.BootVolume, "vda", "qcow2")
	boot.Boot = &libvirtxml.DomainDeviceBoot{Order: 1}
	domain.Devices.Disks = append(domain.Devices.Disks, boot)

	for _, dv := range spec.DataVolumes {
		domain.Devices.Disks = append(domain.Devices.Disks, volumeDisk(spec.Pool, dv.Volume, dv.Device, "qcow2"))
	}

	if spec.SeedVolume != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source: &libvirtxml.DomainDiskSource{
				Volume: &libvirtxml.DomainDiskSourceVolume{Pool: spec.Pool, Volume: spec.SeedVolume},
			},
			Target:   &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	for _, iface := range spec.Interfaces {
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, domainInterface(iface))
	}

	domain.Devices.Serials = []libvirtxml.DomainSerial{{
		Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
		Target: &libvirtxml.DomainSerialTarget{Port: uintPtr(0)},
	}}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{{
		Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
		Target: &libvirtxml.DomainConsoleTarget{Type: "serial", Port: uintPtr(0)},
	}}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

func domainInterface(iface Interface) libvirtxml.DomainInterface {
	out := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
	if iface.Bridge != "" {
		out.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: iface.Bridge},
		}
	} else {
		out.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: iface.Network},
		}
	}
	if iface.MAC != "" {
		out.MAC = &libvirtxml.DomainInterfaceMAC{Address: iface.MAC}
	}
	if iface.TapName != "" {
		out.Target = &libvirtxml.DomainInterfaceTarget{Dev: iface.TapName}
	}
	return out
}
