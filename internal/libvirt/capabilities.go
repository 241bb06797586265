package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// HostInfo is the host identity read from the capabilities document.
type HostInfo struct {
	UUID string
	Arch string
}

// ParseCapabilities extracts HostInfo from ConnectGetCapabilities output.
func ParseCapabilities(capsXML string) (HostInfo, error) {
	var caps libvirtxml.Caps
	if err := caps.Unmarshal(capsXML); err != nil {
		return HostInfo{}, fmt.Errorf("failed to parse capabilities XML: %w", err)
	}
	info := HostInfo{UUID: caps.Host.UUID}
	if caps.Host.CPU != nil {
		info.Arch = caps.Host.CPU.Arch
	}
	return info, nil
}
