// Package naming holds the naming conventions shared across switchyard:
// libvirt volume names, deterministic MAC and tap names for statically
// addressed guests, and the keys the dispatch core serializes on.
package naming

import (
	"fmt"
	"net"
	"strings"
)

// DataDevice is the disk guest_add attaches a data volume to.
const DataDevice = "vdb"

const (
	bootSuffix      = "_boot.qcow2"
	cloudInitSuffix = "_cloudinit.iso"
)

// guestIPv4 parses a guest address given as "10.1.2.3" or "10.1.2.3/24".
func guestIPv4(ip string) (net.IP, error) {
	addr := ip
	if strings.Contains(ip, "/") {
		parsed, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		addr = parsed.String()
	}

	parsed := net.ParseIP(addr)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address: %s", addr)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", addr)
	}
	return v4, nil
}

// MACFromIP derives the guest NIC's MAC from its address under the locally
// administered be:ef: prefix, so 10.55.22.22 gets be:ef:0a:37:16:16.
func MACFromIP(ip string) (string, error) {
	v4, err := guestIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", v4[0], v4[1], v4[2], v4[3]), nil
}

// InterfaceNameFromIP derives the host tap name for the guest NIC,
// vm{octets in hex}; 10 characters fits the 15 allowed by Linux.
func InterfaceNameFromIP(ip string) (string, error) {
	v4, err := guestIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vm%02x%02x%02x%02x", v4[0], v4[1], v4[2], v4[3]), nil
}

// VolumeNameBoot is the guest's qcow2 overlay.
func VolumeNameBoot(guest string) string {
	return guest + bootSuffix
}

// VolumeNameData is the guest's data disk on device, e.g.
// web_data-vdb.qcow2.
func VolumeNameData(guest, device string) string {
	return fmt.Sprintf("%s_data-%s.qcow2", guest, device)
}

// VolumeNameCloudInit is the guest's NoCloud seed ISO.
func VolumeNameCloudInit(guest string) string {
	return guest + cloudInitSuffix
}

// GuestVolumes lists every volume guest_add can create for guest, in
// creation order. Cleanup matches these names exactly, never by prefix:
// guest "web" must not claim the volumes of guest "web_prod".
func GuestVolumes(guest string) []string {
	return []string{
		VolumeNameBoot(guest),
		VolumeNameData(guest, DataDevice),
		VolumeNameCloudInit(guest),
	}
}

// TargetKey identifies one operation target for per-target serialization:
// {backend}/{host|guest}/{target}.
func TargetKey(backend, recordKind, target string) string {
	return backend + "/" + recordKind + "/" + target
}
