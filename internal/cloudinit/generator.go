// Package cloudinit builds NoCloud seed documents for libvirt guests.
//
// A Seed is rendered into user-data, meta-data and, when the guest has
// statically addressed interfaces, network-config. GenerateISO packs them
// into a CIDATA volume the guest mounts on first boot.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is the per-guest input to the generators.
type Seed struct {
	// Name is the guest name. It doubles as the instance-id, so a guest
	// recreated under the same name runs first-boot again.
	Name             string
	FQDN             string
	SSHKeys          []string
	RootPasswordHash string
	SSHPwAuth        *bool
	Interfaces       []Interface
}

// Interface is one statically addressed NIC, matched by MAC inside the guest.
type Interface struct {
	IP           string // with prefix length, e.g. 10.20.30.40/24
	Gateway      string
	DNSServers   []string
	MACAddress   string
	DefaultRoute bool
}

// UserData is the cloud-config user-data document.
type UserData struct {
	Hostname          string    `yaml:"hostname"`
	FQDN              string    `yaml:"fqdn"`
	SSHAuthorizedKeys []string  `yaml:"ssh_authorized_keys,omitempty"`
	Chpasswd          *Chpasswd `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth   bool      `yaml:"ssh_pwauth"`
	Output            *Output   `yaml:"output,omitempty"`
}

// Chpasswd configures user password settings.
type Chpasswd struct {
	Expire bool   `yaml:"expire"`
	List   string `yaml:"list"` // username:hash
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData is the NoCloud meta-data document.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig is a netplan v2 network-config document.
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig configures one ethernet interface.
type EthernetConfig struct {
	Match       MatchConfig   `yaml:"match"`
	Addresses   []string      `yaml:"addresses"`
	Routes      []RouteConfig `yaml:"routes,omitempty"`
	Nameservers *Nameservers  `yaml:"nameservers,omitempty"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// RouteConfig is a static route.
type RouteConfig struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

// Nameservers lists DNS servers.
type Nameservers struct {
	Addresses []string `yaml:"addresses"`
}

func (s *Seed) validate() error {
	if s == nil {
		return fmt.Errorf("seed cannot be nil")
	}
	if s.Name == "" {
		return fmt.Errorf("seed name is required")
	}
	return nil
}

// GenerateUserData renders user-data including the "#cloud-config" header.
func GenerateUserData(s *Seed) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	hostname, fqdn := s.Name, s.Name
	if s.FQDN != "" {
		fqdn = s.FQDN
		hostname = strings.SplitN(fqdn, ".", 2)[0]
	}

	userData := UserData{
		Hostname:          hostname,
		FQDN:              fqdn,
		SSHAuthorizedKeys: s.SSHKeys,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}
	if s.RootPasswordHash != "" {
		userData.Chpasswd = &Chpasswd{List: "root:" + s.RootPasswordHash}
	}
	if s.SSHPwAuth != nil {
		userData.SSHPasswordAuth = *s.SSHPwAuth
	}

	out, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}

// GenerateMetaData renders meta-data.
func GenerateMetaData(s *Seed) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	out, err := yaml.Marshal(&MetaData{InstanceID: s.Name, LocalHostname: s.Name})
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}
	return string(out), nil
}

// GenerateNetworkConfig renders network-config. It returns the empty string
// when the seed has no interfaces, leaving the guest on DHCP.
func GenerateNetworkConfig(s *Seed) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	if len(s.Interfaces) == 0 {
		return "", nil
	}

	nc := NetworkConfig{
		Version:   2,
		Ethernets: make(map[string]EthernetConfig, len(s.Interfaces)),
	}
	for i, iface := range s.Interfaces {
		if iface.MACAddress == "" {
			return "", fmt.Errorf("interface %d has no MAC address", i)
		}
		eth := EthernetConfig{
			Match:     MatchConfig{MACAddress: iface.MACAddress},
			Addresses: []string{iface.IP},
		}
		if iface.DefaultRoute && iface.Gateway != "" {
			eth.Routes = []RouteConfig{{To: "0.0.0.0/0", Via: iface.Gateway}}
		}
		if len(iface.DNSServers) > 0 {
			eth.Nameservers = &Nameservers{Addresses: iface.DNSServers}
		}
		nc.Ethernets[fmt.Sprintf("eth%d", i)] = eth
	}

	out, err := yaml.Marshal(&nc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}
	return string(out), nil
}
