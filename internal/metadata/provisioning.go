// Package metadata records how switchyard provisioned a libvirt guest in the
// domain's own XML metadata, so that later operations (guest_del in
// particular) find the guest's storage without outside state.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// Namespace is the XML namespace of switchyard metadata.
	Namespace = "http://switchyard.cofront.xyz/v1alpha1"

	// Key is the element prefix libvirt uses for the namespace.
	Key = "switchyard"
)

// ErrNotFound is returned by Load when the domain carries no switchyard
// metadata, e.g. because it was not created by switchyard.
var ErrNotFound = errors.New("no switchyard metadata on domain")

// Client is the slice of *libvirt.Libvirt this package uses.
type Client interface {
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// Provisioning describes the storage created for a guest.
type Provisioning struct {
	// Operation is the id of the guest_add that created the guest.
	Operation string    `yaml:"operation,omitempty"`
	Backend   string    `yaml:"backend,omitempty"`
	Pool      string    `yaml:"pool"`
	Image     string    `yaml:"image,omitempty"`
	Volumes   []string  `yaml:"volumes,omitempty"`
	CreatedAt time.Time `yaml:"createdAt"`
}

// element is the XML wrapper. The record is kept as YAML text so it reads
// well in `virsh dumpxml`.
type element struct {
	XMLName xml.Name `xml:"provisioning"`
	Xmlns   string   `xml:"xmlns,attr"`
	YAML    string   `xml:",chardata"`
}

// Store writes p to the domain's persistent config, replacing any earlier
// record.
func Store(c Client, dom libvirt.Domain, p *Provisioning) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal provisioning record: %w", err)
	}

	xmlData, err := xml.Marshal(element{Xmlns: Namespace, YAML: string(data)})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = c.DomainSetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{Key},
		libvirt.OptString{Namespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set domain metadata: %w", err)
	}
	return nil
}

// Load reads the provisioning record of dom. It returns ErrNotFound when
// there is none.
func Load(c Client, dom libvirt.Domain) (*Provisioning, error) {
	xmlStr, err := c.DomainGetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{Namespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && lerr.Code == uint32(libvirt.ErrNoDomainMetadata) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get domain metadata: %w", err)
	}

	var el element
	if err := xml.Unmarshal([]byte(xmlStr), &el); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var p Provisioning
	if err := yaml.Unmarshal([]byte(el.YAML), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provisioning record: %w", err)
	}
	return &p, nil
}
