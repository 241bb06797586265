// Package output renders switchyard listings and operation results as
// tables, YAML or JSON.
package output

import (
	"fmt"
	"time"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/inventory"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format for declarative configs.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// ConnectionStatus is the outcome of a connection test against one backend.
type ConnectionStatus struct {
	Backend     string                `json:"backend" yaml:"backend"`
	Kind        v1alpha1.BackendKind  `json:"kind" yaml:"kind"`
	Endpoint    string                `json:"endpoint" yaml:"endpoint"`
	State       v1alpha1.SessionState `json:"state" yaml:"state"`
	Attempts    int                   `json:"attempts" yaml:"attempts"`
	ConnectedAt time.Time             `json:"connectedAt,omitempty" yaml:"connectedAt,omitempty"`
	Latency     time.Duration         `json:"latency" yaml:"latency"`
	Error       string                `json:"error,omitempty" yaml:"error,omitempty"`
}

// OK reports whether the backend answered.
func (s ConnectionStatus) OK() bool { return s.Error == "" }

// Formatter formats switchyard resources for output.
type Formatter interface {
	// FormatHosts formats host listings from one or more backends.
	FormatHosts(records []inventory.Records) (string, error)

	// FormatGuests formats guest listings from one or more backends.
	FormatGuests(records []inventory.Records) (string, error)

	// FormatResult formats the outcome of a single operation.
	FormatResult(r v1alpha1.Result) (string, error)

	// FormatBackends formats the configured backend inventory.
	FormatBackends(backends []*v1alpha1.Backend) (string, error)

	// FormatConnection formats a connection test outcome.
	FormatConnection(s ConnectionStatus) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable, "":
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}

func hostsOf(records []inventory.Records) []v1alpha1.HostRecord {
	hosts := []v1alpha1.HostRecord{}
	for _, r := range records {
		hosts = append(hosts, r.Hosts...)
	}
	return hosts
}

func guestsOf(records []inventory.Records) []v1alpha1.GuestRecord {
	guests := []v1alpha1.GuestRecord{}
	for _, r := range records {
		guests = append(guests, r.Guests...)
	}
	return guests
}
