package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/inventory"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatHosts outputs a YAML sequence of host records.
func (f *YAMLFormatter) FormatHosts(records []inventory.Records) (string, error) {
	return marshalYAML(hostsOf(records), "hosts")
}

// FormatGuests outputs a YAML sequence of guest records.
func (f *YAMLFormatter) FormatGuests(records []inventory.Records) (string, error) {
	return marshalYAML(guestsOf(records), "guests")
}

// FormatResult formats a Result as YAML.
func (f *YAMLFormatter) FormatResult(r v1alpha1.Result) (string, error) {
	return marshalYAML(r, "result")
}

// FormatConnection formats a connection test outcome as YAML.
func (f *YAMLFormatter) FormatConnection(s ConnectionStatus) (string, error) {
	return marshalYAML(s, "connection status")
}

// FormatBackends outputs a YAML stream of Backend documents, readable
// back as an inventory file.
func (f *YAMLFormatter) FormatBackends(backends []*v1alpha1.Backend) (string, error) {
	var buf bytes.Buffer

	for i, b := range backends {
		v1alpha1.SetDefaultAPIVersion(b)

		data, err := yaml.Marshal(b)
		if err != nil {
			return "", fmt.Errorf("failed to marshal backend %s to YAML: %w", b.Name, err)
		}

		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}

	return buf.String(), nil
}

func marshalYAML(v interface{}, what string) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to YAML: %w", what, err)
	}
	return string(data), nil
}
