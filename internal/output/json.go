package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/inventory"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatHosts outputs a flat JSON array of host records.
func (f *JSONFormatter) FormatHosts(records []inventory.Records) (string, error) {
	return marshalJSON(hostsOf(records), "hosts")
}

// FormatGuests outputs a flat JSON array of guest records.
func (f *JSONFormatter) FormatGuests(records []inventory.Records) (string, error) {
	return marshalJSON(guestsOf(records), "guests")
}

// FormatResult formats a Result as JSON.
func (f *JSONFormatter) FormatResult(r v1alpha1.Result) (string, error) {
	return marshalJSON(r, "result")
}

// FormatConnection formats a connection test outcome as JSON.
func (f *JSONFormatter) FormatConnection(s ConnectionStatus) (string, error) {
	return marshalJSON(s, "connection status")
}

// FormatBackends formats the inventory as a JSON object with an items
// array, in the style of a Kubernetes List:
//
//	{
//	  "apiVersion": "switchyard.cofront.xyz/v1alpha1",
//	  "kind": "BackendList",
//	  "items": [...]
//	}
func (f *JSONFormatter) FormatBackends(backends []*v1alpha1.Backend) (string, error) {
	for _, b := range backends {
		v1alpha1.SetDefaultAPIVersion(b)
	}
	if backends == nil {
		backends = []*v1alpha1.Backend{}
	}

	wrapper := map[string]interface{}{
		"apiVersion": v1alpha1.GroupName + "/" + v1alpha1.Version,
		"kind":       v1alpha1.BackendResourceKind + "List",
		"items":      backends,
	}
	return marshalJSON(wrapper, "backend list")
}

func marshalJSON(v interface{}, what string) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(v); err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return buf.String(), nil
}
