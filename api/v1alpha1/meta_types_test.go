package v1alpha1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestTime_MarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		time     Time
		expected string
	}{
		{
			name:     "zero time returns null",
			time:     Time{},
			expected: "null",
		},
		{
			name:     "valid time returns RFC3339",
			time:     Time{Time: time.Date(2025, 11, 3, 10, 30, 0, 0, time.UTC)},
			expected: `"2025-11-03T10:30:00Z"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.time.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("MarshalJSON() = %s, want %s", string(got), tt.expected)
			}
		})
	}
}

func TestTime_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantZero  bool
		wantError bool
	}{
		{name: "null returns zero time", input: "null", wantZero: true},
		{name: "empty string returns zero time", input: `""`, wantZero: true},
		{name: "valid RFC3339 time", input: `"2025-11-03T10:30:00Z"`},
		{name: "invalid format", input: `"yesterday"`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Time
			err := got.UnmarshalJSON([]byte(tt.input))
			if tt.wantError {
				if err == nil {
					t.Error("UnmarshalJSON() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("UnmarshalJSON() error = %v", err)
			}
			if got.IsZero() != tt.wantZero {
				t.Errorf("UnmarshalJSON() zero = %v, want %v", got.IsZero(), tt.wantZero)
			}
		})
	}
}

func TestHostRecord_JSON(t *testing.T) {
	rec := HostRecord{
		ID:            "host-1",
		Name:          "esx01",
		Power:         HostOn,
		Kind:          BackendVCenter,
		LastRefreshed: Time{Time: time.Date(2025, 11, 3, 10, 30, 0, 0, time.UTC)},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"lastRefreshed":"2025-11-03T10:30:00Z"`) {
		t.Errorf("Expected RFC3339 timestamp in %s", data)
	}

	var back HostRecord
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !back.LastRefreshed.Equal(rec.LastRefreshed.Time) {
		t.Errorf("LastRefreshed = %v, want %v", back.LastRefreshed, rec.LastRefreshed)
	}
}

func TestTime_YAML(t *testing.T) {
	type wrapper struct {
		At Time `yaml:"at,omitempty"`
	}

	data, err := yaml.Marshal(wrapper{At: Time{Time: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.TrimSpace(string(data)) != `at: "2025-01-02T03:04:05Z"` {
		t.Errorf("Unexpected YAML: %s", data)
	}

	var back wrapper
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.At.Year() != 2025 {
		t.Errorf("Unexpected year %d", back.At.Year())
	}
}

func TestObjectMeta_DeepCopy(t *testing.T) {
	var nilMeta *ObjectMeta
	if nilMeta.DeepCopy() != nil {
		t.Error("DeepCopy() of nil should return nil")
	}

	in := &ObjectMeta{
		Name:        "vc-lab",
		Labels:      map[string]string{"site": "lab"},
		Annotations: map[string]string{"owner": "infra"},
	}
	out := in.DeepCopy()

	out.Labels["site"] = "prod"
	out.Annotations["owner"] = "someone-else"
	if in.Labels["site"] != "lab" {
		t.Error("Modifying copy.Labels affected original")
	}
	if in.Annotations["owner"] != "infra" {
		t.Error("Modifying copy.Annotations affected original")
	}
}
