package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/inventory"
)

var refreshed = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func testRecords() []inventory.Records {
	return []inventory.Records{
		{
			Backend: "vcenter-lab",
			Hosts: []v1alpha1.HostRecord{
				{ID: "host-12", Name: "esx01.lab", Power: v1alpha1.HostOn, IP: "192.168.10.21", Cluster: "Lab", Kind: v1alpha1.BackendVCenter, Backend: "vcenter-lab", LastRefreshed: v1alpha1.NewTime(refreshed)},
			},
			Guests: []v1alpha1.GuestRecord{
				{ID: "vm-101", Name: "web-1", HostID: "host-12", Power: v1alpha1.GuestRunning, IP: "10.20.0.11", Kind: v1alpha1.BackendVCenter, Backend: "vcenter-lab"},
			},
		},
		{
			Backend: "xen-lab",
			Hosts: []v1alpha1.HostRecord{
				{ID: "7f1c", Name: "xen01", Power: v1alpha1.HostOff, Kind: v1alpha1.BackendXEN, Backend: "xen-lab"},
			},
			Guests: []v1alpha1.GuestRecord{
				{ID: "a9e0", Name: "db-1", Power: v1alpha1.GuestStopped, Kind: v1alpha1.BackendXEN, Backend: "xen-lab"},
			},
		},
	}
}

func testBackends() []*v1alpha1.Backend {
	return []*v1alpha1.Backend{
		{
			ObjectMeta: v1alpha1.ObjectMeta{Name: "vcenter-lab"},
			Spec:       v1alpha1.BackendSpec{Kind: v1alpha1.BackendVCenter, Endpoint: "vc01.lab", CredentialRef: "vc", RateLimit: 2.5},
		},
		{
			ObjectMeta: v1alpha1.ObjectMeta{Name: "ahv-lab"},
			Spec:       v1alpha1.BackendSpec{Kind: v1alpha1.BackendAHV, Endpoint: "prism.lab:9440", MaxSessions: 2},
		},
	}
}

func TestTableFormatter_FormatHosts(t *testing.T) {
	f := &TableFormatter{now: func() time.Time { return refreshed.Add(3 * time.Minute) }}
	output, err := f.FormatHosts(testRecords())
	if err != nil {
		t.Fatalf("FormatHosts() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), output)
	}
	for _, want := range []string{"BACKEND", "POWER", "CLUSTER", "esx01.lab", "192.168.10.21", "Lab", "vCenter", "xen01", "XEN", "On", "Off", "3m"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestTableFormatter_FormatGuests(t *testing.T) {
	tests := []struct {
		name      string
		noHeaders bool
		records   []inventory.Records
		wantLines int
		want      []string
	}{
		{
			name:      "with headers",
			records:   testRecords(),
			wantLines: 3,
			want:      []string{"HOST", "IP", "web-1", "host-12", "10.20.0.11", "Running", "db-1", "Stopped"},
		},
		{
			name:      "without headers",
			noHeaders: true,
			records:   testRecords(),
			wantLines: 2,
			want:      []string{"web-1", "db-1"},
		},
		{
			name:      "empty",
			records:   nil,
			wantLines: 1,
			want:      []string{"No guests found"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &TableFormatter{NoHeaders: tt.noHeaders}
			output, err := f.FormatGuests(tt.records)
			if err != nil {
				t.Fatalf("FormatGuests() error = %v", err)
			}
			lines := strings.Split(strings.TrimSpace(output), "\n")
			if len(lines) != tt.wantLines {
				t.Errorf("expected %d lines, got %d:\n%s", tt.wantLines, len(lines), output)
			}
			for _, want := range tt.want {
				if !strings.Contains(output, want) {
					t.Errorf("output missing %q:\n%s", want, output)
				}
			}
			if tt.noHeaders && strings.Contains(output, "BACKEND") {
				t.Errorf("header present with NoHeaders:\n%s", output)
			}
		})
	}
}

func TestTableFormatter_FormatResult(t *testing.T) {
	failed := v1alpha1.Fail(v1alpha1.ErrNotFound, "guest web-9 not found")
	failed.OperationID = "op-2"
	failed.Verb = v1alpha1.VerbGuestStop
	failed.Target = "web-9"
	failed.Backend = "xen-lab"
	failed.Attempts = 1

	search := v1alpha1.GuestResult(testRecords()[0].Guests...)
	search.Verb = v1alpha1.VerbGuestSearch

	ok := v1alpha1.Success()
	ok.Verb = v1alpha1.VerbHostRestart
	ok.Target = "esx01.lab"
	ok.Attempts = 3

	tests := []struct {
		name   string
		result v1alpha1.Result
		want   []string
	}{
		{"failure", failed, []string{"op-2", "guest_stop", "web-9", "NotFound", "guest web-9 not found"}},
		{"search", search, []string{"web-1", "Running"}},
		{"mutation", ok, []string{"host_restart", "esx01.lab", "Success", "3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := (&TableFormatter{}).FormatResult(tt.result)
			if err != nil {
				t.Fatalf("FormatResult() error = %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(output, want) {
					t.Errorf("output missing %q:\n%s", want, output)
				}
			}
		})
	}
}

func TestTableFormatter_FormatBackends(t *testing.T) {
	output, err := (&TableFormatter{}).FormatBackends(testBackends())
	if err != nil {
		t.Fatalf("FormatBackends() error = %v", err)
	}
	for _, want := range []string{"vcenter-lab", "vCenter", "2.5/s", "AHV", "prism.lab:9440"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}

	empty, _ := (&TableFormatter{}).FormatBackends(nil)
	if empty != "No backends configured\n" {
		t.Errorf("empty output = %q", empty)
	}
}

func TestTableFormatter_FormatConnection(t *testing.T) {
	s := ConnectionStatus{
		Backend:  "kvm01",
		Kind:     v1alpha1.BackendLibvirt,
		Endpoint: "qemu+ssh://kvm01/system",
		State:    v1alpha1.SessionClosed,
		Attempts: 5,
		Latency:  1500 * time.Millisecond,
		Error:    "dial tcp: connection refused",
	}
	output, err := (&TableFormatter{}).FormatConnection(s)
	if err != nil {
		t.Fatalf("FormatConnection() error = %v", err)
	}
	for _, want := range []string{"kvm01", "Libvirt", "Closed", "1.5s", "connection refused"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestYAMLFormatter_FormatHosts(t *testing.T) {
	output, err := (&YAMLFormatter{}).FormatHosts(testRecords())
	if err != nil {
		t.Fatalf("FormatHosts() error = %v", err)
	}

	var hosts []v1alpha1.HostRecord
	if err := yaml.Unmarshal([]byte(output), &hosts); err != nil {
		t.Fatalf("output is not valid YAML: %v\n%s", err, output)
	}
	if len(hosts) != 2 || hosts[0].Name != "esx01.lab" || !hosts[0].LastRefreshed.Equal(refreshed) {
		t.Errorf("unexpected hosts: %+v", hosts)
	}
}

func TestYAMLFormatter_FormatBackends(t *testing.T) {
	output, err := (&YAMLFormatter{}).FormatBackends(testBackends())
	if err != nil {
		t.Fatalf("FormatBackends() error = %v", err)
	}
	if strings.Count(output, "---\n") != 1 {
		t.Errorf("expected one document separator:\n%s", output)
	}
	if strings.Count(output, "apiVersion: switchyard.cofront.xyz/v1alpha1") != 2 {
		t.Errorf("expected apiVersion on every document:\n%s", output)
	}

	empty, _ := (&YAMLFormatter{}).FormatBackends(nil)
	if empty != "" {
		t.Errorf("empty output = %q", empty)
	}
}

func TestJSONFormatter_FormatGuests(t *testing.T) {
	output, err := (&JSONFormatter{}).FormatGuests(testRecords())
	if err != nil {
		t.Fatalf("FormatGuests() error = %v", err)
	}
	var guests []v1alpha1.GuestRecord
	if err := json.Unmarshal([]byte(output), &guests); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, output)
	}
	if len(guests) != 2 || guests[1].Power != v1alpha1.GuestStopped {
		t.Errorf("unexpected guests: %+v", guests)
	}

	empty, _ := (&JSONFormatter{}).FormatGuests(nil)
	if empty != "[]\n" {
		t.Errorf("empty output = %q, want []", empty)
	}
}

func TestJSONFormatter_FormatResult(t *testing.T) {
	r := v1alpha1.Fail(v1alpha1.ErrTransient, "busy")
	r.Attempts = 4
	output, err := (&JSONFormatter{}).FormatResult(r)
	if err != nil {
		t.Fatalf("FormatResult() error = %v", err)
	}
	var decoded v1alpha1.Result
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.ErrorKind() != v1alpha1.ErrTransient || decoded.Attempts != 4 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestJSONFormatter_FormatBackends(t *testing.T) {
	output, err := (&JSONFormatter{}).FormatBackends(testBackends())
	if err != nil {
		t.Fatalf("FormatBackends() error = %v", err)
	}
	var list struct {
		Kind  string              `json:"kind"`
		Items []*v1alpha1.Backend `json:"items"`
	}
	if err := json.Unmarshal([]byte(output), &list); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if list.Kind != "BackendList" || len(list.Items) != 2 {
		t.Errorf("decoded = %+v", list)
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		want    string
		wantErr bool
	}{
		{"table", Options{Format: FormatTable, NoHeaders: true}, "*output.TableFormatter", false},
		{"default", Options{}, "*output.TableFormatter", false},
		{"yaml", Options{Format: FormatYAML}, "*output.YAMLFormatter", false},
		{"json", Options{Format: FormatJSON}, "*output.JSONFormatter", false},
		{"xml", Options{Format: "xml"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFormatter(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := typeName(f); got != tt.want {
				t.Errorf("NewFormatter() = %s, want %s", got, tt.want)
			}
			if tf, ok := f.(*TableFormatter); ok && tf.NoHeaders != tt.opts.NoHeaders {
				t.Errorf("NoHeaders = %v, want %v", tf.NoHeaders, tt.opts.NoHeaders)
			}
		})
	}
}

func typeName(f Formatter) string {
	switch f.(type) {
	case *TableFormatter:
		return "*output.TableFormatter"
	case *YAMLFormatter:
		return "*output.YAMLFormatter"
	case *JSONFormatter:
		return "*output.JSONFormatter"
	}
	return ""
}

func TestValidateFormat(t *testing.T) {
	for _, format := range []string{"table", "yaml", "json"} {
		if err := ValidateFormat(format); err != nil {
			t.Errorf("ValidateFormat(%q) error = %v", format, err)
		}
	}
	for _, format := range []string{"", "TABLE", "xml"} {
		if err := ValidateFormat(format); err == nil {
			t.Errorf("ValidateFormat(%q) expected error", format)
		}
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"negative", -time.Second, "unknown"},
		{"5 seconds", 5 * time.Second, "5s"},
		{"90 seconds", 90 * time.Second, "1m"},
		{"90 minutes", 90 * time.Minute, "1h"},
		{"2 days", 48 * time.Hour, "2d"},
		{"50 days", 50 * 24 * time.Hour, "7w"},
		{"60 days", 60 * 24 * time.Hour, "60d"},
		{"400 days", 400 * 24 * time.Hour, "1y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatAge(tt.duration); got != tt.want {
				t.Errorf("formatAge(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}
