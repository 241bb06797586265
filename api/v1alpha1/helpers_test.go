package v1alpha1

import (
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	op := NewOperation(BackendVCenter, VerbHostRestart, "esx01")

	if op.ID == "" {
		t.Error("Expected ID to be set, got empty string")
	}
	if op.Kind != BackendVCenter {
		t.Errorf("Expected Kind vcenter, got %s", op.Kind)
	}
	if op.Params == nil {
		t.Error("Expected Params to be initialized")
	}

	other := NewOperation(BackendVCenter, VerbHostRestart, "esx01")
	if other.ID == op.ID {
		t.Errorf("Expected distinct IDs, both were %s", op.ID)
	}
}

func TestSetDefaultAPIVersion(t *testing.T) {
	tests := []struct {
		name         string
		backend      *Backend
		expectedAPI  string
		expectedKind string
	}{
		{
			name:         "missing both",
			backend:      &Backend{},
			expectedAPI:  "switchyard.cofront.xyz/v1alpha1",
			expectedKind: "Backend",
		},
		{
			name: "both present",
			backend: &Backend{
				TypeMeta: TypeMeta{APIVersion: "custom/v1", Kind: "Custom"},
			},
			expectedAPI:  "custom/v1",
			expectedKind: "Custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetDefaultAPIVersion(tt.backend)
			if tt.backend.APIVersion != tt.expectedAPI {
				t.Errorf("Expected APIVersion %s, got %s", tt.expectedAPI, tt.backend.APIVersion)
			}
			if tt.backend.Kind != tt.expectedKind {
				t.Errorf("Expected Kind %s, got %s", tt.expectedKind, tt.backend.Kind)
			}
		})
	}
}

func TestParseBackendKind(t *testing.T) {
	tests := []struct {
		input   string
		want    BackendKind
		wantErr bool
	}{
		{input: "vcenter", want: BackendVCenter},
		{input: "HyperV", want: BackendHyperV},
		{input: " KubeVirt ", want: BackendKubeVirt},
		{input: "ahv", want: BackendAHV},
		{input: "proxmox", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBackendKind(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got kind %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseVerb(t *testing.T) {
	tests := []struct {
		input   string
		want    Verb
		wantErr bool
	}{
		{input: "guest_start", want: VerbGuestStart},
		{input: "guest-stop", want: VerbGuestStop},
		{input: "HOST_RESTART", want: VerbHostRestart},
		{input: "guest_migrate", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseVerb(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestVerbPredicates(t *testing.T) {
	tests := []struct {
		verb     Verb
		host     bool
		search   bool
		add      bool
		record   RecordKind
		deadline time.Duration
	}{
		{VerbHostAdd, true, false, true, RecordHost, 120 * time.Second},
		{VerbHostSearch, true, true, false, RecordHost, 120 * time.Second},
		{VerbGuestAdd, false, false, true, RecordGuest, 60 * time.Second},
		{VerbGuestSuspend, false, false, false, RecordGuest, 60 * time.Second},
		{VerbGuestSearch, false, true, false, RecordGuest, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.verb), func(t *testing.T) {
			if tt.verb.IsHost() != tt.host {
				t.Errorf("IsHost() = %v, want %v", tt.verb.IsHost(), tt.host)
			}
			if tt.verb.IsSearch() != tt.search {
				t.Errorf("IsSearch() = %v, want %v", tt.verb.IsSearch(), tt.search)
			}
			if tt.verb.IsAdd() != tt.add {
				t.Errorf("IsAdd() = %v, want %v", tt.verb.IsAdd(), tt.add)
			}
			if tt.verb.IsMutating() == tt.search {
				t.Errorf("IsMutating() = %v, want %v", tt.verb.IsMutating(), !tt.search)
			}
			if tt.verb.RecordKind() != tt.record {
				t.Errorf("RecordKind() = %s, want %s", tt.verb.RecordKind(), tt.record)
			}
			if tt.verb.DefaultTimeout() != tt.deadline {
				t.Errorf("DefaultTimeout() = %v, want %v", tt.verb.DefaultTimeout(), tt.deadline)
			}
		})
	}
}

func TestEffectiveTimeout(t *testing.T) {
	op := NewOperation(BackendXEN, VerbGuestStart, "vm1")
	if op.EffectiveTimeout() != DefaultGuestTimeout {
		t.Errorf("Expected default guest timeout, got %v", op.EffectiveTimeout())
	}

	op.Timeout = 5 * time.Second
	if op.EffectiveTimeout() != 5*time.Second {
		t.Errorf("Expected override 5s, got %v", op.EffectiveTimeout())
	}
}

func TestOperationParams(t *testing.T) {
	op := NewOperation(BackendLibvirt, VerbGuestAdd, "web01")
	op.Params["vcpus"] = "4"
	op.Params["memory"] = "lots"
	op.Params["start"] = "false"

	if got := op.ParamInt("vcpus", 1); got != 4 {
		t.Errorf("ParamInt(vcpus) = %d, want 4", got)
	}
	if got := op.ParamInt("memory", 2048); got != 2048 {
		t.Errorf("ParamInt(memory) = %d, want fallback 2048", got)
	}
	if got := op.ParamBool("start", true); got {
		t.Error("ParamBool(start) = true, want false")
	}
	if got := op.Param("image", "fedora"); got != "fedora" {
		t.Errorf("Param(image) = %s, want fedora", got)
	}
	if got := op.Name(); got != "web01" {
		t.Errorf("Name() = %s, want web01", got)
	}
}

func TestResultHelpers(t *testing.T) {
	ok := GuestResult()
	if !ok.OK() {
		t.Error("Expected GuestResult to be OK")
	}
	if ok.Guests == nil {
		t.Error("Expected empty, non-nil guest payload")
	}
	if ok.Err() != nil {
		t.Errorf("Expected nil error, got %v", ok.Err())
	}

	failed := Fail(ErrTimeout, "gave up after %s", "60s")
	if failed.OK() {
		t.Error("Expected failure")
	}
	if failed.ErrorKind() != ErrTimeout {
		t.Errorf("Expected Timeout, got %s", failed.ErrorKind())
	}
	if !failed.Failure.Retryable {
		t.Error("Expected Timeout to be retryable")
	}
	if failed.Err().Error() != "Timeout: gave up after 60s" {
		t.Errorf("Unexpected error text: %s", failed.Err())
	}

	unsupported := Unsupported(BackendKubeVirt, VerbHostRestart)
	if unsupported.ErrorKind() != ErrUnsupported || unsupported.Failure.Retryable {
		t.Errorf("Unexpected unsupported result: %+v", unsupported.Failure)
	}
}

func TestRecordMatches(t *testing.T) {
	guest := GuestRecord{ID: "42", Name: "Web-01", HostID: "esx01", Power: GuestRunning}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty", filter: Filter{}, want: true},
		{name: "name substring", filter: Filter{Name: "web"}, want: true},
		{name: "id match", filter: Filter{Name: "42"}, want: true},
		{name: "power mismatch", filter: Filter{Power: "Stopped"}, want: false},
		{name: "host match", filter: Filter{HostID: "esx01"}, want: true},
		{name: "host mismatch", filter: Filter{HostID: "esx02"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := guest.Matches(tt.filter); got != tt.want {
				t.Errorf("Matches(%+v) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}

	host := HostRecord{ID: "esx01", Name: "esx01.lab", Power: HostOn}
	if !host.Matches(Filter{Power: "On"}) {
		t.Error("Expected host to match power On")
	}
}

func TestBackendDefaults(t *testing.T) {
	b := &Backend{Spec: BackendSpec{Kind: BackendKubeVirt, Options: map[string]string{"namespace": "vms"}}}

	if got := b.GetMaxSessions(); got != DefaultMaxSessions {
		t.Errorf("GetMaxSessions() = %d, want %d", got, DefaultMaxSessions)
	}
	if got := b.Option("namespace", "default"); got != "vms" {
		t.Errorf("Option(namespace) = %s, want vms", got)
	}
	if got := b.Option("apiVersion", "v1"); got != "v1" {
		t.Errorf("Option(apiVersion) = %s, want v1", got)
	}
}
