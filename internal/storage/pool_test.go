package storage

import (
	"context"
	"strings"
	"testing"
)

func TestManager_EnsurePool(t *testing.T) {
	tests := []struct {
		name     string
		existing bool
		path     string
		wantErr  bool
	}{
		{name: "already present", existing: true},
		{name: "created at path", path: "/var/lib/libvirt/images/switchyard"},
		{name: "missing without path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeLibvirt()
			if tt.existing {
				fake.addPool("guests")
			}
			mgr := NewManager(fake)

			err := mgr.EnsurePool(context.Background(), "guests", tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsurePool() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if running, ok := fake.pools["guests"]; !ok || !running {
				t.Errorf("pool should exist and be running, got exists=%v running=%v", ok, running)
			}
		})
	}
}

func TestGenerateDirPoolXML(t *testing.T) {
	xml, err := generateDirPoolXML("guests", "/srv/guests")
	if err != nil {
		t.Fatalf("generateDirPoolXML() error = %v", err)
	}
	for _, want := range []string{`type="dir"`, "<name>guests</name>", "<path>/srv/guests</path>", "<mode>0755</mode>"} {
		if !strings.Contains(xml, want) {
			t.Errorf("pool XML missing %q:\n%s", want, xml)
		}
	}
	if strings.HasPrefix(xml, "<?xml") {
		t.Error("XML header should be trimmed")
	}
}
