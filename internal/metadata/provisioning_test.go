package metadata

import (
	"encoding/xml"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
)

type fakeClient struct {
	stored   map[string]string
	setErr   error
	getErr   error
	lastKey  string
	lastURI  string
	lastFlag libvirt.DomainModificationImpact
}

func newFakeClient() *fakeClient {
	return &fakeClient{stored: map[string]string{}}
}

func (f *fakeClient) DomainSetMetadata(dom libvirt.Domain, typ int32, md libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	if f.setErr != nil {
		return f.setErr
	}
	if len(key) > 0 {
		f.lastKey = key[0]
	}
	if len(uri) > 0 {
		f.lastURI = uri[0]
	}
	f.lastFlag = flags
	f.stored[dom.Name] = md[0]
	return nil
}

func (f *fakeClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	s, ok := f.stored[dom.Name]
	if !ok {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return s, nil
}

func TestStoreLoad(t *testing.T) {
	c := newFakeClient()
	dom := libvirt.Domain{Name: "app01"}
	want := &Provisioning{
		Operation: "b7d3c0de",
		Backend:   "kvm01",
		Pool:      "fast",
		Image:     "default/rocky9.qcow2",
		Volumes:   []string{"app01_boot.qcow2", "app01_cloudinit.iso"},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := Store(c, dom, want); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if c.lastKey != Key || c.lastURI != Namespace {
		t.Errorf("Store() key/uri = %q/%q, want %q/%q", c.lastKey, c.lastURI, Key, Namespace)
	}
	if c.lastFlag != libvirt.DomainAffectConfig {
		t.Errorf("Store() flags = %v, want DomainAffectConfig", c.lastFlag)
	}

	var el element
	if err := xml.Unmarshal([]byte(c.stored["app01"]), &el); err != nil {
		t.Fatalf("stored metadata is not XML: %v", err)
	}
	if el.XMLName.Local != "provisioning" || el.Xmlns != Namespace {
		t.Errorf("stored element = %s xmlns=%q", el.XMLName.Local, el.Xmlns)
	}
	if !strings.Contains(el.YAML, "pool: fast") {
		t.Errorf("stored record should be YAML, got %q", el.YAML)
	}

	got, err := Load(c, dom)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoad_Errors(t *testing.T) {
	backendErr := libvirt.Error{Code: uint32(libvirt.ErrInternalError), Message: "connection reset"}

	tests := []struct {
		name     string
		stored   string
		getErr   error
		notFound bool
		wantErr  string
	}{
		{name: "no metadata", notFound: true},
		{name: "backend error", getErr: backendErr, wantErr: "failed to get domain metadata"},
		{name: "not xml", stored: "pool: fast", wantErr: "failed to unmarshal metadata XML"},
		{
			name:    "bad yaml",
			stored:  `<provisioning xmlns="` + Namespace + `">volumes: [unterminated</provisioning>`,
			wantErr: "failed to unmarshal provisioning record",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeClient()
			c.getErr = tt.getErr
			if tt.stored != "" {
				c.stored["app01"] = tt.stored
			}

			_, err := Load(c, libvirt.Domain{Name: "app01"})
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if tt.notFound {
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("Load() error = %v, want ErrNotFound", err)
				}
				return
			}
			if errors.Is(err, ErrNotFound) {
				t.Errorf("Load() error = %v, should not be ErrNotFound", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStore_Error(t *testing.T) {
	c := newFakeClient()
	c.setErr = errors.New("domain is transient")

	err := Store(c, libvirt.Domain{Name: "app01"}, &Provisioning{Pool: "default"})
	if err == nil || !strings.Contains(err.Error(), "failed to set domain metadata") {
		t.Fatalf("Store() error = %v", err)
	}
	if !errors.Is(err, c.setErr) {
		t.Error("Store() should wrap the client error")
	}
}
