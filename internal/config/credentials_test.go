package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func testPrivateKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(block))
}

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		vars    map[string]string
		wantErr string
		ref     string
		check   func(t *testing.T, c *Credentials)
	}{
		{
			name: "literal and expanded values",
			yaml: `
credentials:
  vcenter-lab:
    username: administrator@vsphere.local
    password: ${VC_PASSWORD}
  ahv-lab:
    token: "Bearer ${AHV_TOKEN}"
`,
			vars: map[string]string{"VC_PASSWORD": "s3cret", "AHV_TOKEN": "abc"},
			check: func(t *testing.T, c *Credentials) {
				s, err := c.Resolve("vcenter-lab")
				if err != nil {
					t.Fatal(err)
				}
				if s.Username != "administrator@vsphere.local" || s.Password != "s3cret" {
					t.Errorf("vcenter-lab = %+v", s)
				}
				s, err = c.Resolve("ahv-lab")
				if err != nil {
					t.Fatal(err)
				}
				if s.Token != "Bearer abc" {
					t.Errorf("Token = %q", s.Token)
				}
				if got := strings.Join(c.Refs(), ","); got != "ahv-lab,vcenter-lab" {
					t.Errorf("Refs() = %s", got)
				}
			},
		},
		{
			name:    "unset variable",
			yaml:    "credentials:\n  xen:\n    password: ${XEN_PASSWORD}\n",
			wantErr: "environment variable not set: XEN_PASSWORD",
		},
		{
			name:    "empty entry",
			yaml:    "credentials:\n  xen: {}\n",
			wantErr: "no credential material",
		},
		{
			name:    "bad private key",
			yaml:    "credentials:\n  kvm:\n    username: root\n    privateKey: not-a-key\n",
			wantErr: "invalid private key",
		},
		{
			name:    "malformed yaml",
			yaml:    "credentials: [",
			wantErr: "failed to parse credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCredentials([]byte(tt.yaml), env(tt.vars))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestParseCredentials_PrivateKey(t *testing.T) {
	key := testPrivateKey(t)
	doc := "credentials:\n  kvm:\n    username: root\n    privateKey: ${KVM_KEY}\n"

	c, err := ParseCredentials([]byte(doc), env(map[string]string{"KVM_KEY": key}))
	if err != nil {
		t.Fatalf("ParseCredentials() error = %v", err)
	}
	s, err := c.Resolve("kvm")
	if err != nil {
		t.Fatal(err)
	}
	if string(s.PrivateKey) != key {
		t.Error("private key was not carried through")
	}
}

func TestResolve(t *testing.T) {
	c, err := ParseCredentials([]byte("credentials:\n  a:\n    token: t\n"), env(nil))
	if err != nil {
		t.Fatal(err)
	}

	if s, err := c.Resolve(""); err != nil || !s.Empty() {
		t.Errorf("Resolve(\"\") = %+v, %v; want empty secret", s, err)
	}
	if _, err := c.Resolve("b"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("Resolve(b) error = %v, want ErrUnknownCredential", err)
	}

	var none *Credentials
	if _, err := none.Resolve("a"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("nil Resolve(a) error = %v, want ErrUnknownCredential", err)
	}
}

func TestLoadCredentialsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	if err := os.WriteFile(path, []byte("credentials:\n  rhevm:\n    username: admin@internal\n    token: engine\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCredentialsFromFile(path)
	if err != nil {
		t.Fatalf("LoadCredentialsFromFile() error = %v", err)
	}
	if s, _ := c.Resolve("rhevm"); s.Username != "admin@internal" {
		t.Errorf("rhevm = %+v", s)
	}
	if _, err := LoadCredentialsFromFile(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}
