package cloudinit

import (
	"bytes"
	"io"
	"testing"

	"github.com/kdomanski/iso9660"
)

func TestGenerateISO(t *testing.T) {
	tests := []struct {
		name      string
		seed      *Seed
		wantFiles []string
		wantErr   bool
	}{
		{
			name: "static networking",
			seed: &Seed{
				Name:    "web01",
				FQDN:    "web01.lab.example.com",
				SSHKeys: []string{"ssh-ed25519 AAAAC3Nza test@example.com"},
				Interfaces: []Interface{{
					IP: "10.20.30.40/24", Gateway: "10.20.30.1", MACAddress: "be:ef:0a:14:1e:28", DefaultRoute: true,
				}},
			},
			wantFiles: []string{"user-data", "meta-data", "network-config"},
		},
		{
			name:      "dhcp guest",
			seed:      &Seed{Name: "db01"},
			wantFiles: []string{"user-data", "meta-data"},
		},
		{
			name:    "nil seed",
			seed:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isoBytes, err := GenerateISO(tt.seed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GenerateISO() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			verifyISO(t, isoBytes, tt.seed, tt.wantFiles)
		})
	}
}

func verifyISO(t *testing.T, isoBytes []byte, seed *Seed, wantFiles []string) {
	t.Helper()

	img, err := iso9660.OpenImage(bytes.NewReader(isoBytes))
	if err != nil {
		t.Fatalf("failed to open ISO image: %v", err)
	}

	label, err := img.Label()
	if err != nil {
		t.Fatalf("failed to get volume label: %v", err)
	}
	if label != VolumeLabel {
		t.Errorf("ISO volume label = %q, want %q", label, VolumeLabel)
	}

	root, err := img.RootDir()
	if err != nil {
		t.Fatalf("failed to get root directory: %v", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		t.Fatalf("failed to get children: %v", err)
	}
	if len(children) != len(wantFiles) {
		t.Errorf("ISO contains %d files, want %d", len(children), len(wantFiles))
	}

	byName := make(map[string]*iso9660.File, len(children))
	for _, child := range children {
		byName[child.Name()] = child
	}

	for _, name := range wantFiles {
		child, ok := byName[name]
		if !ok {
			t.Errorf("required file %q not found in ISO", name)
			continue
		}
		content, err := io.ReadAll(child.Reader())
		if err != nil {
			t.Errorf("failed to read %s: %v", name, err)
			continue
		}

		var expected string
		switch name {
		case "user-data":
			expected, err = GenerateUserData(seed)
		case "meta-data":
			expected, err = GenerateMetaData(seed)
		case "network-config":
			expected, err = GenerateNetworkConfig(seed)
		}
		if err != nil {
			t.Fatalf("failed to generate expected %s: %v", name, err)
		}
		if string(content) != expected {
			t.Errorf("%s content mismatch:\ngot:\n%s\nwant:\n%s", name, content, expected)
		}
	}
}
