package storage

import (
	"context"
	"fmt"
	"strings"

	libvirtxml "libvirt.org/go/libvirtxml"
)

// EnsurePool makes sure a directory pool exists and is running, creating it
// at path when missing.
func (m *Manager) EnsurePool(ctx context.Context, name, path string) error {
	if _, err := m.pool(ctx, name); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return err
	}
	return m.createDirPool(name, path)
}

func (m *Manager) createDirPool(name, path string) error {
	if path == "" {
		return fmt.Errorf("pool %s does not exist and no path was given to create it", name)
	}

	poolXML, err := generateDirPoolXML(name, path)
	if err != nil {
		return fmt.Errorf("failed to generate pool XML: %w", err)
	}

	pool, err := m.client.StoragePoolDefineXML(poolXML, 0)
	if err != nil {
		return fmt.Errorf("failed to define pool %s: %w", name, err)
	}

	if err := m.client.StoragePoolBuild(pool, 0); err != nil {
		_ = m.client.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to build pool %s: %w", name, err)
	}

	if err := m.client.StoragePoolCreate(pool, 0); err != nil {
		_ = m.client.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to start pool %s: %w", name, err)
	}

	if err := m.client.StoragePoolSetAutostart(pool, 1); err != nil {
		return fmt.Errorf("pool %s created but failed to set autostart: %w", name, err)
	}
	return nil
}

func generateDirPoolXML(name, path string) (string, error) {
	pool := &libvirtxml.StoragePool{
		Type: "dir",
		Name: name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: path,
			Permissions: &libvirtxml.StoragePoolTargetPermissions{
				Owner: "107", // qemu
				Group: "107",
				Mode:  "0755",
			},
		},
	}

	xmlStr, err := pool.Marshal()
	if err != nil {
		return "", err
	}
	return trimXMLHeader(xmlStr), nil
}

func trimXMLHeader(s string) string {
	s = strings.TrimPrefix(s, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(s)
}
