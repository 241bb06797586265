package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/hashicorp/go-multierror"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// IsNoVolume reports whether err is libvirt's "storage volume not found".
func IsNoVolume(err error) bool {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return lerr.Code == uint32(libvirt.ErrNoStorageVol)
	}
	return false
}

// CreateVolume creates a new volume in the specified pool.
func (m *Manager) CreateVolume(ctx context.Context, poolName string, spec VolumeSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid volume spec: %w", err)
	}

	pool, err := m.pool(ctx, poolName)
	if err != nil {
		return fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	var backingPath string
	if spec.Backing != nil {
		backingPath, err = m.GetVolumePath(ctx, spec.Backing.Pool, spec.Backing.Volume)
		if err != nil {
			return fmt.Errorf("failed to resolve backing volume %s/%s: %w", spec.Backing.Pool, spec.Backing.Volume, err)
		}
	}

	volumeXML, err := generateVolumeXML(spec, backingPath)
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	if _, err := m.client.StorageVolCreateXML(pool, volumeXML, 0); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", spec.Name, err)
	}
	return nil
}

// DeleteVolume deletes a volume from the specified pool.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	pool, err := m.pool(ctx, poolName)
	if err != nil {
		return fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return fmt.Errorf("failed to look up volume %s: %w", volumeName, err)
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", volumeName, err)
	}
	return nil
}

// DeleteVolumes deletes the named volumes from the pool. Names that do
// not exist are skipped. It keeps going past individual failures and
// returns the number deleted along with the combined errors.
func (m *Manager) DeleteVolumes(ctx context.Context, poolName string, names []string) (int, error) {
	var result *multierror.Error
	deleted := 0
	for _, name := range names {
		if err := m.DeleteVolume(ctx, poolName, name); err != nil {
			if IsNoVolume(err) {
				continue
			}
			result = multierror.Append(result, err)
			continue
		}
		deleted++
	}
	return deleted, result.ErrorOrNil()
}

// ListVolumes lists all volumes in the specified pool. Volumes whose path or
// size cannot be read are skipped.
func (m *Manager) ListVolumes(ctx context.Context, poolName string) ([]VolumeInfo, error) {
	pool, err := m.pool(ctx, poolName)
	if err != nil {
		return nil, fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	volumes, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes in %s: %w", poolName, err)
	}

	infos := make([]VolumeInfo, 0, len(volumes))
	for _, vol := range volumes {
		path, err := m.client.StorageVolGetPath(vol)
		if err != nil {
			continue
		}
		_, capacity, allocation, err := m.client.StorageVolGetInfo(vol)
		if err != nil {
			continue
		}
		infos = append(infos, VolumeInfo{
			Name:       vol.Name,
			Path:       path,
			Pool:       poolName,
			Capacity:   capacity,
			Allocation: allocation,
		})
	}
	return infos, nil
}

// GetVolumePath gets the full filesystem path for a volume.
func (m *Manager) GetVolumePath(ctx context.Context, poolName, volumeName string) (string, error) {
	pool, err := m.pool(ctx, poolName)
	if err != nil {
		return "", fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return "", fmt.Errorf("failed to look up volume %s: %w", volumeName, err)
	}

	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get path of volume %s: %w", volumeName, err)
	}
	return path, nil
}

// WriteVolumeData uploads data to a volume (used for cloud-init ISOs).
func (m *Manager) WriteVolumeData(ctx context.Context, poolName, volumeName string, data []byte) error {
	pool, err := m.pool(ctx, poolName)
	if err != nil {
		return fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return fmt.Errorf("failed to look up volume %s: %w", volumeName, err)
	}

	if err := m.client.StorageVolUpload(vol, bytes.NewReader(data), 0, uint64(len(data)), 0); err != nil {
		return fmt.Errorf("failed to upload data to volume %s: %w", volumeName, err)
	}
	return nil
}

// VolumeExists checks if a volume exists in the specified pool.
func (m *Manager) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	pool, err := m.pool(ctx, poolName)
	if err != nil {
		return false, fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	if _, err := m.client.StorageVolLookupByName(pool, volumeName); err != nil {
		if IsNoVolume(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up volume %s: %w", volumeName, err)
	}
	return true, nil
}

func generateVolumeXML(spec VolumeSpec, backingPath string) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.CapacityGB * 1024 * 1024 * 1024,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.Format),
			},
			Permissions: &libvirtxml.StorageVolumeTargetPermissions{
				Owner: "107",
				Group: "107",
				Mode:  "0644",
			},
		},
	}

	if backingPath != "" {
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path: backingPath,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(VolumeFormatQCOW2),
			},
		}
	}

	xmlStr, err := vol.Marshal()
	if err != nil {
		return "", err
	}
	return trimXMLHeader(xmlStr), nil
}
