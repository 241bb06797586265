package storage

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/digitalocean/go-libvirt"
)

// fakeLibvirt is an in-memory LibvirtClient.
type fakeLibvirt struct {
	pools   map[string]bool                   // pool name -> running
	volumes map[string]map[string]*fakeVolume // pool name -> volume name -> volume

	createdXML []string
	failDelete map[string]bool
}

type fakeVolume struct {
	name     string
	path     string
	capacity uint64
	data     []byte
}

func newFakeLibvirt() *fakeLibvirt {
	return &fakeLibvirt{
		pools:      make(map[string]bool),
		volumes:    make(map[string]map[string]*fakeVolume),
		failDelete: make(map[string]bool),
	}
}

func (f *fakeLibvirt) addPool(name string) {
	f.pools[name] = true
	f.volumes[name] = make(map[string]*fakeVolume)
}

func (f *fakeLibvirt) addVolume(pool, name string) {
	f.volumes[pool][name] = &fakeVolume{name: name, path: "/pools/" + pool + "/" + name, capacity: 1 << 30}
}

func noPool(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "Storage pool not found: no storage pool with matching name '" + name + "'"}
}

func noVolume(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "Storage volume not found: no storage vol with matching name '" + name + "'"}
}

func (f *fakeLibvirt) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if _, ok := f.pools[name]; !ok {
		return libvirt.StoragePool{}, noPool(name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (f *fakeLibvirt) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	name := extractTagValue(xml, "name")
	if name == "" {
		return libvirt.StoragePool{}, fmt.Errorf("invalid pool XML: missing name")
	}
	if _, ok := f.pools[name]; ok {
		return libvirt.StoragePool{}, fmt.Errorf("pool %s already exists", name)
	}
	f.pools[name] = false
	f.volumes[name] = make(map[string]*fakeVolume)
	return libvirt.StoragePool{Name: name}, nil
}

func (f *fakeLibvirt) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	if _, ok := f.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	f.pools[pool.Name] = true
	return nil
}

func (f *fakeLibvirt) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	if _, ok := f.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	return nil
}

func (f *fakeLibvirt) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	return nil
}

func (f *fakeLibvirt) StoragePoolUndefine(pool libvirt.StoragePool) error {
	delete(f.pools, pool.Name)
	delete(f.volumes, pool.Name)
	return nil
}

func (f *fakeLibvirt) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	vols, ok := f.volumes[pool.Name]
	if !ok {
		return nil, 0, noPool(pool.Name)
	}
	names := make([]string, 0, len(vols))
	for name := range vols {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]libvirt.StorageVol, 0, len(names))
	for _, name := range names {
		result = append(result, libvirt.StorageVol{Pool: pool.Name, Name: name})
	}
	return result, uint32(len(result)), nil
}

func (f *fakeLibvirt) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	vols, ok := f.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}
	if _, ok := vols[name]; !ok {
		return libvirt.StorageVol{}, noVolume(name)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (f *fakeLibvirt) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	vols, ok := f.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}
	name := extractTagValue(xml, "name")
	if name == "" {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: missing name")
	}
	if _, ok := vols[name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume %s already exists", name)
	}
	f.createdXML = append(f.createdXML, xml)
	f.addVolume(pool.Name, name)
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (f *fakeLibvirt) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if f.failDelete[vol.Name] {
		return fmt.Errorf("cannot delete %s: device or resource busy", vol.Name)
	}
	vols, ok := f.volumes[vol.Pool]
	if !ok {
		return noPool(vol.Pool)
	}
	if _, ok := vols[vol.Name]; !ok {
		return noVolume(vol.Name)
	}
	delete(vols, vol.Name)
	return nil
}

func (f *fakeLibvirt) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	v, err := f.volume(vol)
	if err != nil {
		return "", err
	}
	return v.path, nil
}

func (f *fakeLibvirt) StorageVolGetInfo(vol libvirt.StorageVol) (int8, uint64, uint64, error) {
	v, err := f.volume(vol)
	if err != nil {
		return 0, 0, 0, err
	}
	return 0, v.capacity, uint64(len(v.data)), nil
}

func (f *fakeLibvirt) StorageVolUpload(vol libvirt.StorageVol, reader io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	v, err := f.volume(vol)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}
	v.data = data
	return nil
}

func (f *fakeLibvirt) volume(vol libvirt.StorageVol) (*fakeVolume, error) {
	vols, ok := f.volumes[vol.Pool]
	if !ok {
		return nil, noPool(vol.Pool)
	}
	v, ok := vols[vol.Name]
	if !ok {
		return nil, noVolume(vol.Name)
	}
	return v, nil
}

func extractTagValue(xml, tag string) string {
	start := strings.Index(xml, "<"+tag+">")
	if start == -1 {
		return ""
	}
	start += len(tag) + 2
	end := strings.Index(xml[start:], "</"+tag+">")
	if end == -1 {
		return ""
	}
	return xml[start : start+end]
}
