package libvirt

import (
	"context"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/cloudinit"
	switchyardlibvirt "github.com/jbweber/switchyard/internal/libvirt"
	"github.com/jbweber/switchyard/internal/metadata"
	"github.com/jbweber/switchyard/internal/naming"
	"github.com/jbweber/switchyard/internal/storage"
)

// createRequest is guest_add decoded from operation params.
type createRequest struct {
	opID      string
	backend   string
	name      string
	image     string
	imagePool string
	pool      string
	poolPath  string
	diskGB    int
	dataGB    int
	memoryMiB int
	cpus      int
	firmware  string
	autostart bool
	start     bool

	bridge  string
	network string
	seed    *cloudinit.Seed
}

func invalid(format string, args ...interface{}) error {
	return &v1alpha1.Failure{Kind: v1alpha1.ErrInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func newCreateRequest(op v1alpha1.Operation) (*createRequest, error) {
	req := &createRequest{
		opID:      op.ID,
		backend:   op.Backend,
		name:      op.Name(),
		image:     op.Param("image", ""),
		imagePool: op.Param("imagePool", storage.DefaultImagePool),
		pool:      op.Param("pool", storage.DefaultGuestPool),
		poolPath:  op.Param("poolPath", storage.DefaultGuestPoolPath),
		diskGB:    op.ParamInt("diskGB", 20),
		dataGB:    op.ParamInt("dataGB", 0),
		memoryMiB: op.ParamInt("memoryMB", 2048),
		cpus:      op.ParamInt("cpus", 2),
		firmware:  op.Param("firmware", ""),
		autostart: op.ParamBool("autostart", true),
		start:     op.ParamBool("start", true),
		bridge:    op.Param("bridge", ""),
		network:   op.Param("network", ""),
	}

	switch {
	case req.name == "":
		return nil, invalid("guest_add requires a name")
	case req.image == "":
		return nil, invalid("guest_add requires an image volume")
	case req.diskGB <= 0 || req.memoryMiB <= 0 || req.cpus <= 0:
		return nil, invalid("diskGB, memoryMB and cpus must be positive")
	case req.bridge != "" && req.network != "":
		return nil, invalid("bridge and network are mutually exclusive")
	}
	if req.bridge == "" && req.network == "" {
		req.network = "default"
	}

	ip := op.Param("ip", "")
	keys := splitList(op.Param("sshKeys", ""), "\n")
	if ip == "" && len(keys) == 0 && op.Param("fqdn", "") == "" {
		return req, nil
	}

	req.seed = &cloudinit.Seed{
		Name:    req.name,
		FQDN:    op.Param("fqdn", req.name),
		SSHKeys: keys,
	}
	if ip != "" {
		mac, err := naming.MACFromIP(ip)
		if err != nil {
			return nil, invalid("invalid ip: %v", err)
		}
		req.seed.Interfaces = []cloudinit.Interface{{
			IP:           ip,
			Gateway:      op.Param("gateway", ""),
			DNSServers:   splitList(op.Param("dns", ""), ","),
			MACAddress:   mac,
			DefaultRoute: true,
		}}
	}
	return req, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *createRequest) domainSpec() (switchyardlibvirt.DomainSpec, error) {
	spec := switchyardlibvirt.DomainSpec{
		Name:       r.name,
		MemoryMiB:  uint(r.memoryMiB),
		VCPUs:      uint(r.cpus),
		Firmware:   r.firmware,
		Pool:       r.pool,
		BootVolume: naming.VolumeNameBoot(r.name),
	}
	if r.dataGB > 0 {
		spec.DataVolumes = []switchyardlibvirt.DataVolume{{
			Device: naming.DataDevice,
			Volume: naming.VolumeNameData(r.name, naming.DataDevice),
		}}
	}
	if r.seed != nil {
		spec.SeedVolume = naming.VolumeNameCloudInit(r.name)
	}

	nic := switchyardlibvirt.Interface{Bridge: r.bridge, Network: r.network}
	if r.seed != nil && len(r.seed.Interfaces) > 0 {
		ip := r.seed.Interfaces[0].IP
		nic.MAC = r.seed.Interfaces[0].MACAddress
		tap, err := naming.InterfaceNameFromIP(ip)
		if err != nil {
			return spec, err
		}
		nic.TapName = tap
	}
	spec.Interfaces = []switchyardlibvirt.Interface{nic}
	return spec, nil
}

// create provisions storage, defines the domain and starts it. A failure
// part way removes whatever was created.
func (v *virt) create(ctx context.Context, req *createRequest) (err error) {
	sm := storage.NewManager(v.api)

	record := &metadata.Provisioning{
		Operation: req.opID,
		Backend:   req.backend,
		Pool:      req.pool,
		Image:     req.imagePool + "/" + req.image,
		CreatedAt: v.now().UTC(),
	}

	var (
		domainDefined bool
		dom           libvirt.Domain
	)
	defer func() {
		if err != nil {
			v.cleanup(req, domainDefined, record.Volumes)
		}
	}()

	if err = sm.EnsurePool(ctx, req.pool, req.poolPath); err != nil {
		return err
	}

	bootVolume := naming.VolumeNameBoot(req.name)
	err = sm.CreateVolume(ctx, req.pool, storage.VolumeSpec{
		Name:       bootVolume,
		Type:       storage.VolumeTypeBoot,
		Format:     storage.VolumeFormatQCOW2,
		CapacityGB: uint64(req.diskGB),
		Backing:    &storage.BackingVolume{Pool: req.imagePool, Volume: req.image},
	})
	if err != nil {
		return fmt.Errorf("failed to create boot volume: %w", err)
	}
	record.Volumes = append(record.Volumes, bootVolume)

	if req.dataGB > 0 {
		dataVolume := naming.VolumeNameData(req.name, naming.DataDevice)
		err = sm.CreateVolume(ctx, req.pool, storage.VolumeSpec{
			Name:       dataVolume,
			Type:       storage.VolumeTypeData,
			Format:     storage.VolumeFormatQCOW2,
			CapacityGB: uint64(req.dataGB),
		})
		if err != nil {
			return fmt.Errorf("failed to create data volume: %w", err)
		}
		record.Volumes = append(record.Volumes, dataVolume)
	}

	if req.seed != nil {
		var iso []byte
		iso, err = cloudinit.GenerateISO(req.seed)
		if err != nil {
			return fmt.Errorf("failed to generate cloud-init ISO: %w", err)
		}
		seedVolume := naming.VolumeNameCloudInit(req.name)
		err = sm.CreateVolume(ctx, req.pool, storage.VolumeSpec{
			Name:       seedVolume,
			Type:       storage.VolumeTypeCloudInit,
			Format:     storage.VolumeFormatRaw,
			CapacityGB: 1,
		})
		if err != nil {
			return fmt.Errorf("failed to create cloud-init volume: %w", err)
		}
		record.Volumes = append(record.Volumes, seedVolume)
		if err = sm.WriteVolumeData(ctx, req.pool, seedVolume, iso); err != nil {
			return fmt.Errorf("failed to upload cloud-init ISO: %w", err)
		}
	}

	spec, err := req.domainSpec()
	if err != nil {
		return err
	}
	xml, err := switchyardlibvirt.GenerateDomainXML(spec)
	if err != nil {
		return invalid("%v", err)
	}

	dom, err = v.api.DomainDefineXML(xml)
	if err != nil {
		return fmt.Errorf("failed to define domain: %w", err)
	}
	domainDefined = true

	if merr := metadata.Store(v.api, dom, record); merr != nil {
		v.log.Warnw("failed to record provisioning metadata", "domain", req.name, "error", merr)
	}

	if req.autostart {
		if err = v.api.DomainSetAutostart(dom, 1); err != nil {
			return fmt.Errorf("failed to set autostart: %w", err)
		}
	}
	if req.start {
		if err = v.api.DomainCreate(dom); err != nil {
			return fmt.Errorf("failed to start domain: %w", err)
		}
	}

	v.log.Infow("guest created", "domain", req.name, "pool", req.pool, "image", req.image)
	return nil
}

// cleanup is best-effort and never fails. Only the volumes this guest_add
// created are removed.
func (v *virt) cleanup(req *createRequest, domainDefined bool, volumes []string) {
	v.log.Warnw("cleaning up after failed guest creation", "domain", req.name, "volumes", volumes)

	if domainDefined {
		if dom, err := v.api.DomainLookupByName(req.name); err != nil {
			v.log.Warnw("failed to look up domain for cleanup", "domain", req.name, "error", err)
		} else {
			_ = v.api.DomainDestroy(dom)
			if err := v.api.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
				v.log.Warnw("failed to undefine domain", "domain", req.name, "error", err)
			}
		}
	}

	if len(volumes) > 0 {
		// A fresh context: the operation's may already be done.
		if _, err := storage.NewManager(v.api).DeleteVolumes(context.Background(), req.pool, volumes); err != nil {
			v.log.Warnw("failed to delete guest volumes", "domain", req.name, "error", err)
		}
	}
}
