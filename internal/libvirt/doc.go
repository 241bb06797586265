// Package libvirt connects to libvirt daemons and renders the XML the
// Libvirt backend defines.
//
// It wraps github.com/digitalocean/go-libvirt, which speaks the libvirt RPC
// protocol directly, so no libvirt C library is needed on the switchyard
// side. Remote daemons are reached by tunnelling the RPC socket through an
// SSH connection:
//
//	ssh, err := sshexec.Dial(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	client, err := libvirt.ConnectTunnel(ssh, libvirt.DefaultSocket)
//	if err != nil {
//	    return err
//	}
//	defer client.Close() // also closes ssh
//
// GenerateDomainXML builds a domain definition for a guest whose disks live
// in a storage pool, and ParseCapabilities reads the host identity out of
// the capabilities document.
//
// This package defines no interfaces for the libvirt API. Consumers
// (internal/storage, internal/adapter/libvirt) declare the narrow set of
// calls they need and *libvirt.Libvirt satisfies them implicitly.
package libvirt
