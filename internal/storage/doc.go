// Package storage provisions guest volumes through the libvirt storage API.
//
// Guests created by the Libvirt backend live in a directory pool on the
// hypervisor (switchyard-guests unless the backend overrides it). Boot disks
// are qcow2 overlays backed by a base image in the image pool; the cloud-init
// seed is a raw volume uploaded over the RPC stream.
//
// Volume names follow internal/naming: {guest}_boot.qcow2,
// {guest}_data-{device}.qcow2 and {guest}_cloudinit.iso. Deleting a guest
// removes those exact names; guest "web" never touches "web_prod_boot.qcow2".
//
// The Manager works against the narrow LibvirtClient interface, satisfied by
// *libvirt.Libvirt in production and by an in-memory fake in tests.
package storage
