package kubevirt

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/cloudinit"
)

const managedByLabel = "app.kubernetes.io/managed-by"

func invalid(format string, args ...interface{}) error {
	return &v1alpha1.Failure{Kind: v1alpha1.ErrInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// guestManifest builds the VirtualMachine for guest_add. A "manifest" param
// holding a full VirtualMachine in YAML or JSON is used as given, with
// namespace and name filled in when absent. Otherwise the VM boots the
// containerDisk named by "image".
func guestManifest(op v1alpha1.Operation, namespace, apiVersion string) (*unstructured.Unstructured, error) {
	if raw := op.Param("manifest", ""); raw != "" {
		return parseManifest(raw, op.Name(), namespace, apiVersion)
	}

	name := op.Name()
	image := op.Param("image", "")
	switch {
	case name == "":
		return nil, invalid("guest_add requires a name")
	case image == "":
		return nil, invalid("guest_add requires an image or a manifest")
	}
	memoryMB := op.ParamInt("memoryMB", 2048)
	cpus := op.ParamInt("cpus", 1)
	if memoryMB <= 0 || cpus <= 0 {
		return nil, invalid("memoryMB and cpus must be positive")
	}

	runStrategy := "Always"
	if !op.ParamBool("start", true) {
		runStrategy = "Halted"
	}

	disks := []interface{}{
		map[string]interface{}{"name": "rootdisk", "disk": map[string]interface{}{"bus": "virtio"}},
	}
	volumes := []interface{}{
		map[string]interface{}{"name": "rootdisk", "containerDisk": map[string]interface{}{"image": image}},
	}

	userData, err := guestUserData(op, name)
	if err != nil {
		return nil, err
	}
	if userData != "" {
		disks = append(disks, map[string]interface{}{"name": "cloudinitdisk", "disk": map[string]interface{}{"bus": "virtio"}})
		volumes = append(volumes, map[string]interface{}{"name": "cloudinitdisk", "cloudInitNoCloud": map[string]interface{}{"userData": userData}})
	}

	vm := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": apiVersion,
		"kind":       "VirtualMachine",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
			"labels":    map[string]interface{}{managedByLabel: "switchyard"},
		},
		"spec": map[string]interface{}{
			"runStrategy": runStrategy,
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{
					"labels": map[string]interface{}{"kubevirt.io/domain": name},
				},
				"spec": map[string]interface{}{
					"domain": map[string]interface{}{
						"cpu":       map[string]interface{}{"cores": int64(cpus)},
						"resources": map[string]interface{}{"requests": map[string]interface{}{"memory": fmt.Sprintf("%dMi", memoryMB)}},
						"devices": map[string]interface{}{
							"disks":      disks,
							"interfaces": []interface{}{map[string]interface{}{"name": "default", "masquerade": map[string]interface{}{}}},
						},
					},
					"networks": []interface{}{map[string]interface{}{"name": "default", "pod": map[string]interface{}{}}},
					"volumes":  volumes,
				},
			},
		},
	}}
	return vm, nil
}

// guestUserData returns the cloud-config for the guest: the "userData" param
// verbatim, or one generated from "sshKeys" and "fqdn". Empty when neither
// is set.
func guestUserData(op v1alpha1.Operation, name string) (string, error) {
	if ud := op.Param("userData", ""); ud != "" {
		return ud, nil
	}

	var keys []string
	for _, k := range strings.Split(op.Param("sshKeys", ""), "\n") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	fqdn := op.Param("fqdn", "")
	if len(keys) == 0 && fqdn == "" {
		return "", nil
	}
	if fqdn == "" {
		fqdn = name
	}

	ud, err := cloudinit.GenerateUserData(&cloudinit.Seed{Name: name, FQDN: fqdn, SSHKeys: keys})
	if err != nil {
		return "", invalid("failed to generate user-data: %v", err)
	}
	return ud, nil
}

func parseManifest(raw, name, namespace, apiVersion string) (*unstructured.Unstructured, error) {
	data, err := yaml.YAMLToJSON([]byte(raw))
	if err != nil {
		return nil, invalid("manifest is not valid YAML: %v", err)
	}

	vm := &unstructured.Unstructured{}
	if err := vm.UnmarshalJSON(data); err != nil {
		return nil, invalid("manifest is not a Kubernetes object: %v", err)
	}
	if vm.GetKind() != "VirtualMachine" {
		return nil, invalid("manifest kind is %q, want VirtualMachine", vm.GetKind())
	}
	if vm.GetAPIVersion() != apiVersion {
		return nil, invalid("manifest apiVersion is %q, want %s", vm.GetAPIVersion(), apiVersion)
	}
	if vm.GetName() == "" {
		if name == "" {
			return nil, invalid("manifest has no metadata.name")
		}
		vm.SetName(name)
	}
	if ns := vm.GetNamespace(); ns != "" && ns != namespace {
		return nil, invalid("manifest namespace %q does not match backend namespace %q", ns, namespace)
	}
	vm.SetNamespace(namespace)
	return vm, nil
}
