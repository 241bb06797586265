package kubevirt

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/adapter"
)

// kube binds one operation to a connection.
type kube struct {
	*Conn
	backend string
}

// guestPowerState maps a VirtualMachine status.printableStatus.
func guestPowerState(printable string) v1alpha1.GuestPowerState {
	switch printable {
	case "Running":
		return v1alpha1.GuestRunning
	case "Stopped":
		return v1alpha1.GuestStopped
	case "Paused":
		return v1alpha1.GuestSuspended
	default:
		return v1alpha1.GuestUnknown
	}
}

// hostPowerState maps a node's Ready condition.
func hostPowerState(node *corev1.Node) v1alpha1.HostPowerState {
	for _, cond := range node.Status.Conditions {
		if cond.Type != corev1.NodeReady {
			continue
		}
		switch cond.Status {
		case corev1.ConditionTrue:
			return v1alpha1.HostOn
		case corev1.ConditionFalse:
			return v1alpha1.HostOff
		}
	}
	return v1alpha1.HostUnknown
}

func (k *kube) listHosts(ctx context.Context) ([]v1alpha1.HostRecord, error) {
	nodes, err := k.core.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	now := v1alpha1.NewTime(time.Now())
	hosts := make([]v1alpha1.HostRecord, 0, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		hosts = append(hosts, v1alpha1.HostRecord{
			ID:            string(node.UID),
			Name:          node.Name,
			Power:         hostPowerState(node),
			IP:            nodeAddress(node),
			UUID:          node.Status.NodeInfo.SystemUUID,
			Kind:          v1alpha1.BackendKubeVirt,
			Backend:       k.backend,
			LastRefreshed: now,
		})
	}
	return hosts, nil
}

// nodeAddress returns the node's InternalIP, falling back to its first
// reported address.
func nodeAddress(node *corev1.Node) string {
	for _, addr := range node.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			return addr.Address
		}
	}
	if len(node.Status.Addresses) > 0 {
		return node.Status.Addresses[0].Address
	}
	return ""
}

// instance is what a running VirtualMachineInstance adds to its VM's record.
type instance struct {
	node string
	ip   string
}

// instances maps running instances by name.
func (k *kube) instances(ctx context.Context) (map[string]instance, error) {
	list, err := k.dynamic.Resource(k.vmis).Namespace(k.namespace).List(ctx, metav1.ListOptions{})
	if apierrors.IsNotFound(err) {
		return map[string]instance{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list virtual machine instances: %w", err)
	}
	out := make(map[string]instance, len(list.Items))
	for _, vmi := range list.Items {
		var in instance
		in.node, _, _ = unstructured.NestedString(vmi.Object, "status", "nodeName")
		ifaces, _, _ := unstructured.NestedSlice(vmi.Object, "status", "interfaces")
		for _, raw := range ifaces {
			iface, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if ip, _, _ := unstructured.NestedString(iface, "ipAddress"); ip != "" {
				in.ip = ip
				break
			}
		}
		out[vmi.GetName()] = in
	}
	return out, nil
}

func (k *kube) listGuests(ctx context.Context) ([]v1alpha1.GuestRecord, error) {
	list, err := k.dynamic.Resource(k.vms).Namespace(k.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list virtual machines: %w", err)
	}
	running, err := k.instances(ctx)
	if err != nil {
		return nil, err
	}

	now := v1alpha1.NewTime(time.Now())
	guests := make([]v1alpha1.GuestRecord, 0, len(list.Items))
	for _, vm := range list.Items {
		printable, _, _ := unstructured.NestedString(vm.Object, "status", "printableStatus")
		firmwareUUID, _, _ := unstructured.NestedString(vm.Object, "spec", "template", "spec", "domain", "firmware", "uuid")
		in := running[vm.GetName()]
		guests = append(guests, v1alpha1.GuestRecord{
			ID:            string(vm.GetUID()),
			Name:          vm.GetName(),
			HostID:        in.node,
			Power:         guestPowerState(printable),
			IP:            in.ip,
			UUID:          firmwareUUID,
			Kind:          v1alpha1.BackendKubeVirt,
			Backend:       k.backend,
			LastRefreshed: now,
		})
	}
	return guests, nil
}

func (k *kube) guestLookup(key string) adapter.GuestLookup {
	return func(ctx context.Context) (*v1alpha1.GuestRecord, error) {
		guests, err := k.listGuests(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.FindGuest(guests, key), nil
	}
}

// runStrategyPatch sets spec.runStrategy and clears the deprecated
// spec.running, which KubeVirt rejects alongside runStrategy.
func runStrategyPatch(strategy string) []byte {
	return []byte(fmt.Sprintf(`{"spec":{"runStrategy":%q,"running":null}}`, strategy))
}

func (k *kube) guestPower(ctx context.Context, verb v1alpha1.Verb, g v1alpha1.GuestRecord) error {
	switch verb {
	case v1alpha1.VerbGuestStart:
		return k.patchRunStrategy(ctx, g.Name, "Always")
	case v1alpha1.VerbGuestStop:
		return k.patchRunStrategy(ctx, g.Name, "Halted")
	case v1alpha1.VerbGuestSuspend:
		return k.subresources.VMI(ctx, k.namespace, g.Name, "pause")
	case v1alpha1.VerbGuestResume:
		return k.subresources.VMI(ctx, k.namespace, g.Name, "unpause")
	default:
		return fmt.Errorf("verb %s is not a power verb", verb)
	}
}

func (k *kube) patchRunStrategy(ctx context.Context, name, strategy string) error {
	_, err := k.dynamic.Resource(k.vms).Namespace(k.namespace).Patch(ctx, name, types.MergePatchType, runStrategyPatch(strategy), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to set runStrategy %s on %s: %w", strategy, name, err)
	}
	return nil
}

func (k *kube) create(ctx context.Context, vm *unstructured.Unstructured) error {
	_, err := k.dynamic.Resource(k.vms).Namespace(k.namespace).Create(ctx, vm, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create virtual machine %s: %w", vm.GetName(), err)
	}
	return nil
}

// remove deletes the VirtualMachine; KubeVirt garbage collects its instance.
func (k *kube) remove(ctx context.Context, g v1alpha1.GuestRecord) error {
	propagation := metav1.DeletePropagationForeground
	err := k.dynamic.Resource(k.vms).Namespace(k.namespace).Delete(ctx, g.Name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete virtual machine %s: %w", g.Name, err)
	}
	return nil
}
