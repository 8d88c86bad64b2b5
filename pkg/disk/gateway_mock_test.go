package disk

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/apolo-us/platform-disk-api/pkg/kube"
)

// gatewayMock implements kube.Gateway with overridable behavior per method.
// Calls to methods without an override panic so that unexpected cluster
// traffic fails the test loudly.
type gatewayMock struct {
	createPVCFn  func(ctx context.Context, namespace string, pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error)
	getPVCFn     func(ctx context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error)
	listPVCsFn   func(ctx context.Context, namespace, labelSelector string) ([]corev1.PersistentVolumeClaim, error)
	patchPVCFn   func(ctx context.Context, namespace, name string, patch []byte) (*corev1.PersistentVolumeClaim, error)
	deletePVCFn  func(ctx context.Context, namespace, name string) error
	listPodsFn   func(ctx context.Context) (*corev1.PodList, error)
	watchPodsFn  func(ctx context.Context, resourceVersion string) (watch.Interface, error)
	getNSFn      func(ctx context.Context, name string) (*corev1.Namespace, error)
	createNSFn   func(ctx context.Context, name string, labels map[string]string) (*corev1.Namespace, error)
	defaultSCFn  func(ctx context.Context) (string, error)
	getPVFn      func(ctx context.Context, name string) (*corev1.PersistentVolume, error)
	patchPVFn    func(ctx context.Context, name string, patch []byte) (*corev1.PersistentVolume, error)
	listNodesFn  func(ctx context.Context) ([]string, error)
	statsFn      func(ctx context.Context, node string) (*kube.StatsSummary, error)
	createDNFn   func(ctx context.Context, naming kube.DiskNaming) error
	getDNFn      func(ctx context.Context, namespace, name string) (*kube.DiskNaming, error)
	listDNFn     func(ctx context.Context, namespace string) ([]kube.DiskNaming, error)
	deleteDNFn   func(ctx context.Context, namespace, name string) error
}

var _ kube.Gateway = (*gatewayMock)(nil)

func (m *gatewayMock) CreatePVC(ctx context.Context, namespace string, pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error) {
	if m.createPVCFn == nil {
		panic(fmt.Sprintf("unexpected CreatePVC(%s, %s)", namespace, pvc.Name))
	}
	return m.createPVCFn(ctx, namespace, pvc)
}

func (m *gatewayMock) GetPVC(ctx context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error) {
	if m.getPVCFn == nil {
		panic(fmt.Sprintf("unexpected GetPVC(%s, %s)", namespace, name))
	}
	return m.getPVCFn(ctx, namespace, name)
}

func (m *gatewayMock) ListPVCs(ctx context.Context, namespace, labelSelector string) ([]corev1.PersistentVolumeClaim, error) {
	if m.listPVCsFn == nil {
		panic(fmt.Sprintf("unexpected ListPVCs(%s, %s)", namespace, labelSelector))
	}
	return m.listPVCsFn(ctx, namespace, labelSelector)
}

func (m *gatewayMock) PatchPVC(ctx context.Context, namespace, name string, patch []byte) (*corev1.PersistentVolumeClaim, error) {
	if m.patchPVCFn == nil {
		panic(fmt.Sprintf("unexpected PatchPVC(%s, %s)", namespace, name))
	}
	return m.patchPVCFn(ctx, namespace, name, patch)
}

func (m *gatewayMock) DeletePVC(ctx context.Context, namespace, name string) error {
	if m.deletePVCFn == nil {
		panic(fmt.Sprintf("unexpected DeletePVC(%s, %s)", namespace, name))
	}
	return m.deletePVCFn(ctx, namespace, name)
}

func (m *gatewayMock) ListPods(ctx context.Context) (*corev1.PodList, error) {
	if m.listPodsFn == nil {
		panic("unexpected ListPods")
	}
	return m.listPodsFn(ctx)
}

func (m *gatewayMock) WatchPods(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	if m.watchPodsFn == nil {
		panic("unexpected WatchPods")
	}
	return m.watchPodsFn(ctx, resourceVersion)
}

func (m *gatewayMock) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	if m.getNSFn == nil {
		panic(fmt.Sprintf("unexpected GetNamespace(%s)", name))
	}
	return m.getNSFn(ctx, name)
}

func (m *gatewayMock) CreateNamespace(ctx context.Context, name string, labels map[string]string) (*corev1.Namespace, error) {
	if m.createNSFn == nil {
		panic(fmt.Sprintf("unexpected CreateNamespace(%s)", name))
	}
	return m.createNSFn(ctx, name, labels)
}

func (m *gatewayMock) DefaultStorageClassName(ctx context.Context) (string, error) {
	if m.defaultSCFn == nil {
		panic("unexpected DefaultStorageClassName")
	}
	return m.defaultSCFn(ctx)
}

func (m *gatewayMock) GetPV(ctx context.Context, name string) (*corev1.PersistentVolume, error) {
	if m.getPVFn == nil {
		panic(fmt.Sprintf("unexpected GetPV(%s)", name))
	}
	return m.getPVFn(ctx, name)
}

func (m *gatewayMock) PatchPV(ctx context.Context, name string, patch []byte) (*corev1.PersistentVolume, error) {
	if m.patchPVFn == nil {
		panic(fmt.Sprintf("unexpected PatchPV(%s)", name))
	}
	return m.patchPVFn(ctx, name, patch)
}

func (m *gatewayMock) ListNodeNames(ctx context.Context) ([]string, error) {
	if m.listNodesFn == nil {
		panic("unexpected ListNodeNames")
	}
	return m.listNodesFn(ctx)
}

func (m *gatewayMock) GetStatsSummary(ctx context.Context, node string) (*kube.StatsSummary, error) {
	if m.statsFn == nil {
		panic(fmt.Sprintf("unexpected GetStatsSummary(%s)", node))
	}
	return m.statsFn(ctx, node)
}

func (m *gatewayMock) CreateDiskNaming(ctx context.Context, naming kube.DiskNaming) error {
	if m.createDNFn == nil {
		panic(fmt.Sprintf("unexpected CreateDiskNaming(%s/%s)", naming.Namespace, naming.Name))
	}
	return m.createDNFn(ctx, naming)
}

func (m *gatewayMock) GetDiskNaming(ctx context.Context, namespace, name string) (*kube.DiskNaming, error) {
	if m.getDNFn == nil {
		panic(fmt.Sprintf("unexpected GetDiskNaming(%s/%s)", namespace, name))
	}
	return m.getDNFn(ctx, namespace, name)
}

func (m *gatewayMock) ListDiskNamings(ctx context.Context, namespace string) ([]kube.DiskNaming, error) {
	if m.listDNFn == nil {
		panic(fmt.Sprintf("unexpected ListDiskNamings(%s)", namespace))
	}
	return m.listDNFn(ctx, namespace)
}

func (m *gatewayMock) DeleteDiskNaming(ctx context.Context, namespace, name string) error {
	if m.deleteDNFn == nil {
		panic(fmt.Sprintf("unexpected DeleteDiskNaming(%s/%s)", namespace, name))
	}
	return m.deleteDNFn(ctx, namespace, name)
}
