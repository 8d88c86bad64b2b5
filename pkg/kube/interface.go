// Package kube provides a typed gateway to the Kubernetes resources the disk
// control plane manages: PVCs, pods, namespaces, storage classes, persistent
// volumes, node stats summaries and the DiskNaming custom resource.
package kube

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// Gateway defines the cluster operations used by the service, the admission
// webhook, the watchers and the migration job. This allows for dependency
// injection and easier testing.
//
//nolint:interfacebloat // the gateway naturally covers several resource types
type Gateway interface {
	// PVC operations
	CreatePVC(ctx context.Context, namespace string, pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error)
	GetPVC(ctx context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error)
	// ListPVCs lists claims in a namespace, or cluster-wide when namespace is
	// empty (requires cluster-wide list privilege).
	ListPVCs(ctx context.Context, namespace, labelSelector string) ([]corev1.PersistentVolumeClaim, error)
	// PatchPVC applies an RFC 7386 merge patch.
	PatchPVC(ctx context.Context, namespace, name string, patch []byte) (*corev1.PersistentVolumeClaim, error)
	DeletePVC(ctx context.Context, namespace, name string) error

	// Pod operations
	ListPods(ctx context.Context) (*corev1.PodList, error)
	// WatchPods opens a cluster-wide pod watch with bookmarks enabled,
	// starting from resourceVersion when non-empty.
	WatchPods(ctx context.Context, resourceVersion string) (watch.Interface, error)

	// Namespace operations
	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	CreateNamespace(ctx context.Context, name string, labels map[string]string) (*corev1.Namespace, error)

	// DefaultStorageClassName returns the name of the storage class annotated
	// as the cluster default, or "" when there is none.
	DefaultStorageClassName(ctx context.Context) (string, error)

	// Persistent volume operations (migration only)
	GetPV(ctx context.Context, name string) (*corev1.PersistentVolume, error)
	PatchPV(ctx context.Context, name string, patch []byte) (*corev1.PersistentVolume, error)

	// Node stats
	ListNodeNames(ctx context.Context) ([]string, error)
	GetStatsSummary(ctx context.Context, node string) (*StatsSummary, error)

	// DiskNaming custom resource operations
	CreateDiskNaming(ctx context.Context, naming DiskNaming) error
	GetDiskNaming(ctx context.Context, namespace, name string) (*DiskNaming, error)
	// ListDiskNamings lists namings in a namespace, or cluster-wide when
	// namespace is empty.
	ListDiskNamings(ctx context.Context, namespace string) ([]DiskNaming, error)
	DeleteDiskNaming(ctx context.Context, namespace, name string) error
}

// Verify that Client implements Gateway at compile time.
var _ Gateway = (*Client)(nil)
