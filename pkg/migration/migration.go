// Package migration implements the one-shot job moving legacy disks from the
// shared namespace into per-project namespaces while preserving their
// persistent volumes.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
	"github.com/apolo-us/platform-disk-api/pkg/utils"
)

// DefaultLegacyNamespace is the shared namespace legacy disks live in.
const DefaultLegacyNamespace = "platform-jobs"

var (
	// ErrPvcInUse marks a claim currently mounted by a pod; such disks are
	// skipped and can be migrated on a later run.
	ErrPvcInUse = errors.New("pvc is mounted by a running pod")

	// ErrNoNaming marks a managed PVC without a DiskNaming record.
	ErrNoNaming = errors.New("pvc has no disk naming")

	errWaitTimeout = errors.New("timed out waiting for cluster state")
)

// Job migrates all managed PVCs out of the legacy namespace.
type Job struct {
	gateway         kube.Gateway
	legacyNamespace string

	waitTimeout  time.Duration
	pollInterval time.Duration
}

// NewJob creates a migration job. An empty legacyNamespace selects the
// default.
func NewJob(gateway kube.Gateway, legacyNamespace string) *Job {
	if legacyNamespace == "" {
		legacyNamespace = DefaultLegacyNamespace
	}
	return &Job{
		gateway:         gateway,
		legacyNamespace: legacyNamespace,
		waitTimeout:     time.Minute,
		pollInterval:    time.Second,
	}
}

// Run migrates every managed PVC in the legacy namespace. diskIDs restricts
// the run to the given PVC names when non-empty. Per-disk failures are
// logged and do not abort the loop; the first error is returned at the end.
func (j *Job) Run(ctx context.Context, diskIDs map[string]bool) error {
	namings, err := j.gateway.ListDiskNamings(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list disk namings: %w", err)
	}
	namingByDiskID := make(map[string]kube.DiskNaming, len(namings))
	for _, naming := range namings {
		namingByDiskID[naming.DiskID] = naming
	}

	pvcs, err := j.gateway.ListPVCs(ctx, j.legacyNamespace, disk.MarkLabel+"=true")
	if err != nil {
		return fmt.Errorf("failed to list legacy PVCs: %w", err)
	}

	var firstErr error
	for i := range pvcs {
		pvc := &pvcs[i]
		if len(diskIDs) > 0 && !diskIDs[pvc.Name] {
			continue
		}
		naming, ok := namingByDiskID[pvc.Name]
		if !ok {
			klog.Errorf("PVC %s has no disk naming, skipping", pvc.Name)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s", ErrNoNaming, pvc.Name)
			}
			continue
		}
		if err := j.migrateDisk(ctx, pvc, naming); err != nil {
			klog.Warningf("Unable to migrate PVC %s: %v", pvc.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (j *Job) migrateDisk(ctx context.Context, pvc *corev1.PersistentVolumeClaim, naming kube.DiskNaming) error {
	klog.Infof("Migrating disk %s", pvc.Name)

	org, _ := disk.OrgLabelPair.Lookup(pvc.Labels)
	if org == "" {
		org = disk.NoOrgNormalized
	}
	project, _ := disk.ProjectLabelPair.Lookup(pvc.Labels)
	if project == "" {
		// Early disks carried only the user label; the project defaults to
		// the first segment of the escaped login.
		user, _ := disk.UserLabelPair.Lookup(pvc.Labels)
		project = strings.SplitN(user, "--", 2)[0]
	}

	if err := j.ensureDeletable(ctx, pvc.Name); err != nil {
		return err
	}

	namespace, err := j.ensureNamespace(ctx, org, project)
	if err != nil {
		return err
	}

	pvName := pvc.Spec.VolumeName
	if pvName != "" {
		if err := j.setReclaimPolicy(ctx, pvName, corev1.PersistentVolumeReclaimRetain); err != nil {
			return err
		}
	}

	if err := j.gateway.DeletePVC(ctx, j.legacyNamespace, pvc.Name); err != nil {
		return fmt.Errorf("failed to delete legacy PVC %s: %w", pvc.Name, err)
	}
	if err := j.waitPVCDeleted(ctx, pvc.Name); err != nil {
		return err
	}

	if pvName != "" {
		if err := j.clearClaimRef(ctx, pvName); err != nil {
			return err
		}
	}

	if _, err := j.gateway.CreatePVC(ctx, namespace, j.buildPVC(pvc, org, project, pvName)); err != nil {
		return fmt.Errorf("failed to create PVC %s in %s: %w", pvc.Name, namespace, err)
	}

	if pvName != "" {
		if err := j.waitClaimRef(ctx, pvName, pvc.Name); err != nil {
			return err
		}
		if err := j.setReclaimPolicy(ctx, pvName, corev1.PersistentVolumeReclaimDelete); err != nil {
			return err
		}
	}

	klog.Infof("Moving disk naming %s to %s", naming.Name, namespace)
	if err := j.gateway.DeleteDiskNaming(ctx, j.legacyNamespace, naming.Name); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete legacy disk naming %s: %w", naming.Name, err)
	}
	fresh := kube.DiskNaming{Namespace: namespace, Name: naming.Name, DiskID: naming.DiskID}
	if err := j.gateway.CreateDiskNaming(ctx, fresh); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create disk naming %s: %w", naming.Name, err)
	}

	klog.Infof("Migrated disk %s to %s", pvc.Name, namespace)
	return nil
}

func (j *Job) ensureNamespace(ctx context.Context, org, project string) (string, error) {
	name := disk.GenerateNamespaceName(org, project)
	labels := map[string]string{}
	disk.OrgLabelPair.Set(labels, org)
	disk.ProjectLabelPair.Set(labels, project)
	if _, err := j.gateway.CreateNamespace(ctx, name, labels); err != nil && !apierrors.IsAlreadyExists(err) {
		return "", fmt.Errorf("failed to ensure namespace %s: %w", name, err)
	}
	return name, nil
}

// ensureDeletable rejects migration of claims some pod still mounts.
func (j *Job) ensureDeletable(ctx context.Context, pvcName string) error {
	pods, err := j.gateway.ListPods(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		for _, volume := range pod.Spec.Volumes {
			if volume.PersistentVolumeClaim != nil && volume.PersistentVolumeClaim.ClaimName == pvcName {
				return fmt.Errorf("%w: %s mounted by pod %s/%s", ErrPvcInUse, pvcName, pod.Namespace, pod.Name)
			}
		}
	}
	return nil
}

// buildPVC rebuilds the claim for the project namespace: same name and UID
// (the UID keeps the released PV bindable to it), canonical labels, tracked
// annotations copied into both key families.
func (j *Job) buildPVC(old *corev1.PersistentVolumeClaim, org, project, pvName string) *corev1.PersistentVolumeClaim {
	labels := map[string]string{}
	disk.OrgLabelPair.Set(labels, org)
	disk.ProjectLabelPair.Set(labels, project)
	disk.MarkLabelPair.Set(labels, "true")
	user, _ := disk.UserLabelPair.Lookup(old.Labels)
	disk.UserLabelPair.Set(labels, user)

	annotations := map[string]string{}
	for _, pair := range disk.TrackedAnnotationPairs {
		if value, ok := pair.Lookup(old.Annotations); ok {
			pair.Set(annotations, value)
		}
	}

	volumeMode := corev1.PersistentVolumeFilesystem
	if old.Spec.VolumeMode != nil {
		volumeMode = *old.Spec.VolumeMode
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:        old.Name,
			UID:         old.UID,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      old.Spec.AccessModes,
			Resources:        old.Spec.Resources,
			StorageClassName: old.Spec.StorageClassName,
			VolumeMode:       &volumeMode,
		},
	}
	if pvName != "" {
		pvc.Spec.VolumeName = pvName
	}
	return pvc
}

func (j *Job) setReclaimPolicy(ctx context.Context, pvName string, policy corev1.PersistentVolumeReclaimPolicy) error {
	klog.Infof("Setting reclaim policy of PV %s to %s", pvName, policy)
	patch, _ := json.Marshal(map[string]interface{}{
		"spec": map[string]interface{}{
			"persistentVolumeReclaimPolicy": policy,
		},
	})
	if err := j.patchPV(ctx, pvName, patch); err != nil {
		return fmt.Errorf("failed to set reclaim policy of PV %s: %w", pvName, err)
	}
	return nil
}

func (j *Job) clearClaimRef(ctx context.Context, pvName string) error {
	klog.Infof("Releasing PV %s", pvName)
	patch := []byte(`{"spec":{"claimRef":null}}`)
	if err := j.patchPV(ctx, pvName, patch); err != nil {
		return fmt.Errorf("failed to clear claim ref of PV %s: %w", pvName, err)
	}
	return nil
}

// patchPV retries transient API server failures; losing a reclaim-policy
// patch mid-migration would strand the volume.
func (j *Job) patchPV(ctx context.Context, pvName string, patch []byte) error {
	_, err := utils.WithRetry(ctx, utils.KubeRetryConfig("patch-pv"), func() (*corev1.PersistentVolume, error) {
		return j.gateway.PatchPV(ctx, pvName, patch)
	})
	return err
}

func (j *Job) waitPVCDeleted(ctx context.Context, pvcName string) error {
	klog.Infof("Waiting for PVC %s deletion", pvcName)
	return j.poll(ctx, func(ctx context.Context) (bool, error) {
		_, err := j.gateway.GetPVC(ctx, j.legacyNamespace, pvcName)
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
}

func (j *Job) waitClaimRef(ctx context.Context, pvName, pvcName string) error {
	klog.Infof("Waiting for PV %s to claim PVC %s", pvName, pvcName)
	return j.poll(ctx, func(ctx context.Context) (bool, error) {
		pv, err := j.gateway.GetPV(ctx, pvName)
		if err != nil {
			return false, err
		}
		return pv.Spec.ClaimRef != nil && pv.Spec.ClaimRef.Name == pvcName, nil
	})
}

func (j *Job) poll(ctx context.Context, condition func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(j.waitTimeout)
	for {
		done, err := condition(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return errWaitTimeout
		}
		timer := time.NewTimer(j.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
