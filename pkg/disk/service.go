// Package disk implements the disk service: a transactional façade over the
// cluster's PVC and DiskNaming resources enforcing ownership, naming
// uniqueness and per-project storage quotas.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/kube"
	"github.com/apolo-us/platform-disk-api/pkg/metrics"
)

// Service translates domain requests into PVC and DiskNaming operations.
type Service struct {
	gateway                kube.Gateway
	storageClassName       string
	storageLimitPerProject int64 // bytes; 0 disables the quota check

	// now is replaceable in tests.
	now func() time.Time
}

// NewService creates a disk service bound to a storage class. A zero
// storageLimitPerProject disables quota enforcement.
func NewService(gateway kube.Gateway, storageClassName string, storageLimitPerProject int64) *Service {
	return &Service{
		gateway:                gateway,
		storageClassName:       storageClassName,
		storageLimitPerProject: storageLimitPerProject,
		now:                    time.Now,
	}
}

// StorageClassName returns the class all managed PVCs are created with.
func (s *Service) StorageClassName() string {
	return s.storageClassName
}

// StorageLimitPerProject returns the per-project storage quota in bytes, or
// zero when unlimited.
func (s *Service) StorageLimitPerProject() int64 {
	return s.storageLimitPerProject
}

// ResolveStorageClassName returns the configured storage class, falling back
// to the cluster default when none is configured. Managed PVCs are always
// created with an explicit class, so a cluster with neither cannot start.
func ResolveStorageClassName(ctx context.Context, gateway kube.Gateway, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	name, err := gateway.DefaultStorageClassName(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to discover default storage class: %w", err)
	}
	if name == "" {
		return "", ErrNoStorageClass
	}
	klog.Infof("Using cluster default storage class %s", name)
	return name, nil
}

// ParseStorage parses a Kubernetes quantity string (bare integers,
// exponential notation, binary suffixes Ki..Ei and decimal suffixes k..E)
// into a byte count.
func ParseStorage(raw string) (int64, error) {
	q, err := resource.ParseQuantity(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid storage quantity %q: %w", raw, err)
	}
	return q.Value(), nil
}

// EnsureNamespace creates the project namespace if it does not exist yet and
// returns its name.
func (s *Service) EnsureNamespace(ctx context.Context, org, project string) (string, error) {
	org = NormalizeOrg(org)
	name := GenerateNamespaceName(org, project)
	labels := map[string]string{}
	OrgLabelPair.Set(labels, org)
	ProjectLabelPair.Set(labels, project)
	if _, err := s.gateway.CreateNamespace(ctx, name, labels); err != nil && !apierrors.IsAlreadyExists(err) {
		return "", fmt.Errorf("failed to ensure namespace %s: %w", name, err)
	}
	return name, nil
}

// CreateDisk provisions a new disk for the request owner. When the request
// carries a name, the DiskNaming record is created before the PVC so that a
// name collision is detected before storage is provisioned; a PVC creation
// failure compensates by deleting the naming record.
func (s *Service) CreateDisk(ctx context.Context, req Request, username string) (*Disk, error) {
	timer := metrics.NewOperationTimer(metrics.OpCreateDisk)

	d, err := s.createDisk(ctx, req, username)
	if err != nil {
		timer.ObserveError()
		return nil, err
	}
	timer.ObserveSuccess()
	return d, nil
}

func (s *Service) createDisk(ctx context.Context, req Request, username string) (*Disk, error) {
	if req.Name != "" {
		if err := ValidateDiskName(req.Name); err != nil {
			return nil, err
		}
	}
	if err := s.checkQuota(ctx, req); err != nil {
		return nil, err
	}

	namespace, err := s.EnsureNamespace(ctx, req.Org, req.Project)
	if err != nil {
		return nil, err
	}

	pvc := s.requestToPVC(req, username)

	namingName := ""
	if req.Name != "" {
		namingName = DiskNamingName(req.Name, req.Org, req.Project)
		naming := kube.DiskNaming{Namespace: namespace, Name: namingName, DiskID: pvc.Name}
		if err := s.gateway.CreateDiskNaming(ctx, naming); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return nil, fmt.Errorf("%w: disk %q already exists in project %q", ErrNameUsed, req.Name, req.Project)
			}
			return nil, fmt.Errorf("failed to create disk naming %s: %w", namingName, err)
		}
	}

	created, err := s.gateway.CreatePVC(ctx, namespace, pvc)
	if err != nil {
		if namingName != "" {
			if cleanupErr := s.gateway.DeleteDiskNaming(ctx, namespace, namingName); cleanupErr != nil {
				klog.Errorf("Failed to clean up disk naming %s after PVC create failure: %v", namingName, cleanupErr)
			}
		}
		return nil, fmt.Errorf("failed to create PVC %s: %w", pvc.Name, err)
	}
	return s.pvcToDisk(ctx, created)
}

// checkQuota sums the storage requests of the project's live disks. The sum
// deliberately reads spec requests, not bound capacity; a provisioner that
// rounds volumes up must not eat into the project's quota.
func (s *Service) checkQuota(ctx context.Context, req Request) error {
	if s.storageLimitPerProject <= 0 {
		return nil
	}
	namespace := GenerateNamespaceName(req.Org, req.Project)
	pvcs, err := s.gateway.ListPVCs(ctx, namespace, liveDiskSelector())
	if err != nil {
		return fmt.Errorf("failed to list PVCs for quota check: %w", err)
	}
	var requested int64
	for i := range pvcs {
		pvc := &pvcs[i]
		if mark, ok := MarkLabelPair.Lookup(pvc.Labels); !ok || mark != "true" {
			continue
		}
		if _, deleted := DeletedLabelPair.Lookup(pvc.Labels); deleted {
			continue
		}
		if q, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
			requested += q.Value()
		}
	}
	if requested+req.Storage > s.storageLimitPerProject {
		return fmt.Errorf("%w: project %q would use %d of %d bytes",
			ErrQuotaExceeded, req.Project, requested+req.Storage, s.storageLimitPerProject)
	}
	return nil
}

func (s *Service) requestToPVC(req Request, username string) *corev1.PersistentVolumeClaim {
	labels := map[string]string{}
	UserLabelPair.Set(labels, EscapeOwner(username))
	MarkLabelPair.Set(labels, "true")
	OrgLabelPair.Set(labels, NormalizeOrg(req.Org))
	ProjectLabelPair.Set(labels, req.Project)

	annotations := map[string]string{}
	CreatedAtAnnotationPair.Set(annotations, FormatTime(s.now()))
	if req.LifeSpan > 0 {
		LifeSpanAnnotationPair.Set(annotations, FormatDuration(req.LifeSpan))
	}
	if req.Name != "" {
		NameAnnotationPair.Set(annotations, req.Name)
	}

	// A pointer to "" would pin the claim to the empty class and disable
	// dynamic provisioning; an unconfigured class leaves the field unset.
	var storageClassName *string
	if s.storageClassName != "" {
		name := s.storageClassName
		storageClassName = &name
	}
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:        fmt.Sprintf("disk-%s", uuid.NewString()),
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			VolumeMode:       volumeModePtr(corev1.PersistentVolumeFilesystem),
			StorageClassName: storageClassName,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(req.Storage, resource.BinarySI),
				},
			},
		},
	}
}

func volumeModePtr(mode corev1.PersistentVolumeMode) *corev1.PersistentVolumeMode {
	return &mode
}

// pvcToDisk maps a managed PVC to its Disk view. Legacy PVCs missing the
// created-at annotation get it back-filled with the current time before the
// disk is returned.
func (s *Service) pvcToDisk(ctx context.Context, pvc *corev1.PersistentVolumeClaim) (*Disk, error) {
	annotations := pvc.Annotations
	if _, ok := CreatedAtAnnotationPair.Lookup(annotations); !ok {
		patched, err := s.patchAnnotations(ctx, pvc.Namespace, pvc.Name, CreatedAtAnnotationPair, FormatTime(s.now()))
		if err != nil {
			return nil, fmt.Errorf("failed to backfill created-at of PVC %s: %w", pvc.Name, err)
		}
		pvc = patched
		annotations = pvc.Annotations
	}

	var status Status
	switch pvc.Status.Phase {
	case corev1.ClaimBound:
		status = StatusReady
	case corev1.ClaimLost:
		status = StatusBroken
	default:
		status = StatusPending
	}

	createdRaw, _ := CreatedAtAnnotationPair.Lookup(annotations)
	createdAt, err := ParseTime(createdRaw)
	if err != nil {
		return nil, fmt.Errorf("PVC %s carries malformed created-at: %w", pvc.Name, err)
	}

	d := &Disk{
		ID:        diskID(pvc),
		Status:    status,
		CreatedAt: createdAt,
		UsedBytes: -1,
	}

	if raw, ok := LastUsageAnnotationPair.Lookup(annotations); ok {
		if d.LastUsage, err = ParseTime(raw); err != nil {
			return nil, fmt.Errorf("PVC %s carries malformed last-usage: %w", pvc.Name, err)
		}
	}
	if raw, ok := LifeSpanAnnotationPair.Lookup(annotations); ok {
		if d.LifeSpan, err = ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("PVC %s carries malformed life-span: %w", pvc.Name, err)
		}
	}
	if raw, ok := UsedBytesAnnotationPair.Lookup(annotations); ok {
		if d.UsedBytes, err = ParseStorage(raw); err != nil {
			return nil, fmt.Errorf("PVC %s carries malformed used-bytes: %w", pvc.Name, err)
		}
	}
	if name, ok := NameAnnotationPair.Lookup(annotations); ok {
		d.Name = name
	}

	ownerLabel, _ := UserLabelPair.Lookup(pvc.Labels)
	d.Owner = UnescapeOwner(ownerLabel)
	org, _ := OrgLabelPair.Lookup(pvc.Labels)
	d.Org = NormalizeOrg(org)
	if project, ok := ProjectLabelPair.Lookup(pvc.Labels); ok {
		d.Project = project
	} else {
		d.Project = d.Owner
	}

	// Real capacity once bound, requested size otherwise.
	if capacity, ok := pvc.Status.Capacity[corev1.ResourceStorage]; ok {
		d.Storage = capacity.Value()
	} else if requested, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
		d.Storage = requested.Value()
	}

	return d, nil
}

// diskID returns the PVC name, unless vcluster mangled it; then the original
// name recorded in the vcluster annotation wins.
func diskID(pvc *corev1.PersistentVolumeClaim) string {
	if original, ok := pvc.Annotations[VClusterObjectNameAnnotation]; ok && original != "" {
		return original
	}
	return pvc.Name
}

// GetDisk fetches a disk by id within a project.
func (s *Service) GetDisk(ctx context.Context, org, project, id string) (*Disk, error) {
	timer := metrics.NewOperationTimer(metrics.OpGetDisk)
	namespace := GenerateNamespaceName(org, project)
	pvc, err := s.gateway.GetPVC(ctx, namespace, id)
	if err != nil {
		timer.ObserveError()
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get PVC %s: %w", id, err)
	}
	d, err := s.pvcToDisk(ctx, pvc)
	if err != nil {
		timer.ObserveError()
		return nil, err
	}
	timer.ObserveSuccess()
	return d, nil
}

// GetDiskByName resolves a disk by its per-project name through the
// DiskNaming record.
func (s *Service) GetDiskByName(ctx context.Context, name, org, project string) (*Disk, error) {
	timer := metrics.NewOperationTimer(metrics.OpGetDiskByName)
	namespace := GenerateNamespaceName(org, project)
	namingName := DiskNamingName(name, org, project)

	naming, err := s.gateway.GetDiskNaming(ctx, namespace, namingName)
	if err != nil {
		timer.ObserveError()
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get disk naming %s: %w", namingName, err)
	}

	pvc, err := s.gateway.GetPVC(ctx, namespace, naming.DiskID)
	if err != nil {
		timer.ObserveError()
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get PVC %s: %w", naming.DiskID, err)
	}
	d, err := s.pvcToDisk(ctx, pvc)
	if err != nil {
		timer.ObserveError()
		return nil, err
	}
	timer.ObserveSuccess()
	return d, nil
}

// liveDiskSelector matches managed PVCs that are not marked deleted.
func liveDiskSelector() string {
	return fmt.Sprintf("%s=true,!%s", MarkLabel, DeletedLabel)
}

// GetAllDisks lists live disks. With both org and project set the list is
// namespace-scoped; otherwise it spans all namespaces, which requires
// cluster-wide list privilege.
func (s *Service) GetAllDisks(ctx context.Context, org, project string) ([]*Disk, error) {
	timer := metrics.NewOperationTimer(metrics.OpListDisks)
	namespace := ""
	if org != "" && project != "" {
		namespace = GenerateNamespaceName(org, project)
	}

	pvcs, err := s.gateway.ListPVCs(ctx, namespace, liveDiskSelector())
	if err != nil {
		timer.ObserveError()
		return nil, fmt.Errorf("failed to list PVCs: %w", err)
	}

	disks := make([]*Disk, 0, len(pvcs))
	for i := range pvcs {
		pvc := &pvcs[i]
		if mark, ok := MarkLabelPair.Lookup(pvc.Labels); !ok || mark != "true" {
			continue
		}
		if _, deleted := DeletedLabelPair.Lookup(pvc.Labels); deleted {
			continue
		}
		d, err := s.pvcToDisk(ctx, pvc)
		if err != nil {
			timer.ObserveError()
			return nil, err
		}
		if org != "" && d.Org != NormalizeOrg(org) {
			continue
		}
		if project != "" && d.Project != project {
			continue
		}
		disks = append(disks, d)
	}
	timer.ObserveSuccess()
	return disks, nil
}

// RemoveDisk deletes a disk: naming first so the name is freed, then the
// deleted-mark label so concurrent lists exclude the claim, then the PVC.
func (s *Service) RemoveDisk(ctx context.Context, d *Disk) error {
	timer := metrics.NewOperationTimer(metrics.OpRemoveDisk)
	if err := s.removeDisk(ctx, d); err != nil {
		timer.ObserveError()
		return err
	}
	timer.ObserveSuccess()
	return nil
}

func (s *Service) removeDisk(ctx context.Context, d *Disk) error {
	namespace := d.Namespace()

	if d.Name != "" {
		namingName := DiskNamingName(d.Name, d.Org, d.Project)
		if err := s.gateway.DeleteDiskNaming(ctx, namespace, namingName); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete disk naming %s: %w", namingName, err)
		}
	}

	patch := labelsMergePatch(DeletedLabelPair, "true")
	if _, err := s.gateway.PatchPVC(ctx, namespace, d.ID, patch); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
		}
		return fmt.Errorf("failed to mark PVC %s deleted: %w", d.ID, err)
	}
	if err := s.gateway.DeletePVC(ctx, namespace, d.ID); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
		}
		return fmt.Errorf("failed to delete PVC %s: %w", d.ID, err)
	}
	return nil
}

// MarkDiskUsage merge-patches both last-usage annotations.
func (s *Service) MarkDiskUsage(ctx context.Context, namespace, diskID string, at time.Time) error {
	timer := metrics.NewOperationTimer(metrics.OpMarkUsage)
	_, err := s.patchAnnotations(ctx, namespace, diskID, LastUsageAnnotationPair, FormatTime(at))
	if err != nil {
		timer.ObserveError()
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, diskID)
		}
		return err
	}
	timer.ObserveSuccess()
	return nil
}

// UpdateDiskUsedBytes merge-patches both used-bytes annotations.
func (s *Service) UpdateDiskUsedBytes(ctx context.Context, namespace, diskID string, usedBytes int64) error {
	timer := metrics.NewOperationTimer(metrics.OpUpdateUsedBytes)
	_, err := s.patchAnnotations(ctx, namespace, diskID, UsedBytesAnnotationPair, fmt.Sprintf("%d", usedBytes))
	if err != nil {
		timer.ObserveError()
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, diskID)
		}
		return err
	}
	timer.ObserveSuccess()
	return nil
}

func (s *Service) patchAnnotations(ctx context.Context, namespace, name string, pair KeyPair, value string) (*corev1.PersistentVolumeClaim, error) {
	return s.gateway.PatchPVC(ctx, namespace, name, annotationsMergePatch(pair, value))
}

func annotationsMergePatch(pair KeyPair, value string) []byte {
	return metadataMergePatch("annotations", pair, value)
}

func labelsMergePatch(pair KeyPair, value string) []byte {
	return metadataMergePatch("labels", pair, value)
}

func metadataMergePatch(field string, pair KeyPair, value string) []byte {
	patch, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			field: map[string]string{
				pair.Legacy: value,
				pair.Apolo:  value,
			},
		},
	})
	if err != nil {
		// Maps of strings always marshal.
		panic(err)
	}
	return patch
}
