package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
)

// statefulSetPVCIndexRe matches the ordinal suffix a StatefulSet appends to
// the PVCs it stamps out of a volumeClaimTemplate, e.g. -0, -1.
var statefulSetPVCIndexRe = regexp.MustCompile(`-\d+$`)

func (m *Mutator) mutatePVC(ctx context.Context, req *admissionv1.AdmissionRequest, rev *review) (*admissionv1.AdmissionResponse, error) {
	var pvc corev1.PersistentVolumeClaim
	if err := json.Unmarshal(req.Object.Raw, &pvc); err != nil {
		return nil, fmt.Errorf("failed to decode PVC: %w", err)
	}
	namespace := req.Namespace

	ns, err := m.gateway.GetNamespace(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to get namespace %s: %w", namespace, err)
	}
	org, okOrg := ns.Labels[disk.ApoloOrgLabel]
	project, okProject := ns.Labels[disk.ApoloProjectLabel]
	if !okOrg || !okProject {
		return rev.decline(http.StatusBadRequest, "Namespace lacks required org / project labels"), nil
	}

	if pvc.Annotations == nil {
		rev.addPatch(annotationsPath, map[string]string{})
	}
	if pvc.Labels == nil {
		rev.addPatch(labelsPath, map[string]string{})
	}

	now := disk.FormatTime(m.now())
	rev.addIfAbsent(pvc.Annotations, annotationsPath, disk.ApoloCreatedAtAnnotation, now)
	rev.addIfAbsent(pvc.Annotations, annotationsPath, disk.CreatedAtAnnotation, now)

	for _, label := range []struct{ key, value string }{
		{disk.MarkLabel, "true"},
		{disk.ApoloMarkLabel, "true"},
		{disk.OrgLabel, org},
		{disk.ApoloOrgLabel, org},
		{disk.ProjectLabel, project},
		{disk.ApoloProjectLabel, project},
		{disk.ApoloUserLabel, project},
		{disk.UserLabel, project},
	} {
		rev.addIfAbsent(pvc.Labels, labelsPath, label.key, label.value)
	}

	if err := m.ensureDiskNaming(ctx, namespace, org, project, &pvc, rev); err != nil {
		return nil, err
	}

	rev.addPatch("/spec/storageClassName", m.storageClassName)
	return rev.allow()
}

// ensureDiskNaming creates the DiskNaming record when the PVC requests a
// name. StatefulSet replicas get the PVC ordinal appended to the requested
// name so each replica claims a distinct disk name.
func (m *Mutator) ensureDiskNaming(ctx context.Context, namespace, org, project string, pvc *corev1.PersistentVolumeClaim, rev *review) error {
	diskName, ok := lookupAnnotation(pvc.Annotations, disk.ApoloNameAnnotation, disk.NameAnnotation)
	if !ok || diskName == "" {
		klog.V(4).Infof("PVC %s does not request a disk name", pvc.Name)
		return nil
	}

	// On reinvocation the annotation already carries the ordinal; appending
	// it again would rename the disk on every pass.
	if index := statefulSetPVCIndexRe.FindString(pvc.Name); index != "" && !strings.HasSuffix(diskName, index) {
		diskName += index
		for _, key := range []string{disk.ApoloNameAnnotation, disk.NameAnnotation} {
			rev.addPatch(annotationsPath+"/"+EscapeJSONPointer(key), diskName)
		}
	}

	namingName := disk.DiskNamingName(diskName, org, project)
	klog.Infof("Creating disk naming %s for PVC %s", namingName, pvc.Name)

	naming := kube.DiskNaming{Namespace: namespace, Name: namingName, DiskID: pvc.Name}
	err := m.gateway.CreateDiskNaming(ctx, naming)
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create disk naming %s: %w", namingName, err)
	}

	// Reinvocation for the same PVC is fine; a record pointing at another
	// PVC means the name is genuinely taken.
	existing, getErr := m.gateway.GetDiskNaming(ctx, namespace, namingName)
	if getErr != nil {
		return fmt.Errorf("failed to get disk naming %s: %w", namingName, getErr)
	}
	if existing.DiskID != pvc.Name {
		return fmt.Errorf("%w: disk with name %s already exists for project %s", disk.ErrNameUsed, diskName, project)
	}
	return nil
}

func lookupAnnotation(annotations map[string]string, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := annotations[key]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}
