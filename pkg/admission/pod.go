package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
)

const injectedVolumePrefix = "disk-auto-injected-volume-"

// injectionEntry is one element of the inject-disk annotation.
type injectionEntry struct {
	MountPath string `json:"mount_path"`
	DiskURI   string `json:"disk_uri"`
	MountMode string `json:"mount_mode,omitempty"`
}

func (e *injectionEntry) readOnly() bool {
	return e.MountMode == "r"
}

func (e *injectionEntry) validate() error {
	if !strings.HasPrefix(e.MountPath, "/") {
		return fmt.Errorf("%w: mount_path %q is not absolute", ErrInvalidInjectionSpec, e.MountPath)
	}
	switch e.MountMode {
	case "", "r", "rw":
	default:
		return fmt.Errorf("%w: mount_mode %q is not one of r, rw", ErrInvalidInjectionSpec, e.MountMode)
	}
	return nil
}

// diskURI is the parsed form of disk://<cluster>/<org>/<project>/<id-or-name>.
type diskURI struct {
	Cluster string
	Org     string
	Project string
	Disk    string
}

func parseDiskURI(raw string) (diskURI, error) {
	rest, ok := strings.CutPrefix(raw, "disk://")
	if !ok {
		return diskURI{}, fmt.Errorf("%w: disk_uri %q does not start with disk://", ErrInvalidInjectionSpec, raw)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return diskURI{}, fmt.Errorf("%w: disk_uri %q must be disk://<cluster>/<org>/<project>/<disk>", ErrInvalidInjectionSpec, raw)
	}
	for _, part := range parts {
		if part == "" {
			return diskURI{}, fmt.Errorf("%w: disk_uri %q has an empty segment", ErrInvalidInjectionSpec, raw)
		}
	}
	return diskURI{Cluster: parts[0], Org: parts[1], Project: parts[2], Disk: parts[3]}, nil
}

func (m *Mutator) mutatePod(ctx context.Context, req *admissionv1.AdmissionRequest, rev *review) (*admissionv1.AdmissionResponse, error) {
	var pod corev1.Pod
	if err := json.Unmarshal(req.Object.Raw, &pod); err != nil {
		return nil, fmt.Errorf("failed to decode Pod: %w", err)
	}

	raw, ok := pod.Annotations[disk.InjectionAnnotation]
	if !ok {
		return rev.allow()
	}

	// Another admission controller may add the ownership labels on a later
	// reinvocation; without them there is nothing to verify against yet.
	podOrg, okOrg := pod.Labels[disk.ApoloOrgLabel]
	podProject, okProject := pod.Labels[disk.ApoloProjectLabel]
	if !okOrg || !okProject {
		klog.V(4).Infof("Pod %s lacks org/project labels, skipping disk injection", pod.Name)
		return rev.allow()
	}

	var entries []injectionEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInjectionSpec, err)
	}
	for i := range entries {
		if err := entries[i].validate(); err != nil {
			return nil, err
		}
	}

	ns, err := m.gateway.GetNamespace(ctx, req.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to get namespace %s: %w", req.Namespace, err)
	}
	nsOrg := ns.Labels[disk.ApoloOrgLabel]
	nsProject := ns.Labels[disk.ApoloProjectLabel]

	org, project := podOrg, podProject
	for i := range entries {
		uri, err := parseDiskURI(entries[i].DiskURI)
		if err != nil {
			return nil, err
		}
		if err := requireSingleton("org", org, nsOrg, uri.Org); err != nil {
			return nil, err
		}
		if err := requireSingleton("project", project, nsProject, uri.Project); err != nil {
			return nil, err
		}
	}

	if pod.Spec.Volumes == nil {
		rev.addPatch("/spec/volumes", []corev1.Volume{})
	}
	mountsInitialized := map[int]bool{}

	for i := range entries {
		entry := &entries[i]
		uri, _ := parseDiskURI(entry.DiskURI)

		d, err := m.resolveDisk(ctx, org, project, uri.Disk)
		if err != nil {
			return nil, err
		}

		volumeName := injectedVolumePrefix + uuid.NewString()[:8]
		rev.addPatch("/spec/volumes/-", corev1.Volume{
			Name: volumeName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: d.ID,
					ReadOnly:  entry.readOnly(),
				},
			},
		})

		for c := range pod.Spec.Containers {
			if pod.Spec.Containers[c].VolumeMounts == nil && !mountsInitialized[c] {
				rev.addPatch(fmt.Sprintf("/spec/containers/%d/volumeMounts", c), []corev1.VolumeMount{})
				mountsInitialized[c] = true
			}
			rev.addPatch(fmt.Sprintf("/spec/containers/%d/volumeMounts/-", c), corev1.VolumeMount{
				Name:      volumeName,
				MountPath: entry.MountPath,
				ReadOnly:  entry.readOnly(),
			})
		}
	}

	return rev.allow()
}

// resolveDisk resolves a URI tail first as a disk id, then as a disk name.
func (m *Mutator) resolveDisk(ctx context.Context, org, project, idOrName string) (*disk.Disk, error) {
	d, err := m.service.GetDisk(ctx, org, project, idOrName)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, disk.ErrNotFound) {
		return nil, err
	}
	return m.service.GetDiskByName(ctx, idOrName, org, project)
}

func requireSingleton(what, podValue, nsValue, uriValue string) error {
	if podValue != nsValue || nsValue != uriValue {
		return fmt.Errorf("%w: %s differs between pod (%s), namespace (%s) and disk URI (%s)",
			ErrMetadataMismatch, what, podValue, nsValue, uriValue)
	}
	return nil
}
