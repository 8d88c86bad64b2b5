package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
)

var pvcResource = schema.GroupResource{Resource: "persistentvolumeclaims"}

// fakeCluster is a minimal in-memory cluster for migration tests. It records
// every mutating call in order.
type fakeCluster struct {
	kube.Gateway

	namings map[string]kube.DiskNaming // keyed namespace/name
	pvcs    map[string]*corev1.PersistentVolumeClaim
	pvs     map[string]*corev1.PersistentVolume
	pods    []corev1.Pod

	calls []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		namings: map[string]kube.DiskNaming{},
		pvcs:    map[string]*corev1.PersistentVolumeClaim{},
		pvs:     map[string]*corev1.PersistentVolume{},
	}
}

func (f *fakeCluster) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeCluster) ListDiskNamings(_ context.Context, _ string) ([]kube.DiskNaming, error) {
	out := make([]kube.DiskNaming, 0, len(f.namings))
	for _, naming := range f.namings {
		out = append(out, naming)
	}
	return out, nil
}

func (f *fakeCluster) ListPVCs(_ context.Context, namespace, _ string) ([]corev1.PersistentVolumeClaim, error) {
	var out []corev1.PersistentVolumeClaim
	for key, pvc := range f.pvcs {
		if strings.HasPrefix(key, namespace+"/") {
			out = append(out, *pvc)
		}
	}
	return out, nil
}

func (f *fakeCluster) ListPods(_ context.Context) (*corev1.PodList, error) {
	return &corev1.PodList{Items: f.pods}, nil
}

func (f *fakeCluster) GetPVC(_ context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error) {
	pvc, ok := f.pvcs[namespace+"/"+name]
	if !ok {
		return nil, apierrors.NewNotFound(pvcResource, name)
	}
	return pvc, nil
}

func (f *fakeCluster) DeletePVC(_ context.Context, namespace, name string) error {
	f.record("delete-pvc %s/%s", namespace, name)
	delete(f.pvcs, namespace+"/"+name)
	return nil
}

func (f *fakeCluster) CreatePVC(_ context.Context, namespace string, pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error) {
	f.record("create-pvc %s/%s", namespace, pvc.Name)
	created := pvc.DeepCopy()
	created.Namespace = namespace
	f.pvcs[namespace+"/"+pvc.Name] = created
	// The control plane binds the retained PV back to the recreated claim.
	if pv, ok := f.pvs[pvc.Spec.VolumeName]; ok {
		pv.Spec.ClaimRef = &corev1.ObjectReference{Namespace: namespace, Name: pvc.Name}
	}
	return created, nil
}

func (f *fakeCluster) GetPV(_ context.Context, name string) (*corev1.PersistentVolume, error) {
	pv, ok := f.pvs[name]
	if !ok {
		return nil, apierrors.NewNotFound(schema.GroupResource{Resource: "persistentvolumes"}, name)
	}
	return pv, nil
}

func (f *fakeCluster) PatchPV(_ context.Context, name string, patch []byte) (*corev1.PersistentVolume, error) {
	f.record("patch-pv %s %s", name, patch)
	pv, ok := f.pvs[name]
	if !ok {
		return nil, apierrors.NewNotFound(schema.GroupResource{Resource: "persistentvolumes"}, name)
	}
	if strings.Contains(string(patch), `"claimRef":null`) {
		pv.Spec.ClaimRef = nil
	}
	return pv, nil
}

func (f *fakeCluster) CreateNamespace(_ context.Context, name string, _ map[string]string) (*corev1.Namespace, error) {
	f.record("create-namespace %s", name)
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}, nil
}

func (f *fakeCluster) CreateDiskNaming(_ context.Context, naming kube.DiskNaming) error {
	f.record("create-naming %s/%s", naming.Namespace, naming.Name)
	f.namings[naming.Namespace+"/"+naming.Name] = naming
	return nil
}

func (f *fakeCluster) DeleteDiskNaming(_ context.Context, namespace, name string) error {
	f.record("delete-naming %s/%s", namespace, name)
	delete(f.namings, namespace+"/"+name)
	return nil
}

func legacyPVC(name string) *corev1.PersistentVolumeClaim {
	storageClass := "standard"
	volumeMode := corev1.PersistentVolumeFilesystem
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: DefaultLegacyNamespace,
			Name:      name,
			UID:       types.UID("uid-" + name),
			Labels: map[string]string{
				disk.MarkLabel:    "true",
				disk.OrgLabel:     "acme",
				disk.ProjectLabel: "ml",
				disk.UserLabel:    "alice",
			},
			Annotations: map[string]string{
				disk.CreatedAtAnnotation: "1715342400.000000",
				disk.LifeSpanAnnotation:  "3600",
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: &storageClass,
			VolumeMode:       &volumeMode,
			VolumeName:       "pv-" + name,
		},
	}
}

func newTestJob(cluster *fakeCluster) *Job {
	job := NewJob(cluster, "")
	job.waitTimeout = 100 * time.Millisecond
	job.pollInterval = time.Millisecond
	return job
}

func addLegacyDisk(cluster *fakeCluster, pvc *corev1.PersistentVolumeClaim, namingName string) {
	cluster.pvcs[pvc.Namespace+"/"+pvc.Name] = pvc
	if pvc.Spec.VolumeName != "" {
		cluster.pvs[pvc.Spec.VolumeName] = &corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{Name: pvc.Spec.VolumeName},
			Spec: corev1.PersistentVolumeSpec{
				ClaimRef: &corev1.ObjectReference{Namespace: pvc.Namespace, Name: pvc.Name},
			},
		}
	}
	if namingName != "" {
		naming := kube.DiskNaming{Namespace: pvc.Namespace, Name: namingName, DiskID: pvc.Name}
		cluster.namings[pvc.Namespace+"/"+namingName] = naming
	}
}

func TestMigrateBoundDisk(t *testing.T) {
	cluster := newFakeCluster()
	addLegacyDisk(cluster, legacyPVC("disk-1"), "data--acme--ml")

	if err := newTestJob(cluster).Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	namespace := disk.GenerateNamespaceName("acme", "ml")
	want := []string{
		"create-namespace " + namespace,
		`patch-pv pv-disk-1 {"spec":{"persistentVolumeReclaimPolicy":"Retain"}}`,
		"delete-pvc " + DefaultLegacyNamespace + "/disk-1",
		`patch-pv pv-disk-1 {"spec":{"claimRef":null}}`,
		"create-pvc " + namespace + "/disk-1",
		`patch-pv pv-disk-1 {"spec":{"persistentVolumeReclaimPolicy":"Delete"}}`,
		"delete-naming " + DefaultLegacyNamespace + "/data--acme--ml",
		"create-naming " + namespace + "/data--acme--ml",
	}
	if len(cluster.calls) != len(want) {
		t.Fatalf("calls = %q, want %q", cluster.calls, want)
	}
	for i, call := range want {
		if cluster.calls[i] != call {
			t.Errorf("calls[%d] = %q, want %q", i, cluster.calls[i], call)
		}
	}

	migrated, ok := cluster.pvcs[namespace+"/disk-1"]
	if !ok {
		t.Fatal("migrated PVC not found")
	}
	if migrated.UID != types.UID("uid-disk-1") {
		t.Errorf("UID = %q, want preserved", migrated.UID)
	}
	if migrated.Spec.VolumeName != "pv-disk-1" {
		t.Errorf("VolumeName = %q", migrated.Spec.VolumeName)
	}
	for _, key := range []string{
		disk.MarkLabel, disk.ApoloMarkLabel,
		disk.OrgLabel, disk.ApoloOrgLabel,
		disk.ProjectLabel, disk.ApoloProjectLabel,
		disk.UserLabel, disk.ApoloUserLabel,
	} {
		if _, ok := migrated.Labels[key]; !ok {
			t.Errorf("label %s missing", key)
		}
	}
	if got := migrated.Labels[disk.ApoloUserLabel]; got != "alice" {
		t.Errorf("user label = %q", got)
	}
	for _, key := range []string{
		disk.CreatedAtAnnotation, disk.ApoloCreatedAtAnnotation,
		disk.LifeSpanAnnotation, disk.ApoloLifeSpanAnnotation,
	} {
		if _, ok := migrated.Annotations[key]; !ok {
			t.Errorf("annotation %s missing", key)
		}
	}
	if _, ok := migrated.Annotations[disk.UsedBytesAnnotation]; ok {
		t.Error("absent annotations must not be invented")
	}
}

func TestMigrateUnboundDisk(t *testing.T) {
	cluster := newFakeCluster()
	pvc := legacyPVC("disk-1")
	pvc.Spec.VolumeName = ""
	addLegacyDisk(cluster, pvc, "data--acme--ml")

	if err := newTestJob(cluster).Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, call := range cluster.calls {
		if strings.HasPrefix(call, "patch-pv") {
			t.Errorf("unbound claim must not touch PVs, got %q", call)
		}
	}
	namespace := disk.GenerateNamespaceName("acme", "ml")
	if _, ok := cluster.pvcs[namespace+"/disk-1"]; !ok {
		t.Error("migrated PVC not found")
	}
}

func TestRunSkipsPvcInUse(t *testing.T) {
	cluster := newFakeCluster()
	addLegacyDisk(cluster, legacyPVC("disk-busy"), "busy--acme--ml")
	addLegacyDisk(cluster, legacyPVC("disk-free"), "free--acme--ml")
	cluster.pods = []corev1.Pod{{
		ObjectMeta: metav1.ObjectMeta{Namespace: DefaultLegacyNamespace, Name: "job-1"},
		Spec: corev1.PodSpec{Volumes: []corev1.Volume{{
			Name: "v",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: "disk-busy"},
			},
		}}},
	}}

	err := newTestJob(cluster).Run(context.Background(), nil)
	if !errors.Is(err, ErrPvcInUse) {
		t.Fatalf("Run = %v, want ErrPvcInUse", err)
	}

	namespace := disk.GenerateNamespaceName("acme", "ml")
	if _, ok := cluster.pvcs[namespace+"/disk-free"]; !ok {
		t.Error("free disk must still migrate")
	}
	if _, ok := cluster.pvcs[DefaultLegacyNamespace+"/disk-busy"]; !ok {
		t.Error("busy disk must stay in the legacy namespace")
	}
}

func TestRunSkipsDiskWithoutNaming(t *testing.T) {
	cluster := newFakeCluster()
	addLegacyDisk(cluster, legacyPVC("disk-1"), "")

	err := newTestJob(cluster).Run(context.Background(), nil)
	if !errors.Is(err, ErrNoNaming) {
		t.Fatalf("Run = %v, want ErrNoNaming", err)
	}
	if _, ok := cluster.pvcs[DefaultLegacyNamespace+"/disk-1"]; !ok {
		t.Error("unnamed disk must not be touched")
	}
}

func TestRunDiskIDFilter(t *testing.T) {
	cluster := newFakeCluster()
	addLegacyDisk(cluster, legacyPVC("disk-1"), "one--acme--ml")
	addLegacyDisk(cluster, legacyPVC("disk-2"), "two--acme--ml")

	if err := newTestJob(cluster).Run(context.Background(), map[string]bool{"disk-2": true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	namespace := disk.GenerateNamespaceName("acme", "ml")
	if _, ok := cluster.pvcs[namespace+"/disk-2"]; !ok {
		t.Error("disk-2 must migrate")
	}
	if _, ok := cluster.pvcs[DefaultLegacyNamespace+"/disk-1"]; !ok {
		t.Error("disk-1 must be left alone")
	}
}

func TestMigrateProjectFallsBackToUserLabel(t *testing.T) {
	cluster := newFakeCluster()
	pvc := legacyPVC("disk-1")
	delete(pvc.Labels, disk.OrgLabel)
	delete(pvc.Labels, disk.ProjectLabel)
	pvc.Labels[disk.UserLabel] = "team--bob"
	addLegacyDisk(cluster, pvc, "data--acme--ml")

	if err := newTestJob(cluster).Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	namespace := disk.GenerateNamespaceName(disk.NoOrgNormalized, "team")
	migrated, ok := cluster.pvcs[namespace+"/disk-1"]
	if !ok {
		t.Fatalf("PVC not migrated to %s, calls %q", namespace, cluster.calls)
	}
	if got := migrated.Labels[disk.ApoloProjectLabel]; got != "team" {
		t.Errorf("project label = %q, want team", got)
	}
	if got := migrated.Labels[disk.ApoloOrgLabel]; got != disk.NoOrgNormalized {
		t.Errorf("org label = %q, want %s", got, disk.NoOrgNormalized)
	}
}
