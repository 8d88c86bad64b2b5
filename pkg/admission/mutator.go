package admission

import (
	"context"
	"time"

	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
	"github.com/apolo-us/platform-disk-api/pkg/metrics"
)

// Mutator handles admission reviews for PVCs and Pods.
type Mutator struct {
	gateway          kube.Gateway
	service          *disk.Service
	storageClassName string
	clusterName      string
	mutatePods       bool

	now func() time.Time
}

// NewMutator creates an admission mutator. The storage class must already be
// resolved (configured or discovered cluster default). Pod mutation is gated
// on mutatePods.
func NewMutator(gateway kube.Gateway, service *disk.Service, storageClassName, clusterName string, mutatePods bool) *Mutator {
	return &Mutator{
		gateway:          gateway,
		service:          service,
		storageClassName: storageClassName,
		clusterName:      clusterName,
		mutatePods:       mutatePods,
		now:              time.Now,
	}
}

// Mutate dispatches an admission request by object kind. Unknown kinds are
// allowed unchanged. Domain errors never escape: they are converted into a
// declined response with an HTTP-style code.
func (m *Mutator) Mutate(ctx context.Context, req *admissionv1.AdmissionRequest) *admissionv1.AdmissionResponse {
	rev := newReview(req.UID)
	kind := req.Kind.Kind
	start := time.Now()

	var (
		resp *admissionv1.AdmissionResponse
		err  error
	)
	switch kind {
	case "PersistentVolumeClaim":
		resp, err = m.mutatePVC(ctx, req, rev)
	case "Pod":
		if !m.mutatePods {
			resp, err = rev.allow()
			break
		}
		resp, err = m.mutatePod(ctx, req, rev)
	default:
		resp, err = rev.allow()
	}

	if err != nil {
		klog.Errorf("Admission review %s for %s declined: %v", req.UID, kind, err)
		metrics.RecordAdmissionReview(kind, "declined", time.Since(start))
		return rev.decline(errorCode(err), err.Error())
	}
	outcome := "allowed"
	if !resp.Allowed {
		outcome = "declined"
	}
	metrics.RecordAdmissionReview(kind, outcome, time.Since(start))
	return resp
}
