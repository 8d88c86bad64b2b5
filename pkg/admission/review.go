// Package admission implements the mutating webhook for PVCs (labels,
// annotations, storage class, DiskNaming creation) and Pods (disk volume
// injection).
package admission

import (
	"encoding/json"
	"fmt"
	"strings"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

const (
	annotationsPath = "/metadata/annotations"
	labelsPath      = "/metadata/labels"
)

// PatchOperation is a single RFC 6902 operation. Only "add" is ever emitted.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// EscapeJSONPointer escapes a path segment per RFC 6901: ~ becomes ~0 and
// / becomes ~1.
func EscapeJSONPointer(segment string) string {
	segment = strings.ReplaceAll(segment, "~", "~0")
	return strings.ReplaceAll(segment, "/", "~1")
}

// review accumulates patch operations for one admission request.
type review struct {
	uid   types.UID
	patch []PatchOperation
}

func newReview(uid types.UID) *review {
	return &review{uid: uid}
}

func (r *review) addPatch(path string, value interface{}) {
	r.patch = append(r.patch, PatchOperation{Op: "add", Path: path, Value: value})
}

// addIfAbsent emits an add patch for collection[key] only when the key is not
// already present on the object under review.
func (r *review) addIfAbsent(collection map[string]string, collectionPath, key, value string) {
	if _, ok := collection[key]; ok {
		return
	}
	r.addPatch(collectionPath+"/"+EscapeJSONPointer(key), value)
}

// allow builds an allowed response carrying the accumulated JSON patch.
// The AdmissionResponse patch field is raw bytes; client-go base64-encodes it
// on the wire.
func (r *review) allow() (*admissionv1.AdmissionResponse, error) {
	resp := &admissionv1.AdmissionResponse{
		UID:     r.uid,
		Allowed: true,
	}
	if len(r.patch) > 0 {
		body, err := json.Marshal(r.patch)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal admission patch: %w", err)
		}
		patchType := admissionv1.PatchTypeJSONPatch
		resp.Patch = body
		resp.PatchType = &patchType
	}
	return resp, nil
}

// decline builds a rejected response with an HTTP-style code and message.
func (r *review) decline(code int32, message string) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{
		UID:     r.uid,
		Allowed: false,
		Result: &metav1.Status{
			Code:    code,
			Message: message,
		},
	}
}
