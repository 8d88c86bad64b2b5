package admission

import (
	"errors"
	"net/http"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
)

var (
	// ErrInvalidInjectionSpec marks an unparsable or malformed disk
	// injection annotation.
	ErrInvalidInjectionSpec = errors.New("invalid disk injection spec")

	// ErrMetadataMismatch marks disagreement between the org/project carried
	// by the disk URI, the namespace labels and the pod labels.
	ErrMetadataMismatch = errors.New("metadata mismatch")
)

// errorCode maps a domain error to the HTTP-style code reported in the
// admission response status.
func errorCode(err error) int32 {
	switch {
	case errors.Is(err, disk.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, disk.ErrNameUsed):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInjectionSpec):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrMetadataMismatch):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
