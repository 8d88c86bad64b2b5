package disk

import "errors"

// Static errors surfaced by the disk service.
var (
	// ErrNotFound is returned when the target disk, PVC or naming record is absent.
	ErrNotFound = errors.New("disk not found")

	// ErrNameUsed is returned when a disk name is already taken within a project.
	ErrNameUsed = errors.New("disk name already used")

	// ErrQuotaExceeded is returned when creating a disk would push the project
	// over its storage limit.
	ErrQuotaExceeded = errors.New("project storage limit exceeded")

	// ErrInvalidName is returned for disk names that do not match the allowed pattern.
	ErrInvalidName = errors.New("invalid disk name")

	// ErrNoStorageClass is returned when no storage class is configured and the
	// cluster has no default either.
	ErrNoStorageClass = errors.New("no storage class configured and no cluster default found")
)
