package disk

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status describes the lifecycle state of a disk, derived from the phase of
// its backing PVC.
type Status string

const (
	StatusPending Status = "Pending"
	StatusReady   Status = "Ready"
	StatusBroken  Status = "Broken"
)

// Request describes a disk to be created.
type Request struct {
	Storage  int64 // bytes
	Org      string
	Project  string
	LifeSpan time.Duration // zero means unlimited
	Name     string        // optional, unique per project
}

// Disk is a durable block volume owned by a project, 1:1 backed by a PVC.
type Disk struct {
	ID        string
	Storage   int64 // bytes; real capacity once bound, requested otherwise
	Owner     string
	Org       string
	Project   string
	Name      string // optional human-readable name
	Status    Status
	CreatedAt time.Time
	LastUsage time.Time     // zero if never used
	LifeSpan  time.Duration // zero if unlimited
	UsedBytes int64         // -1 if unknown
}

// Namespace returns the project namespace the disk lives in.
func (d *Disk) Namespace() string {
	return GenerateNamespaceName(d.Org, d.Project)
}

// URI returns the platform resource URI of the disk within a cluster.
func (d *Disk) URI(cluster string) string {
	return fmt.Sprintf("disk://%s/%s/%s/%s", cluster, NormalizeOrg(d.Org), d.Project, d.ID)
}

// Annotation value codecs. Timestamps are stored as fractional unix seconds
// and durations as fractional seconds, matching the values written by earlier
// deployments.

func FormatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', 6, 64)
}

func ParseTime(raw string) (time.Time, error) {
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return time.Unix(0, int64(sec*float64(time.Second))).UTC(), nil
}

func FormatDuration(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func ParseDuration(raw string) (time.Duration, error) {
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

// EscapeOwner converts a user login to its label-safe form.
func EscapeOwner(owner string) string {
	return strings.ReplaceAll(owner, "/", "--")
}

// UnescapeOwner is the inverse of EscapeOwner.
func UnescapeOwner(label string) string {
	return strings.ReplaceAll(label, "--", "/")
}
