package events

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/metrics"
)

// ProjectDeleter removes all disks of a project when the platform announces
// its deletion.
type ProjectDeleter struct {
	service *disk.Service
}

// NewProjectDeleter creates the project-remove consumer.
func NewProjectDeleter(service *disk.Service) *ProjectDeleter {
	return &ProjectDeleter{service: service}
}

// HandleEvent implements Handler. Non project-remove events are acknowledged
// without action. Disk removal is best-effort: a disk already gone does not
// fail the event.
func (d *ProjectDeleter) HandleEvent(ctx context.Context, event Event) error {
	if event.EventType != EventTypeProjectRemove {
		klog.V(4).Infof("Ignoring event %s of type %s", event.Tag, event.EventType)
		return nil
	}

	klog.Infof("Removing disks of deleted project %s/%s", event.Org, event.Project)
	disks, err := d.service.GetAllDisks(ctx, event.Org, event.Project)
	if err != nil {
		return fmt.Errorf("failed to list disks of %s/%s: %w", event.Org, event.Project, err)
	}

	for _, dsk := range disks {
		if err := d.service.RemoveDisk(ctx, dsk); err != nil {
			if errors.Is(err, disk.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to remove disk %s: %w", dsk.ID, err)
		}
		metrics.RecordDiskRemoval(metrics.RemovalReasonProjectRemove)
	}
	klog.Infof("Removed %d disks of project %s/%s", len(disks), event.Org, event.Project)
	return nil
}
