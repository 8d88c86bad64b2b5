// Package watcher runs the background loops keeping disk usage metadata
// fresh: last-usage tracking from pod events, used-bytes scraping from node
// stats and lifespan-based garbage collection.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
	"github.com/apolo-us/platform-disk-api/pkg/metrics"
)

const (
	DefaultUsedBytesInterval = time.Minute
	DefaultLifespanInterval  = 10 * time.Minute

	retryDelay = 5 * time.Second
)

// Watcher owns the three background loops. All state lives in the cluster;
// the loops only push merge patches, so restarts at any point are safe.
type Watcher struct {
	gateway kube.Gateway
	service *disk.Service

	usedBytesInterval time.Duration
	lifespanInterval  time.Duration

	now func() time.Time
}

// New creates a watcher with the given scrape and sweep intervals; zero
// values select the defaults.
func New(gateway kube.Gateway, service *disk.Service, usedBytesInterval, lifespanInterval time.Duration) *Watcher {
	if usedBytesInterval <= 0 {
		usedBytesInterval = DefaultUsedBytesInterval
	}
	if lifespanInterval <= 0 {
		lifespanInterval = DefaultLifespanInterval
	}
	return &Watcher{
		gateway:           gateway,
		service:           service,
		usedBytesInterval: usedBytesInterval,
		lifespanInterval:  lifespanInterval,
		now:               time.Now,
	}
}

// Run blocks until the context is cancelled. Cancellation stops all three
// loops.
func (w *Watcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.watchDiskUsage(ctx) })
	g.Go(func() error { return w.watchUsedBytes(ctx) })
	g.Go(func() error { return w.watchLifespanEnded(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchDiskUsage maintains the last-usage annotation of every PVC mounted by
// a running pod: a full list on (re)start, then a watch from the listed
// resource version. A 410 from the API server forces a re-list.
func (w *Watcher) watchDiskUsage(ctx context.Context) error {
	resourceVersion := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if resourceVersion == "" {
			pods, err := w.gateway.ListPods(ctx)
			if err != nil {
				klog.Errorf("Failed to list pods: %v", err)
				metrics.RecordWatcherSweep("disk-usage", "error")
				if err := sleepCtx(ctx, retryDelay); err != nil {
					return err
				}
				continue
			}
			for i := range pods.Items {
				w.markPodDiskUsage(ctx, &pods.Items[i])
			}
			resourceVersion = pods.ResourceVersion
			metrics.RecordWatcherSweep("disk-usage", "success")
		}

		watcher, err := w.gateway.WatchPods(ctx, resourceVersion)
		if err != nil {
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				klog.V(4).Info("Pod watch resource version expired, re-listing")
				resourceVersion = ""
				continue
			}
			klog.Errorf("Failed to open pod watch: %v", err)
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return err
			}
			continue
		}

		resourceVersion = w.consumePodEvents(ctx, watcher, resourceVersion)
	}
}

// consumePodEvents drains one watch connection. Returns the resource version
// to resume from; "" means the caller must re-list.
func (w *Watcher) consumePodEvents(ctx context.Context, watcher watch.Interface, resourceVersion string) string {
	defer watcher.Stop()
	for {
		select {
		case <-ctx.Done():
			return resourceVersion
		case event, ok := <-watcher.ResultChan():
			if !ok {
				// Server closed the watch; resume from the last seen version.
				return resourceVersion
			}
			switch event.Type {
			case watch.Bookmark:
				if pod, ok := event.Object.(*corev1.Pod); ok {
					resourceVersion = pod.ResourceVersion
				}
			case watch.Error:
				status, _ := event.Object.(*metav1.Status)
				if status != nil && status.Code == 410 {
					klog.V(4).Info("Pod watch expired, re-listing")
					return ""
				}
				klog.Errorf("Pod watch error event: %v", status)
			case watch.Added, watch.Modified, watch.Deleted:
				pod, ok := event.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				w.markPodDiskUsage(ctx, pod)
				resourceVersion = pod.ResourceVersion
			}
		}
	}
}

// markPodDiskUsage stamps last-usage on every claim the pod mounts. Disks
// that vanished mid-flight are skipped.
func (w *Watcher) markPodDiskUsage(ctx context.Context, pod *corev1.Pod) {
	now := w.now()
	for i := range pod.Spec.Volumes {
		pvcSource := pod.Spec.Volumes[i].PersistentVolumeClaim
		if pvcSource == nil {
			continue
		}
		err := w.service.MarkDiskUsage(ctx, pod.Namespace, pvcSource.ClaimName, now)
		if err != nil && !errors.Is(err, disk.ErrNotFound) {
			klog.Errorf("Failed to mark usage of %s/%s: %v", pod.Namespace, pvcSource.ClaimName, err)
		}
	}
}

// watchUsedBytes periodically scrapes the stats summary of every node and
// pushes per-claim used bytes. Per-node scrape failures do not abort the
// sweep.
func (w *Watcher) watchUsedBytes(ctx context.Context) error {
	ticker := time.NewTicker(w.usedBytesInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.sweepUsedBytes(ctx); err != nil {
				klog.Errorf("Used bytes sweep failed: %v", err)
				metrics.RecordWatcherSweep("used-bytes", "error")
			} else {
				metrics.RecordWatcherSweep("used-bytes", "success")
			}
		}
	}
}

func (w *Watcher) sweepUsedBytes(ctx context.Context) error {
	nodes, err := w.gateway.ListNodeNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	for _, node := range nodes {
		summary, err := w.gateway.GetStatsSummary(ctx, node)
		if err != nil {
			klog.Errorf("Failed to scrape stats of node %s: %v", node, err)
			continue
		}
		for _, stat := range summary.PVCVolumeStats() {
			err := w.service.UpdateDiskUsedBytes(ctx, stat.Namespace, stat.PVCName, stat.UsedBytes)
			if err != nil && !errors.Is(err, disk.ErrNotFound) {
				klog.Errorf("Failed to update used bytes of %s/%s: %v", stat.Namespace, stat.PVCName, err)
			}
		}
	}
	return nil
}

// watchLifespanEnded periodically removes disks whose lifespan elapsed since
// their last usage (or creation, when never used).
func (w *Watcher) watchLifespanEnded(ctx context.Context) error {
	ticker := time.NewTicker(w.lifespanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.sweepLifespans(ctx); err != nil {
				klog.Errorf("Lifespan sweep failed: %v", err)
				metrics.RecordWatcherSweep("lifespan", "error")
			} else {
				metrics.RecordWatcherSweep("lifespan", "success")
			}
		}
	}
}

func (w *Watcher) sweepLifespans(ctx context.Context) error {
	disks, err := w.service.GetAllDisks(ctx, "", "")
	if err != nil {
		return err
	}
	now := w.now()
	for _, d := range disks {
		if d.LifeSpan <= 0 {
			continue
		}
		base := d.LastUsage
		if base.IsZero() {
			base = d.CreatedAt
		}
		if !now.After(base.Add(d.LifeSpan)) {
			continue
		}
		klog.Infof("Disk %s lifespan ended (deadline %s), removing", d.ID, base.Add(d.LifeSpan))
		if err := w.service.RemoveDisk(ctx, d); err != nil {
			if errors.Is(err, disk.ErrNotFound) {
				continue
			}
			klog.Errorf("Failed to remove expired disk %s: %v", d.ID, err)
			continue
		}
		metrics.RecordDiskRemoval(metrics.RemovalReasonLifespan)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
