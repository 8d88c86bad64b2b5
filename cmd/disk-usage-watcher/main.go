// Package main implements the disk usage watcher process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/config"
	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
	"github.com/apolo-us/platform-disk-api/pkg/metrics"
	"github.com/apolo-us/platform-disk-api/pkg/watcher"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	usedBytesInterval = flag.Duration("used-bytes-interval", watcher.DefaultUsedBytesInterval, "How often node stats summaries are scraped")
	lifespanInterval  = flag.Duration("lifespan-interval", watcher.DefaultLifespanInterval, "How often expired disks are swept")
	showVersion       = flag.Bool("show-version", false, "Show version and exit")
	debug             = flag.Bool("debug", false, "Enable debug logging (equivalent to -v=4)")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *debug {
		if err := flag.Set("v", "4"); err != nil {
			klog.Warningf("Failed to set verbosity level: %v", err)
		}
	}

	if *showVersion {
		fmt.Printf("disk-usage-watcher version: %s\n", version)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		fmt.Printf("  Build date: %s\n", buildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		os.Exit(0)
	}

	cfg, err := config.NewFactory(nil).CreateWatcher()
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}

	metrics.SetVersionInfo(version, gitCommit, buildDate)
	klog.Infof("Starting disk-usage-watcher %s (commit: %s, built: %s)", version, gitCommit, buildDate)

	gateway, err := kube.NewClient(cfg.Kube)
	if err != nil {
		klog.Fatalf("Failed to create Kubernetes client: %v", err)
	}
	service := disk.NewService(gateway, "", 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		w := watcher.New(gateway, service, *usedBytesInterval, *lifespanInterval)
		return w.Run(ctx)
	})
	group.Go(func() error { return serveHealth(ctx, cfg.Server.Addr()) })

	if err := group.Wait(); err != nil {
		klog.Fatalf("Usage watcher terminated: %v", err)
	}
}

// serveHealth exposes the liveness probe and Prometheus metrics.
func serveHealth(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Pong"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Health endpoint listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
