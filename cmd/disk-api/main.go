// Package main implements the disk API process: REST surface, mutating
// admission webhook and the platform event consumer.
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

	"github.com/apolo-us/platform-disk-api/pkg/admission"
	"github.com/apolo-us/platform-disk-api/pkg/config"
	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/events"
	"github.com/apolo-us/platform-disk-api/pkg/httpapi"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
	"github.com/apolo-us/platform-disk-api/pkg/metrics"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	metricsAddr   = flag.String("metrics-addr", ":9100", "Address to expose Prometheus metrics")
	admissionAddr = flag.String("admission-addr", ":9443", "Address of the mutating admission webhook (requires TLS cert and key)")
	showVersion   = flag.Bool("show-version", false, "Show version and exit")
	debug         = flag.Bool("debug", false, "Enable debug logging (equivalent to -v=4)")
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
		fmt.Printf("platform-disk-api version: %s\n", version)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		fmt.Printf("  Build date: %s\n", buildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		os.Exit(0)
	}

	cfg, err := config.NewFactory(nil).Create()
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}

	metrics.SetVersionInfo(version, gitCommit, buildDate)
	klog.Infof("Starting platform-disk-api %s (commit: %s, built: %s)", version, gitCommit, buildDate)

	gateway, err := kube.NewClient(cfg.Kube)
	if err != nil {
		klog.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageClassName, err := disk.ResolveStorageClassName(ctx, gateway, cfg.Disk.StorageClassName)
	if err != nil {
		klog.Fatalf("Failed to resolve storage class: %v", err)
	}

	service := disk.NewService(gateway, storageClassName, cfg.Disk.StorageLimitPerProject)

	group, ctx := errgroup.WithContext(ctx)

	restServer := httpapi.NewServer(service, nil, httpapi.Config{
		Addr:           cfg.Server.Addr(),
		ClusterName:    cfg.ClusterName,
		AllowedOrigins: cfg.CORSOrigins,
		Version:        version,
	})
	group.Go(func() error { return restServer.Run(ctx) })

	if cfg.Server.TLSCertPath != "" {
		mutator := admission.NewMutator(gateway, service, storageClassName, cfg.ClusterName, cfg.Admission.MutatePods)
		webhook := admission.NewServer(mutator, *admissionAddr, cfg.Server.TLSCertPath, cfg.Server.TLSKeyPath)
		group.Go(func() error { return webhook.Run(ctx) })
	} else {
		klog.Warning("TLS cert path not configured, admission webhook disabled")
	}

	if cfg.Events != nil {
		client := events.NewClient(events.Config{
			URL:   cfg.Events.URL,
			Token: cfg.Events.Token,
		}, events.StreamPlatformAdmin)
		deleter := events.NewProjectDeleter(service)
		group.Go(func() error { return client.Run(ctx, deleter.HandleEvent) })
	} else {
		klog.Info("Event bus URL not configured, project event consumer disabled")
	}

	group.Go(func() error { return serveMetrics(ctx, *metricsAddr) })

	if err := group.Wait(); err != nil {
		klog.Fatalf("Disk API terminated: %v", err)
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Metrics listening on %s", addr)
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
