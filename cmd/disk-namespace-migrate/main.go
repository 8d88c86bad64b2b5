// Package main implements the one-shot job migrating legacy disks into
// per-project namespaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/config"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
	"github.com/apolo-us/platform-disk-api/pkg/migration"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	legacyNamespace = flag.String("legacy-namespace", migration.DefaultLegacyNamespace, "Namespace legacy disks are migrated out of")
	diskIDs         = flag.String("disk-ids", "", "Comma-separated disk ids to migrate; empty migrates all")
	showVersion     = flag.Bool("show-version", false, "Show version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *showVersion {
		fmt.Printf("disk-namespace-migrate version: %s\n", version)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		fmt.Printf("  Build date: %s\n", buildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		os.Exit(0)
	}

	cfg, err := config.NewFactory(nil).CreateMigration()
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}

	klog.Infof("Starting disk-namespace-migrate %s (commit: %s, built: %s)", version, gitCommit, buildDate)

	gateway, err := kube.NewClient(cfg.Kube)
	if err != nil {
		klog.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := migration.NewJob(gateway, *legacyNamespace)
	if err := job.Run(ctx, parseDiskIDs(*diskIDs)); err != nil {
		klog.Fatalf("Migration finished with errors: %v", err)
	}
	klog.Info("Migration finished")
}

func parseDiskIDs(raw string) map[string]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	ids := map[string]bool{}
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids[id] = true
		}
	}
	return ids
}
