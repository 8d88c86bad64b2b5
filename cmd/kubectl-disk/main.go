// Package main implements the kubectl-disk plugin for inspecting platform
// managed disks.
//
// Installation:
//
//	go build -o kubectl-disk ./cmd/kubectl-disk
//	mv kubectl-disk /usr/local/bin/  # or anywhere in PATH
//
// Usage:
//
//	kubectl disk list                  # List all managed disks
//	kubectl disk describe <id|name>    # Show one disk in detail
//	kubectl disk summary               # Cluster-wide usage dashboard
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Build information (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		orgName      string
		projectName  string
		outputFormat string
	)

	rootCmd := &cobra.Command{
		Use:   "kubectl-disk",
		Short: "Inspect platform managed disks",
		Long: `kubectl-disk is a kubectl plugin for inspecting disks managed by the
platform disk API.

Disks are backed by PersistentVolumeClaims in per-project namespaces; this
plugin finds them by their management labels and presents them with their
platform metadata (owner, project, lifespan, usage).

Cluster access uses the current kubeconfig context.`,
		Version: version + " (" + commit + ")",
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&orgName, "org", "", "Filter by organization name")
	rootCmd.PersistentFlags().StringVar(&projectName, "project", "", "Filter by project name")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml, json")

	// Add subcommands
	rootCmd.AddCommand(newListCmd(&orgName, &projectName, &outputFormat))
	rootCmd.AddCommand(newDescribeCmd(&orgName, &projectName, &outputFormat))
	rootCmd.AddCommand(newSummaryCmd(&outputFormat))

	return rootCmd
}
