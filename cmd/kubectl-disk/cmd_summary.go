package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
)

// ProjectSummary aggregates disks of one org/project pair.
type ProjectSummary struct {
	Org       string `json:"org"       yaml:"org"`
	Project   string `json:"project"   yaml:"project"`
	Disks     int    `json:"disks"     yaml:"disks"`
	Storage   int64  `json:"storage"   yaml:"storage"`
	UsedBytes int64  `json:"usedBytes" yaml:"usedBytes"`
}

// Summary is the cluster-wide disk usage dashboard.
type Summary struct {
	TotalDisks   int              `json:"totalDisks"   yaml:"totalDisks"`
	Ready        int              `json:"ready"        yaml:"ready"`
	Pending      int              `json:"pending"      yaml:"pending"`
	Broken       int              `json:"broken"       yaml:"broken"`
	TotalStorage int64            `json:"totalStorage" yaml:"totalStorage"`
	TotalUsed    int64            `json:"totalUsed"    yaml:"totalUsed"`
	Projects     []ProjectSummary `json:"projects"     yaml:"projects"`
}

func newSummaryCmd(outputFormat *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Cluster-wide disk usage dashboard",
		Long: `Aggregate all managed disks of the cluster into per-project provisioned
and used capacity.

Examples:
  # Show the dashboard
  kubectl disk summary

  # Machine-readable totals
  kubectl disk summary -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSummary(cmd.Context(), outputFormat)
		},
	}
	return cmd
}

func runSummary(ctx context.Context, outputFormat *string) error {
	service, err := newDiskService()
	if err != nil {
		return err
	}

	disks, err := service.GetAllDisks(ctx, "", "")
	if err != nil {
		return fmt.Errorf("failed to list disks: %w", err)
	}

	return outputSummary(buildSummary(disks), *outputFormat)
}

func buildSummary(disks []*disk.Disk) Summary {
	summary := Summary{TotalDisks: len(disks)}
	projects := make(map[string]*ProjectSummary)

	for _, d := range disks {
		switch d.Status {
		case disk.StatusReady:
			summary.Ready++
		case disk.StatusPending:
			summary.Pending++
		case disk.StatusBroken:
			summary.Broken++
		}

		summary.TotalStorage += d.Storage
		if d.UsedBytes > 0 {
			summary.TotalUsed += d.UsedBytes
		}

		org := disk.NormalizeOrg(d.Org)
		key := org + "/" + d.Project
		p, ok := projects[key]
		if !ok {
			p = &ProjectSummary{Org: org, Project: d.Project}
			projects[key] = p
		}
		p.Disks++
		p.Storage += d.Storage
		if d.UsedBytes > 0 {
			p.UsedBytes += d.UsedBytes
		}
	}

	summary.Projects = make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		summary.Projects = append(summary.Projects, *p)
	}
	sort.Slice(summary.Projects, func(i, j int) bool {
		if summary.Projects[i].Org != summary.Projects[j].Org {
			return summary.Projects[i].Org < summary.Projects[j].Org
		}
		return summary.Projects[i].Project < summary.Projects[j].Project
	})

	return summary
}

func outputSummary(summary Summary, format string) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)

	case outputFormatYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		return enc.Encode(summary)

	case outputFormatTable, "":
		totals := newStyledTable()
		totals.AppendRow(tableRow("Disks", summary.TotalDisks))
		totals.AppendRow(tableRow("Ready", colorSuccess.Sprint(summary.Ready)))
		totals.AppendRow(tableRow("Pending", colorWarning.Sprint(summary.Pending)))
		totals.AppendRow(tableRow("Broken", colorError.Sprint(summary.Broken)))
		totals.AppendRow(tableRow("Provisioned", formatBytes(summary.TotalStorage)))
		totals.AppendRow(tableRow("Used", formatBytes(summary.TotalUsed)))
		totals.Render()

		if len(summary.Projects) == 0 {
			return nil
		}
		fmt.Println()

		t := newStyledTable()
		t.AppendHeader(tableRow("ORG", "PROJECT", "DISKS", "STORAGE", "USED"))
		for _, p := range summary.Projects {
			t.AppendRow(tableRow(p.Org, p.Project, p.Disks, formatBytes(p.Storage), formatBytes(p.UsedBytes)))
		}
		t.Render()
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
