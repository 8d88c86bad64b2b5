package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
)

var errDiskNotFound = errors.New("disk not found")

// DiskDetail is the full disk view shown by describe.
//
//nolint:govet // field alignment not critical for CLI output struct
type DiskDetail struct {
	DiskInfo  `yaml:",inline"`
	Namespace string `json:"namespace"           yaml:"namespace"`
	URI       string `json:"uri"                 yaml:"uri"`
	LastUsage string `json:"lastUsage,omitempty" yaml:"lastUsage,omitempty"`
}

func newDescribeCmd(orgName, projectName, outputFormat *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <disk-id-or-name>",
		Short: "Show one disk in detail",
		Long: `Show the full platform metadata of one disk, looked up by its id or,
within a project, by its name.

Examples:
  # Describe by id
  kubectl disk describe disk-8a2f9c1d

  # Describe by name within a project
  kubectl disk describe training-data --org acme --project ml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescribe(cmd.Context(), args[0], orgName, projectName, outputFormat)
		},
	}
	return cmd
}

func runDescribe(ctx context.Context, idOrName string, orgName, projectName, outputFormat *string) error {
	service, err := newDiskService()
	if err != nil {
		return err
	}

	found, err := findDisk(ctx, service, idOrName, *orgName, *projectName)
	if err != nil {
		return err
	}

	detail := DiskDetail{
		DiskInfo:  diskToInfo(found),
		Namespace: found.Namespace(),
		URI:       found.URI(currentClusterName()),
	}
	if !found.LastUsage.IsZero() {
		detail.LastUsage = found.LastUsage.Format(time.RFC3339)
	}
	return outputDetail(detail, *outputFormat)
}

// findDisk scans managed disks and matches by id first, then by name.
func findDisk(ctx context.Context, service *disk.Service, idOrName, org, project string) (*disk.Disk, error) {
	disks, err := service.GetAllDisks(ctx, org, project)
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %w", err)
	}
	for _, d := range disks {
		if d.ID == idOrName {
			return d, nil
		}
	}
	for _, d := range disks {
		if d.Name != "" && d.Name == idOrName {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errDiskNotFound, idOrName)
}

func outputDetail(detail DiskDetail, format string) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)

	case outputFormatYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		return enc.Encode(detail)

	case outputFormatTable, "":
		t := newStyledTable()
		t.AppendRow(tableRow("ID", detail.ID))
		if detail.Name != "" {
			t.AppendRow(tableRow("Name", detail.Name))
		}
		t.AppendRow(tableRow("Org", detail.Org))
		t.AppendRow(tableRow("Project", detail.Project))
		t.AppendRow(tableRow("Owner", detail.Owner))
		t.AppendRow(tableRow("Status", statusBadge(disk.Status(detail.Status))))
		t.AppendRow(tableRow("Storage", detail.Storage))
		t.AppendRow(tableRow("Used", detail.Used))
		t.AppendRow(tableRow("Namespace", detail.Namespace))
		t.AppendRow(tableRow("Created", detail.CreatedAt))
		if detail.LastUsage != "" {
			t.AppendRow(tableRow("Last usage", detail.LastUsage))
		}
		if detail.LifeSpan != "" {
			t.AppendRow(tableRow("Life span", detail.LifeSpan))
		}
		t.Render()
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
