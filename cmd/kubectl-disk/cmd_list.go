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

// Static errors for list command.
var errUnknownOutputFormat = errors.New("unknown output format")

// DiskInfo represents a managed disk in plugin output.
type DiskInfo struct {
	ID        string `json:"id"                  yaml:"id"`
	Name      string `json:"name,omitempty"      yaml:"name,omitempty"`
	Org       string `json:"org"                 yaml:"org"`
	Project   string `json:"project"             yaml:"project"`
	Owner     string `json:"owner"               yaml:"owner"`
	Status    string `json:"status"              yaml:"status"`
	Storage   string `json:"storage"             yaml:"storage"`
	Used      string `json:"used"                yaml:"used"`
	CreatedAt string `json:"createdAt"           yaml:"createdAt"`
	LifeSpan  string `json:"lifeSpan,omitempty"  yaml:"lifeSpan,omitempty"`
}

func newListCmd(orgName, projectName, outputFormat *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all managed disks",
		Long: `List all disks managed by the platform disk API.

Without filters this lists disks of every project in the cluster (requires
cluster-wide PVC list privilege).

Examples:
  # List all disks in table format
  kubectl disk list

  # List disks of one project
  kubectl disk list --org acme --project ml

  # List all disks in YAML format
  kubectl disk list -o yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd.Context(), orgName, projectName, outputFormat)
		},
	}
	return cmd
}

func runList(ctx context.Context, orgName, projectName, outputFormat *string) error {
	service, err := newDiskService()
	if err != nil {
		return err
	}

	disks, err := service.GetAllDisks(ctx, *orgName, *projectName)
	if err != nil {
		return fmt.Errorf("failed to list disks: %w", err)
	}

	infos := make([]DiskInfo, 0, len(disks))
	for _, d := range disks {
		infos = append(infos, diskToInfo(d))
	}
	return outputDisks(infos, *outputFormat)
}

func diskToInfo(d *disk.Disk) DiskInfo {
	info := DiskInfo{
		ID:        d.ID,
		Name:      d.Name,
		Org:       disk.NormalizeOrg(d.Org),
		Project:   d.Project,
		Owner:     d.Owner,
		Status:    string(d.Status),
		Storage:   formatBytes(d.Storage),
		Used:      formatBytes(d.UsedBytes),
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}
	if d.LifeSpan > 0 {
		info.LifeSpan = d.LifeSpan.String()
	}
	return info
}

// outputDisks outputs disks in the specified format.
func outputDisks(disks []DiskInfo, format string) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(disks)

	case outputFormatYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		return enc.Encode(disks)

	case outputFormatTable, "":
		t := newStyledTable()
		t.AppendHeader(tableRow("ID", "NAME", "ORG", "PROJECT", "OWNER", "STATUS", "STORAGE", "USED"))
		for _, d := range disks {
			name := d.Name
			if name == "" {
				name = colorMuted.Sprint("-")
			}
			t.AppendRow(tableRow(d.ID, name, d.Org, d.Project, d.Owner, statusBadge(disk.Status(d.Status)), d.Storage, d.Used))
		}
		t.Render()
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
