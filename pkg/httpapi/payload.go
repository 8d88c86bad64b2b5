package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
)

// diskRequestPayload is the disk creation request body. Storage accepts a
// plain byte count or a Kubernetes quantity string ("10Gi").
type diskRequestPayload struct {
	Name     string          `json:"name,omitempty"`
	Storage  json.RawMessage `json:"storage"`
	Org      string          `json:"org_name,omitempty"`
	Project  string          `json:"project_name"`
	LifeSpan *float64        `json:"life_span,omitempty"` // seconds
}

func (p diskRequestPayload) toRequest() (disk.Request, error) {
	if p.Project == "" {
		return disk.Request{}, errors.New("project_name is required")
	}
	storage, err := parseStoragePayload(p.Storage)
	if err != nil {
		return disk.Request{}, err
	}

	req := disk.Request{
		Storage: storage,
		Org:     disk.NormalizeOrg(p.Org),
		Project: p.Project,
		Name:    p.Name,
	}
	if p.LifeSpan != nil {
		if *p.LifeSpan < 0 {
			return disk.Request{}, errors.New("life_span must not be negative")
		}
		req.LifeSpan = time.Duration(*p.LifeSpan * float64(time.Second))
	}
	return req, nil
}

func parseStoragePayload(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("storage is required")
	}
	var bytes int64
	if err := json.Unmarshal(raw, &bytes); err == nil {
		if bytes <= 0 {
			return 0, errors.New("storage must be positive")
		}
		return bytes, nil
	}
	var quantity string
	if err := json.Unmarshal(raw, &quantity); err != nil {
		return 0, fmt.Errorf("invalid storage value %s", raw)
	}
	return disk.ParseStorage(quantity)
}

// diskPayload is the disk representation returned by the API.
type diskPayload struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Storage   int64    `json:"storage"`
	Owner     string   `json:"owner"`
	Org       string   `json:"org_name"`
	Project   string   `json:"project_name"`
	Status    string   `json:"status"`
	CreatedAt string   `json:"created_at"`
	LastUsage *string  `json:"last_usage,omitempty"`
	LifeSpan  *float64 `json:"life_span,omitempty"` // seconds
	UsedBytes *int64   `json:"used_bytes,omitempty"`
	URI       string   `json:"uri"`
}

func diskToPayload(d *disk.Disk, clusterName string) diskPayload {
	payload := diskPayload{
		ID:        d.ID,
		Name:      d.Name,
		Storage:   d.Storage,
		Owner:     d.Owner,
		Org:       disk.NormalizeOrg(d.Org),
		Project:   d.Project,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt.Format(time.RFC3339Nano),
		URI:       d.URI(clusterName),
	}
	if !d.LastUsage.IsZero() {
		lastUsage := d.LastUsage.Format(time.RFC3339Nano)
		payload.LastUsage = &lastUsage
	}
	if d.LifeSpan > 0 {
		lifeSpan := d.LifeSpan.Seconds()
		payload.LifeSpan = &lifeSpan
	}
	if d.UsedBytes >= 0 {
		usedBytes := d.UsedBytes
		payload.UsedBytes = &usedBytes
	}
	return payload
}
