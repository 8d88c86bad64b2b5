package kube

// StatsSummary is the subset of the kubelet stats summary the disk control
// plane consumes: per-pod per-volume usage for PVC-backed volumes.
type StatsSummary struct {
	Pods []PodStats `json:"pods"`
}

// PodStats carries the volume stats of a single pod.
type PodStats struct {
	PodRef  PodReference  `json:"podRef"`
	Volumes []VolumeStats `json:"volume"`
}

// PodReference identifies the pod a stats entry belongs to.
type PodReference struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// VolumeStats describes usage of one volume; PVCRef is nil for volumes not
// backed by a claim.
type VolumeStats struct {
	Name      string        `json:"name"`
	UsedBytes int64         `json:"usedBytes"`
	PVCRef    *PVCReference `json:"pvcRef,omitempty"`
}

// PVCReference identifies the claim backing a volume.
type PVCReference struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// PVCVolumeStat is a flattened (namespace, claim, usedBytes) triple.
type PVCVolumeStat struct {
	Namespace string
	PVCName   string
	UsedBytes int64
}

// PVCVolumeStats flattens a stats summary into the PVC-backed volume entries.
func (s *StatsSummary) PVCVolumeStats() []PVCVolumeStat {
	var stats []PVCVolumeStat
	for i := range s.Pods {
		pod := &s.Pods[i]
		for j := range pod.Volumes {
			volume := &pod.Volumes[j]
			if volume.PVCRef == nil {
				continue
			}
			namespace := volume.PVCRef.Namespace
			if namespace == "" {
				namespace = pod.PodRef.Namespace
			}
			stats = append(stats, PVCVolumeStat{
				Namespace: namespace,
				PVCName:   volume.PVCRef.Name,
				UsedBytes: volume.UsedBytes,
			})
		}
	}
	return stats
}
