package cluster

import (
	"github.com/google/uuid"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// ParentRef names the clone-parent snapshot a volume was created from,
// as stored in VolumeConfig.
type ParentRef struct {
	VolumeID     string `json:"volume_id"`
	SnapshotName string `json:"snapshot_name"`
}

// MetaDataBackendConfig selects and configures MetaDataStore's
// backend: in-process / Arakoon / MDS.
type MetaDataBackendConfig struct {
	Kind     string   `json:"kind"` // "local" | "kvstore" | "mds"
	MDSNodes []string `json:"mds_nodes,omitempty"`
}

// VolumeConfig is the immutable-once-created description of a volume,
// persisted to the backend as volume.cfg and re-read on every restart.
type VolumeConfig struct {
	VolumeID         string                `json:"volume_id"`
	Namespace        string                `json:"namespace"`
	SizeBytes        int64                 `json:"size_bytes"`
	ClusterSize      int                   `json:"cluster_size"`
	SCOMultiplier    int                   `json:"sco_multiplier"` // clusters_per_sco
	ClustersPerTLog  int                   `json:"clusters_per_tlog"`
	Parent           *ParentRef            `json:"parent,omitempty"`
	OwnerTag         OwnerTag              `json:"owner_tag"`
	OwnerTagID       string                `json:"owner_tag_id"` // correlates the tag with a mint event
	MetadataBackend  MetaDataBackendConfig `json:"metadata_backend"`
	ConfigVersion    int                   `json:"config_version"`
}

// MaxClusterAddr returns the highest valid CA for this volume's size.
func (c *VolumeConfig) MaxClusterAddr() CA {
	n := c.SizeBytes / int64(c.ClusterSize)
	if n == 0 {
		return 0
	}
	return CA(n - 1)
}

// Marshal/Unmarshal use the module-wide jsoniter codec; volume.cfg is
// versioned JSON so a future field addition can be read by older code.
func (c *VolumeConfig) Marshal() ([]byte, error) { return cos.JSON.Marshal(c) }

func UnmarshalVolumeConfig(b []byte) (*VolumeConfig, error) {
	var c VolumeConfig
	if err := cos.JSON.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// NewOwnerTagID returns a random UUID to record as
// VolumeConfig.OwnerTagID when a new OwnerTag is minted. The id carries
// no ordering; the ordered fencing value is the OwnerTag itself.
func NewOwnerTagID() string { return uuid.NewString() }
