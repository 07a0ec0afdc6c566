package cmn

import (
	"os"
	"time"

	"github.com/openvstorage/volumedriver/cmn/cos"
)

// Config is the full set of stable CLI/config keys.
// It is loaded once at daemon startup and handed down by reference;
// components never read environment variables or flags directly.
type Config struct {
	TLogPath     string `json:"tlog_path"`
	MetadataPath string `json:"metadata_path"`

	OpenSCOsPerVolume int `json:"open_scos_per_volume"`

	DTLThrottleUsecs    int `json:"dtl_throttle_usecs"`
	DTLQueueDepth       int `json:"dtl_queue_depth"`
	DTLWriteTrigger     int `json:"dtl_write_trigger"`
	DTLBusyLoopUsecs    int `json:"dtl_busy_loop_usecs"`
	DTLRequestTimeoutMs int `json:"dtl_request_timeout_ms"`
	DTLConnectTimeoutMs int `json:"dtl_connect_timeout_ms"`

	NumberOfSCOsInTLog      int     `json:"number_of_scos_in_tlog"`
	NonDisposableSCOsFactor float64 `json:"non_disposable_scos_factor"`
	DefaultClusterSize      int     `json:"default_cluster_size"`

	MetadataCacheCapacity int `json:"metadata_cache_capacity"`

	SCOCacheMountPoints     []MountPointConfig `json:"scocache_mount_points"`
	ClusterCacheMountPoints []MountPointConfig `json:"clustercache_mount_points"`

	DLSArakoonNodes      []string `json:"dls_arakoon_nodes"`
	DLSArakoonClusterID  string   `json:"dls_arakoon_cluster_id"`
	DLSArakoonTimeoutSec int      `json:"dls_arakoon_timeout_sec"`

	RetriesOnError        int     `json:"retries_on_error"`
	RetryIntervalMs       int     `json:"retry_interval_ms"`
	RetryBackoffMultiplier float64 `json:"retry_backoff_multiplier"`

	BlacklistSecs int `json:"blacklist_secs"`

	IgnoreFocIfUnreachable bool `json:"ignore_foc_if_unreachable"`

	FSNullio bool `json:"fs_nullio"`
}

// MountPointConfig describes one SCOCache/ClusterCache mountpoint.
type MountPointConfig struct {
	Path         string `json:"path"`
	CapacityBytes int64  `json:"capacity_bytes"`
	TriggerGapPct  int   `json:"trigger_gap_pct"`
	BackoffGapPct  int   `json:"backoff_gap_pct"`
}

// Default returns a configuration with sensible production defaults:
// 4 KiB clusters, 20 SCOs/TLog, 32 open
// SCOs per volume, 1.5x non-disposable factor, 8 entry write-trigger,
// 8192 metadata pages.
func Default() *Config {
	return &Config{
		TLogPath:                "/var/lib/volumedriver/tlogs",
		MetadataPath:            "/var/lib/volumedriver/metadata",
		OpenSCOsPerVolume:       32,
		DTLThrottleUsecs:        4000,
		DTLQueueDepth:           1024,
		DTLWriteTrigger:         8,
		DTLBusyLoopUsecs:        0,
		DTLRequestTimeoutMs:     5000,
		DTLConnectTimeoutMs:     2000,
		NumberOfSCOsInTLog:      20,
		NonDisposableSCOsFactor: 1.5,
		DefaultClusterSize:      4096,
		MetadataCacheCapacity:   8192,
		RetriesOnError:          3,
		RetryIntervalMs:         500,
		RetryBackoffMultiplier:  2.0,
		BlacklistSecs:           300,
		IgnoreFocIfUnreachable:  false,
	}
}

// LoadFile reads a JSON configuration file and overlays it onto the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cos.JSON.Unmarshal(data, cfg); err != nil {
		return nil, NewErr(KindBadRequest, err, "parse config %s", path)
	}
	return cfg, nil
}

func (c *Config) DTLRequestTimeout() time.Duration {
	return time.Duration(c.DTLRequestTimeoutMs) * time.Millisecond
}

func (c *Config) DTLConnectTimeout() time.Duration {
	return time.Duration(c.DTLConnectTimeoutMs) * time.Millisecond
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMs) * time.Millisecond
}

func (c *Config) BlacklistDuration() time.Duration {
	return time.Duration(c.BlacklistSecs) * time.Second
}
