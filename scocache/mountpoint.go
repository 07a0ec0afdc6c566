// Package scocache implements the SCOCache: a multi-mountpoint on-disk
// cache of SCO files with per-mountpoint capacity/trigger/backoff
// watermarks, disposable/non-disposable SCO states, and LRU-order
// cleanup.
package scocache

import (
	"sync"
	"syscall"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// Mountpoint is one SCOCache directory with a capacity and the two
// watermarks that drive cleanup.
type Mountpoint struct {
	mu sync.RWMutex

	Path          string
	CapacityBytes int64
	TriggerGapPct int
	BackoffGapPct int

	blacklisted bool
	usedBytes   int64
}

// FreeBytes asks the filesystem how much room is left under Path. On
// a blacklisted mountpoint it reports zero so weighting never selects
// it.
func (m *Mountpoint) FreeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.blacklisted {
		return 0
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(m.Path, &st); err != nil {
		return 0
	}
	return int64(st.Bavail) * int64(st.Bsize)
}

// GapPct returns how full the mountpoint is, as a percentage, used
// against TriggerGapPct/BackoffGapPct.
func (m *Mountpoint) GapPct() int {
	free := m.FreeBytes()
	if m.CapacityBytes == 0 {
		return 0
	}
	usedPct := 100 - int(free*100/m.CapacityBytes)
	if usedPct < 0 {
		usedPct = 0
	}
	return usedPct
}

func (m *Mountpoint) OverTrigger() bool { return m.GapPct() >= m.TriggerGapPct }
func (m *Mountpoint) UnderBackoff() bool { return m.GapPct() < m.BackoffGapPct }

func (m *Mountpoint) Blacklist() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.blacklisted {
		glog.Warningf("scocache: blacklisting mountpoint %s", m.Path)
	}
	m.blacklisted = true
}

func (m *Mountpoint) Unblacklist() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklisted = false
}

func (m *Mountpoint) IsBlacklisted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blacklisted
}

// ensureNamespaceDir makes sure the namespace subdirectory exists on
// this mountpoint, creating it on first use.
func (m *Mountpoint) ensureNamespaceDir(ns string) (string, error) {
	dir := m.Path + "/" + ns
	if err := cos.CreateDir(dir); err != nil {
		return "", cmn.NewErr(cmn.KindTransientBackend, err, "scocache: mkdir %s", dir)
	}
	return dir, nil
}
