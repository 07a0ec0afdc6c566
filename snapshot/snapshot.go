// Package snapshot implements SnapshotManager and ScrubManager: the
// ordered snapshot list with its TLog ranges, and the asynchronous
// post-processor that applies scrub results across a clone tree.
package snapshot

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/backend"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
	"github.com/openvstorage/volumedriver/tlog"
)

// MaxMetadataBytes bounds a snapshot's free-form metadata blob to 4KB.
const MaxMetadataBytes = 4096

const persistedObjectName = "snapshots.json"

// State is a snapshot's lifecycle stage:
// Pending (not all TLogs on backend) -> InBackend -> [Scrubbed] -> Deleted.
type State int

const (
	StatePending State = iota
	StateInBackend
	StateScrubbed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInBackend:
		return "InBackend"
	case StateScrubbed:
		return "Scrubbed"
	default:
		return "Unknown"
	}
}

// Snapshot is one immutable (once sealed) point in a volume's history:
// a name, free-form metadata, the TLog range it owns, and the
// MetaDataStore cork it corresponds to.
type Snapshot struct {
	ID               uuid.UUID
	Name             string
	Metadata         []byte
	TLogIDs          []tlog.ID
	Cork             uuid.UUID
	SizeAtSnapshot   uint64
	State            State
	IsClonedFrom     bool // true once some clone anchors its NSIDMap on this snapshot
}

type persistedState struct {
	Snapshots    []*Snapshot
	CurrentTLogs []tlog.ID
}

// Manager holds the ordered snapshot list plus the "current TLogs"
// (the TLog ids rolled since the last snapshot, not yet bound to one).
// It is serialized via cos.JSON and persisted to both ObjectStore and
// a local path so a restart can read it even before the backend round
// trip completes.
type Manager struct {
	mu sync.RWMutex

	store     backend.ObjectStore
	ns        string
	localPath string

	snapshots    []*Snapshot
	currentTLogs []tlog.ID
}

// Load opens (or initializes) a Manager for namespace ns, preferring
// the local copy and falling back to the ObjectStore copy -- mirroring
// VolumeEngine's restart read order of config and snapshots from the
// backend with the latest version insisted on, except here local is
// tried first since it is cheaper and, absent a crash mid-upload,
// always at least as fresh.
func Load(ctx context.Context, store backend.ObjectStore, ns, localPath string) (*Manager, error) {
	m := &Manager{store: store, ns: ns, localPath: localPath}

	if raw, err := os.ReadFile(localPath); err == nil {
		var ps persistedState
		if err := cos.JSON.Unmarshal(raw, &ps); err != nil {
			return nil, cmn.NewErr(cmn.KindBadRequest, err, "snapshot: decode local %s", localPath)
		}
		m.snapshots, m.currentTLogs = ps.Snapshots, ps.CurrentTLogs
		return m, nil
	} else if !os.IsNotExist(err) {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "snapshot: read local %s", localPath)
	}

	exists, err := store.Exists(ctx, ns, persistedObjectName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return m, nil
	}
	rc, err := store.Read(ctx, ns, persistedObjectName)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "snapshot: read backend copy")
	}
	var ps persistedState
	if err := cos.JSON.Unmarshal(raw, &ps); err != nil {
		return nil, cmn.NewErr(cmn.KindBadRequest, err, "snapshot: decode backend copy")
	}
	m.snapshots, m.currentTLogs = ps.Snapshots, ps.CurrentTLogs
	return m, nil
}

func (m *Manager) indexOf(name string) int {
	for i, s := range m.snapshots {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// persistLocked serializes the snapshot list to the local path (atomic
// rename, fsynced) and to the ObjectStore so either copy alone is
// enough to recover the list. Must be called with mu held.
func (m *Manager) persistLocked(ctx context.Context) error {
	ps := persistedState{Snapshots: m.snapshots, CurrentTLogs: m.currentTLogs}
	raw, err := cos.JSON.Marshal(ps)
	if err != nil {
		return cmn.NewErr(cmn.KindBadRequest, err, "snapshot: encode")
	}

	tmp := m.localPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "snapshot: open %s", tmp)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return cmn.NewErr(cmn.KindTransientBackend, err, "snapshot: write %s", tmp)
	}
	if err := cos.Fsync(f); err != nil {
		f.Close()
		return cmn.NewErr(cmn.KindTransientBackend, err, "snapshot: fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "snapshot: close %s", tmp)
	}
	if err := os.Rename(tmp, m.localPath); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "snapshot: rename to %s", m.localPath)
	}

	if err := m.store.Write(ctx, m.ns, persistedObjectName, bytes.NewReader(raw), backend.WriteCondition{}); err != nil {
		return err
	}
	return nil
}

// AppendTLog records a newly rolled TLog as belonging to the volume's
// current (not-yet-snapshotted) range.
func (m *Manager) AppendTLog(id tlog.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTLogs = append(m.currentTLogs, id)
}

// Create seals the current TLog range into a new Pending snapshot,
// binds its ids to a new snapshot, and returns immediately. cork is
// the MetaDataStore generation in effect at the moment of sealing.
func (m *Manager) Create(ctx context.Context, name string, metadata []byte, cork uuid.UUID, sizeAtSnapshot uint64) (*Snapshot, error) {
	if len(metadata) > MaxMetadataBytes {
		return nil, cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: metadata is %d bytes, limit is %d", len(metadata), MaxMetadataBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexOf(name) >= 0 {
		return nil, cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: name %q already exists", name)
	}

	snap := &Snapshot{
		ID:             uuid.New(),
		Name:           name,
		Metadata:       metadata,
		TLogIDs:        m.currentTLogs,
		Cork:           cork,
		SizeAtSnapshot: sizeAtSnapshot,
		State:          StatePending,
	}
	m.currentTLogs = nil
	m.snapshots = append(m.snapshots, snap)
	if err := m.persistLocked(ctx); err != nil {
		return nil, err
	}
	glog.Infof("snapshot: created %q (id=%s, %d tlogs)", name, snap.ID, len(snap.TLogIDs))
	return snap, nil
}

// MarkInBackend transitions a snapshot from Pending to InBackend once
// every TLog (and SCO) it owns has reached the ObjectStore.
func (m *Manager) MarkInBackend(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if s.ID != id {
			continue
		}
		if s.State == StatePending {
			s.State = StateInBackend
			return m.persistLocked(ctx)
		}
		return nil
	}
	return cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: unknown id %s", id)
}

// MarkScrubbed records that a scrub result has been applied to this
// snapshot's lineage.
func (m *Manager) MarkScrubbed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if s.ID == id {
			s.State = StateScrubbed
			return m.persistLocked(ctx)
		}
	}
	return cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: unknown id %s", id)
}

// MarkClonedFrom flags a snapshot as a clone-parent, which Delete
// refuses to drop if it is also the first snapshot.
func (m *Manager) MarkClonedFrom(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(name)
	if idx < 0 {
		return cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: %q not found", name)
	}
	m.snapshots[idx].IsClonedFrom = true
	return m.persistLocked(ctx)
}

// Restore walks back to name, dropping every later snapshot and the
// current TLog range, and returns the snapshot whose cork the caller
// must now Uncork metadata to.
func (m *Manager) Restore(ctx context.Context, name string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(name)
	if idx < 0 {
		return nil, cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: %q not found", name)
	}
	target := m.snapshots[idx]
	dropped := len(m.snapshots) - idx - 1
	m.snapshots = m.snapshots[:idx+1]
	m.currentTLogs = nil
	if err := m.persistLocked(ctx); err != nil {
		return nil, err
	}
	glog.Infof("snapshot: restored to %q, dropped %d later snapshot(s)", name, dropped)
	return target, nil
}

// Delete removes a snapshot, enforcing the ordering rule that keeps
// the lineage consistent: it may not be the last snapshot, and if it
// is a clone-parent it may additionally not be the first.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(name)
	if idx < 0 {
		return cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: %q not found", name)
	}
	if idx == len(m.snapshots)-1 {
		return cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: %q is the last snapshot, cannot delete", name)
	}
	if m.snapshots[idx].IsClonedFrom && idx == 0 {
		return cmn.NewErr(cmn.KindBadRequest, nil, "snapshot: %q is a clone-parent and the first snapshot, cannot delete", name)
	}
	m.snapshots = append(m.snapshots[:idx], m.snapshots[idx+1:]...)
	return m.persistLocked(ctx)
}

// List returns the ordered snapshot list, oldest first.
func (m *Manager) List() []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// Get looks up one snapshot by name.
func (m *Manager) Get(name string) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx := m.indexOf(name); idx >= 0 {
		return m.snapshots[idx], true
	}
	return nil, false
}

// CurrentTLogs returns the TLog ids rolled since the last snapshot.
func (m *Manager) CurrentTLogs() []tlog.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tlog.ID, len(m.currentTLogs))
	copy(out, m.currentTLogs)
	return out
}

// Names returns every snapshot name in order, used by CLI listing and
// tests without exposing the full Snapshot struct.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.snapshots))
	for i, s := range m.snapshots {
		out[i] = s.Name
	}
	return out
}
