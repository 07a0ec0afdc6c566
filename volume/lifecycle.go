package volume

import (
	"context"
	"os"

	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/metadatastore"
	"github.com/openvstorage/volumedriver/tlog"
)

// Destroy halts the engine, closes its MetaDataStore backend, and
// removes the volume's namespace from the ObjectStore.
// It is irreversible: callers should have already confirmed no clone
// anchors its NSIDMap on this volume's snapshots before calling it.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDestroyed {
		return nil
	}
	e.state = StateHalted
	if e.focClient != nil {
		e.focClient.Close()
	}
	if err := e.ds.CloseAll(); err != nil {
		return err
	}
	if err := e.mds.Close(); err != nil {
		return err
	}
	if err := e.deps.Store.DeleteNamespace(ctx, e.cfg.Namespace); err != nil {
		return err
	}
	_ = os.RemoveAll(e.deps.TLogDir)
	_ = os.RemoveAll(e.deps.LocalDir)
	e.state = StateDestroyed
	return nil
}

// Clone creates a brand-new volume whose Parent points at this
// volume's namespace and the named snapshot, then seeds the new
// volume's own MetaDataStore with every CA the parent had written as
// of that snapshot -- each pointing one clone-id deeper into the
// ancestor chain than it did in the parent -- so the clone reads
// through to the parent's SCOs until it writes its own clusters.
// newVolumeID also names the clone's namespace, matching every volume
// this engine creates.
func (e *Engine) Clone(ctx context.Context, deps Deps, sourceSnapshot, newVolumeID string, sizeBytes int64) (*Engine, error) {
	e.mu.Lock()
	snaps := e.snaps.List()
	idx := -1
	for i, s := range snaps {
		if s.Name == sourceSnapshot {
			idx = i
			break
		}
	}
	var inherited []tlog.ID
	if idx >= 0 {
		for i := 0; i <= idx; i++ {
			inherited = append(inherited, snaps[i].TLogIDs...)
		}
	}
	clusterSize := e.cfg.ClusterSize
	scoMultiplier := e.cfg.SCOMultiplier
	clustersPerTLog := e.cfg.ClustersPerTLog
	parentVolumeID := e.cfg.VolumeID
	metadataBackend := e.cfg.MetadataBackend
	e.mu.Unlock()
	if idx < 0 {
		return nil, cmn.NewErr(cmn.KindBadRequest, nil, "volume: clone source snapshot %q not found", sourceSnapshot)
	}

	// reconstruct the CA -> entry map as it stood at sourceSnapshot by
	// replaying exactly the TLogs that snapshot (and its predecessors)
	// own, the same chronological-replay approach Restore uses.
	inheritedEntries := make(map[cluster.CA]metadatastore.Entry)
	for _, id := range inherited {
		recs, err := e.readTLogRecords(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, rec := range tlog.LOCEntries(recs) {
			inheritedEntries[rec.CA] = metadatastore.Entry{CL: rec.CL, Hash: rec.Hash}
		}
	}

	snap := snaps[idx]
	if err := e.snaps.MarkClonedFrom(ctx, sourceSnapshot); err != nil {
		return nil, err
	}

	if sizeBytes == 0 {
		sizeBytes = int64(snap.SizeAtSnapshot)
	}
	cfg := cluster.VolumeConfig{
		VolumeID:        newVolumeID,
		Namespace:       newVolumeID,
		SizeBytes:       sizeBytes,
		ClusterSize:     clusterSize,
		SCOMultiplier:   scoMultiplier,
		ClustersPerTLog: clustersPerTLog,
		Parent:          &cluster.ParentRef{VolumeID: parentVolumeID, SnapshotName: sourceSnapshot},
		MetadataBackend: metadataBackend,
	}

	clone, err := Create(ctx, deps, cfg)
	if err != nil {
		return nil, err
	}

	for ca, ent := range inheritedEntries {
		cl := ent.CL
		cl.CloneID++
		if err := clone.mds.Write(ca, cl, ent.Hash); err != nil {
			return nil, err
		}
	}

	return clone, nil
}

// Migrate quiesces the engine: it flushes the FOC, closes every open
// SCO (handing each to the promoter), seals the current TLog, and
// stops accepting writes. It returns without waiting for the promoter
// to upload anything, it does not upload the sealed TLogs, and it does
// not release the volume's ownership.
func (e *Engine) Migrate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted() {
		return cmn.NewErr(cmn.KindHalted, nil, "volume: %s is halted", e.cfg.VolumeID)
	}
	if e.focClient != nil {
		if err := e.focClient.Flush(); err != nil && !e.deps.Config.IgnoreFocIfUnreachable {
			e.halt(err)
			return err
		}
	}
	if err := e.ds.CloseAll(); err != nil {
		e.halt(err)
		return err
	}
	if err := e.ds.RollTLog(); err != nil {
		e.halt(err)
		return err
	}
	e.state = StateHalted
	return nil
}
