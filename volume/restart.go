package volume

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/backend"
	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
	"github.com/openvstorage/volumedriver/foc"
	"github.com/openvstorage/volumedriver/tlog"
)

// Open restarts an existing volume: it reads
// VolumeConfig back from the backend, walks the clone-parent chain to
// build the NSIDMap, bumps OwnerTag with a conditional write to fence
// out any still-running stale owner, picks local-restart or
// backend-restart depending on whether the TLog directory survived,
// and replays every LOC entry in the current TLog range into the
// fresh MetaDataStore before the engine starts taking traffic.
func Open(ctx context.Context, deps Deps, volumeID, namespace string) (*Engine, error) {
	cfg, err := readVolumeConfig(ctx, deps.Store, namespace)
	if err != nil {
		return nil, err
	}
	if cfg.VolumeID != volumeID {
		return nil, cmn.NewErr(cmn.KindBadRequest, nil, "volume: config volume_id %q != requested %q", cfg.VolumeID, volumeID)
	}

	nsidMap, err := buildNSIDMap(ctx, deps.Store, cfg)
	if err != nil {
		return nil, err
	}

	if err := fenceOwner(ctx, deps.Store, cfg); err != nil {
		return nil, err
	}

	if localRestartPossible(deps.TLogDir) {
		glog.Infof("volume: %s restarting locally (tlog dir intact)", cfg.VolumeID)
	} else {
		glog.Infof("volume: %s tlog dir missing or empty, restarting from backend", cfg.VolumeID)
		if err := backendRestart(ctx, deps, cfg); err != nil {
			return nil, err
		}
	}
	// SCOCache.scos is empty in a fresh process; whatever SCO files this
	// namespace's mountpoints still hold from before the crash need to
	// be registered before replay can read through to them.
	if err := deps.Cache.RebuildAllFromDisk(cfg.Namespace); err != nil {
		return nil, err
	}

	e, err := assemble(ctx, deps, cfg, nsidMap)
	if err != nil {
		return nil, err
	}
	e.state = StateCreating
	if err := e.replayCurrentTLogs(ctx); err != nil {
		e.halt(err)
		return nil, err
	}
	if err := e.replayFromFOC(); err != nil {
		e.halt(err)
		return nil, err
	}
	e.state = StateRunning
	return e, nil
}

func readVolumeConfig(ctx context.Context, store backend.ObjectStore, namespace string) (*cluster.VolumeConfig, error) {
	rc, err := store.Read(ctx, namespace, volumeConfigObject)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "volume: read config in %s", namespace)
	}
	return cluster.UnmarshalVolumeConfig(raw)
}

// buildNSIDMap walks cfg.Parent, cfg.Parent's own parent, and so on,
// reading each ancestor's VolumeConfig from the backend and assigning
// it a clone id by depth (1 = immediate parent, 2 = grandparent, ...).
// This assumes VolumeConfig.Namespace == VolumeConfig.VolumeID, the
// convention every volume this engine creates follows (see DESIGN.md).
func buildNSIDMap(ctx context.Context, store backend.ObjectStore, cfg *cluster.VolumeConfig) (cluster.NSIDMap, error) {
	nsidMap := cluster.NSIDMap{0: cfg.Namespace}
	cur := cfg
	var depth uint8
	for cur.Parent != nil {
		depth++
		if depth == 0 {
			return nil, cmn.NewErr(cmn.KindBadRequest, nil, "volume: %s clone chain exceeds 255 ancestors", cfg.VolumeID)
		}
		parentCfg, err := readVolumeConfig(ctx, store, cur.Parent.VolumeID)
		if err != nil {
			return nil, cmn.NewErr(cmn.KindBadRequest, err, "volume: %s resolving clone parent %s", cfg.VolumeID, cur.Parent.VolumeID)
		}
		nsidMap[depth] = parentCfg.Namespace
		cur = parentCfg
	}
	return nsidMap, nil
}

// fenceOwner mints a fresh OwnerTag and writes it back conditioned on
// the config's checksum being unchanged since we read it, so a
// concurrently-restarting stale owner loses the race rather than both
// processes believing they own the volume (invariant 5).
func fenceOwner(ctx context.Context, store backend.ObjectStore, cfg *cluster.VolumeConfig) error {
	before, err := store.Checksum(ctx, cfg.Namespace, volumeConfigObject)
	if err != nil {
		return err
	}
	cfg.OwnerTag++
	cfg.OwnerTagID = cluster.NewOwnerTagID()
	raw, err := cfg.Marshal()
	if err != nil {
		return cmn.NewErr(cmn.KindBadRequest, err, "volume: encode config")
	}
	return store.Write(ctx, cfg.Namespace, volumeConfigObject, bytes.NewReader(raw), backend.WriteCondition{IfChecksum: &before})
}

// localRestartPossible reports whether deps.TLogDir still contains at
// least one sealed (non ".open") TLog file, meaning this node can
// resume straight from local disk instead of pulling from the backend.
func localRestartPossible(tlogDir string) bool {
	entries, err := os.ReadDir(tlogDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".open" {
			continue
		}
		return true
	}
	return false
}

// backendRestart repopulates deps.TLogDir from the backend's copy of
// the current (not-yet-snapshotted) TLog range before assemble()
// opens a fresh current TLog over it.
func backendRestart(ctx context.Context, deps Deps, cfg *cluster.VolumeConfig) error {
	if err := os.MkdirAll(deps.TLogDir, 0o755); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "volume: create tlog dir")
	}
	objects, err := deps.Store.ListObjects(ctx, cfg.Namespace)
	if err != nil {
		return err
	}
	for _, name := range objects {
		if !isTLogObjectName(name) {
			continue
		}
		rc, err := deps.Store.Read(ctx, cfg.Namespace, name)
		if err != nil {
			return err
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return cmn.NewErr(cmn.KindTransientBackend, err, "volume: read %s", name)
		}
		dst := filepath.Join(deps.TLogDir, name)
		if err := os.WriteFile(dst, raw, 0o644); err != nil {
			return cmn.NewErr(cmn.KindTransientBackend, err, "volume: write %s", dst)
		}
	}
	return nil
}

func isTLogObjectName(name string) bool {
	return len(name) > 5 && name[:5] == "tlog_"
}

// replayCurrentTLogs recovers everything written since the last cork:
// SnapshotManager's CurrentTLogs list (sealed TLogs rolled since the
// last snapshot, in roll order) plus, if the previous process crashed
// mid-TLog, whatever LOC entries made it into its still-".open" file
// before the crash. Anything corked before that is already reflected
// in the metadata backend itself, so it is not replayed again.
func (e *Engine) replayCurrentTLogs(ctx context.Context) error {
	for _, id := range e.snaps.CurrentTLogs() {
		recs, err := e.readTLogRecords(ctx, id)
		if err != nil {
			return err
		}
		for _, rec := range tlog.LOCEntries(recs) {
			if err := e.mds.Write(rec.CA, rec.CL, rec.Hash); err != nil {
				return err
			}
		}
	}
	return e.replayOrphanedOpenTLogs()
}

// replayOrphanedOpenTLogs replays and removes any ".open" TLog file in
// TLogDir other than the fresh one assemble() just created -- the
// unsealed tail of whatever TLog the previous process was writing to
// when it stopped.
func (e *Engine) replayOrphanedOpenTLogs() error {
	curPath := e.ds.CurrentTLog().Path()
	entries, err := os.ReadDir(e.deps.TLogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cmn.NewErr(cmn.KindTransientBackend, err, "volume: list %s", e.deps.TLogDir)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".open" {
			continue
		}
		full := filepath.Join(e.deps.TLogDir, ent.Name())
		if full == curPath {
			continue
		}
		recs, _, err := tlog.ReadAll(full)
		if err != nil {
			return err
		}
		for _, rec := range tlog.LOCEntries(recs) {
			if err := e.mds.Write(rec.CA, rec.CL, rec.Hash); err != nil {
				return err
			}
		}
		if err := os.Remove(full); err != nil {
			return cmn.NewErr(cmn.KindTransientBackend, err, "volume: remove orphaned tlog %s", full)
		}
	}
	return nil
}

// replayFromFOC recovers entries that reached FailOverCacheClient.AddEntries
// but never made it into a local TLog before a crash -- the write
// pipeline calls FOC.AddEntries before TLog.Append, so a crash in
// between leaves the FOC server holding entries the local disk never
// saw. It is a no-op without a configured FOC client, and idempotent:
// a CA already reflected in MetaDataStore with a matching hash is left
// alone, so replaying the same FOC-held range twice (e.g. across two
// restarts before the next promotion trims it) changes nothing.
func (e *Engine) replayFromFOC() error {
	if e.focClient == nil {
		return nil
	}
	minSCO, maxSCO, ok, err := e.focClient.GetRange()
	if err != nil {
		if e.deps.Config.IgnoreFocIfUnreachable {
			glog.Warningf("volume: %s foc unreachable during replay, continuing degraded: %v", e.cfg.VolumeID, err)
			e.degraded.Store(true)
			return nil
		}
		return err
	}
	if !ok {
		return nil
	}
	for sco := minSCO; sco <= maxSCO; sco++ {
		entries, err := e.focClient.GetSCO(sco)
		if err != nil {
			return err
		}
		for _, we := range entries {
			if err := e.replayFOCEntry(we); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) replayFOCEntry(we foc.WireEntry) error {
	ca := cluster.CA(we.LBA)
	hash := cos.ComputeCksum(we.Data)
	if existing, err := e.mds.Read(ca); err == nil && !existing.Unknown() && existing.Hash.Equal(hash) {
		return nil
	}
	cl, h, err := e.ds.Append(we.Data)
	if err != nil {
		return err
	}
	if err := e.ds.CurrentTLog().Append(tlog.LOC(ca, cl, h)); err != nil {
		return err
	}
	return e.mds.Write(ca, cl, h)
}
