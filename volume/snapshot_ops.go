package volume

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
	"github.com/openvstorage/volumedriver/snapshot"
	"github.com/openvstorage/volumedriver/tlog"
)

// Snapshot force-seals the current TLog (so the new snapshot owns exactly the
// writes up to this point), corks MetaDataStore to mark the
// generation boundary, and binds the sealed range into a new Pending
// snapshot.
func (e *Engine) Snapshot(ctx context.Context, name string, metadata []byte) (*snapshot.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted() {
		return nil, cmn.NewErr(cmn.KindHalted, nil, "volume: %s is halted", e.cfg.VolumeID)
	}

	if err := e.ds.RollTLog(); err != nil {
		e.halt(err)
		return nil, err
	}
	cork := uuid.New()
	if err := e.mds.Cork(cork); err != nil {
		e.halt(err)
		return nil, err
	}
	snap, err := e.snaps.Create(ctx, name, metadata, cork, uint64(e.cfg.SizeBytes))
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnapshots returns the volume's ordered snapshot list.
func (e *Engine) ListSnapshots() []*snapshot.Snapshot {
	return e.snaps.List()
}

// DeleteSnapshot removes a snapshot, subject to SnapshotManager's
// ordering rule.
func (e *Engine) DeleteSnapshot(ctx context.Context, name string) error {
	return e.snaps.Delete(ctx, name)
}

// Restore drops every
// snapshot after name and reconciles MetaDataStore to the state it
// held at name. Reconciliation works in two passes rather than a
// single forward replay, because the live MetaDataStore already holds
// whatever was written after the restore point:
//
//  1. every CA touched by a TLog that is about to be dropped is reset
//     to Unknown, since if it never reappears in the retained range it
//     truly was never written as of the restore point;
//  2. every retained TLog (from the volume's genesis through name,
//     inclusive) is then replayed in chronological order, so any CA
//     with pre-cutoff history ends up at its last pre-cutoff value,
//     overwriting the Unknown reset from step 1.
func (e *Engine) Restore(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted() {
		return cmn.NewErr(cmn.KindHalted, nil, "volume: %s is halted", e.cfg.VolumeID)
	}

	before := e.snaps.List()
	idx := -1
	for i, s := range before {
		if s.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return cmn.NewErr(cmn.KindBadRequest, nil, "volume: snapshot %q not found", name)
	}

	var dropped, retained []tlog.ID
	for i, s := range before {
		if i <= idx {
			retained = append(retained, s.TLogIDs...)
		} else {
			dropped = append(dropped, s.TLogIDs...)
		}
	}
	dropped = append(dropped, e.snaps.CurrentTLogs()...)

	target, err := e.snaps.Restore(ctx, name)
	if err != nil {
		e.halt(err)
		return err
	}

	for _, id := range dropped {
		recs, err := e.readTLogRecords(ctx, id)
		if err != nil {
			e.halt(err)
			return err
		}
		for _, rec := range tlog.LOCEntries(recs) {
			if err := e.mds.Write(rec.CA, cluster.CL{}, cos.Cksum{}); err != nil {
				e.halt(err)
				return err
			}
		}
	}
	for _, id := range retained {
		recs, err := e.readTLogRecords(ctx, id)
		if err != nil {
			e.halt(err)
			return err
		}
		for _, rec := range tlog.LOCEntries(recs) {
			if err := e.mds.Write(rec.CA, rec.CL, rec.Hash); err != nil {
				e.halt(err)
				return err
			}
		}
	}

	cork := target.Cork
	if err := e.mds.Uncork(&cork); err != nil {
		e.halt(err)
		return err
	}
	return nil
}

// readTLogRecords loads one TLog's entries, preferring the local copy
// (still present for anything not yet pruned after promotion) and
// falling back to the backend's copy, matching the read order
// VolumeEngine.Read uses for SCO data.
func (e *Engine) readTLogRecords(ctx context.Context, id tlog.ID) ([]tlog.Entry, error) {
	local := filepath.Join(e.deps.TLogDir, id.FileName())
	if recs, _, err := tlog.ReadAll(local); err == nil {
		return recs, nil
	}

	rc, err := e.deps.Store.Read(ctx, e.cfg.Namespace, id.FileName())
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	tmp := filepath.Join(e.deps.LocalDir, "."+string(id)+".replay")
	f, werr := os.Create(tmp)
	if werr != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, werr, "volume: create replay scratch file")
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "volume: stage tlog %s", id)
	}
	f.Close()
	defer os.Remove(tmp)
	recs, _, err := tlog.ReadAll(tmp)
	return recs, err
}
