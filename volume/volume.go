// Package volume implements VolumeEngine, the top-level per-volume
// façade composing DataStore, MetaDataStore, SnapshotManager,
// FailOverCacheClient, and BackendPromoter into the
// create/open/read/write/sync/snapshot/clone/restart/migrate contract.
package volume

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	atomicx "github.com/openvstorage/volumedriver/3rdparty/atomic"
	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/backend"
	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
	"github.com/openvstorage/volumedriver/datastore"
	"github.com/openvstorage/volumedriver/foc"
	"github.com/openvstorage/volumedriver/metadatastore"
	"github.com/openvstorage/volumedriver/scocache"
	"github.com/openvstorage/volumedriver/snapshot"
	"github.com/openvstorage/volumedriver/tlog"
)

// State is the engine's lifecycle stage: Creating ->
// Running <-> Degraded (FOC down) -> Halted | Destroyed. Degraded is
// computed from the degraded flag rather than stored as a distinct
// `state` value, since recovery (Degraded -> Running) can happen on
// any successful FOC round trip without going through the append
// mutex that guards the other transitions.
type State int

const (
	StateCreating State = iota
	StateRunning
	StateDegraded
	StateHalted
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "Creating"
	case StateRunning:
		return "Running"
	case StateDegraded:
		return "Degraded"
	case StateHalted:
		return "Halted"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

const volumeConfigObject = "volume.cfg"

// Deps bundles every already-constructed dependency VolumeEngine
// wires together. Config selects clone-hash knobs (cluster size,
// scos-per-tlog, ...); MetadataBackend and Cache must already be
// opened by the caller (the router), since their lifetime spans
// restarts that VolumeEngine itself triggers.
type Deps struct {
	Store           backend.ObjectStore
	Cache           *scocache.Cache
	MetadataBackend metadatastore.Backend
	Promoter        datastore.Promoter
	Config          *cmn.Config
	TLogDir         string
	LocalDir        string
	FOCAddr         string // empty disables the FailOverCache client
}

// Engine is one volume's live, in-process state -- the object a
// router hands every read/write/control-plane call for one volume_id.
type Engine struct {
	mu    sync.Mutex // the append mutex: serializes writes and structural ops
	state State

	degraded atomicx.Bool

	cfg  *cluster.VolumeConfig
	deps Deps

	ds        *datastore.DataStore
	mds       *metadatastore.Store
	snaps     *snapshot.Manager
	focClient *foc.Client
}

// Create allocates namespace directories, writes VolumeConfig to the
// backend, and initializes empty metadata and snapshot-persistor
// state.
func Create(ctx context.Context, deps Deps, cfg cluster.VolumeConfig) (*Engine, error) {
	if err := deps.Store.CreateNamespace(ctx, cfg.Namespace); err != nil {
		return nil, err
	}

	cfg.OwnerTag = cluster.OwnerTag(1)
	cfg.OwnerTagID = cluster.NewOwnerTagID()
	cfg.ConfigVersion = 1
	raw, err := cfg.Marshal()
	if err != nil {
		return nil, cmn.NewErr(cmn.KindBadRequest, err, "volume: encode config")
	}
	if err := deps.Store.Write(ctx, cfg.Namespace, volumeConfigObject, bytes.NewReader(raw), backend.WriteCondition{MustNotExist: true}); err != nil {
		return nil, err
	}

	nsidMap, err := buildNSIDMap(ctx, deps.Store, &cfg)
	if err != nil {
		return nil, err
	}
	return assemble(ctx, deps, &cfg, nsidMap)
}

// assemble builds the live Engine over an already-resolved
// VolumeConfig and NSIDMap: opens MetaDataStore, SnapshotPersistor,
// a fresh current TLog, DataStore, and (if configured) the
// FailOverCacheClient. Shared by Create, local-restart, and
// backend-restart.
func assemble(ctx context.Context, deps Deps, cfg *cluster.VolumeConfig, nsidMap cluster.NSIDMap) (*Engine, error) {
	if err := os.MkdirAll(deps.TLogDir, 0o755); err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "volume: create tlog dir")
	}
	if err := os.MkdirAll(deps.LocalDir, 0o755); err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "volume: create local dir")
	}

	mds, err := metadatastore.New(deps.MetadataBackend, deps.Config.MetadataCacheCapacity, nsidMap)
	if err != nil {
		return nil, err
	}

	snapLocalPath := filepath.Join(deps.LocalDir, "snapshots.json")
	snaps, err := snapshot.Load(ctx, deps.Store, cfg.Namespace, snapLocalPath)
	if err != nil {
		return nil, err
	}

	curTLog, err := tlog.Create(deps.TLogDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		state: StateCreating,
		cfg:   cfg,
		deps:  deps,
		mds:   mds,
		snaps: snaps,
	}

	e.ds = datastore.New(datastore.Config{
		Namespace:      cfg.Namespace,
		ClusterSize:    cfg.ClusterSize,
		ClustersPerSCO: cfg.SCOMultiplier,
		SCOsPerTLog:    deps.Config.NumberOfSCOsInTLog,
		TLogDir:        deps.TLogDir,
		// SCOID.Version tracks the owner generation so a restarted
		// engine's freshly-numbered SCOs never collide on disk with an
		// orphaned, never-sealed SCO file a crashed prior owner left
		// behind under the same SCO number (both CreateSCO's O_EXCL and
		// the corresponding backend object name depend on this byte).
		Version: uint8(cfg.OwnerTag),
	}, deps.Cache, curTLog, deps.Promoter, func(id tlog.ID) { snaps.AppendTLog(id) })

	if deps.FOCAddr != "" {
		client, err := foc.NewClient(deps.FOCAddr, foc.RegisterPayload{
			Namespace:   cfg.Namespace,
			ClusterSize: uint32(cfg.ClusterSize),
			OwnerTag:    uint64(cfg.OwnerTag),
		}, foc.ModeSync, deps.Config, func(err error) {
			glog.Warningf("volume: %s foc degraded: %v", cfg.VolumeID, err)
			e.degraded.Store(true)
		})
		if err != nil {
			if !deps.Config.IgnoreFocIfUnreachable {
				return nil, err
			}
			glog.Warningf("volume: %s foc unreachable at open, continuing degraded: %v", cfg.VolumeID, err)
			e.degraded.Store(true)
		} else {
			e.focClient = client
		}
	}

	e.state = StateRunning
	if err := e.persistLocalConfig(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) persistLocalConfig() error {
	raw, err := e.cfg.Marshal()
	if err != nil {
		return cmn.NewErr(cmn.KindBadRequest, err, "volume: encode local config")
	}
	path := filepath.Join(e.deps.LocalDir, volumeConfigObject)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "volume: write local config")
	}
	return os.Rename(tmp, path)
}

// State reports the engine's current lifecycle stage, folding the
// independently-tracked degraded flag into Running.
func (e *Engine) State() State {
	e.mu.Lock()
	s := e.state
	e.mu.Unlock()
	if s == StateRunning && e.degraded.Load() {
		return StateDegraded
	}
	return s
}

// VolumeConfig returns a copy of the engine's current configuration.
func (e *Engine) VolumeConfig() cluster.VolumeConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.cfg
}

func (e *Engine) halted() bool {
	return e.state == StateHalted || e.state == StateDestroyed
}

// halt transitions the engine to Halted: any invariant violation does
// this, after which every further write fails with KindHalted until
// operator intervention.
func (e *Engine) halt(cause error) {
	if e.state == StateHalted || e.state == StateDestroyed {
		return
	}
	e.state = StateHalted
	glog.Errorf("volume: %s halted: %v", e.cfg.VolumeID, cause)
}

// Halt forces the engine into the Halted state, e.g. on operator
// command or a failed invariant check detected outside the write path.
func (e *Engine) Halt(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halt(cause)
}

// Read consults MetaDataStore for ca: an Unknown mapping reads as
// zeroes; otherwise it locates the cluster via SCOCache (falling back
// to ObjectStore) and verifies its hash.
func (e *Engine) Read(ctx context.Context, ca cluster.CA) ([]byte, error) {
	e.mu.Lock()
	halted := e.halted()
	e.mu.Unlock()
	if halted {
		return nil, cmn.NewErr(cmn.KindHalted, nil, "volume: %s is halted", e.cfg.VolumeID)
	}

	entry, err := e.mds.Read(ca)
	if err != nil {
		return nil, err
	}
	if entry.Unknown() {
		return make([]byte, e.cfg.ClusterSize), nil
	}

	ns := e.cfg.Namespace
	if entry.CL.CloneID != 0 {
		resolved, ok := e.mds.ResolveNamespace(entry.CL.CloneID, e.cfg.Namespace)
		if !ok {
			return nil, cmn.NewErr(cmn.KindNamespaceMissing, nil, "volume: no namespace for clone id %d", entry.CL.CloneID)
		}
		ns = resolved
	}
	id := cluster.SCOID{SCONumber: entry.CL.SCONumber, CloneID: entry.CL.CloneID, Version: entry.CL.Version}
	off := int64(entry.CL.SCOOffset) * int64(e.cfg.ClusterSize)

	buf, err := e.readCluster(ctx, ns, id, off, entry.CL.CloneID == 0)
	if err != nil {
		return nil, err
	}

	got := cos.ComputeCksum(buf)
	if !got.Equal(entry.Hash) {
		return nil, cmn.NewErr(cmn.KindChecksumMismatch, nil, "volume: cluster %d hash mismatch (loc=%s)", ca, entry.CL)
	}
	return buf, nil
}

// readCluster tries the local SCOCache first for the volume's own
// (not-yet-promoted-and-evicted) SCOs, falling back to a backend
// partial_read so a cold or already-evicted SCO still resolves through
// ObjectStore.
func (e *Engine) readCluster(ctx context.Context, ns string, id cluster.SCOID, off int64, tryCache bool) ([]byte, error) {
	buf := make([]byte, e.cfg.ClusterSize)
	if tryCache {
		if h, err := e.deps.Cache.OpenSCO(ns, id); err == nil {
			_, rerr := h.ReadAt(buf, off)
			h.Close()
			if rerr == nil {
				return buf, nil
			}
		}
	}
	slices := []backend.PartialSlice{{Offset: off, Length: int64(e.cfg.ClusterSize)}}
	out, err := e.deps.Store.PartialRead(ctx, ns, id.FileName(), slices, false, nil)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Write runs the canonical write pipeline: DataStore.append
// -> FailOverCacheClient.add -> TLog.append(LOC) -> MetaDataStore.write.
// A failure at any step halts the engine, since a partial write would
// otherwise leave MetaDataStore and the TLog/FOC tail inconsistent.
func (e *Engine) Write(ctx context.Context, ca cluster.CA, buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted() {
		return cmn.NewErr(cmn.KindHalted, nil, "volume: %s is halted", e.cfg.VolumeID)
	}
	if ca > e.cfg.MaxClusterAddr() {
		return cmn.NewErr(cmn.KindBadRequest, nil, "volume: ca %d beyond volume size", ca)
	}
	if len(buf) != e.cfg.ClusterSize {
		return cmn.NewErr(cmn.KindBadRequest, nil, "volume: write is %d bytes, cluster size is %d", len(buf), e.cfg.ClusterSize)
	}

	cl, hash, err := e.ds.Append(buf)
	if err != nil {
		e.halt(err)
		return err
	}

	if e.focClient != nil {
		entry := foc.WireEntry{CL: cl, LBA: uint64(ca), Data: buf}
		if err := e.focClient.AddEntries([]foc.WireEntry{entry}); err != nil {
			// a stale owner tag superseded by a newer Open() is never
			// something IgnoreFocIfUnreachable should paper over -- that
			// flag is for an unreachable FOC, not a fencing verdict.
			if cmn.IsKind(err, cmn.KindFenced) || !e.deps.Config.IgnoreFocIfUnreachable {
				e.halt(err)
				return err
			}
			e.degraded.Store(true)
		} else {
			e.degraded.Store(false)
		}
	}

	if err := e.ds.CurrentTLog().Append(tlog.LOC(ca, cl, hash)); err != nil {
		e.halt(err)
		return err
	}
	if err := e.mds.Write(ca, cl, hash); err != nil {
		e.halt(err)
		return err
	}
	return nil
}

// Sync flushes FailOverCache, seals current buffers, and corks
// MetaDataStore.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted() {
		return cmn.NewErr(cmn.KindHalted, nil, "volume: %s is halted", e.cfg.VolumeID)
	}

	if e.focClient != nil {
		if err := e.focClient.Flush(); err != nil {
			if !e.deps.Config.IgnoreFocIfUnreachable {
				e.halt(err)
				return err
			}
			e.degraded.Store(true)
		}
	}
	if err := e.ds.CloseAll(); err != nil {
		e.halt(err)
		return err
	}
	if err := e.ds.CurrentTLog().Flush(); err != nil {
		e.halt(err)
		return err
	}
	return e.mds.Cork(uuid.New())
}
