// Package datastore implements the DataStore append path: the
// per-volume component that owns the open SCOs, appends clusters to
// them, and closes/rotates them into the TLog and the BackendPromoter
// queue.
package datastore

import (
	"sync"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
	"github.com/openvstorage/volumedriver/scocache"
	"github.com/openvstorage/volumedriver/tlog"
)

// ClosedSCO describes one SCO handed off to the BackendPromoter once
// DataStore finishes with it.
type ClosedSCO struct {
	Namespace string
	ID        cluster.SCOID
	TLogID    tlog.ID // the tlog this SCO's SCOCRC entry was written to
	SizeBytes int64
}

// Promoter is the narrow interface DataStore needs from the
// BackendPromoter (component K), kept separate so DataStore can be
// unit-tested without a real promoter.
type Promoter interface {
	Enqueue(ClosedSCO)
	// Throttle blocks while the promoter's backlog exceeds its
	// configured budget, returning an error if the configured deadline
	// elapses first.
	Throttle() error
}

type openSCO struct {
	handle   *scocache.Handle
	id       cluster.SCOID
	nextOff  uint16
	sizeB    int64
}

// DataStore keeps one write-open SCO at a time for one
// volume/namespace. Append, RollTLog and CloseAll serialize on d.mu.
type DataStore struct {
	mu sync.Mutex

	ns              string
	namespace       func() string
	clusterSize     int
	clustersPerSCO  int
	scosPerTLog     int
	nonDispFactor   float64

	cache    *scocache.Cache
	tlogDir  string

	curTLog      *tlog.TLog
	nextSCONum   uint32
	scosInTLog   int
	open         []*openSCO
	version      uint8

	promoter Promoter

	onTLogRolled func(id tlog.ID) // notifies SnapshotManager's "current tlogs" list
}

type Config struct {
	Namespace      string
	ClusterSize    int
	ClustersPerSCO int
	SCOsPerTLog    int
	TLogDir        string
	Version        uint8
}

// New constructs a DataStore over an already-open current TLog (the
// caller -- VolumeEngine.open -- decides whether that's a fresh TLog
// or one recovered via restart).
func New(cfg Config, cache *scocache.Cache, curTLog *tlog.TLog, promoter Promoter, onTLogRolled func(tlog.ID)) *DataStore {
	return &DataStore{
		ns:             cfg.Namespace,
		clusterSize:    cfg.ClusterSize,
		clustersPerSCO: cfg.ClustersPerSCO,
		scosPerTLog:    cfg.SCOsPerTLog,
		nonDispFactor:  1.5,
		cache:          cache,
		tlogDir:        cfg.TLogDir,
		curTLog:        curTLog,
		version:        cfg.Version,
		promoter:       promoter,
		onTLogRolled:   onTLogRolled,
	}
}

// Append writes one cluster's bytes and returns its new physical
// location plus content hash. It does not itself write the TLog LOC
// entry or call the FOC -- VolumeEngine sequences those as part of its
// write pipeline.
func (d *DataStore) Append(buf []byte) (cluster.CL, cos.Cksum, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hash := cos.ComputeCksum(buf)

	sco, err := d.currentOrNewSCO()
	if err != nil {
		return cluster.CL{}, cos.Cksum{}, err
	}

	off := int64(sco.nextOff) * int64(d.clusterSize)
	if _, err := sco.handle.WriteAt(buf, off); err != nil {
		return cluster.CL{}, cos.Cksum{}, cmn.NewErr(cmn.KindTransientBackend, err, "datastore: write sco")
	}
	cl := cluster.CL{SCONumber: sco.id.SCONumber, SCOOffset: sco.nextOff, CloneID: 0, Version: sco.id.Version}
	sco.nextOff++
	sco.sizeB += int64(len(buf))

	if int(sco.nextOff) >= d.clustersPerSCO {
		if err := d.closeSCO(sco); err != nil {
			return cluster.CL{}, cos.Cksum{}, err
		}
	}
	return cl, hash, nil
}

func (d *DataStore) currentOrNewSCO() (*openSCO, error) {
	if len(d.open) > 0 {
		s := d.open[len(d.open)-1]
		if int(s.nextOff) < d.clustersPerSCO {
			return s, nil
		}
	}
	id := cluster.SCOID{SCONumber: d.nextSCONum, CloneID: 0, Version: d.version}
	d.nextSCONum++
	h, err := d.cache.CreateSCO(d.ns, id)
	if err != nil {
		return nil, err
	}
	s := &openSCO{handle: h, id: id}
	d.open = append(d.open, s)
	return s, nil
}

// closeSCO fsyncs the SCO, appends an SCOCRC entry to the current
// TLog, enqueues it with the promoter, and rolls the TLog every
// scosPerTLog closes.
func (d *DataStore) closeSCO(s *openSCO) error {
	if err := s.handle.Sync(); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "datastore: fsync sco")
	}
	if err := s.handle.Close(); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "datastore: close sco handle")
	}
	if err := d.cache.CloseSCO(d.ns, s.id, s.sizeB); err != nil {
		return err
	}
	// crc32 of the SCO's content is maintained incrementally in a
	// real build by CloseSCO's caller streaming through a checksum
	// writer; here we recompute by reopening, which is correct but
	// costs one extra read -- acceptable since SCOs close only every
	// clustersPerSCO writes.
	crc, err := d.scoCRC(s.id)
	if err != nil {
		return err
	}
	if err := d.curTLog.Append(tlog.SCOCRC(crc)); err != nil {
		return err
	}
	d.scosInTLog++

	glog.Infof("datastore: closed sco %s (%d bytes)", s.id.FileName(), s.sizeB)
	if d.promoter != nil {
		d.promoter.Enqueue(ClosedSCO{Namespace: d.ns, ID: s.id, TLogID: d.curTLog.ID(), SizeBytes: s.sizeB})
		if err := d.promoter.Throttle(); err != nil {
			return err
		}
	}

	// drop the closed SCO from the open list
	for i, o := range d.open {
		if o == s {
			d.open = append(d.open[:i], d.open[i+1:]...)
			break
		}
	}

	if d.scosInTLog >= d.scosPerTLog {
		if err := d.rollTLog(); err != nil {
			return err
		}
	}
	return nil
}

func (d *DataStore) scoCRC(id cluster.SCOID) (uint32, error) {
	h, err := d.cache.OpenSCO(d.ns, id)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	buf := make([]byte, 64*1024)
	var crc uint32
	off := int64(0)
	for {
		n, err := h.ReadAt(buf, off)
		if n > 0 {
			crc = crc32Update(crc, buf[:n])
			off += int64(n)
		}
		if err != nil {
			break
		}
	}
	return crc, nil
}

// rollTLog seals the current TLog and opens a fresh one, notifying
// SnapshotManager of the new "current tlogs" entry.
func (d *DataStore) rollTLog() error {
	sealed := d.curTLog
	if err := sealed.Seal(d.tlogDir); err != nil {
		return err
	}
	fresh, err := tlog.Create(d.tlogDir)
	if err != nil {
		return err
	}
	d.curTLog = fresh
	d.scosInTLog = 0
	if d.onTLogRolled != nil {
		d.onTLogRolled(sealed.ID())
	}
	return nil
}

// CurrentTLog exposes the live TLog so VolumeEngine can append LOC
// entries and SnapshotManager can seal it on snapshot().
func (d *DataStore) CurrentTLog() *tlog.TLog { return d.curTLog }

// RollTLog force-seals the current TLog and opens a fresh one, even if
// fewer than scosPerTLog SCOs have closed into it -- used by
// VolumeEngine.snapshot() to seal exactly the TLog range the new
// snapshot should own.
func (d *DataStore) RollTLog() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollTLog()
}

// CloseAll force-closes every open SCO, used by sync()/migrate().
func (d *DataStore) CloseAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.open) > 0 {
		if err := d.closeSCO(d.open[0]); err != nil {
			return err
		}
	}
	return nil
}
