package scocache

import (
	"container/list"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/lufia/iostat"
	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/prometheus/client_golang/prometheus"
)

// State is the per-SCO state machine: Writing ->
// Closed(Disposable=false) -> Closed(Disposable=true) -> Evicted.
type State int

const (
	StateWriting State = iota
	StateClosedNonDisposable
	StateClosedDisposable
	StateEvicted
)

type scoEntry struct {
	ns      string
	id      cluster.SCOID
	mp      *Mountpoint
	state   State
	sizeB   int64
	lruElem *list.Element // position in the owning namespace's LRU list, valid iff disposable
}

func key(ns string, id cluster.SCOID) string {
	return ns + "/" + id.FileName()
}

// Cache is the multi-mountpoint SCOCache. One Cache instance is
// shared by every volume on the node; namespaces (one per volume)
// partition the SCO directory space.
type Cache struct {
	mu          sync.Mutex
	mountpoints []*Mountpoint
	scos        map[string]*scoEntry
	lru         *list.List // global LRU of disposable SCOs, front = least-recently-used

	nonDisposableBytes map[string]int64 // per-namespace, for the 4.D cap

	faultInjector *FaultInjector

	metricBytes   prometheus.Gauge
	metricEvicted prometheus.Counter
}

// FaultInjector lets tests force a mountpoint into an error state,
// the Go stand-in for the C++ original's fawltyfs daemon (see
// SPEC_FULL.md §3): production code never touches it.
type FaultInjector struct {
	mu     sync.Mutex
	failMP map[string]bool
}

func NewFaultInjector() *FaultInjector { return &FaultInjector{failMP: map[string]bool{}} }

func (f *FaultInjector) FailMountpoint(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMP[path] = true
}

func (f *FaultInjector) Clear(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failMP, path)
}

func (f *FaultInjector) shouldFail(path string) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failMP[path]
}

// New builds a Cache over the given mountpoints.
func New(mountpoints []*Mountpoint) *Cache {
	return &Cache{
		mountpoints:        mountpoints,
		scos:               make(map[string]*scoEntry),
		lru:                list.New(),
		nonDisposableBytes: make(map[string]int64),
		metricBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scocache_bytes_total",
			Help: "Total bytes held across all SCOCache mountpoints.",
		}),
		metricEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scocache_evicted_total",
			Help: "Disposable SCOs evicted by cleanup.",
		}),
	}
}

func (c *Cache) SetFaultInjector(fi *FaultInjector) { c.faultInjector = fi }

// Collectors exposes the cache's metrics for registration with a
// prometheus.Registerer, e.g. by healthsrv's /stats endpoint.
func (c *Cache) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.metricBytes, c.metricEvicted}
}

// pickMountpoint weights by free space among non-blacklisted, non-
// fault-injected mountpoints.
func (c *Cache) pickMountpoint() (*Mountpoint, error) {
	type cand struct {
		mp   *Mountpoint
		free int64
	}
	var cands []cand
	var total int64
	for _, mp := range c.mountpoints {
		if mp.IsBlacklisted() || c.faultInjector.shouldFail(mp.Path) {
			continue
		}
		free := mp.FreeBytes()
		if free <= 0 {
			continue
		}
		cands = append(cands, cand{mp, free})
		total += free
	}
	if len(cands) == 0 {
		// try cleanup once before giving up -- only report OutOfSpace
		// once eviction has had a chance to free room.
		c.Cleanup()
		for _, mp := range c.mountpoints {
			if mp.IsBlacklisted() || c.faultInjector.shouldFail(mp.Path) {
				continue
			}
			if free := mp.FreeBytes(); free > 0 {
				cands = append(cands, cand{mp, free})
				total += free
			}
		}
		if len(cands) == 0 {
			return nil, cmn.NewErr(cmn.KindOutOfSpace, nil, "scocache: no usable mountpoint")
		}
	}
	r := rand.Int63n(total)
	for _, ca := range cands {
		if r < ca.free {
			return ca.mp, nil
		}
		r -= ca.free
	}
	return cands[len(cands)-1].mp, nil
}

// CreateSCO opens a new writable SCO file on a weighted-random
// mountpoint.
func (c *Cache) CreateSCO(ns string, id cluster.SCOID) (*Handle, error) {
	mp, err := c.pickMountpoint()
	if err != nil {
		return nil, err
	}
	dir, err := mp.ensureNamespaceDir(ns)
	if err != nil {
		mp.Blacklist()
		return nil, err
	}
	path := dir + "/" + id.FileName()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		mp.Blacklist()
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "scocache: create %s", path)
	}
	c.mu.Lock()
	c.scos[key(ns, id)] = &scoEntry{ns: ns, id: id, mp: mp, state: StateWriting}
	c.mu.Unlock()
	return &Handle{f: f, path: path, ns: ns, id: id, mp: mp}, nil
}

// OpenSCO opens an existing (closed) SCO for reading.
func (c *Cache) OpenSCO(ns string, id cluster.SCOID) (*Handle, error) {
	c.mu.Lock()
	e, ok := c.scos[key(ns, id)]
	c.mu.Unlock()
	if !ok || e.state == StateEvicted {
		return nil, cmn.NewErr(cmn.KindObjectMissing, nil, "scocache: %s/%s not found", ns, id.FileName())
	}
	path := e.mp.Path + "/" + ns + "/" + id.FileName()
	f, err := os.Open(path)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "scocache: open %s", path)
	}
	return &Handle{f: f, path: path, ns: ns, id: id, mp: e.mp}, nil
}

// CloseSCO transitions Writing -> Closed(Disposable=false) and
// records its final size for the non-disposable budget.
func (c *Cache) CloseSCO(ns string, id cluster.SCOID, sizeBytes int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.scos[key(ns, id)]
	if !ok {
		return cmn.NewErr(cmn.KindObjectMissing, nil, "scocache: close unknown sco %s/%s", ns, id.FileName())
	}
	e.state = StateClosedNonDisposable
	e.sizeB = sizeBytes
	c.nonDisposableBytes[ns] += sizeBytes
	c.metricBytes.Add(float64(sizeBytes))
	return nil
}

// SetDisposable transitions a closed SCO to the disposable pool,
// making it eligible for LRU eviction. Enforces the per-volume
// non-disposable cap implicitly by removing this SCO's bytes from the
// tracked total.
func (c *Cache) SetDisposable(ns string, id cluster.SCOID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.scos[key(ns, id)]
	if !ok || e.state == StateEvicted {
		return cmn.NewErr(cmn.KindObjectMissing, nil, "scocache: gone %s/%s", ns, id.FileName())
	}
	if e.state == StateClosedDisposable {
		return nil
	}
	e.state = StateClosedDisposable
	c.nonDisposableBytes[ns] -= e.sizeB
	e.lruElem = c.lru.PushBack(e)
	return nil
}

// SetNonDisposable reverses SetDisposable -- used when a snapshot or
// clone gains a reference to an SCO that was about to be evicted.
// Fails Gone if the SCO has already been evicted.
func (c *Cache) SetNonDisposable(ns string, id cluster.SCOID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.scos[key(ns, id)]
	if !ok || e.state == StateEvicted {
		return cmn.NewErr(cmn.KindHalted, nil, "scocache: Gone %s/%s", ns, id.FileName())
	}
	if e.state == StateClosedDisposable {
		c.lru.Remove(e.lruElem)
		e.lruElem = nil
	}
	e.state = StateClosedNonDisposable
	c.nonDisposableBytes[ns] += e.sizeB
	return nil
}

// NonDisposableBytes reports the namespace's current non-disposable
// total, for the budget check in testable property 7.
func (c *Cache) NonDisposableBytes(ns string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonDisposableBytes[ns]
}

// Remove deletes an SCO outright (invariant 4: only once its TLog and
// itself are on the backend and no old-enough snapshot references
// it). Remove does not check this; the caller must ensure it.
func (c *Cache) Remove(ns string, id cluster.SCOID) error {
	c.mu.Lock()
	e, ok := c.scos[key(ns, id)]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if e.lruElem != nil {
		c.lru.Remove(e.lruElem)
	}
	path := e.mp.Path + "/" + ns + "/" + id.FileName()
	e.state = StateEvicted
	delete(c.scos, key(ns, id))
	c.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cmn.NewErr(cmn.KindTransientBackend, err, "scocache: remove %s", path)
	}
	c.metricBytes.Sub(float64(e.sizeB))
	return nil
}

// List enumerates the SCOs of namespace ns that the in-memory map
// holds and that are not evicted; it does not look at the disk
// (RebuildFromDisk does that).
func (c *Cache) List(ns string) ([]cluster.SCOID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []cluster.SCOID
	for _, e := range c.scos {
		if e.ns == ns && e.state != StateEvicted {
			out = append(out, e.id)
		}
	}
	return out, nil
}

// RebuildAllFromDisk runs RebuildFromDisk for ns against every
// mountpoint this Cache was built over, for the restart path where a
// fresh process has an empty in-memory scos map but the mountpoints
// still hold whatever SCO files survived the crash.
func (c *Cache) RebuildAllFromDisk(ns string) error {
	for _, mp := range c.mountpoints {
		if err := c.RebuildFromDisk(mp, ns); err != nil {
			return err
		}
	}
	return nil
}

// RebuildFromDisk walks a mountpoint's namespace directory with
// godirwalk (faster than filepath.Walk for the large, flat SCO
// directories this cache produces) and registers whatever SCO files
// it finds as Closed(Disposable=false); the caller reconciles
// disposability against BackendPromoter state afterward.
func (c *Cache) RebuildFromDisk(mp *Mountpoint, ns string) error {
	dir := mp.Path + "/" + ns
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			fi, err := os.Stat(path)
			if err != nil {
				return nil
			}
			id, ok := cluster.ParseSCOFileName(de.Name())
			if !ok {
				return nil
			}
			c.mu.Lock()
			c.scos[key(ns, id)] = &scoEntry{ns: ns, id: id, mp: mp, state: StateClosedNonDisposable, sizeB: fi.Size()}
			c.nonDisposableBytes[ns] += fi.Size()
			c.mu.Unlock()
			return nil
		},
	})
}

// Cleanup evicts disposable SCOs in LRU order on any mountpoint that
// has crossed its trigger gap, until that mountpoint is back under
// its backoff gap. Also calls sampleIOStats first.
func (c *Cache) Cleanup() {
	c.sampleIOStats()
	for _, mp := range c.mountpoints {
		if mp.IsBlacklisted() {
			continue
		}
		if !mp.OverTrigger() {
			continue
		}
		glog.Infof("scocache: mountpoint %s over trigger (%d%%), evicting", mp.Path, mp.GapPct())
		for !mp.UnderBackoff() {
			evicted := c.evictOneFrom(mp)
			if !evicted {
				break
			}
		}
	}
}

func (c *Cache) evictOneFrom(mp *Mountpoint) bool {
	c.mu.Lock()
	var victim *scoEntry
	for e := c.lru.Front(); e != nil; e = e.Next() {
		se := e.Value.(*scoEntry)
		if se.mp == mp {
			victim = se
			break
		}
	}
	if victim == nil {
		c.mu.Unlock()
		return false
	}
	c.lru.Remove(victim.lruElem)
	victim.lruElem = nil
	victim.state = StateEvicted
	delete(c.scos, key(victim.ns, victim.id))
	c.mu.Unlock()

	path := mp.Path + "/" + victim.ns + "/" + victim.id.FileName()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		glog.Warningf("scocache: evict %s: %v", path, err)
	}
	c.metricBytes.Sub(float64(victim.sizeB))
	c.metricEvicted.Inc()
	return true
}

// sampleIOStats reads the host's drive statistics and, at verbosity 4,
// logs each drive's name. It does not map drives to mountpoints and
// keeps no throughput figures.
func (c *Cache) sampleIOStats() {
	stats, err := iostat.ReadDriveStats()
	if err != nil {
		return
	}
	if glog.FastV(4, glog.SmoduleSCOCache) {
		for _, s := range stats {
			glog.Infof("scocache: iostat drive=%s", s.Name)
		}
	}
}

// CleanupLoop runs Cleanup on a timer until stop is closed; this is
// the background eviction task. Nothing in this module starts it.
func (c *Cache) CleanupLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Cleanup()
		case <-stop:
			return
		}
	}
}
