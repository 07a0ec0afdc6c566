package volume

import (
	"bytes"
	"context"
	"net"
	"os"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/openvstorage/volumedriver/backend"
	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/datastore"
	"github.com/openvstorage/volumedriver/foc"
	"github.com/openvstorage/volumedriver/metadatastore"
	"github.com/openvstorage/volumedriver/scocache"
)

// syncPromoter uploads a closed SCO to the backend inline on Enqueue,
// standing in for the real worker-pool promoter so tests can assert
// on backend-resident data without racing a background goroutine.
type syncPromoter struct {
	store backend.ObjectStore
	cache *scocache.Cache
}

func (p *syncPromoter) Enqueue(c datastore.ClosedSCO) {
	h, err := p.cache.OpenSCO(c.Namespace, c.ID)
	if err != nil {
		return
	}
	defer h.Close()
	buf := make([]byte, c.SizeBytes)
	_, _ = h.ReadAt(buf, 0)
	if err := p.store.Write(context.Background(), c.Namespace, c.ID.FileName(), bytes.NewReader(buf), backend.WriteCondition{}); err != nil {
		return
	}
	// mirrors promoter.Promoter's onDone: once a SCO is durably in the
	// backend it's eligible for SCOCache eviction.
	_ = p.cache.SetDisposable(c.Namespace, c.ID)
}

func (p *syncPromoter) Throttle() error { return nil }

func TestVolume(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "volume suite")
}

func newTestDeps(store backend.ObjectStore, dir string) Deps {
	mp := &scocache.Mountpoint{Path: dir + "/sco", CapacityBytes: 1 << 30, TriggerGapPct: 80, BackoffGapPct: 60}
	cfg := cmn.Default()
	cfg.NumberOfSCOsInTLog = 4
	return Deps{
		Store:           store,
		Cache:           scocache.New([]*scocache.Mountpoint{mp}),
		MetadataBackend: metadatastore.NewMemBackend(),
		Config:          cfg,
		TLogDir:         dir + "/tlog",
		LocalDir:        dir + "/local",
	}
}

func fill(buf []byte, b byte) []byte {
	out := make([]byte, len(buf))
	for i := range out {
		out[i] = b
	}
	return out
}

var _ = Describe("VolumeEngine", func() {
	var (
		ctx   context.Context
		store backend.ObjectStore
		dir   string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var mkErr error
		dir, mkErr = os.MkdirTemp("", "volume-test-")
		Expect(mkErr).NotTo(HaveOccurred())
		var err error
		store, err = backend.NewLocalStore(dir + "/backend")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = os.RemoveAll(dir)
	})

	It("S1: writes and reads back at distinct CAs, unwritten CAs read as zero", func() {
		deps := newTestDeps(store, dir)
		e, err := Create(ctx, deps, cluster.VolumeConfig{
			VolumeID: "v1", Namespace: "v1", SizeBytes: 16 * 1024, ClusterSize: 4096, SCOMultiplier: 4,
		})
		Expect(err).NotTo(HaveOccurred())

		x := fill(make([]byte, 4096), 'X')
		y := fill(make([]byte, 4096), 'Y')
		Expect(e.Write(ctx, 0, x)).To(Succeed())
		Expect(e.Write(ctx, 1, y)).To(Succeed())

		got0, err := e.Read(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(got0).To(Equal(x))

		got1, err := e.Read(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(got1).To(Equal(y))

		zero, err := e.Read(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(zero).To(Equal(make([]byte, 4096)))
	})

	It("S2: snapshot then restore undoes writes made after the snapshot", func() {
		deps := newTestDeps(store, dir)
		e, err := Create(ctx, deps, cluster.VolumeConfig{
			VolumeID: "v2", Namespace: "v2", SizeBytes: 16 * 1024, ClusterSize: 4096, SCOMultiplier: 4,
		})
		Expect(err).NotTo(HaveOccurred())

		x := fill(make([]byte, 4096), 'X')
		y := fill(make([]byte, 4096), 'Y')
		z := fill(make([]byte, 4096), 'Z')
		Expect(e.Write(ctx, 0, x)).To(Succeed())
		Expect(e.Write(ctx, 1, y)).To(Succeed())

		_, err = e.Snapshot(ctx, "s1", nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(e.Write(ctx, 0, z)).To(Succeed())
		got, err := e.Read(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(z))

		Expect(e.Restore(ctx, "s1")).To(Succeed())
		got, err = e.Read(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(x))
	})

	It("S4: a clone reads through to the parent's snapshot and diverges on its own writes", func() {
		deps := newTestDeps(store, dir)
		deps.Promoter = &syncPromoter{store: store, cache: deps.Cache}
		parent, err := Create(ctx, deps, cluster.VolumeConfig{
			VolumeID: "v4", Namespace: "v4", SizeBytes: 16 * 1024, ClusterSize: 4096, SCOMultiplier: 4,
		})
		Expect(err).NotTo(HaveOccurred())

		x := fill(make([]byte, 4096), 'X')
		y := fill(make([]byte, 4096), 'Y')
		Expect(parent.Write(ctx, 0, x)).To(Succeed())
		Expect(parent.Write(ctx, 1, y)).To(Succeed())
		// force-close the open SCO so syncPromoter uploads it to the
		// backend before the clone needs to read through to it.
		Expect(parent.Sync(ctx)).To(Succeed())
		_, err = parent.Snapshot(ctx, "s1", nil)
		Expect(err).NotTo(HaveOccurred())

		cloneDeps := newTestDeps(store, dir+"/clone")
		clone, err := parent.Clone(ctx, cloneDeps, "s1", "c4", 0)
		Expect(err).NotTo(HaveOccurred())

		got, err := clone.Read(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(y))

		w := fill(make([]byte, 4096), 'W')
		Expect(clone.Write(ctx, 1, w)).To(Succeed())

		got, err = clone.Read(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(w))

		got, err = parent.Read(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(y))
	})

	It("S5: promoted SCOs stay within the non-disposable budget and evicted ones still read through the backend", func() {
		deps := newTestDeps(store, dir)
		deps.Promoter = &syncPromoter{store: store, cache: deps.Cache}
		e, err := Create(ctx, deps, cluster.VolumeConfig{
			VolumeID: "v5", Namespace: "v5", SizeBytes: 1 << 20, ClusterSize: 4096, SCOMultiplier: 4,
		})
		Expect(err).NotTo(HaveOccurred())

		// SCOMultiplier is 4, so these 16 writes close 4 SCOs; the
		// synchronous promoter uploads and marks each disposable as
		// soon as it closes.
		first := fill(make([]byte, 4096), 'A')
		Expect(e.Write(ctx, 0, first)).To(Succeed())
		for i := 1; i < 16; i++ {
			Expect(e.Write(ctx, cluster.CA(i), fill(make([]byte, 4096), byte('A'+i)))).To(Succeed())
		}

		limit := int64(deps.Config.NonDisposableSCOsFactor * float64(deps.Config.NumberOfSCOsInTLog) * float64(4*4096))
		Expect(deps.Cache.NonDisposableBytes("v5")).To(BeNumerically("<=", limit))

		// evict the SCO backing CA 0, the way BackendPromoter would once
		// it has confirmed the SCO is durable and no snapshot still
		// references it -- the read must fall back to ObjectStore.
		entry, err := e.mds.Read(0)
		Expect(err).NotTo(HaveOccurred())
		id := cluster.SCOID{SCONumber: entry.CL.SCONumber, CloneID: entry.CL.CloneID, Version: entry.CL.Version}
		Expect(deps.Cache.Remove("v5", id)).To(Succeed())

		got, err := e.Read(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(first))
	})

	It("S3: entries FOC acked but never sealed locally are recovered on restart", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()
		srv := foc.NewServer(func(ns string) (foc.Backend, error) { return foc.NewMemBackend(), nil })
		go srv.Serve(ln)

		deps := newTestDeps(store, dir)
		deps.FOCAddr = ln.Addr().String()
		e, err := Create(ctx, deps, cluster.VolumeConfig{
			VolumeID: "v3", Namespace: "v3", SizeBytes: 16 * 1024, ClusterSize: 4096, SCOMultiplier: 4,
		})
		Expect(err).NotTo(HaveOccurred())

		x := fill(make([]byte, 4096), 'X')
		y := fill(make([]byte, 4096), 'Y')
		Expect(e.Write(ctx, 0, x)).To(Succeed())

		// simulate a crash between FOC.AddEntries and TLog.Append/
		// MetaDataStore.Write for CA 1: the write pipeline's first step
		// (DataStore.Append) and second step (FOC.AddEntries) both land,
		// but the process stops before sealing it into the local TLog or
		// MetaDataStore, so a plain local-TLog replay would never see it.
		cl, hash, err := e.ds.Append(y)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.focClient.AddEntries([]foc.WireEntry{{CL: cl, LBA: 1, Data: y}})).To(Succeed())
		Expect(e.focClient.Flush()).To(Succeed())

		// reopen against the same on-disk TLog/SCOCache directories and
		// the same FOC server: fenceOwner evicts e's owner tag before e
		// itself ever gets a chance to seal CA 1.
		reopenDeps := newTestDeps(store, dir)
		reopenDeps.FOCAddr = ln.Addr().String()
		restarted, err := Open(ctx, reopenDeps, "v3", "v3")
		Expect(err).NotTo(HaveOccurred())

		got0, err := restarted.Read(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(got0).To(Equal(x))

		got1, err := restarted.Read(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(got1).To(Equal(y))
	})

	It("S6: a stale owner's writes are fenced once a new owner opens the same volume", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()
		srv := foc.NewServer(func(ns string) (foc.Backend, error) { return foc.NewMemBackend(), nil })
		go srv.Serve(ln)

		deps := newTestDeps(store, dir)
		deps.FOCAddr = ln.Addr().String()
		e, err := Create(ctx, deps, cluster.VolumeConfig{
			VolumeID: "v6", Namespace: "v6", SizeBytes: 16 * 1024, ClusterSize: 4096, SCOMultiplier: 4,
		})
		Expect(err).NotTo(HaveOccurred())

		x := fill(make([]byte, 4096), 'X')
		Expect(e.Write(ctx, 0, x)).To(Succeed())

		reopenDeps := newTestDeps(store, dir+"/reopen")
		reopenDeps.FOCAddr = ln.Addr().String()
		_, err = Open(ctx, reopenDeps, "v6", "v6")
		Expect(err).NotTo(HaveOccurred())

		y := fill(make([]byte, 4096), 'Y')
		err = e.Write(ctx, 1, y)
		Expect(err).To(HaveOccurred())
		Expect(cmn.IsKind(err, cmn.KindFenced)).To(BeTrue())
		Expect(e.State()).To(Equal(StateHalted))
	})
})
