package datastore

import (
	"testing"

	"github.com/openvstorage/volumedriver/scocache"
	"github.com/openvstorage/volumedriver/tlog"
)

type noopPromoter struct{ enqueued []ClosedSCO }

func (p *noopPromoter) Enqueue(c ClosedSCO) { p.enqueued = append(p.enqueued, c) }
func (p *noopPromoter) Throttle() error     { return nil }

func TestAppendRotatesSCOsAndRollsTLog(t *testing.T) {
	mpDir := t.TempDir()
	cache := scocache.New([]*scocache.Mountpoint{{Path: mpDir, CapacityBytes: 1 << 30, TriggerGapPct: 95, BackoffGapPct: 50}})
	tlogDir := t.TempDir()
	tl, err := tlog.Create(tlogDir)
	if err != nil {
		t.Fatalf("create tlog: %v", err)
	}
	prom := &noopPromoter{}
	var rolled []tlog.ID
	ds := New(Config{
		Namespace:      "ns1",
		ClusterSize:    4096,
		ClustersPerSCO: 2,
		SCOsPerTLog:    2,
		TLogDir:        tlogDir,
	}, cache, tl, prom, func(id tlog.ID) { rolled = append(rolled, id) })

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}

	// 5 writes: fills sco0 (2 clusters), sco1 (2 clusters), starts sco2 (1 cluster)
	var locs []string
	for i := 0; i < 5; i++ {
		cl, hash, err := ds.Append(buf)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if hash.IsEmpty() {
			t.Fatalf("empty hash on append %d", i)
		}
		locs = append(locs, cl.String())
	}
	if len(prom.enqueued) != 2 {
		t.Fatalf("expected 2 closed SCOs enqueued, got %d: %+v", len(prom.enqueued), prom.enqueued)
	}
	if len(rolled) != 1 {
		t.Fatalf("expected exactly one tlog roll after 2 closed scos (scosPerTLog=2), got %d", len(rolled))
	}
}
