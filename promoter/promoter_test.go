package promoter

import (
	"context"
	"testing"
	"time"

	"github.com/openvstorage/volumedriver/backend"
	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/datastore"
	"github.com/openvstorage/volumedriver/scocache"
)

func TestPromoterUploadsEnqueuedSCO(t *testing.T) {
	mpDir := t.TempDir()
	cache := scocache.New([]*scocache.Mountpoint{{Path: mpDir, CapacityBytes: 1 << 30, TriggerGapPct: 95, BackoffGapPct: 50}})
	id := cluster.SCOID{SCONumber: 1}
	h, err := cache.CreateSCO("ns1", id)
	if err != nil {
		t.Fatalf("create sco: %v", err)
	}
	data := []byte("hello world")
	if _, err := h.WriteAt(data, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.Close()
	if err := cache.CloseSCO("ns1", id, int64(len(data))); err != nil {
		t.Fatalf("close sco: %v", err)
	}

	storeDir := t.TempDir()
	store, err := backend.NewLocalStore(storeDir)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	var done []Job
	p := New(Config{Workers: 2, ScosPerTLog: 2, NonDisposableScosFactor: 1.5}, store, cache, "ns1", func(j Job) {
		done = append(done, j)
	})
	p.Enqueue(datastore.ClosedSCO{Namespace: "ns1", ID: id, SizeBytes: int64(len(data))})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	go p.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for len(done) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if len(done) != 1 {
		t.Fatalf("expected 1 promoted sco, got %d", len(done))
	}
	exists, err := store.Exists(context.Background(), "ns1", id.FileName())
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatalf("expected sco object to exist in backend store")
	}
}
