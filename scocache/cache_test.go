package scocache

import (
	"testing"

	"github.com/openvstorage/volumedriver/cluster"
)

func newTestCache(t *testing.T, n int) (*Cache, []*Mountpoint) {
	t.Helper()
	var mps []*Mountpoint
	for i := 0; i < n; i++ {
		mps = append(mps, &Mountpoint{
			Path:          t.TempDir(),
			CapacityBytes: 1 << 30,
			TriggerGapPct: 80,
			BackoffGapPct: 60,
		})
	}
	return New(mps), mps
}

func TestCreateCloseDisposeEvict(t *testing.T) {
	c, _ := newTestCache(t, 2)
	id := cluster.SCOID{SCONumber: 1, CloneID: 0, Version: 1}

	h, err := c.CreateSCO("ns1", id)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.WriteAt([]byte("data"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close handle: %v", err)
	}
	if err := c.CloseSCO("ns1", id, 4); err != nil {
		t.Fatalf("close sco: %v", err)
	}
	if c.NonDisposableBytes("ns1") != 4 {
		t.Fatalf("expected 4 non-disposable bytes, got %d", c.NonDisposableBytes("ns1"))
	}
	if err := c.SetDisposable("ns1", id); err != nil {
		t.Fatalf("set disposable: %v", err)
	}
	if c.NonDisposableBytes("ns1") != 0 {
		t.Fatalf("expected 0 non-disposable bytes after dispose, got %d", c.NonDisposableBytes("ns1"))
	}

	h2, err := c.OpenSCO("ns1", id)
	if err != nil {
		t.Fatalf("reopen disposable sco before eviction: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := h2.ReadAt(buf, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "data" {
		t.Fatalf("got %q", buf)
	}
	h2.Close()

	if err := c.Remove("ns1", id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := c.OpenSCO("ns1", id); err == nil {
		t.Fatalf("expected NotFound after remove")
	}
}

func TestSetNonDisposableOnEvictedFailsGone(t *testing.T) {
	c, _ := newTestCache(t, 1)
	id := cluster.SCOID{SCONumber: 2, Version: 1}
	h, err := c.CreateSCO("ns1", id)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.Close()
	if err := c.CloseSCO("ns1", id, 0); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Remove("ns1", id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := c.SetNonDisposable("ns1", id); err == nil {
		t.Fatalf("expected Gone error setting non-disposable on evicted sco")
	}
}

func TestOutOfSpaceWhenAllBlacklisted(t *testing.T) {
	c, mps := newTestCache(t, 1)
	mps[0].Blacklist()
	_, err := c.CreateSCO("ns1", cluster.SCOID{SCONumber: 3, Version: 1})
	if err == nil {
		t.Fatalf("expected OutOfSpace error")
	}
}
