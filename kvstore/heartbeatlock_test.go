package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestTryAcquireFreshLock(t *testing.T) {
	store := NewMemStore()
	c := NewHeartBeatLockCommunicator(store, "vol1/lock", "node-a", 50*time.Millisecond)

	exists, err := c.LockExists(context.Background())
	if err != nil {
		t.Fatalf("lock exists: %v", err)
	}
	if exists {
		t.Fatalf("expected no lock yet")
	}

	if err := c.TryAcquire(context.Background()); err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if c.current.OwnerID != "node-a" {
		t.Fatalf("expected owner node-a, got %q", c.current.OwnerID)
	}
}

func TestTryAcquireWaitsOutExpiredLease(t *testing.T) {
	store := NewMemStore()
	a := NewHeartBeatLockCommunicator(store, "vol1/lock", "node-a", 20*time.Millisecond)
	if err := a.TryAcquire(context.Background()); err != nil {
		t.Fatalf("node-a acquire: %v", err)
	}

	b := NewHeartBeatLockCommunicator(store, "vol1/lock", "node-b", 20*time.Millisecond)
	start := time.Now()
	if err := b.TryAcquire(context.Background()); err != nil {
		t.Fatalf("node-b acquire: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected node-b to wait out node-a's lease")
	}
	if b.current.OwnerID != "node-b" {
		t.Fatalf("expected node-b to become owner, got %q", b.current.OwnerID)
	}
}

func TestRefreshExtendsLease(t *testing.T) {
	store := NewMemStore()
	c := NewHeartBeatLockCommunicator(store, "vol1/lock", "node-a", time.Second)
	if err := c.TryAcquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ok, err := c.Refresh(context.Background(), 5*time.Second, 3)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !ok {
		t.Fatalf("expected refresh to succeed while still owner")
	}
}
