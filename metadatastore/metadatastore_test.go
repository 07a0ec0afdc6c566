package metadatastore

import (
	"testing"

	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

func TestStoreReadWriteRoundTrip(t *testing.T) {
	s, err := New(NewMemBackend(), 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ca := cluster.CA(42)
	cl := cluster.CL{SCONumber: 3, SCOOffset: 10, CloneID: 0, Version: 1}
	hash := cos.ComputeCksum([]byte("hello"))

	if err := s.Write(ca, cl, hash); err != nil {
		t.Fatalf("Write: %v", err)
	}
	e, err := s.Read(ca)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if e.CL != cl || !e.Hash.Equal(hash) {
		t.Fatalf("Read returned %+v, want CL=%+v hash=%s", e, cl, hash)
	}

	unwritten, err := s.Read(cluster.CA(43))
	if err != nil {
		t.Fatalf("Read unwritten: %v", err)
	}
	if !unwritten.Unknown() {
		t.Fatalf("expected unwritten CA to be Unknown(), got %+v", unwritten)
	}
}

func TestStoreLRUEvictionFlushesDirtyPages(t *testing.T) {
	backend := NewMemBackend()
	// capacity 1 page: writing to a second page must evict (and flush) the first.
	s, err := New(backend, 1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	caPage0 := cluster.CA(5) // page index 0
	caPage1 := cluster.CA(PageCapacity + 5) // page index 1

	hash0 := cos.ComputeCksum([]byte("page0"))
	if err := s.Write(caPage0, cluster.CL{SCONumber: 1}, hash0); err != nil {
		t.Fatalf("Write page0: %v", err)
	}
	hash1 := cos.ComputeCksum([]byte("page1"))
	if err := s.Write(caPage1, cluster.CL{SCONumber: 2}, hash1); err != nil {
		t.Fatalf("Write page1: %v", err)
	}

	// page 0 should have been flushed to the backend on eviction, not lost.
	p, err := backend.LoadPage(0)
	if err != nil {
		t.Fatalf("LoadPage(0): %v", err)
	}
	if p == nil {
		t.Fatalf("expected page 0 to have been flushed to backend on eviction")
	}
	if !p.Entries[5].Hash.Equal(hash0) {
		t.Fatalf("flushed page 0 entry mismatch: %+v", p.Entries[5])
	}

	// reading it back through the store (now a cache miss) must still work.
	e, err := s.Read(caPage0)
	if err != nil {
		t.Fatalf("Read after eviction: %v", err)
	}
	if !e.Hash.Equal(hash0) {
		t.Fatalf("Read after eviction mismatch: %+v", e)
	}
}

func TestStoreCorkUncork(t *testing.T) {
	backend := NewMemBackend()
	s, err := New(backend, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.LastCork() != (uuid.UUID{}) {
		t.Fatalf("expected zero cork before first Cork()")
	}

	if err := s.Write(cluster.CA(1), cluster.CL{SCONumber: 9}, cos.ComputeCksum([]byte("x"))); err != nil {
		t.Fatalf("Write: %v", err)
	}

	gen1 := uuid.New()
	if err := s.Cork(gen1); err != nil {
		t.Fatalf("Cork: %v", err)
	}
	if s.LastCork() != gen1 {
		t.Fatalf("LastCork() = %s, want %s", s.LastCork(), gen1)
	}

	// the dirty page must have been flushed as part of Cork.
	p, err := backend.LoadPage(0)
	if err != nil || p == nil {
		t.Fatalf("expected page 0 flushed by Cork, got p=%v err=%v", p, err)
	}

	// a fresh Store opened against the same backend picks up the published cork.
	s2, err := New(backend, 0, nil)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	if s2.LastCork() != gen1 {
		t.Fatalf("reopened store LastCork() = %s, want %s", s2.LastCork(), gen1)
	}

	if err := s.Uncork(nil); err != nil {
		t.Fatalf("Uncork: %v", err)
	}
	if s.LastCork() != (uuid.UUID{}) {
		t.Fatalf("expected zero cork after Uncork(nil), got %s", s.LastCork())
	}
}

func TestApplyRelocsIdempotentAndSkipsStaleTuples(t *testing.T) {
	s, err := New(NewMemBackend(), 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ca1 := cluster.CA(100)
	ca2 := cluster.CA(200)
	oldCL1 := cluster.CL{SCONumber: 1, Version: 1}
	oldCL2 := cluster.CL{SCONumber: 1, Version: 1}
	newCL1 := cluster.CL{SCONumber: 7, Version: 2}
	newCL2 := cluster.CL{SCONumber: 7, Version: 2}
	hash := cos.ComputeCksum([]byte("reloc"))

	if err := s.Write(ca1, oldCL1, hash); err != nil {
		t.Fatalf("Write ca1: %v", err)
	}
	if err := s.Write(ca2, oldCL2, hash); err != nil {
		t.Fatalf("Write ca2: %v", err)
	}

	// simulate ca2 having moved again since the scrub's relocation plan
	// was computed: its current CL no longer matches OldCL.
	staleCL := cluster.CL{SCONumber: 99, Version: 9}
	if err := s.Write(ca2, staleCL, hash); err != nil {
		t.Fatalf("Write ca2 stale: %v", err)
	}

	relocs := []Reloc{
		{CA: ca1, OldCL: oldCL1, NewCL: newCL1, Hash: hash},
		{CA: ca2, OldCL: oldCL2, NewCL: newCL2, Hash: hash},
	}
	scrubID := uuid.New()

	if err := s.ApplyRelocs(relocs, 1, scrubID); err != nil {
		t.Fatalf("ApplyRelocs: %v", err)
	}

	e1, err := s.Read(ca1)
	if err != nil {
		t.Fatalf("Read ca1: %v", err)
	}
	if e1.CL != newCL1 {
		t.Fatalf("ca1 = %+v, want relocated to %+v", e1.CL, newCL1)
	}

	e2, err := s.Read(ca2)
	if err != nil {
		t.Fatalf("Read ca2: %v", err)
	}
	if e2.CL != staleCL {
		t.Fatalf("ca2 = %+v, want left at stale %+v (OldCL no longer matched)", e2.CL, staleCL)
	}

	// second call with the same ScrubID is a no-op, even if we try to
	// apply a relocation that would otherwise change ca1 again.
	relocsAgain := []Reloc{
		{CA: ca1, OldCL: newCL1, NewCL: cluster.CL{SCONumber: 123}, Hash: hash},
	}
	if err := s.ApplyRelocs(relocsAgain, 1, scrubID); err != nil {
		t.Fatalf("ApplyRelocs (repeat): %v", err)
	}
	e1Again, err := s.Read(ca1)
	if err != nil {
		t.Fatalf("Read ca1 (after repeat): %v", err)
	}
	if e1Again.CL != newCL1 {
		t.Fatalf("ca1 changed on repeated ApplyRelocs with same ScrubID: got %+v, want unchanged %+v", e1Again.CL, newCL1)
	}
}

func TestResolveNamespace(t *testing.T) {
	nsidMap := cluster.NSIDMap{0: "own-ns", 1: "parent-ns"}
	s, err := New(NewMemBackend(), 0, nsidMap)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ns, ok := s.ResolveNamespace(1, "own-ns")
	if !ok || ns != "parent-ns" {
		t.Fatalf("ResolveNamespace(1, ...) = (%s, %v), want (parent-ns, true)", ns, ok)
	}
	ns, ok = s.ResolveNamespace(0, "own-ns")
	if !ok || ns != "own-ns" {
		t.Fatalf("ResolveNamespace(0, ...) = (%s, %v), want (own-ns, true)", ns, ok)
	}
}
