package tlog

import (
	"path/filepath"
	"testing"

	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

func TestCreateAppendSealRead(t *testing.T) {
	dir := t.TempDir()
	tl, err := Create(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hash := cos.ComputeCksum([]byte("payload"))
	if err := tl.Append(LOC(cluster.CA(1), cluster.CL{SCONumber: 1, SCOOffset: 0}, hash)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tl.Append(SCOCRC(0x1234)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tl.Seal(dir); err != nil {
		t.Fatalf("seal: %v", err)
	}
	final := filepath.Join(dir, tl.ID().FileName())
	if tl.Path() != final {
		t.Fatalf("path %s != %s", tl.Path(), final)
	}

	entries, verified, err := ReadAll(final)
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if !verified {
		t.Fatalf("expected crc to verify")
	}
	// LOC, SCOCRC, SyncTC, TLogCRC
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(entries), entries)
	}
	locs := LOCEntries(entries)
	if len(locs) != 1 || locs[0].CA != cluster.CA(1) {
		t.Fatalf("unexpected LOC entries: %+v", locs)
	}
}

func TestAppendAfterSealFails(t *testing.T) {
	dir := t.TempDir()
	tl, err := Create(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tl.Seal(dir); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := tl.Append(SyncTC()); err == nil {
		t.Fatalf("expected append-after-seal to fail")
	}
}
