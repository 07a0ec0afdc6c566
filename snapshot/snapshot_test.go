package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/backend"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/tlog"
)

func newTestManager(t *testing.T) (*Manager, backend.ObjectStore, string) {
	t.Helper()
	store, err := backend.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	if err := store.CreateNamespace(ctx, "vol1"); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
	localPath := filepath.Join(t.TempDir(), "snapshots.json")
	m, err := Load(ctx, store, "vol1", localPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, store, localPath
}

func TestCreateSealsCurrentTLogRange(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.AppendTLog(tlog.ID("t1"))
	m.AppendTLog(tlog.ID("t2"))

	snap, err := m.Create(ctx, "s1", []byte("meta"), uuid.New(), 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(snap.TLogIDs) != 2 || snap.TLogIDs[0] != "t1" || snap.TLogIDs[1] != "t2" {
		t.Fatalf("snapshot TLogIDs = %v, want [t1 t2]", snap.TLogIDs)
	}
	if snap.State != StatePending {
		t.Fatalf("new snapshot state = %v, want Pending", snap.State)
	}
	if got := m.CurrentTLogs(); len(got) != 0 {
		t.Fatalf("CurrentTLogs after Create = %v, want empty", got)
	}

	m.AppendTLog(tlog.ID("t3"))
	snap2, err := m.Create(ctx, "s2", nil, uuid.New(), 8192)
	if err != nil {
		t.Fatalf("Create s2: %v", err)
	}
	if len(snap2.TLogIDs) != 1 || snap2.TLogIDs[0] != "t3" {
		t.Fatalf("s2 TLogIDs = %v, want [t3]", snap2.TLogIDs)
	}
}

func TestCreateRejectsOversizeMetadataAndDuplicateName(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	big := make([]byte, MaxMetadataBytes+1)
	if _, err := m.Create(ctx, "s1", big, uuid.New(), 0); !cmn.IsKind(err, cmn.KindBadRequest) {
		t.Fatalf("Create with oversize metadata: got %v, want KindBadRequest", err)
	}

	if _, err := m.Create(ctx, "s1", nil, uuid.New(), 0); err != nil {
		t.Fatalf("Create s1: %v", err)
	}
	if _, err := m.Create(ctx, "s1", nil, uuid.New(), 0); !cmn.IsKind(err, cmn.KindBadRequest) {
		t.Fatalf("Create duplicate name: got %v, want KindBadRequest", err)
	}
}

func TestRestoreDropsLaterSnapshots(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	cork1 := uuid.New()
	if _, err := m.Create(ctx, "s1", nil, cork1, 0); err != nil {
		t.Fatalf("Create s1: %v", err)
	}
	if _, err := m.Create(ctx, "s2", nil, uuid.New(), 0); err != nil {
		t.Fatalf("Create s2: %v", err)
	}
	m.AppendTLog(tlog.ID("dangling"))

	target, err := m.Restore(ctx, "s1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if target.Cork != cork1 {
		t.Fatalf("Restore returned cork %s, want %s", target.Cork, cork1)
	}
	if names := m.Names(); len(names) != 1 || names[0] != "s1" {
		t.Fatalf("Names() after restore = %v, want [s1]", names)
	}
	if got := m.CurrentTLogs(); len(got) != 0 {
		t.Fatalf("CurrentTLogs after restore = %v, want empty (dangling tlog dropped)", got)
	}
}

func TestDeleteOrderingRule(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "s1", nil, uuid.New(), 0); err != nil {
		t.Fatalf("Create s1: %v", err)
	}
	if _, err := m.Create(ctx, "s2", nil, uuid.New(), 0); err != nil {
		t.Fatalf("Create s2: %v", err)
	}
	if _, err := m.Create(ctx, "s3", nil, uuid.New(), 0); err != nil {
		t.Fatalf("Create s3: %v", err)
	}

	// s3 is the last snapshot: cannot delete.
	if err := m.Delete(ctx, "s3"); !cmn.IsKind(err, cmn.KindBadRequest) {
		t.Fatalf("Delete last snapshot: got %v, want KindBadRequest", err)
	}

	// s1 is a clone-parent and the first snapshot: cannot delete.
	if err := m.MarkClonedFrom(ctx, "s1"); err != nil {
		t.Fatalf("MarkClonedFrom: %v", err)
	}
	if err := m.Delete(ctx, "s1"); !cmn.IsKind(err, cmn.KindBadRequest) {
		t.Fatalf("Delete first clone-parent: got %v, want KindBadRequest", err)
	}

	// s2 is an ordinary middle snapshot: deletable.
	if err := m.Delete(ctx, "s2"); err != nil {
		t.Fatalf("Delete s2: %v", err)
	}
	if names := m.Names(); len(names) != 2 || names[0] != "s1" || names[1] != "s3" {
		t.Fatalf("Names() after deleting s2 = %v, want [s1 s3]", names)
	}
}

func TestPersistSurvivesReload(t *testing.T) {
	m, store, localPath := newTestManager(t)
	ctx := context.Background()

	snap, err := m.Create(ctx, "s1", []byte("hello"), uuid.New(), 123)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.MarkInBackend(ctx, snap.ID); err != nil {
		t.Fatalf("MarkInBackend: %v", err)
	}

	m2, err := Load(ctx, store, "vol1", localPath)
	if err != nil {
		t.Fatalf("Load (reopen): %v", err)
	}
	got, ok := m2.Get("s1")
	if !ok {
		t.Fatalf("reloaded manager missing snapshot s1")
	}
	if got.State != StateInBackend {
		t.Fatalf("reloaded snapshot state = %v, want InBackend", got.State)
	}
	if string(got.Metadata) != "hello" {
		t.Fatalf("reloaded metadata = %q, want %q", got.Metadata, "hello")
	}
}
