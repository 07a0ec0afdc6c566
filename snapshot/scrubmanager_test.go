package snapshot

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/kvstore"
)

func TestScrubManagerAppliesParentThenClonesInOrder(t *testing.T) {
	var order []uint8
	apply := func(_ context.Context, cloneID uint8, _ uuid.UUID) error {
		order = append(order, cloneID)
		return nil
	}
	m := NewScrubManager(kvstore.NewMemStore(), "scrub:vol1", apply)
	scrubID := uuid.New()

	if err := m.Run(context.Background(), scrubID, []uint8{1, 2, 3}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []uint8{0, 1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("apply order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("apply order = %v, want %v", order, want)
		}
	}

	progress, err := m.Progress(context.Background())
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if progress.State != ScrubDone {
		t.Fatalf("progress.State = %v, want ScrubDone", progress.State)
	}
}

func TestScrubManagerResumesAfterFailureWithoutReapplyingParent(t *testing.T) {
	store := kvstore.NewMemStore()
	var order []uint8
	failOnce := true
	apply := func(_ context.Context, cloneID uint8, _ uuid.UUID) error {
		if cloneID == 2 && failOnce {
			failOnce = false
			return cmn.NewErr(cmn.KindTransientBackend, nil, "injected failure")
		}
		order = append(order, cloneID)
		return nil
	}
	m := NewScrubManager(store, "scrub:vol1", apply)
	scrubID := uuid.New()

	if err := m.Run(context.Background(), scrubID, []uint8{1, 2, 3}); err == nil {
		t.Fatalf("expected first Run to fail at clone 2")
	}
	progress, err := m.Progress(context.Background())
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if progress.State != ScrubError {
		t.Fatalf("progress.State after failure = %v, want ScrubError", progress.State)
	}
	// parent (0) and clone 1 must not be re-applied on resume.
	firstPassOrder := append([]uint8(nil), order...)
	if len(firstPassOrder) != 2 || firstPassOrder[0] != 0 || firstPassOrder[1] != 1 {
		t.Fatalf("order before resume = %v, want [0 1]", firstPassOrder)
	}

	if err := m.Run(context.Background(), scrubID, []uint8{1, 2, 3}); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	want := []uint8{0, 1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order after resume = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order after resume = %v, want %v", order, want)
		}
	}
}

func TestScrubManagerNewScrubIDStartsOver(t *testing.T) {
	store := kvstore.NewMemStore()
	var order []uint8
	apply := func(_ context.Context, cloneID uint8, _ uuid.UUID) error {
		order = append(order, cloneID)
		return nil
	}
	m := NewScrubManager(store, "scrub:vol1", apply)

	if err := m.Run(context.Background(), uuid.New(), []uint8{1}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	order = nil
	if err := m.Run(context.Background(), uuid.New(), []uint8{5}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(order) != 2 || order[0] != 0 || order[1] != 5 {
		t.Fatalf("second scrub order = %v, want [0 5] (parent re-applied for new scrub)", order)
	}
}
