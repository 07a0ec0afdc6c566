package snapshot

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
	"github.com/openvstorage/volumedriver/kvstore"
)

// ScrubState is one stage of ScrubManager's state machine:
// Idle -> ParentScrubbing -> CloneScrubbing(i) -> Done | Error.
type ScrubState int

const (
	ScrubIdle ScrubState = iota
	ScrubParentScrubbing
	ScrubCloneScrubbing
	ScrubDone
	ScrubError
)

// ScrubProgress is ScrubManager's entire persisted state: enough to
// resume exactly where a crash interrupted it. Phase records which
// stage (ParentScrubbing or CloneScrubbing) to resume in when State is
// ScrubError; State itself becomes ScrubError so Progress() can report
// the failure without losing where to pick back up.
type ScrubProgress struct {
	State      ScrubState
	Phase      ScrubState
	ScrubID    uuid.UUID
	CloneIDs   []uint8
	CloneIndex int
	ErrMessage string
}

// ApplyFunc applies one already-computed scrub result to a single
// clone (cloneID 0 is the clone-parent itself). It is expected to call
// through to metadatastore.Store.ApplyRelocs, which is itself
// idempotent by ScrubID -- ScrubManager's own idempotence is about
// which clone to apply to next, not about re-applying safely.
type ApplyFunc func(ctx context.Context, cloneID uint8, scrubID uuid.UUID) error

// ScrubManager is the asynchronous post-processor that applies one
// scrub result to the clone-parent snapshot and then fans
// out to every clone in order, persisting progress in a KvStore so a
// crash mid-fan-out resumes rather than restarts.
type ScrubManager struct {
	mu    sync.Mutex
	store kvstore.KvStore
	key   string
	apply ApplyFunc
}

func NewScrubManager(store kvstore.KvStore, key string, apply ApplyFunc) *ScrubManager {
	return &ScrubManager{store: store, key: key, apply: apply}
}

func (m *ScrubManager) loadProgress(ctx context.Context) (ScrubProgress, error) {
	raw, found, err := m.store.Get(ctx, m.key)
	if err != nil {
		return ScrubProgress{}, err
	}
	if !found {
		return ScrubProgress{State: ScrubIdle}, nil
	}
	var p ScrubProgress
	if err := cos.JSON.Unmarshal(raw, &p); err != nil {
		return ScrubProgress{}, cmn.NewErr(cmn.KindBadRequest, err, "scrubmanager: decode progress")
	}
	return p, nil
}

func (m *ScrubManager) storeProgress(ctx context.Context, p ScrubProgress) error {
	raw, err := cos.JSON.Marshal(p)
	if err != nil {
		return cmn.NewErr(cmn.KindBadRequest, err, "scrubmanager: encode progress")
	}
	return m.store.Set(ctx, m.key, raw)
}

// Run applies scrubID's result to the parent and every clone in
// cloneIDs, resuming from whatever a previous (possibly crashed) call
// had already completed for the same scrubID. A different scrubID than
// whatever is persisted starts the fan-out over from the parent.
func (m *ScrubManager) Run(ctx context.Context, scrubID uuid.UUID, cloneIDs []uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.loadProgress(ctx)
	if err != nil {
		return err
	}
	if p.State == ScrubIdle || p.ScrubID != scrubID {
		p = ScrubProgress{State: ScrubParentScrubbing, ScrubID: scrubID, CloneIDs: cloneIDs}
		if err := m.storeProgress(ctx, p); err != nil {
			return err
		}
	}

	phase := p.State
	if phase == ScrubError {
		phase = p.Phase
	}

	if phase == ScrubParentScrubbing {
		glog.Infof("scrubmanager: applying scrub %s to parent", scrubID)
		if err := m.apply(ctx, 0, scrubID); err != nil {
			p.State, p.Phase, p.ErrMessage = ScrubError, ScrubParentScrubbing, err.Error()
			_ = m.storeProgress(ctx, p)
			return err
		}
		p.State, p.CloneIndex = ScrubCloneScrubbing, 0
		if err := m.storeProgress(ctx, p); err != nil {
			return err
		}
		phase = ScrubCloneScrubbing
	}

	for phase == ScrubCloneScrubbing && p.CloneIndex < len(p.CloneIDs) {
		cloneID := p.CloneIDs[p.CloneIndex]
		glog.Infof("scrubmanager: applying scrub %s to clone %d (%d/%d)", scrubID, cloneID, p.CloneIndex+1, len(p.CloneIDs))
		if err := m.apply(ctx, cloneID, scrubID); err != nil {
			p.State, p.Phase, p.ErrMessage = ScrubError, ScrubCloneScrubbing, err.Error()
			_ = m.storeProgress(ctx, p)
			return err
		}
		p.CloneIndex++
		p.State = ScrubCloneScrubbing
		if err := m.storeProgress(ctx, p); err != nil {
			return err
		}
	}

	if phase == ScrubCloneScrubbing {
		p.State = ScrubDone
		return m.storeProgress(ctx, p)
	}
	return nil
}

// Progress returns the current persisted state, e.g. for a /stats
// endpoint or a CLI "scrub status" command.
func (m *ScrubManager) Progress(ctx context.Context) (ScrubProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadProgress(ctx)
}
