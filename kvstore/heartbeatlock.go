package kvstore

import (
	"context"
	"time"

	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// HeartBeatLock is the CAS-protected value backing volume ownership:
// whoever holds it with an unexpired ExpiresAt owns the volume and may
// bump OwnerTag. Modeled on youtils'
// HeartBeatLockCommunicator, which distinguishes "nobody owns this"
// from "someone owns this but their lease looks stale" and only steals
// in the latter case after waiting out the remainder of the lease.
type HeartBeatLock struct {
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Counter   uint64    `json:"counter"`
}

func (l HeartBeatLock) expired(now time.Time) bool { return now.After(l.ExpiresAt) }

func (l HeartBeatLock) differentOwner(other HeartBeatLock) bool {
	return l.OwnerID != other.OwnerID || l.Counter != other.Counter
}

func marshalLock(l HeartBeatLock) []byte {
	b, _ := cos.JSON.Marshal(l)
	return b
}

func unmarshalLock(b []byte) (HeartBeatLock, error) {
	var l HeartBeatLock
	if err := cos.JSON.Unmarshal(b, &l); err != nil {
		return HeartBeatLock{}, cmn.NewErr(cmn.KindBadRequest, err, "kvstore: unmarshal heartbeat lock")
	}
	return l, nil
}

// HeartBeatLockCommunicator drives the acquire/refresh/release protocol
// for one lock key against a KvStore backend.
type HeartBeatLockCommunicator struct {
	store    KvStore
	key      string
	ownerID  string
	lease    time.Duration

	current HeartBeatLock
	raw     []byte // the exact bytes last read, used as the CAS precondition
}

func NewHeartBeatLockCommunicator(store KvStore, key, ownerID string, lease time.Duration) *HeartBeatLockCommunicator {
	return &HeartBeatLockCommunicator{store: store, key: key, ownerID: ownerID, lease: lease}
}

// LockExists reports whether any lock value has ever been written for
// this key.
func (c *HeartBeatLockCommunicator) LockExists(ctx context.Context) (bool, error) {
	_, found, err := c.store.Get(ctx, c.key)
	return found, err
}

// getLock re-reads the lock, caching its raw bytes as the next CAS
// precondition (mirrors getLock()'s "read and update the tag").
func (c *HeartBeatLockCommunicator) getLock(ctx context.Context) (HeartBeatLock, error) {
	raw, found, err := c.store.Get(ctx, c.key)
	if err != nil {
		return HeartBeatLock{}, err
	}
	if !found {
		c.raw = nil
		return HeartBeatLock{}, nil
	}
	lock, err := unmarshalLock(raw)
	if err != nil {
		return HeartBeatLock{}, err
	}
	c.raw = raw
	return lock, nil
}

func (c *HeartBeatLockCommunicator) overwriteLock(ctx context.Context, next HeartBeatLock) error {
	newRaw := marshalLock(next)
	if err := c.store.CompareAndSwap(ctx, c.key, c.raw, newRaw); err != nil {
		return err
	}
	c.raw = newRaw
	c.current = next
	return nil
}

// TryAcquire attempts to take the lock: if it is absent or its lease
// has expired, it writes itself in as owner at once; if another
// owner's lease is still live, it first waits out the remaining lease
// time. The write is a compare-and-swap against the lock as first
// read, so it returns cmn.KindFenced if the lock changed meanwhile
// (for example, a live owner refreshed it).
func (c *HeartBeatLockCommunicator) TryAcquire(ctx context.Context) error {
	lock, err := c.getLock(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	if lock.OwnerID != "" && !lock.expired(now) {
		remaining := lock.ExpiresAt.Sub(now)
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	next := HeartBeatLock{OwnerID: c.ownerID, ExpiresAt: time.Now().Add(c.lease), Counter: lock.Counter + 1}
	return c.overwriteLock(ctx, next)
}

// Refresh extends the lease for the caller's current ownership,
// retrying up to maxRetries times within maxWaitTime before giving up.
// It returns false (no error) if a re-read shows the lock now belongs
// to a different owner -- "we lost the lock" -- rather than a hard
// error, matching refreshLock()'s bool return.
func (c *HeartBeatLockCommunicator) Refresh(ctx context.Context, maxWaitTime time.Duration, maxRetries int) (bool, error) {
	start := time.Now()
	c.current.Counter++
	for attempt := 0; attempt < maxRetries; attempt++ {
		next := HeartBeatLock{OwnerID: c.ownerID, ExpiresAt: time.Now().Add(c.lease), Counter: c.current.Counter}
		if err := c.overwriteLock(ctx, next); err == nil {
			return true, nil
		} else if !cmn.IsKind(err, cmn.KindFenced) {
			if time.Since(start)+time.Second > maxWaitTime {
				return false, err
			}
		}

		lock, err := c.getLock(ctx)
		if err != nil {
			continue
		}
		if lock.differentOwner(HeartBeatLock{OwnerID: c.ownerID, Counter: c.current.Counter}) {
			return false, nil
		}
	}
	return false, cmn.NewErr(cmn.KindTransientBackend, nil, "kvstore: heartbeat lock %s: ran out of retries", c.key)
}

// Release marks the lock as unowned so the next TryAcquire doesn't
// have to wait out a lease; best-effort, errors are not fatal to the
// caller's shutdown path.
func (c *HeartBeatLockCommunicator) Release(ctx context.Context) error {
	next := HeartBeatLock{OwnerID: "", ExpiresAt: time.Time{}, Counter: c.current.Counter}
	return c.overwriteLock(ctx, next)
}
