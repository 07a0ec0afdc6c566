// Package kvstore implements a small distributed compare-and-swap
// store used for the heartbeat lock, OwnerTag bumps, and the
// cluster-wide namespace registry.
package kvstore

import (
	"context"

	"github.com/openvstorage/volumedriver/cmn"
)

// KvStore is the trait every backend (etcd, or an in-memory fake for
// tests) implements: get, set, and an atomic
// compare-and-swap that OwnerTag fencing and the heartbeat lock both
// build on.
type KvStore interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	// CompareAndSwap sets key to newValue only if the key's current
	// value equals oldValue (oldValue == nil means "key must not
	// exist"). Returns cmn.KindFenced if the precondition fails.
	CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func fencedErr(key string) error {
	return cmn.NewErr(cmn.KindFenced, nil, "kvstore: compare-and-swap precondition failed for %q", key)
}
