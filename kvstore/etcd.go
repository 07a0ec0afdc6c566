package kvstore

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/openvstorage/volumedriver/cmn"
)

// EtcdStore is the production KvStore backend: every namespace's
// registry entry, heartbeat lock, and OwnerTag counter lives under a
// key prefix in one etcd cluster. It is the only networked KvStore in
// this package.
type EtcdStore struct {
	cli    *clientv3.Client
	prefix string
}

// NewEtcdStore dials the given endpoints. prefix is prepended to every
// key, letting multiple volumedriver clusters share one etcd.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, prefix string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, cmn.NewErr(cmn.KindFocUnreachable, err, "kvstore: dial etcd %v", endpoints)
	}
	return &EtcdStore{cli: cli, prefix: prefix}, nil
}

func (s *EtcdStore) key(k string) string { return s.prefix + k }

func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.cli.Get(ctx, s.key(key))
	if err != nil {
		return nil, false, cmn.NewErr(cmn.KindTransientBackend, err, "kvstore: get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (s *EtcdStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.cli.Put(ctx, s.key(key), string(value)); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "kvstore: put %s", key)
	}
	return nil
}

// CompareAndSwap uses one etcd transaction: when oldValue is nil the
// precondition is "key absent" (create_revision == 0), otherwise it
// compares the stored value byte-for-byte via a Txn.If on Value. The
// mod revision is not used.
func (s *EtcdStore) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error {
	k := s.key(key)
	var cmp clientv3.Cmp
	if oldValue == nil {
		cmp = clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(k), "=", string(oldValue))
	}
	resp, err := s.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(k, string(newValue))).
		Commit()
	if err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "kvstore: cas %s", key)
	}
	if !resp.Succeeded {
		return fencedErr(key)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	if _, err := s.cli.Delete(ctx, s.key(key)); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "kvstore: delete %s", key)
	}
	return nil
}

func (s *EtcdStore) Close() error { return s.cli.Close() }
