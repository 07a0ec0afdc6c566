package metadatastore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/kvstore"
)

// KvStoreBackend is the kvstore.KvStore-backed option: each page, the cork,
// and each clone's scrub-id is one key in a linearizable KvStore.
// Heavier per-page round trip than BuntBackend,
// but needs no local disk -- the right choice when metadata must
// survive the loss of the node running the volume.
type KvStoreBackend struct {
	store  kvstore.KvStore
	prefix string
}

func NewKvStoreBackend(store kvstore.KvStore, prefix string) *KvStoreBackend {
	return &KvStoreBackend{store: store, prefix: prefix}
}

func (b *KvStoreBackend) pageKey(index uint32) string { return fmt.Sprintf("%spage:%d", b.prefix, index) }
func (b *KvStoreBackend) corkKey() string             { return b.prefix + "cork" }
func (b *KvStoreBackend) scrubKey(cloneID uint8) string {
	return fmt.Sprintf("%sscrubid:%d", b.prefix, cloneID)
}

func (b *KvStoreBackend) LoadPage(index uint32) (*Page, error) {
	raw, found, err := b.store.Get(context.Background(), b.pageKey(index))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	p := &Page{Index: index}
	if err := unmarshalPage(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *KvStoreBackend) StorePage(page *Page) error {
	return b.store.Set(context.Background(), b.pageKey(page.Index), marshalPage(page))
}

func (b *KvStoreBackend) LoadCork() (uuid.UUID, bool, error) {
	raw, found, err := b.store.Get(context.Background(), b.corkKey())
	if err != nil || !found {
		return uuid.UUID{}, false, err
	}
	id, err := uuid.ParseBytes(raw)
	if err != nil {
		return uuid.UUID{}, false, err
	}
	return id, true, nil
}

func (b *KvStoreBackend) StoreCork(id uuid.UUID) error {
	return b.store.Set(context.Background(), b.corkKey(), []byte(id.String()))
}

func (b *KvStoreBackend) LoadScrubID(cloneID uint8) (uuid.UUID, bool, error) {
	raw, found, err := b.store.Get(context.Background(), b.scrubKey(cloneID))
	if err != nil || !found {
		return uuid.UUID{}, false, err
	}
	id, err := uuid.ParseBytes(raw)
	if err != nil {
		return uuid.UUID{}, false, err
	}
	return id, true, nil
}

func (b *KvStoreBackend) StoreScrubID(cloneID uint8, id uuid.UUID) error {
	return b.store.Set(context.Background(), b.scrubKey(cloneID), []byte(id.String()))
}

func (b *KvStoreBackend) Close() error { return nil }
