package metadatastore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"

	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// BuntBackend is the in-process, RocksDB-like option: one embedded
// buntdb keyed by page index / cork / scrub-id, fsynced per
// transaction.
type BuntBackend struct {
	db *buntdb.DB
}

func NewBuntBackend(path string) (*BuntBackend, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "metadatastore: open buntdb %s", path)
	}
	db.SetConfig(buntdb.Config{SyncPolicy: buntdb.Always})
	return &BuntBackend{db: db}, nil
}

func pageKey(index uint32) string  { return fmt.Sprintf("page:%d", index) }
func scrubKey(cloneID uint8) string { return fmt.Sprintf("scrubid:%d", cloneID) }

const corkKey = "cork"

func (b *BuntBackend) LoadPage(index uint32) (*Page, error) {
	var raw string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(pageKey(index))
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "metadatastore: load page %d", index)
	}
	p := &Page{Index: index}
	if err := unmarshalPage([]byte(raw), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *BuntBackend) StorePage(page *Page) error {
	raw := marshalPage(page)
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(pageKey(page.Index), string(raw), nil)
		return err
	})
	if err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "metadatastore: store page %d", page.Index)
	}
	return nil
}

func (b *BuntBackend) LoadCork() (uuid.UUID, bool, error) {
	var raw string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(corkKey)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, cmn.NewErr(cmn.KindTransientBackend, err, "metadatastore: load cork")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, false, cmn.NewErr(cmn.KindBadRequest, err, "metadatastore: parse cork")
	}
	return id, true, nil
}

func (b *BuntBackend) StoreCork(id uuid.UUID) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(corkKey, id.String(), nil)
		return err
	})
	if err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "metadatastore: store cork")
	}
	return nil
}

func (b *BuntBackend) LoadScrubID(cloneID uint8) (uuid.UUID, bool, error) {
	var raw string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(scrubKey(cloneID))
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, cmn.NewErr(cmn.KindTransientBackend, err, "metadatastore: load scrub id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, false, cmn.NewErr(cmn.KindBadRequest, err, "metadatastore: parse scrub id")
	}
	return id, true, nil
}

func (b *BuntBackend) StoreScrubID(cloneID uint8, id uuid.UUID) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(scrubKey(cloneID), id.String(), nil)
		return err
	})
	if err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "metadatastore: store scrub id")
	}
	return nil
}

func (b *BuntBackend) Close() error { return b.db.Close() }

// marshalPage/unmarshalPage use a flat fixed-width encoding rather
// than cos.JSON: a page is written/read on every dirty eviction, and
// 256 entries x (8B CL + 16B hash) as JSON would both bloat the store
// and cost far more to (un)marshal than a direct byte layout.
func marshalPage(p *Page) []byte {
	buf := make([]byte, PageCapacity*(8+cos.CksumSize))
	off := 0
	for _, e := range p.Entries {
		cl := e.CL.Encode()
		copy(buf[off:off+8], cl[:])
		copy(buf[off+8:off+8+cos.CksumSize], e.Hash.Bytes())
		off += 8 + cos.CksumSize
	}
	return buf
}

func unmarshalPage(b []byte, p *Page) error {
	want := PageCapacity * (8 + cos.CksumSize)
	if len(b) != want {
		return cmn.NewErr(cmn.KindBadRequest, nil, "metadatastore: page %d: expected %d bytes, got %d", p.Index, want, len(b))
	}
	off := 0
	for i := range p.Entries {
		var clb [8]byte
		copy(clb[:], b[off:off+8])
		hashBytes := b[off+8 : off+8+cos.CksumSize]
		var hash cos.Cksum
		if !allZero(hashBytes) {
			var err error
			hash, err = cos.CksumFromBytes(hashBytes)
			if err != nil {
				return err
			}
		}
		p.Entries[i] = Entry{CL: cluster.DecodeCL(clb), Hash: hash}
		off += 8 + cos.CksumSize
	}
	return nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
