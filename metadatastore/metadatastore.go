// Package metadatastore implements MetaDataStore: the CA -> (CL, hash)
// map, its fixed-size page cache, the cork protocol that delimits
// generations for crash recovery, and scrub-id-gated relocation
// application.
package metadatastore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// Entry is the value half of the CA -> (CL, hash) map; a zero Entry
// means "never written".
type Entry struct {
	CL   cluster.CL
	Hash cos.Cksum
}

func (e Entry) Unknown() bool { return e.CL.Zero() && e.Hash.IsEmpty() }

// PageCapacity is the number of CA slots per page, a fixed size
// chosen to keep one page a predictable backend read/write unit.
const PageCapacity = 256

// Page is one fixed-capacity slice of the CA space, the unit of cache
// and persistence to the metadata backend.
type Page struct {
	Index   uint32
	Entries [PageCapacity]Entry
	dirty   bool
}

func pageIndex(ca cluster.CA) uint32   { return uint32(ca) / PageCapacity }
func pageOffset(ca cluster.CA) uint32  { return uint32(ca) % PageCapacity }

// Backend is the pluggable page store behind MetaDataStore: in-process,
// Arakoon, or MDS.
type Backend interface {
	LoadPage(index uint32) (*Page, error) // returns nil, no error, if absent
	StorePage(page *Page) error
	LoadCork() (uuid.UUID, bool, error)
	StoreCork(id uuid.UUID) error
	LoadScrubID(cloneID uint8) (uuid.UUID, bool, error)
	StoreScrubID(cloneID uint8, id uuid.UUID) error
	Close() error
}

// Store is the in-memory page cache fronting a Backend, plus the cork
// protocol and NSIDMap-based clone resolution.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	capacity int // max cached pages
	pages    map[uint32]*Page
	lru      []uint32 // recency order, oldest first

	currentCork uuid.UUID
	nsidMap     cluster.NSIDMap
}

func New(backend Backend, capacityPages int, nsidMap cluster.NSIDMap) (*Store, error) {
	if capacityPages <= 0 {
		capacityPages = 8192
	}
	s := &Store{backend: backend, capacity: capacityPages, pages: make(map[uint32]*Page), nsidMap: nsidMap}
	if cork, found, err := backend.LoadCork(); err != nil {
		return nil, err
	} else if found {
		s.currentCork = cork
	}
	return s, nil
}

func (s *Store) getPage(index uint32) (*Page, error) {
	if p, ok := s.pages[index]; ok {
		s.touch(index)
		return p, nil
	}
	p, err := s.backend.LoadPage(index)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &Page{Index: index}
	}
	s.cachePage(p)
	return p, nil
}

func (s *Store) cachePage(p *Page) {
	if len(s.pages) >= s.capacity {
		s.evictOne()
	}
	s.pages[p.Index] = p
	s.lru = append(s.lru, p.Index)
}

func (s *Store) touch(index uint32) {
	for i, idx := range s.lru {
		if idx == index {
			s.lru = append(s.lru[:i], s.lru[i+1:]...)
			break
		}
	}
	s.lru = append(s.lru, index)
}

// evictOne drops the least-recently-used clean page; a dirty page at
// the head is flushed first since evicting unflushed writes would
// violate invariant 2.
func (s *Store) evictOne() {
	for len(s.lru) > 0 {
		idx := s.lru[0]
		s.lru = s.lru[1:]
		p, ok := s.pages[idx]
		if !ok {
			continue
		}
		if p.dirty {
			if err := s.backend.StorePage(p); err != nil {
				continue
			}
			p.dirty = false
		}
		delete(s.pages, idx)
		return
	}
}

// Read returns the entry for ca, or Unknown() if never written.
func (s *Store) Read(ca cluster.CA) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.getPage(pageIndex(ca))
	if err != nil {
		return Entry{}, err
	}
	return p.Entries[pageOffset(ca)], nil
}

// Write records CA -> (cl, hash) in the page cache, marking the page
// dirty for the next cork's flush.
func (s *Store) Write(ca cluster.CA, cl cluster.CL, hash cos.Cksum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.getPage(pageIndex(ca))
	if err != nil {
		return err
	}
	p.Entries[pageOffset(ca)] = Entry{CL: cl, Hash: hash}
	p.dirty = true
	return nil
}

// ForEach iterates every known entry up to maxCA (inclusive), skipping
// unknown (never-written) slots.
func (s *Store) ForEach(maxCA cluster.CA, fn func(ca cluster.CA, e Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lastPage := pageIndex(maxCA)
	for idx := uint32(0); idx <= lastPage; idx++ {
		p, err := s.getPage(idx)
		if err != nil {
			return err
		}
		for off := uint32(0); off < PageCapacity; off++ {
			ca := cluster.CA(idx*PageCapacity + off)
			if ca > maxCA {
				return nil
			}
			e := p.Entries[off]
			if e.Unknown() {
				continue
			}
			if err := fn(ca, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cork publishes every write since the previous cork as generation id,
// flushing all dirty pages to the backend.
func (s *Store) Cork(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pages {
		if p.dirty {
			if err := s.backend.StorePage(p); err != nil {
				return err
			}
			p.dirty = false
		}
	}
	if err := s.backend.StoreCork(id); err != nil {
		return err
	}
	s.currentCork = id
	return nil
}

// Uncork rewinds the published generation marker without discarding
// cached pages -- used by restore() to mark metadata as belonging to
// an earlier generation pending TLog replay.
func (s *Store) Uncork(id *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next uuid.UUID
	if id != nil {
		next = *id
	}
	if err := s.backend.StoreCork(next); err != nil {
		return err
	}
	s.currentCork = next
	return nil
}

func (s *Store) LastCork() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentCork
}

// ResolveNamespace implements the clone-resolution rule: for
// clone_id>0 it returns the ancestor namespace the ObjectStore read
// should target.
func (s *Store) ResolveNamespace(cloneID uint8, ownNamespace string) (string, bool) {
	return s.nsidMap.Namespace(cloneID, ownNamespace)
}

func (s *Store) Close() error { return s.backend.Close() }
