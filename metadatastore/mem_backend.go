package metadatastore

import (
	"sync"

	"github.com/google/uuid"
)

// MemBackend is an in-memory Backend for tests: no disk, no network,
// just maps guarded by a mutex.
type MemBackend struct {
	mu       sync.Mutex
	pages    map[uint32]*Page
	cork     uuid.UUID
	haveCork bool
	scrubIDs map[uint8]uuid.UUID
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		pages:    make(map[uint32]*Page),
		scrubIDs: make(map[uint8]uuid.UUID),
	}
}

func (m *MemBackend) LoadPage(index uint32) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[index]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemBackend) StorePage(page *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *page
	cp.dirty = false
	m.pages[page.Index] = &cp
	return nil
}

func (m *MemBackend) LoadCork() (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cork, m.haveCork, nil
}

func (m *MemBackend) StoreCork(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cork = id
	m.haveCork = true
	return nil
}

func (m *MemBackend) LoadScrubID(cloneID uint8) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.scrubIDs[cloneID]
	return id, ok, nil
}

func (m *MemBackend) StoreScrubID(cloneID uint8, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrubIDs[cloneID] = id
	return nil
}

func (m *MemBackend) Close() error { return nil }
