package metadatastore

import (
	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// Reloc is one tuple of a scrub's relocation stream: a cluster whose
// bytes moved from OldCL to NewCL during scrubbing.
type Reloc struct {
	CA    cluster.CA
	OldCL cluster.CL
	NewCL cluster.CL
	Hash  cos.Cksum
}

// ApplyRelocs applies a scrub's relocation stream, idempotent by
// ScrubID: if cloneID's stamped scrub id already equals id, every
// tuple has already been applied and the call is a no-op.
// Otherwise each tuple only takes effect if the current entry still
// matches OldCL -- anything that moved again since the scrub was
// computed is left alone.
func (s *Store) ApplyRelocs(relocs []Reloc, cloneID uint8, id uuid.UUID) error {
	s.mu.Lock()
	current, found, err := s.backend.LoadScrubID(cloneID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if found && current == id {
		glog.Infof("metadatastore: scrub id %s already applied for clone %d, skipping", id, cloneID)
		return nil
	}

	applied := 0
	for _, r := range relocs {
		entry, err := s.Read(r.CA)
		if err != nil {
			return err
		}
		if entry.CL != r.OldCL {
			continue
		}
		if err := s.Write(r.CA, r.NewCL, r.Hash); err != nil {
			return err
		}
		applied++
	}

	s.mu.Lock()
	err = s.backend.StoreScrubID(cloneID, id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	glog.Infof("metadatastore: applied scrub %s for clone %d: %d/%d relocations", id, cloneID, applied, len(relocs))
	return nil
}
