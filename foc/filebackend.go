package foc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openvstorage/volumedriver/cmn/cos"
)

// FileBackend persists entries to one file per SCO under dir, each
// write appended through a fixed-size buffered writer before being
// flushed. Used when the FOC server is configured to survive its own
// restart independent of the volumes it backs.
type FileBackend struct {
	mu        sync.Mutex
	dir       string
	bufBytes  int
}

func NewFileBackend(dir string, bufBytes int) (*FileBackend, error) {
	if err := cos.CreateDir(dir); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, bufBytes: bufBytes}, nil
}

func (f *FileBackend) scoPath(sco uint32) string {
	return filepath.Join(f.dir, fmt.Sprintf("sco_%d.entries", sco))
}

func (f *FileBackend) Add(e WireEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.scoPath(e.CL.SCONumber)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, cos.PermRWR)
	if err != nil {
		return err
	}
	defer fh.Close()
	w := bufio.NewWriterSize(fh, f.bufBytes)
	if _, err := w.Write(e.Marshal()); err != nil {
		return err
	}
	return w.Flush()
}

func (f *FileBackend) GetRange() (uint32, uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil || len(entries) == 0 {
		return 0, 0, false
	}
	var scos []uint32
	for _, e := range entries {
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), "sco_%d.entries", &n); err == nil {
			scos = append(scos, n)
		}
	}
	if len(scos) == 0 {
		return 0, 0, false
	}
	sort.Slice(scos, func(i, j int) bool { return scos[i] < scos[j] })
	return scos[0], scos[len(scos)-1], true
}

func (f *FileBackend) GetSCO(sco uint32) []WireEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.scoPath(sco))
	if err != nil {
		return nil
	}
	entries, err := UnmarshalWireEntries(data)
	if err != nil {
		return nil
	}
	return entries
}

func (f *FileBackend) RemoveUpTo(sco uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), "sco_%d.entries", &n); err == nil && n <= sco {
			_ = os.Remove(filepath.Join(f.dir, e.Name()))
		}
	}
	return nil
}

func (f *FileBackend) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(f.dir, e.Name()))
	}
	return nil
}
