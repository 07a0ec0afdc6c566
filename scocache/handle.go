package scocache

import (
	"os"

	"github.com/openvstorage/volumedriver/cluster"
)

// Handle is an open SCO file, returned by CreateSCO/OpenSCO.
type Handle struct {
	f    *os.File
	path string
	ns   string
	id   cluster.SCOID
	mp   *Mountpoint
}

func (h *Handle) WriteAt(b []byte, off int64) (int, error) { return h.f.WriteAt(b, off) }
func (h *Handle) ReadAt(b []byte, off int64) (int, error)  { return h.f.ReadAt(b, off) }
func (h *Handle) Path() string                              { return h.path }
func (h *Handle) Mountpoint() *Mountpoint                    { return h.mp }

func (h *Handle) Sync() error {
	return h.f.Sync()
}

func (h *Handle) Close() error { return h.f.Close() }
