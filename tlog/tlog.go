package tlog

import (
	"bufio"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// ID names one TLog file: "tlog_<uuid>".
type ID string

func NewID() ID { return ID(uuid.NewString()) }

func (id ID) FileName() string { return "tlog_" + string(id) }

// TLog is one append-only log file. append() is O(1): it writes
// straight through a buffered writer and tracks a running CRC32 so
// seal() doesn't need to re-read the file.
type TLog struct {
	mu      sync.Mutex
	id      ID
	path    string
	f       *os.File
	w       *bufio.Writer
	crc     uint32
	sealed  bool
	entries int
}

// Create opens a fresh, empty TLog file under dir.
func Create(dir string) (*TLog, error) {
	id := NewID()
	path := filepath.Join(dir, "."+id.FileName()+".open")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, cos.PermRWR)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "create tlog in %s", dir)
	}
	return &TLog{id: id, path: path, f: f, w: bufio.NewWriter(f), crc: 0}, nil
}

func (t *TLog) ID() ID { return t.id }

// Append writes one entry and folds it into the running CRC. Callers
// (DataStore.append path) hold the volume's append mutex, so no
// internal locking would be observable, but TLog still guards its own
// state in case a background sealer races a final flush.
func (t *TLog) Append(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return cmn.NewErr(cmn.KindBadRequest, nil, "append to sealed tlog %s", t.id)
	}
	buf := e.Marshal()
	if _, err := t.w.Write(buf); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "tlog append")
	}
	t.crc = crc32.Update(t.crc, crc32.IEEETable, buf)
	t.entries++
	return nil
}

// Seal appends SyncTC then TLogCRC(crc32 of all preceding bytes),
// fsyncs, and renames the file to its final tlog_<id> name.
// After Seal, Append fails.
func (t *TLog) Seal(finalDir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return nil
	}
	sync := SyncTC().Marshal()
	if _, err := t.w.Write(sync); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "tlog seal: write sync marker")
	}
	t.crc = crc32.Update(t.crc, crc32.IEEETable, sync)

	crcEntry := TLogCRC(t.crc).Marshal()
	if _, err := t.w.Write(crcEntry); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "tlog seal: write crc")
	}
	if err := t.w.Flush(); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "tlog seal: flush")
	}
	if err := cos.Fsync(t.f); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "tlog seal: fsync")
	}
	if err := t.f.Close(); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "tlog seal: close")
	}
	final := filepath.Join(finalDir, t.id.FileName())
	if err := os.Rename(t.path, final); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "tlog seal: rename")
	}
	t.path = final
	t.sealed = true
	glog.Infof("tlog %s sealed (%d entries)", t.id, t.entries)
	return nil
}

// Flush pushes buffered bytes to the OS without sealing -- used by
// VolumeEngine.sync() so a crash after sync loses nothing durable.
func (t *TLog) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.w.Flush(); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "tlog flush")
	}
	return cos.Fdatasync(t.f)
}

func (t *TLog) Path() string { return t.path }

// ReadAll streams every entry out of a (possibly still-open, possibly
// sealed) TLog file on disk, tolerating a truncated tail: everything
// after the last successfully parsed entry is dropped, so readers only
// trust bytes up through the last TLogCRC they could verify.
func ReadAll(path string) (entries []Entry, crcVerified bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, cmn.NewErr(cmn.KindTransientBackend, err, "tlog read %s", path)
	}
	parsed, consumed, truncated := UnmarshalAll(data)
	_ = consumed
	entries = parsed
	if truncated {
		return entries, false, nil
	}
	// verify trailing TLogCRC against a running sum of everything
	// before it, if the log was sealed.
	if len(entries) >= 2 && entries[len(entries)-1].Type == TypeTLogCRC && entries[len(entries)-2].Type == TypeSyncTC {
		var sum uint32 = 0
		off := 0
		for i := 0; i < len(entries)-1; i++ {
			sz := entries[i].WireSize()
			sum = crc32.Update(sum, crc32.IEEETable, data[off:off+sz])
			off += sz
		}
		want := entries[len(entries)-1].CRC
		crcVerified = sum == want
		if !crcVerified {
			return entries, false, cmn.NewErr(cmn.KindChecksumMismatch, nil, "tlog %s: crc mismatch", path)
		}
	}
	return entries, crcVerified, nil
}

// LOCEntries filters a parsed entry slice down to just the LOC
// entries, the form MetaDataStore replay and FOC-replay comparison
// want.
func LOCEntries(entries []Entry) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Type == TypeLOC {
			out = append(out, e)
		}
	}
	return out
}
