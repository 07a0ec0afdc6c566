package cos

import (
	"os"

	"golang.org/x/sys/unix"
)

const PermRWR = os.FileMode(0o644)

// CreateDir is mkdir -p, tolerant of the directory already existing.
func CreateDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// Close closes c, swallowing the error the way callers that are
// already propagating a more relevant error want to.
func Close(c interface{ Close() error }) {
	_ = c.Close()
}

// RemoveFile removes fqn, treating "already gone" as success.
func RemoveFile(fqn string) error {
	err := os.Remove(fqn)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Fsync forces the file's content and metadata to stable storage. The
// SCOCache and TLog call this before acking a close/seal so invariant
// 1 (every LOC references durably-present bytes) holds across a
// crash.
func Fsync(f *os.File) error {
	return f.Sync()
}

// Fdatasync is the data-only variant, used on the hot append path
// where metadata durability is covered by the subsequent TLog record.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
