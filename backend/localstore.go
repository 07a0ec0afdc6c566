package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// LocalStore is a filesystem-backed ObjectStore, used for local
// development, single-node deployments, and scenario tests where
// spinning up a real cloud bucket would be overkill.
type LocalStore struct {
	mu   sync.Mutex
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := cos.CreateDir(root); err != nil {
		return nil, err
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) nsDir(ns string) string  { return filepath.Join(s.root, ns) }
func (s *LocalStore) path(ns, name string) string { return filepath.Join(s.nsDir(ns), name) }

func (s *LocalStore) ListNamespaces(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "localstore: list namespaces")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *LocalStore) CreateNamespace(_ context.Context, ns string) error {
	if err := cos.CreateDir(s.nsDir(ns)); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "localstore: create namespace %s", ns)
	}
	return nil
}

func (s *LocalStore) DeleteNamespace(_ context.Context, ns string) error {
	if err := os.RemoveAll(s.nsDir(ns)); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "localstore: delete namespace %s", ns)
	}
	return nil
}

func (s *LocalStore) ListObjects(_ context.Context, ns string) ([]string, error) {
	entries, err := os.ReadDir(s.nsDir(ns))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErr(cmn.KindNamespaceMissing, err, "localstore: namespace %s", ns)
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "localstore: list objects %s", ns)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *LocalStore) Read(_ context.Context, ns, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(ns, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErr(cmn.KindObjectMissing, err, "localstore: read %s/%s", ns, name)
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "localstore: read %s/%s", ns, name)
	}
	return f, nil
}

func (s *LocalStore) Write(_ context.Context, ns, name string, r io.Reader, cond WriteCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := cos.CreateDir(s.nsDir(ns)); err != nil {
		return err
	}
	path := s.path(ns, name)

	if cond.MustNotExist {
		if _, err := os.Stat(path); err == nil {
			return cmn.NewErr(cmn.KindFenced, nil, "localstore: %s/%s already exists", ns, name)
		}
	}
	if cond.IfChecksum != nil {
		cur, err := s.checksumLocked(path)
		if err != nil {
			return err
		}
		if !cur.Equal(*cond.IfChecksum) {
			return cmn.NewErr(cmn.KindFenced, nil, "localstore: %s/%s checksum precondition failed", ns, name)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, cos.PermRWR)
	if err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "localstore: open tmp for %s/%s", ns, name)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return cmn.NewErr(cmn.KindTransientBackend, err, "localstore: write %s/%s", ns, name)
	}
	if err := cos.Fsync(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return cmn.NewErr(cmn.KindTransientBackend, err, "localstore: fsync %s/%s", ns, name)
	}
	cos.Close(f)
	if err := os.Rename(tmp, path); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "localstore: rename into place %s/%s", ns, name)
	}
	return nil
}

func (s *LocalStore) Exists(_ context.Context, ns, name string) (bool, error) {
	_, err := os.Stat(s.path(ns, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, cmn.NewErr(cmn.KindTransientBackend, err, "localstore: stat %s/%s", ns, name)
}

func (s *LocalStore) Size(_ context.Context, ns, name string) (int64, error) {
	info, err := os.Stat(s.path(ns, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, cmn.NewErr(cmn.KindObjectMissing, err, "localstore: size %s/%s", ns, name)
		}
		return 0, cmn.NewErr(cmn.KindTransientBackend, err, "localstore: size %s/%s", ns, name)
	}
	return info.Size(), nil
}

func (s *LocalStore) Checksum(_ context.Context, ns, name string) (cos.Cksum, error) {
	return s.checksumLocked(s.path(ns, name))
}

func (s *LocalStore) checksumLocked(path string) (cos.Cksum, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cos.Cksum{}, nil
		}
		return cos.Cksum{}, cmn.NewErr(cmn.KindTransientBackend, err, "localstore: checksum %s", path)
	}
	return cos.ComputeCksum(data), nil
}

func (s *LocalStore) Remove(_ context.Context, ns, name string, mayNotExist bool) error {
	err := os.Remove(s.path(ns, name))
	if err != nil {
		if os.IsNotExist(err) && mayNotExist {
			return nil
		}
		return cmn.NewErr(cmn.KindTransientBackend, err, "localstore: remove %s/%s", ns, name)
	}
	return nil
}

func (s *LocalStore) PartialRead(ctx context.Context, ns, name string, slices []PartialSlice, _ bool, fallback func(PartialSlice) ([]byte, error)) ([][]byte, error) {
	data, err := os.ReadFile(s.path(ns, name))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "localstore: partial read %s/%s", ns, name)
		}
		data = nil
	}
	out := make([][]byte, len(slices))
	for i, sl := range slices {
		end := sl.Offset + sl.Length
		if data != nil && end <= int64(len(data)) {
			out[i] = bytes.Clone(data[sl.Offset:end])
			continue
		}
		if fallback == nil {
			return nil, cmn.NewErr(cmn.KindObjectMissing, nil, "localstore: partial read %s/%s: slice %d out of range", ns, name, i)
		}
		b, err := fallback(sl)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
