package backend

import (
	"context"
	"io"
	"os"
	"path"
	"sort"

	"github.com/colinmarc/hdfs/v2"

	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// HDFSStore maps a root directory in an HDFS cluster to the
// ObjectStore trait, one subdirectory per namespace -- the option
// on-prem deployments reach for when they already run a Hadoop
// cluster for other workloads rather than adopting S3/Azure/GCS.
type HDFSStore struct {
	client *hdfs.Client
	root   string
}

func NewHDFSStore(namenodeAddr, root string) (*HDFSStore, error) {
	client, err := hdfs.New(namenodeAddr)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: connect %s", namenodeAddr)
	}
	if err := client.MkdirAll(root, 0o755); err != nil && !os.IsExist(err) {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: mkdir %s", root)
	}
	return &HDFSStore{client: client, root: root}, nil
}

func (s *HDFSStore) nsDir(ns string) string      { return path.Join(s.root, ns) }
func (s *HDFSStore) path(ns, name string) string { return path.Join(s.nsDir(ns), name) }

func (s *HDFSStore) ListNamespaces(context.Context) ([]string, error) {
	entries, err := s.client.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: list namespaces")
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

func (s *HDFSStore) CreateNamespace(_ context.Context, ns string) error {
	if err := s.client.MkdirAll(s.nsDir(ns), 0o755); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: create namespace %s", ns)
	}
	return nil
}

func (s *HDFSStore) DeleteNamespace(_ context.Context, ns string) error {
	if err := s.client.RemoveAll(s.nsDir(ns)); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: delete namespace %s", ns)
	}
	return nil
}

func (s *HDFSStore) ListObjects(_ context.Context, ns string) ([]string, error) {
	entries, err := s.client.ReadDir(s.nsDir(ns))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErr(cmn.KindNamespaceMissing, err, "hdfsstore: namespace %s", ns)
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: list objects %s", ns)
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

func (s *HDFSStore) Read(_ context.Context, ns, name string) (io.ReadCloser, error) {
	f, err := s.client.Open(s.path(ns, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErr(cmn.KindObjectMissing, err, "hdfsstore: read %s/%s", ns, name)
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: read %s/%s", ns, name)
	}
	return f, nil
}

func (s *HDFSStore) Write(_ context.Context, ns, name string, r io.Reader, cond WriteCondition) error {
	if cond.MustNotExist {
		if _, err := s.client.Stat(s.path(ns, name)); err == nil {
			return cmn.NewErr(cmn.KindFenced, nil, "hdfsstore: %s/%s already exists", ns, name)
		}
	}
	if err := s.client.MkdirAll(s.nsDir(ns), 0o755); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: mkdir %s", ns)
	}
	path := s.path(ns, name)
	_ = s.client.Remove(path)
	w, err := s.client.Create(path)
	if err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: create %s/%s", ns, name)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: write %s/%s", ns, name)
	}
	if err := w.Close(); err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: close %s/%s", ns, name)
	}
	return nil
}

func (s *HDFSStore) Exists(_ context.Context, ns, name string) (bool, error) {
	_, err := s.client.Stat(s.path(ns, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: stat %s/%s", ns, name)
}

func (s *HDFSStore) Size(_ context.Context, ns, name string) (int64, error) {
	info, err := s.client.Stat(s.path(ns, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, cmn.NewErr(cmn.KindObjectMissing, err, "hdfsstore: size %s/%s", ns, name)
		}
		return 0, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: size %s/%s", ns, name)
	}
	return info.Size(), nil
}

func (s *HDFSStore) Checksum(ctx context.Context, ns, name string) (cos.Cksum, error) {
	r, err := s.Read(ctx, ns, name)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return cos.Cksum{}, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: checksum %s/%s", ns, name)
	}
	return cos.ComputeCksum(data), nil
}

func (s *HDFSStore) Remove(_ context.Context, ns, name string, mayNotExist bool) error {
	if err := s.client.Remove(s.path(ns, name)); err != nil {
		if os.IsNotExist(err) && mayNotExist {
			return nil
		}
		return cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: remove %s/%s", ns, name)
	}
	return nil
}

func (s *HDFSStore) PartialRead(ctx context.Context, ns, name string, slices []PartialSlice, _ bool, fallback func(PartialSlice) ([]byte, error)) ([][]byte, error) {
	f, err := s.client.Open(s.path(ns, name))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "hdfsstore: partial read %s/%s", ns, name)
		}
		f = nil
	}
	out := make([][]byte, len(slices))
	for i, sl := range slices {
		if f != nil {
			buf := make([]byte, sl.Length)
			if _, err := f.ReadAt(buf, sl.Offset); err == nil || err == io.EOF {
				out[i] = buf
				continue
			}
		}
		if fallback == nil {
			return nil, cmn.NewErr(cmn.KindObjectMissing, nil, "hdfsstore: partial read %s/%s: slice %d unavailable", ns, name, i)
		}
		b, ferr := fallback(sl)
		if ferr != nil {
			return nil, ferr
		}
		out[i] = b
	}
	if f != nil {
		f.Close()
	}
	return out, nil
}

