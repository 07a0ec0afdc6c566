package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// GCSStore maps one bucket to the ObjectStore trait via the same
// "<namespace>/<name>" object-name convention as S3Store/AzureStore.
type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: new client")
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) objectName(ns, name string) string { return path.Join(ns, name) }

func isGCSNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}

func (s *GCSStore) ListNamespaces(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Delimiter: "/"})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: list namespaces")
		}
		if attrs.Prefix != "" {
			out = append(out, strings.TrimSuffix(attrs.Prefix, "/"))
		}
	}
	return out, nil
}

func (s *GCSStore) CreateNamespace(context.Context, string) error { return nil }

func (s *GCSStore) DeleteNamespace(ctx context.Context, ns string) error {
	names, err := s.ListObjects(ctx, ns)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.Remove(ctx, ns, name, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *GCSStore) ListObjects(ctx context.Context, ns string) ([]string, error) {
	prefix := ns + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: list objects %s", ns)
		}
		out = append(out, strings.TrimPrefix(attrs.Name, prefix))
	}
	return out, nil
}

func (s *GCSStore) Read(ctx context.Context, ns, name string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectName(ns, name)).NewReader(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, cmn.NewErr(cmn.KindObjectMissing, err, "gcsstore: read %s/%s", ns, name)
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: read %s/%s", ns, name)
	}
	return r, nil
}

func (s *GCSStore) Write(ctx context.Context, ns, name string, r io.Reader, cond WriteCondition) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(ns, name))
	if cond.MustNotExist {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: write %s/%s", ns, name)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if cond.MustNotExist && errors.As(err, &apiErr) && apiErr.Code == 412 {
			return cmn.NewErr(cmn.KindFenced, nil, "gcsstore: %s/%s already exists", ns, name)
		}
		return cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: write %s/%s", ns, name)
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, ns, name string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.objectName(ns, name)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if isGCSNotFound(err) {
		return false, nil
	}
	return false, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: exists %s/%s", ns, name)
}

func (s *GCSStore) Size(ctx context.Context, ns, name string) (int64, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(s.objectName(ns, name)).Attrs(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return 0, cmn.NewErr(cmn.KindObjectMissing, err, "gcsstore: size %s/%s", ns, name)
		}
		return 0, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: size %s/%s", ns, name)
	}
	return attrs.Size, nil
}

func (s *GCSStore) Checksum(ctx context.Context, ns, name string) (cos.Cksum, error) {
	r, err := s.Read(ctx, ns, name)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return cos.Cksum{}, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: checksum %s/%s", ns, name)
	}
	return cos.ComputeCksum(data), nil
}

func (s *GCSStore) Remove(ctx context.Context, ns, name string, mayNotExist bool) error {
	err := s.client.Bucket(s.bucket).Object(s.objectName(ns, name)).Delete(ctx)
	if err != nil {
		if isGCSNotFound(err) && mayNotExist {
			return nil
		}
		return cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: remove %s/%s", ns, name)
	}
	return nil
}

func (s *GCSStore) PartialRead(ctx context.Context, ns, name string, slices []PartialSlice, _ bool, fallback func(PartialSlice) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(slices))
	for i, sl := range slices {
		r, err := s.client.Bucket(s.bucket).Object(s.objectName(ns, name)).NewRangeReader(ctx, sl.Offset, sl.Length)
		if err != nil {
			if isGCSNotFound(err) && fallback != nil {
				b, ferr := fallback(sl)
				if ferr != nil {
					return nil, ferr
				}
				out[i] = b
				continue
			}
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: partial read %s/%s slice %d", ns, name, i)
		}
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, r); err != nil {
			r.Close()
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "gcsstore: partial read body %s/%s slice %d", ns, name, i)
		}
		r.Close()
		out[i] = buf.Bytes()
	}
	return out, nil
}
