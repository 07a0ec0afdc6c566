package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// AzureStore maps one container to the ObjectStore trait, namespaced
// the same way S3Store is: "<namespace>/<name>" blob names, listed via
// a "/" hierarchical delimiter.
type AzureStore struct {
	client    *azblob.Client
	container string
}

func NewAzureStore(accountURL, containerName string, cred azcore.TokenCredential) (*AzureStore, error) {
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: new client")
	}
	return &AzureStore{client: client, container: containerName}, nil
}

func (s *AzureStore) blobName(ns, name string) string { return path.Join(ns, name) }

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return false
}

func (s *AzureStore) ListNamespaces(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	pager := s.client.NewListBlobsHierarchyPager(s.container, "/", nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: list namespaces")
		}
		for _, p := range page.Segment.BlobPrefixes {
			seen[strings.TrimSuffix(*p.Name, "/")] = true
		}
	}
	var out []string
	for ns := range seen {
		out = append(out, ns)
	}
	return out, nil
}

func (s *AzureStore) CreateNamespace(context.Context, string) error { return nil }

func (s *AzureStore) DeleteNamespace(ctx context.Context, ns string) error {
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

func (s *AzureStore) ListObjects(ctx context.Context, ns string) ([]string, error) {
	prefix := ns + "/"
	var out []string
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: list objects %s", ns)
		}
		for _, b := range page.Segment.BlobItems {
			out = append(out, strings.TrimPrefix(*b.Name, prefix))
		}
	}
	return out, nil
}

func (s *AzureStore) Read(ctx context.Context, ns, name string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(ns, name), nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, cmn.NewErr(cmn.KindObjectMissing, err, "azurestore: read %s/%s", ns, name)
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: read %s/%s", ns, name)
	}
	return resp.Body, nil
}

func (s *AzureStore) Write(ctx context.Context, ns, name string, r io.Reader, cond WriteCondition) error {
	var opts *azblob.UploadStreamOptions
	if cond.MustNotExist {
		star := azcore.ETag("*")
		opts = &azblob.UploadStreamOptions{
			AccessConditions: &container.BlobAccessConditions{
				ModifiedAccessConditions: &container.ModifiedAccessConditions{IfNoneMatch: &star},
			},
		}
	}
	_, err := s.client.UploadStream(ctx, s.container, s.blobName(ns, name), r, opts)
	if err != nil {
		if cond.MustNotExist && isPreconditionFailed(err) {
			return cmn.NewErr(cmn.KindFenced, nil, "azurestore: %s/%s already exists", ns, name)
		}
		return cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: write %s/%s", ns, name)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 412
	}
	return false
}

func (s *AzureStore) Exists(ctx context.Context, ns, name string) (bool, error) {
	_, err := s.Size(ctx, ns, name)
	if err == nil {
		return true, nil
	}
	if cmn.IsKind(err, cmn.KindObjectMissing) {
		return false, nil
	}
	return false, err
}

func (s *AzureStore) Size(ctx context.Context, ns, name string) (int64, error) {
	props, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(s.blobName(ns, name)).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return 0, cmn.NewErr(cmn.KindObjectMissing, err, "azurestore: size %s/%s", ns, name)
		}
		return 0, cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: size %s/%s", ns, name)
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

func (s *AzureStore) Checksum(ctx context.Context, ns, name string) (cos.Cksum, error) {
	r, err := s.Read(ctx, ns, name)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return cos.Cksum{}, cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: checksum %s/%s", ns, name)
	}
	return cos.ComputeCksum(data), nil
}

func (s *AzureStore) Remove(ctx context.Context, ns, name string, mayNotExist bool) error {
	_, err := s.client.DeleteBlob(ctx, s.container, s.blobName(ns, name), nil)
	if err != nil {
		if isAzureNotFound(err) && mayNotExist {
			return nil
		}
		return cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: remove %s/%s", ns, name)
	}
	return nil
}

func (s *AzureStore) PartialRead(ctx context.Context, ns, name string, slices []PartialSlice, _ bool, fallback func(PartialSlice) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(slices))
	for i, sl := range slices {
		count := sl.Length
		resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(ns, name), &azblob.DownloadStreamOptions{
			Range: azblob.HTTPRange{Offset: sl.Offset, Count: count},
		})
		if err != nil {
			if isAzureNotFound(err) && fallback != nil {
				b, ferr := fallback(sl)
				if ferr != nil {
					return nil, ferr
				}
				out[i] = b
				continue
			}
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: partial read %s/%s slice %d (range %s)", ns, name, i, strconv.FormatInt(sl.Offset, 10))
		}
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, resp.Body); err != nil {
			resp.Body.Close()
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "azurestore: partial read body %s/%s slice %d", ns, name, i)
		}
		resp.Body.Close()
		out[i] = buf.Bytes()
	}
	return out, nil
}
