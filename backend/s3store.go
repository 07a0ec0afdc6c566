package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// S3Store maps one bucket to the ObjectStore trait, with each
// namespace living under a "<namespace>/" key prefix -- S3 has no
// native notion of namespaces, so ListNamespaces falls back to a
// delimited listing on "/".
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: load aws config")
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{client: client, uploader: manager.NewUploader(client), bucket: bucket}, nil
}

func (s *S3Store) key(ns, name string) string { return path.Join(ns, name) }

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

func (s *S3Store) ListNamespaces(ctx context.Context) ([]string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: list namespaces")
	}
	var ns []string
	for _, p := range out.CommonPrefixes {
		ns = append(ns, (*p.Prefix)[:len(*p.Prefix)-1])
	}
	return ns, nil
}

// CreateNamespace/DeleteNamespace are no-ops beyond bookkeeping: S3
// "directories" are just key prefixes and come and go with their
// objects. DeleteNamespace removes every object currently under the
// prefix.
func (s *S3Store) CreateNamespace(context.Context, string) error { return nil }

func (s *S3Store) DeleteNamespace(ctx context.Context, ns string) error {
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

func (s *S3Store) ListObjects(ctx context.Context, ns string) ([]string, error) {
	prefix := ns + "/"
	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: list objects %s", ns)
		}
		for _, obj := range page.Contents {
			out = append(out, (*obj.Key)[len(prefix):])
		}
	}
	return out, nil
}

func (s *S3Store) Read(ctx context.Context, ns, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ns, name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, cmn.NewErr(cmn.KindObjectMissing, err, "s3store: read %s/%s", ns, name)
		}
		return nil, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: read %s/%s", ns, name)
	}
	return out.Body, nil
}

func (s *S3Store) Write(ctx context.Context, ns, name string, r io.Reader, cond WriteCondition) error {
	if cond.MustNotExist {
		if exists, err := s.Exists(ctx, ns, name); err != nil {
			return err
		} else if exists {
			return cmn.NewErr(cmn.KindFenced, nil, "s3store: %s/%s already exists", ns, name)
		}
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ns, name)),
		Body:   r,
	})
	if err != nil {
		return cmn.NewErr(cmn.KindTransientBackend, err, "s3store: write %s/%s", ns, name)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, ns, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ns, name)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: exists %s/%s", ns, name)
	}
	return true, nil
}

func (s *S3Store) Size(ctx context.Context, ns, name string) (int64, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ns, name)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, cmn.NewErr(cmn.KindObjectMissing, err, "s3store: size %s/%s", ns, name)
		}
		return 0, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: size %s/%s", ns, name)
	}
	if head.ContentLength == nil {
		return 0, nil
	}
	return *head.ContentLength, nil
}

// Checksum reads the whole object and hashes it; S3's ETag is not
// used, since a multipart ETag is not a hash of the object's content.
func (s *S3Store) Checksum(ctx context.Context, ns, name string) (cos.Cksum, error) {
	r, err := s.Read(ctx, ns, name)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return cos.Cksum{}, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: checksum %s/%s", ns, name)
	}
	return cos.ComputeCksum(data), nil
}

func (s *S3Store) Remove(ctx context.Context, ns, name string, mayNotExist bool) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ns, name)),
	})
	if err != nil {
		if isNotFound(err) && mayNotExist {
			return nil
		}
		return cmn.NewErr(cmn.KindTransientBackend, err, "s3store: remove %s/%s", ns, name)
	}
	return nil
}

func (s *S3Store) PartialRead(ctx context.Context, ns, name string, slices []PartialSlice, _ bool, fallback func(PartialSlice) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(slices))
	for i, sl := range slices {
		rng := aws.String(byteRange(sl))
		res, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(ns, name)),
			Range:  rng,
		})
		if err != nil {
			if isNotFound(err) && fallback != nil {
				b, ferr := fallback(sl)
				if ferr != nil {
					return nil, ferr
				}
				out[i] = b
				continue
			}
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: partial read %s/%s slice %d", ns, name, i)
		}
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, res.Body); err != nil {
			res.Body.Close()
			return nil, cmn.NewErr(cmn.KindTransientBackend, err, "s3store: partial read body %s/%s slice %d", ns, name, i)
		}
		res.Body.Close()
		out[i] = buf.Bytes()
	}
	return out, nil
}

func byteRange(sl PartialSlice) string {
	return "bytes=" + strconv.FormatInt(sl.Offset, 10) + "-" + strconv.FormatInt(sl.Offset+sl.Length-1, 10)
}
