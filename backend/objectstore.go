// Package backend defines the ObjectStore trait and its concrete
// implementations: one per supported object store, plus a
// filesystem-backed store for local development and tests.
package backend

import (
	"context"
	"io"

	"github.com/openvstorage/volumedriver/cmn/cos"
)

// WriteCondition constrains a write so the backend can enforce
// OwnerTag fencing without a round trip: a write only lands if the
// object is currently absent, or currently has the given checksum.
// MustNotExist is checked by every store in this package; IfChecksum
// is checked only by LocalStore, and the other stores ignore it.
type WriteCondition struct {
	MustNotExist bool
	IfChecksum   *cos.Cksum
}

// PartialSlice is one byte range of a partial_read request.
type PartialSlice struct {
	Offset int64
	Length int64
}

// ObjectStore is the opaque named-blob store every namespace's SCOs,
// TLogs, and metadata objects live in. Implementations must be safe
// for concurrent use.
type ObjectStore interface {
	ListNamespaces(ctx context.Context) ([]string, error)
	CreateNamespace(ctx context.Context, ns string) error
	DeleteNamespace(ctx context.Context, ns string) error
	ListObjects(ctx context.Context, ns string) ([]string, error)

	Read(ctx context.Context, ns, name string) (io.ReadCloser, error)
	Write(ctx context.Context, ns, name string, r io.Reader, cond WriteCondition) error
	Exists(ctx context.Context, ns, name string) (bool, error)
	Size(ctx context.Context, ns, name string) (int64, error)
	Checksum(ctx context.Context, ns, name string) (cos.Cksum, error)
	Remove(ctx context.Context, ns, name string, mayNotExist bool) error

	// PartialRead reads disjoint byte ranges in one call.
	// insistOnLatest is accepted for interface compatibility; none of
	// the stores in this package act on it. fallback supplies
	// data for ranges that come back short/missing rather than erroring.
	PartialRead(ctx context.Context, ns, name string, slices []PartialSlice, insistOnLatest bool, fallback func(PartialSlice) ([]byte, error)) ([][]byte, error)
}
