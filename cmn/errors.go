// Package cmn holds types and constants shared across the module:
// the error taxonomy, runtime configuration, and small helpers that
// don't belong to any one component.
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a closed taxonomy of failure classes. VolumeEngine maps every
// internal failure to one of these before it crosses the component
// boundary into a front-end, so callers can switch on Kind rather than
// parse strings.
type Kind string

const (
	KindTransientBackend Kind = "TransientBackend"
	KindNamespaceMissing Kind = "NamespaceMissing"
	KindObjectMissing    Kind = "ObjectMissing"
	KindChecksumMismatch Kind = "ChecksumMismatch"
	KindFocUnreachable   Kind = "FocUnreachable"
	KindOutOfSpace       Kind = "OutOfSpace"
	KindFenced           Kind = "Fenced"
	KindHalted           Kind = "Halted"
	KindBadRequest       Kind = "BadRequest"
	KindCancelled        Kind = "Cancelled"
)

// Err is the concrete error type carrying a Kind plus whatever the
// component wrapped it with. Policy tables (retry, halt, degrade) key
// off Kind via errors.As.
type Err struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Err) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Err) Unwrap() error { return e.cause }

func NewErr(kind Kind, cause error, format string, args ...interface{}) *Err {
	return &Err{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func IsKind(err error, kind Kind) bool {
	var e *Err
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the failure policy calls for a
// retry-with-backoff rather than immediate surfacing.
func Retryable(err error) bool {
	return IsKind(err, KindTransientBackend)
}

// Wrap adds stack context via pkg/errors while preserving Kind lookup
// through Unwrap, used at goroutine boundaries (promoter workers, FOC
// I/O thread) so the original site survives in logs.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(err, msg)
}
