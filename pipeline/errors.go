package pipeline

import (
	"context"
	"errors"

	"github.com/kalio007/ipfs-pinning-infra/store"
	"github.com/kalio007/ipfs-pinning-infra/store/overflow"
)

// Kind classifies a pipeline failure for the caller.
type Kind int

const (
	// KindInternal covers persistence failures and anything unexpected.
	KindInternal Kind = iota
	// KindClient means the request itself was malformed.
	KindClient
	// KindNotFound means no record exists for the requested id or CID.
	KindNotFound
	// KindUnavailable means a backing store could not be reached in time.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client_error"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "backend_unavailable"
	default:
		return "internal_error"
	}
}

// Error is returned by every pipeline operation that fails.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// storeError classifies a content or overflow store failure.
func storeError(op string, err error) *Error {
	switch {
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, store.ErrNotAvailable),
		errors.Is(err, overflow.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return newError(KindUnavailable, op, err)
	default:
		return newError(KindInternal, op, err)
	}
}

// outcome is the metric label for an operation result.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return KindOf(err).String()
}
