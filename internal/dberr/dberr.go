// Package dberr defines the shared store error taxonomy. Adapters wrap
// their failures with these sentinels; the fallback fabric routes on
// them.
package dberr

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrConnection indicates the store could not be reached.
	ErrConnection = errors.New("store connection error")
	// ErrQuery indicates the operation itself is invalid; never
	// retried and never falls through to a secondary store.
	ErrQuery = errors.New("store query error")
	// ErrTimeout indicates a per-call deadline expired.
	ErrTimeout = errors.New("store operation timeout")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("record conflict")
)

// IsFallthrough reports whether err should trigger the next binding in
// a fallback chain. Only unavailability and timeouts fall through.
func IsFallthrough(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout)
}

// IsRetryable reports whether err may be retried on the same store.
func IsRetryable(err error) bool {
	return IsFallthrough(err)
}

// Classify wraps raw driver errors with the matching sentinel. Errors
// already carrying a sentinel pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrConnection), errors.Is(err, ErrQuery),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.Join(ErrTimeout, err)
		}
		return errors.Join(ErrConnection, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Join(ErrConnection, err)
	}

	return errors.Join(ErrQuery, err)
}
