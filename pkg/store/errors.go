package store

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var (
	// ErrNotFound reports a document that does not exist (or was deleted by
	// the other participant mid-operation).
	ErrNotFound = errors.New("document not found")
	// ErrStoreUnavailable reports a storage-layer failure. Callers surface
	// it as a transient error; the store performs no retries on it.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTxnConflict reports an optimistic transaction that still conflicted
	// after exhausting its retry budget.
	ErrTxnConflict = errors.New("transaction conflict")
)

// mapErr normalizes pebble errors into the store taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
