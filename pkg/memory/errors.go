package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleBucket rejects writes to a bucket that has already been
	// promoted. Callers must re-fetch current tier state.
	ErrStaleBucket = errors.New("bucket already promoted")

	// ErrProtected rejects eviction or trimming of a protected entry.
	ErrProtected = errors.New("entry is protected")

	// ErrOracleTimeout marks an oracle call that did not answer in time.
	ErrOracleTimeout = errors.New("oracle call timed out")

	// ErrOracleMalformed marks an oracle response that failed validation.
	ErrOracleMalformed = errors.New("oracle returned malformed output")

	// ErrBucketNotFound marks a lookup for a bucket that exists in no tier.
	ErrBucketNotFound = errors.New("bucket not found")
)

// StorageError wraps an I/O failure of the backing medium. The operation
// that produced it was aborted without partial writes.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}
