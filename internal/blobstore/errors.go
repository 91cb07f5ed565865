package blobstore

import (
	"errors"
	"fmt"
)

// ErrCorruptEntry marks an entry that exists but cannot be read back. Stores log it
// and report a miss instead of returning it from Get.
var ErrCorruptEntry = errors.New("corrupt entry")

// StoreError is a durable I/O failure. It is never retried by the store itself.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("blobstore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blobstore %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op, path string, err error) error {
	return &StoreError{Op: op, Path: path, Err: err}
}
