// Package storage persists anomaly snapshots and detection events.
package storage

import (
	"context"
	"fmt"
)

// SnapshotStore persists encoded snapshot images by name.
type SnapshotStore interface {
	Save(ctx context.Context, name string, data []byte) error
}

// StorageError describes a failed storage operation
type StorageError struct {
	Op        string
	Key       string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for key %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
