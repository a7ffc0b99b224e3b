package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a snapshot has not been written yet.
var ErrNotFound = errors.New("storage: snapshot not found")

// LocalSnapshotStore writes snapshots into a directory. Writes go through a
// temp file and rename so readers never see a partial JPEG.
type LocalSnapshotStore struct {
	dir string
}

func NewLocalSnapshotStore(dir string) (*LocalSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir %s: %w", dir, err)
	}
	return &LocalSnapshotStore{dir: dir}, nil
}

func (s *LocalSnapshotStore) Dir() string { return s.dir }

// Path returns where name is stored. name is reduced to its base.
func (s *LocalSnapshotStore) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *LocalSnapshotStore) Save(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := s.Path(name)

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return &StorageError{Op: "save", Key: name, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return &StorageError{Op: "save", Key: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &StorageError{Op: "save", Key: name, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return &StorageError{Op: "save", Key: name, Err: err}
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return &StorageError{Op: "save", Key: name, Err: err}
	}
	return nil
}

// Exists reports whether name has been written.
func (s *LocalSnapshotStore) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && !info.IsDir()
}

// Load reads a stored snapshot.
func (s *LocalSnapshotStore) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Key: name, Err: err}
	}
	return data, nil
}
