package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"newtonchat/pkg/comm"
)

// FileStore keeps the latest snapshot in one JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Save replaces the file atomically.
func (s *FileStore) Save(ctx context.Context, snap comm.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := atomicWrite(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (comm.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return comm.Snapshot{}, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return comm.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return comm.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snap comm.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return comm.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	return snap, nil
}

func (s *FileStore) Close() error {
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".newtonchat-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	cleanup = false
	return nil
}
