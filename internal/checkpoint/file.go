package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	fileExt    = ".ckpt"
	latestFile = "LATEST"
)

// FileStore writes one <id>.ckpt file per record into a directory and keeps
// the most recent id in a LATEST file.
type FileStore struct {
	dir       string
	precision Precision

	mu sync.Mutex
}

func NewFileStore(dir string, precision Precision) *FileStore {
	return &FileStore{dir: dir, precision: precision}
}

func (s *FileStore) Init(_ context.Context) error {
	if s.dir == "" {
		return errors.New("checkpoint directory is required")
	}
	return os.MkdirAll(s.dir, 0o755)
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// writeAtomic writes data to a temporary file and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	if rec.ID == "" || strings.ContainsAny(rec.ID, `/\`) {
		return fmt.Errorf("invalid checkpoint id %q", rec.ID)
	}
	payload, err := Encode(rec, s.precision)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.path(rec.ID), payload); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", rec.ID, err)
	}
	return writeAtomic(filepath.Join(s.dir, latestFile), []byte(rec.ID+"\n"))
}

func (s *FileStore) Load(_ context.Context, id string) (Record, bool, error) {
	payload, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec, err := Decode(payload)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *FileStore) Latest(ctx context.Context) (Record, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, latestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return s.Load(ctx, strings.TrimSpace(string(data)))
}

func (s *FileStore) Close() error { return nil }
