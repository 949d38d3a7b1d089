package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the deferred ids as a JSON array in <dir>/<key>.json,
// the same layout the browser client used in local storage.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(dir, key string) (*FileStore, error) {
	if key == "" {
		key = DefaultDeferredKey
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create deferred dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, key+".json")}, nil
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(ctx context.Context) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) Add(ctx context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, err := f.read()
	if err != nil {
		return err
	}
	for _, v := range ids {
		if v == id {
			return nil
		}
	}
	return f.write(append(ids, id))
}

func (f *FileStore) read() ([]uint64, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read deferred ids: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var ids []uint64
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("decode deferred ids: %w", err)
	}
	return ids, nil
}

// write replaces the file through a rename so a crash never leaves a torn list.
func (f *FileStore) write(ids []uint64) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write deferred ids: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace deferred ids: %w", err)
	}
	return nil
}
