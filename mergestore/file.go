package mergestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStorage keeps one JSON array file per collection under Dir.
type FileStorage struct {
	Dir string
}

func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{Dir: dir}
}

func (f *FileStorage) path(name string) string {
	return filepath.Join(f.Dir, name+".json")
}

func (f *FileStorage) Load(_ context.Context, name string) ([]json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("collection file %s: %w", f.path(name), err)
	}
	return out, nil
}

// Save writes to a temp file in the same directory and renames it over the
// old one, so readers never see a partial collection.
func (f *FileStorage) Save(_ context.Context, name string, records []json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.Dir, name+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path(name))
}
