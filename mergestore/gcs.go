package mergestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
)

// GCSStorage keeps one object per collection: gs://<bucket>/<prefix>/<name>.json.
type GCSStorage struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStorage(client *storage.Client, bucket, prefix string) *GCSStorage {
	return &GCSStorage{client: client, bucket: bucket, prefix: prefix}
}

func (g *GCSStorage) object(name string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(path.Join(g.prefix, name+".json"))
}

func (g *GCSStorage) Load(ctx context.Context, name string) ([]json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	r, err := g.object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", name, err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", name, err)
	}
	var out []json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("gcs decode %s: %w", name, err)
	}
	return out, nil
}

// Save uploads the full collection; the new object generation replaces the
// old one atomically.
func (g *GCSStorage) Save(ctx context.Context, name string, records []json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	w := g.object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if err := json.NewEncoder(w).Encode(records); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs write %s: %w", name, err)
	}
	return nil
}
