package mergestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Record is anything with an identity derived from its own fields.
type Record interface {
	MergeKey() string
}

type MergeResult struct {
	Collection string `json:"collection"`
	Before     int    `json:"before"`
	Inserted   int    `json:"inserted"`
	// Updated counts incoming records whose key already existed; they
	// replaced the stored record.
	Updated int `json:"updated"`
	// Unchanged is the subset of Updated whose decoded value was identical.
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

// Load decodes a whole collection.
func Load[T any](ctx context.Context, s Storage, name string) ([]T, error) {
	raws, err := s.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s[%d]: %w", name, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Merge upserts records into the named collection by MergeKey: new data
// wins, stored order is kept and unseen keys are appended in input order.
// Merging the same records twice leaves the collection as after once.
//
// Merge does not lock. Two concurrent merges on one collection can lose
// writes; serialize them with a Merger.
func Merge[T Record](ctx context.Context, s Storage, name string, records []T) (MergeResult, error) {
	res := MergeResult{Collection: name}

	existing, err := s.Load(ctx, name)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", name, err)
	}
	res.Before = len(existing)

	keys := make([]string, 0, len(existing)+len(records))
	byKey := make(map[string]json.RawMessage, len(existing)+len(records))
	// canon holds each stored record re-encoded from its decoded value, so
	// backends that reformat JSON (MySQL json columns) still compare equal.
	canon := make(map[string][]byte, len(existing)+len(records))
	for i, raw := range existing {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return res, fmt.Errorf("decode %s[%d]: %w", name, i, err)
		}
		k := v.MergeKey()
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = raw
		enc, err := json.Marshal(v)
		if err != nil {
			return res, fmt.Errorf("encode %s[%d]: %w", name, i, err)
		}
		canon[k] = enc
	}

	for _, r := range records {
		k := r.MergeKey()
		if k == "" {
			res.Skipped++
			continue
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return res, fmt.Errorf("encode %s record %q: %w", name, k, err)
		}
		prev, ok := canon[k]
		switch {
		case !ok:
			keys = append(keys, k)
			res.Inserted++
		default:
			res.Updated++
			if bytes.Equal(prev, raw) {
				res.Unchanged++
			}
		}
		byKey[k] = raw
		canon[k] = raw
	}

	out := make([]json.RawMessage, len(keys))
	for i, k := range keys {
		out[i] = byKey[k]
	}
	if err := s.Save(ctx, name, out); err != nil {
		return res, fmt.Errorf("save %s: %w", name, err)
	}
	res.Total = len(out)
	return res, nil
}
