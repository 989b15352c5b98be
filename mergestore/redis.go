package mergestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps each collection as one JSON value under <prefix>:<name>.
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStorage(rdb *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "collections"
	}
	return &RedisStorage{rdb: rdb, prefix: prefix}
}

func (r *RedisStorage) key(name string) string {
	return r.prefix + ":" + name
}

func (r *RedisStorage) Load(ctx context.Context, name string) ([]json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b, err := r.rdb.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", name, err)
	}
	return out, nil
}

func (r *RedisStorage) Save(ctx context.Context, name string, records []json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(name), b, 0).Err()
}
