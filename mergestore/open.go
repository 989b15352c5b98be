package mergestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/models"
)

// OpenMerger builds the storage selected by COLLECTION_STORE and the locker
// that fits it: redislock when Redis is connected, a process mutex
// otherwise. The mysql and redis stores expect config's connections to be
// up.
func OpenMerger(ctx context.Context, s config.CollectionSettings) (*Merger, error) {
	storage, err := OpenStorage(ctx, s)
	if err != nil {
		return nil, err
	}
	var locker Locker = NewLocalLocker()
	if rl := config.GetRedisLock(); rl != nil {
		locker = NewRedisLocker(rl, 2*time.Minute)
	}
	return NewMerger(storage, locker), nil
}

func OpenStorage(ctx context.Context, s config.CollectionSettings) (Storage, error) {
	switch s.Store {
	case "memory":
		return NewMemoryStorage(), nil
	case "", "file":
		return NewFileStorage(s.Dir), nil
	case "gcs":
		client, err := config.GetGCSClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return NewGCSStorage(client, s.Bucket, s.Prefix), nil
	case "mysql":
		db := config.GetDB()
		if db == nil {
			return nil, errors.New("collection store mysql: database not connected")
		}
		if err := models.MigrateTable(db); err != nil {
			return nil, err
		}
		return NewGormStorage(db), nil
	case "redis":
		rdb := config.GetRedisDB()
		if rdb == nil {
			return nil, errors.New("collection store redis: redis not connected")
		}
		return NewRedisStorage(rdb, s.Prefix), nil
	}
	return nil, fmt.Errorf("unknown collection store %q", s.Store)
}
