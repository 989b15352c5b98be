package config

import (
	"context"
	"os"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/soporte-collab/informes-sub003/utils"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB returns the client set by ConnectRedisWithRetry, or nil.
func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

func redisOptionsFromEnv() *redis.Options {
	return &redis.Options{
		Addr:     utils.EnvString("REDIS_ADDRESS", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       utils.EnvInt("REDIS_DB", 0),
		PoolSize: utils.EnvInt("REDIS_POOL_SIZE", 100),
	}
}

// ConnectRedisWithRetry blocks until Redis answers PING, then sets the
// shared client and lock client. Call it after the HTTP server listens.
func ConnectRedisWithRetry() {
	opts := redisOptionsFromEnv()
	client, err := retryConnect(context.Background(), "redis", 0, func(ctx context.Context) (*redis.Client, error) {
		c := redis.NewClient(opts)
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		logg.WithField("field", "redis").Fatal(err)
	}
	rdb = client
	locker = redislock.New(rdb)
}
