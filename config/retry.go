package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// retryConnect calls connect until it succeeds, ctx is done, or attempts
// run out. attempts <= 0 means no limit.
func retryConnect[T any](ctx context.Context, name string, attempts int, connect func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := connect(ctx)
		if err == nil {
			logg.WithFields(logrus.Fields{"field": name, "attempt": attempt}).Info("connected")
			return v, nil
		}
		if attempts > 0 && attempt >= attempts {
			return zero, fmt.Errorf("connect %s after %d attempts: %w", name, attempt, err)
		}
		sleep := retrySleep(attempt)
		logg.WithFields(logrus.Fields{"field": name, "attempt": attempt}).
			Warnf("connect failed: %v; retrying in %s", err, sleep)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// retrySleep is 2^attempt seconds, capped at 30s.
func retrySleep(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
