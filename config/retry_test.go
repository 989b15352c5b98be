package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryConnect(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("first success", func(t *testing.T) {
		calls := 0
		v, err := retryConnect(context.Background(), "test", 3, func(context.Context) (string, error) {
			calls++
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, 1, calls)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		_, err := retryConnect(context.Background(), "test", 1, func(context.Context) (int, error) {
			return 0, boom
		})
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "after 1 attempts")
	})

	t.Run("context done stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		_, err := retryConnect(ctx, "test", 0, func(context.Context) (int, error) {
			return 0, boom
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestRetrySleep(t *testing.T) {
	assert.Equal(t, 2*time.Second, retrySleep(1))
	assert.Equal(t, 16*time.Second, retrySleep(4))
	assert.Equal(t, 30*time.Second, retrySleep(9))
}
