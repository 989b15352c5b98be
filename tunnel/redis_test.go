package tunnel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/soporte-collab/informes-sub003/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_CallerWorker(t *testing.T) {
	rdb := testutil.NewRedis(t)
	store := NewRedisStore(rdb, "test-tunnel", time.Minute, time.Minute)
	ctx := context.Background()

	// A request left before any worker started is picked up on watch.
	early := Request{ID: "early", Kind: "echo", Payload: json.RawMessage(`{"text":"first"}`), CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateRequest(ctx, early))
	assert.ErrorIs(t, store.CreateRequest(ctx, early), ErrAlreadyExists)

	startWorker(t, store, echoWorker(store))

	ch, err := store.WatchResponse(ctxWithTimeout(t, 10*time.Second), "early")
	require.NoError(t, err)
	resp := <-ch
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.JSONEq(t, `{"echo":"FIRST","target":""}`, string(resp.Data))

	caller := NewCaller(store, 10*time.Second)
	data, err := caller.Call(ctx, "echo", json.RawMessage(`{"text":"redis"}`), "t")
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"REDIS","target":"t"}`, string(data))

	_, err = caller.Call(ctx, "fail", nil, "")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestRedisStore_ClaimAndWriteOnce(t *testing.T) {
	rdb := testutil.NewRedis(t)
	store := NewRedisStore(rdb, "test-tunnel", time.Minute, time.Minute)
	ctx := context.Background()

	_, err := store.ClaimRequest(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.CreateRequest(ctx, Request{ID: "r", Kind: "k", CreatedAt: time.Now().UTC()}))
	ok, err := store.ClaimRequest(ctx, "r")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ClaimRequest(ctx, "r")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.WriteResponse(ctx, Response{ID: "r", Status: StatusSuccess})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.WriteResponse(ctx, Response{ID: "r", Status: StatusError})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.DeleteRequest(ctx, "r"))
	_, err = store.GetRequest(ctx, "r")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ReusedIDGetsFreshAnswer(t *testing.T) {
	rdb := testutil.NewRedis(t)
	callWithReusedID(t, NewRedisStore(rdb, "test-tunnel", time.Minute, time.Minute))
}
