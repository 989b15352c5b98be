package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
)

// RedisStore shares the tunnel between processes. Records are keys with a
// TTL; pub/sub channels announce new requests and responses.
//
//	<prefix>:req:<id>        request JSON
//	<prefix>:claim:<id>      processing marker (SET NX)
//	<prefix>:resp:<id>       response JSON (SET NX, cleared by CreateRequest)
//	<prefix>:pending         sorted set of unclaimed ids by createdAt
//	<prefix>:requests        channel of new request JSON
//	<prefix>:responses:<id>  channel of the response JSON
type RedisStore struct {
	rdb         *redis.Client
	prefix      string
	requestTTL  time.Duration
	responseTTL time.Duration
	logger      *logrus.Logger
}

// NewRedisStore keeps requests for requestTTL (at least the caller timeout)
// and responses for responseTTL.
func NewRedisStore(rdb *redis.Client, prefix string, requestTTL, responseTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "tunnel"
	}
	if requestTTL <= 0 {
		requestTTL = 10 * time.Minute
	}
	if responseTTL <= 0 {
		responseTTL = 15 * time.Minute
	}
	return &RedisStore{
		rdb:         rdb,
		prefix:      prefix,
		requestTTL:  requestTTL,
		responseTTL: responseTTL,
		logger:      config.GetLogger(),
	}
}

func (s *RedisStore) reqKey(id string) string { return s.prefix + ":req:" + id }
func (s *RedisStore) claimKey(id string) string { return s.prefix + ":claim:" + id }
func (s *RedisStore) respKey(id string) string { return s.prefix + ":resp:" + id }
func (s *RedisStore) pendingKey() string { return s.prefix + ":pending" }
func (s *RedisStore) requestsChannel() string { return s.prefix + ":requests" }
func (s *RedisStore) responseChannel(id string) string { return s.prefix + ":responses:" + id }

func (s *RedisStore) CreateRequest(ctx context.Context, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.reqKey(req.ID), b, s.requestTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	// Clear a response left under a reused id before any worker can see
	// the request.
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.respKey(req.ID))
	pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(req.CreatedAt.UnixMilli()), Member: req.ID})
	pipe.Publish(ctx, s.requestsChannel(), b)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetRequest(ctx context.Context, id string) (Request, error) {
	b, err := s.rdb.Get(ctx, s.reqKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, fmt.Errorf("decode request %s: %w", id, err)
	}
	return req, nil
}

func (s *RedisStore) DeleteRequest(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.reqKey(id), s.claimKey(id))
	pipe.ZRem(ctx, s.pendingKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ClaimRequest(ctx context.Context, id string) (bool, error) {
	exists, err := s.rdb.Exists(ctx, s.reqKey(id)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	ok, err := s.rdb.SetNX(ctx, s.claimKey(id), time.Now().UTC().Format(time.RFC3339Nano), s.requestTTL).Result()
	if err != nil || !ok {
		return false, err
	}
	if err := s.rdb.ZRem(ctx, s.pendingKey(), id).Err(); err != nil {
		return true, err
	}
	return true, nil
}

func (s *RedisStore) WriteResponse(ctx context.Context, resp Response) (bool, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return false, err
	}
	ok, err := s.rdb.SetNX(ctx, s.respKey(resp.ID), b, s.responseTTL).Result()
	if err != nil || !ok {
		return false, err
	}
	if err := s.rdb.Publish(ctx, s.responseChannel(resp.ID), b).Err(); err != nil {
		return true, err
	}
	return true, nil
}

func (s *RedisStore) DeleteResponse(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.respKey(id)).Err()
}

func (s *RedisStore) WatchResponse(ctx context.Context, id string) (<-chan Response, error) {
	ps := s.rdb.Subscribe(ctx, s.responseChannel(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe response %s: %w", id, err)
	}
	sub := newSubscription[Response](ctx)

	// Subscribed first, so a response written from here on is either in the
	// key or on the channel.
	if b, err := s.rdb.Get(ctx, s.respKey(id)).Bytes(); err == nil {
		var resp Response
		if err := json.Unmarshal(b, &resp); err == nil {
			sub.deliver(resp)
		}
	} else if !errors.Is(err, redis.Nil) {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var resp Response
				if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
					s.logger.WithFields(logrus.Fields{"field": "tunnel", "id": id}).Warn("undecodable response message: " + err.Error())
					continue
				}
				sub.deliver(resp)
			}
		}
	}()
	return sub.out, nil
}

func (s *RedisStore) WatchRequests(ctx context.Context) (<-chan Request, error) {
	ps := s.rdb.Subscribe(ctx, s.requestsChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe requests: %w", err)
	}
	sub := newSubscription[Request](ctx)

	ids, err := s.rdb.ZRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		req, err := s.GetRequest(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired or deleted by its caller.
			_ = s.rdb.ZRem(ctx, s.pendingKey(), id).Err()
			continue
		}
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		seen[id] = true
		sub.deliver(req)
	}

	go func() {
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var req Request
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
					s.logger.WithFields(logrus.Fields{"field": "tunnel"}).Warn("undecodable request message: " + err.Error())
					continue
				}
				if seen[req.ID] {
					delete(seen, req.ID)
					continue
				}
				sub.deliver(req)
			}
		}
	}()
	return sub.out, nil
}
