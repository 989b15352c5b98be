package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
)

// Caller is the side that cannot reach the upstream directly. It leaves a
// request in the Store and waits for a worker to answer it.
type Caller struct {
	store    Store
	timeout  time.Duration
	notifier Notifier
	logger   *logrus.Logger

	newID func() string
	now   func() time.Time
}

type CallerOption func(*Caller)

// WithNotifier announces each new request, e.g. over Pub/Sub, for workers that
// are not watching the store.
func WithNotifier(n Notifier) CallerOption {
	return func(c *Caller) { c.notifier = n }
}

func WithCallerLogger(l *logrus.Logger) CallerOption {
	return func(c *Caller) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCaller(store Store, timeout time.Duration, opts ...CallerOption) *Caller {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c := &Caller{
		store:   store,
		timeout: timeout,
		logger:  config.GetLogger(),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call creates a request and blocks until its response arrives, the timeout
// fires, or ctx ends. An ERROR response is returned as *RemoteError; no
// response in time is ErrCallerTimeout.
func (c *Caller) Call(ctx context.Context, kind string, payload json.RawMessage, target string) (json.RawMessage, error) {
	if kind == "" {
		return nil, errors.New("tunnel call: kind is required")
	}
	req := Request{
		ID:        c.newID(),
		Kind:      kind,
		Payload:   payload,
		Target:    target,
		CreatedAt: c.now().UTC(),
	}
	log := c.logger.WithFields(logrus.Fields{
		"field":          "tunnel",
		"correlation_id": req.ID,
		"kind":           kind,
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	// Watch before creating so a fast worker cannot answer unseen.
	responses, err := c.store.WatchResponse(watchCtx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("watch response: %w", err)
	}
	if err := c.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	defer c.cleanup(ctx, req.ID, log)

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, req); err != nil {
			log.Warn("notify workers failed: " + err.Error())
		}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			log.Warn("no response before timeout")
			return nil, ErrCallerTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp, ok := <-responses:
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errors.New("tunnel response watch closed")
			}
			if resp.StaleFor(req) {
				log.WithField("produced_at", resp.ProducedAt).Debug("ignoring stale response")
				continue
			}
			if resp.Status == StatusError {
				return nil, &RemoteError{ID: req.ID, Kind: kind, Message: resp.Message}
			}
			return resp.Data, nil
		}
	}
}

func (c *Caller) cleanup(ctx context.Context, id string, log *logrus.Entry) {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.DeleteRequest(ctx, id); err != nil {
		log.Warn("delete request: " + err.Error())
	}
	if err := c.store.DeleteResponse(ctx, id); err != nil {
		log.Warn("delete response: " + err.Error())
	}
}
