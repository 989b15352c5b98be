package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
)

// PubSubNotifier publishes the id of every new request to a Pub/Sub topic,
// whose push subscription targets PushHandler.
type PubSubNotifier struct {
	topicName   string
	createTopic bool

	mu    sync.Mutex
	topic *pubsub.Topic
}

func NewPubSubNotifier(topicName string, createTopic bool) *PubSubNotifier {
	if topicName == "" {
		topicName = "informes-tunnel"
	}
	return &PubSubNotifier{topicName: topicName, createTopic: createTopic}
}

type pushPayload struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`
}

type pushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func (n *PubSubNotifier) getTopic(ctx context.Context) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.topic != nil {
		return n.topic, nil
	}
	client, err := config.GetClient(ctx)
	if err != nil {
		return nil, err
	}
	topic := client.Topic(n.topicName)
	if n.createTopic {
		topic, err = config.CreateTopicIfNotExists(ctx, client, n.topicName)
		if err != nil {
			return nil, err
		}
	}
	n.topic = topic
	return topic, nil
}

func (n *PubSubNotifier) Notify(ctx context.Context, req Request) error {
	topic, err := n.getTopic(ctx)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(pushPayload{ID: req.ID, Kind: req.Kind})
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": req.Kind},
	})
	_, err = res.Get(ctx)
	return err
}

// Stop flushes pending publishes.
func (n *PubSubNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.topic != nil {
		n.topic.Stop()
	}
}

// PushHandler processes the request named by a Pub/Sub push message. It
// always answers 204 so that bad messages are not redelivered; the caller's
// timeout covers anything lost here.
func PushHandler(store Store, worker *Worker) gin.HandlerFunc {
	logger := config.GetLogger()
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope pushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			logger.WithField("field", "tunnel").Warn("bad push envelope: " + err.Error())
			c.Status(204)
			return
		}

		var payload pushPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil || payload.ID == "" {
			logger.WithFields(logrus.Fields{"field": "tunnel", "message_id": envelope.Message.ID}).Warn("bad push payload")
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		req, err := store.GetRequest(ctx, payload.ID)
		if errors.Is(err, ErrNotFound) {
			c.Status(204)
			return
		}
		if err != nil {
			config.LogError(logger, "tunnel", "PushHandler", payload.ID, nil, err)
			c.Status(204)
			return
		}
		if err := worker.Process(ctx, req); err != nil {
			config.LogError(logger, "tunnel", "PushHandler", payload.ID, req.Kind, err)
		}
		c.Status(204)
	}
}
