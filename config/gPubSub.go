package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/soporte-collab/informes-sub003/utils"
	"google.golang.org/api/option"
)

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// pubSubProjectID prefers PUBSUB_PROJECT_ID, then the project Cloud Run sets.
func pubSubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func pubSubOptions() []option.ClientOption {
	if credJSON := strings.TrimSpace(os.Getenv("PUBSUB_CREDENTIALS_JSON")); credJSON != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(credJSON))}
	}
	return nil
}

// GetClient returns the shared Pub/Sub client, connecting on first use with
// up to PUBSUB_CONNECT_ATTEMPTS tries. PUBSUB_EMULATOR_HOST is honoured by
// the client library itself.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	opts := pubSubOptions()
	attempts := utils.EnvInt("PUBSUB_CONNECT_ATTEMPTS", 5)
	client, err := retryConnect(ctx, "pubsub", attempts, func(ctx context.Context) (*pubsub.Client, error) {
		return pubsub.NewClient(ctx, projectID, opts...)
	})
	if err != nil {
		return nil, err
	}
	pubsubClient = client
	return client, nil
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topic, err)
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}
