// Package pubsub publishes archive lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"
)

// Config captures the parameters required to publish to Pub/Sub.
type Config struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	// TopicPrefix is prepended to every topic name passed to Publish,
	// so one deployment's events never leak into another's topics.
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
}

// Notifier publishes job and task lifecycle events. Publishing is
// fire-and-forget: the client batches and retries in the background and
// a lost event never blocks or fails the archive pipeline.
type Notifier struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger
}

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// NewNotifier creates a Pub/Sub client using Application Default Credentials
// and verifies the project is reachable.
func NewNotifier(ctx context.Context, cfg Config, logger *zap.Logger) (*Notifier, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &Notifier{client: client, cfg: cfg, logger: logger}, nil
}

// EnsureTopic verifies the topic exists and is active before first use.
func (n *Notifier) EnsureTopic(ctx context.Context, topicID string) error {
	request := &pubsubpb.GetTopicRequest{
		Topic: fullTopicName(n.cfg.ProjectID, n.topicID(topicID)),
	}
	topic, err := n.client.TopicAdminClient.GetTopic(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to get pubsub topic %q: %w", topicID, err)
	}
	if topic.State != pubsubpb.Topic_ACTIVE {
		return fmt.Errorf("pubsub topic %q is not active in project %q", topicID, n.cfg.ProjectID)
	}
	return nil
}

// Publish serializes payload as JSON and sends it to topic. The returned
// id is a local correlation handle; delivery happens asynchronously.
func (n *Notifier) Publish(ctx context.Context, topic string, payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}

	publisher := n.client.Publisher(fullTopicName(n.cfg.ProjectID, n.topicID(topic)))
	result := publisher.Publish(ctx, &pubsub.Message{Data: data})

	// Drain the result off the hot path so publish failures still surface
	// in the logs without blocking the caller.
	go func() {
		id, err := result.Get(context.WithoutCancel(ctx))
		if err != nil {
			n.logger.Warn("pubsub publish failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
			return
		}
		n.logger.Debug("pubsub event published",
			zap.String("topic", topic),
			zap.String("message_id", id),
		)
	}()

	return "", nil
}

// Close closes the underlying client connection.
func (n *Notifier) Close() error {
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

func (n *Notifier) topicID(topic string) string {
	if n.cfg.TopicPrefix == "" {
		return topic
	}
	return n.cfg.TopicPrefix + "." + topic
}
