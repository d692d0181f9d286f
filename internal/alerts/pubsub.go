package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes alerts to a Google Cloud Pub/Sub topic for durable,
// at-least-once delivery to downstream consumers (pager, dashboard, archive).
// Messages are ordered per service so a consumer sees one service's alerts
// in emission order.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects and ensures the topic exists.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created pubsub alert topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true
	return &PubSubSink{client: client, topic: topic}, nil
}

// Send publishes the alert without waiting for the server ack; publish
// failures are logged, never surfaced to the cycle.
func (s *PubSubSink) Send(ctx context.Context, a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		slog.Error("marshal alert for pubsub", "error", err)
		return
	}
	res := s.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: string(a.Service),
		Attributes: map[string]string{
			"severity": string(a.Severity),
			"service":  string(a.Service),
		},
	})
	go func() {
		if _, err := res.Get(context.Background()); err != nil {
			slog.Error("pubsub alert publish failed", "title", a.Title, "error", err)
		}
	}()
}

// Close flushes pending publishes and closes the client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	return s.client.Close()
}
