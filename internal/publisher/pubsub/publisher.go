// Package pubsub delivers record batches to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

// Publisher publishes one message per batch.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	token  string
}

type message struct {
	Token   string           `json:"token,omitempty"`
	Rows    []crawler.Record `json:"rows"`
	Lineage crawler.Lineage  `json:"lineage"`
}

// New creates a Publisher for an existing topic handle.
func New(topic *pubsub.Topic, token string) *Publisher {
	return &Publisher{topic: topic, token: token}
}

// Open dials Pub/Sub and returns a Publisher for projectID/topicID. Close
// releases the client.
func Open(ctx context.Context, projectID, topicID, token string, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" {
		return nil, &crawler.ConfigurationError{Field: "sink.project_id", Reason: "required for pubsub sink"}
	}
	if topicID == "" {
		return nil, &crawler.ConfigurationError{Field: "sink.topic", Reason: "required for pubsub sink"}
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(topicID), token: token}, nil
}

// Deliver marshals the batch to JSON and waits for the server ack.
func (p *Publisher) Deliver(ctx context.Context, batch crawler.DeliveryBatch) error {
	if p.topic == nil {
		return &crawler.DeliveryError{Err: errors.New("pubsub topic is not configured")}
	}
	data, err := json.Marshal(message{Token: p.token, Rows: batch.Records, Lineage: batch.Lineage})
	if err != nil {
		return &crawler.DeliveryError{Err: fmt.Errorf("marshal batch: %w", err)}
	}

	msg := &pubsub.Message{Data: data, Attributes: lineageAttributes(batch.Lineage)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return &crawler.DeliveryError{Err: fmt.Errorf("publish message: %w", err)}
	}
	return nil
}

// Close flushes pending publishes and closes the client when Open created it.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func lineageAttributes(l crawler.Lineage) map[string]string {
	return map[string]string{
		"run_id":     l.RunID,
		"source":     l.SourceID,
		"shard":      l.Shard.String(),
		"first_page": strconv.Itoa(l.FirstPage),
		"last_page":  strconv.Itoa(l.LastPage),
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
