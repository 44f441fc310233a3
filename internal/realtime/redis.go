package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

// RedisBus publishes events over Redis Pub/Sub so every service instance sees them
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a bus on top of an existing client
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish encodes evt as JSON and publishes it on topic
func (b *RedisBus) Publish(ctx context.Context, topic string, evt Event) error {
	evt.Topic = topic
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		metrics.BusPublishTotal.WithLabelValues(topicKind(topic), "error").Inc()
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	metrics.BusPublishTotal.WithLabelValues(topicKind(topic), "success").Inc()
	return nil
}

// Subscribe opens a Pub/Sub connection and waits for the server to confirm it
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topics...)

	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}

	s := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Event, constants.SubscriptionBuffer),
		done:   make(chan struct{}),
	}
	go s.forward(ctx, pubsub.Channel(redis.WithChannelSize(constants.SubscriptionBuffer*4)))

	return s, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) forward(ctx context.Context, ch <-chan *redis.Message) {
	defer close(s.out)
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logger.Warn("Failed to unmarshal bus event",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			evt.Topic = msg.Channel

			select {
			case s.out <- evt:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// topicKind strips the ID from a topic for metric labels
func topicKind(topic string) string {
	if i := strings.Index(topic, ":"); i > 0 {
		return topic[:i]
	}
	return topic
}
