// Package pubsub mirrors the broadcast stream onto an out-of-process bus.
// The mirror is best-effort: it exists for downstream integrations and
// never gates the relay pipeline.
package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Backend abstracts the bus. Redis for low-latency fan-out, Kafka when the
// mirror itself needs durability.
type Backend interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Config selects and configures the mirror backend.
type Config struct {
	Backend string // "none", "redis" or "kafka"
	Addr    string // redis address or kafka broker
	Channel string // redis channel / kafka topic
}

// New builds the configured backend. Backend "none" (or empty) returns
// nil, nil: the mirror is disabled.
func New(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "redis":
		return NewRedisBackend(cfg.Addr), nil
	case "kafka":
		return NewKafkaBackend([]string{cfg.Addr}, cfg.Channel), nil
	default:
		return nil, fmt.Errorf("unknown pubsub backend %q", cfg.Backend)
	}
}

// RedisBackend publishes over Redis pub/sub.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(addr string) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (r *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// KafkaBackend publishes to a Kafka topic.
type KafkaBackend struct {
	writer *kafka.Writer
}

func NewKafkaBackend(brokers []string, topic string) *KafkaBackend {
	return &KafkaBackend{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (k *KafkaBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (k *KafkaBackend) Close() error {
	return k.writer.Close()
}
