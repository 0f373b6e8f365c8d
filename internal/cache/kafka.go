package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// KafkaConfig holds Kafka bus settings. Kafka suits deployments that want
// the update stream persisted; Redis pub/sub stays the low-latency default.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
	// GroupID is a consumer group prefix. Every instance appends its own
	// ID, giving each one a private group so the topic fans out to all
	// instances instead of being partitioned among them.
	GroupID string `mapstructure:"group_id" yaml:"group_id"`
}

// KafkaBus implements Bus on a Kafka topic with the same fire-and-forget
// contract as the Redis bus.
type KafkaBus struct {
	writer *kafka.Writer
	cfg    KafkaConfig
	self   uuid.UUID
	logger *zap.Logger
}

// NewKafkaBus creates a Kafka-backed bus.
func NewKafkaBus(cfg KafkaConfig, self uuid.UUID, logger *zap.Logger) *KafkaBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: time.Second,
		},
		cfg:    cfg,
		self:   self,
		logger: logger,
	}
}

// Publish implements Bus. Callers stamp msg.Origin with their instance ID.
func (k *KafkaBus) Publish(ctx context.Context, msg models.BusMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("encode").Inc()
		k.logger.Error("failed to encode bus message", zap.Error(err))
		return
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		metrics.CacheErrors.WithLabelValues("publish").Inc()
		k.logger.Warn("kafka publish failed", zap.String("topic", k.cfg.Topic), zap.Error(err))
		return
	}
	metrics.BusMessagesPublished.WithLabelValues(msg.Channel).Inc()
}

// consumerGroup derives the consumer group for this instance. Kafka delivers
// each message to one member per group, so sharing a group across instances
// would partition the stream instead of fanning it out. Suffixing the
// instance ID gives every instance a group of its own.
func (k *KafkaBus) consumerGroup() string {
	base := k.cfg.GroupID
	if base == "" {
		base = "flashcur"
	}
	return base + "-" + k.self.String()
}

// Subscribe implements Bus. Each instance reads under a private consumer
// group so the topic fans out to all of them; the channel argument is matched
// against the envelope since Kafka routing is per-topic.
func (k *KafkaBus) Subscribe(ctx context.Context, channel string, handler func(models.BusMessage)) {
	handler = originFiltered(k.self, handler)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.cfg.Brokers,
		Topic:   k.cfg.Topic,
		GroupID: k.consumerGroup(),
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.CacheErrors.WithLabelValues("subscribe").Inc()
				k.logger.Warn("kafka read failed, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			var msg models.BusMessage
			if err := json.Unmarshal(m.Value, &msg); err != nil {
				metrics.CacheErrors.WithLabelValues("decode").Inc()
				k.logger.Warn("dropping undecodable bus message", zap.Error(err))
				continue
			}
			if msg.Channel != channel {
				continue
			}
			handler(msg)
		}
	}()
}

// Close flushes and releases the writer.
func (k *KafkaBus) Close() error {
	return k.writer.Close()
}
