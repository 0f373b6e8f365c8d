package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr" validate:"required"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`

	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// OpTimeout bounds every cache/bus operation so the hot path never
	// stalls on a sick backend.
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// DefaultRedisConfig returns settings tuned for the distribution hot path.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     50,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		OpTimeout:    750 * time.Millisecond,
	}
}

// RedisCache implements Store and Bus on a shared Redis instance. Every
// write shadows into a local fallback store; every backend failure is
// absorbed, logged and counted so connection handling keeps running through
// a cache outage.
type RedisCache struct {
	client    *redis.Client
	local     *localStore
	self      uuid.UUID
	opTimeout time.Duration
	logger    *zap.Logger
}

// NewRedisCache creates a Redis-backed cache and bus. self is this
// instance's ID, used to drop its own messages on the subscribe path.
func NewRedisCache(cfg RedisConfig, self uuid.UUID, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 750 * time.Millisecond
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}),
		local:     newLocalStore(),
		self:      self,
		opTimeout: opTimeout,
		logger:    logger,
	}
}

// GetSnapshot implements Store. A Redis miss or failure falls through to the
// local copy; expired entries are treated as not found in both places.
func (r *RedisCache) GetSnapshot(ctx context.Context, key string) (*models.Snapshot, bool) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	data, err := r.client.Get(opCtx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			metrics.CacheErrors.WithLabelValues("get").Inc()
			r.logger.Warn("redis get failed, falling back to local store",
				zap.String("key", key), zap.Error(err))
			if snap, ok := r.local.get(key); ok {
				metrics.CacheLocalFallbacks.Inc()
				return snap, true
			}
		}
		return nil, false
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		metrics.CacheErrors.WithLabelValues("decode").Inc()
		r.logger.Warn("discarding undecodable cached snapshot",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &snap, true
}

// SetSnapshot implements Store. The local shadow is written first so a Redis
// outage still leaves the last value available in-process.
func (r *RedisCache) SetSnapshot(ctx context.Context, key string, snap *models.Snapshot, ttl time.Duration) {
	r.local.set(key, snap, ttl)

	data, err := json.Marshal(snap)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("encode").Inc()
		r.logger.Error("failed to encode snapshot", zap.String("key", key), zap.Error(err))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.client.Set(opCtx, key, data, ttl).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("set").Inc()
		r.logger.Warn("redis set failed, local copy retained",
			zap.String("key", key), zap.Error(err))
	}
}

// Publish implements Bus, fire-and-forget. Callers stamp msg.Origin with
// their instance ID before publishing.
func (r *RedisCache) Publish(ctx context.Context, msg models.BusMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("encode").Inc()
		r.logger.Error("failed to encode bus message", zap.Error(err))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.client.Publish(opCtx, msg.Channel, data).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("publish").Inc()
		r.logger.Warn("redis publish failed", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	metrics.BusMessagesPublished.WithLabelValues(msg.Channel).Inc()
}

// Subscribe implements Bus. The receive loop runs until ctx is cancelled and
// resubscribes through go-redis's own reconnect handling.
func (r *RedisCache) Subscribe(ctx context.Context, channel string, handler func(models.BusMessage)) {
	handler = originFiltered(r.self, handler)
	pubsub := r.client.Subscribe(ctx, channel)
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg models.BusMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					metrics.CacheErrors.WithLabelValues("decode").Inc()
					r.logger.Warn("dropping undecodable bus message",
						zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(msg)
			}
		}
	}()
}

// Close releases the Redis client and stops the local janitor.
func (r *RedisCache) Close() error {
	r.local.close()
	return r.client.Close()
}
