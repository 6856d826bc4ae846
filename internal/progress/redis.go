package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const redisKeyPrefix = "narration:progress:"

// RedisPublisher mirrors the latest snapshot of each job into Redis and
// announces it on a pub/sub channel
type RedisPublisher struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
}

// NewRedisPublisher connects to Redis and verifies the connection
func NewRedisPublisher(cfg types.RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "narration:progress"
	}
	ttl := time.Duration(cfg.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	log.Printf("[Redis] Mirroring progress to %s (channel %s)", cfg.Addr, channel)
	return &RedisPublisher{client: client, channel: channel, ttl: ttl}, nil
}

func (p *RedisPublisher) Name() string {
	return "redis"
}

func (p *RedisPublisher) key(jobID string) string {
	return redisKeyPrefix + jobID
}

func (p *RedisPublisher) Publish(ctx context.Context, snap types.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.key(snap.JobID), data, p.ttl)
		pipe.Publish(ctx, p.channel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Latest reads the mirrored snapshot of a job
func (p *RedisPublisher) Latest(ctx context.Context, jobID string) (types.ProgressSnapshot, error) {
	var snap types.ProgressSnapshot
	data, err := p.client.Get(ctx, p.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return snap, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Health pings the server
func (p *RedisPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
