// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// RedisPublisherConfig configures a RedisPublisher.
type RedisPublisherConfig struct {
	// Addr is the host:port of the Redis server. Ignored when URL is set.
	Addr     string
	Password string
	DB       int
	// URL is a redis:// connection string.
	URL string
	// Stream is the stream key audit messages are appended to.
	// Default: "audit:records"
	Stream string
	// MaxLen caps the stream length approximately; 0 keeps everything.
	MaxLen int64
}

// RedisPublisher appends audit messages to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger

	messagesWritten atomic.Int64
	messagesFailed  atomic.Int64
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisPublisherConfig, logger *zap.Logger) (*RedisPublisher, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		opts = parsed
	} else {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisPublisherWithClient(client, cfg.Stream, cfg.MaxLen, logger), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisPublisher {
	if stream == "" {
		stream = "audit:records"
	}
	p := &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.Named("redis-audit"),
	}
	metrics.AuditTransportConnected.WithLabelValues(p.Name()).Set(1)
	p.logger.Info("Redis audit publisher created",
		zap.String("stream", stream),
		zap.Int64("max_len", maxLen))
	return p
}

// Publish appends msg to the stream. The payload goes into the "record"
// field, headers are stored as additional fields.
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	values := make(map[string]any, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		values[k] = v
	}
	values["key"] = msg.Key
	values["record"] = msg.Payload

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.messagesFailed.Add(1)
		metrics.AuditTransportErrors.WithLabelValues(p.Name(), "xadd").Inc()
		p.logger.Warn("failed to append audit record to stream",
			zap.String("stream", p.stream),
			zap.String("key", msg.Key),
			zap.String("error", err.Error()))
		return fmt.Errorf("redis XADD %s: %w", p.stream, err)
	}
	p.messagesWritten.Add(1)
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	metrics.AuditTransportConnected.WithLabelValues(p.Name()).Set(0)
	p.logger.Info("closing Redis audit publisher",
		zap.Int64("messages_written", p.messagesWritten.Load()),
		zap.Int64("messages_failed", p.messagesFailed.Load()))
	return p.client.Close()
}

// Name returns the publisher identifier.
func (p *RedisPublisher) Name() string {
	return "redis"
}

// Stream returns the stream key.
func (p *RedisPublisher) Stream() string {
	return p.stream
}
