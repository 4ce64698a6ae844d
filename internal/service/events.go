package service

import (
	"context"
	"time"

	rediscommon "iotflow-connectivity/common/redis"

	"github.com/go-redis/redis/v8"
)

// StreamPublisher 将遥测事件发布到 Redis Streams
type StreamPublisher struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewStreamPublisher 创建事件发布器
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64, timeout time.Duration) *StreamPublisher {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen, timeout: timeout}
}

// PublishTelemetry 发布事件
func (p *StreamPublisher) PublishTelemetry(ctx context.Context, event TelemetryEvent) error {
	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := rediscommon.PublishJSONToStream(pubCtx, p.client, p.stream, event, p.maxLen)
	return err
}
