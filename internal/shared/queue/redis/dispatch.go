package redis

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-coordinator/internal/shared/queue"
)

// NotifyDispatch 将唤醒信号写入 Stream
func (s *Store) NotifyDispatch(ctx context.Context, reason string) error {
	args := &redis.XAddArgs{
		Stream: queue.KeyDispatchSignals,
		MaxLen: queue.DispatchStreamMaxLength,
		Approx: true,
		Values: map[string]interface{}{
			"reason":     reason,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	return s.client.XAdd(ctx, args).Err()
}

// CreateDispatchConsumerGroup 创建调度器消费者组，已存在时忽略
func (s *Store) CreateDispatchConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyDispatchSignals, queue.DispatchConsumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ConsumeDispatchSignals 以消费者组方式读取唤醒信号
func (s *Store) ConsumeDispatchSignals(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.DispatchSignal, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.DispatchConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyDispatchSignals, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var signals []*queue.DispatchSignal
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			sig := &queue.DispatchSignal{ID: msg.ID}
			if reason, ok := msg.Values["reason"].(string); ok {
				sig.Reason = reason
			}
			if createdAt, ok := msg.Values["created_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
					sig.CreatedAt = t
				}
			}
			signals = append(signals, sig)
		}
	}
	return signals, nil
}

// AckDispatchSignal 确认信号已处理
func (s *Store) AckDispatchSignal(ctx context.Context, signalID string) error {
	return s.client.XAck(ctx, queue.KeyDispatchSignals, queue.DispatchConsumerGroup, signalID).Err()
}

// GetDispatchQueueLength 获取 Stream 长度
func (s *Store) GetDispatchQueueLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeyDispatchSignals).Result()
}
