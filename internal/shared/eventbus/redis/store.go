// Package redis Redis Pub/Sub 事件总线实现
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"fleet-coordinator/internal/shared/eventbus"
)

// Store Redis 事件总线
type Store struct {
	client *redis.Client
}

// NewStoreFromClient 从现有 Redis 客户端创建事件总线
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// PublishTaskEvent 发布任务事件
func (s *Store) PublishTaskEvent(ctx context.Context, event *eventbus.TaskEvent) error {
	channels := []string{eventbus.TaskChannel("")}
	if event.ExecutionID != "" {
		channels = append(channels, eventbus.TaskChannel(event.ExecutionID))
	}
	return s.publish(ctx, event, channels...)
}

// SubscribeTaskEvents 订阅任务事件
func (s *Store) SubscribeTaskEvents(ctx context.Context, executionID string) (<-chan *eventbus.TaskEvent, error) {
	return subscribe[eventbus.TaskEvent](ctx, s.client, eventbus.TaskChannel(executionID))
}

// PublishExecutionEvent 发布执行事件
func (s *Store) PublishExecutionEvent(ctx context.Context, event *eventbus.ExecutionEvent) error {
	return s.publish(ctx, event, eventbus.ExecutionChannel(""), eventbus.ExecutionChannel(event.ExecutionID))
}

// SubscribeExecutionEvents 订阅执行事件
func (s *Store) SubscribeExecutionEvents(ctx context.Context, executionID string) (<-chan *eventbus.ExecutionEvent, error) {
	return subscribe[eventbus.ExecutionEvent](ctx, s.client, eventbus.ExecutionChannel(executionID))
}

func (s *Store) publish(ctx context.Context, event interface{}, channels ...string) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe := s.client.Pipeline()
	for _, ch := range channels {
		pipe.Publish(ctx, ch, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// subscribe 订阅 channel 并将消息解码为 T；ctx 取消后关闭返回的 channel
func subscribe[T any](ctx context.Context, client *redis.Client, channel string) (<-chan *T, error) {
	pubsub := client.Subscribe(ctx, channel)
	// 等待订阅确认，避免订阅建立前的事件丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
	}

	out := make(chan *T, eventbus.SubscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var v T
				if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
					log.Printf("[Redis/EventBus] malformed event on %s: %v", channel, err)
					continue
				}
				select {
				case out <- &v:
				default:
				}
			}
		}
	}()
	return out, nil
}

var _ eventbus.EventBus = (*Store)(nil)
