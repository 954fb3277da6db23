// Package redis Redis Streams 调度唤醒队列实现
package redis

import (
	"github.com/redis/go-redis/v9"

	"fleet-coordinator/internal/shared/queue"
)

// Store Redis 消息队列
type Store struct {
	client *redis.Client
}

// NewStoreFromClient 从现有 Redis 客户端创建队列
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

var _ queue.Queue = (*Store)(nil)
