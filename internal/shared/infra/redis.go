// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	cacheredis "fleet-coordinator/internal/shared/cache/redis"
	eventbusredis "fleet-coordinator/internal/shared/eventbus/redis"
	queueredis "fleet-coordinator/internal/shared/queue/redis"
)

// NewRedisInfra 从 URL 创建 Redis 基础设施，三个组件共用同一连接
func NewRedisInfra(redisURL string) (*Infrastructure, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &Infrastructure{
		Backend:  BackendRedis,
		Cache:    cacheredis.NewStoreFromClient(client),
		EventBus: eventbusredis.NewStoreFromClient(client),
		Queue:    queueredis.NewStoreFromClient(client),
		closeFn:  client.Close,
	}, nil
}
