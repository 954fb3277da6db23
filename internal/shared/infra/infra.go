// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Cache：Agent 命令邮箱
//   - EventBus：任务 / 执行生命周期事件
//   - Queue：调度唤醒队列
//
// 后端在构造时选择（进程内或 Redis），调用方只依赖接口。持久化存储由
// storage/backend 单独构造。
package infra

import (
	"fleet-coordinator/internal/shared/cache"
	"fleet-coordinator/internal/shared/eventbus"
	"fleet-coordinator/internal/shared/queue"
)

// Backend 基础设施后端类型
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	Backend  Backend
	Cache    cache.Cache
	EventBus eventbus.EventBus
	Queue    queue.Queue

	closeFn func() error
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	if i.closeFn == nil {
		return nil
	}
	return i.closeFn()
}

// NewMemoryInfra 创建进程内基础设施（单实例部署和测试使用）
func NewMemoryInfra() *Infrastructure {
	c := cache.NewMemoryCache()
	bus := eventbus.NewMemoryEventBus()
	q := queue.NewMemoryQueue()
	return &Infrastructure{
		Backend:  BackendMemory,
		Cache:    c,
		EventBus: bus,
		Queue:    q,
		closeFn: func() error {
			var lastErr error
			for _, closer := range []interface{ Close() error }{c, bus, q} {
				if err := closer.Close(); err != nil {
					lastErr = err
				}
			}
			return lastErr
		},
	}
}

// New 按 redisURL 选择后端：为空时使用进程内实现
func New(redisURL string) (*Infrastructure, error) {
	if redisURL == "" {
		return NewMemoryInfra(), nil
	}
	return NewRedisInfra(redisURL)
}
