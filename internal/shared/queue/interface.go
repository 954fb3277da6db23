// Package queue 消息队列抽象接口
//
// 提供调度唤醒信号的投递与消费能力：任务提交、Agent 空闲、任务结束时发出信号，
// 调度器消费信号后立即执行一次调度。信号只用于降低调度延迟，定时轮询始终兜底。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// DispatchQueue 调度唤醒队列接口
type DispatchQueue interface {
	// NotifyDispatch 发出调度唤醒信号
	NotifyDispatch(ctx context.Context, reason string) error
	CreateDispatchConsumerGroup(ctx context.Context) error
	// ConsumeDispatchSignals 阻塞最多 blockTimeout 等待信号
	ConsumeDispatchSignals(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*DispatchSignal, error)
	AckDispatchSignal(ctx context.Context, signalID string) error
	GetDispatchQueueLength(ctx context.Context) (int64, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Queue 消息队列组合接口
type Queue interface {
	DispatchQueue
	Close() error
}
