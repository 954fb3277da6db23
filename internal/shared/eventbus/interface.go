// Package eventbus 事件总线抽象接口
//
// 提供任务与场景执行生命周期事件的发布/订阅能力。进程内实现用于单实例部署，
// Redis Pub/Sub 实现用于多实例部署。发布为尽力而为：订阅方消费过慢时事件被丢弃，
// 依赖事件的组件必须有轮询兜底。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// TaskEventBus 任务事件总线接口
type TaskEventBus interface {
	PublishTaskEvent(ctx context.Context, event *TaskEvent) error
	// SubscribeTaskEvents 订阅任务事件；executionID 为空时订阅全部任务事件。
	// ctx 取消后返回的 channel 被关闭。
	SubscribeTaskEvents(ctx context.Context, executionID string) (<-chan *TaskEvent, error)
}

// ExecutionEventBus 场景执行事件总线接口
type ExecutionEventBus interface {
	PublishExecutionEvent(ctx context.Context, event *ExecutionEvent) error
	// SubscribeExecutionEvents 订阅执行事件；executionID 为空时订阅全部执行事件
	SubscribeExecutionEvents(ctx context.Context, executionID string) (<-chan *ExecutionEvent, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	TaskEventBus
	ExecutionEventBus
	Close() error
}
