// Package queue 消息队列类型定义
package queue

import "time"

// ============================================================================
// 消息类型
// ============================================================================

// DispatchSignal 调度唤醒信号
type DispatchSignal struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// 唤醒原因
const (
	ReasonTaskSubmitted = "task_submitted"
	ReasonAgentIdle     = "agent_idle"
	ReasonTaskFinished  = "task_finished"
	ReasonTaskRequeued  = "task_requeued"
)

// ============================================================================
// Stream Key 和消费者组常量
// ============================================================================

const (
	KeyDispatchSignals      = "dispatch_signals"
	DispatchConsumerGroup   = "dispatchers"
	DispatchStreamMaxLength = 1000
)
