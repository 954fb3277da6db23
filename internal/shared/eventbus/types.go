// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"

	"fleet-coordinator/internal/shared/model"
)

// ============================================================================
// 事件类型
// ============================================================================

// TaskEvent 任务状态迁移事件
type TaskEvent struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	ExecutionID string           `json:"execution_id,omitempty"`
	AgentID     string           `json:"agent_id,omitempty"`
	From        model.TaskStatus `json:"from"`
	To          model.TaskStatus `json:"to"`
	Reason      string           `json:"reason,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// ExecutionEventType 执行事件类型
type ExecutionEventType string

const (
	ExecutionStarted   ExecutionEventType = "execution.started"
	ActionDispatched   ExecutionEventType = "action.dispatched"
	ActionCompleted    ExecutionEventType = "action.completed"
	ActionWaitingAgent ExecutionEventType = "action.waiting_agent"
	ExecutionCompleted ExecutionEventType = "execution.completed"
	ExecutionFailed    ExecutionEventType = "execution.failed"
	ExecutionCancelled ExecutionEventType = "execution.cancelled"
	ExecutionResumed   ExecutionEventType = "execution.resumed"
)

// ExecutionEvent 场景执行事件
type ExecutionEvent struct {
	ExecutionID string                `json:"execution_id"`
	Type        ExecutionEventType    `json:"type"`
	ActionIndex *int                  `json:"action_index,omitempty"`
	TaskID      string                `json:"task_id,omitempty"`
	Status      model.ExecutionStatus `json:"status"`
	Message     string                `json:"message,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// IsTerminal 事件是否表示执行结束
func (e *ExecutionEvent) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// ============================================================================
// Channel 名称和缓冲常量
// ============================================================================

const (
	ChannelTaskEventsAll      = "task_events:all"
	ChannelTaskEventsExec     = "task_events:exec:"
	ChannelExecutionEventsAll = "execution_events:all"
	ChannelExecutionEvents    = "execution_events:"

	// SubscriberBuffer 订阅 channel 缓冲大小
	SubscriberBuffer = 64
)

// TaskChannel 返回任务事件订阅 channel 名称
func TaskChannel(executionID string) string {
	if executionID == "" {
		return ChannelTaskEventsAll
	}
	return ChannelTaskEventsExec + executionID
}

// ExecutionChannel 返回执行事件订阅 channel 名称
func ExecutionChannel(executionID string) string {
	if executionID == "" {
		return ChannelExecutionEventsAll
	}
	return ChannelExecutionEvents + executionID
}
