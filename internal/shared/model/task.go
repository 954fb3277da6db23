package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// TaskStatus - 任务状态
// ============================================================================

// TaskStatus 任务状态
//
// 状态流转：
//
//	pending → assigned → in_progress → completed | failed
//	   ↑         |            |
//	   └─────────┴────────────┘  （Agent 离线被回收）
//
// 任意非终态都可以被取消（cancelled）。completed、failed、cancelled 为终态。
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive 是否被某个 Agent 持有
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusAssigned || s == TaskStatusInProgress
}

// DefaultTaskPriority 未指定优先级时使用的值
const DefaultTaskPriority = 100

// ============================================================================
// Task
// ============================================================================

// Task 分配给单个 Agent 执行的工作单元
//
// 字段说明：
//   - Priority：越大越先调度，相同优先级按 CreatedAt 先后
//   - TargetAgentID：指定执行的 Agent（直连调度），为空时由策略链选择
//   - Labels：要求 Agent 元数据包含的键值
//   - Role：偏好的角色（亲和调度），不匹配时可退化到其他 Agent
//   - AgentID：当前持有任务的 Agent，仅在 assigned / in_progress 时非空
//   - ExecutionID / ActionIndex：由场景执行产生时的来源
type Task struct {
	ID            string            `json:"id" bson:"_id"`
	Type          TaskType          `json:"type" bson:"type"`
	Priority      int               `json:"priority" bson:"priority"`
	Status        TaskStatus        `json:"status" bson:"status"`
	Payload       Payload           `json:"payload" bson:"payload"`
	TargetAgentID string            `json:"target_agent_id,omitempty" bson:"target_agent_id,omitempty"`
	Labels        map[string]string `json:"labels,omitempty" bson:"labels,omitempty"`
	Role          string            `json:"role,omitempty" bson:"role,omitempty"`
	AgentID       *string           `json:"agent_id,omitempty" bson:"agent_id"`
	ExecutionID   string            `json:"execution_id,omitempty" bson:"execution_id,omitempty"`
	ActionIndex   *int              `json:"action_index,omitempty" bson:"action_index,omitempty"`
	Result        json.RawMessage   `json:"result,omitempty" bson:"result,omitempty"`
	Error         string            `json:"error,omitempty" bson:"error,omitempty"`
	Attempts      int               `json:"attempts" bson:"attempts"`
	History       []TaskTransition  `json:"history,omitempty" bson:"history,omitempty"`
	CreatedAt     time.Time         `json:"created_at" bson:"created_at"`
	AssignedAt    *time.Time        `json:"assigned_at,omitempty" bson:"assigned_at,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at" bson:"updated_at"`
}

// TaskTransition 一次状态变化
type TaskTransition struct {
	From    TaskStatus `json:"from" bson:"from"`
	To      TaskStatus `json:"to" bson:"to"`
	AgentID string     `json:"agent_id,omitempty" bson:"agent_id,omitempty"`
	Reason  string     `json:"reason,omitempty" bson:"reason,omitempty"`
	At      time.Time  `json:"at" bson:"at"`
}

// Transition 修改状态并记录历史
func (t *Task) Transition(to TaskStatus, agentID, reason string, at time.Time) {
	t.History = append(t.History, TaskTransition{
		From:    t.Status,
		To:      to,
		AgentID: agentID,
		Reason:  reason,
		At:      at,
	})
	t.Status = to
	t.UpdatedAt = at
}

// HeldBy 任务是否由指定 Agent 持有
func (t *Task) HeldBy(agentID string) bool {
	return t.AgentID != nil && *t.AgentID == agentID
}

// Clone 深拷贝
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = t.Payload.Clone()
	c.Labels = cloneStringMap(t.Labels)
	c.AgentID = cloneStringPtr(t.AgentID)
	if t.ActionIndex != nil {
		v := *t.ActionIndex
		c.ActionIndex = &v
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.History != nil {
		c.History = append([]TaskTransition(nil), t.History...)
	}
	c.AssignedAt = cloneTimePtr(t.AssignedAt)
	c.StartedAt = cloneTimePtr(t.StartedAt)
	c.FinishedAt = cloneTimePtr(t.FinishedAt)
	return &c
}

// TaskFilter 任务列表过滤条件
type TaskFilter struct {
	Status      TaskStatus
	AgentID     string
	ExecutionID string
	Limit       int
	Offset      int
}

// Matches 内存实现使用的过滤判断
func (f TaskFilter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AgentID != "" && !t.HeldBy(f.AgentID) && t.TargetAgentID != f.AgentID {
		return false
	}
	if f.ExecutionID != "" && t.ExecutionID != f.ExecutionID {
		return false
	}
	return true
}

// TaskView 下发给 Agent 的任务视图
type TaskView struct {
	ID       string   `json:"id"`
	Type     TaskType `json:"type"`
	Priority int      `json:"priority"`
	Payload  Payload  `json:"payload"`
}

// View 转换为 Agent 视图
func (t *Task) View() *TaskView {
	return &TaskView{ID: t.ID, Type: t.Type, Priority: t.Priority, Payload: t.Payload.Clone()}
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
