package model

import "time"

// ExecutionStatus 场景执行状态
//
//	pending → running → completed | failed | cancelled
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal 是否为终态
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Execution 一次场景运行
//
// 不变量：ExecutedActions 始终是 0..k-1 的前缀；ActionTasks[i] 记录为动作 i 提交的任务，
// 未提交时为空字符串。Timeline 是启动时的场景快照，之后修改场景不影响本次执行。
// Owner 是运行执行循环的协调器实例，LeaseExpiresAt 由该实例周期续约。
type Execution struct {
	ID              string            `json:"id" bson:"_id"`
	ScenarioID      string            `json:"scenario_id" bson:"scenario_id"`
	ScenarioName    string            `json:"scenario_name" bson:"scenario_name"`
	Target          string            `json:"target" bson:"target"`
	RoleMap         map[string]string `json:"role_map" bson:"role_map"`
	Variables       map[string]string `json:"variables,omitempty" bson:"variables,omitempty"`
	Status          ExecutionStatus   `json:"status" bson:"status"`
	Timeline        []TimelineAction  `json:"timeline" bson:"timeline"`
	ExecutedActions []int             `json:"executed_actions" bson:"executed_actions"`
	ActionTasks     []string          `json:"action_tasks" bson:"action_tasks"`
	Error           string            `json:"error,omitempty" bson:"error,omitempty"`
	Owner           string            `json:"owner,omitempty" bson:"owner,omitempty"`
	LeaseExpiresAt  *time.Time        `json:"lease_expires_at,omitempty" bson:"lease_expires_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at" bson:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at" bson:"updated_at"`
}

// NextAction 下一个待执行动作的索引
func (e *Execution) NextAction() int {
	return len(e.ExecutedActions)
}

// HasProgress 是否已有动作完成
func (e *Execution) HasProgress() bool {
	return len(e.ExecutedActions) > 0
}

// TaskFor 返回动作 i 已提交的任务 ID
func (e *Execution) TaskFor(i int) string {
	if i < 0 || i >= len(e.ActionTasks) {
		return ""
	}
	return e.ActionTasks[i]
}

// SetTask 记录动作 i 提交的任务
func (e *Execution) SetTask(i int, taskID string) {
	for len(e.ActionTasks) <= i {
		e.ActionTasks = append(e.ActionTasks, "")
	}
	e.ActionTasks[i] = taskID
}

// MarkExecuted 追加已完成动作；只接受下一个索引以保持前缀
func (e *Execution) MarkExecuted(i int) bool {
	if i != len(e.ExecutedActions) {
		return false
	}
	e.ExecutedActions = append(e.ExecutedActions, i)
	return true
}

// ExecutedPrefix 校验 ExecutedActions 是否为 0..k-1
func (e *Execution) ExecutedPrefix() bool {
	for i, v := range e.ExecutedActions {
		if v != i {
			return false
		}
	}
	return true
}

// LeaseHeldByOther 是否有 owner 以外的实例持有未过期的租约
func (e *Execution) LeaseHeldByOther(owner string, now time.Time) bool {
	return e.Owner != "" && e.Owner != owner && e.LeaseExpiresAt != nil && now.Before(*e.LeaseExpiresAt)
}

// Roles 快照中引用的角色
func (e *Execution) Roles() []string {
	return timelineRoles(e.Timeline)
}

// Finish 进入终态
func (e *Execution) Finish(status ExecutionStatus, errMsg string, at time.Time) {
	e.Status = status
	e.Error = errMsg
	e.FinishedAt = &at
	e.UpdatedAt = at
}

// Clone 深拷贝
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.RoleMap = cloneStringMap(e.RoleMap)
	c.Variables = cloneStringMap(e.Variables)
	c.Timeline = CloneTimeline(e.Timeline)
	if e.ExecutedActions != nil {
		c.ExecutedActions = append([]int{}, e.ExecutedActions...)
	}
	if e.ActionTasks != nil {
		c.ActionTasks = append([]string{}, e.ActionTasks...)
	}
	c.StartedAt = cloneTimePtr(e.StartedAt)
	c.FinishedAt = cloneTimePtr(e.FinishedAt)
	c.LeaseExpiresAt = cloneTimePtr(e.LeaseExpiresAt)
	return &c
}
