// Package storage 定义持久化存储层抽象接口
//
// 调用方只依赖接口，具体实现在子包中：
//   - memstore/：进程内实现（开发、测试）
//   - repository/：SQL 实现（SQLite / PostgreSQL，经 dbutil.Dialect 屏蔽差异）
//   - mongostore/：MongoDB 实现
//
// 约定：
//   - Get* 在实体不存在时返回 (nil, nil)
//   - Create* 遇到重复 ID 返回 ErrDuplicate
//   - 条件写入（Claim/Release/...IfStatus/...IfHeld）前置条件不满足返回 ErrConflict，目标不存在返回 ErrNotFound
package storage

import (
	"context"
	"time"

	"fleet-coordinator/internal/shared/model"
)

// ============================================================================
// AgentStore
// ============================================================================

// AgentStore Agent 存储
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)

	// UpdateAgentRegistration 重新注册：更新凭证、元数据与活跃时间，
	// 未持有任务时状态置为 online
	UpdateAgentRegistration(ctx context.Context, agent *model.Agent) error

	// RecordHeartbeat 无条件刷新 last_active_at；仅当未持有任务时才采用上报状态
	RecordHeartbeat(ctx context.Context, id string, reported model.AgentStatus, at time.Time) error

	// MarkAgentOffline 在 last_active_at 仍早于 cutoff 时标记离线（防止与心跳竞争）
	MarkAgentOffline(ctx context.Context, id string, cutoff, at time.Time) error

	// ClaimAgent 原子占用：仅当 status=online 且 current_task_id 为空时写入任务并置为 busy
	ClaimAgent(ctx context.Context, id, taskID string, at time.Time) error

	// ReleaseAgent 原子释放：仅当 current_task_id = taskID 时清空；busy 恢复为 online
	ReleaseAgent(ctx context.Context, id, taskID string, at time.Time) error
}

// ============================================================================
// TaskStore
// ============================================================================

// TaskStore 任务存储
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error)

	// ListPendingTasks 按 priority 降序、created_at 升序返回待调度任务
	ListPendingTasks(ctx context.Context, limit int) ([]*model.Task, error)

	// UpdateTaskIfStatus 仅当当前状态属于 expected 时整体写回任务
	UpdateTaskIfStatus(ctx context.Context, task *model.Task, expected ...model.TaskStatus) error

	// UpdateTaskIfHeld 在 UpdateTaskIfStatus 的基础上还要求任务仍由 agentID 持有
	UpdateTaskIfHeld(ctx context.Context, task *model.Task, agentID string, expected ...model.TaskStatus) error
}

// ============================================================================
// ScenarioStore / ExecutionStore
// ============================================================================

// ScenarioStore 场景存储
type ScenarioStore interface {
	CreateScenario(ctx context.Context, scenario *model.Scenario) error
	GetScenario(ctx context.Context, id string) (*model.Scenario, error)
	ListScenarios(ctx context.Context) ([]*model.Scenario, error)
	UpdateScenario(ctx context.Context, scenario *model.Scenario) error
	DeleteScenario(ctx context.Context, id string) error
}

// ExecutionStore 场景执行存储
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, status model.ExecutionStatus) ([]*model.Execution, error)

	// UpdateExecutionIfStatus 仅当当前状态属于 expected 时整体写回
	UpdateExecutionIfStatus(ctx context.Context, exec *model.Execution, expected ...model.ExecutionStatus) error
}

// ============================================================================
// PersistentStore - 组合接口
// ============================================================================

// PersistentStore 协调器使用的全部持久化能力
type PersistentStore interface {
	AgentStore
	TaskStore
	ScenarioStore
	ExecutionStore
	Close() error
}
