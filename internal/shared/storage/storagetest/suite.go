// Package storagetest 存储实现的一致性测试套件
//
// 每个 PersistentStore 实现在自己的测试中调用 Run，保证条件写入等语义在各后端一致。
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage"
)

// Factory 为每个子测试创建一个全新的存储
type Factory func(t *testing.T) storage.PersistentStore

// base 固定时间基准；截断到微秒以适配各数据库的时间精度
var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Run 运行全部一致性测试
func Run(t *testing.T, newStore Factory) {
	t.Run("Agent注册与读取", func(t *testing.T) { testAgentCRUD(t, newStore(t)) })
	t.Run("Agent心跳", func(t *testing.T) { testRecordHeartbeat(t, newStore(t)) })
	t.Run("Agent占用与释放", func(t *testing.T) { testClaimRelease(t, newStore(t)) })
	t.Run("Agent离线标记", func(t *testing.T) { testMarkOffline(t, newStore(t)) })
	t.Run("任务优先级排序", func(t *testing.T) { testPendingOrder(t, newStore(t)) })
	t.Run("任务条件更新", func(t *testing.T) { testTaskConditionalUpdate(t, newStore(t)) })
	t.Run("任务持有者条件更新", func(t *testing.T) { testTaskHeldUpdate(t, newStore(t)) })
	t.Run("任务过滤", func(t *testing.T) { testListTasks(t, newStore(t)) })
	t.Run("场景CRUD", func(t *testing.T) { testScenarioCRUD(t, newStore(t)) })
	t.Run("执行条件更新", func(t *testing.T) { testExecution(t, newStore(t)) })
}

func newAgent(id string) *model.Agent {
	return &model.Agent{
		ID:             id,
		Status:         model.AgentStatusOnline,
		LastActiveAt:   base,
		CredentialHash: "hash-" + id,
		Metadata:       map[string]string{"roles": "host"},
		RegisteredAt:   base,
		UpdatedAt:      base,
	}
}

func newTask(id string, priority int, createdAt time.Time) *model.Task {
	return &model.Task{
		ID:        id,
		Type:      model.TaskTypeSendMessage,
		Priority:  priority,
		Status:    model.TaskStatusPending,
		Payload:   model.NewSendMessage("group-1", "hi "+id),
		Labels:    map[string]string{"region": "eu"},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func testAgentCRUD(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.CreateAgent(ctx, newAgent("a1")))
	assert.ErrorIs(t, s.CreateAgent(ctx, newAgent("a1")), storage.ErrDuplicate)

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.AgentStatusOnline, got.Status)
	assert.Equal(t, "hash-a1", got.CredentialHash)
	assert.Equal(t, "host", got.Metadata["roles"])
	assert.Nil(t, got.CurrentTaskID)
	assert.True(t, got.LastActiveAt.Equal(base))

	missing, err := s.GetAgent(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.CreateAgent(ctx, newAgent("a2")))
	all, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// 重新注册：离线 Agent 恢复在线并更新凭证
	require.NoError(t, s.MarkAgentOffline(ctx, "a1", base.Add(time.Minute), base.Add(time.Minute)))
	re := newAgent("a1")
	re.CredentialHash = "hash-new"
	re.LastActiveAt = base.Add(2 * time.Minute)
	require.NoError(t, s.UpdateAgentRegistration(ctx, re))
	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusOnline, got.Status)
	assert.Equal(t, "hash-new", got.CredentialHash)

	assert.ErrorIs(t, s.UpdateAgentRegistration(ctx, newAgent("ghost")), storage.ErrNotFound)
}

func testRecordHeartbeat(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1")))

	at := base.Add(10 * time.Second)
	require.NoError(t, s.RecordHeartbeat(ctx, "a1", model.AgentStatusError, at))
	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusError, got.Status)
	assert.True(t, got.LastActiveAt.Equal(at))

	// 持有任务时上报状态被忽略，活跃时间仍刷新
	require.NoError(t, s.RecordHeartbeat(ctx, "a1", model.AgentStatusOnline, at))
	require.NoError(t, s.ClaimAgent(ctx, "a1", "t1", at))
	later := at.Add(10 * time.Second)
	require.NoError(t, s.RecordHeartbeat(ctx, "a1", model.AgentStatusOnline, later))
	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusBusy, got.Status)
	assert.True(t, got.LastActiveAt.Equal(later))

	assert.ErrorIs(t, s.RecordHeartbeat(ctx, "ghost", model.AgentStatusOnline, later), storage.ErrNotFound)
}

func testClaimRelease(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1")))

	require.NoError(t, s.ClaimAgent(ctx, "a1", "t1", base))
	assert.ErrorIs(t, s.ClaimAgent(ctx, "a1", "t2", base), storage.ErrConflict)
	assert.ErrorIs(t, s.ClaimAgent(ctx, "ghost", "t2", base), storage.ErrNotFound)

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got.CurrentTaskID)
	assert.Equal(t, "t1", *got.CurrentTaskID)
	assert.Equal(t, model.AgentStatusBusy, got.Status)

	assert.ErrorIs(t, s.ReleaseAgent(ctx, "a1", "t2", base), storage.ErrConflict)
	require.NoError(t, s.ReleaseAgent(ctx, "a1", "t1", base))
	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, got.CurrentTaskID)
	assert.Equal(t, model.AgentStatusOnline, got.Status)

	// 离线 Agent 不可被占用
	require.NoError(t, s.MarkAgentOffline(ctx, "a1", base.Add(time.Second), base.Add(time.Second)))
	assert.ErrorIs(t, s.ClaimAgent(ctx, "a1", "t3", base), storage.ErrConflict)
}

func testMarkOffline(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1")))
	require.NoError(t, s.ClaimAgent(ctx, "a1", "t1", base))

	// 心跳比 cutoff 新时拒绝
	assert.ErrorIs(t, s.MarkAgentOffline(ctx, "a1", base, base), storage.ErrConflict)

	require.NoError(t, s.MarkAgentOffline(ctx, "a1", base.Add(time.Minute), base.Add(time.Minute)))
	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusOffline, got.Status)
	require.NotNil(t, got.CurrentTaskID, "offline marking keeps the held task for reclaim")

	// 释放后保持离线
	require.NoError(t, s.ReleaseAgent(ctx, "a1", "t1", base.Add(time.Minute)))
	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusOffline, got.Status)
	assert.Nil(t, got.CurrentTaskID)
}

func testPendingOrder(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.CreateTask(ctx, newTask("low-old", 5, base)))
	require.NoError(t, s.CreateTask(ctx, newTask("high-new", 10, base.Add(time.Second))))
	require.NoError(t, s.CreateTask(ctx, newTask("low-new", 5, base.Add(2*time.Second))))
	done := newTask("done", 50, base)
	done.Status = model.TaskStatusCompleted
	require.NoError(t, s.CreateTask(ctx, done))
	assert.ErrorIs(t, s.CreateTask(ctx, newTask("low-old", 1, base)), storage.ErrDuplicate)

	pending, err := s.ListPendingTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "high-new", pending[0].ID)
	assert.Equal(t, "low-old", pending[1].ID)
	assert.Equal(t, "low-new", pending[2].ID)

	limited, err := s.ListPendingTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "high-new", limited[0].ID)
}

func testTaskConditionalUpdate(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", 1, base)))

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "hi t1", task.Payload.SendMessage.Content)
	assert.Equal(t, "eu", task.Labels["region"])

	agentID := "a1"
	at := base.Add(time.Second)
	task.AgentID = &agentID
	task.AssignedAt = &at
	task.Transition(model.TaskStatusAssigned, agentID, "test", at)
	require.NoError(t, s.UpdateTaskIfStatus(ctx, task, model.TaskStatusPending))

	// 状态已变化，再次以 pending 为前提写入失败
	assert.ErrorIs(t, s.UpdateTaskIfStatus(ctx, task, model.TaskStatusPending), storage.ErrConflict)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusAssigned, got.Status)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, "a1", *got.AgentID)
	require.Len(t, got.History, 1)
	assert.Equal(t, model.TaskStatusPending, got.History[0].From)

	got.Result = []byte(`{"ok":true}`)
	got.Transition(model.TaskStatusCompleted, agentID, "", at)
	require.NoError(t, s.UpdateTaskIfStatus(ctx, got, model.TaskStatusAssigned, model.TaskStatusInProgress))
	final, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(final.Result))

	ghost := newTask("ghost", 1, base)
	assert.ErrorIs(t, s.UpdateTaskIfStatus(ctx, ghost, model.TaskStatusPending), storage.ErrNotFound)

	missing, err := s.GetTask(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testTaskHeldUpdate(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", 1, base)))

	// 先分配给 a2（模拟回收后在另一实例上重新分配）
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	holder := "a2"
	at := base.Add(time.Second)
	task.AgentID = &holder
	task.AssignedAt = &at
	task.Transition(model.TaskStatusAssigned, holder, "test", at)
	require.NoError(t, s.UpdateTaskIfStatus(ctx, task, model.TaskStatusPending))

	// a1 的迟到结果：状态满足但持有者不同
	stale, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	stale.AgentID = nil
	stale.Transition(model.TaskStatusCompleted, "a1", "reported", at)
	assert.ErrorIs(t, s.UpdateTaskIfHeld(ctx, stale, "a1", model.TaskStatusAssigned, model.TaskStatusInProgress), storage.ErrConflict)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusAssigned, got.Status)
	assert.True(t, got.HeldBy("a2"))

	// 真正的持有者可以写入
	require.NoError(t, s.UpdateTaskIfHeld(ctx, stale, "a2", model.TaskStatusAssigned, model.TaskStatusInProgress))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.Nil(t, got.AgentID)

	// 状态已不满足
	assert.ErrorIs(t, s.UpdateTaskIfHeld(ctx, stale, "a2", model.TaskStatusAssigned), storage.ErrConflict)
	assert.ErrorIs(t, s.UpdateTaskIfHeld(ctx, newTask("ghost", 1, base), "a2", model.TaskStatusPending), storage.ErrNotFound)
}

func testListTasks(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()

	t1 := newTask("t1", 1, base)
	t1.ExecutionID = "exec-1"
	idx := 0
	t1.ActionIndex = &idx
	require.NoError(t, s.CreateTask(ctx, t1))
	t2 := newTask("t2", 1, base.Add(time.Second))
	t2.Status = model.TaskStatusCompleted
	require.NoError(t, s.CreateTask(ctx, t2))

	all, err := s.ListTasks(ctx, model.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byStatus, err := s.ListTasks(ctx, model.TaskFilter{Status: model.TaskStatusCompleted})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "t2", byStatus[0].ID)

	byExec, err := s.ListTasks(ctx, model.TaskFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, byExec, 1)
	require.NotNil(t, byExec[0].ActionIndex)
	assert.Equal(t, 0, *byExec[0].ActionIndex)
}

func testScenarioCRUD(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()

	payload := model.NewJoinGroup("{{target}}")
	sc := &model.Scenario{
		ID:    "sc-1",
		Name:  "greeting",
		Roles: []string{"A", "B", "C"},
		Timeline: []model.TimelineAction{
			{TimeOffset: 0, Role: "A", Content: "hi"},
			{TimeOffset: 5, Role: "B", Kind: model.TaskTypeJoinGroup, Payload: &payload},
		},
		Enabled:   true,
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, s.CreateScenario(ctx, sc))
	assert.ErrorIs(t, s.CreateScenario(ctx, sc), storage.ErrDuplicate)

	got, err := s.GetScenario(ctx, "sc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Timeline, 2)
	assert.Equal(t, []string{"A", "B", "C"}, got.Roles)
	assert.Equal(t, 5.0, got.Timeline[1].TimeOffset)
	require.NotNil(t, got.Timeline[1].Payload)
	assert.Equal(t, "{{target}}", got.Timeline[1].Payload.JoinGroup.Group)

	got.Enabled = false
	got.Roles = []string{"A", "B"}
	require.NoError(t, s.UpdateScenario(ctx, got))
	got, err = s.GetScenario(ctx, "sc-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, []string{"A", "B"}, got.Roles)

	list, err := s.ListScenarios(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteScenario(ctx, "sc-1"))
	assert.ErrorIs(t, s.DeleteScenario(ctx, "sc-1"), storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdateScenario(ctx, got), storage.ErrNotFound)
}

func testExecution(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	defer s.Close()

	exec := &model.Execution{
		ID:              "ex-1",
		ScenarioID:      "sc-1",
		ScenarioName:    "greeting",
		Target:          "group-1",
		RoleMap:         map[string]string{"A": "a1"},
		Status:          model.ExecutionStatusPending,
		Timeline:        []model.TimelineAction{{Role: "A", Content: "hi"}},
		ExecutedActions: []int{},
		ActionTasks:     []string{""},
		CreatedAt:       base,
		UpdatedAt:       base,
	}
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.ErrorIs(t, s.CreateExecution(ctx, exec), storage.ErrDuplicate)

	exec.Status = model.ExecutionStatusRunning
	started := base.Add(time.Second)
	exec.StartedAt = &started
	lease := base.Add(30 * time.Second)
	exec.Owner = "node-a/1"
	exec.LeaseExpiresAt = &lease
	exec.SetTask(0, "t1")
	require.NoError(t, s.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusPending))
	assert.ErrorIs(t, s.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusPending), storage.ErrConflict)

	exec.MarkExecuted(0)
	require.NoError(t, s.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusRunning))

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []int{0}, got.ExecutedActions)
	assert.Equal(t, "t1", got.TaskFor(0))
	assert.Equal(t, "a1", got.RoleMap["A"])
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, "node-a/1", got.Owner)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.Equal(lease))

	// 释放租约
	got.LeaseExpiresAt = nil
	require.NoError(t, s.UpdateExecutionIfStatus(ctx, got, model.ExecutionStatusRunning))
	released, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Nil(t, released.LeaseExpiresAt)

	running, err := s.ListExecutions(ctx, model.ExecutionStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
	none, err := s.ListExecutions(ctx, model.ExecutionStatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, none)

	missing, err := s.GetExecution(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
