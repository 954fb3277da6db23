package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fleet-coordinator/internal/apiserver/mailbox"
	"fleet-coordinator/internal/apiserver/registry"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/cache"
	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/eventbus"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/queue"
	"fleet-coordinator/internal/shared/storage"
	"fleet-coordinator/internal/shared/storage/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	d       *Dispatcher
	reg     *registry.Registry
	store   *memstore.Store
	clk     *clock.Fake
	bus     *eventbus.MemoryEventBus
	queue   *queue.MemoryQueue
	mailbox *mailbox.Service
	cfg     config.DispatcherConfig
	deps    Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFake(testEpoch)
	reg := registry.New(store, clk, config.RegistryConfig{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    10 * time.Second,
		BcryptCost:       bcrypt.MinCost,
	}, nil)
	bus := eventbus.NewMemoryEventBus()
	t.Cleanup(func() { bus.Close() })
	q := queue.NewMemoryQueue()
	mb := mailbox.New(reg, cache.NewMemoryCache(), nil, clk, nil)

	cfg := config.DispatcherConfig{
		NodeID:       "test-node",
		TickInterval: 50 * time.Millisecond,
		BatchSize:    10,
		Strategy:     config.DispatcherStrategyConfig{Chain: []string{"direct", "affinity", "label_match", "idle_longest"}},
		Redis:        config.DispatcherRedisConfig{ReadTimeout: 20 * time.Millisecond, ReadCount: 10},
	}
	deps := Deps{
		Tasks:    store,
		Agents:   store,
		Registry: reg,
		Queue:    q,
		Events:   bus,
		Commands: mb,
		Clock:    clk,
	}
	d := New(cfg, deps)
	return &testEnv{d: d, reg: reg, store: store, clk: clk, bus: bus, queue: q, mailbox: mb, cfg: cfg, deps: deps}
}

func (e *testEnv) register(t *testing.T, id string, metadata map[string]string) {
	t.Helper()
	_, err := e.reg.Register(context.Background(), &model.RegisterRequest{AgentID: id, Credential: id + "-secret", Metadata: metadata})
	require.NoError(t, err)
}

func (e *testEnv) submit(t *testing.T, req *SubmitRequest) *model.Task {
	t.Helper()
	if req.Payload.Type == "" {
		req.Payload = model.NewSendMessage("+15550100", "hello")
	}
	task, err := e.d.Submit(context.Background(), req)
	require.NoError(t, err)
	return task
}

func (e *testEnv) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (e *testEnv) agent(t *testing.T, id string) *model.Agent {
	t.Helper()
	agent, err := e.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, agent)
	return agent
}

func (e *testEnv) tick(t *testing.T) *TickResult {
	t.Helper()
	res, err := e.d.DispatchTick(context.Background())
	require.NoError(t, err)
	return res
}

func intPtr(v int) *int { return &v }

// peer 共享同一存储的另一个调度器实例（独立的进程内锁）
func (e *testEnv) peer(tasks storage.TaskStore) *Dispatcher {
	deps := e.deps
	if tasks != nil {
		deps.Tasks = tasks
	}
	return New(e.cfg, deps)
}

// ============================================================================
// Submit
// ============================================================================

func TestSubmit(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a1", nil)

	tests := []struct {
		name    string
		req     *SubmitRequest
		wantErr error
		wantPri int
	}{
		{name: "默认优先级", req: &SubmitRequest{Payload: model.NewJoinGroup("g1")}, wantPri: model.DefaultTaskPriority},
		{name: "显式优先级 0", req: &SubmitRequest{Payload: model.NewWait(1), Priority: intPtr(0)}, wantPri: 0},
		{name: "指定已注册 Agent", req: &SubmitRequest{Payload: model.NewWait(1), TargetAgentID: "a1"}, wantPri: model.DefaultTaskPriority},
		{name: "指定未知 Agent", req: &SubmitRequest{Payload: model.NewWait(1), TargetAgentID: "ghost"}, wantErr: registry.ErrUnknownAgent},
		{name: "载荷为空", req: &SubmitRequest{}, wantErr: ErrInvalidTask},
		{name: "载荷类型与分支不符", req: &SubmitRequest{Payload: model.Payload{Type: model.TaskTypeWait, JoinGroup: &model.JoinGroupPayload{Group: "g"}}}, wantErr: ErrInvalidTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := env.d.Submit(context.Background(), tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, task.ID)
			assert.Equal(t, model.TaskStatusPending, task.Status)
			assert.Equal(t, tt.wantPri, task.Priority)
			assert.Equal(t, tt.req.Payload.Type, task.Type)
			require.Len(t, task.History, 1)
			assert.Equal(t, ReasonSubmitted, task.History[0].Reason)
			assert.Equal(t, testEpoch, task.CreatedAt)
		})
	}
}

// ============================================================================
// DispatchTick
// ============================================================================

func TestDispatchTick_PriorityBeforeAge(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a1", nil)

	low := env.submit(t, &SubmitRequest{Priority: intPtr(5)})
	env.clk.Advance(time.Second)
	high := env.submit(t, &SubmitRequest{Priority: intPtr(10)})

	res := env.tick(t)
	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, 1, res.Assigned)
	assert.Equal(t, 1, res.Waiting)

	assert.Equal(t, model.TaskStatusAssigned, env.task(t, high.ID).Status)
	assert.Equal(t, model.TaskStatusPending, env.task(t, low.ID).Status)
}

func TestDispatchTick_FIFOWithinPriority(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a1", nil)

	first := env.submit(t, &SubmitRequest{})
	env.clk.Advance(time.Second)
	second := env.submit(t, &SubmitRequest{})

	env.tick(t)
	assert.Equal(t, model.TaskStatusAssigned, env.task(t, first.ID).Status)
	assert.Equal(t, model.TaskStatusPending, env.task(t, second.ID).Status)
}

func TestDispatchTick_CurrentTaskInvariant(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a1", nil)
	env.register(t, "a2", nil)
	for i := 0; i < 3; i++ {
		env.submit(t, &SubmitRequest{})
	}

	res := env.tick(t)
	assert.Equal(t, 2, res.Assigned)

	// 再次调度不会给已占用的 Agent 分配第二个任务
	res = env.tick(t)
	assert.Equal(t, 0, res.Assigned)

	for _, id := range []string{"a1", "a2"} {
		agent := env.agent(t, id)
		require.NotNil(t, agent.CurrentTaskID, id)
		assert.Equal(t, model.AgentStatusBusy, agent.Status)

		task := env.task(t, *agent.CurrentTaskID)
		assert.Equal(t, model.TaskStatusAssigned, task.Status)
		assert.True(t, task.HeldBy(id))
		assert.Equal(t, 1, task.Attempts)
		require.NotNil(t, task.AssignedAt)
	}
}

func TestDispatchTick_ConcurrentInstances(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a1", nil)
	env.register(t, "a2", nil)
	for i := 0; i < 30; i++ {
		env.submit(t, &SubmitRequest{})
	}

	// 两个实例共享存储，各自的进程内锁互不可见，只能依赖存储的条件写入
	instances := []*Dispatcher{env.d, env.peer(nil)}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, d := range instances {
			wg.Add(1)
			go func(d *Dispatcher) {
				defer wg.Done()
				_, err := d.DispatchTick(context.Background())
				assert.NoError(t, err)
			}(d)
		}
	}
	wg.Wait()

	active, err := env.store.ListTasks(context.Background(), model.TaskFilter{Status: model.TaskStatusAssigned})
	require.NoError(t, err)
	require.Len(t, active, 2)

	holders := map[string]string{}
	for _, task := range active {
		require.NotNil(t, task.AgentID)
		assert.Equal(t, 1, task.Attempts, task.ID)
		_, dup := holders[*task.AgentID]
		assert.False(t, dup, "agent %s holds two tasks", *task.AgentID)
		holders[*task.AgentID] = task.ID
	}
	for _, id := range []string{"a1", "a2"} {
		agent := env.agent(t, id)
		require.NotNil(t, agent.CurrentTaskID, id)
		assert.Equal(t, holders[id], *agent.CurrentTaskID)
		assert.Equal(t, model.AgentStatusBusy, agent.Status)
	}

	pending, err := env.store.ListTasks(context.Background(), model.TaskFilter{Status: model.TaskStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 28)
}

func TestDispatchTick_Constraints(t *testing.T) {
	tests := []struct {
		name      string
		req       *SubmitRequest
		wantAgent string // 空表示保持 pending
	}{
		{name: "指定 Agent 优先于空闲时长", req: &SubmitRequest{TargetAgentID: "young"}, wantAgent: "young"},
		{name: "无约束选择空闲最久", req: &SubmitRequest{}, wantAgent: "old"},
		{name: "角色亲和", req: &SubmitRequest{Role: "host"}, wantAgent: "young"},
		{name: "标签必须全部满足", req: &SubmitRequest{Labels: map[string]string{"region": "eu"}}, wantAgent: "young"},
		{name: "没有满足标签的 Agent", req: &SubmitRequest{Labels: map[string]string{"region": "ap"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.register(t, "old", nil)
			env.clk.Advance(10 * time.Second)
			env.register(t, "young", map[string]string{"region": "eu", model.MetadataRoles: "host"})

			task := env.submit(t, tt.req)
			env.tick(t)

			got := env.task(t, task.ID)
			if tt.wantAgent == "" {
				assert.Equal(t, model.TaskStatusPending, got.Status)
				return
			}
			assert.True(t, got.HeldBy(tt.wantAgent), "held by %v", got.AgentID)
		})
	}
}

func TestDispatchTick_SkipsStaleAgents(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a1", nil)
	env.clk.Advance(31 * time.Second)
	task := env.submit(t, &SubmitRequest{})

	res := env.tick(t)
	assert.Equal(t, 0, res.Assigned)
	assert.Equal(t, model.TaskStatusPending, env.task(t, task.ID).Status)
	assert.Equal(t, model.AgentStatusOffline, env.agent(t, "a1").Status)
}

// ============================================================================
// 回收
// ============================================================================

func TestReclaimAfterHeartbeatTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a1", nil)
	task := env.submit(t, &SubmitRequest{})

	env.tick(t)
	require.True(t, env.task(t, task.ID).HeldBy("a1"))

	// 超过心跳超时，下一次调度先扫描回收
	env.clk.Advance(31 * time.Second)
	env.tick(t)

	agent := env.agent(t, "a1")
	assert.Equal(t, model.AgentStatusOffline, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)

	got := env.task(t, task.ID)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Nil(t, got.AgentID)
	assert.Nil(t, got.AssignedAt)
	last := got.History[len(got.History)-1]
	assert.Equal(t, registry.ReasonAgentOffline, last.Reason)
	assert.Equal(t, "a1", last.AgentID)

	// 新 Agent 上线后重新分配
	env.register(t, "a2", nil)
	env.tick(t)
	got = env.task(t, task.ID)
	assert.True(t, got.HeldBy("a2"))
	assert.Equal(t, 2, got.Attempts)

	// 原 Agent 的迟到结果被拒绝
	_, err := env.d.ReportResult(context.Background(), "a1", &model.TaskReport{TaskID: task.ID, Status: model.TaskStatusCompleted})
	assert.ErrorIs(t, err, ErrAgentMismatch)
}

func TestRequeueTask_DanglingReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "a1", nil)
	task := env.submit(t, &SubmitRequest{})
	env.tick(t)

	// 任务已结束但 Agent 仍指向它
	_, err := env.d.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, env.store.ClaimAgent(ctx, "a1", task.ID, testEpoch))

	requeued, err := env.d.RequeueTask(ctx, task.ID, "a1", registry.ReasonAgentOffline)
	require.NoError(t, err)
	assert.False(t, requeued)
	assert.Nil(t, env.agent(t, "a1").CurrentTaskID)
	assert.Equal(t, model.TaskStatusCancelled, env.task(t, task.ID).Status)
}

// ============================================================================
// Agent 侧
// ============================================================================

func TestCurrentTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "a1", nil)

	got, err := env.d.CurrentTask(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = env.d.CurrentTask(ctx, "ghost")
	assert.ErrorIs(t, err, registry.ErrUnknownAgent)

	task := env.submit(t, &SubmitRequest{})
	env.tick(t)
	env.clk.Advance(time.Second)

	got, err = env.d.CurrentTask(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, testEpoch.Add(time.Second), *got.StartedAt)

	// 重复获取保持 in_progress
	got, err = env.d.CurrentTask(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
}

func TestReportResult(t *testing.T) {
	tests := []struct {
		name         string
		agentID      string
		report       model.TaskReport
		cancelFirst  bool
		omitTaskID   bool
		wantAccepted bool
		wantErr      error
		wantStatus   model.TaskStatus
	}{
		{
			name: "持有者上报完成", agentID: "a1",
			report:       model.TaskReport{Status: model.TaskStatusCompleted, Result: json.RawMessage(`{"ok":true}`)},
			wantAccepted: true, wantStatus: model.TaskStatusCompleted,
		},
		{
			name: "省略任务 ID 时使用当前任务", agentID: "a1", omitTaskID: true,
			report:       model.TaskReport{Status: model.TaskStatusFailed, Error: "blocked"},
			wantAccepted: true, wantStatus: model.TaskStatusFailed,
		},
		{
			name: "非持有者上报", agentID: "a2",
			report:  model.TaskReport{Status: model.TaskStatusCompleted},
			wantErr: ErrAgentMismatch, wantStatus: model.TaskStatusAssigned,
		},
		{
			name: "非法结果状态", agentID: "a1",
			report:  model.TaskReport{Status: model.TaskStatusInProgress},
			wantErr: ErrInvalidResult, wantStatus: model.TaskStatusAssigned,
		},
		{
			name: "已取消任务的迟到结果被忽略", agentID: "a1", cancelFirst: true,
			report:     model.TaskReport{Status: model.TaskStatusCompleted},
			wantStatus: model.TaskStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.register(t, "a1", nil)
			task := env.submit(t, &SubmitRequest{TargetAgentID: "a1"})
			env.tick(t)
			env.register(t, "a2", nil)

			if tt.cancelFirst {
				_, err := env.d.Cancel(ctx, task.ID)
				require.NoError(t, err)
			}

			report := tt.report
			if !tt.omitTaskID {
				report.TaskID = task.ID
			}

			accepted, err := env.d.ReportResult(ctx, tt.agentID, &report)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantAccepted, accepted)

			got := env.task(t, task.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			if tt.wantAccepted {
				assert.Nil(t, got.AgentID)
				require.NotNil(t, got.FinishedAt)
				assert.Equal(t, report.Error, got.Error)
				agent := env.agent(t, "a1")
				assert.Nil(t, agent.CurrentTaskID)
				assert.Equal(t, model.AgentStatusOnline, agent.Status)

				// 重复上报幂等
				again, err := env.d.ReportResult(ctx, "a1", &model.TaskReport{TaskID: task.ID, Status: tt.report.Status})
				require.NoError(t, err)
				assert.False(t, again)
			}
		})
	}
}

// staleTaskStore 第一次读取返回过期快照，模拟另一实例在读写之间完成了回收与重新分配
type staleTaskStore struct {
	storage.TaskStore
	stale map[string]*model.Task
}

func (s *staleTaskStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if task, ok := s.stale[id]; ok {
		delete(s.stale, id)
		return task, nil
	}
	return s.TaskStore.GetTask(ctx, id)
}

func TestReportResult_HolderChangedConcurrently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "a1", nil)
	task := env.submit(t, &SubmitRequest{})
	env.tick(t)
	snapshot := env.task(t, task.ID)
	require.True(t, snapshot.HeldBy("a1"))

	// 另一实例：a1 超时回收，任务重新分配给 a2
	requeued, err := env.d.RequeueTask(ctx, task.ID, "a1", "heartbeat_timeout")
	require.NoError(t, err)
	require.True(t, requeued)
	env.register(t, "a2", nil)
	reassigned := env.task(t, task.ID)
	holder := "a2"
	reassigned.AgentID = &holder
	reassigned.Transition(model.TaskStatusAssigned, holder, "test", env.clk.Now())
	require.NoError(t, env.store.UpdateTaskIfStatus(ctx, reassigned, model.TaskStatusPending))

	d := env.peer(&staleTaskStore{TaskStore: env.store, stale: map[string]*model.Task{task.ID: snapshot}})
	accepted, err := d.ReportResult(ctx, "a1", &model.TaskReport{TaskID: task.ID, Status: model.TaskStatusCompleted})
	assert.ErrorIs(t, err, ErrAgentMismatch)
	assert.False(t, accepted)

	got := env.task(t, task.ID)
	assert.Equal(t, model.TaskStatusAssigned, got.Status)
	assert.True(t, got.HeldBy("a2"))
}

// ============================================================================
// Cancel
// ============================================================================

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "a1", nil)

	running := env.submit(t, &SubmitRequest{Priority: intPtr(200)})
	env.tick(t)
	queued := env.submit(t, &SubmitRequest{})

	t.Run("pending 任务", func(t *testing.T) {
		got, err := env.d.Cancel(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, got.Status)
	})

	t.Run("已分配任务释放 Agent 并通知", func(t *testing.T) {
		got, err := env.d.Cancel(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, got.Status)
		assert.Nil(t, got.AgentID)

		agent := env.agent(t, "a1")
		assert.Nil(t, agent.CurrentTaskID)
		assert.Equal(t, model.AgentStatusOnline, agent.Status)

		cmds, err := env.mailbox.Drain(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, cmds, 1)
		assert.Equal(t, model.CommandCancelTask, cmds[0].Kind)
		assert.Equal(t, running.ID, cmds[0].Args[mailbox.ArgTaskID])
	})

	t.Run("终态不可再取消", func(t *testing.T) {
		_, err := env.d.Cancel(ctx, running.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("任务不存在", func(t *testing.T) {
		_, err := env.d.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	// 已取消的任务不会再被调度
	res := env.tick(t)
	assert.Equal(t, 0, res.Pending)
}

// ============================================================================
// 事件与运行循环
// ============================================================================

func TestTaskEventsPublished(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := env.bus.SubscribeTaskEvents(ctx, "exec-1")
	require.NoError(t, err)

	env.register(t, "a1", nil)
	task := env.submit(t, &SubmitRequest{ExecutionID: "exec-1", ActionIndex: intPtr(0)})
	env.tick(t)

	want := []model.TaskStatus{model.TaskStatusPending, model.TaskStatusAssigned}
	for _, status := range want {
		select {
		case ev := <-events:
			assert.Equal(t, task.ID, ev.TaskID)
			assert.Equal(t, "exec-1", ev.ExecutionID)
			assert.Equal(t, status, ev.To)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s event", status)
		}
	}
}

func TestRun_DispatchesOnSignal(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.d.Run(ctx)
		close(done)
	}()

	env.register(t, "a1", nil)
	task := env.submit(t, &SubmitRequest{})

	assert.Eventually(t, func() bool {
		got, err := env.store.GetTask(context.Background(), task.ID)
		return err == nil && got != nil && got.Status == model.TaskStatusAssigned
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
