package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleet-coordinator/internal/apiserver/dispatcher"
	"fleet-coordinator/internal/apiserver/scenario"
	"fleet-coordinator/internal/apiserver/server"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/infra"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const waitFor = 2 * time.Second

// newCoordinator 启动进程内协调器，返回运维客户端
func newCoordinator(t *testing.T) *Client {
	t.Helper()
	inf := infra.NewMemoryInfra()
	t.Cleanup(func() { inf.Close() })

	h := server.NewHandler(server.Deps{
		Config: &config.Config{
			Registry:   config.RegistryConfig{BcryptCost: bcrypt.MinCost},
			Dispatcher: config.DispatcherConfig{NodeID: "client-test"},
			Executor:   config.ExecutorConfig{PollInterval: 20 * time.Millisecond},
		},
		Store: memstore.New(),
		Infra: inf,
	})
	t.Cleanup(h.Executor().Shutdown)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return New(srv.URL, nil)
}

func registerAgent(t *testing.T, c *Client, id string) *AgentClient {
	t.Helper()
	resp, err := c.Register(context.Background(), &model.RegisterRequest{AgentID: id})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.NotEmpty(t, resp.IssuedCredential)
	return c.ForAgent(id, resp.IssuedCredential)
}

// ============================================================================
// Agent 侧
// ============================================================================

func TestClient_HeartbeatDeliversCommands(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	agent := registerAgent(t, c, "agent-1")
	assert.Equal(t, "agent-1", agent.ID())

	_, err := c.PushCommand(ctx, "agent-1", model.CommandUpdateConfig, map[string]string{"rate": "5"})
	require.NoError(t, err)
	_, err = c.PushCommand(ctx, "agent-1", model.CommandRestart, nil)
	require.NoError(t, err)

	resp, err := agent.Heartbeat(ctx, &model.HeartbeatRequest{Status: model.AgentStatusOnline, Timestamp: time.Now()})
	require.NoError(t, err)
	require.Len(t, resp.Commands, 2)
	assert.Equal(t, model.CommandUpdateConfig, resp.Commands[0].Kind)
	assert.Equal(t, "5", resp.Commands[0].Args["rate"])
	assert.Equal(t, model.CommandRestart, resp.Commands[1].Kind)

	// 指令只投递一次
	resp, err = agent.Heartbeat(ctx, &model.HeartbeatRequest{Status: model.AgentStatusOnline, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, resp.Commands)

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.AgentStatusOnline, agents[0].Status)
}

func TestClient_APIErrors(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	registerAgent(t, c, "agent-1")

	tests := []struct {
		name   string
		call   func() error
		status int
	}{
		{"重复注册", func() error {
			_, err := c.Register(ctx, &model.RegisterRequest{AgentID: "agent-1", Credential: "other"})
			return err
		}, http.StatusConflict},
		{"错误凭证", func() error {
			_, err := c.ForAgent("agent-1", "wrong").FetchTask(ctx)
			return err
		}, http.StatusUnauthorized},
		{"任务不存在", func() error {
			_, err := c.GetTask(ctx, "missing")
			return err
		}, http.StatusNotFound},
		{"执行不存在", func() error {
			_, err := c.GetExecution(ctx, "missing")
			return err
		}, http.StatusNotFound},
		{"脚本存储未启用", func() error {
			return c.UploadScript(ctx, "hello.lua", nil, 0)
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, IsStatus(err, tt.status), "got %v", err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.NotEmpty(t, apiErr.Message)
		})
	}
}

// ============================================================================
// 运维侧
// ============================================================================

func TestClient_TaskLifecycle(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	agent := registerAgent(t, c, "agent-1")

	task, err := c.SubmitTask(ctx, &dispatcher.SubmitRequest{
		Payload:       model.NewSendMessage("+100", "hello"),
		TargetAgentID: "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)

	none, err := agent.FetchTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "调度前没有任务")

	tick, err := c.DispatchTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Assigned)

	view, err := agent.FetchTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, task.ID, view.ID)
	assert.Equal(t, "hello", view.Payload.SendMessage.Content)

	accepted, err := agent.ReportResult(ctx, &model.TaskReport{
		TaskID: task.ID,
		Status: model.TaskStatusCompleted,
		Result: json.RawMessage(`{"delivered":true}`),
	})
	require.NoError(t, err)
	assert.True(t, accepted)

	got, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"delivered":true}`, string(got.Result))

	completed, err := c.ListTasks(ctx, model.TaskFilter{Status: model.TaskStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 1)
	pending, err := c.ListTasks(ctx, model.TaskFilter{Status: model.TaskStatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClient_CancelPendingTask(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	task, err := c.SubmitTask(ctx, &dispatcher.SubmitRequest{Payload: model.NewWait(1)})
	require.NoError(t, err)
	cancelled, err := c.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, cancelled.Status)
}

func TestClient_ScenarioAndExecution(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	registerAgent(t, c, "host")

	sc, err := c.CreateScenario(ctx, &scenario.ScenarioRequest{
		Name: "greeting",
		Timeline: []model.TimelineAction{
			{TimeOffset: 3600, Role: "host", Content: "hello {{target}}"},
		},
	})
	require.NoError(t, err)
	assert.True(t, sc.Enabled)

	list, err := c.ListScenarios(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	disabled, err := c.SetScenarioEnabled(ctx, sc.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	_, err = c.StartExecution(ctx, &scenario.StartRequest{ScenarioID: sc.ID, Target: "g1", RoleMap: map[string]string{"host": "host"}})
	require.Error(t, err, "停用的场景不能启动")

	_, err = c.SetScenarioEnabled(ctx, sc.ID, true)
	require.NoError(t, err)
	exec, err := c.StartExecution(ctx, &scenario.StartRequest{ScenarioID: sc.ID, Target: "g1", RoleMap: map[string]string{"host": "host"}})
	require.NoError(t, err)

	got, err := c.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, got.ScenarioID)

	running, err := c.ListExecutions(ctx, model.ExecutionStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	cancelled, err := c.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, cancelled.Status)

	all, err := c.ListExecutions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClient_Health(t *testing.T) {
	c := newCoordinator(t)
	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])
}

// ============================================================================
// Worker
// ============================================================================

func TestWorker_CompletesTask(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	w := NewWorker(c, config.AgentConfig{ID: "worker-1", Metadata: map[string]string{"region": "eu"}}, "")
	require.NoError(t, w.Register(ctx))
	assert.NotEmpty(t, w.Credential())

	task, err := c.SubmitTask(ctx, &dispatcher.SubmitRequest{
		Payload: model.NewJoinGroup("group-1"),
		Labels:  map[string]string{"region": "eu"},
	})
	require.NoError(t, err)
	_, err = c.DispatchTick(ctx)
	require.NoError(t, err)

	handled, err := w.PollOnce(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	got, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, "worker-1", result["agent_id"])
	assert.Equal(t, true, result["simulated"])

	handled, err = w.PollOnce(ctx)
	require.NoError(t, err)
	assert.False(t, handled, "没有更多任务")
}

func TestWorker_SimulatedFailure(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	w := NewWorker(c, config.AgentConfig{ID: "worker-1", FailRate: 1}, "")
	require.NoError(t, w.Register(ctx))

	task, err := c.SubmitTask(ctx, &dispatcher.SubmitRequest{Payload: model.NewSendMessage("+1", "hi")})
	require.NoError(t, err)
	_, err = c.DispatchTick(ctx)
	require.NoError(t, err)

	_, err = w.PollOnce(ctx)
	require.NoError(t, err)

	got, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.Equal(t, "simulated failure", got.Error)
}

func TestWorker_CancelCommandAbortsTask(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	w := NewWorker(c, config.AgentConfig{ID: "worker-1"}, "")
	var mu sync.Mutex
	var kinds []model.CommandKind
	w.OnCommand = func(cmd *model.Command) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, cmd.Kind)
	}
	require.NoError(t, w.Register(ctx))

	task, err := c.SubmitTask(ctx, &dispatcher.SubmitRequest{Payload: model.NewWait(30)})
	require.NoError(t, err)
	_, err = c.DispatchTick(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.PollOnce(ctx)
	}()
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.currentTask == task.ID
	}, waitFor, 10*time.Millisecond)

	_, err = c.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, w.Heartbeat(ctx))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("cancel_task 未中断正在执行的任务")
	}

	mu.Lock()
	assert.Contains(t, kinds, model.CommandCancelTask)
	mu.Unlock()

	got, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	c := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())

	w := NewWorker(c, config.AgentConfig{
		ID:                "worker-1",
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}, "")

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := c.GetAgent(context.Background(), "worker-1")
		return err == nil
	}, waitFor, 10*time.Millisecond)
	task, err := c.SubmitTask(context.Background(), &dispatcher.SubmitRequest{Payload: model.NewLeaveGroup("g")})
	require.NoError(t, err)
	_, err = c.DispatchTick(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := c.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == model.TaskStatusCompleted
	}, waitFor, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}
