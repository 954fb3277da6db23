package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleet-coordinator/internal/apiserver/dispatcher"
	"fleet-coordinator/internal/apiserver/metrics"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/infra"
	"fleet-coordinator/internal/shared/lock"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const waitFor = 2 * time.Second

func newTestHandler(t *testing.T) (*Handler, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	inf := infra.NewMemoryInfra()
	t.Cleanup(func() { inf.Close() })

	cfg := &config.Config{
		Registry:   config.RegistryConfig{BcryptCost: bcrypt.MinCost, SweepInterval: 20 * time.Millisecond},
		Dispatcher: config.DispatcherConfig{NodeID: "test-node", TickInterval: 20 * time.Millisecond},
		Executor:   config.ExecutorConfig{PollInterval: 20 * time.Millisecond},
	}
	h := NewHandler(Deps{
		Config:  cfg,
		Store:   store,
		Infra:   inf,
		Leader:  lock.NewLocal(),
		Metrics: metrics.New("fleet_test"),
	})
	t.Cleanup(h.Executor().Shutdown)
	return h, store
}

func registerAgent(t *testing.T, h *Handler, id string) {
	t.Helper()
	_, err := h.Registry().Register(context.Background(), &model.RegisterRequest{AgentID: id, Credential: id + "-secret"})
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["leader"])
	assert.Equal(t, "memory", body["backend"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Router()

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-1", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "fleet_test_http_requests_total")
	assert.Contains(t, body, `path="/api/v1/tasks/{id}"`)
}

func TestCORS(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Router()

	tests := []struct {
		name       string
		method     string
		wantStatus int
	}{
		{"预检请求", http.MethodOptions, http.StatusOK},
		{"普通请求", http.MethodGet, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, "/api/v1/tasks", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), model.HeaderAgentCredential)
		})
	}
}

func TestMonitorStats(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	registerAgent(t, h, "a1")
	registerAgent(t, h, "a2")
	_, err := h.Dispatcher().Submit(ctx, &dispatcher.SubmitRequest{Payload: model.NewSendMessage("+1", "hi")})
	require.NoError(t, err)
	_, err = h.Dispatcher().Submit(ctx, &dispatcher.SubmitRequest{Payload: model.NewWait(1)})
	require.NoError(t, err)
	_, err = h.Dispatcher().DispatchTick(ctx)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/monitor/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats MonitorStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, map[string]int{"busy": 2}, stats.Agents)
	assert.Equal(t, map[string]int{"assigned": 2}, stats.Tasks)
	assert.Empty(t, stats.Executions)
	assert.False(t, stats.Leader)
}

func TestRefreshGauges(t *testing.T) {
	h, _ := newTestHandler(t)
	registerAgent(t, h, "a1")
	h.refreshGauges(context.Background())

	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `fleet_test_agents{status="online"} 1`)
}

// ============================================================================
// 后台循环与选主
// ============================================================================

func TestRun_LeaderRunsBackgroundLoops(t *testing.T) {
	h, store := newTestHandler(t)
	bg := context.Background()

	// 启动前遗留的 pending 执行：恢复时标记为失败
	now := time.Now()
	require.NoError(t, store.CreateExecution(bg, &model.Execution{
		ID:        "exec-stale",
		Status:    model.ExecutionStatusPending,
		RoleMap:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	ctx, cancel := context.WithCancel(bg)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Run(ctx)
	}()

	assert.Eventually(t, h.IsLeader, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		exec, err := store.GetExecution(bg, "exec-stale")
		return err == nil && exec.Status == model.ExecutionStatusFailed
	}, waitFor, 10*time.Millisecond)

	// 调度循环在 leader 上运行，提交后无需手动 tick
	registerAgent(t, h, "a1")
	task, err := h.Dispatcher().Submit(bg, &dispatcher.SubmitRequest{Payload: model.NewSendMessage("+1", "hi")})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, err := store.GetTask(bg, task.ID)
		return err == nil && got.Status == model.TaskStatusAssigned
	}, waitFor, 10*time.Millisecond)

	cancel()
	wg.Wait()
	assert.False(t, h.IsLeader())
}

// stubLeader 可手动撤销任期的 leader
type stubLeader struct {
	mu        sync.Mutex
	done      chan struct{}
	campaigns int
}

func (s *stubLeader) Campaign(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns++
	s.done = make(chan struct{})
	return ctx.Err()
}

func (s *stubLeader) Resign(context.Context) error { return nil }

func (s *stubLeader) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *stubLeader) Close() error { return nil }

func (s *stubLeader) revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.done)
}

func (s *stubLeader) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaigns
}

func TestRun_RecampaignsAfterLosingLeadership(t *testing.T) {
	h, _ := newTestHandler(t)
	leader := &stubLeader{}
	h.leader = leader

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	require.Eventually(t, func() bool { return leader.count() == 1 && h.IsLeader() }, waitFor, 10*time.Millisecond)
	leader.revoke()
	assert.Eventually(t, func() bool { return leader.count() == 2 && h.IsLeader() }, waitFor, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
