package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *memstore.Store, *clock.Fake) {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFake(testStart)
	reg := New(store, clk, config.RegistryConfig{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    10 * time.Second,
		BcryptCost:       bcrypt.MinCost,
	}, nil)
	return reg, store, clk
}

func mustRegister(t *testing.T, reg *Registry, id, credential string, metadata map[string]string) {
	t.Helper()
	resp, err := reg.Register(context.Background(), &model.RegisterRequest{AgentID: id, Credential: credential, Metadata: metadata})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
}

// fakeReleaser 模拟调度器：释放 Agent 并记录回收请求
type fakeReleaser struct {
	mu    sync.Mutex
	store *memstore.Store
	calls []string
}

func (f *fakeReleaser) RequeueTask(ctx context.Context, taskID, agentID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, taskID+"@"+agentID+":"+reason)
	if err := f.store.ReleaseAgent(ctx, agentID, taskID, testStart); err != nil {
		return false, nil
	}
	return true, nil
}

// ============================================================================
// Register
// ============================================================================

func TestRegister(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, reg *Registry)
		req        model.RegisterRequest
		wantErr    error
		wantIssued bool
	}{
		{
			name: "首次注册携带凭证",
			req:  model.RegisterRequest{AgentID: "a1", Credential: "secret"},
		},
		{
			name:       "首次注册未携带凭证时签发",
			req:        model.RegisterRequest{AgentID: "a1"},
			wantIssued: true,
		},
		{
			name:  "相同凭证重复注册幂等",
			setup: func(t *testing.T, reg *Registry) { mustRegister(t, reg, "a1", "secret", nil) },
			req:   model.RegisterRequest{AgentID: "a1", Credential: "secret"},
		},
		{
			name:    "不同凭证重复注册冲突",
			setup:   func(t *testing.T, reg *Registry) { mustRegister(t, reg, "a1", "secret", nil) },
			req:     model.RegisterRequest{AgentID: "a1", Credential: "other"},
			wantErr: ErrDuplicateRegistration,
		},
		{
			name:    "已存在且未携带凭证冲突",
			setup:   func(t *testing.T, reg *Registry) { mustRegister(t, reg, "a1", "secret", nil) },
			req:     model.RegisterRequest{AgentID: "a1"},
			wantErr: ErrDuplicateRegistration,
		},
		{
			name:    "空 ID",
			req:     model.RegisterRequest{Credential: "x"},
			wantErr: ErrInvalidAgentID,
		},
		{
			name:    "ID 包含斜杠",
			req:     model.RegisterRequest{AgentID: "a/1", Credential: "x"},
			wantErr: ErrInvalidAgentID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _, _ := newTestRegistry(t)
			if tt.setup != nil {
				tt.setup(t, reg)
			}
			resp, err := reg.Register(context.Background(), &tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, resp.Accepted)
			if tt.wantIssued {
				assert.Len(t, resp.IssuedCredential, 64)
			} else {
				assert.Empty(t, resp.IssuedCredential)
			}
		})
	}
}

func TestRegister_StoresHashNotCredential(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	mustRegister(t, reg, "a1", "secret", map[string]string{"roles": "sender"})

	a, err := store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.NotEqual(t, "secret", a.CredentialHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(a.CredentialHash), []byte("secret")))
	assert.Equal(t, model.AgentStatusOnline, a.Status)
	assert.Equal(t, testStart, a.LastActiveAt)
}

func TestRegister_IssuedCredentialAuthenticates(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	resp, err := reg.Register(ctx, &model.RegisterRequest{AgentID: "a1"})
	require.NoError(t, err)

	_, err = reg.Authenticate(ctx, "a1", resp.IssuedCredential)
	assert.NoError(t, err)

	again, err := reg.Register(ctx, &model.RegisterRequest{AgentID: "a1", Credential: resp.IssuedCredential})
	require.NoError(t, err)
	assert.True(t, again.Accepted)
}

func TestRegister_RefreshesMetadataAndRevivesOffline(t *testing.T) {
	reg, store, clk := newTestRegistry(t)
	ctx := context.Background()
	mustRegister(t, reg, "a1", "secret", map[string]string{"roles": "sender"})

	clk.Advance(time.Minute)
	res, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Offline)

	mustRegister(t, reg, "a1", "secret", map[string]string{"roles": "receiver"})
	a, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusOnline, a.Status)
	assert.Equal(t, "receiver", a.Metadata["roles"])
	assert.Equal(t, clk.Now(), a.LastActiveAt)
}

func TestAuthenticate(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	mustRegister(t, reg, "a1", "secret", nil)

	_, err := reg.Authenticate(ctx, "ghost", "secret")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = reg.Authenticate(ctx, "a1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = reg.Authenticate(ctx, "a1", "")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	// 第二次命中摘要缓存
	for i := 0; i < 2; i++ {
		a, err := reg.Authenticate(ctx, "a1", "secret")
		require.NoError(t, err)
		assert.Equal(t, "a1", a.ID)
	}
	_, err = reg.Authenticate(ctx, "a1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("未注册的 Agent", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		_, err := reg.Heartbeat(ctx, "ghost", &model.HeartbeatRequest{})
		assert.ErrorIs(t, err, ErrUnknownAgent)
	})

	t.Run("非法状态", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		mustRegister(t, reg, "a1", "s", nil)
		_, err := reg.Heartbeat(ctx, "a1", &model.HeartbeatRequest{Status: "sleeping"})
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("刷新活跃时间并默认 online", func(t *testing.T) {
		reg, _, clk := newTestRegistry(t)
		mustRegister(t, reg, "a1", "s", nil)
		clk.Advance(10 * time.Second)

		a, err := reg.Heartbeat(ctx, "a1", &model.HeartbeatRequest{})
		require.NoError(t, err)
		assert.Equal(t, clk.Now(), a.LastActiveAt)
		assert.Equal(t, model.AgentStatusOnline, a.Status)
	})

	t.Run("未持有任务时采用上报状态", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		mustRegister(t, reg, "a1", "s", nil)
		a, err := reg.Heartbeat(ctx, "a1", &model.HeartbeatRequest{Status: model.AgentStatusError})
		require.NoError(t, err)
		assert.Equal(t, model.AgentStatusError, a.Status)
	})

	t.Run("持有任务时以协调器视图为准", func(t *testing.T) {
		reg, store, clk := newTestRegistry(t)
		mustRegister(t, reg, "a1", "s", nil)
		require.NoError(t, store.ClaimAgent(ctx, "a1", "t1", clk.Now()))

		a, err := reg.Heartbeat(ctx, "a1", &model.HeartbeatRequest{Status: model.AgentStatusOnline})
		require.NoError(t, err)
		assert.Equal(t, model.AgentStatusBusy, a.Status)
		require.NotNil(t, a.CurrentTaskID)
		assert.Equal(t, "t1", *a.CurrentTaskID)
	})

	t.Run("离线 Agent 心跳后恢复", func(t *testing.T) {
		reg, _, clk := newTestRegistry(t)
		mustRegister(t, reg, "a1", "s", nil)
		clk.Advance(time.Minute)
		_, err := reg.Sweep(ctx)
		require.NoError(t, err)

		a, err := reg.Heartbeat(ctx, "a1", &model.HeartbeatRequest{Timestamp: clk.Now()})
		require.NoError(t, err)
		assert.Equal(t, model.AgentStatusOnline, a.Status)
	})
}

// ============================================================================
// Sweep
// ============================================================================

func TestSweep_ReclaimsAndIsIdempotent(t *testing.T) {
	reg, store, clk := newTestRegistry(t)
	ctx := context.Background()
	rel := &fakeReleaser{store: store}
	reg.SetReleaser(rel)

	mustRegister(t, reg, "a1", "s", nil)
	mustRegister(t, reg, "a2", "s", nil)
	require.NoError(t, store.ClaimAgent(ctx, "a1", "t1", clk.Now()))

	clk.Advance(20 * time.Second)
	_, err := reg.Heartbeat(ctx, "a2", &model.HeartbeatRequest{})
	require.NoError(t, err)
	clk.Advance(20 * time.Second)

	res, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Offline)
	assert.Equal(t, []string{"t1"}, res.Reclaimed)
	assert.Equal(t, []string{"t1@a1:agent_offline"}, rel.calls)

	a1, _ := store.GetAgent(ctx, "a1")
	assert.Equal(t, model.AgentStatusOffline, a1.Status)
	assert.Nil(t, a1.CurrentTaskID)
	a2, _ := store.GetAgent(ctx, "a2")
	assert.Equal(t, model.AgentStatusOnline, a2.Status)

	before, err := store.ListAgents(ctx)
	require.NoError(t, err)

	again, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Offline)
	assert.Empty(t, again.Reclaimed)
	assert.Len(t, rel.calls, 1)

	after, err := store.ListAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSweep_RetriesReclaimForOfflineHolder(t *testing.T) {
	reg, store, clk := newTestRegistry(t)
	ctx := context.Background()

	mustRegister(t, reg, "a1", "s", nil)
	require.NoError(t, store.ClaimAgent(ctx, "a1", "t1", clk.Now()))
	clk.Advance(time.Minute)

	// 没有回收器时只标记离线
	res, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Offline)
	assert.Empty(t, res.Reclaimed)

	rel := &fakeReleaser{store: store}
	reg.SetReleaser(rel)
	res, err = reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Offline)
	assert.Equal(t, []string{"t1"}, res.Reclaimed)
}

// ============================================================================
// ListAvailable / FindAvailable
// ============================================================================

func TestListAvailable(t *testing.T) {
	reg, store, clk := newTestRegistry(t)
	ctx := context.Background()

	mustRegister(t, reg, "old", "s", nil)
	clk.Advance(5 * time.Second)
	mustRegister(t, reg, "new", "s", map[string]string{"roles": "sender"})
	mustRegister(t, reg, "busy", "s", nil)
	mustRegister(t, reg, "broken", "s", nil)
	require.NoError(t, store.ClaimAgent(ctx, "busy", "t1", clk.Now()))
	_, err := reg.Heartbeat(ctx, "broken", &model.HeartbeatRequest{Status: model.AgentStatusError})
	require.NoError(t, err)

	agents, err := reg.ListAvailable(ctx)
	require.NoError(t, err)
	var ids []string
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"old", "new"}, ids)

	found, err := reg.FindAvailable(ctx, func(a *model.Agent) bool { return a.HasRole("sender") })
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "new", found.ID)

	none, err := reg.FindAvailable(ctx, func(a *model.Agent) bool { return a.HasRole("admin") })
	require.NoError(t, err)
	assert.Nil(t, none)

	// 超时未扫描的 Agent 也不再可用
	clk.Advance(28 * time.Second)
	agents, err = reg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "new", agents[0].ID)
}

func TestGet_Unknown(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}
