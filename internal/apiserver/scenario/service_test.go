package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Create(t *testing.T) {
	svc := NewService(memstore.New(), clock.NewFake(testStart))
	ctx := context.Background()

	tests := []struct {
		name    string
		req     *ScenarioRequest
		wantErr bool
	}{
		{name: "合法场景", req: &ScenarioRequest{Name: "s", Timeline: []model.TimelineAction{action(0, "host", "hi")}}},
		{name: "空时间线", req: &ScenarioRequest{Name: "s"}},
		{name: "缺少名称", req: &ScenarioRequest{Timeline: []model.TimelineAction{action(0, "host", "hi")}}, wantErr: true},
		{name: "缺少角色", req: &ScenarioRequest{Name: "s", Timeline: []model.TimelineAction{action(0, "", "hi")}}, wantErr: true},
		{name: "负偏移", req: &ScenarioRequest{Name: "s", Timeline: []model.TimelineAction{action(-1, "host", "hi")}}, wantErr: true},
		{name: "未知动作类型", req: &ScenarioRequest{Name: "s", Timeline: []model.TimelineAction{{Role: "host", Kind: "dance"}}}, wantErr: true},
		{name: "声明角色", req: &ScenarioRequest{Name: "s", Roles: []string{"UserA", "UserB"}, Timeline: []model.TimelineAction{action(0, "UserA", "hi"), action(5, "UserB", "yo")}}},
		{name: "声明但未使用的角色", req: &ScenarioRequest{Name: "s", Roles: []string{"UserA", "UserB"}, Timeline: []model.TimelineAction{action(0, "UserA", "hi")}}},
		{name: "引用未声明角色", req: &ScenarioRequest{Name: "s", Roles: []string{"UserA", "UserB"}, Timeline: []model.TimelineAction{action(0, "UserA", "hi"), action(5, "Usr", "yo")}}, wantErr: true},
		{name: "后续动作载荷缺少字段", req: &ScenarioRequest{Name: "s", Timeline: []model.TimelineAction{action(0, "host", "hi"), {TimeOffset: 1, Role: "host", Kind: model.TaskTypeRunScript}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := svc.Create(ctx, tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrInvalidScenario)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, sc.ID)
			assert.True(t, sc.Enabled)
			if len(tt.req.Roles) > 0 {
				assert.Equal(t, tt.req.Roles, sc.Roles)
			}
		})
	}
}

func TestService_TimelineSortedStable(t *testing.T) {
	svc := NewService(memstore.New(), nil)
	sc, err := svc.Create(context.Background(), &ScenarioRequest{
		Name: "s",
		Timeline: []model.TimelineAction{
			action(10, "host", "late"),
			action(0, "guest", "first"),
			action(0, "host", "second"),
		},
	})
	require.NoError(t, err)

	var contents []string
	for _, a := range sc.Timeline {
		contents = append(contents, a.Content)
	}
	assert.Equal(t, []string{"first", "second", "late"}, contents)
	assert.Equal(t, []string{"guest", "host"}, sc.Roles)
}

func TestService_InvalidActionRejectedBeforeAnyDelivery(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, nil)
	_, err := svc.Create(context.Background(), &ScenarioRequest{
		Name: "s",
		Timeline: []model.TimelineAction{
			action(0, "host", "hi"),
			{TimeOffset: 1, Role: "host", Kind: model.TaskTypeRunScript},
		},
	})
	require.ErrorIs(t, err, model.ErrInvalidScenario)
	assert.Contains(t, err.Error(), "action 1")

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_UpdateToggleDelete(t *testing.T) {
	svc := NewService(memstore.New(), clock.NewFake(testStart))
	ctx := context.Background()
	sc, err := svc.Create(ctx, &ScenarioRequest{Name: "s", Timeline: []model.TimelineAction{action(0, "host", "hi")}})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, sc.ID, &ScenarioRequest{Name: "renamed", Timeline: []model.TimelineAction{action(1, "guest", "yo")}})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.Enabled)

	disabled, err := svc.SetEnabled(ctx, sc.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	got, err := svc.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "guest", got.Timeline[0].Role)

	require.NoError(t, svc.Delete(ctx, sc.ID))
	_, err = svc.Get(ctx, sc.ID)
	assert.ErrorIs(t, err, ErrScenarioNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, sc.ID), ErrScenarioNotFound)
	_, err = svc.SetEnabled(ctx, sc.ID, true)
	assert.ErrorIs(t, err, ErrScenarioNotFound)
}

func TestExecution_SnapshotIgnoresLaterEdits(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	sc := env.createScenario(t, action(0, "host", "original"))
	exec := env.start(t, sc)

	_, err := env.scenarios.Update(ctx, sc.ID, &ScenarioRequest{Name: "edited", Timeline: []model.TimelineAction{action(0, "guest", "changed")}})
	require.NoError(t, err)

	taskID := env.finishAction(t, exec.ID, 0, model.TaskStatusCompleted)
	task, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "original", task.Payload.SendMessage.Content)
	assert.Equal(t, "demo", env.load(t, exec.ID).ScenarioName)
}

// ============================================================================
// Handler
// ============================================================================

func doJSON(mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ScenarioAndExecution(t *testing.T) {
	env := newExecEnv(t)
	mux := http.NewServeMux()
	NewHandler(env.scenarios, env.executor).RegisterRoutes(mux)

	rec := doJSON(mux, http.MethodPost, "/api/v1/scenarios", ScenarioRequest{
		Name:     "welcome",
		Timeline: []model.TimelineAction{action(0, "host", "hi"), action(60, "guest", "hello")},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sc model.Scenario
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sc))

	// 角色映射不完整
	rec = doJSON(mux, http.MethodPost, "/api/v1/executions", StartRequest{
		ScenarioID: sc.ID, Target: "g", RoleMap: map[string]string{"host": "host-agent"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// 启动
	rec = doJSON(mux, http.MethodPost, "/api/v1/executions", StartRequest{
		ScenarioID: sc.ID, Target: "g", RoleMap: map[string]string{"host": "host-agent", "guest": "guest-agent"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var exec model.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
	assert.Equal(t, model.ExecutionStatusRunning, exec.Status)

	rec = doJSON(mux, http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(mux, http.MethodGet, "/api/v1/executions?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	rec = doJSON(mux, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(mux, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 停用后不能启动
	rec = doJSON(mux, http.MethodPost, "/api/v1/scenarios/"+sc.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(mux, http.MethodPost, "/api/v1/executions", StartRequest{
		ScenarioID: sc.ID, Target: "g", RoleMap: map[string]string{"host": "host-agent", "guest": "guest-agent"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
	}{
		{"场景列表", http.MethodGet, "/api/v1/scenarios", nil, http.StatusOK},
		{"场景不存在", http.MethodGet, "/api/v1/scenarios/missing", nil, http.StatusNotFound},
		{"执行不存在", http.MethodGet, "/api/v1/executions/missing", nil, http.StatusNotFound},
		{"非法场景", http.MethodPost, "/api/v1/scenarios", ScenarioRequest{}, http.StatusBadRequest},
		{"重新启用", http.MethodPost, "/api/v1/scenarios/" + sc.ID + "/enable", nil, http.StatusOK},
		{"删除", http.MethodDelete, "/api/v1/scenarios/" + sc.ID, nil, http.StatusNoContent},
		{"重复删除", http.MethodDelete, "/api/v1/scenarios/" + sc.ID, nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(mux, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}
