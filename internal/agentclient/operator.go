package agentclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"fleet-coordinator/internal/apiserver/dispatcher"
	"fleet-coordinator/internal/apiserver/mailbox"
	"fleet-coordinator/internal/apiserver/scenario"
	"fleet-coordinator/internal/shared/model"
)

// ============================================================================
// Agents & Commands
// ============================================================================

// ListAgents 列出全部 Agent
func (c *Client) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	var resp struct {
		Agents []*model.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// GetAgent 获取 Agent
func (c *Client) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// PushCommand 向 Agent 邮箱投递指令
func (c *Client) PushCommand(ctx context.Context, agentID string, kind model.CommandKind, args map[string]string) (*model.Command, error) {
	var cmd model.Command
	req := &mailbox.EnqueueRequest{Kind: kind, Args: args}
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/commands", req, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// UploadScript 上传脚本到对象存储
func (c *Client) UploadScript(ctx context.Context, name string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v1/scripts/"+url.PathEscape(name), r)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.send(req, nil)
}

// ============================================================================
// Tasks
// ============================================================================

// SubmitTask 提交任务
func (c *Client) SubmitTask(ctx context.Context, req *dispatcher.SubmitRequest) (*model.Task, error) {
	var task model.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks 按过滤条件列出任务
func (c *Client) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.AgentID != "" {
		q.Set("agent_id", filter.AgentID)
	}
	if filter.ExecutionID != "" {
		q.Set("execution_id", filter.ExecutionID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/api/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []*model.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetTask 获取任务
func (c *Client) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask 取消任务
func (c *Client) CancelTask(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DispatchTick 手动触发一次调度
func (c *Client) DispatchTick(ctx context.Context) (*dispatcher.TickResult, error) {
	var res dispatcher.TickResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/dispatch/tick", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ============================================================================
// Scenarios & Executions
// ============================================================================

// CreateScenario 创建场景
func (c *Client) CreateScenario(ctx context.Context, req *scenario.ScenarioRequest) (*model.Scenario, error) {
	var sc model.Scenario
	if err := c.do(ctx, http.MethodPost, "/api/v1/scenarios", req, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListScenarios 列出场景
func (c *Client) ListScenarios(ctx context.Context) ([]*model.Scenario, error) {
	var resp struct {
		Scenarios []*model.Scenario `json:"scenarios"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/scenarios", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Scenarios, nil
}

// SetScenarioEnabled 启用或停用场景
func (c *Client) SetScenarioEnabled(ctx context.Context, id string, enabled bool) (*model.Scenario, error) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	var sc model.Scenario
	if err := c.do(ctx, http.MethodPost, "/api/v1/scenarios/"+url.PathEscape(id)+"/"+action, nil, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// StartExecution 启动场景执行
func (c *Client) StartExecution(ctx context.Context, req *scenario.StartRequest) (*model.Execution, error) {
	var exec model.Execution
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions", req, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions 列出执行；status 为空时列出全部
func (c *Client) ListExecutions(ctx context.Context, status model.ExecutionStatus) ([]*model.Execution, error) {
	path := "/api/v1/executions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var resp struct {
		Executions []*model.Execution `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// GetExecution 获取执行
func (c *Client) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var exec model.Execution
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// CancelExecution 取消执行
func (c *Client) CancelExecution(ctx context.Context, id string) (*model.Execution, error) {
	var exec model.Execution
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/cancel", nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ============================================================================
// Health
// ============================================================================

// Health 健康检查
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
