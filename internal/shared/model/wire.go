package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Agent 接口请求/响应体（协调器与 agentclient 共用）
// ============================================================================

// HeaderAgentCredential 除注册外的 Agent 接口都需携带的凭证头
const HeaderAgentCredential = "X-Agent-Credential"

// RegisterRequest POST /agents/register
type RegisterRequest struct {
	AgentID    string            `json:"agent_id"`
	Credential string            `json:"credential,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse 注册结果；未提供凭证时返回协调器签发的凭证
type RegisterResponse struct {
	Accepted         bool   `json:"accepted"`
	IssuedCredential string `json:"issued_credential,omitempty"`
	Error            string `json:"error,omitempty"`
}

// HeartbeatRequest POST /agents/{id}/heartbeat
type HeartbeatRequest struct {
	Status        AgentStatus `json:"status,omitempty"`
	CurrentTaskID *string     `json:"current_task_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// HeartbeatResponse 心跳响应，携带邮箱中的全部待执行指令
type HeartbeatResponse struct {
	Status   string     `json:"status"`
	Commands []*Command `json:"commands"`
}

// TaskFetchResponse GET /agents/{id}/task
type TaskFetchResponse struct {
	Task *TaskView `json:"task"`
}

// TaskReport POST /agents/{id}/task/result
//
// TaskID 为空时按 Agent 当前持有的任务处理。
type TaskReport struct {
	TaskID string          `json:"task_id,omitempty"`
	Status TaskStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ResultResponse 结果上报响应；任务已取消时 Accepted 为 false
type ResultResponse struct {
	Accepted bool `json:"accepted"`
}
