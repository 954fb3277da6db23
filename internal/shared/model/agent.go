// Package model 定义核心数据模型
//
// agent.go 包含 Agent（受控的消息账号执行端）相关的数据模型定义：
//   - Agent：向协调器注册、定期心跳、领取任务的远端进程
//   - AgentStatus：Agent 状态枚举
package model

import (
	"sort"
	"strings"
	"time"
)

// ============================================================================
// AgentStatus - Agent 状态
// ============================================================================

// AgentStatus 表示 Agent 的状态
//
// 状态流转：
//
//	online ⇄ busy
//	  ↓  ↑
//	offline（心跳超时，由 sweep 标记；重新注册或心跳后恢复）
//
// error 由 Agent 自行上报，表示账号异常，调度时不会被选中。
type AgentStatus string

const (
	// AgentStatusOnline 在线：可接受新任务
	AgentStatusOnline AgentStatus = "online"

	// AgentStatusOffline 离线：心跳超时
	AgentStatusOffline AgentStatus = "offline"

	// AgentStatusBusy 忙碌：持有一个进行中的任务
	AgentStatusBusy AgentStatus = "busy"

	// AgentStatusError 异常：Agent 上报的错误状态
	AgentStatusError AgentStatus = "error"
)

// IsValid 判断状态值是否合法
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusOnline, AgentStatusOffline, AgentStatusBusy, AgentStatusError:
		return true
	}
	return false
}

// MetadataRoles 元数据中声明 Agent 可扮演角色的键（逗号分隔）
const MetadataRoles = "roles"

// ============================================================================
// Agent
// ============================================================================

// Agent 表示一个受协调器管理的远端执行端
//
// 不变量：
//   - CurrentTaskID 非空时，对应任务必须处于 assigned 或 in_progress
//   - 同一时刻最多持有一个任务
type Agent struct {
	ID             string            `json:"id" bson:"_id"`
	Status         AgentStatus       `json:"status" bson:"status"`
	CurrentTaskID  *string           `json:"current_task_id,omitempty" bson:"current_task_id"`
	LastActiveAt   time.Time         `json:"last_active_at" bson:"last_active_at"`
	CredentialHash string            `json:"-" bson:"credential_hash"`
	Metadata       map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	RegisteredAt   time.Time         `json:"registered_at" bson:"registered_at"`
	UpdatedAt      time.Time         `json:"updated_at" bson:"updated_at"`
}

// IsIdle 是否可被分配任务
func (a *Agent) IsIdle() bool {
	return a.Status == AgentStatusOnline && a.CurrentTaskID == nil
}

// HoldsTask 是否正持有指定任务
func (a *Agent) HoldsTask(taskID string) bool {
	return a.CurrentTaskID != nil && *a.CurrentTaskID == taskID
}

// Roles 返回元数据中声明的角色列表
func (a *Agent) Roles() []string {
	raw := a.Metadata[MetadataRoles]
	if raw == "" {
		return nil
	}
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// HasRole 判断 Agent 是否声明了指定角色
func (a *Agent) HasRole(role string) bool {
	for _, r := range a.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// MatchLabels 判断元数据是否包含全部标签
func (a *Agent) MatchLabels(labels map[string]string) bool {
	for k, v := range labels {
		if a.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Clone 深拷贝
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.CurrentTaskID != nil {
		id := *a.CurrentTaskID
		c.CurrentTaskID = &id
	}
	c.Metadata = cloneStringMap(a.Metadata)
	return &c
}

// SortAgentsByLastActive 按最近活跃时间升序排列（空闲最久的在前）
func SortAgentsByLastActive(agents []*Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].LastActiveAt.Equal(agents[j].LastActiveAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].LastActiveAt.Before(agents[j].LastActiveAt)
	})
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
