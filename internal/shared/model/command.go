package model

import "time"

// CommandKind 控制指令类型
type CommandKind string

const (
	CommandReloadScript CommandKind = "reload_script"
	CommandUpdateConfig CommandKind = "update_config"
	CommandRestart      CommandKind = "restart"
	CommandCancelTask   CommandKind = "cancel_task"
	CommandCustom       CommandKind = "custom"
)

// IsValid 判断指令类型是否合法
func (k CommandKind) IsValid() bool {
	switch k {
	case CommandReloadScript, CommandUpdateConfig, CommandRestart, CommandCancelTask, CommandCustom:
		return true
	}
	return false
}

// Command 推送到 Agent 邮箱、随下一次心跳响应送达的控制指令
type Command struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	Kind      CommandKind       `json:"kind"`
	Args      map[string]string `json:"args,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
