// Package cache 缓存层抽象接口
//
// 提供临时状态的存取能力：Agent 命令邮箱。进程内实现与 Redis 实现在构造时选择，
// 调用方不感知具体后端。
package cache

import (
	"context"

	"fleet-coordinator/internal/shared/model"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// CommandMailbox 每个 Agent 一个 FIFO 命令队列
//
// DrainCommands 原子地取出并清空队列，投递语义为至多一次：取出后即从缓存中删除，
// 不跟踪确认。
type CommandMailbox interface {
	PushCommand(ctx context.Context, agentID string, cmd *model.Command) error
	DrainCommands(ctx context.Context, agentID string) ([]*model.Command, error)
	PendingCommands(ctx context.Context, agentID string) (int64, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	CommandMailbox
	Close() error
}
