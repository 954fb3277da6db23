// Package cache 缓存层类型定义
package cache

import "time"

// ============================================================================
// Key 前缀和 TTL 常量
// ============================================================================

const (
	// KeyMailbox Agent 命令邮箱（Redis List），完整 key 为 mailbox:{agent_id}
	KeyMailbox = "mailbox:"

	// TTLMailbox 邮箱闲置过期时间，离线 Agent 的积压命令不会无限保留
	TTLMailbox = 24 * time.Hour
)

// MailboxKey 返回 Agent 邮箱的 key
func MailboxKey(agentID string) string {
	return KeyMailbox + agentID
}
