package cache

import (
	"context"
	"sync"
	"time"

	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/model"
)

// MemoryCache 进程内缓存实现（单实例部署和测试使用）
//
// 与 Redis 实现一致，邮箱在最后一次 PushCommand 之后 TTLMailbox 内未被取出即整体过期。
type MemoryCache struct {
	mu        sync.Mutex
	clock     clock.Clock
	mailboxes map[string]*memMailbox
}

type memMailbox struct {
	cmds      []*model.Command
	expiresAt time.Time
}

// NewMemoryCache 创建 MemoryCache
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(clock.New())
}

// NewMemoryCacheWithClock 使用指定时钟计算邮箱过期
func NewMemoryCacheWithClock(clk clock.Clock) *MemoryCache {
	return &MemoryCache{clock: clk, mailboxes: make(map[string]*memMailbox)}
}

// PushCommand 追加命令到 Agent 邮箱尾部并刷新过期时间
func (c *MemoryCache) PushCommand(_ context.Context, agentID string, cmd *model.Command) error {
	cp := *cmd
	cp.Args = cloneArgs(cmd.Args)

	c.mu.Lock()
	defer c.mu.Unlock()
	mb := c.mailbox(agentID)
	if mb == nil {
		mb = &memMailbox{}
		c.mailboxes[agentID] = mb
	}
	mb.cmds = append(mb.cmds, &cp)
	mb.expiresAt = c.clock.Now().Add(TTLMailbox)
	return nil
}

// DrainCommands 取出并清空 Agent 邮箱
func (c *MemoryCache) DrainCommands(_ context.Context, agentID string) ([]*model.Command, error) {
	c.mu.Lock()
	mb := c.mailbox(agentID)
	delete(c.mailboxes, agentID)
	c.mu.Unlock()

	if mb == nil {
		return []*model.Command{}, nil
	}
	return mb.cmds, nil
}

// PendingCommands 返回邮箱中待投递命令数
func (c *MemoryCache) PendingCommands(_ context.Context, agentID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mb := c.mailbox(agentID)
	if mb == nil {
		return 0, nil
	}
	return int64(len(mb.cmds)), nil
}

// mailbox 返回未过期的邮箱，已过期的顺带删除；调用方持有 c.mu
func (c *MemoryCache) mailbox(agentID string) *memMailbox {
	mb, ok := c.mailboxes[agentID]
	if !ok {
		return nil
	}
	if !c.clock.Now().Before(mb.expiresAt) {
		delete(c.mailboxes, agentID)
		return nil
	}
	return mb
}

// Close 关闭缓存
func (c *MemoryCache) Close() error {
	return nil
}

func cloneArgs(args map[string]string) map[string]string {
	if args == nil {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

var _ Cache = (*MemoryCache)(nil)
