package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"fleet-coordinator/internal/shared/cache"
	"fleet-coordinator/internal/shared/model"
)

// PushCommand RPUSH 到 Agent 邮箱并刷新过期时间
func (s *Store) PushCommand(ctx context.Context, agentID string, cmd *model.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	key := cache.MailboxKey(agentID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, cache.TTLMailbox)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push command: %w", err)
	}
	return nil
}

// DrainCommands 在 MULTI 中执行 LRANGE + DEL，保证取出与清空原子
func (s *Store) DrainCommands(ctx context.Context, agentID string) ([]*model.Command, error) {
	key := cache.MailboxKey(agentID)

	var rangeCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain mailbox: %w", err)
	}

	cmds := make([]*model.Command, 0, len(rangeCmd.Val()))
	for _, raw := range rangeCmd.Val() {
		var cmd model.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			// 已从 Redis 删除，无法重投，只能记录
			log.Printf("[Redis/Cache] dropping malformed command agent_id=%s: %v", agentID, err)
			continue
		}
		cmds = append(cmds, &cmd)
	}
	return cmds, nil
}

// PendingCommands 返回邮箱长度
func (s *Store) PendingCommands(ctx context.Context, agentID string) (int64, error) {
	return s.client.LLen(ctx, cache.MailboxKey(agentID)).Result()
}
