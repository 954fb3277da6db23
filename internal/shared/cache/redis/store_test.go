package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-coordinator/internal/shared/cache"
	"fleet-coordinator/internal/shared/model"
)

// newTestStore 连接 REDIS_TEST_URL 指定的 Redis，未设置时跳过
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	s, err := NewStoreFromURL(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Mailbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := "test-" + uuid.NewString()
	t.Cleanup(func() { s.Client().Del(context.Background(), cache.MailboxKey(agentID)) })

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.PushCommand(ctx, agentID, &model.Command{
			ID: id, AgentID: agentID, Kind: model.CommandReloadScript,
			Args: map[string]string{"url": "http://x/" + id}, CreatedAt: time.Now().UTC(),
		}))
	}

	n, err := s.PendingCommands(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ttl, err := s.Client().TTL(ctx, cache.MailboxKey(agentID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	cmds, err := s.DrainCommands(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, "c1", cmds[0].ID)
	assert.Equal(t, "http://x/c3", cmds[2].Args["url"])

	cmds, err = s.DrainCommands(ctx, agentID)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}
