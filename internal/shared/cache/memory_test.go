package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/model"
)

func newCommand(id string, kind model.CommandKind) *model.Command {
	return &model.Command{ID: id, AgentID: "a1", Kind: kind, CreatedAt: time.Now().UTC()}
}

func TestMemoryCache_DrainIsFIFOAndClears(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.PushCommand(ctx, "a1", newCommand("c1", model.CommandReloadScript)))
	require.NoError(t, c.PushCommand(ctx, "a1", newCommand("c2", model.CommandRestart)))
	require.NoError(t, c.PushCommand(ctx, "a2", newCommand("c3", model.CommandCustom)))

	n, err := c.PendingCommands(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	cmds, err := c.DrainCommands(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "c1", cmds[0].ID)
	assert.Equal(t, "c2", cmds[1].ID)

	again, err := c.DrainCommands(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.NotNil(t, again)

	other, err := c.DrainCommands(ctx, "a2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestMemoryCache_PushCopiesArgs(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	cmd := newCommand("c1", model.CommandUpdateConfig)
	cmd.Args = map[string]string{"k": "v1"}
	require.NoError(t, c.PushCommand(ctx, "a1", cmd))
	cmd.Args["k"] = "v2"

	cmds, err := c.DrainCommands(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "v1", cmds[0].Args["k"])
}

func TestMemoryCache_ConcurrentDrainDeliversOnce(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, c.PushCommand(ctx, "a1", newCommand("c", model.CommandCustom)))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmds, _ := c.DrainCommands(ctx, "a1")
			mu.Lock()
			total += len(cmds)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}

func TestMemoryCache_MailboxExpiresAfterIdleTTL(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		pushes  []time.Duration // 相对 start 的推送时间
		drainAt time.Duration
		want    int
	}{
		{"过期前取出", []time.Duration{0}, TTLMailbox - time.Second, 1},
		{"闲置超过 TTL 整体过期", []time.Duration{0}, TTLMailbox, 0},
		{"新命令刷新过期时间", []time.Duration{0, TTLMailbox - time.Hour}, TTLMailbox + time.Hour, 2},
		{"刷新后仍闲置超过 TTL", []time.Duration{0, time.Hour}, TTLMailbox + time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(start)
			c := NewMemoryCacheWithClock(clk)
			for _, at := range tt.pushes {
				clk.Set(start.Add(at))
				require.NoError(t, c.PushCommand(ctx, "a1", newCommand("c", model.CommandCustom)))
			}

			clk.Set(start.Add(tt.drainAt))
			n, err := c.PendingCommands(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, int64(tt.want), n)

			cmds, err := c.DrainCommands(ctx, "a1")
			require.NoError(t, err)
			assert.Len(t, cmds, tt.want)
		})
	}
}
