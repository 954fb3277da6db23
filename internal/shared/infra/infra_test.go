package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-coordinator/internal/shared/model"
)

func TestNew_EmptyURLUsesMemory(t *testing.T) {
	inf, err := New("")
	require.NoError(t, err)
	defer inf.Close()

	assert.Equal(t, BackendMemory, inf.Backend)

	ctx := context.Background()
	require.NoError(t, inf.Cache.PushCommand(ctx, "a1", &model.Command{ID: "c1", Kind: model.CommandRestart}))
	cmds, err := inf.Cache.DrainCommands(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, cmds, 1)

	require.NoError(t, inf.Queue.NotifyDispatch(ctx, "test"))
	sigs, err := inf.Queue.ConsumeDispatchSignals(ctx, "c", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}

func TestNew_InvalidRedisURL(t *testing.T) {
	_, err := New("not-a-url://")
	assert.Error(t, err)
}

func TestInfrastructure_CloseIsSafeWithoutCloser(t *testing.T) {
	assert.NoError(t, (&Infrastructure{}).Close())
}
