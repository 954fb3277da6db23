package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-coordinator/internal/shared/eventbus"
	"fleet-coordinator/internal/shared/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	s := NewStoreFromClient(redis.NewClient(opts))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_TaskEventsPubSub(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	execID := "e-" + uuid.NewString()

	sub, err := s.SubscribeTaskEvents(ctx, execID)
	require.NoError(t, err)

	require.NoError(t, s.PublishTaskEvent(ctx, &eventbus.TaskEvent{
		TaskID: "t1", ExecutionID: execID, From: model.TaskStatusInProgress, To: model.TaskStatusCompleted,
		Timestamp: time.Now().UTC(),
	}))

	select {
	case ev := <-sub:
		assert.Equal(t, "t1", ev.TaskID)
		assert.Equal(t, model.TaskStatusCompleted, ev.To)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestStore_ExecutionEventsClosedOnCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := s.SubscribeExecutionEvents(ctx, "")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
