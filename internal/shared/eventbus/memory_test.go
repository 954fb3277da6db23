package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-coordinator/internal/shared/model"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestMemoryEventBus_TaskEventsRouting(t *testing.T) {
	bus := NewMemoryEventBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, err := bus.SubscribeTaskEvents(ctx, "")
	require.NoError(t, err)
	exec1, err := bus.SubscribeTaskEvents(ctx, "e1")
	require.NoError(t, err)

	require.NoError(t, bus.PublishTaskEvent(ctx, &TaskEvent{TaskID: "t0", To: model.TaskStatusPending}))
	require.NoError(t, bus.PublishTaskEvent(ctx, &TaskEvent{TaskID: "t1", ExecutionID: "e1", To: model.TaskStatusCompleted}))

	assert.Equal(t, "t0", receive(t, all).TaskID)
	assert.Equal(t, "t1", receive(t, all).TaskID)
	assert.Equal(t, "t1", receive(t, exec1).TaskID)

	select {
	case ev := <-exec1:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestMemoryEventBus_ExecutionEvents(t *testing.T) {
	bus := NewMemoryEventBus()
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.SubscribeExecutionEvents(ctx, "e1")
	require.NoError(t, err)

	require.NoError(t, bus.PublishExecutionEvent(ctx, &ExecutionEvent{ExecutionID: "e2", Type: ExecutionStarted}))
	require.NoError(t, bus.PublishExecutionEvent(ctx, &ExecutionEvent{
		ExecutionID: "e1", Type: ExecutionCompleted, Status: model.ExecutionStatusCompleted,
	}))

	ev := receive(t, sub)
	assert.Equal(t, ExecutionCompleted, ev.Type)
	assert.True(t, ev.IsTerminal())
}

func TestMemoryEventBus_CancelClosesSubscription(t *testing.T) {
	bus := NewMemoryEventBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := bus.SubscribeTaskEvents(ctx, "")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// 订阅已移除，发布不会阻塞
	require.NoError(t, bus.PublishTaskEvent(context.Background(), &TaskEvent{TaskID: "t"}))
}

func TestMemoryEventBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryEventBus()
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.SubscribeTaskEvents(ctx, "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < SubscriberBuffer*3; i++ {
			_ = bus.PublishTaskEvent(ctx, &TaskEvent{TaskID: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus()
	sub, err := bus.SubscribeExecutionEvents(context.Background(), "e1")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, ok := <-sub
	assert.False(t, ok)

	_, err = bus.SubscribeExecutionEvents(context.Background(), "e1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "task_events:all", TaskChannel(""))
	assert.Equal(t, "task_events:exec:e1", TaskChannel("e1"))
	assert.Equal(t, "execution_events:all", ExecutionChannel(""))
	assert.Equal(t, "execution_events:e1", ExecutionChannel("e1"))
}
