package eventbus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 事件总线已关闭
var ErrClosed = errors.New("event bus closed")

// hub 按 channel 名称分发事件的订阅表
type hub[T any] struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan T
	next   uint64
	closed bool
	done   chan struct{}
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[string]map[uint64]chan T), done: make(chan struct{})}
}

// publish 非阻塞投递，订阅方缓冲已满时丢弃
func (h *hub[T]) publish(v T, channels ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, name := range channels {
		for _, ch := range h.subs[name] {
			select {
			case ch <- v:
			default:
			}
		}
	}
}

func (h *hub[T]) subscribe(ctx context.Context, name string) (<-chan T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	id := h.next
	h.next++
	ch := make(chan T, SubscriberBuffer)
	if h.subs[name] == nil {
		h.subs[name] = make(map[uint64]chan T)
	}
	h.subs[name][id] = ch

	go func() {
		select {
		case <-ctx.Done():
		case <-h.done:
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[name][id]; ok {
			delete(h.subs[name], id)
			if len(h.subs[name]) == 0 {
				delete(h.subs, name)
			}
			close(c)
		}
	}()
	return ch, nil
}

func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for _, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.subs = make(map[string]map[uint64]chan T)
}

// MemoryEventBus 进程内事件总线
type MemoryEventBus struct {
	tasks      *hub[*TaskEvent]
	executions *hub[*ExecutionEvent]
}

// NewMemoryEventBus 创建进程内事件总线
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		tasks:      newHub[*TaskEvent](),
		executions: newHub[*ExecutionEvent](),
	}
}

// PublishTaskEvent 发布任务事件到全局 channel 和所属执行的 channel
func (b *MemoryEventBus) PublishTaskEvent(_ context.Context, event *TaskEvent) error {
	channels := []string{TaskChannel("")}
	if event.ExecutionID != "" {
		channels = append(channels, TaskChannel(event.ExecutionID))
	}
	b.tasks.publish(event, channels...)
	return nil
}

// SubscribeTaskEvents 订阅任务事件
func (b *MemoryEventBus) SubscribeTaskEvents(ctx context.Context, executionID string) (<-chan *TaskEvent, error) {
	return b.tasks.subscribe(ctx, TaskChannel(executionID))
}

// PublishExecutionEvent 发布执行事件
func (b *MemoryEventBus) PublishExecutionEvent(_ context.Context, event *ExecutionEvent) error {
	b.executions.publish(event, ExecutionChannel(""), ExecutionChannel(event.ExecutionID))
	return nil
}

// SubscribeExecutionEvents 订阅执行事件
func (b *MemoryEventBus) SubscribeExecutionEvents(ctx context.Context, executionID string) (<-chan *ExecutionEvent, error) {
	return b.executions.subscribe(ctx, ExecutionChannel(executionID))
}

// Close 关闭事件总线，所有订阅 channel 被关闭
func (b *MemoryEventBus) Close() error {
	b.tasks.close()
	b.executions.close()
	return nil
}

var _ EventBus = (*MemoryEventBus)(nil)
