package queue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// MemoryQueue 进程内调度唤醒队列
//
// 容量为 1 的 channel：多个未消费的信号合并为一个，调度一次即可处理全部待调度任务。
type MemoryQueue struct {
	signals chan *DispatchSignal
	seq     atomic.Uint64
	now     func() time.Time
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		signals: make(chan *DispatchSignal, 1),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NotifyDispatch 投递信号；已有未消费信号时合并
func (q *MemoryQueue) NotifyDispatch(_ context.Context, reason string) error {
	sig := &DispatchSignal{
		ID:        strconv.FormatUint(q.seq.Add(1), 10),
		Reason:    reason,
		CreatedAt: q.now(),
	}
	select {
	case q.signals <- sig:
	default:
	}
	return nil
}

// CreateDispatchConsumerGroup 进程内实现无需消费者组
func (q *MemoryQueue) CreateDispatchConsumerGroup(context.Context) error {
	return nil
}

// ConsumeDispatchSignals 等待信号，超时返回空列表
func (q *MemoryQueue) ConsumeDispatchSignals(ctx context.Context, _ string, _ int64, blockTimeout time.Duration) ([]*DispatchSignal, error) {
	timer := time.NewTimer(blockTimeout)
	defer timer.Stop()

	select {
	case sig := <-q.signals:
		return []*DispatchSignal{sig}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AckDispatchSignal 进程内实现无需确认
func (q *MemoryQueue) AckDispatchSignal(context.Context, string) error {
	return nil
}

// GetDispatchQueueLength 返回未消费信号数
func (q *MemoryQueue) GetDispatchQueueLength(context.Context) (int64, error) {
	return int64(len(q.signals)), nil
}

// Close 关闭队列
func (q *MemoryQueue) Close() error {
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
